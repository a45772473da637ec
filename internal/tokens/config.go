package tokens

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Entry is one watched token. Name, Symbol and ImageURI are optional; when
// Name or Symbol is empty it is read from the contract.
type Entry struct {
	Address  common.Address
	Name     string
	Symbol   string
	ImageURI string
}

// WatchConfig is the per-network ordered watch-list. The engine never
// mutates it.
type WatchConfig map[uint64][]Entry

// For returns the watch-list for network, or nil when none is configured.
func (c WatchConfig) For(network uint64) []Entry {
	if c == nil {
		return nil
	}
	return c[network]
}

type entryYAML struct {
	Address  string `yaml:"address"`
	Name     string `yaml:"name"`
	Symbol   string `yaml:"symbol"`
	ImageURI string `yaml:"imageUri"`
}

type fileYAML struct {
	Networks map[uint64][]entryYAML `yaml:"networks"`
}

func LoadWatchConfig(path string) (WatchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read token watch-list %s", path)
	}
	return ParseWatchConfig(data)
}

// ParseWatchConfig decodes a YAML document of the form
//
//	networks:
//	  1:
//	    - address: "0x..."
//	      symbol: DAI
func ParseWatchConfig(data []byte) (WatchConfig, error) {
	var raw fileYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode token watch-list")
	}

	out := make(WatchConfig, len(raw.Networks))
	for network, list := range raw.Networks {
		seen := make(map[common.Address]struct{}, len(list))
		entries := make([]Entry, 0, len(list))
		for i, e := range list {
			addr := strings.TrimSpace(e.Address)
			if !common.IsHexAddress(addr) {
				return nil, errors.Newf("network %d entry %d: invalid address %q", network, i, e.Address)
			}
			a := common.HexToAddress(addr)
			if _, dup := seen[a]; dup {
				return nil, errors.Newf("network %d: duplicate token %s", network, a.Hex())
			}
			seen[a] = struct{}{}
			entries = append(entries, Entry{
				Address:  a,
				Name:     strings.TrimSpace(e.Name),
				Symbol:   strings.TrimSpace(e.Symbol),
				ImageURI: strings.TrimSpace(e.ImageURI),
			})
		}
		out[network] = entries
	}
	return out, nil
}
