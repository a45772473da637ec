package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/wallet-session/internal/constants"
	"github.com/quantumauth-io/wallet-session/internal/kvstore"
	"github.com/quantumauth-io/wallet-session/internal/securefile"
	"github.com/quantumauth-io/wallet-session/internal/tokens"
	"github.com/quantumauth-io/wallet-session/internal/wallet"
	"github.com/spf13/viper"
)

type SessionSettings struct {
	NetworkIDs           []uint64
	CacheWalletSelection bool
	SpenderAddress       string
}

type WalletSettings struct {
	Name string
	URL  string
	Kind string
}

type AdapterSettings struct {
	PollInterval time.Duration
	Mobile       bool
}

type GasSettings struct {
	PriorityNetwork     uint64
	PollInterval        time.Duration
	Speed               string
	EthGasStationAPIKey string
	EthGasStationURL    string
	EtherchainURL       string
	Timeout             time.Duration
}

type TokenSettings struct {
	Address  string
	Name     string
	Symbol   string
	ImageURI string
}

type TokensSettings struct {
	// File is an optional YAML watch-list merged after Networks.
	File     string
	Networks map[string][]TokenSettings
}

type TrackerSettings struct {
	ReconcileRate     float64
	ReconcileBurst    int
	MetadataCacheSize int
}

type StorageSettings struct {
	Backend    string
	Path       string
	Passphrase string
	Sealed     bool
}

type HTTPSettings struct {
	Host           string
	Port           string
	AllowedOrigins []string
}

type Config struct {
	Session SessionSettings  `mapstructure:"Session"`
	Wallets []WalletSettings `mapstructure:"Wallets"`
	Adapter AdapterSettings  `mapstructure:"Adapter"`
	Gas     GasSettings      `mapstructure:"Gas"`
	Tokens  TokensSettings   `mapstructure:"Tokens"`
	Tracker TrackerSettings  `mapstructure:"Tracker"`
	Storage StorageSettings  `mapstructure:"Storage"`
	HTTP    HTTPSettings     `mapstructure:"HTTP"`
}

// DefaultPaths lists the directories searched for config.yaml.
func DefaultPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".config", constants.AppName),
		filepath.Join(home, "config"),
		".",
	}
}

func Load() (*Config, error) {
	return LoadFrom(DefaultPaths())
}

// LoadFrom reads the embedded defaults, merges the first config.yaml found
// in paths on top, then applies WALLET_SESSION_* environment overrides.
func LoadFrom(paths []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(EmbeddedConfigYAML)); err != nil {
		return nil, errors.Wrap(err, "read embedded config")
	}

	v.SetConfigName("config")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "merge config file")
		}
	}

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates addresses and fills derived defaults.
func (c *Config) Normalize() error {
	if len(c.Wallets) == 0 {
		return errors.New("Wallets must name at least one endpoint")
	}
	for i, w := range c.Wallets {
		if strings.TrimSpace(w.Name) == "" || strings.TrimSpace(w.URL) == "" {
			return errors.Newf("Wallets[%d] needs Name and URL", i)
		}
		switch strings.ToLower(strings.TrimSpace(w.Kind)) {
		case "", "standard", "hardware":
		default:
			return errors.Newf("Wallets[%d] unknown kind %q", i, w.Kind)
		}
	}

	if s := strings.TrimSpace(c.Session.SpenderAddress); s != "" && !common.IsHexAddress(s) {
		return errors.Newf("Session.SpenderAddress invalid: %q", s)
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = string(kvstore.BackendFile)
	}
	if c.Storage.Path == "" && c.Storage.Backend != string(kvstore.BackendMemory) {
		name := constants.KVFile
		if c.Storage.Backend == string(kvstore.BackendSQLite) {
			name = constants.KVDatabase
		}
		candidates, err := securefile.ConfigPathCandidates(constants.AppName, name)
		if err != nil {
			return err
		}
		c.Storage.Path = securefile.FirstExisting(candidates)
	}

	if c.Tokens.File == "" {
		candidates, err := securefile.ConfigPathCandidates(constants.AppName, constants.TokensFile)
		if err != nil {
			return err
		}
		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				c.Tokens.File = p
				break
			}
		}
	}

	if c.HTTP.Port == "" {
		c.HTTP.Port = "8740"
	}
	return nil
}

// Spender returns the configured allowance spender, or nil.
func (c *Config) Spender() *common.Address {
	s := strings.TrimSpace(c.Session.SpenderAddress)
	if s == "" {
		return nil
	}
	addr := common.HexToAddress(s)
	return &addr
}

// Endpoints converts the wallet list for the RPC adapter.
func (c *Config) Endpoints() []wallet.Endpoint {
	out := make([]wallet.Endpoint, 0, len(c.Wallets))
	for _, w := range c.Wallets {
		out = append(out, wallet.Endpoint{Name: w.Name, URL: w.URL, Kind: wallet.ParseKind(w.Kind)})
	}
	return out
}

// WatchConfig merges the inline Networks watch-list with Tokens.File.
// Inline entries come first; a file entry for an address already listed
// is skipped.
func (c *Config) WatchConfig() (tokens.WatchConfig, error) {
	out := tokens.WatchConfig{}
	seen := map[uint64]map[common.Address]struct{}{}
	add := func(network uint64, e tokens.Entry) {
		if seen[network] == nil {
			seen[network] = map[common.Address]struct{}{}
		}
		if _, ok := seen[network][e.Address]; ok {
			return
		}
		seen[network][e.Address] = struct{}{}
		out[network] = append(out[network], e)
	}

	for key, list := range c.Tokens.Networks {
		network, err := strconv.ParseUint(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, errors.Newf("Tokens.Networks key %q is not a network id", key)
		}
		for _, t := range list {
			a := strings.TrimSpace(t.Address)
			if !common.IsHexAddress(a) {
				return nil, errors.Newf("Tokens.Networks[%q] invalid address: %q", key, t.Address)
			}
			add(network, tokens.Entry{
				Address:  common.HexToAddress(a),
				Name:     t.Name,
				Symbol:   t.Symbol,
				ImageURI: t.ImageURI,
			})
		}
	}

	if c.Tokens.File != "" {
		fromFile, err := tokens.LoadWatchConfig(c.Tokens.File)
		if err != nil {
			return nil, err
		}
		for network, list := range fromFile {
			for _, e := range list {
				add(network, e)
			}
		}
	}
	return out, nil
}
