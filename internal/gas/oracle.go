package gas

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

const (
	EthGasStationURL = "https://ethgasstation.info/api/ethgasAPI.json"
	EtherchainURL    = "https://www.etherchain.org/api/gasPriceOracle"

	// EthGasStation reports tenths of a gwei.
	ethGasStationScale = 10

	maxBody = 1 << 20
)

var ErrOracleUnavailable = errors.New("gas oracle unavailable")

// Oracle returns a recommended gas price in gwei for a speed setting such as
// "fast" or "safeLow".
type Oracle interface {
	Name() string
	Fetch(ctx context.Context, speed string) (decimal.Decimal, error)
}

type EthGasStation struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (o *EthGasStation) Name() string { return "ethgasstation" }

func (o *EthGasStation) Fetch(ctx context.Context, speed string) (decimal.Decimal, error) {
	base := o.BaseURL
	if base == "" {
		base = EthGasStationURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse oracle url")
	}
	q := u.Query()
	q.Set("api-key", o.APIKey)
	u.RawQuery = q.Encode()

	v, err := fetchField(ctx, o.Client, u.String(), speed)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Div(decimal.NewFromInt(ethGasStationScale)), nil
}

type Etherchain struct {
	BaseURL string
	Client  *http.Client
}

func (o *Etherchain) Name() string { return "etherchain" }

func (o *Etherchain) Fetch(ctx context.Context, speed string) (decimal.Decimal, error) {
	base := o.BaseURL
	if base == "" {
		base = EtherchainURL
	}
	return fetchField(ctx, o.Client, base, speed)
}

func fetchField(ctx context.Context, client *http.Client, endpoint, field string) (decimal.Decimal, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "build oracle request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "oracle request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, errors.Newf("oracle status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "read oracle response")
	}
	return parseField(body, field)
}

// parseField extracts field from a flat JSON object. Numbers and numeric
// strings are both accepted.
func parseField(body []byte, field string) (decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return decimal.Zero, errors.Wrap(err, "decode oracle response")
	}

	raw, ok := obj[field]
	if !ok {
		return decimal.Zero, errors.Newf("oracle response has no %q field", field)
	}
	var s string
	switch v := raw.(type) {
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	default:
		return decimal.Zero, errors.Newf("oracle field %q is %T", field, raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "oracle field %q not numeric", field)
	}
	return d, nil
}
