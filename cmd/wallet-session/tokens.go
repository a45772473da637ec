package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/quantumauth-io/wallet-session/internal/ledger"
	"github.com/urfave/cli/v2"
)

var tokensCommand = &cli.Command{
	Name:  "tokens",
	Usage: "print the token ledger of a running daemon",
	Flags: []cli.Flag{
		configDirFlag,
		&cli.StringFlag{
			Name:  "addr",
			Usage: "daemon address (host:port); defaults to the configured HTTP listener",
		},
	},
	Action: printTokens,
}

type tokensPayload struct {
	Network    uint64             `json:"network"`
	Generation uint64             `json:"generation"`
	Tokens     []ledger.TokenInfo `json:"tokens"`
}

func printTokens(c *cli.Context) error {
	addr := c.String("addr")
	if addr == "" {
		cfg, err := loadConfig(c)
		if err != nil {
			return errors.Wrap(err, "failed to parse config")
		}
		addr = net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
	}

	payload, err := fetchTokens(c.Context, "http://"+addr+"/api/tokens")
	if err != nil {
		return err
	}
	renderTokens(os.Stdout, payload)
	return nil
}

func fetchTokens(ctx context.Context, url string) (tokensPayload, error) {
	var out tokensPayload

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, errors.Wrap(err, "build request")
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return out, errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, errors.Newf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, errors.Wrap(err, "decode tokens")
	}
	return out, nil
}

func renderTokens(w io.Writer, p tokensPayload) {
	_, _ = fmt.Fprintf(w, "network %d, generation %d\n", p.Network, p.Generation)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Address", "Symbol", "Name", "Decimals", "Balance", "Allowance"})
	table.SetAutoWrapText(false)
	for _, t := range p.Tokens {
		allowance := "-"
		if t.SpenderAllowance != nil {
			allowance = t.SpenderAllowance.String()
		}
		table.Append([]string{
			t.Address.Hex(),
			t.Symbol,
			t.Name,
			strconv.Itoa(int(t.Decimals)),
			t.Balance.String(),
			allowance,
		})
	}
	table.Render()
}
