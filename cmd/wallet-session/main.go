package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session/internal/constants"
	"github.com/urfave/cli/v2"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:    constants.AppName,
		Usage:   "wallet session and token ledger daemon",
		Version: Version,
		Commands: []*cli.Command{
			serveCommand,
			tokensCommand,
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal("command failed", "error", err)
	}
}
