package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session/cmd/wallet-session/config"
	"github.com/quantumauth-io/wallet-session/internal/constants"
	"github.com/quantumauth-io/wallet-session/internal/gas"
	sessionhttp "github.com/quantumauth-io/wallet-session/internal/http"
	"github.com/quantumauth-io/wallet-session/internal/kvstore"
	"github.com/quantumauth-io/wallet-session/internal/ledger"
	"github.com/quantumauth-io/wallet-session/internal/metrics"
	"github.com/quantumauth-io/wallet-session/internal/session"
	"github.com/quantumauth-io/wallet-session/internal/tokens"
	"github.com/quantumauth-io/wallet-session/internal/wallet"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

var configDirFlag = &cli.StringFlag{
	Name:  "config-dir",
	Usage: "directory searched first for config.yaml",
}

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "run the session engine and its HTTP API",
	Flags:  []cli.Flag{configDirFlag},
	Action: serve,
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	paths := config.DefaultPaths()
	if dir := c.String(configDirFlag.Name); dir != "" {
		paths = append([]string{dir}, paths...)
	}
	return config.LoadFrom(paths)
}

func serve(c *cli.Context) error {
	ctx := c.Context
	log.Info(constants.AppName,
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg, err := loadConfig(c)
	if err != nil {
		return errors.Wrap(err, "failed to parse config")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	kv, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if closer, ok := kv.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Error("storage close failed", "error", err)
			}
		}()
	}

	watch, err := cfg.WatchConfig()
	if err != nil {
		return errors.Wrap(err, "token watch-list")
	}

	hub := session.NewHub()
	store := ledger.NewStore(hub.Notify)

	tracker, err := tokens.NewTracker(tokens.Config{
		Watch:             watch,
		Spender:           cfg.Spender(),
		ReconcileRate:     cfg.Tracker.ReconcileRate,
		ReconcileBurst:    cfg.Tracker.ReconcileBurst,
		MetadataCacheSize: cfg.Tracker.MetadataCacheSize,
	}, store, tokens.WithMetrics(m))
	if err != nil {
		return errors.Wrap(err, "token tracker")
	}

	poller := gas.NewPoller(gas.Config{
		PriorityNetwork:  cfg.Gas.PriorityNetwork,
		Interval:         cfg.Gas.PollInterval,
		Speed:            cfg.Gas.Speed,
		APIKey:           cfg.Gas.EthGasStationAPIKey,
		EthGasStationURL: cfg.Gas.EthGasStationURL,
		EtherchainURL:    cfg.Gas.EtherchainURL,
		Timeout:          cfg.Gas.Timeout,
	}, gas.WithMetrics(m), gas.WithOnChange(func(decimal.Decimal) { hub.Notify() }))

	var defaultNetwork uint64
	if len(cfg.Session.NetworkIDs) > 0 {
		defaultNetwork = cfg.Session.NetworkIDs[0]
	}
	adapterCfg := wallet.RPCAdapterConfig{
		Endpoints:    cfg.Endpoints(),
		Network:      defaultNetwork,
		PollInterval: cfg.Adapter.PollInterval,
		Mobile:       cfg.Adapter.Mobile,
	}

	engine, err := session.New(session.Config{
		NetworkIDs:           cfg.Session.NetworkIDs,
		CacheWalletSelection: cfg.Session.CacheWalletSelection,
	}, session.Deps{
		Adapters: func(h wallet.Handlers) (session.Adapter, error) {
			a, err := wallet.NewRPCAdapter(adapterCfg, h)
			if err != nil {
				return nil, err
			}
			return a, nil
		},
		KV:      kv,
		Ledger:  store,
		Tracker: tracker,
		Gas:     poller,
		Hub:     hub,
		Metrics: m,
	})
	if err != nil {
		return errors.Wrap(err, "session engine")
	}
	defer engine.Close()

	// An adapter failure leaves the engine unconnected; the API still serves.
	_ = engine.Start(ctx)

	handler := sessionhttp.NewRouter(
		sessionhttp.NewHandler(engine, cfg.HTTP.AllowedOrigins),
		sessionhttp.RouterConfig{AllowedOrigins: cfg.HTTP.AllowedOrigins, Gatherer: reg},
	)

	addr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	} else {
		log.Info("HTTP server gracefully stopped")
	}
	return nil
}

func openStorage(ctx context.Context, s config.StorageSettings) (kvstore.Store, error) {
	passphrase := ""
	if s.Sealed && kvstore.Backend(s.Backend) == kvstore.BackendFile {
		passphrase = s.Passphrase
		if passphrase == "" {
			pw, err := promptPassphrase("Storage passphrase: ")
			if err != nil {
				return nil, err
			}
			passphrase = string(pw)
		}
	}

	kv, err := kvstore.Open(ctx, kvstore.Config{
		Backend:    kvstore.Backend(s.Backend),
		Path:       s.Path,
		Passphrase: passphrase,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	return kv, nil
}
