package gas

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session/internal/constants"
	"github.com/quantumauth-io/wallet-session/internal/metrics"
	"github.com/shopspring/decimal"
)

type Config struct {
	PriorityNetwork uint64
	Interval        time.Duration
	Speed           string
	APIKey          string

	EthGasStationURL string
	EtherchainURL    string
	Timeout          time.Duration
}

func (c *Config) normalize() {
	if c.PriorityNetwork == 0 {
		c.PriorityNetwork = constants.PriorityNetwork
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Speed == "" {
		c.Speed = "fast"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Poller tracks the recommended gas price. On the priority network it
// refreshes on a fixed interval; anywhere else it holds the fallback price.
type Poller struct {
	cfg      Config
	oracle   Oracle
	metrics  *metrics.Registry
	onChange func(decimal.Decimal)

	configure sync.Mutex

	mu     sync.Mutex
	price  decimal.Decimal
	runID  uint64
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Poller)

func WithOracle(o Oracle) Option {
	return func(p *Poller) { p.oracle = o }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(p *Poller) { p.metrics = m }
}

func WithOnChange(fn func(decimal.Decimal)) Option {
	return func(p *Poller) { p.onChange = fn }
}

func NewPoller(cfg Config, opts ...Option) *Poller {
	cfg.normalize()
	client := &http.Client{Timeout: cfg.Timeout}

	p := &Poller{
		cfg:   cfg,
		price: decimal.NewFromInt(constants.FallbackGasPrice),
	}
	if cfg.APIKey != "" {
		p.oracle = &EthGasStation{BaseURL: cfg.EthGasStationURL, APIKey: cfg.APIKey, Client: client}
	} else {
		p.oracle = &Etherchain{BaseURL: cfg.EtherchainURL, Client: client}
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Poller) Price() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price
}

// Polling reports whether the interval refresh is active.
func (p *Poller) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// SetNetwork moves the poller to network. Any running interval is stopped
// before this returns; entering the priority network starts a new one with
// an immediate refresh, any other network sets the fallback price.
func (p *Poller) SetNetwork(network uint64) {
	p.configure.Lock()
	defer p.configure.Unlock()

	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runID++
	id := p.runID
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if network != p.cfg.PriorityNetwork {
		p.set(decimal.NewFromInt(constants.FallbackGasPrice))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan struct{})
	p.mu.Lock()
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	log.Info("starting gas price poller", "network", network, "interval", p.cfg.Interval.String())
	go p.loop(ctx, id, done)
}

// Stop cancels the interval refresh, if any.
func (p *Poller) Stop() {
	p.configure.Lock()
	defer p.configure.Unlock()

	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runID++
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Refresh fetches a new price now. Failures are logged and replaced by the
// default price; the resulting price is returned.
func (p *Poller) Refresh(ctx context.Context) decimal.Decimal {
	v := p.fetch(ctx)
	p.set(v)
	return v
}

func (p *Poller) loop(ctx context.Context, id uint64, done chan struct{}) {
	defer close(done)

	p.refreshRun(ctx, id)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("gas price poller stopped")
			return
		case <-ticker.C:
			p.refreshRun(ctx, id)
		}
	}
}

func (p *Poller) refreshRun(ctx context.Context, id uint64) {
	v := p.fetch(ctx)
	if ctx.Err() != nil {
		return
	}
	p.mu.Lock()
	if id != p.runID {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.set(v)
}

func (p *Poller) fetch(ctx context.Context) decimal.Decimal {
	v, err := p.oracle.Fetch(ctx, p.cfg.Speed)
	p.metrics.OracleFetched(p.oracle.Name(), err == nil)
	if err != nil {
		err = oracleError(p.oracle.Name(), err)
		log.Error("gas price refresh failed, using default", "default", constants.DefaultGasPrice, "error", err)
		return decimal.NewFromInt(constants.DefaultGasPrice)
	}
	log.Info("setting new gas price", "gwei", v.String(), "oracle", p.oracle.Name())
	return v
}

// oracleError reports a failed fetch as ErrOracleUnavailable, keeping cause
// attached for logging.
func oracleError(oracle string, cause error) error {
	return errors.WithSecondaryError(errors.Wrapf(ErrOracleUnavailable, "%s: %v", oracle, cause), cause)
}

func (p *Poller) set(v decimal.Decimal) {
	p.mu.Lock()
	changed := !p.price.Equal(v)
	p.price = v
	p.mu.Unlock()

	p.metrics.GasPrice(v.InexactFloat64())
	if changed && p.onChange != nil {
		p.onChange(v)
	}
}
