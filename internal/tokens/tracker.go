package tokens

import (
	"context"
	"math/big"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session/internal/ledger"
	"github.com/quantumauth-io/wallet-session/internal/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrMetadataUnavailable = errors.New("token metadata unavailable")

type Config struct {
	Watch WatchConfig

	// Spender, when set, is the address whose allowance is tracked.
	Spender *common.Address

	// ReconcileRate caps reconciliations per second across all tokens.
	// Zero disables the limit.
	ReconcileRate  float64
	ReconcileBurst int

	MetadataCacheSize int
}

type metaKey struct {
	network uint64
	address common.Address
}

type metadata struct {
	name     string
	symbol   string
	decimals uint8
}

// Tracker keeps the ledger in step with the chain for the active epoch.
type Tracker struct {
	cfg     Config
	store   *ledger.Store
	factory ContractFactory
	metrics *metrics.Registry
	limiter *rate.Limiter
	meta    *lru.Cache[metaKey, metadata]

	transition sync.Mutex

	mu  sync.Mutex
	run *epochRun
}

type Option func(*Tracker)

func WithFactory(f ContractFactory) Option {
	return func(t *Tracker) { t.factory = f }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(t *Tracker) { t.metrics = m }
}

func NewTracker(cfg Config, store *ledger.Store, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("nil ledger store")
	}
	if cfg.MetadataCacheSize <= 0 {
		cfg.MetadataCacheSize = 256
	}
	meta, err := lru.New[metaKey, metadata](cfg.MetadataCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "metadata cache")
	}

	t := &Tracker{
		cfg:     cfg,
		store:   store,
		factory: ERC20Factory,
		meta:    meta,
		run:     newEpochRun(Epoch{}, 0),
	}
	if cfg.ReconcileRate > 0 {
		burst := cfg.ReconcileBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.ReconcileRate), burst)
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Transition ends the current epoch and starts e. Subscriptions of the
// previous epoch are released and the ledger is reset before any work for
// e begins. Discovery runs in the background; see Settled.
func (t *Tracker) Transition(e Epoch, backend bind.ContractBackend) {
	t.transition.Lock()
	defer t.transition.Unlock()

	var watch []Entry
	if e.Active() && backend != nil {
		watch = t.cfg.Watch.For(e.Network)
	}
	next := newEpochRun(e, len(watch))

	t.mu.Lock()
	prev := t.run
	t.run = next
	t.mu.Unlock()

	released := prev.close()
	t.metrics.SubscriptionsReleased(released)
	t.store.Begin(e.Generation)
	t.metrics.EpochStarted()

	log.Info("token epoch started",
		"generation", e.Generation,
		"network", e.Network,
		"address", e.Address.Hex(),
		"tokens", len(watch),
		"released", released)

	for _, entry := range watch {
		go t.discover(next, entry, backend)
	}
}

// Close releases the current epoch without starting a new one.
func (t *Tracker) Close() {
	t.transition.Lock()
	defer t.transition.Unlock()

	t.mu.Lock()
	prev := t.run
	t.run = newEpochRun(prev.epoch, 0)
	t.mu.Unlock()

	t.metrics.SubscriptionsReleased(prev.close())
}

// Settled is closed once every token of the current epoch has been added,
// reconciled and subscribed, or has failed trying.
func (t *Tracker) Settled() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.settled
}

func (t *Tracker) LiveSubscriptions() int {
	t.mu.Lock()
	run := t.run
	t.mu.Unlock()
	return run.live()
}

func (t *Tracker) discover(run *epochRun, entry Entry, backend bind.ContractBackend) {
	defer run.resolved()

	tok, err := t.factory(entry.Address, backend)
	if err != nil {
		log.Error("token contract unavailable", "token", entry.Address.Hex(), "error", err)
		return
	}

	md, err := t.metadata(run.ctx, run.epoch.Network, entry, tok)
	if err != nil && run.ctx.Err() == nil {
		log.Error("token metadata incomplete", "token", entry.Address.Hex(), "error", err)
	}

	added := t.store.Apply(run.epoch.Generation, ledger.AddToken{
		ID: entry.Address,
		Token: ledger.TokenInfo{
			Address:  entry.Address,
			Name:     md.name,
			Symbol:   md.symbol,
			Decimals: md.decimals,
			Balance:  decimal.Zero,
			ImageURI: entry.ImageURI,
			Actions: &ledger.TokenActions{
				Approve:   tok.Approve,
				Transfer:  tok.Transfer,
				Allowance: tok.Allowance,
			},
		},
	})
	if !added {
		return
	}

	t.reconcile(run, tok, md.decimals)
	t.subscribe(run, tok, md.decimals)
}

// metadata returns name, symbol and decimals for the token. Fields present in
// the watch-list win over contract reads. Failed reads leave defaults and are
// reported in the returned error; only complete results are cached.
func (t *Tracker) metadata(ctx context.Context, network uint64, entry Entry, tok Token) (metadata, error) {
	key := metaKey{network: network, address: entry.Address}
	if md, ok := t.meta.Get(key); ok {
		return md, nil
	}

	md := metadata{name: entry.Name, symbol: entry.Symbol}
	var errs error
	fail := func(field string, err error) {
		t.metrics.MetadataFailed(field)
		errs = errors.CombineErrors(errs, errors.Wrapf(err, "read %s", field))
	}

	if md.name == "" {
		if v, err := tok.Name(ctx); err != nil {
			fail("name", err)
		} else {
			md.name = v
		}
	}
	if md.symbol == "" {
		if v, err := tok.Symbol(ctx); err != nil {
			fail("symbol", err)
		} else {
			md.symbol = v
		}
	}
	if v, err := tok.Decimals(ctx); err != nil {
		fail("decimals", err)
	} else {
		md.decimals = v
	}

	if errs != nil {
		return md, errors.WithSecondaryError(errors.Wrapf(ErrMetadataUnavailable, "%v", errs), errs)
	}
	t.meta.Add(key, md)
	return md, nil
}

// reconcile reads balance and allowance independently and writes whatever
// succeeded. A failed read keeps the stored value.
func (t *Tracker) reconcile(run *epochRun, tok Token, decimals uint8) {
	ctx := run.ctx
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			t.metrics.Reconciled("stale")
			return
		}
	}

	owner := run.epoch.Address
	var balance, allowance *decimal.Decimal

	var g errgroup.Group
	g.Go(func() error {
		raw, err := tok.BalanceOf(ctx, owner)
		if err != nil {
			return errors.Wrap(err, "balance")
		}
		v := Scale(raw, decimals)
		balance = &v
		return nil
	})
	if spender := t.cfg.Spender; spender != nil {
		g.Go(func() error {
			raw, err := tok.Allowance(ctx, owner, *spender)
			if err != nil {
				return errors.Wrap(err, "allowance")
			}
			v := Scale(raw, decimals)
			allowance = &v
			return nil
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("token reconciliation incomplete", "token", tok.Address().Hex(), "error", err)
	}

	if balance == nil && allowance == nil {
		t.metrics.Reconciled("failed")
		return
	}
	applied := t.store.Apply(run.epoch.Generation, ledger.UpdateTokenBalanceAllowance{
		ID:               tok.Address(),
		Balance:          balance,
		SpenderAllowance: allowance,
	})
	if applied {
		t.metrics.Reconciled("applied")
	} else {
		t.metrics.Reconciled("stale")
	}
}

// subscribe watches outgoing approvals, outgoing transfers and incoming
// transfers of the epoch address; any delivery triggers a reconciliation.
func (t *Tracker) subscribe(run *epochRun, tok Token, decimals uint8) {
	ctx := run.ctx
	owner := []common.Address{run.epoch.Address}
	sink := make(chan types.Log, 16)

	watches := []struct {
		name string
		open func() (event.Subscription, error)
	}{
		{"approval", func() (event.Subscription, error) { return tok.WatchApproval(ctx, owner, nil, sink) }},
		{"transfer-out", func() (event.Subscription, error) { return tok.WatchTransfer(ctx, owner, nil, sink) }},
		{"transfer-in", func() (event.Subscription, error) { return tok.WatchTransfer(ctx, nil, owner, sink) }},
	}

	opened := 0
	for _, w := range watches {
		sub, err := w.open()
		if err != nil {
			if ctx.Err() == nil {
				log.Error("token watch failed", "token", tok.Address().Hex(), "filter", w.name, "error", err)
			}
			continue
		}
		if !run.track(sub) {
			return
		}
		t.metrics.SubscriptionsAdded(1)
		opened++
		go logSubscriptionErrors(tok.Address(), w.name, sub)
	}
	if opened == 0 {
		return
	}
	go t.listen(run, tok, decimals, sink)
}

func (t *Tracker) listen(run *epochRun, tok Token, decimals uint8, sink <-chan types.Log) {
	for {
		select {
		case <-run.ctx.Done():
			return
		case <-sink:
			// coalesce a burst into one read
		drain:
			for {
				select {
				case <-sink:
				default:
					break drain
				}
			}
			t.reconcile(run, tok, decimals)
		}
	}
}

func logSubscriptionErrors(token common.Address, filter string, sub event.Subscription) {
	for err := range sub.Err() {
		if err != nil {
			log.Error("token subscription dropped", "token", token.Hex(), "filter", filter, "error", err)
		}
	}
}

// Scale converts base units to a decimal quantity by dividing by
// 10^decimals. The result is exact.
func Scale(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}
