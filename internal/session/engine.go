package session

import (
	"context"
	"math/big"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session/internal/constants"
	"github.com/quantumauth-io/wallet-session/internal/gas"
	"github.com/quantumauth-io/wallet-session/internal/kvstore"
	"github.com/quantumauth-io/wallet-session/internal/ledger"
	"github.com/quantumauth-io/wallet-session/internal/metrics"
	"github.com/quantumauth-io/wallet-session/internal/tokens"
	"github.com/quantumauth-io/wallet-session/internal/wallet"
	"github.com/shopspring/decimal"
)

type Deps struct {
	Adapters AdapterFactory
	KV       kvstore.Store
	Ledger   *ledger.Store
	Tracker  *tokens.Tracker
	Gas      *gas.Poller
	Hub      *Hub
	Metrics  *metrics.Registry
}

// Engine owns the session state and keeps the token tracker and gas poller
// in step with it. Handler methods may be called from any goroutine.
type Engine struct {
	cfg        Config
	newAdapter AdapterFactory
	kv         kvstore.Store
	ledger     *ledger.Store
	tracker    *tokens.Tracker
	gas        *gas.Poller
	hub        *Hub
	metrics    *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	checks sync.WaitGroup

	// transitions serializes epoch and gas changes so they apply in order.
	transitions sync.Mutex
	generation  uint64
	epoch       tokens.Epoch
	gasNetwork  uint64
	gasSet      bool

	mu         sync.Mutex
	closed     bool
	adapter    Adapter
	isMobile   bool
	address    common.Address
	network    uint64
	wallet     *wallet.Wallet
	provider   *wallet.Provider
	isReady    bool
	ethBalance decimal.Decimal
	// identity changes with every address, network or wallet change;
	// readiness results computed for an older identity are dropped.
	identity uint64
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Adapters == nil {
		return nil, errors.New("adapter factory is required")
	}
	if deps.Ledger == nil || deps.Tracker == nil || deps.Gas == nil {
		return nil, errors.New("ledger, tracker and gas poller are required")
	}
	if deps.KV == nil {
		deps.KV = kvstore.NewMemoryStore()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	if cfg.SelectionKey == "" {
		cfg.SelectionKey = constants.SelectionKey
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		newAdapter: deps.Adapters,
		kv:         deps.KV,
		ledger:     deps.Ledger,
		tracker:    deps.Tracker,
		gas:        deps.Gas,
		hub:        deps.Hub,
		metrics:    deps.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		ethBalance: decimal.Zero,
	}, nil
}

// Start constructs the wallet adapter and restores a persisted wallet
// selection. When the adapter cannot be built the engine stays usable but
// unconnected, and the error is returned marked as ErrInitializationFailure.
func (e *Engine) Start(ctx context.Context) error {
	defer e.hub.Notify()

	adapter, err := e.newAdapter(wallet.Handlers{
		Address: e.OnAddressChanged,
		Wallet:  e.OnWalletChanged,
		Network: e.OnNetworkChanged,
		Balance: e.OnBalanceChanged,
	})
	if err != nil {
		err = errors.WithSecondaryError(errors.Wrapf(ErrInitializationFailure, "construct wallet adapter: %v", err), err)
		log.Error("error initializing wallet onboarding", "error", err)
		e.syncGas()
		return err
	}

	e.mu.Lock()
	e.adapter = adapter
	e.isMobile = adapter.IsMobile()
	e.mu.Unlock()

	if len(e.cfg.NetworkIDs) > 0 {
		adapter.Configure(e.cfg.NetworkIDs[0])
	}
	e.syncGas()

	if !e.cfg.CacheWalletSelection {
		return nil
	}
	name, err := e.kv.Get(ctx, e.cfg.SelectionKey)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
	case err != nil:
		log.Error("reading saved wallet selection failed", "error", err)
	case name != "":
		if _, err := adapter.Select(ctx, name); err != nil {
			log.Error("reconnecting saved wallet failed", "wallet", name, "error", err)
		}
	}
	return nil
}

// Close stops background work. The wallet connection itself is left alone,
// but notifications it delivers afterwards are ignored.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.checks.Wait()
	e.tracker.Close()
	e.gas.Stop()
}

// SelectWallet asks the adapter to connect the named wallet.
func (e *Engine) SelectWallet(ctx context.Context, name string) (bool, error) {
	e.mu.Lock()
	adapter := e.adapter
	e.mu.Unlock()
	if adapter == nil {
		return false, ErrInitializationFailure
	}
	return adapter.Select(ctx, name)
}

func (e *Engine) OnAddressChanged(addr common.Address) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.address = addr
	e.isReady = false
	e.identity++
	e.mu.Unlock()

	e.syncEpoch()
	e.hub.Notify()
	e.triggerCheck()
}

// OnWalletChanged attaches w when it carries a usable provider and detaches
// the current wallet otherwise.
func (e *Engine) OnWalletChanged(w wallet.Wallet) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if w.Usable() {
		e.wallet = &w
		e.provider = wallet.NewProvider(w, e.network)
	} else {
		e.wallet = nil
		e.provider = nil
	}
	e.isReady = false
	e.identity++
	e.mu.Unlock()

	if w.Usable() && e.cfg.CacheWalletSelection && w.Name != "" {
		if err := e.kv.Set(e.ctx, e.cfg.SelectionKey, w.Name); err != nil {
			log.Error("saving wallet selection failed", "wallet", w.Name, "error", err)
		}
	}
	if w.Usable() {
		log.Info("wallet connected", "wallet", w.Name, "kind", w.Kind.String())
	} else {
		log.Info("wallet disconnected")
	}

	e.syncEpoch()
	e.hub.Notify()
}

func (e *Engine) OnNetworkChanged(network uint64) {
	e.mu.Lock()
	adapter, closed := e.adapter, e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	if adapter != nil && e.allowed(network) {
		adapter.Configure(network)
	}

	e.mu.Lock()
	e.network = network
	if e.wallet != nil {
		e.provider = wallet.NewProvider(*e.wallet, network)
	}
	e.isReady = false
	e.identity++
	e.mu.Unlock()

	e.syncGas()
	e.syncEpoch()
	e.hub.Notify()
	e.triggerCheck()
}

// OnBalanceChanged records the native balance given in wei.
func (e *Engine) OnBalanceChanged(wei *big.Int) {
	bal := decimal.Zero
	if wei != nil && wei.Sign() >= 0 {
		bal = decimal.NewFromBigInt(wei, -constants.EtherDecimals)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.ethBalance = bal
	e.mu.Unlock()
	e.hub.Notify()
}

// CheckIsReady runs the adapter's wallet check and records the result. A
// result computed while the identity changed underneath is dropped. It
// returns the readiness the session holds afterwards, which is false
// without an attached wallet and provider.
func (e *Engine) CheckIsReady(ctx context.Context) bool {
	e.mu.Lock()
	adapter, id := e.adapter, e.identity
	e.mu.Unlock()

	ready := false
	if adapter != nil {
		ok, err := adapter.Check(ctx)
		if err != nil {
			log.Error("wallet check failed", "error", err)
		}
		ready = ok && err == nil
	}
	e.metrics.ReadinessChecked(ready)

	e.mu.Lock()
	if id != e.identity {
		current := e.isReady
		e.mu.Unlock()
		return current
	}
	e.isReady = ready && e.wallet != nil && e.provider != nil
	if !ready {
		e.ethBalance = decimal.Zero
	}
	recorded := e.isReady
	e.mu.Unlock()

	e.hub.Notify()
	return recorded
}

// ResetOnboard forgets the saved wallet and disconnects.
func (e *Engine) ResetOnboard(ctx context.Context) {
	if err := e.kv.Clear(ctx, e.cfg.SelectionKey); err != nil {
		log.Error("clearing wallet selection failed", "error", err)
	}

	e.mu.Lock()
	e.isReady = false
	e.identity++
	adapter := e.adapter
	e.mu.Unlock()

	if adapter != nil {
		if err := adapter.Reset(ctx); err != nil {
			log.Error("wallet reset failed", "error", err)
		}
	}
	e.hub.Notify()
}

func (e *Engine) RefreshGasPrice(ctx context.Context) decimal.Decimal {
	return e.gas.Refresh(ctx)
}

// SignMessage asks the attached wallet for a personal_sign signature over
// message. It blocks until the wallet answers or ctx ends.
func (e *Engine) SignMessage(ctx context.Context, message string) (string, error) {
	e.mu.Lock()
	p := e.provider
	e.mu.Unlock()
	if p == nil {
		return "", ErrProviderUnavailable
	}
	return p.Signer().SignMessage(ctx, message)
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	s := Snapshot{
		Network:    e.network,
		IsReady:    e.isReady && e.wallet != nil && e.provider != nil,
		IsMobile:   e.isMobile,
		EthBalance: e.ethBalance,
	}
	if e.address != (common.Address{}) {
		addr := e.address
		s.Address = &addr
	}
	if e.wallet != nil {
		d := e.wallet.Describe()
		s.Wallet = &d
	}
	if e.provider != nil {
		s.ProviderID = e.provider.ID
	}
	e.mu.Unlock()

	s.GasPrice = e.gas.Price()
	s.Tokens = e.ledger.Snapshot()
	s.Generation = e.ledger.Generation()
	return s
}

// Subscribe returns a channel signalled after every state change.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	return e.hub.Subscribe()
}

// Settled is closed once token discovery for the current epoch finished.
func (e *Engine) Settled() <-chan struct{} {
	return e.tracker.Settled()
}

func (e *Engine) allowed(network uint64) bool {
	if len(e.cfg.NetworkIDs) == 0 {
		return true
	}
	for _, id := range e.cfg.NetworkIDs {
		if id == network {
			return true
		}
	}
	return false
}

func (e *Engine) triggerCheck() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	// checks.Add is only reached while open; Close waits after closing.
	e.checks.Add(1)
	go func() {
		defer e.checks.Done()
		e.CheckIsReady(e.ctx)
	}()
}

// syncEpoch starts a new token epoch when (network, address, provider)
// differs from the one the tracker runs.
func (e *Engine) syncEpoch() {
	e.transitions.Lock()
	defer e.transitions.Unlock()

	e.mu.Lock()
	next := tokens.Epoch{Network: e.network, Address: e.address}
	var backend bind.ContractBackend
	if e.provider != nil {
		next.ProviderID = e.provider.ID
		backend = e.provider.Backend
	}
	e.mu.Unlock()

	if e.generation > 0 && next.SameContext(e.epoch) {
		return
	}
	e.generation++
	next.Generation = e.generation
	e.epoch = next
	e.tracker.Transition(next, backend)
}

// syncGas points the gas poller at the active network, or the default
// network while none is known.
func (e *Engine) syncGas() {
	e.transitions.Lock()
	defer e.transitions.Unlock()

	e.mu.Lock()
	network := e.network
	e.mu.Unlock()
	if network == 0 && len(e.cfg.NetworkIDs) > 0 {
		network = e.cfg.NetworkIDs[0]
	}
	if e.gasSet && network == e.gasNetwork {
		return
	}
	e.gasSet = true
	e.gasNetwork = network
	e.gas.SetNetwork(network)
}
