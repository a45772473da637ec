package wallet

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"
)

var ErrUnknownWallet = errors.New("unknown wallet")

// Handlers receive adapter notifications. A zero Wallet means disconnect.
type Handlers struct {
	Address func(common.Address)
	Wallet  func(Wallet)
	Network func(uint64)
	Balance func(*big.Int)
}

type Endpoint struct {
	Name string
	URL  string
	Kind Kind
}

type RPCAdapterConfig struct {
	Endpoints    []Endpoint
	Network      uint64
	PollInterval time.Duration
	Mobile       bool
}

type Dialer func(ctx context.Context, url string) (Transport, error)

func dialRPC(ctx context.Context, url string) (Transport, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RPCAdapter exposes named JSON-RPC endpoints as selectable wallets. While a
// wallet is selected, a watcher polls it and reports identity changes.
type RPCAdapter struct {
	cfg      RPCAdapterConfig
	handlers Handlers
	dial     Dialer

	mu      sync.Mutex
	network uint64
	conn    *connection
}

type connection struct {
	wallet Wallet
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*RPCAdapter)

func WithDialer(d Dialer) Option {
	return func(a *RPCAdapter) { a.dial = d }
}

func NewRPCAdapter(cfg RPCAdapterConfig, h Handlers, opts ...Option) (*RPCAdapter, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("no wallet endpoints configured")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	a := &RPCAdapter{
		cfg:      cfg,
		handlers: h,
		dial:     dialRPC,
		network:  cfg.Network,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *RPCAdapter) IsMobile() bool { return a.cfg.Mobile }

// Select connects to the named endpoint, or the first one when name is
// empty. Any previous connection is closed first.
func (a *RPCAdapter) Select(ctx context.Context, name string) (bool, error) {
	ep, ok := a.endpoint(name)
	if !ok {
		return false, errors.Wrapf(ErrUnknownWallet, "%q", name)
	}

	cfg := retry.DefaultConfig()
	cfg.MaxDelayBeforeRetrying = 2 * time.Second
	cfg.InitialDelayBeforeRetrying = 200 * time.Millisecond

	var transport Transport
	_, err := retry.Retry(ctx, cfg,
		func(ctx context.Context) ([]interface{}, error) {
			t, err := a.dial(ctx, ep.URL)
			if err != nil {
				return nil, err
			}
			transport = t
			return nil, nil
		},
		nil,
		"dial wallet endpoint")
	if err != nil {
		return false, errors.Wrapf(err, "connect to %s", ep.Name)
	}

	a.disconnect()

	w := Wallet{
		Name:        ep.Name,
		Kind:        ep.Kind,
		HasProvider: true,
		Transport:   transport,
	}
	wctx, cancel := context.WithCancel(context.Background())
	conn := &connection{wallet: w, cancel: cancel, done: make(chan struct{})}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if a.handlers.Wallet != nil {
		a.handlers.Wallet(w)
	}
	go a.watch(wctx, conn)

	log.Info("wallet selected", "name", ep.Name, "kind", ep.Kind.String())
	return true, nil
}

// Check reports whether the selected wallet exposes an account and sits on
// the configured network.
func (a *RPCAdapter) Check(ctx context.Context) (bool, error) {
	a.mu.Lock()
	conn, want := a.conn, a.network
	a.mu.Unlock()
	if conn == nil {
		return false, nil
	}

	if _, err := NewSigner(conn.wallet.Transport).Address(ctx); err != nil {
		if errors.Is(err, ErrNoAccount) {
			return false, nil
		}
		return false, err
	}
	if want == 0 {
		return true, nil
	}
	got, err := chainID(ctx, conn.wallet.Transport)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

func (a *RPCAdapter) Configure(network uint64) {
	a.mu.Lock()
	a.network = network
	a.mu.Unlock()
}

// Reset closes the current connection, if any, and reports the disconnect.
func (a *RPCAdapter) Reset(ctx context.Context) error {
	if !a.disconnect() {
		return nil
	}
	if a.handlers.Wallet != nil {
		a.handlers.Wallet(Wallet{})
	}
	return nil
}

func (a *RPCAdapter) disconnect() bool {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn == nil {
		return false
	}
	conn.cancel()
	<-conn.done
	if c, ok := conn.wallet.Transport.(interface{ Close() }); ok {
		c.Close()
	}
	return true
}

func (a *RPCAdapter) endpoint(name string) (Endpoint, bool) {
	if name == "" {
		return a.cfg.Endpoints[0], true
	}
	for _, ep := range a.cfg.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return Endpoint{}, false
}

type observed struct {
	address common.Address
	network uint64
	balance *big.Int
}

func (a *RPCAdapter) watch(ctx context.Context, conn *connection) {
	defer close(conn.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	var last observed
	polls := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("wallet watcher exiting", "wallet", conn.wallet.Name, "polls", polls)
			return
		case <-timer.C:
			polls++
			if err := a.poll(ctx, conn.wallet.Transport, &last); err != nil && ctx.Err() == nil {
				log.Error("wallet poll failed", "wallet", conn.wallet.Name, "error", err)
			}
			timer.Reset(a.cfg.PollInterval)
		}
	}
}

func (a *RPCAdapter) poll(ctx context.Context, t Transport, last *observed) error {
	var accounts []common.Address
	if err := t.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return errors.Wrap(err, "eth_accounts")
	}
	var addr common.Address
	if len(accounts) > 0 {
		addr = accounts[0]
	}
	net, err := chainID(ctx, t)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	if net != last.network {
		last.network = net
		if a.handlers.Network != nil {
			a.handlers.Network(net)
		}
	}
	if addr != last.address {
		last.address = addr
		last.balance = nil
		if a.handlers.Address != nil {
			a.handlers.Address(addr)
		}
	}
	if addr == (common.Address{}) {
		return nil
	}

	var bal hexutil.Big
	if err := t.CallContext(ctx, &bal, "eth_getBalance", addr, "latest"); err != nil {
		return errors.Wrap(err, "eth_getBalance")
	}
	if last.balance == nil || last.balance.Cmp(bal.ToInt()) != 0 {
		last.balance = new(big.Int).Set(bal.ToInt())
		if a.handlers.Balance != nil {
			a.handlers.Balance(new(big.Int).Set(last.balance))
		}
	}
	return nil
}

func chainID(ctx context.Context, t Transport) (uint64, error) {
	var id hexutil.Uint64
	if err := t.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, errors.Wrap(err, "eth_chainId")
	}
	return uint64(id), nil
}
