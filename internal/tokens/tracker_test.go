package tokens

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quantumauth-io/wallet-session/internal/ledger"
	"github.com/quantumauth-io/wallet-session/internal/metrics"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenA  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenB  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	owner1  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	owner2  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	spender = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type nopBackend struct{ bind.ContractBackend }

type fakeToken struct {
	addr     common.Address
	name     string
	symbol   string
	decimals uint8

	mu           sync.Mutex
	balances     map[common.Address]*big.Int
	allowance    *big.Int
	failName     bool
	failDecimals bool
	failBalance  bool
	gate         map[common.Address]chan struct{}
	nameCalls    int
	active       int
	sinks        []chan<- types.Log
}

func newFakeToken(addr common.Address, name, symbol string, decimals uint8) *fakeToken {
	return &fakeToken{
		addr:      addr,
		name:      name,
		symbol:    symbol,
		decimals:  decimals,
		balances:  map[common.Address]*big.Int{},
		allowance: big.NewInt(0),
		gate:      map[common.Address]chan struct{}{},
	}
}

func (f *fakeToken) Address() common.Address { return f.addr }

func (f *fakeToken) Name(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nameCalls++
	if f.failName {
		return "", errors.New("name reverted")
	}
	return f.name, nil
}

func (f *fakeToken) Symbol(context.Context) (string, error) { return f.symbol, nil }

func (f *fakeToken) Decimals(context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDecimals {
		return 0, errors.New("decimals reverted")
	}
	return f.decimals, nil
}

func (f *fakeToken) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	gate := f.gate[owner]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBalance {
		return nil, errors.New("balance unavailable")
	}
	b, ok := f.balances[owner]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(b), nil
}

func (f *fakeToken) Allowance(context.Context, common.Address, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeToken) Approve(*bind.TransactOpts, common.Address, *big.Int) (*types.Transaction, error) {
	return nil, errors.New("read-only token")
}

func (f *fakeToken) Transfer(*bind.TransactOpts, common.Address, *big.Int) (*types.Transaction, error) {
	return nil, errors.New("read-only token")
}

func (f *fakeToken) WatchTransfer(_ context.Context, _, _ []common.Address, sink chan<- types.Log) (event.Subscription, error) {
	return f.watch(sink), nil
}

func (f *fakeToken) WatchApproval(_ context.Context, _, _ []common.Address, sink chan<- types.Log) (event.Subscription, error) {
	return f.watch(sink), nil
}

func (f *fakeToken) watch(sink chan<- types.Log) event.Subscription {
	f.mu.Lock()
	f.active++
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
		return nil
	})
}

func (f *fakeToken) emit() {
	f.mu.Lock()
	sinks := append([]chan<- types.Log(nil), f.sinks...)
	f.mu.Unlock()
	for _, s := range sinks {
		select {
		case s <- types.Log{Address: f.addr}:
		default:
		}
	}
}

func (f *fakeToken) set(fn func(f *fakeToken)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeToken) liveSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func factoryFor(fakes ...*fakeToken) ContractFactory {
	byAddr := map[common.Address]*fakeToken{}
	for _, f := range fakes {
		byAddr[f.addr] = f
	}
	return func(addr common.Address, _ bind.ContractBackend) (Token, error) {
		f, ok := byAddr[addr]
		if !ok {
			return nil, errors.Newf("no contract at %s", addr.Hex())
		}
		return f, nil
	}
}

func waitSettled(t *testing.T, tr *Tracker) {
	t.Helper()
	select {
	case <-tr.Settled():
	case <-time.After(2 * time.Second):
		t.Fatal("epoch did not settle")
	}
}

func newTestTracker(t *testing.T, cfg Config, reg *prometheus.Registry, fakes ...*fakeToken) (*Tracker, *ledger.Store) {
	t.Helper()
	store := ledger.NewStore(nil)
	opts := []Option{WithFactory(factoryFor(fakes...))}
	if reg != nil {
		opts = append(opts, WithMetrics(metrics.New(reg)))
	}
	tr, err := NewTracker(cfg, store, opts...)
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr, store
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestTracker_TwoTokensSettle(t *testing.T) {
	a := newFakeToken(tokenA, "contract name", "AAA", 6)
	a.balances[owner1] = big.NewInt(1_500_000)
	a.allowance = big.NewInt(2_000_000)
	b := newFakeToken(tokenB, "Bravo", "BBB", 18)
	b.balances[owner1] = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	sp := spender
	tr, store := newTestTracker(t, Config{
		Watch: WatchConfig{1: {
			{Address: tokenA, Name: "Alpha", ImageURI: "https://img/a.png"},
			{Address: tokenB},
		}},
		Spender: &sp,
	}, nil, a, b)

	tr.Transition(Epoch{Network: 1, Address: owner1, ProviderID: "p1", Generation: 1}, nopBackend{})
	waitSettled(t, tr)

	snap := store.Snapshot()
	require.Len(t, snap, 2)

	ta := snap[tokenA]
	assert.Equal(t, "Alpha", ta.Name)
	assert.Equal(t, "AAA", ta.Symbol)
	assert.Equal(t, uint8(6), ta.Decimals)
	assert.Equal(t, "https://img/a.png", ta.ImageURI)
	assert.True(t, ta.Balance.Equal(decimal.RequireFromString("1.5")))
	require.NotNil(t, ta.SpenderAllowance)
	assert.True(t, ta.SpenderAllowance.Equal(decimal.NewFromInt(2)))
	require.NotNil(t, ta.Actions)

	tb := snap[tokenB]
	assert.Equal(t, "Bravo", tb.Name)
	assert.Equal(t, uint8(18), tb.Decimals)
	assert.True(t, tb.Balance.Equal(decimal.NewFromInt(1)))

	assert.Equal(t, 6, tr.LiveSubscriptions())
	assert.Equal(t, 3, a.liveSubs())
	assert.Equal(t, 3, b.liveSubs())
}

func TestTracker_EmptyWithoutContext(t *testing.T) {
	a := newFakeToken(tokenA, "A", "A", 0)
	tr, store := newTestTracker(t, Config{Watch: WatchConfig{1: {{Address: tokenA}}}}, nil, a)

	for _, tc := range []struct {
		name    string
		epoch   Epoch
		backend bind.ContractBackend
	}{
		{"no address", Epoch{Network: 1, ProviderID: "p", Generation: 1}, nopBackend{}},
		{"no provider", Epoch{Network: 1, Address: owner1, Generation: 2}, nopBackend{}},
		{"no backend", Epoch{Network: 1, Address: owner1, ProviderID: "p", Generation: 3}, nil},
		{"unwatched network", Epoch{Network: 5, Address: owner1, ProviderID: "p", Generation: 4}, nopBackend{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr.Transition(tc.epoch, tc.backend)
			waitSettled(t, tr)
			assert.Equal(t, 0, store.Len())
			assert.Equal(t, 0, tr.LiveSubscriptions())
		})
	}
	assert.Equal(t, 0, a.liveSubs())
}

func TestTracker_TransitionReleasesSubscriptions(t *testing.T) {
	a := newFakeToken(tokenA, "A", "A", 0)
	b := newFakeToken(tokenB, "B", "B", 0)
	a.balances[owner2] = big.NewInt(9)
	tr, store := newTestTracker(t, Config{Watch: WatchConfig{1: {{Address: tokenA}, {Address: tokenB}}}}, nil, a, b)

	tr.Transition(Epoch{Network: 1, Address: owner1, ProviderID: "p1", Generation: 1}, nopBackend{})
	waitSettled(t, tr)
	require.Equal(t, 6, tr.LiveSubscriptions())

	tr.Transition(Epoch{Network: 1, Address: owner2, ProviderID: "p1", Generation: 2}, nopBackend{})
	waitSettled(t, tr)

	assert.Equal(t, 6, tr.LiveSubscriptions())
	assert.Equal(t, 3, a.liveSubs())
	assert.Equal(t, 3, b.liveSubs())
	assert.ElementsMatch(t, []common.Address{tokenA, tokenB}, store.Snapshot().Keys())

	got, ok := store.Get(tokenA)
	require.True(t, ok)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(9)))

	tr.Close()
	assert.Equal(t, 0, tr.LiveSubscriptions())
	assert.Equal(t, 0, a.liveSubs()+b.liveSubs())
}

func TestTracker_StaleReconciliationDropped(t *testing.T) {
	a := newFakeToken(tokenA, "A", "A", 2)
	a.balances[owner1] = big.NewInt(100_00)
	a.balances[owner2] = big.NewInt(7_00)
	gate := make(chan struct{})
	a.gate[owner1] = gate

	reg := prometheus.NewRegistry()
	tr, store := newTestTracker(t, Config{Watch: WatchConfig{1: {{Address: tokenA}}}}, reg, a)

	tr.Transition(Epoch{Network: 1, Address: owner1, ProviderID: "p1", Generation: 1}, nopBackend{})
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)

	tr.Transition(Epoch{Network: 1, Address: owner2, ProviderID: "p1", Generation: 2}, nopBackend{})
	waitSettled(t, tr)

	close(gate)
	require.Eventually(t, func() bool {
		return counterValue(t, reg, "wallet_session_reconciliations_total", "outcome", "stale") >= 1
	}, time.Second, 5*time.Millisecond)

	got, ok := store.Get(tokenA)
	require.True(t, ok)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(7)), "got %s", got.Balance)
	assert.Equal(t, uint64(2), store.Generation())
}

func TestTracker_EventsReconcileAndFailuresKeepValues(t *testing.T) {
	a := newFakeToken(tokenA, "A", "A", 0)
	a.balances[owner1] = big.NewInt(5)
	a.allowance = big.NewInt(1)
	sp := spender
	tr, store := newTestTracker(t, Config{Watch: WatchConfig{1: {{Address: tokenA}}}, Spender: &sp}, nil, a)

	tr.Transition(Epoch{Network: 1, Address: owner1, ProviderID: "p1", Generation: 1}, nopBackend{})
	waitSettled(t, tr)

	a.set(func(f *fakeToken) { f.balances[owner1] = big.NewInt(8) })
	a.emit()
	require.Eventually(t, func() bool {
		got, _ := store.Get(tokenA)
		return got.Balance.Equal(decimal.NewFromInt(8))
	}, time.Second, 5*time.Millisecond)

	a.set(func(f *fakeToken) {
		f.failBalance = true
		f.allowance = big.NewInt(3)
	})
	a.emit()
	require.Eventually(t, func() bool {
		got, _ := store.Get(tokenA)
		return got.SpenderAllowance != nil && got.SpenderAllowance.Equal(decimal.NewFromInt(3))
	}, time.Second, 5*time.Millisecond)

	got, _ := store.Get(tokenA)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(8)))
}

func TestTracker_MetadataFailuresAreNonFatal(t *testing.T) {
	a := newFakeToken(tokenA, "A", "AAA", 8)
	a.balances[owner1] = big.NewInt(42)
	a.failName = true
	a.failDecimals = true
	tr, store := newTestTracker(t, Config{Watch: WatchConfig{1: {{Address: tokenA}}}}, nil, a)

	tr.Transition(Epoch{Network: 1, Address: owner1, ProviderID: "p1", Generation: 1}, nopBackend{})
	waitSettled(t, tr)

	got, ok := store.Get(tokenA)
	require.True(t, ok)
	assert.Empty(t, got.Name)
	assert.Equal(t, "AAA", got.Symbol)
	assert.Equal(t, uint8(0), got.Decimals)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(42)))
}

func TestTracker_MetadataCache(t *testing.T) {
	a := newFakeToken(tokenA, "A", "AAA", 8)
	a.failName = true
	tr, _ := newTestTracker(t, Config{}, nil, a)
	ctx := context.Background()
	entry := Entry{Address: tokenA}

	_, err := tr.metadata(ctx, 1, entry, a)
	require.ErrorIs(t, err, ErrMetadataUnavailable)
	assert.Contains(t, err.Error(), "read name")
	_, err = tr.metadata(ctx, 1, entry, a)
	require.Error(t, err)
	assert.Equal(t, 2, a.nameCalls)

	a.set(func(f *fakeToken) { f.failName = false })
	md, err := tr.metadata(ctx, 1, entry, a)
	require.NoError(t, err)
	assert.Equal(t, metadata{name: "A", symbol: "AAA", decimals: 8}, md)

	_, err = tr.metadata(ctx, 1, entry, a)
	require.NoError(t, err)
	assert.Equal(t, 3, a.nameCalls)
}

func TestScale_ExactForAllDecimals(t *testing.T) {
	raw, ok := new(big.Int).SetString("1234567890123456789012345678901234567890123", 10)
	require.True(t, ok)
	digits := raw.String()

	for d := 0; d <= 36; d++ {
		want := digits
		if d > 0 {
			want = digits[:len(digits)-d] + "." + digits[len(digits)-d:]
		}
		got := Scale(raw, uint8(d))
		assert.True(t, got.Equal(decimal.RequireFromString(want)), "decimals %d: got %s want %s", d, got, want)
		assert.Equal(t, 0, got.Shift(int32(d)).BigInt().Cmp(raw), "decimals %d", d)
	}

	assert.True(t, Scale(nil, 18).IsZero())
	assert.Equal(t, "0.000000000000000001", Scale(big.NewInt(1), 18).String())
}

func TestParseWatchConfig(t *testing.T) {
	cfg, err := ParseWatchConfig([]byte(`
networks:
  1:
    - address: "0x6B175474E89094C44Da98b954EedeAC495271d0F"
      symbol: DAI
      imageUri: https://img/dai.png
    - address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  5:
    - address: "0x00000000000000000000000000000000000000aa"
`))
	require.NoError(t, err)
	require.Len(t, cfg.For(1), 2)
	assert.Equal(t, "DAI", cfg.For(1)[0].Symbol)
	assert.Equal(t, common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), cfg.For(1)[1].Address)
	assert.Len(t, cfg.For(5), 1)
	assert.Nil(t, cfg.For(137))

	_, err = ParseWatchConfig([]byte("networks:\n  1:\n    - address: nope\n"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid address"))

	_, err = ParseWatchConfig([]byte("networks:\n  1:\n    - address: \"0x00000000000000000000000000000000000000aa\"\n    - address: \"0x00000000000000000000000000000000000000AA\"\n"))
	assert.Error(t, err)

	assert.Nil(t, WatchConfig(nil).For(1))
}
