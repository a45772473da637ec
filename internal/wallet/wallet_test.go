package wallet

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var account = common.HexToAddress("0xAbCdEf0123456789aBcDeF0123456789AbCdEf01")

type fakeTransport struct {
	mu        sync.Mutex
	accounts  []common.Address
	chain     uint64
	balance   *big.Int
	signature []byte
	signArgs  []interface{}
	closed    bool
}

func (f *fakeTransport) CallContext(_ context.Context, result interface{}, method string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case "eth_accounts":
		*result.(*[]common.Address) = append([]common.Address(nil), f.accounts...)
	case "eth_chainId":
		*result.(*hexutil.Uint64) = hexutil.Uint64(f.chain)
	case "eth_getBalance":
		*result.(*hexutil.Big) = *(*hexutil.Big)(new(big.Int).Set(f.balance))
	case "personal_sign":
		f.signArgs = args
		*result.(*hexutil.Bytes) = f.signature
	default:
		return errors.Newf("unsupported method %s", method)
	}
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func TestSigner_SignMessage(t *testing.T) {
	ft := &fakeTransport{accounts: []common.Address{account}, signature: []byte{0xde, 0xad}}

	sig, err := NewSigner(ft).SignMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "0xdead", sig)

	require.Len(t, ft.signArgs, 2)
	assert.Equal(t, hexutil.Encode([]byte("hello")), ft.signArgs[0])
	assert.Equal(t, strings.ToLower(account.Hex()), ft.signArgs[1])
}

func TestSigner_NoAccount(t *testing.T) {
	_, err := NewSigner(&fakeTransport{}).SignMessage(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNoAccount)
}

func TestVerifyPersonalSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	sig, err := crypto.Sign(hashPersonalMessage([]byte("login nonce 42")), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	ok, err := VerifyPersonalSignature("login nonce 42", sig, signer)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPersonalSignature("login nonce 43", sig, signer)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyPersonalSignature("login nonce 42", sig[:10], signer)
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	w := Wallet{Name: "fake", HasProvider: true, Transport: &fakeTransport{}}
	a := NewProvider(w, 1)
	b := NewProvider(w, 1)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Nil(t, a.Backend)
	assert.Equal(t, uint64(1), a.Network)

	client := rpc.DialInProc(rpc.NewServer())
	defer client.Close()
	p := NewProvider(Wallet{Name: "inproc", HasProvider: true, Transport: client}, 5)
	assert.NotNil(t, p.Backend)
}

func TestWallet_Describe(t *testing.T) {
	w := Wallet{
		Name:        "ledger",
		Kind:        KindHardware,
		HasProvider: true,
		Transport:   &fakeTransport{},
		Dashboard:   func(context.Context) error { return nil },
	}
	d := w.Describe()
	assert.Equal(t, "hardware", d.Kind)
	assert.True(t, d.HasProvider)
	assert.True(t, d.HasDashboard)
	assert.False(t, d.HasAccountSelect)

	assert.False(t, Wallet{HasProvider: true}.Usable())
	assert.Equal(t, KindHardware, ParseKind(" Hardware "))
	assert.Equal(t, KindStandard, ParseKind("anything"))
}

type recorder struct {
	mu       sync.Mutex
	wallets  []Wallet
	address  common.Address
	network  uint64
	balances []*big.Int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Wallet: func(w Wallet) {
			r.mu.Lock()
			r.wallets = append(r.wallets, w)
			r.mu.Unlock()
		},
		Address: func(a common.Address) {
			r.mu.Lock()
			r.address = a
			r.mu.Unlock()
		},
		Network: func(n uint64) {
			r.mu.Lock()
			r.network = n
			r.mu.Unlock()
		},
		Balance: func(b *big.Int) {
			r.mu.Lock()
			r.balances = append(r.balances, b)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() (common.Address, uint64, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address, r.network, len(r.wallets), len(r.balances)
}

func TestRPCAdapter_Lifecycle(t *testing.T) {
	ft := &fakeTransport{accounts: []common.Address{account}, chain: 1, balance: big.NewInt(5)}
	rec := &recorder{}
	a, err := NewRPCAdapter(RPCAdapterConfig{
		Endpoints:    []Endpoint{{Name: "local", URL: "http://fake", Kind: KindStandard}},
		Network:      1,
		PollInterval: 10 * time.Millisecond,
	}, rec.handlers(), WithDialer(func(context.Context, string) (Transport, error) { return ft, nil }))
	require.NoError(t, err)

	ctx := context.Background()
	ok, err := a.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Select(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		addr, net, wallets, balances := rec.snapshot()
		return addr == account && net == 1 && wallets == 1 && balances == 1
	}, time.Second, 5*time.Millisecond)

	ok, err = a.Check(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	a.Configure(5)
	ok, err = a.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ft.set(func(f *fakeTransport) { f.chain = 5; f.balance = big.NewInt(9) })
	require.Eventually(t, func() bool {
		_, net, _, balances := rec.snapshot()
		return net == 5 && balances == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Reset(ctx))
	rec.mu.Lock()
	require.Len(t, rec.wallets, 2)
	assert.False(t, rec.wallets[1].Usable())
	rec.mu.Unlock()
	ft.mu.Lock()
	assert.True(t, ft.closed)
	ft.mu.Unlock()

	// second reset is a no-op
	require.NoError(t, a.Reset(ctx))
	_, _, wallets, _ := rec.snapshot()
	assert.Equal(t, 2, wallets)
}

func TestRPCAdapter_UnknownWallet(t *testing.T) {
	a, err := NewRPCAdapter(RPCAdapterConfig{
		Endpoints: []Endpoint{{Name: "local", URL: "http://fake"}},
	}, Handlers{})
	require.NoError(t, err)

	_, err = a.Select(context.Background(), "metamask")
	require.ErrorIs(t, err, ErrUnknownWallet)

	_, err = NewRPCAdapter(RPCAdapterConfig{}, Handlers{})
	assert.Error(t, err)
}
