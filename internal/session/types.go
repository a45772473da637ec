package session

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/wallet-session/internal/ledger"
	"github.com/quantumauth-io/wallet-session/internal/wallet"
	"github.com/shopspring/decimal"
)

var (
	ErrProviderUnavailable   = errors.New("no wallet provider attached")
	ErrInitializationFailure = errors.New("wallet onboarding failed to initialize")
)

// Adapter is the wallet onboarding capability the engine drives.
// Notifications flow back through the wallet.Handlers given to the factory.
type Adapter interface {
	Select(ctx context.Context, name string) (bool, error)
	Check(ctx context.Context) (bool, error)
	Reset(ctx context.Context) error
	Configure(network uint64)
	IsMobile() bool
}

type AdapterFactory func(h wallet.Handlers) (Adapter, error)

type Config struct {
	// NetworkIDs is the allow-list of networks the adapter may be
	// reconfigured to. The first entry is the default network.
	NetworkIDs []uint64

	CacheWalletSelection bool
	SelectionKey         string
}

// Snapshot is the consumer view of the session.
type Snapshot struct {
	Address    *common.Address    `json:"address,omitempty"`
	Network    uint64             `json:"network,omitempty"`
	Wallet     *wallet.Descriptor `json:"wallet,omitempty"`
	ProviderID string             `json:"providerId,omitempty"`
	IsReady    bool               `json:"isReady"`
	IsMobile   bool               `json:"isMobile"`
	EthBalance decimal.Decimal    `json:"ethBalance"`
	GasPrice   decimal.Decimal    `json:"gasPrice"`
	Tokens     ledger.Ledger      `json:"tokens"`
	Generation uint64             `json:"generation"`
}
