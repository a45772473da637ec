package http

import (
	"context"

	"github.com/quantumauth-io/wallet-session/internal/ledger"
	"github.com/quantumauth-io/wallet-session/internal/session"
	"github.com/shopspring/decimal"
)

// Engine is the session surface the API exposes.
type Engine interface {
	Snapshot() session.Snapshot
	Subscribe() (<-chan struct{}, func())
	CheckIsReady(ctx context.Context) bool
	ResetOnboard(ctx context.Context)
	RefreshGasPrice(ctx context.Context) decimal.Decimal
	SignMessage(ctx context.Context, message string) (string, error)
	SelectWallet(ctx context.Context, name string) (bool, error)
}

type checkRes struct {
	Ready bool `json:"ready"`
}

type selectWalletReq struct {
	Name string `json:"name"`
}

type selectWalletRes struct {
	Selected bool `json:"selected"`
}

type gasRes struct {
	GasPrice decimal.Decimal `json:"gasPrice"`
}

type signReq struct {
	Message string `json:"message" binding:"required"`
}

type signRes struct {
	Signature string `json:"signature"`
}

type verifyReq struct {
	Message   string `json:"message"   binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Address   string `json:"address"   binding:"required"`
}

type verifyRes struct {
	Valid bool `json:"valid"`
}

type tokensRes struct {
	Network    uint64             `json:"network,omitempty"`
	Generation uint64             `json:"generation"`
	Tokens     []ledger.TokenInfo `json:"tokens"`
}
