package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// TokenActions are capabilities bound to one token contract for consumers
// that want to act on a ledger entry.
type TokenActions struct {
	Approve   func(opts *bind.TransactOpts, spender common.Address, amount *big.Int) (*types.Transaction, error)
	Transfer  func(opts *bind.TransactOpts, to common.Address, amount *big.Int) (*types.Transaction, error)
	Allowance func(ctx context.Context, owner, spender common.Address) (*big.Int, error)
}

// TokenInfo is one watched token as seen by consumers. Balance and
// SpenderAllowance are already scaled by Decimals.
type TokenInfo struct {
	Address          common.Address   `json:"address"`
	Name             string           `json:"name,omitempty"`
	Symbol           string           `json:"symbol,omitempty"`
	Decimals         uint8            `json:"decimals"`
	Balance          decimal.Decimal  `json:"balance"`
	SpenderAllowance *decimal.Decimal `json:"spenderAllowance,omitempty"`
	ImageURI         string           `json:"imageUri,omitempty"`

	Actions *TokenActions `json:"-"`
}

// Ledger maps token address to its entry.
type Ledger map[common.Address]TokenInfo

// Clone returns a shallow copy of l. A nil ledger clones to an empty one.
func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Keys returns the token addresses currently present.
func (l Ledger) Keys() []common.Address {
	out := make([]common.Address, 0, len(l))
	for k := range l {
		out = append(out, k)
	}
	return out
}
