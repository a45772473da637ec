package tokens

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/wallet-session/internal/erc20"
)

// Token is the contract surface the tracker needs from one watched token.
type Token interface {
	Address() common.Address
	Name(ctx context.Context) (string, error)
	Symbol(ctx context.Context) (string, error)
	Decimals(ctx context.Context) (uint8, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(opts *bind.TransactOpts, spender common.Address, amount *big.Int) (*types.Transaction, error)
	Transfer(opts *bind.TransactOpts, to common.Address, amount *big.Int) (*types.Transaction, error)
	WatchTransfer(ctx context.Context, from, to []common.Address, sink chan<- types.Log) (event.Subscription, error)
	WatchApproval(ctx context.Context, owner, spender []common.Address, sink chan<- types.Log) (event.Subscription, error)
}

// ContractFactory binds a token address to the shared backend.
type ContractFactory func(address common.Address, backend bind.ContractBackend) (Token, error)

func ERC20Factory(address common.Address, backend bind.ContractBackend) (Token, error) {
	t, err := erc20.New(address, backend)
	if err != nil {
		return nil, err
	}
	return t, nil
}
