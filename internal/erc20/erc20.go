// Package erc20 is a small binding for the ERC20 + metadata surface the
// token tracker consumes.
package erc20

import (
	"context"
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// ABI is the IERC20Metadata interface.
const ABI = `[
{"type":"function","name":"name","inputs":[],"outputs":[{"name":"","type":"string"}],"stateMutability":"view"},
{"type":"function","name":"symbol","inputs":[],"outputs":[{"name":"","type":"string"}],"stateMutability":"view"},
{"type":"function","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"},
{"type":"function","name":"totalSupply","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"allowance","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
{"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}],"anonymous":false},
{"type":"event","name":"Approval","inputs":[{"name":"owner","type":"address","indexed":true},{"name":"spender","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}],"anonymous":false}
]`

var parsedABI = mustParse(ABI)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Token is a bound ERC20 contract.
type Token struct {
	address  common.Address
	contract *bind.BoundContract
}

// New binds address against a full backend (reads, transactions and log
// subscriptions).
func New(address common.Address, backend bind.ContractBackend) (*Token, error) {
	if backend == nil {
		return nil, errors.New("erc20: nil backend")
	}
	return &Token{
		address:  address,
		contract: bind.NewBoundContract(address, parsedABI, backend, backend, backend),
	}, nil
}

// NewCaller binds address for reads only.
func NewCaller(address common.Address, caller bind.ContractCaller) (*Token, error) {
	if caller == nil {
		return nil, errors.New("erc20: nil caller")
	}
	return &Token{
		address:  address,
		contract: bind.NewBoundContract(address, parsedABI, caller, nil, nil),
	}, nil
}

func (t *Token) Address() common.Address { return t.address }

func (t *Token) Name(ctx context.Context) (string, error) {
	out, err := t.call(ctx, "name")
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out, new(string)).(*string), nil
}

func (t *Token) Symbol(ctx context.Context) (string, error) {
	out, err := t.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out, new(string)).(*string), nil
}

func (t *Token) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(out, new(uint8)).(*uint8), nil
}

func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out, new(*big.Int)).(**big.Int), nil
}

func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out, new(*big.Int)).(**big.Int), nil
}

func (t *Token) Approve(opts *bind.TransactOpts, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "approve", spender, amount)
}

func (t *Token) Transfer(opts *bind.TransactOpts, to common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "transfer", to, amount)
}

// WatchTransfer forwards raw Transfer logs matching from/to into sink. A nil
// slice leaves that topic unconstrained.
func (t *Token) WatchTransfer(ctx context.Context, from, to []common.Address, sink chan<- types.Log) (event.Subscription, error) {
	return t.watch(ctx, "Transfer", sink, addressRule(from), addressRule(to))
}

// WatchApproval forwards raw Approval logs matching owner/spender into sink.
func (t *Token) WatchApproval(ctx context.Context, owner, spender []common.Address, sink chan<- types.Log) (event.Subscription, error) {
	return t.watch(ctx, "Approval", sink, addressRule(owner), addressRule(spender))
}

func (t *Token) call(ctx context.Context, method string, params ...interface{}) (interface{}, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, errors.Wrapf(err, "erc20 %s on %s", method, t.address.Hex())
	}
	if len(out) == 0 {
		return nil, errors.Newf("erc20 %s on %s: empty result", method, t.address.Hex())
	}
	return out[0], nil
}

func (t *Token) watch(ctx context.Context, name string, sink chan<- types.Log, query ...[]interface{}) (event.Subscription, error) {
	logs, sub, err := t.contract.WatchLogs(&bind.WatchOpts{Context: ctx}, name, query...)
	if err != nil {
		return nil, errors.Wrapf(err, "erc20 watch %s on %s", name, t.address.Hex())
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case l := <-logs:
				select {
				case sink <- l:
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func addressRule(addrs []common.Address) []interface{} {
	var rule []interface{}
	for _, a := range addrs {
		rule = append(rule, a)
	}
	return rule
}
