package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Action is one of AddToken, UpdateTokenBalanceAllowance or ResetTokens.
type Action interface {
	actionName() string
}

type AddToken struct {
	ID    common.Address
	Token TokenInfo
}

// UpdateTokenBalanceAllowance merges balance and allowance into entry ID.
// A nil field keeps whatever value the entry already holds.
type UpdateTokenBalanceAllowance struct {
	ID               common.Address
	Balance          *decimal.Decimal
	SpenderAllowance *decimal.Decimal
}

type ResetTokens struct{}

func (AddToken) actionName() string                    { return "addToken" }
func (UpdateTokenBalanceAllowance) actionName() string { return "updateTokenBalanceAllowance" }
func (ResetTokens) actionName() string                 { return "resetTokens" }

// Reduce returns the ledger that results from applying a to l. l is never
// modified.
func Reduce(l Ledger, a Action) Ledger {
	switch act := a.(type) {
	case AddToken:
		next := l.Clone()
		next[act.ID] = act.Token
		return next

	case UpdateTokenBalanceAllowance:
		next := l.Clone()
		// an unknown id merges onto an empty record
		entry := next[act.ID]
		if act.Balance != nil {
			entry.Balance = *act.Balance
		}
		if act.SpenderAllowance != nil {
			allowance := *act.SpenderAllowance
			entry.SpenderAllowance = &allowance
		}
		next[act.ID] = entry
		return next

	case ResetTokens:
		return Ledger{}

	default:
		return l
	}
}
