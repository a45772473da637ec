package wallet

import (
	"context"
	"strings"
)

type Kind uint8

const (
	KindStandard Kind = iota
	KindHardware
)

func (k Kind) String() string {
	switch k {
	case KindHardware:
		return "hardware"
	default:
		return "standard"
	}
}

func ParseKind(s string) Kind {
	if strings.EqualFold(strings.TrimSpace(s), "hardware") {
		return KindHardware
	}
	return KindStandard
}

// Transport is the raw RPC capability an injected wallet exposes.
// *rpc.Client satisfies it.
type Transport interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Action is an optional wallet-provided UI hook.
type Action func(ctx context.Context) error

// Wallet describes a connected wallet. It is immutable for the lifetime of
// one connection; consumers branch on the tags instead of probing fields.
type Wallet struct {
	Name        string
	Kind        Kind
	HasProvider bool
	Transport   Transport

	Dashboard     Action
	AccountSelect Action
}

// Usable reports whether the wallet carries a provider capability.
func (w Wallet) Usable() bool {
	return w.HasProvider && w.Transport != nil
}

// Descriptor is the JSON-safe view of a Wallet.
type Descriptor struct {
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	HasProvider      bool   `json:"hasProvider"`
	HasDashboard     bool   `json:"hasDashboard"`
	HasAccountSelect bool   `json:"hasAccountSelect"`
}

func (w Wallet) Describe() Descriptor {
	return Descriptor{
		Name:             w.Name,
		Kind:             w.Kind.String(),
		HasProvider:      w.Usable(),
		HasDashboard:     w.Dashboard != nil,
		HasAccountSelect: w.AccountSelect != nil,
	}
}
