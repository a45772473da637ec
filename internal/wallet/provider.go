package wallet

import (
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
)

// Provider is a handle derived from a wallet for one network. A handle bound
// to a stale network must not be reused; derive a fresh one instead.
type Provider struct {
	ID        string
	Network   uint64
	Transport Transport

	// Backend is nil unless the transport is a go-ethereum RPC client or
	// already a contract backend.
	Backend bind.ContractBackend
}

// NewProvider derives a provider handle from w for network.
func NewProvider(w Wallet, network uint64) *Provider {
	p := &Provider{
		ID:        uuid.NewString(),
		Network:   network,
		Transport: w.Transport,
	}
	switch t := w.Transport.(type) {
	case *rpc.Client:
		if t != nil {
			p.Backend = ethclient.NewClient(t)
		}
	case bind.ContractBackend:
		p.Backend = t
	}
	return p
}

// Signer derives the message signer for this provider.
func (p *Provider) Signer() *Signer {
	return NewSigner(p.Transport)
}
