package tokens

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Epoch is one period during which network, address and provider are fixed.
// Generation increases with every transition.
type Epoch struct {
	Network    uint64
	Address    common.Address
	ProviderID string
	Generation uint64
}

// Active reports whether discovery can run for e.
func (e Epoch) Active() bool {
	return e.Network != 0 && e.Address != (common.Address{}) && e.ProviderID != ""
}

// SameContext reports whether e and o describe the same
// (network, address, provider) triple.
func (e Epoch) SameContext(o Epoch) bool {
	return e.Network == o.Network && e.Address == o.Address && e.ProviderID == o.ProviderID
}

// epochRun owns everything one epoch started. Closing it cancels in-flight
// reads and releases every subscription; subscriptions created after close
// are released immediately.
type epochRun struct {
	epoch  Epoch
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    []event.Subscription
	closed  bool
	pending int
	settled chan struct{}
}

func newEpochRun(e Epoch, tokens int) *epochRun {
	ctx, cancel := context.WithCancel(context.Background())
	r := &epochRun{
		epoch:   e,
		ctx:     ctx,
		cancel:  cancel,
		pending: tokens,
		settled: make(chan struct{}),
	}
	if tokens == 0 {
		close(r.settled)
	}
	return r
}

func (r *epochRun) track(sub event.Subscription) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Unsubscribe()
		return false
	}
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return true
}

// resolved marks one token's discovery as finished.
func (r *epochRun) resolved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == 0 {
		return
	}
	r.pending--
	if r.pending == 0 {
		close(r.settled)
	}
}

// close releases the run and returns how many subscriptions it dropped.
func (r *epochRun) close() int {
	r.cancel()
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return len(subs)
}

func (r *epochRun) live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
