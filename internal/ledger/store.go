package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store owns the current ledger. Writes go through Reduce only, and every
// write is tagged with the epoch generation it was computed for so results
// from a torn-down epoch are dropped instead of leaking into the next one.
type Store struct {
	mu       sync.RWMutex
	ledger   Ledger
	gen      uint64
	onChange func()
}

// NewStore returns an empty store. onChange, when set, is called after every
// applied action, outside the store lock.
func NewStore(onChange func()) *Store {
	return &Store{
		ledger:   Ledger{},
		onChange: onChange,
	}
}

// Begin switches the store to generation gen and resets the ledger in the
// same critical section.
func (s *Store) Begin(gen uint64) {
	s.mu.Lock()
	s.gen = gen
	s.ledger = Reduce(s.ledger, ResetTokens{})
	s.mu.Unlock()
	s.changed()
}

// Apply reduces a into the ledger if gen is still the current generation.
// It reports whether the action was applied.
func (s *Store) Apply(gen uint64, a Action) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	s.ledger = Reduce(s.ledger, a)
	s.mu.Unlock()
	s.changed()
	return true
}

func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Snapshot returns a copy of the current ledger.
func (s *Store) Snapshot() Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Clone()
}

func (s *Store) Get(id common.Address) (TokenInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ledger[id]
	return t, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
