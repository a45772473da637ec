// Package kvstore persists small session values such as the selected
// wallet, behind a Get/Set/Clear capability.
package kvstore

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

var ErrNotFound = errors.New("key not found")

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context, key string) error
}

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

type Config struct {
	Backend    Backend
	Path       string
	Passphrase string
}

// Open returns the store described by cfg. Callers close it with Close when
// the returned store implements io.Closer.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch Backend(strings.ToLower(string(cfg.Backend))) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(cfg.Path, []byte(cfg.Passphrase))
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.Path)
	default:
		return nil, errors.Newf("unknown storage backend %q", cfg.Backend)
	}
}
