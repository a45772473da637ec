package kvstore

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/wallet-session/internal/constants"
	"github.com/quantumauth-io/wallet-session/internal/securefile"
)

type fileDoc struct {
	Version int               `json:"version"`
	Values  map[string]string `json:"values"`
}

// FileStore keeps all values in one JSON document, rewritten atomically on
// every change. With a passphrase the document is sealed.
type FileStore struct {
	path       string
	passphrase []byte

	mu     sync.Mutex
	values map[string]string
}

func NewFileStore(path string, passphrase []byte) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store needs a path")
	}
	s := &FileStore{path: path, passphrase: passphrase, values: map[string]string{}}

	var doc fileDoc
	var err error
	if len(passphrase) > 0 {
		err = securefile.ReadSealedJSON(path, &doc, passphrase)
	} else {
		err = securefile.ReadJSON(path, &doc)
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, errors.Wrapf(err, "load %s", path)
	default:
		if doc.Values != nil {
			s.values = doc.Values
		}
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	s.values[key] = value
	if err := s.flush(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	if !had {
		return nil
	}
	delete(s.values, key)
	if err := s.flush(); err != nil {
		s.values[key] = prev
		return err
	}
	return nil
}

func (s *FileStore) flush() error {
	doc := fileDoc{Version: constants.SchemaV1, Values: s.values}
	if len(s.passphrase) > 0 {
		return securefile.WriteSealedJSON(s.path, doc, s.passphrase, securefile.DefaultKDF)
	}
	return securefile.WriteJSON(s.path, doc)
}
