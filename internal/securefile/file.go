// Package securefile writes JSON state files atomically, optionally sealed
// with a passphrase (Argon2id key derivation, XChaCha20-Poly1305).
package securefile

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/wallet-session/internal/constants"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrInvalidPassphraseOrCorrupt = errors.New("invalid passphrase or corrupted file")

// Envelope is the on-disk form of a sealed file.
type Envelope struct {
	Version int `json:"version"`

	ArgonTime    uint32 `json:"argon_time"`
	ArgonMemory  uint32 `json:"argon_memory_kib"`
	ArgonThreads uint8  `json:"argon_threads"`
	ArgonKeyLen  uint32 `json:"argon_key_len"`

	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// KDF holds the Argon2id cost parameters used when sealing.
type KDF struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

var DefaultKDF = KDF{Time: 2, Memory: 64 * 1024, Threads: 1}

// aad binds a sealed file to its purpose, not its path, so files can move.
var aad = []byte(constants.AppName + ":state:v1")

// WriteJSON marshals v and writes it atomically to path.
func WriteJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal json")
	}
	return AtomicWriteFile(path, b)
}

// ReadJSON unmarshals the file at path into v.
func ReadJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

// WriteSealedJSON marshals v, seals it with passphrase and writes it
// atomically to path.
func WriteSealedJSON(path string, v interface{}, passphrase []byte, kdf KDF) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal json")
	}

	env := Envelope{
		Version:      constants.SchemaV1,
		ArgonTime:    kdf.Time,
		ArgonMemory:  kdf.Memory,
		ArgonThreads: kdf.Threads,
		ArgonKeyLen:  chacha20poly1305.KeySize,
		Salt:         make([]byte, 16),
		Nonce:        make([]byte, chacha20poly1305.NonceSizeX),
	}
	if _, err := rand.Read(env.Salt); err != nil {
		return errors.Wrap(err, "rand salt")
	}
	if _, err := rand.Read(env.Nonce); err != nil {
		return errors.Wrap(err, "rand nonce")
	}

	aead, err := chacha20poly1305.NewX(env.key(passphrase))
	if err != nil {
		return errors.Wrap(err, "aead")
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce, plain, aad)

	return WriteJSON(path, env)
}

// ReadSealedJSON opens a file written by WriteSealedJSON into v.
func ReadSealedJSON(path string, v interface{}, passphrase []byte) error {
	var env Envelope
	if err := ReadJSON(path, &env); err != nil {
		return err
	}
	if env.Version != constants.SchemaV1 {
		return errors.Newf("unsupported envelope version %d", env.Version)
	}

	aead, err := chacha20poly1305.NewX(env.key(passphrase))
	if err != nil {
		return errors.Wrap(err, "aead")
	}
	plain, err := aead.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return ErrInvalidPassphraseOrCorrupt
	}
	return errors.Wrap(json.Unmarshal(plain, v), "decode sealed payload")
}

func (e Envelope) key(passphrase []byte) []byte {
	return argon2.IDKey(passphrase, e.Salt, e.ArgonTime, e.ArgonMemory, e.ArgonThreads, e.ArgonKeyLen)
}

// AtomicWriteFile writes data next to path and renames it into place.
func AtomicWriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), constants.DirectoryPerm); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create tmp")
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "write tmp")
	}
	if err := tmp.Chmod(constants.FilePerm); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "chmod tmp")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "close tmp")
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return errors.Wrap(err, "rename")
	}
	return nil
}
