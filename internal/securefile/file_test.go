package securefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastKDF = KDF{Time: 1, Memory: 1024, Threads: 1}

type state struct {
	Selected string `json:"selected"`
}

func TestSealedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, WriteSealedJSON(path, state{Selected: "ledger"}, []byte("hunter2"), fastKDF))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "ledger")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	var got state
	require.NoError(t, ReadSealedJSON(path, &got, []byte("hunter2")))
	assert.Equal(t, "ledger", got.Selected)

	err = ReadSealedJSON(path, &got, []byte("wrong"))
	assert.ErrorIs(t, err, ErrInvalidPassphraseOrCorrupt)
}

func TestAtomicWriteFile_Replaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteJSON(path, state{Selected: "a"}))
	require.NoError(t, WriteJSON(path, state{Selected: "b"}))

	var got state
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "b", got.Selected)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConfigPathCandidates(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	t.Setenv("SNAP_REAL_HOME", "")
	t.Setenv("WALLET_SESSION_ENV", "dev")

	paths, err := ConfigPathCandidates("wallet-session", "config.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	assert.Equal(t, "/home/alice/.config/wallet-session/develop/config.yaml", paths[0])

	t.Setenv("WALLET_SESSION_ENV", "staging")
	_, err = ConfigPathCandidates("wallet-session", "config.yaml")
	assert.Error(t, err)

	_, err = ConfigPathCandidates("", "config.yaml")
	assert.Error(t, err)
}

func TestFirstExisting(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "b.yaml")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o600))

	assert.Equal(t, present, FirstExisting([]string{filepath.Join(dir, "a.yaml"), present}))
	assert.Equal(t, filepath.Join(dir, "a.yaml"), FirstExisting([]string{filepath.Join(dir, "a.yaml")}))
	assert.Empty(t, FirstExisting(nil))
}
