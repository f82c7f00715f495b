package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetStateMergesAndDeletes(t *testing.T) {
	s := New("")

	err := s.SetState(map[string]json.RawMessage{
		"ciphertext": json.RawMessage(`"abc"`),
		"hash":       json.RawMessage(`"h1"`),
	})
	require.NoError(t, err)
	require.False(t, s.IsEmpty())
	require.True(t, s.Has("ciphertext"))

	err = s.SetState(map[string]json.RawMessage{
		"hash": nil,
	})
	require.NoError(t, err)
	require.False(t, s.Has("hash"))
	require.True(t, s.Has("ciphertext"))
}

func TestIsEmpty(t *testing.T) {
	s := New("")
	require.True(t, s.IsEmpty())

	require.NoError(t, s.SetState(map[string]json.RawMessage{"a": json.RawMessage(`1`)}))
	require.False(t, s.IsEmpty())
}

func TestSetSaveToDiskPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wallet.snapshot")

	s := New(path)
	require.NoError(t, s.SetState(map[string]json.RawMessage{
		"ciphertext": json.RawMessage(`"abc"`),
	}))
	require.NoError(t, s.SetSaveToDisk(true))
	require.NoError(t, s.SetState(map[string]json.RawMessage{
		"hash": json.RawMessage(`"h1"`),
	}))

	reloaded := New(path)
	require.NoError(t, reloaded.Load())
	require.True(t, reloaded.Has("ciphertext"))
	require.True(t, reloaded.Has("hash"))
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "does-not-exist"))
	require.NoError(t, s.Load())
	require.True(t, s.IsEmpty())
}

func TestStateReturnsIndependentCopy(t *testing.T) {
	s := New("")
	require.NoError(t, s.SetState(map[string]json.RawMessage{"a": json.RawMessage(`1`)}))

	snap := s.State()
	snap["a"] = json.RawMessage(`999`)
	snap["b"] = json.RawMessage(`2`)

	require.False(t, s.Has("b"))
	require.NoError(t, s.SetState(nil))
	require.True(t, s.Has("a"))
}
