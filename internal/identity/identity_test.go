package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()

	id1, err := LoadOrCreate(dir)
	require.NoError(t, err)
	id2, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.Equal(t, id1.NodeID(), id2.NodeID())
}

func TestSignVerify(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	msg := []byte("hello mesh network")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.True(t, Verify(id.NodeID(), msg, sig))
	require.False(t, Verify(id.NodeID(), []byte("wrong message"), sig))
}

func TestCorruptKeyFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, keyFileName)
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	seed, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, seed, 32)

	again, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.Equal(t, id.NodeID(), again.NodeID())
}

func TestKeyFilePermissions(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrCreate(dir)
	require.NoError(t, err)

	fi, err := os.Stat(filepath.Join(dir, keyFileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestNuke(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(dir)
	require.NoError(t, err)
	oldID := id.NodeID()

	require.NoError(t, id.Nuke())
	_, err = os.Stat(filepath.Join(dir, keyFileName))
	require.True(t, os.IsNotExist(err))

	_, err = id.Sign([]byte("x"))
	require.ErrorIs(t, err, ErrNuked)

	fresh, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotEqual(t, oldID, fresh.NodeID())
}
