package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStore_Verify(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStore(dir)
	require.NoError(t, store.WriteToken("alice", "s3cret"))

	t.Run("matching token", func(t *testing.T) {
		assert.True(t, store.Verify("alice", "s3cret"))
	})

	t.Run("trailing whitespace in file is trimmed", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.token"), []byte("tok\n\t \n"), 0o600))
		assert.True(t, store.Verify("bob", "tok"))
	})

	t.Run("wrong token", func(t *testing.T) {
		assert.False(t, store.Verify("alice", "wrong"))
	})

	t.Run("missing file", func(t *testing.T) {
		assert.False(t, store.Verify("nobody", "s3cret"))
	})

	t.Run("invalid account name never reads disk", func(t *testing.T) {
		assert.False(t, store.Verify("../alice", "s3cret"))
		assert.False(t, store.Verify("", "s3cret"))
	})
}

func TestTokenStore_Invalidate(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStore(dir)
	require.NoError(t, store.WriteToken("alice", "old"))
	assert.True(t, store.Verify("alice", "old"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.token"), []byte("new\n"), 0o600))
	store.Invalidate("alice")

	assert.True(t, store.Verify("alice", "new"))
	assert.False(t, store.Verify("alice", "old"))
}

func TestTokenStore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStore(dir)
	require.NoError(t, store.WriteToken("alice", "s3cret"))

	info, err := os.Stat(filepath.Join(dir, "alice.token"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
