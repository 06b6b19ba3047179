package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestClient opens a migrated database in a per-test temp directory and
// closes it on cleanup.
func NewTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(context.Background(), filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
