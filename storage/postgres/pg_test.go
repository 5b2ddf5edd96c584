package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/heirloomhq/legacy-sync/storage"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	databaseURL := os.Getenv("TEST_PG_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_PG_DATABASE_URL not set")
	}
	backend, err := New(databaseURL)
	require.NoError(t, err, "failed to connect")
	require.NoError(t, backend.Clear(context.Background()))
	t.Cleanup(func() {
		backend.Clear(context.Background())
		backend.Close()
	})
	return backend
}

func TestRecords(t *testing.T) {
	(&storage.BackendTest{}).TestRecords(t, newTestBackend(t))
}

func TestAtomicMutation(t *testing.T) {
	(&storage.BackendTest{}).TestAtomicMutation(t, newTestBackend(t))
}

func TestOperations(t *testing.T) {
	(&storage.BackendTest{}).TestOperations(t, newTestBackend(t))
}

func TestMeta(t *testing.T) {
	(&storage.BackendTest{}).TestMeta(t, newTestBackend(t))
}

func TestCounts(t *testing.T) {
	(&storage.BackendTest{}).TestCounts(t, newTestBackend(t))
}

func TestPurgeOwner(t *testing.T) {
	(&storage.BackendTest{}).TestPurgeOwner(t, newTestBackend(t))
}

func TestClear(t *testing.T) {
	(&storage.BackendTest{}).TestClear(t, newTestBackend(t))
}
