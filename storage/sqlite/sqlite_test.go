package sqlite

import (
	"fmt"
	"testing"

	"github.com/heirloomhq/legacy-sync/storage"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, name string) *Backend {
	backend, err := New(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestRecords(t *testing.T) {
	(&storage.BackendTest{}).TestRecords(t, newTestBackend(t, "testrecords"))
}

func TestAtomicMutation(t *testing.T) {
	(&storage.BackendTest{}).TestAtomicMutation(t, newTestBackend(t, "testatomicmutation"))
}

func TestOperations(t *testing.T) {
	(&storage.BackendTest{}).TestOperations(t, newTestBackend(t, "testoperations"))
}

func TestMeta(t *testing.T) {
	(&storage.BackendTest{}).TestMeta(t, newTestBackend(t, "testmeta"))
}

func TestCounts(t *testing.T) {
	(&storage.BackendTest{}).TestCounts(t, newTestBackend(t, "testcounts"))
}

func TestPurgeOwner(t *testing.T) {
	(&storage.BackendTest{}).TestPurgeOwner(t, newTestBackend(t, "testpurgeowner"))
}

func TestClear(t *testing.T) {
	(&storage.BackendTest{}).TestClear(t, newTestBackend(t, "testclear"))
}
