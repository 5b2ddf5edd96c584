package legacysync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heirloomhq/legacy-sync/config"
	"github.com/heirloomhq/legacy-sync/storage"
)

// seeds a local pending record at version 3 and returns its id together
// with a remote change for the same id at version 5.
func seedDivergence(t *testing.T, store *Store, authority *fakeAuthority) string {
	t.Helper()
	ctx := context.Background()

	id, err := store.Store(ctx, "documents", map[string]string{"name": "local-v1"})
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, id, map[string]string{"name": "local-v2"}))
	require.NoError(t, store.Update(ctx, id, map[string]string{"name": "local-v3"}))

	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(3), record.Version)
	require.Equal(t, storage.StatePending, record.SyncState)

	authority.mu.Lock()
	authority.changes = []*RemoteRecord{{
		ID:             id,
		Type:           "documents",
		Data:           []byte(`{"name":"remote-v5"}`),
		LastModifiedAt: time.Now().UTC(),
		Version:        5,
	}}
	authority.mu.Unlock()
	return id
}

func TestConflictPolicyServer(t *testing.T) {
	ctx := context.Background()
	authority := &fakeAuthority{}
	store := newTestStore(t, "conflictserver", authority, func(cfg *config.Config) {
		cfg.ConflictPolicy = "server"
		cfg.StartOnline = true
	})
	id := seedDivergence(t, store, authority)

	require.NoError(t, store.DownloadUpdates(ctx, time.Time{}))

	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StateSynced, record.SyncState)
	require.Equal(t, int64(5), record.Version)
	require.JSONEq(t, `{"name":"remote-v5"}`, string(record.Payload))
}

func TestConflictPolicyClient(t *testing.T) {
	ctx := context.Background()
	authority := &fakeAuthority{}
	store := newTestStore(t, "conflictclient", authority, func(cfg *config.Config) {
		cfg.StartOnline = true
	})
	conflicts := &eventRecorder{}
	store.Subscribe(EventConflict, conflicts.handler)
	id := seedDivergence(t, store, authority)

	require.NoError(t, store.DownloadUpdates(ctx, time.Time{}))

	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StateConflict, record.SyncState)
	require.Equal(t, int64(3), record.Version)
	require.JSONEq(t, `{"name":"local-v3"}`, string(record.Payload))
	require.Empty(t, conflicts.recorded(), "client policy does not emit conflict events")
}

func TestConflictPolicyManual(t *testing.T) {
	ctx := context.Background()
	authority := &fakeAuthority{}
	store := newTestStore(t, "conflictmanual", authority, func(cfg *config.Config) {
		cfg.ConflictPolicy = "manual"
		cfg.StartOnline = true
	})
	conflicts := &eventRecorder{}
	store.Subscribe(EventConflict, conflicts.handler)
	id := seedDivergence(t, store, authority)

	require.NoError(t, store.DownloadUpdates(ctx, time.Time{}))

	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StateConflict, record.SyncState)
	require.JSONEq(t, `{"name":"local-v3"}`, string(record.Payload))

	events := conflicts.recorded()
	require.Len(t, events, 1)
	require.Equal(t, int64(3), events[0].Conflict.Local.Version)
	require.Equal(t, int64(5), events[0].Conflict.Remote.Version)
}

func TestMatchingVersionIsNoConflict(t *testing.T) {
	ctx := context.Background()
	authority := &fakeAuthority{}
	store := newTestStore(t, "noconflict", authority, func(cfg *config.Config) {
		cfg.StartOnline = true
	})

	id, err := store.Store(ctx, "documents", map[string]string{"name": "local"})
	require.NoError(t, err)

	authority.mu.Lock()
	authority.changes = []*RemoteRecord{{
		ID:             id,
		Type:           "documents",
		Data:           []byte(`{"name":"remote"}`),
		LastModifiedAt: time.Now().UTC(),
		Version:        1, // same version as the pending local copy
	}}
	authority.mu.Unlock()

	require.NoError(t, store.DownloadUpdates(ctx, time.Time{}))

	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StateSynced, record.SyncState)
	require.JSONEq(t, `{"name":"remote"}`, string(record.Payload))
}

func TestResolveConflictAdoptRemote(t *testing.T) {
	ctx := context.Background()
	authority := &fakeAuthority{}
	store := newTestStore(t, "resolveadopt", authority, func(cfg *config.Config) {
		cfg.StartOnline = true
	})
	id := seedDivergence(t, store, authority)
	require.NoError(t, store.DownloadUpdates(ctx, time.Time{}))

	require.NoError(t, store.ResolveConflict(ctx, id, false))

	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StateSynced, record.SyncState)
	require.Equal(t, int64(5), record.Version)
	require.JSONEq(t, `{"name":"remote-v5"}`, string(record.Payload))

	require.ErrorIs(t, store.ResolveConflict(ctx, id, false), ErrNotConflicted)
}

func TestResolveConflictKeepLocal(t *testing.T) {
	ctx := context.Background()
	authority := &fakeAuthority{}
	store := newTestStore(t, "resolvekeep", authority, func(cfg *config.Config) {
		cfg.StartOnline = true
	})
	id := seedDivergence(t, store, authority)
	require.NoError(t, store.DownloadUpdates(ctx, time.Time{}))
	queuedBefore := queueLength(t, store)

	require.NoError(t, store.ResolveConflict(ctx, id, true))

	record, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatePending, record.SyncState)
	require.Equal(t, int64(4), record.Version)
	require.JSONEq(t, `{"name":"local-v3"}`, string(record.Payload))
	require.Equal(t, queuedBefore+1, queueLength(t, store))
}

func TestParseConflictPolicy(t *testing.T) {
	for _, value := range []string{"client", "server", "manual"} {
		policy, err := ParseConflictPolicy(value)
		require.NoError(t, err)
		require.Equal(t, ConflictPolicy(value), policy)
	}
	_, err := ParseConflictPolicy("merge")
	require.Error(t, err)
}
