package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// BackendTest is a conformance suite every Backend implementation runs.
type BackendTest struct{}

func testRecord(recordType, owner string) *StoredRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &StoredRecord{
		ID:             uuid.New().String(),
		Type:           recordType,
		Payload:        []byte(`{"name":"will.pdf"}`),
		CreatedAt:      now,
		LastModifiedAt: now,
		SyncState:      StatePending,
		Version:        1,
		Metadata:       Metadata{OwnerID: owner, Priority: "high", Tags: []string{"estate"}},
	}
}

func testOperation(rec *StoredRecord, kind OpKind) *SyncOperation {
	return &SyncOperation{
		ID:         uuid.New().String(),
		Kind:       kind,
		TargetType: rec.Type,
		TargetID:   rec.ID,
		Payload:    rec.Payload,
		EnqueuedAt: time.Now().UTC().Truncate(time.Millisecond),
		MaxRetries: 5,
	}
}

func (s *BackendTest) TestRecords(t *testing.T, backend Backend) {
	ctx := context.Background()

	rec := testRecord("documents", "owner-1")
	require.NoError(t, backend.PutRecord(ctx, rec), "failed to put record")

	got, err := backend.GetRecord(ctx, rec.ID)
	require.NoError(t, err, "failed to get record")
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Type, got.Type)
	require.JSONEq(t, string(rec.Payload), string(got.Payload))
	require.Equal(t, StatePending, got.SyncState)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, rec.Metadata, got.Metadata)

	// put is an upsert
	rec.Payload = []byte(`{"name":"will-v2.pdf"}`)
	rec.Version = 2
	rec.SyncState = StateSynced
	require.NoError(t, backend.PutRecord(ctx, rec), "failed to upsert record")
	got, err = backend.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, StateSynced, got.SyncState)

	other := testRecord("form_drafts", "owner-1")
	require.NoError(t, backend.PutRecord(ctx, other))

	docs, err := backend.ListRecords(ctx, "documents")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, rec.ID, docs[0].ID)

	require.NoError(t, backend.DeleteRecord(ctx, rec.ID))
	_, err = backend.GetRecord(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// delete of an absent id is a no-op
	require.NoError(t, backend.DeleteRecord(ctx, rec.ID))
}

func (s *BackendTest) TestAtomicMutation(t *testing.T, backend Backend) {
	ctx := context.Background()

	rec := testRecord("documents", "owner-2")
	op := testOperation(rec, OpCreate)
	require.NoError(t, backend.PutRecordWithOperation(ctx, rec, op), "failed atomic put")

	got, err := backend.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)

	ops, err := backend.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, op.ID, ops[0].ID)
	require.Equal(t, OpCreate, ops[0].Kind)

	del := testOperation(rec, OpDelete)
	del.Payload = nil
	require.NoError(t, backend.DeleteRecordWithOperation(ctx, rec.ID, del), "failed atomic delete")
	_, err = backend.GetRecord(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotFound)
	ops, err = backend.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
}

func (s *BackendTest) TestOperations(t *testing.T, backend Backend) {
	ctx := context.Background()

	rec := testRecord("documents", "owner-3")
	first := testOperation(rec, OpCreate)
	second := testOperation(rec, OpUpdate)
	require.NoError(t, backend.EnqueueOperation(ctx, first))
	require.NoError(t, backend.EnqueueOperation(ctx, second))

	// insertion order is preserved
	ops, err := backend.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, first.ID, ops[0].ID)
	require.Equal(t, second.ID, ops[1].ID)

	first.RetryCount = 2
	first.LastError = "remote authority returned 503"
	require.NoError(t, backend.UpdateOperation(ctx, first))
	ops, err = backend.ListOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, ops[0].RetryCount)
	require.Equal(t, "remote authority returned 503", ops[0].LastError)

	require.NoError(t, backend.DeleteOperation(ctx, first.ID))
	ops, err = backend.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, second.ID, ops[0].ID)

	require.ErrorIs(t, backend.UpdateOperation(ctx, first), ErrOperationNotFound)
}

func (s *BackendTest) TestMeta(t *testing.T, backend Backend) {
	ctx := context.Background()

	_, err := backend.GetMeta(ctx, "checkpoint")
	require.ErrorIs(t, err, ErrMetaNotFound)

	require.NoError(t, backend.SetMeta(ctx, "checkpoint", "2026-08-30T10:00:00Z"))
	value, err := backend.GetMeta(ctx, "checkpoint")
	require.NoError(t, err)
	require.Equal(t, "2026-08-30T10:00:00Z", value)

	require.NoError(t, backend.SetMeta(ctx, "checkpoint", "2026-08-30T11:00:00Z"))
	value, err = backend.GetMeta(ctx, "checkpoint")
	require.NoError(t, err)
	require.Equal(t, "2026-08-30T11:00:00Z", value)

	require.NoError(t, backend.DeleteMeta(ctx, "checkpoint"))
	_, err = backend.GetMeta(ctx, "checkpoint")
	require.ErrorIs(t, err, ErrMetaNotFound)
}

func (s *BackendTest) TestCounts(t *testing.T, backend Backend) {
	ctx := context.Background()

	pending := testRecord("documents", "owner-4")
	synced := testRecord("documents", "owner-4")
	synced.SyncState = StateSynced
	require.NoError(t, backend.PutRecordWithOperation(ctx, pending, testOperation(pending, OpCreate)))
	require.NoError(t, backend.PutRecord(ctx, synced))

	counts, err := backend.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts.TotalRecords)
	require.Equal(t, 1, counts.ByState[StatePending])
	require.Equal(t, 1, counts.ByState[StateSynced])
	require.Equal(t, 1, counts.QueueLength)
}

func (s *BackendTest) TestPurgeOwner(t *testing.T, backend Backend) {
	ctx := context.Background()

	mine := testRecord("documents", "owner-5")
	theirs := testRecord("documents", "owner-6")
	require.NoError(t, backend.PutRecordWithOperation(ctx, mine, testOperation(mine, OpCreate)))
	require.NoError(t, backend.PutRecordWithOperation(ctx, theirs, testOperation(theirs, OpCreate)))

	purged, err := backend.PurgeOwner(ctx, "owner-5")
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, err = backend.GetRecord(ctx, mine.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = backend.GetRecord(ctx, theirs.ID)
	require.NoError(t, err)

	ops, err := backend.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, theirs.ID, ops[0].TargetID)
}

func (s *BackendTest) TestClear(t *testing.T, backend Backend) {
	ctx := context.Background()

	rec := testRecord("documents", "owner-7")
	require.NoError(t, backend.PutRecordWithOperation(ctx, rec, testOperation(rec, OpCreate)))
	require.NoError(t, backend.SetMeta(ctx, "checkpoint", "2026-08-30T10:00:00Z"))

	require.NoError(t, backend.Clear(ctx))

	counts, err := backend.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, counts.TotalRecords)
	require.Equal(t, 0, counts.QueueLength)
	_, err = backend.GetMeta(ctx, "checkpoint")
	require.ErrorIs(t, err, ErrMetaNotFound)
}
