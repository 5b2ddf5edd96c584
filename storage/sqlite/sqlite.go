package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/heirloomhq/legacy-sync/storage"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const recordColumns = "id, type, payload, created_at, last_modified_at, sync_state, version, owner_id, priority, tags"
const operationColumns = "id, kind, target_type, target_id, payload, enqueued_at, retry_count, max_retries, last_error"

// Backend is the default client-local durable store.
type Backend struct {
	db *sql.DB
}

func New(file string) (*Backend, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"legacy-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &Backend{db: db}, nil
}

func (s *Backend) PutRecord(ctx context.Context, record *storage.StoredRecord) error {
	tags, err := json.Marshal(record.Metadata.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		record.ID, record.Type, []byte(record.Payload), record.CreatedAt, record.LastModifiedAt,
		string(record.SyncState), record.Version, record.Metadata.OwnerID, record.Metadata.Priority, string(tags))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (s *Backend) PutRecordWithOperation(ctx context.Context, record *storage.StoredRecord, op *storage.SyncOperation) error {
	tags, err := json.Marshal(record.Metadata.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		record.ID, record.Type, []byte(record.Payload), record.CreatedAt, record.LastModifiedAt,
		string(record.SyncState), record.Version, record.Metadata.OwnerID, record.Metadata.Priority, string(tags))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if err := insertOperation(ctx, tx, op); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Backend) GetRecord(ctx context.Context, id string) (*storage.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM records WHERE id = ?", id)
	record, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	return record, nil
}

func (s *Backend) ListRecords(ctx context.Context, recordType string) ([]*storage.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM records WHERE type = ?", recordType)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]*storage.StoredRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Backend) DeleteRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *Backend) DeleteRecordWithOperation(ctx context.Context, id string, op *storage.SyncOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if err := insertOperation(ctx, tx, op); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Backend) EnqueueOperation(ctx context.Context, op *storage.SyncOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertOperation(ctx, tx, op); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Backend) ListOperations(ctx context.Context) ([]*storage.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+operationColumns+" FROM operations ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	ops := make([]*storage.SyncOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *Backend) UpdateOperation(ctx context.Context, op *storage.SyncOperation) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE operations SET retry_count = ?, max_retries = ?, last_error = ? WHERE id = ?",
		op.RetryCount, op.MaxRetries, op.LastError, op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrOperationNotFound
	}
	return nil
}

func (s *Backend) DeleteOperation(ctx context.Context, opID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM operations WHERE id = ?", opID); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

func (s *Backend) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storage.ErrMetaNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta value: %w", err)
	}
	return value, nil
}

func (s *Backend) SetMeta(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("failed to set meta value: %w", err)
	}
	return nil
}

func (s *Backend) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM meta WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete meta value: %w", err)
	}
	return nil
}

func (s *Backend) Counts(ctx context.Context) (*storage.Counts, error) {
	counts := &storage.Counts{ByState: make(map[storage.SyncState]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT sync_state, COUNT(*) FROM records GROUP BY sync_state")
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan record count: %w", err)
		}
		counts.ByState[storage.SyncState(state)] = n
		counts.TotalRecords += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM operations").Scan(&counts.QueueLength)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	return counts, nil
}

func (s *Backend) PurgeOwner(ctx context.Context, ownerID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"DELETE FROM operations WHERE target_id IN (SELECT id FROM records WHERE owner_id = ?)", ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge operations: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM records WHERE owner_id = ?", ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge records: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(purged), nil
}

func (s *Backend) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"operations", "records", "meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Backend) Close() error {
	return s.db.Close()
}

func insertOperation(ctx context.Context, tx *sql.Tx, op *storage.SyncOperation) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO operations ("+operationColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		op.ID, string(op.Kind), op.TargetType, op.TargetID, nullablePayload(op.Payload),
		op.EnqueuedAt, op.RetryCount, op.MaxRetries, op.LastError)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

func nullablePayload(payload json.RawMessage) interface{} {
	if payload == nil {
		return nil
	}
	return []byte(payload)
}

func scanRecord(scan func(...interface{}) error) (*storage.StoredRecord, error) {
	var record storage.StoredRecord
	var payload []byte
	var state, tags string
	err := scan(&record.ID, &record.Type, &payload, &record.CreatedAt, &record.LastModifiedAt,
		&state, &record.Version, &record.Metadata.OwnerID, &record.Metadata.Priority, &tags)
	if err != nil {
		return nil, err
	}
	record.Payload = payload
	record.SyncState = storage.SyncState(state)
	if tags != "" && tags != "null" {
		if err := json.Unmarshal([]byte(tags), &record.Metadata.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	return &record, nil
}

func scanOperation(scan func(...interface{}) error) (*storage.SyncOperation, error) {
	var op storage.SyncOperation
	var kind string
	var payload []byte
	err := scan(&op.ID, &kind, &op.TargetType, &op.TargetID, &payload,
		&op.EnqueuedAt, &op.RetryCount, &op.MaxRetries, &op.LastError)
	if err != nil {
		return nil, err
	}
	op.Kind = storage.OpKind(kind)
	op.Payload = payload
	return &op, nil
}

var _ storage.Backend = (*Backend)(nil)
