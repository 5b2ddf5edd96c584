// Package postgres provides the same durable layout as the sqlite backend
// on a pgx pool, for deployments that embed the library next to a server
// process instead of a client device.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/heirloomhq/legacy-sync/storage"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const recordColumns = "id, type, payload, created_at, last_modified_at, sync_state, version, owner_id, priority, tags"
const operationColumns = "id, kind, target_type, target_id, payload, enqueued_at, retry_count, max_retries, last_error"

const upsertRecordQuery = "INSERT INTO records (" + recordColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) " +
	"ON CONFLICT (id) DO UPDATE SET type=EXCLUDED.type, payload=EXCLUDED.payload, created_at=EXCLUDED.created_at, " +
	"last_modified_at=EXCLUDED.last_modified_at, sync_state=EXCLUDED.sync_state, version=EXCLUDED.version, " +
	"owner_id=EXCLUDED.owner_id, priority=EXCLUDED.priority, tags=EXCLUDED.tags"

type Backend struct {
	db *pgxpool.Pool
}

func New(databaseURL string) (*Backend, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
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

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &Backend{db: pgxPool}, nil
}

func recordArgs(record *storage.StoredRecord) ([]interface{}, error) {
	tags, err := json.Marshal(record.Metadata.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	return []interface{}{
		record.ID, record.Type, string(record.Payload), record.CreatedAt, record.LastModifiedAt,
		string(record.SyncState), record.Version, record.Metadata.OwnerID, record.Metadata.Priority, string(tags),
	}, nil
}

func (s *Backend) PutRecord(ctx context.Context, record *storage.StoredRecord) error {
	args, err := recordArgs(record)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, upsertRecordQuery, args...); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (s *Backend) PutRecordWithOperation(ctx context.Context, record *storage.StoredRecord, op *storage.SyncOperation) error {
	args, err := recordArgs(record)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	if _, err := tx.Exec(ctx, upsertRecordQuery, args...); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if err := insertOperation(ctx, tx, op); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Backend) GetRecord(ctx context.Context, id string) (*storage.StoredRecord, error) {
	row := s.db.QueryRow(ctx, "SELECT "+recordColumns+" FROM records WHERE id = $1", id)
	record, err := scanRecord(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	return record, nil
}

func (s *Backend) ListRecords(ctx context.Context, recordType string) ([]*storage.StoredRecord, error) {
	rows, err := s.db.Query(ctx, "SELECT "+recordColumns+" FROM records WHERE type = $1", recordType)
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
	if _, err := s.db.Exec(ctx, "DELETE FROM records WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *Backend) DeleteRecordWithOperation(ctx context.Context, id string, op *storage.SyncOperation) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	if _, err := tx.Exec(ctx, "DELETE FROM records WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if err := insertOperation(ctx, tx, op); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Backend) EnqueueOperation(ctx context.Context, op *storage.SyncOperation) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())
	if err := insertOperation(ctx, tx, op); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Backend) ListOperations(ctx context.Context) ([]*storage.SyncOperation, error) {
	rows, err := s.db.Query(ctx, "SELECT "+operationColumns+" FROM operations ORDER BY seq")
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
	res, err := s.db.Exec(ctx,
		"UPDATE operations SET retry_count = $1, max_retries = $2, last_error = $3 WHERE id = $4",
		op.RetryCount, op.MaxRetries, op.LastError, op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	if res.RowsAffected() == 0 {
		return storage.ErrOperationNotFound
	}
	return nil
}

func (s *Backend) DeleteOperation(ctx context.Context, opID string) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM operations WHERE id = $1", opID); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

func (s *Backend) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, "SELECT value FROM meta WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrMetaNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta value: %w", err)
	}
	return value, nil
}

func (s *Backend) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value", key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta value: %w", err)
	}
	return nil
}

func (s *Backend) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM meta WHERE key = $1", key); err != nil {
		return fmt.Errorf("failed to delete meta value: %w", err)
	}
	return nil
}

func (s *Backend) Counts(ctx context.Context) (*storage.Counts, error) {
	counts := &storage.Counts{ByState: make(map[storage.SyncState]int)}

	rows, err := s.db.Query(ctx, "SELECT sync_state, COUNT(*) FROM records GROUP BY sync_state")
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

	err = s.db.QueryRow(ctx, "SELECT COUNT(*) FROM operations").Scan(&counts.QueueLength)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	return counts, nil
}

func (s *Backend) PurgeOwner(ctx context.Context, ownerID string) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	_, err = tx.Exec(ctx,
		"DELETE FROM operations WHERE target_id IN (SELECT id FROM records WHERE owner_id = $1)", ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge operations: %w", err)
	}
	res, err := tx.Exec(ctx, "DELETE FROM records WHERE owner_id = $1", ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge records: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(res.RowsAffected()), nil
}

func (s *Backend) Clear(ctx context.Context) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	for _, table := range []string{"operations", "records", "meta"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Backend) Close() error {
	s.db.Close()
	return nil
}

func insertOperation(ctx context.Context, tx pgx.Tx, op *storage.SyncOperation) error {
	var payload *string
	if op.Payload != nil {
		value := string(op.Payload)
		payload = &value
	}
	_, err := tx.Exec(ctx,
		"INSERT INTO operations ("+operationColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		op.ID, string(op.Kind), op.TargetType, op.TargetID, payload,
		op.EnqueuedAt, op.RetryCount, op.MaxRetries, op.LastError)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

func scanRecord(scan func(...interface{}) error) (*storage.StoredRecord, error) {
	var record storage.StoredRecord
	var payload, state, tags string
	err := scan(&record.ID, &record.Type, &payload, &record.CreatedAt, &record.LastModifiedAt,
		&state, &record.Version, &record.Metadata.OwnerID, &record.Metadata.Priority, &tags)
	if err != nil {
		return nil, err
	}
	record.Payload = []byte(payload)
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
	var payload *string
	err := scan(&op.ID, &kind, &op.TargetType, &op.TargetID, &payload,
		&op.EnqueuedAt, &op.RetryCount, &op.MaxRetries, &op.LastError)
	if err != nil {
		return nil, err
	}
	op.Kind = storage.OpKind(kind)
	if payload != nil {
		op.Payload = []byte(*payload)
	}
	return &op, nil
}

var _ storage.Backend = (*Backend)(nil)
