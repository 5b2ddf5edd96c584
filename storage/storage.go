// Package storage defines the durable persistence contract shared by the
// sqlite and postgres backends: a current-records table, an ordered
// operation log, and a small key-value meta table.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")
var ErrOperationNotFound = errors.New("operation not found")
var ErrMetaNotFound = errors.New("meta key not found")

// SyncState tracks a record's position in the sync lifecycle.
type SyncState string

const (
	StatePending  SyncState = "pending"
	StateSynced   SyncState = "synced"
	StateConflict SyncState = "conflict"
	StateError    SyncState = "error"
)

// OpKind is the remote verb an operation maps to.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

type Metadata struct {
	OwnerID  string   `json:"ownerId,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// StoredRecord is the current value of a locally persisted record.
// Version strictly increases on every local mutation.
type StoredRecord struct {
	ID             string
	Type           string
	Payload        json.RawMessage
	CreatedAt      time.Time
	LastModifiedAt time.Time
	SyncState      SyncState
	Version        int64
	Metadata       Metadata
}

// SyncOperation is one entry in the durable upload log. Payload is the
// record payload snapshotted at enqueue time.
type SyncOperation struct {
	ID         string
	Kind       OpKind
	TargetType string
	TargetID   string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
	LastError  string
}

// Counts aggregates the numbers behind the caller-facing stats surface.
type Counts struct {
	TotalRecords int
	ByState      map[SyncState]int
	QueueLength  int
}

// Backend is the durable store beneath the synchronizing store. A record
// mutation and its queued operation must commit in the same transaction;
// that is the durability boundary the composite methods exist for.
type Backend interface {
	PutRecord(ctx context.Context, record *StoredRecord) error
	PutRecordWithOperation(ctx context.Context, record *StoredRecord, op *SyncOperation) error
	GetRecord(ctx context.Context, id string) (*StoredRecord, error)
	ListRecords(ctx context.Context, recordType string) ([]*StoredRecord, error)
	DeleteRecord(ctx context.Context, id string) error
	DeleteRecordWithOperation(ctx context.Context, id string, op *SyncOperation) error

	EnqueueOperation(ctx context.Context, op *SyncOperation) error
	// ListOperations returns every queued operation in insertion order
	// without removing anything.
	ListOperations(ctx context.Context) ([]*SyncOperation, error)
	UpdateOperation(ctx context.Context, op *SyncOperation) error
	DeleteOperation(ctx context.Context, opID string) error

	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error

	Counts(ctx context.Context) (*Counts, error)
	// PurgeOwner removes all records owned by ownerID together with their
	// queued operations, returning the number of records removed.
	PurgeOwner(ctx context.Context, ownerID string) (int, error)
	Clear(ctx context.Context) error
	Close() error
}
