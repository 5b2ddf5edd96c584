package legacysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/heirloomhq/legacy-sync/config"
	"github.com/heirloomhq/legacy-sync/storage"
	"github.com/heirloomhq/legacy-sync/storage/postgres"
	"github.com/heirloomhq/legacy-sync/storage/sqlite"
)

// ErrStorageUnavailable wraps a durable backend that failed to open.
// It is fatal to the whole subsystem.
var ErrStorageUnavailable = errors.New("storage unavailable")

var ErrNotConflicted = errors.New("record is not in conflict state")
var ErrNotErrored = errors.New("record is not in error state")

// Store is the offline-first synchronizing store. Callers mutate through
// it while connectivity comes and goes; a background engine reconciles
// the durable queue with the remote authority whenever the host reports
// the network as available.
type Store struct {
	backend    storage.Backend
	bus        *eventBus
	monitor    *networkMonitor
	engine     *engine
	log        zerolog.Logger
	maxRetries int

	mu        sync.Mutex
	closeOnce sync.Once
}

type options struct {
	backend    storage.Backend
	authority  Authority
	token      TokenProvider
	logger     *zerolog.Logger
	registerer prometheus.Registerer
}

type Option func(*options)

// WithBackend substitutes the durable backend picked from the config.
func WithBackend(backend storage.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithAuthority substitutes the HTTP remote authority, mainly for tests.
func WithAuthority(authority Authority) Option {
	return func(o *options) { o.authority = authority }
}

// WithTokenProvider wires the external auth collaborator that supplies
// the bearer credential for every remote call.
func WithTokenProvider(token TokenProvider) Option {
	return func(o *options) { o.token = token }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// WithMetricsRegisterer exports the sync gauges and counters on the
// given registerer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func New(cfg *config.Config, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := zerolog.Nop()
	if o.logger != nil {
		log = *o.logger
	}

	policy, err := ParseConflictPolicy(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	backend := o.backend
	if backend == nil {
		if cfg.PgDatabaseUrl != "" {
			backend, err = postgres.New(cfg.PgDatabaseUrl)
		} else {
			backend, err = sqlite.New(cfg.SQLitePath)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	authority := o.authority
	if authority == nil {
		if cfg.RemoteURL == "" {
			return nil, errors.New("remote URL is required")
		}
		authority = NewHTTPAuthority(cfg.RemoteURL, cfg.RequestTimeout.Duration, o.token)
	}

	bus := newEventBus()
	monitor := newNetworkMonitor(cfg.StartOnline)
	m := newMetrics(o.registerer)
	eng := newEngine(backend, authority, bus, monitor, &conflictResolver{policy: policy}, m, log,
		cfg.SyncInterval.Duration, cfg.BackoffMin.Duration, cfg.BackoffMax.Duration)

	s := &Store{
		backend:    backend,
		bus:        bus,
		monitor:    monitor,
		engine:     eng,
		log:        log,
		maxRetries: cfg.MaxRetries,
	}
	monitor.onOnline = func() {
		bus.emit(Event{Kind: EventOnline})
		eng.kickNow()
	}
	monitor.onOffline = func() {
		bus.emit(Event{Kind: EventOffline})
	}
	eng.start()
	bus.emit(Event{Kind: EventInitialized})
	return s, nil
}

type mutateOptions struct {
	id         string
	owner      string
	priority   string
	tags       []string
	maxRetries int
}

type MutateOption func(*mutateOptions)

// WithID pins the record id instead of minting one.
func WithID(id string) MutateOption {
	return func(o *mutateOptions) { o.id = id }
}

func WithOwner(ownerID string) MutateOption {
	return func(o *mutateOptions) { o.owner = ownerID }
}

func WithPriority(priority string) MutateOption {
	return func(o *mutateOptions) { o.priority = priority }
}

func WithTags(tags ...string) MutateOption {
	return func(o *mutateOptions) { o.tags = tags }
}

// WithMaxRetries overrides the configured retry budget for the queued
// operation this mutation produces.
func WithMaxRetries(maxRetries int) MutateOption {
	return func(o *mutateOptions) { o.maxRetries = maxRetries }
}

// Store persists a new record locally and queues its upload. The record
// starts pending and becomes synced once the remote authority
// acknowledges it. Storing an id that already exists behaves as an
// update so the version keeps increasing.
func (s *Store) Store(ctx context.Context, recordType string, data interface{}, opts ...MutateOption) (string, error) {
	payload, err := marshalPayload(data)
	if err != nil {
		return "", err
	}
	o := s.applyMutateOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	id := o.id
	if id == "" {
		id = uuid.New().String()
	}

	record := &storage.StoredRecord{
		ID:             id,
		Type:           recordType,
		Payload:        payload,
		CreatedAt:      now,
		LastModifiedAt: now,
		SyncState:      storage.StatePending,
		Version:        1,
		Metadata:       storage.Metadata{OwnerID: o.owner, Priority: o.priority, Tags: o.tags},
	}
	kind := storage.OpCreate

	existing, err := s.backend.GetRecord(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to check for existing record: %w", err)
	}
	if existing != nil {
		record.CreatedAt = existing.CreatedAt
		record.Version = existing.Version + 1
		kind = storage.OpUpdate
	}

	op := newOperation(record, kind, o.maxRetries)
	if err := s.backend.PutRecordWithOperation(ctx, record, op); err != nil {
		return "", fmt.Errorf("failed to persist record: %w", err)
	}
	s.bus.emit(Event{Kind: EventStored, Record: record})
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.StoredRecord, error) {
	return s.backend.GetRecord(ctx, id)
}

// SortKey selects the timestamp a query orders by.
type SortKey string

const (
	SortByCreatedAt      SortKey = "createdAt"
	SortByLastModifiedAt SortKey = "lastModifiedAt"
)

// Query filters a type's records. Zero values match everything.
// Filtering and pagination run in memory over a full type scan; datasets
// are client-local and bounded.
type Query struct {
	SyncState  storage.SyncState
	OwnerID    string
	SortBy     SortKey
	Descending bool
	Offset     int
	Limit      int
}

func (s *Store) Query(ctx context.Context, recordType string, query Query) ([]*storage.StoredRecord, error) {
	records, err := s.backend.ListRecords(ctx, recordType)
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}

	filtered := records[:0]
	for _, record := range records {
		if query.SyncState != "" && record.SyncState != query.SyncState {
			continue
		}
		if query.OwnerID != "" && record.Metadata.OwnerID != query.OwnerID {
			continue
		}
		filtered = append(filtered, record)
	}

	key := query.SortBy
	if key == "" {
		key = SortByCreatedAt
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i].CreatedAt, filtered[j].CreatedAt
		if key == SortByLastModifiedAt {
			a, b = filtered[i].LastModifiedAt, filtered[j].LastModifiedAt
		}
		if query.Descending {
			return b.Before(a)
		}
		return a.Before(b)
	})

	if query.Offset > 0 {
		if query.Offset >= len(filtered) {
			return []*storage.StoredRecord{}, nil
		}
		filtered = filtered[query.Offset:]
	}
	if query.Limit > 0 && query.Limit < len(filtered) {
		filtered = filtered[:query.Limit]
	}
	return filtered, nil
}

// Update applies a shallow JSON merge of patch onto the record's
// payload, bumps the version and queues the upload.
func (s *Store) Update(ctx context.Context, id string, patch interface{}, opts ...MutateOption) error {
	patchPayload, err := marshalPayload(patch)
	if err != nil {
		return err
	}
	o := s.applyMutateOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.backend.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	merged, err := mergePayload(record.Payload, patchPayload)
	if err != nil {
		return err
	}

	record.Payload = merged
	record.Version++
	record.LastModifiedAt = time.Now().UTC()
	record.SyncState = storage.StatePending
	if o.owner != "" {
		record.Metadata.OwnerID = o.owner
	}
	if o.priority != "" {
		record.Metadata.Priority = o.priority
	}
	if o.tags != nil {
		record.Metadata.Tags = o.tags
	}

	op := newOperation(record, storage.OpUpdate, o.maxRetries)
	if err := s.backend.PutRecordWithOperation(ctx, record, op); err != nil {
		return fmt.Errorf("failed to persist record: %w", err)
	}
	s.bus.emit(Event{Kind: EventUpdated, Record: record})
	return nil
}

// Delete removes a record and queues the remote delete. Deleting an
// absent id is a no-op and enqueues nothing.
func (s *Store) Delete(ctx context.Context, id string, opts ...MutateOption) error {
	o := s.applyMutateOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.backend.GetRecord(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	op := newOperation(record, storage.OpDelete, o.maxRetries)
	if err := s.backend.DeleteRecordWithOperation(ctx, id, op); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	s.bus.emit(Event{Kind: EventDeleted, Record: record})
	return nil
}

// Sync runs one upload+download cycle immediately. It is a no-op while
// offline. Per-operation failures never surface here; they land in
// retry bookkeeping and the record's sync state.
func (s *Store) Sync(ctx context.Context) error {
	if !s.monitor.Online() {
		return nil
	}
	return s.engine.runCycle(ctx)
}

// DownloadUpdates pulls remote changes since the given time, or since
// the stored checkpoint when since is the zero time.
func (s *Store) DownloadUpdates(ctx context.Context, since time.Time) error {
	if !s.monitor.Online() {
		return nil
	}
	return s.engine.download(ctx, since)
}

// ClearAll wipes records, queued operations and the checkpoint.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	s.bus.emit(Event{Kind: EventCleared})
	return nil
}

// PurgeOwner removes every record and queued operation belonging to an
// owner without queueing remote deletes. Server-side erasure is the
// responsibility of the remote authority's own purge flow.
func (s *Store) PurgeOwner(ctx context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged, err := s.backend.PurgeOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge owner: %w", err)
	}
	s.bus.emit(Event{Kind: EventCleared})
	return purged, nil
}

// ResetError returns an errored record to pending and requeues its
// upload with a fresh retry budget.
func (s *Store) ResetError(ctx context.Context, id string, opts ...MutateOption) error {
	o := s.applyMutateOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.backend.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if record.SyncState != storage.StateError {
		return ErrNotErrored
	}
	record.SyncState = storage.StatePending

	op := newOperation(record, storage.OpUpdate, o.maxRetries)
	if err := s.backend.PutRecordWithOperation(ctx, record, op); err != nil {
		return fmt.Errorf("failed to persist record: %w", err)
	}
	s.bus.emit(Event{Kind: EventUpdated, Record: record})
	return nil
}

// ResolveConflict settles a record parked by the client or manual
// policy: keep the local payload and requeue it, or adopt the remote
// side that was stashed when the conflict was detected.
func (s *Store) ResolveConflict(ctx context.Context, id string, keepLocal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.backend.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if record.SyncState != storage.StateConflict {
		return ErrNotConflicted
	}
	key := conflictKeyPrefix + id

	if keepLocal {
		record.Version++
		record.LastModifiedAt = time.Now().UTC()
		record.SyncState = storage.StatePending
		op := newOperation(record, storage.OpUpdate, s.maxRetries)
		if err := s.backend.PutRecordWithOperation(ctx, record, op); err != nil {
			return fmt.Errorf("failed to persist record: %w", err)
		}
	} else {
		stashed, err := s.backend.GetMeta(ctx, key)
		if err != nil {
			return fmt.Errorf("no stashed remote record for %s: %w", id, err)
		}
		var remote RemoteRecord
		if err := json.Unmarshal([]byte(stashed), &remote); err != nil {
			return fmt.Errorf("failed to decode stashed remote record: %w", err)
		}
		record.Payload = remote.Data
		record.Version = remote.Version
		record.LastModifiedAt = remote.LastModifiedAt
		record.Metadata = remote.Metadata
		record.SyncState = storage.StateSynced
		if err := s.backend.PutRecord(ctx, record); err != nil {
			return fmt.Errorf("failed to persist record: %w", err)
		}
	}

	if err := s.backend.DeleteMeta(ctx, key); err != nil {
		return fmt.Errorf("failed to drop stashed remote record: %w", err)
	}
	s.bus.emit(Event{Kind: EventUpdated, Record: record})
	return nil
}

// Stats aggregates the poll surface the host UI subscribes to.
type Stats struct {
	TotalRecords int
	PendingSync  int
	SyncErrors   int
	Conflicts    int
	QueueLength  int
	Checkpoint   time.Time
	Online       bool
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.backend.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate counts: %w", err)
	}
	s.engine.metrics.observeCounts(counts)
	checkpoint, err := s.engine.loadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalRecords: counts.TotalRecords,
		PendingSync:  counts.ByState[storage.StatePending],
		SyncErrors:   counts.ByState[storage.StateError],
		Conflicts:    counts.ByState[storage.StateConflict],
		QueueLength:  counts.QueueLength,
		Checkpoint:   checkpoint,
		Online:       s.monitor.Online(),
	}, nil
}

// Subscribe registers a handler for one event kind and returns the id
// to unsubscribe with. Dispatch is synchronous and in registration
// order; events emitted before registration are not replayed.
func (s *Store) Subscribe(kind EventKind, handler Handler) int64 {
	return s.bus.subscribe(kind, handler)
}

func (s *Store) Unsubscribe(kind EventKind, id int64) {
	s.bus.unsubscribe(kind, id)
}

// SetOnline feeds the host's connectivity signal into the network
// monitor. The offline→online edge triggers an immediate sync cycle.
func (s *Store) SetOnline(online bool) {
	s.monitor.SetOnline(online)
}

func (s *Store) Online() bool {
	return s.monitor.Online()
}

// Close stops future sync cycles and closes the backend. An in-flight
// cycle runs to completion first.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.engine.close()
		err = s.backend.Close()
	})
	return err
}

func (s *Store) applyMutateOptions(opts []MutateOption) *mutateOptions {
	o := &mutateOptions{maxRetries: s.maxRetries}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newOperation(record *storage.StoredRecord, kind storage.OpKind, maxRetries int) *storage.SyncOperation {
	var payload json.RawMessage
	if kind != storage.OpDelete {
		payload = record.Payload
	}
	return &storage.SyncOperation{
		ID:         uuid.New().String(),
		Kind:       kind,
		TargetType: record.Type,
		TargetID:   record.ID,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		MaxRetries: maxRetries,
	}
}

func marshalPayload(data interface{}) (json.RawMessage, error) {
	switch value := data.(type) {
	case json.RawMessage:
		return value, nil
	case []byte:
		return json.RawMessage(value), nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return encoded, nil
}

// mergePayload shallow-merges two JSON objects; non-object payloads are
// replaced wholesale.
func mergePayload(current, patch json.RawMessage) (json.RawMessage, error) {
	var base map[string]json.RawMessage
	if err := json.Unmarshal(current, &base); err != nil {
		return patch, nil
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return patch, nil
	}
	for key, value := range overlay {
		base[key] = value
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to merge payload: %w", err)
	}
	return merged, nil
}
