package legacysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/heirloomhq/legacy-sync/storage"
)

const checkpointKey = "checkpoint"
const conflictKeyPrefix = "conflict:"

// errTransport marks failures of the remote authority itself, which are
// retried on later cycles instead of being surfaced to the caller.
var errTransport = errors.New("transport failure")

type engine struct {
	backend   storage.Backend
	authority Authority
	bus       *eventBus
	monitor   *networkMonitor
	resolver  *conflictResolver
	metrics   *metrics
	log       zerolog.Logger

	interval time.Duration
	bo       *backoff.ExponentialBackOff

	// syncMu is held for a full sync cycle; concurrent invocations of the
	// timer, an online transition and a manual Sync serialize here.
	syncMu   sync.Mutex
	degraded bool

	kick     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newEngine(backend storage.Backend, authority Authority, bus *eventBus, monitor *networkMonitor,
	resolver *conflictResolver, m *metrics, log zerolog.Logger,
	interval, backoffMin, backoffMax time.Duration) *engine {

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffMin
	bo.MaxInterval = backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &engine{
		backend:   backend,
		authority: authority,
		bus:       bus,
		monitor:   monitor,
		resolver:  resolver,
		metrics:   m,
		log:       log,
		interval:  interval,
		bo:        bo,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (e *engine) start() {
	e.wg.Add(1)
	go e.loop()
}

func (e *engine) close() {
	e.stopOnce.Do(func() { close(e.done) })
	e.wg.Wait()
}

// kickNow requests an immediate cycle without waiting for the timer.
func (e *engine) kickNow() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *engine) loop() {
	defer e.wg.Done()
	timer := time.NewTimer(e.interval)
	defer timer.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-e.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		if e.monitor.Online() {
			if err := e.runCycle(context.Background()); err != nil {
				e.log.Error().Err(err).Msg("sync cycle aborted")
			}
		}
		timer.Reset(e.nextDelay())
	}
}

// nextDelay stretches the cycle spacing while the remote keeps failing
// and snaps back to the configured interval after a clean cycle.
func (e *engine) nextDelay() time.Duration {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if e.degraded {
		return e.bo.NextBackOff()
	}
	e.bo.Reset()
	return e.interval
}

// runCycle drains the upload queue and then pulls remote changes. The
// returned error covers storage failures only; remote failures stay in
// retry bookkeeping.
func (e *engine) runCycle(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	summary, err := e.processQueueLocked(ctx)
	if err != nil {
		e.bus.emit(Event{Kind: EventError, Err: err})
		return err
	}
	degraded := summary.Failed > 0

	if err := e.downloadLocked(ctx, time.Time{}); err != nil {
		if !errors.Is(err, errTransport) {
			e.bus.emit(Event{Kind: EventError, Err: err})
			return err
		}
		e.log.Warn().Err(err).Msg("download failed, retrying next cycle")
		degraded = true
	}
	e.degraded = degraded

	if counts, err := e.backend.Counts(ctx); err == nil {
		e.metrics.observeCounts(counts)
	}
	return nil
}

// download runs the pull path alone, for the caller-facing
// DownloadUpdates operation.
func (e *engine) download(ctx context.Context, since time.Time) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.downloadLocked(ctx, since)
}

func (e *engine) processQueueLocked(ctx context.Context) (*SyncSummary, error) {
	ops, err := e.backend.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot queue: %w", err)
	}

	summary := &SyncSummary{}
	for _, op := range ops {
		summary.Processed++
		if err := e.dispatch(ctx, op); err != nil {
			summary.Failed++
			e.log.Debug().Str("operation", op.ID).Str("target", op.TargetID).Err(err).Msg("upload failed")
			if err := e.recordFailure(ctx, op, err); err != nil {
				return nil, err
			}
			continue
		}
		summary.Succeeded++
		if err := e.settleSuccess(ctx, op); err != nil {
			return nil, err
		}
	}

	remaining, err := e.backend.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count remaining operations: %w", err)
	}
	summary.Remaining = len(remaining)
	e.bus.emit(Event{Kind: EventSyncCompleted, Sync: summary})
	return summary, nil
}

func (e *engine) dispatch(ctx context.Context, op *storage.SyncOperation) error {
	record := &RemoteRecord{ID: op.TargetID, Type: op.TargetType, Data: op.Payload}
	switch op.Kind {
	case storage.OpCreate:
		return e.authority.Create(ctx, op.TargetType, record)
	case storage.OpUpdate:
		return e.authority.Update(ctx, op.TargetType, op.TargetID, record)
	case storage.OpDelete:
		return e.authority.Delete(ctx, op.TargetType, op.TargetID)
	}
	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

// settleSuccess removes an acknowledged operation and marks its record
// synced. Removal happens only after the acknowledgement, which is what
// makes delivery at-least-once.
func (e *engine) settleSuccess(ctx context.Context, op *storage.SyncOperation) error {
	if err := e.backend.DeleteOperation(ctx, op.ID); err != nil {
		return fmt.Errorf("failed to remove settled operation: %w", err)
	}
	e.metrics.uploadedOps.Inc()
	if op.Kind == storage.OpDelete {
		return nil
	}

	record, err := e.backend.GetRecord(ctx, op.TargetID)
	if errors.Is(err, storage.ErrNotFound) {
		// deleted locally after the snapshot was taken
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load uploaded record: %w", err)
	}
	if record.SyncState == storage.StatePending {
		record.SyncState = storage.StateSynced
		if err := e.backend.PutRecord(ctx, record); err != nil {
			return fmt.Errorf("failed to mark record synced: %w", err)
		}
	}
	return nil
}

func (e *engine) recordFailure(ctx context.Context, op *storage.SyncOperation, cause error) error {
	op.RetryCount++
	op.LastError = cause.Error()

	if !permanentFailure(cause) && op.RetryCount < op.MaxRetries {
		e.metrics.retriedOps.Inc()
		if err := e.backend.UpdateOperation(ctx, op); err != nil && !errors.Is(err, storage.ErrOperationNotFound) {
			return fmt.Errorf("failed to persist retry state: %w", err)
		}
		return nil
	}

	// retry budget spent, or the failure cannot succeed on retry
	if err := e.backend.DeleteOperation(ctx, op.ID); err != nil {
		return fmt.Errorf("failed to drop exhausted operation: %w", err)
	}
	e.metrics.exhaustedOps.Inc()

	record, err := e.backend.GetRecord(ctx, op.TargetID)
	if errors.Is(err, storage.ErrNotFound) {
		e.bus.emit(Event{Kind: EventError, Err: cause})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load failed record: %w", err)
	}
	record.SyncState = storage.StateError
	if err := e.backend.PutRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to mark record errored: %w", err)
	}
	e.log.Warn().Str("record", record.ID).Int("retries", op.RetryCount).Msg("upload permanently failed")
	e.bus.emit(Event{Kind: EventError, Record: record, Err: cause})
	return nil
}

func (e *engine) downloadLocked(ctx context.Context, since time.Time) error {
	from := since
	if from.IsZero() {
		checkpoint, err := e.loadCheckpoint(ctx)
		if err != nil {
			return err
		}
		from = checkpoint
	}

	changes, err := e.authority.Changes(ctx, from)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransport, err)
	}
	for _, remote := range changes {
		if err := e.applyRemote(ctx, remote); err != nil {
			return err
		}
	}

	checkpoint := time.Now().UTC()
	if err := e.backend.SetMeta(ctx, checkpointKey, checkpoint.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	e.metrics.downloadedRecs.Add(float64(len(changes)))
	e.bus.emit(Event{Kind: EventDownloaded, Download: &DownloadSummary{Applied: len(changes), Checkpoint: checkpoint}})
	return nil
}

// applyRemote reconciles one incoming change. Conflict arbitration only
// happens when the local copy has unsynced edits at a different version;
// everything else is plainly adopted as synced.
func (e *engine) applyRemote(ctx context.Context, remote *RemoteRecord) error {
	local, err := e.backend.GetRecord(ctx, remote.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load local record: %w", err)
	}

	if local != nil && local.SyncState == storage.StatePending && local.Version != remote.Version {
		switch e.resolver.resolve(local, remote) {
		case outcomeAdoptRemote:
			return e.adoptRemote(ctx, local, remote)
		case outcomeKeepLocalNotify:
			if err := e.parkConflict(ctx, local, remote); err != nil {
				return err
			}
			e.bus.emit(Event{Kind: EventConflict, Record: local, Conflict: &ConflictInfo{Local: local, Remote: remote}})
			return nil
		default:
			return e.parkConflict(ctx, local, remote)
		}
	}
	return e.adoptRemote(ctx, local, remote)
}

func (e *engine) adoptRemote(ctx context.Context, local *storage.StoredRecord, remote *RemoteRecord) error {
	record := &storage.StoredRecord{
		ID:             remote.ID,
		Type:           remote.Type,
		Payload:        remote.Data,
		CreatedAt:      remote.LastModifiedAt,
		LastModifiedAt: remote.LastModifiedAt,
		SyncState:      storage.StateSynced,
		Version:        remote.Version,
		Metadata:       remote.Metadata,
	}
	if local != nil {
		record.CreatedAt = local.CreatedAt
	}
	if err := e.backend.PutRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to adopt remote record: %w", err)
	}
	return nil
}

// parkConflict keeps the local payload, flags the record and stashes the
// remote side in the meta table so a later ResolveConflict can adopt it.
func (e *engine) parkConflict(ctx context.Context, local *storage.StoredRecord, remote *RemoteRecord) error {
	snapshot, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("failed to snapshot remote record: %w", err)
	}
	if err := e.backend.SetMeta(ctx, conflictKeyPrefix+local.ID, string(snapshot)); err != nil {
		return fmt.Errorf("failed to stash remote record: %w", err)
	}
	local.SyncState = storage.StateConflict
	if err := e.backend.PutRecord(ctx, local); err != nil {
		return fmt.Errorf("failed to flag conflict: %w", err)
	}
	return nil
}

func (e *engine) loadCheckpoint(ctx context.Context) (time.Time, error) {
	value, err := e.backend.GetMeta(ctx, checkpointKey)
	if errors.Is(err, storage.ErrMetaNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	checkpoint, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid checkpoint %q: %w", value, err)
	}
	return checkpoint, nil
}
