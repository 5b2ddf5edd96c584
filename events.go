package legacysync

import (
	"sync"
	"time"

	"github.com/heirloomhq/legacy-sync/storage"
)

// EventKind enumerates every lifecycle notification the store emits.
type EventKind string

const (
	EventInitialized   EventKind = "initialized"
	EventStored        EventKind = "stored"
	EventUpdated       EventKind = "updated"
	EventDeleted       EventKind = "deleted"
	EventSyncCompleted EventKind = "syncCompleted"
	EventDownloaded    EventKind = "downloaded"
	EventConflict      EventKind = "conflict"
	EventError         EventKind = "error"
	EventOnline        EventKind = "online"
	EventOffline       EventKind = "offline"
	EventCleared       EventKind = "cleared"
)

// SyncSummary describes one completed upload cycle.
type SyncSummary struct {
	Processed int
	Succeeded int
	Failed    int
	Remaining int
}

// DownloadSummary describes one completed download cycle.
type DownloadSummary struct {
	Applied    int
	Checkpoint time.Time
}

// ConflictInfo carries both sides of a detected divergence.
type ConflictInfo struct {
	Local  *storage.StoredRecord
	Remote *RemoteRecord
}

// Event is the tagged union delivered to subscribers; only the fields
// relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Record   *storage.StoredRecord
	Sync     *SyncSummary
	Download *DownloadSummary
	Conflict *ConflictInfo
	Err      error
}

// Handler receives events synchronously on the emitting goroutine.
type Handler func(Event)

type subscriber struct {
	id      int64
	handler Handler
}

// eventBus dispatches events in registration order to the subscribers
// present at emit time. There is no replay.
type eventBus struct {
	mu        sync.Mutex
	globalIDs int64
	handlers  map[EventKind][]subscriber
}

func newEventBus() *eventBus {
	return &eventBus{
		handlers: make(map[EventKind][]subscriber),
	}
}

func (b *eventBus) subscribe(kind EventKind, handler Handler) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalIDs += 1
	b.handlers[kind] = append(b.handlers[kind], subscriber{id: b.globalIDs, handler: handler})
	return b.globalIDs
}

func (b *eventBus) unsubscribe(kind EventKind, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[kind]
	for i, sub := range subs {
		if sub.id == id {
			b.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *eventBus) emit(event Event) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.handlers[event.Kind]))
	copy(subs, b.handlers[event.Kind])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}
