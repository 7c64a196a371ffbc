// Package queue holds locally originated mutations that could not be sent
// live. Items are deduplicated per entity, persisted after every change and
// replayed in FIFO order once a connection opens.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"practice-sync/internal/kvstore"
	"practice-sync/internal/metrics"
	"practice-sync/internal/middleware"
	"practice-sync/internal/models"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a mutation may wait before it is considered stale.
const DefaultTTL = 7 * 24 * time.Hour

// Key returns the storage key for identity.
func Key(identity string) string {
	return "sync/offline-queue/" + identity
}

// SendFunc delivers one event during Flush.
type SendFunc func(ctx context.Context, event models.SyncEvent) error

type Option func(*Queue)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// WithClock replaces time.Now for QueuedAt stamps and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

type Queue struct {
	mu         sync.Mutex
	items      []models.OfflineQueueItem
	store      kvstore.Store
	key        string
	ttl        time.Duration
	now        func() time.Time
	persistent bool
	log        *zap.SugaredLogger
}

// New builds the queue for identity and loads whatever survived the last session.
func New(ctx context.Context, store kvstore.Store, identity string, log *zap.SugaredLogger, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		key:        Key(identity),
		ttl:        DefaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
		persistent: true,
		log:        log,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.LoadAndPrune(ctx)
	return q
}

// Enqueue stores a mutation for later delivery. Non-mutation events are
// ignored, as is a mutation older than the one already queued for the same
// entity. It reports whether the event is now queued.
func (q *Queue) Enqueue(ctx context.Context, event models.SyncEvent) bool {
	if !event.Type.IsMutation() {
		return false
	}
	if err := event.Validate(); err != nil {
		q.log.Warnw("Refusing to queue invalid event", "type", event.Type, "error", err)
		return false
	}
	key, ok := event.DedupKey()
	if !ok {
		q.log.Warnw("Refusing to queue mutation without entity id", "type", event.Type)
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		existing, _ := item.Event.DedupKey()
		if existing != key {
			continue
		}
		if event.Timestamp.Before(item.Event.Timestamp) {
			q.log.Debugw("Dropping mutation older than queued one", "key", key,
				"queued", item.Event.Timestamp, "incoming", event.Timestamp)
			return false
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		break
	}

	q.items = append(q.items, models.OfflineQueueItem{Event: event, QueuedAt: q.now()})
	q.persist(ctx)
	metrics.SetOfflineQueueSize(len(q.items))
	return true
}

// LoadAndPrune replaces the in-memory queue with the persisted one, minus
// stale and non-mutation items. Storage is rewritten when anything was
// dropped. It returns the number of dropped items.
func (q *Queue) LoadAndPrune(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.store.Get(ctx, q.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		q.items = nil
		metrics.SetOfflineQueueSize(0)
		return 0
	}
	if err != nil {
		q.degrade("read", err)
		return 0
	}

	items, dropped := decodeItems(raw)
	if dropped > 0 {
		q.log.Warnw("Discarded unreadable queue items", "key", q.key, "count", dropped)
	}
	q.items = items
	pruned := q.pruneLocked() + dropped

	if pruned > 0 {
		metrics.AddQueuePruned(pruned)
		q.persist(ctx)
	}
	metrics.SetOfflineQueueSize(len(q.items))
	q.log.Debugw("Offline queue loaded", "key", q.key, "items", len(q.items), "pruned", pruned)
	return pruned
}

// Flush sends queued events in QueuedAt order. When send fails, the failing
// event and everything after it stay queued and are persisted again.
func (q *Queue) Flush(ctx context.Context, send SendFunc) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ctx, span := middleware.StartSpan(ctx, "Queue.Flush", attribute.Int("queue.size", len(q.items)))
	defer span.End()

	pruned := q.pruneLocked()
	if pruned > 0 {
		metrics.AddQueuePruned(pruned)
	}
	if len(q.items) == 0 {
		if pruned > 0 {
			q.persist(ctx)
		}
		metrics.SetOfflineQueueSize(0)
		return 0, nil
	}

	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].QueuedAt.Before(q.items[j].QueuedAt)
	})

	for i, item := range q.items {
		if err := send(ctx, item.Event); err != nil {
			q.items = append([]models.OfflineQueueItem(nil), q.items[i:]...)
			q.persist(ctx)
			metrics.AddQueueFlushed(i)
			metrics.SetOfflineQueueSize(len(q.items))
			middleware.AddSpanError(ctx, err)
			return i, fmt.Errorf("flush stopped after %d of %d events: %w", i, i+len(q.items), err)
		}
	}

	sent := len(q.items)
	q.items = nil
	q.persist(ctx)
	metrics.AddQueueFlushed(sent)
	metrics.SetOfflineQueueSize(0)
	return sent, nil
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue in delivery order.
func (q *Queue) Items() []models.OfflineQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.OfflineQueueItem, len(q.items))
	copy(out, q.items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Persistent reports whether durable storage is still in use.
func (q *Queue) Persistent() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistent
}

func (q *Queue) pruneLocked() int {
	horizon := q.now().Add(-q.ttl)
	kept := q.items[:0]
	pruned := 0
	for _, item := range q.items {
		if !item.Event.Type.IsMutation() || item.QueuedAt.Before(horizon) {
			pruned++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return pruned
}

// persist writes the whole queue; an empty queue removes the record.
func (q *Queue) persist(ctx context.Context) {
	if !q.persistent {
		return
	}

	if len(q.items) == 0 {
		if err := q.store.Remove(ctx, q.key); err != nil {
			q.degrade("remove", err)
		}
		return
	}

	data, err := json.Marshal(q.items)
	if err != nil {
		q.degrade("encode", err)
		return
	}
	if err := q.store.Set(ctx, q.key, data); err != nil {
		q.degrade("write", err)
	}
}

func (q *Queue) degrade(op string, err error) {
	if !q.persistent {
		return
	}
	q.persistent = false
	metrics.IncStorageDegraded("offline_queue")
	q.log.Warnw("Offline queue storage failed, continuing in memory for this session",
		"op", op, "key", q.key, "error", err)
}

// decodeItems parses the persisted array item by item so one corrupt entry
// does not cost the rest.
func decodeItems(raw []byte) ([]models.OfflineQueueItem, int) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, 1
	}

	items := make([]models.OfflineQueueItem, 0, len(entries))
	dropped := 0
	for _, entry := range entries {
		var item models.OfflineQueueItem
		if err := json.Unmarshal(entry, &item); err != nil || item.QueuedAt.IsZero() {
			dropped++
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].QueuedAt.Before(items[j].QueuedAt) })
	return items, dropped
}
