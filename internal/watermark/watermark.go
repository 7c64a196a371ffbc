// Package watermark tracks the newest inbound event timestamp a client has
// reconciled. The value is sent as lastSyncTime in every SYNC_REQUEST.
package watermark

import (
	"context"
	"errors"
	"sync"
	"time"

	"practice-sync/internal/kvstore"
	"practice-sync/internal/metrics"

	"go.uber.org/zap"
)

// Key returns the storage key for identity.
func Key(identity string) string {
	return "sync/watermark/" + identity
}

type Tracker struct {
	mu       sync.Mutex
	store    kvstore.Store
	key      string
	current  time.Time
	degraded bool
	log      *zap.SugaredLogger
}

// Load reads the persisted watermark. A missing or unreadable record starts from zero.
func Load(ctx context.Context, store kvstore.Store, identity string, log *zap.SugaredLogger) *Tracker {
	t := &Tracker{store: store, key: Key(identity), log: log}

	raw, err := store.Get(ctx, t.key)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
	case err != nil:
		t.degrade("read", err)
	default:
		ts, perr := time.Parse(time.RFC3339Nano, string(raw))
		if perr != nil {
			log.Warnw("Discarding unreadable watermark", "key", t.key, "error", perr)
		} else {
			t.current = ts.UTC()
		}
	}
	return t
}

// Current returns the watermark; zero when nothing was reconciled yet.
func (t *Tracker) Current() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Advance moves the watermark forward to ts. Older timestamps are ignored.
// It reports whether the watermark moved.
func (t *Tracker) Advance(ctx context.Context, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts.IsZero() || !ts.After(t.current) {
		return false
	}
	t.current = ts.UTC()

	if t.degraded {
		return true
	}
	if err := t.store.Set(ctx, t.key, []byte(t.current.Format(time.RFC3339Nano))); err != nil {
		t.degrade("write", err)
	}
	return true
}

// Reset forgets the watermark so the next SYNC_REQUEST asks for everything.
func (t *Tracker) Reset(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = time.Time{}
	if t.degraded {
		return
	}
	if err := t.store.Remove(ctx, t.key); err != nil {
		t.degrade("remove", err)
	}
}

// degrade switches to memory-only for the session. Caller holds mu or owns t exclusively.
func (t *Tracker) degrade(op string, err error) {
	if t.degraded {
		return
	}
	t.degraded = true
	metrics.IncStorageDegraded("watermark")
	t.log.Warnw("Watermark storage failed, continuing in memory", "op", op, "key", t.key, "error", err)
}
