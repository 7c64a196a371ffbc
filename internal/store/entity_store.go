// Package store keeps the device-local copy of each synchronized entity kind.
// Local edits are applied optimistically and emitted as mutations; inbound
// events go through the reconciler before they touch state.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"practice-sync/internal/dispatcher"
	"practice-sync/internal/kvstore"
	"practice-sync/internal/metrics"
	"practice-sync/internal/models"
	"practice-sync/internal/reconcile"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown or deleted entities.
var ErrNotFound = errors.New("entity not found")

// Key returns the storage key for kind.
func Key(kind models.EntityKind) string {
	return "entities/" + string(kind)
}

// Sender emits local mutations. connection.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, event models.SyncEvent) error
}

type Option func(*EntityStore)

func WithClock(now func() time.Time) Option {
	return func(s *EntityStore) {
		if now != nil {
			s.now = now
		}
	}
}

type EntityStore struct {
	kind   models.EntityKind
	kv     kvstore.Store
	sender Sender
	now    func() time.Time
	log    *zap.SugaredLogger

	mu         sync.RWMutex
	entities   map[string]models.Entity
	aliases    map[string]string // provisional id -> confirmed id
	persistent bool
}

// New loads the persisted entities of kind.
func New(ctx context.Context, kind models.EntityKind, kv kvstore.Store, sender Sender, log *zap.SugaredLogger, opts ...Option) *EntityStore {
	s := &EntityStore{
		kind:       kind,
		kv:         kv,
		sender:     sender,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
		entities:   make(map[string]models.Entity),
		aliases:    make(map[string]string),
		persistent: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load(ctx)
	return s
}

func (s *EntityStore) Kind() models.EntityKind {
	return s.kind
}

// Create stores a new entity under a provisional id and emits ENTRY_CREATED.
func (s *EntityStore) Create(ctx context.Context, fields any) (models.Entity, error) {
	raw, err := models.EncodeFields(fields)
	if err != nil {
		return models.Entity{}, err
	}

	now := s.now()
	id := models.NewProvisionalID()
	entity := models.Entity{
		ID:        id,
		Kind:      s.kind,
		ClientID:  id,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    raw,
	}

	s.mu.Lock()
	s.entities[id] = entity
	s.persistLocked(ctx)
	s.mu.Unlock()

	return entity.Clone(), s.sender.Send(ctx, models.NewEvent(models.EntityCreated{Entity: entity.Clone()}, now))
}

// Update replaces the domain fields of id and emits ENTRY_UPDATED.
func (s *EntityStore) Update(ctx context.Context, id string, fields any) (models.Entity, error) {
	raw, err := models.EncodeFields(fields)
	if err != nil {
		return models.Entity{}, err
	}

	s.mu.Lock()
	current, ok := s.liveLocked(id)
	if !ok {
		s.mu.Unlock()
		return models.Entity{}, fmt.Errorf("%w: %s %s", ErrNotFound, s.kind, id)
	}
	updated := current.Clone()
	updated.Fields = raw
	updated.UpdatedAt = s.nextTimestamp(current)
	s.entities[updated.ID] = updated
	s.persistLocked(ctx)
	s.mu.Unlock()

	return updated.Clone(), s.sender.Send(ctx, models.NewEvent(models.EntityUpdated{Entity: updated.Clone()}, updated.UpdatedAt))
}

// Delete soft-deletes id and emits ENTRY_DELETED.
func (s *EntityStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	current, ok := s.liveLocked(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrNotFound, s.kind, id)
	}
	deletedAt := s.nextTimestamp(current)
	tomb := reconcile.Tombstone(models.EntityDeleted{Kind: s.kind, ID: current.ID, DeletedAt: deletedAt}, &current)
	s.entities[tomb.ID] = tomb
	s.persistLocked(ctx)
	s.mu.Unlock()

	return s.sender.Send(ctx, models.NewEvent(models.EntityDeleted{Kind: s.kind, ID: tomb.ID, DeletedAt: deletedAt}, deletedAt))
}

// Get returns a live entity. Provisional ids keep resolving after confirmation.
func (s *EntityStore) Get(id string) (models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.liveLocked(id)
	if !ok {
		return models.Entity{}, fmt.Errorf("%w: %s %s", ErrNotFound, s.kind, id)
	}
	return e.Clone(), nil
}

// List returns live entities ordered by creation time.
func (s *EntityStore) List() []models.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if !e.Deleted() {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len counts live entities.
func (s *EntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entities {
		if !e.Deleted() {
			n++
		}
	}
	return n
}

// Register subscribes the store to the inbound events of its kind.
func (s *EntityStore) Register(d *dispatcher.Dispatcher) []dispatcher.Subscription {
	return []dispatcher.Subscription{
		dispatcher.Subscribe(d, func(ctx context.Context, _ models.SyncEvent, p models.EntityCreated) error {
			if p.Entity.Kind != s.kind {
				return nil
			}
			s.applyRemote(ctx, p.Entity)
			return nil
		}),
		dispatcher.Subscribe(d, func(ctx context.Context, _ models.SyncEvent, p models.EntityUpdated) error {
			if p.Entity.Kind != s.kind {
				return nil
			}
			s.applyRemote(ctx, p.Entity)
			return nil
		}),
		dispatcher.Subscribe(d, func(ctx context.Context, _ models.SyncEvent, p models.EntityDeleted) error {
			if p.Kind != s.kind {
				return nil
			}
			s.applyDelete(ctx, p)
			return nil
		}),
		dispatcher.Subscribe(d, func(ctx context.Context, _ models.SyncEvent, p models.BulkSnapshot) error {
			for _, e := range p.Entities {
				if e.Kind == s.kind {
					s.applyRemote(ctx, e)
				}
			}
			return nil
		}),
		dispatcher.Subscribe(d, func(ctx context.Context, _ models.SyncEvent, p models.ConflictNotice) error {
			if p.Kind != s.kind {
				return nil
			}
			s.log.Warnw("Authority reported a conflict", "kind", p.Kind, "id", p.ID, "message", p.Message)
			if p.Entity != nil && p.Entity.Kind == s.kind {
				s.applyRemote(ctx, *p.Entity)
			}
			return nil
		}),
	}
}

// applyRemote merges one authority snapshot. A confirmation of a locally
// created entity replaces the provisional record outright.
func (s *EntityStore) applyRemote(ctx context.Context, incoming models.Entity) {
	if incoming.ID == "" {
		s.log.Warnw("Ignoring entity without id", "kind", s.kind)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if incoming.ClientID != "" && incoming.ClientID != incoming.ID {
		if local, ok := s.entities[incoming.ClientID]; ok && models.IsProvisional(incoming.ClientID) {
			tr := reconcile.ReplaceProvisional(local, incoming)
			delete(s.entities, tr.Remove)
			s.entities[tr.Put.ID] = tr.Put
			s.aliases[tr.Remove] = tr.Put.ID
			s.persistLocked(ctx)
			metrics.IncReconcileDecision(string(s.kind), "replace_provisional")
			s.log.Debugw("Provisional entity confirmed", "provisional", tr.Remove, "id", tr.Put.ID)
			return
		}
	}

	s.mergeLocked(ctx, incoming)
}

func (s *EntityStore) applyDelete(ctx context.Context, p models.EntityDeleted) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.resolveLocked(p.ID)
	var current *models.Entity
	if e, ok := s.entities[id]; ok {
		current = &e
	}
	p.ID = id
	s.mergeLocked(ctx, reconcile.Tombstone(p, current))
}

func (s *EntityStore) mergeLocked(ctx context.Context, incoming models.Entity) {
	var current *models.Entity
	if e, ok := s.entities[incoming.ID]; ok {
		current = &e
	}

	res := reconcile.Reconcile(incoming, current)
	metrics.IncReconcileDecision(string(s.kind), res.Decision.String())
	if !res.Accepted() {
		s.log.Debugw("Kept local entity", "id", incoming.ID, "incoming", incoming.UpdatedAt, "local", current.UpdatedAt)
		return
	}
	s.entities[res.Entity.ID] = res.Entity
	s.persistLocked(ctx)
}

func (s *EntityStore) resolveLocked(id string) string {
	if confirmed, ok := s.aliases[id]; ok {
		return confirmed
	}
	return id
}

func (s *EntityStore) liveLocked(id string) (models.Entity, bool) {
	e, ok := s.entities[s.resolveLocked(id)]
	if !ok || e.Deleted() {
		return models.Entity{}, false
	}
	return e, true
}

// nextTimestamp keeps local edits strictly after the version they replace.
func (s *EntityStore) nextTimestamp(current models.Entity) time.Time {
	now := s.now()
	if !now.After(current.UpdatedAt) {
		now = current.UpdatedAt.Add(time.Millisecond)
	}
	return now
}

func (s *EntityStore) load(ctx context.Context) {
	raw, err := s.kv.Get(ctx, Key(s.kind))
	if errors.Is(err, kvstore.ErrNotFound) {
		return
	}
	if err != nil {
		s.degradeLocked("read", err)
		return
	}

	var entities []models.Entity
	if err := json.Unmarshal(raw, &entities); err != nil {
		s.log.Warnw("Discarding unreadable entity snapshot", "kind", s.kind, "error", err)
		return
	}
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		e.Kind = s.kind
		s.entities[e.ID] = e
		if e.ClientID != "" && e.ClientID != e.ID {
			s.aliases[e.ClientID] = e.ID
		}
	}
	s.log.Debugw("Entities loaded", "kind", s.kind, "count", len(s.entities))
}

func (s *EntityStore) persistLocked(ctx context.Context) {
	if !s.persistent {
		return
	}

	all := make([]models.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	data, err := json.Marshal(all)
	if err != nil {
		s.degradeLocked("encode", err)
		return
	}
	if err := s.kv.Set(ctx, Key(s.kind), data); err != nil {
		s.degradeLocked("write", err)
	}
}

func (s *EntityStore) degradeLocked(op string, err error) {
	if !s.persistent {
		return
	}
	s.persistent = false
	metrics.IncStorageDegraded("entity_store")
	s.log.Warnw("Entity storage failed, continuing in memory", "kind", s.kind, "op", op, "error", err)
}
