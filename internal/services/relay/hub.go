// Package relay is a development authority for the sync engine: it fans
// mutations out to every session of the same identity, confirms creations
// with authority ids and answers SYNC_REQUEST from its entity snapshots.
// It keeps whatever arrives last and performs no conflict resolution.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"practice-sync/internal/metrics"
	"practice-sync/internal/middleware"
	"practice-sync/internal/models"
	"practice-sync/internal/reconcile"
	"practice-sync/internal/repository"
	"practice-sync/internal/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

/*
HUB

  register / unregister / broadcast  → one loop goroutine owns the session sets
  Handle                              → runs on the sender's read goroutine

Mutations of one hub are applied under relayMu so id assignment for a
provisional id and the snapshot write happen together.
*/

// EventSink receives relayed events for the event log.
type EventSink interface {
	Submit(job PersistJob) error
}

type HubOption func(*Hub)

// WithIDGenerator replaces the authority id source.
func WithIDGenerator(newID func() string) HubOption {
	return func(h *Hub) {
		if newID != nil {
			h.newID = newID
		}
	}
}

// WithClock replaces time.Now for receive stamps.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithIdleTimeout sets how long a silent session is kept.
func WithIdleTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.idleTimeout = d
		}
	}
}

type Hub struct {
	identities map[string]map[*Session]struct{} // identity -> sessions
	register   chan *Session
	unregister chan *Session
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	relayMu     sync.Mutex
	entities    services.EntityRepository
	sink        EventSink
	newID       func() string
	now         func() time.Time
	received    time.Time // last receive stamp, guarded by relayMu
	idleTimeout time.Duration
	log         *zap.SugaredLogger

	done     chan struct{}
	stopOnce sync.Once
}

// BroadcastMessage is delivered to every session of Identity except Exclude.
type BroadcastMessage struct {
	Identity string
	Message  []byte
	Exclude  *Session
}

func NewHub(entities services.EntityRepository, sink EventSink, log *zap.SugaredLogger, opts ...HubOption) *Hub {
	h := &Hub{
		identities:  make(map[string]map[*Session]struct{}),
		register:    make(chan *Session),
		unregister:  make(chan *Session),
		broadcast:   make(chan *BroadcastMessage, sendBuffer),
		entities:    entities,
		sink:        sink,
		newID:       uuid.NewString,
		now:         func() time.Time { return time.Now().UTC() },
		idleTimeout: 5 * time.Minute,
		log:         log,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start runs the session loop and the idle cleanup.
func (h *Hub) Start() {
	go func() {
		for {
			select {
			case <-h.done:
				return
			case s := <-h.register:
				h.handleRegister(s)
			case s := <-h.unregister:
				h.handleUnregister(s)
			case msg := <-h.broadcast:
				h.handleBroadcast(msg)
			}
		}
	}()
	go h.cleanupLoop(30 * time.Second)

	h.log.Info("Relay hub started")
}

func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.done:
		s.closeSend()
	}
}

func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Broadcast queues message for identity's sessions.
func (h *Hub) Broadcast(identity string, message []byte, exclude *Session) {
	select {
	case h.broadcast <- &BroadcastMessage{Identity: identity, Message: message, Exclude: exclude}:
	case <-h.done:
	}
}

func (h *Hub) handleRegister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.identities[s.Identity] == nil {
		h.identities[s.Identity] = make(map[*Session]struct{})
	}
	h.identities[s.Identity][s] = struct{}{}
	metrics.SetRelaySessions(h.countLocked())

	h.log.Infow("Session joined", "session", s.ID, "identity", s.Identity, "devices", len(h.identities[s.Identity]))
}

func (h *Hub) handleUnregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	sessions, ok := h.identities[s.Identity]
	if !ok {
		return
	}
	if _, ok := sessions[s]; !ok {
		return
	}
	delete(sessions, s)
	s.closeSend()
	if len(sessions) == 0 {
		delete(h.identities, s.Identity)
	}
	metrics.SetRelaySessions(h.countLocked())

	h.log.Infow("Session left", "session", s.ID, "identity", s.Identity, "remaining", len(sessions))
}

func (h *Hub) handleBroadcast(msg *BroadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.identities[msg.Identity] {
		if s == msg.Exclude {
			continue
		}
		if !s.enqueue(msg.Message) {
			h.log.Warnw("Session buffer full, dropping session", "session", s.ID, "identity", s.Identity)
			h.removeLocked(s)
		}
	}
}

func (h *Hub) countLocked() int {
	n := 0
	for _, sessions := range h.identities {
		n += len(sessions)
	}
	return n
}

// Sessions returns a snapshot of identity's connected sessions.
func (h *Hub) Sessions(identity string) []models.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.Session, 0, len(h.identities[identity]))
	for s := range h.identities[identity] {
		out = append(out, s.snapshot())
	}
	return out
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// Handle processes one inbound message from s.
func (h *Hub) Handle(ctx context.Context, s *Session, data []byte) {
	event, err := models.DecodeEvent(data)
	if err != nil {
		metrics.IncInboundDropped()
		middleware.AddSpanError(ctx, err)
		h.log.Warnw("Dropping malformed message", "session", s.ID, "error", err)
		return
	}
	middleware.AddSpanEvent(ctx, "decoded", attribute.String("event.type", string(event.Type)))

	switch p := event.Payload.(type) {
	case models.Ping:
	case models.SyncRequest:
		h.answerSyncRequest(ctx, s, p)
	case models.EntityCreated:
		h.relayEntity(ctx, s, event, p.Entity, true)
	case models.EntityUpdated:
		h.relayEntity(ctx, s, event, p.Entity, false)
	case models.EntityDeleted:
		h.relayDelete(ctx, s, event, p)
	default:
		h.log.Debugw("Ignoring client message", "type", event.Type, "session", s.ID)
	}
}

// answerSyncRequest replies to s alone with a BULK_SYNC of everything the
// relay wrote at or after the client's watermark. Selection uses receive
// stamps, not the devices' UpdatedAt, and the answer is stamped with the
// newest receive stamp it carries.
func (h *Hub) answerSyncRequest(ctx context.Context, s *Session, req models.SyncRequest) {
	records, err := h.entities.ListReceivedSince(ctx, s.Identity, req.LastSyncTime)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		h.log.Warnw("Sync request failed", "identity", s.Identity, "error", err)
		return
	}

	// an empty answer must not move the client's watermark
	ts := req.LastSyncTime
	if ts.IsZero() {
		ts = time.Unix(0, 0)
	}
	entities := make([]models.Entity, 0, len(records))
	for _, rec := range records {
		entities = append(entities, rec.ToEntity())
		if rec.ReceivedAt.After(ts) {
			ts = rec.ReceivedAt
		}
	}

	data, err := models.EncodeEvent(models.NewEvent(models.BulkSnapshot{Entities: entities}, ts))
	if err != nil {
		h.log.Errorw("Failed to encode bulk sync", "error", err)
		return
	}
	if !s.enqueue(data) {
		h.log.Warnw("Session buffer full, dropping bulk sync", "session", s.ID)
		return
	}
	metrics.IncRelayedEvents(string(models.EventTypeBulkSync))
	h.log.Debugw("Answered sync request", "identity", s.Identity, "since", req.LastSyncTime, "entities", len(entities))
}

// relayEntity stores a created or updated snapshot and fans it out. An entity
// still carrying a provisional id gets its authority id here; the first time
// that id is seen the event goes out as ENTRY_CREATED to every session,
// the sender included, so the originating device can swap its record.
func (h *Hub) relayEntity(ctx context.Context, s *Session, event models.SyncEvent, entity models.Entity, created bool) {
	if !entity.Kind.Valid() || entity.ID == "" {
		metrics.IncInboundDropped()
		h.log.Warnw("Dropping entity without valid kind or id", "kind", entity.Kind, "session", s.ID)
		return
	}

	h.relayMu.Lock()
	defer h.relayMu.Unlock()

	confirm := created
	if models.IsProvisional(entity.ID) {
		id, known, err := h.authorityID(ctx, s.Identity, entity.ID)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			h.log.Warnw("Failed to resolve provisional id", "id", entity.ID, "error", err)
			return
		}
		if !known {
			confirm = true
		}
		entity.ClientID = entity.ID
		entity.ID = id
	}

	rec := models.EntityRecordFrom(s.Identity, entity, h.receiveStamp())
	if err := h.entities.Upsert(ctx, &rec); err != nil {
		middleware.AddSpanError(ctx, err)
		h.log.Warnw("Failed to store entity", "id", entity.ID, "error", err)
		return
	}

	if confirm {
		h.publish(ctx, s, models.NewEvent(models.EntityCreated{Entity: entity}, event.Timestamp), nil)
		return
	}
	h.publish(ctx, s, models.NewEvent(models.EntityUpdated{Entity: entity}, event.Timestamp), s)
}

func (h *Hub) relayDelete(ctx context.Context, s *Session, event models.SyncEvent, p models.EntityDeleted) {
	if !p.Kind.Valid() || p.ID == "" {
		metrics.IncInboundDropped()
		h.log.Warnw("Dropping delete without valid kind or id", "kind", p.Kind, "session", s.ID)
		return
	}

	h.relayMu.Lock()
	defer h.relayMu.Unlock()

	if models.IsProvisional(p.ID) {
		rec, err := h.entities.ByClientID(ctx, s.Identity, p.ID)
		if errors.Is(err, repository.ErrNotFound) {
			// never confirmed, so no other device knows it
			h.log.Debugw("Ignoring delete of unconfirmed entity", "id", p.ID)
			return
		}
		if err != nil {
			h.log.Warnw("Failed to resolve provisional id", "id", p.ID, "error", err)
			return
		}
		p.ID = rec.ID
	}

	var current *models.Entity
	rec, err := h.entities.GetByID(ctx, s.Identity, p.ID)
	switch {
	case err == nil:
		e := rec.ToEntity()
		current = &e
	case !errors.Is(err, repository.ErrNotFound):
		middleware.AddSpanError(ctx, err)
		h.log.Warnw("Failed to load entity for delete", "id", p.ID, "error", err)
		return
	}

	tomb := models.EntityRecordFrom(s.Identity, reconcile.Tombstone(p, current), h.receiveStamp())
	if err := h.entities.Upsert(ctx, &tomb); err != nil {
		middleware.AddSpanError(ctx, err)
		h.log.Warnw("Failed to store tombstone", "id", p.ID, "error", err)
		return
	}

	h.publish(ctx, s, models.NewEvent(p, event.Timestamp), s)
}

// receiveStamp is the relay clock, never earlier than the previous stamp.
// Callers hold relayMu.
func (h *Hub) receiveStamp() time.Time {
	now := h.now()
	if now.Before(h.received) {
		now = h.received
	}
	h.received = now
	return now
}

// authorityID returns the id already assigned to provisional, or a new one.
func (h *Hub) authorityID(ctx context.Context, identity, provisional string) (string, bool, error) {
	rec, err := h.entities.ByClientID(ctx, identity, provisional)
	switch {
	case err == nil:
		return rec.ID, true, nil
	case errors.Is(err, repository.ErrNotFound):
		return h.newID(), false, nil
	default:
		return "", false, err
	}
}

func (h *Hub) publish(ctx context.Context, s *Session, event models.SyncEvent, exclude *Session) {
	data, err := models.EncodeEvent(event)
	if err != nil {
		h.log.Errorw("Failed to encode relayed event", "type", event.Type, "error", err)
		return
	}

	h.Broadcast(s.Identity, data, exclude)
	metrics.IncRelayedEvents(string(event.Type))

	if h.sink != nil {
		if err := h.sink.Submit(PersistJob{Identity: s.Identity, Event: event, Raw: data}); err != nil {
			h.log.Debugw("Event not logged", "type", event.Type, "error", err)
		}
	}
	middleware.AddSpanEvent(ctx, "relayed", attribute.String("event.type", string(event.Type)))
}

func (h *Hub) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.cleanup(time.Now())
		}
	}
}

// cleanup closes sessions that stayed silent longer than the idle timeout.
// Their read pumps fail and unregister them.
func (h *Hub) cleanup(now time.Time) {
	h.mu.RLock()
	var idle []*Session
	for _, sessions := range h.identities {
		for s := range sessions {
			if now.Sub(s.lastActive()) > h.idleTimeout {
				idle = append(idle, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range idle {
		h.log.Infow("Closing inactive session", "session", s.ID, "identity", s.Identity)
		_ = s.conn.Close()
	}
}

// Shutdown closes every session with 1001 so clients reconnect elsewhere.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		h.log.Info("Shutting down relay hub...")
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()

		for _, sessions := range h.identities {
			for s := range sessions {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
					time.Now().Add(writeWait))
				s.closeSend()
				_ = s.conn.Close()
			}
		}
		h.identities = make(map[string]map[*Session]struct{})
		metrics.SetRelaySessions(0)
		h.log.Info("Relay hub shutdown complete")
	})
}

// Session is one connected device.
type Session struct {
	*models.Session
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.Mutex
	closed bool
}

func NewSession(hub *Hub, conn *websocket.Conn, identity, remoteAddr string) *Session {
	return &Session{
		Session: models.NewSession(identity, remoteAddr),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		hub:     hub,
	}
}

// enqueue reports false when the session is closed or its buffer is full.
func (s *Session) enqueue(message []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.send <- message:
		return true
	default:
		return false
	}
}

func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActiveAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastActiveAt
}

func (s *Session) snapshot() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.Session
}

// ReadPump reads messages until the connection fails, then unregisters.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.hub.Unregister(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.hub.log.Debugw("Session read failed", "session", s.ID, "error", err)
			}
			return
		}

		s.touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		msgCtx, span := middleware.StartSpan(ctx, "Relay.ProcessMessage",
			attribute.String("session.id", s.ID),
			attribute.String("identity", s.Identity),
			attribute.Int("message.size", len(message)),
		)
		s.hub.Handle(msgCtx, s, message)
		span.End()
	}
}

// WritePump is the only writer of data frames on the connection.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
