package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

/*
SYNC EVENTS

Every message on the wire and every item in the offline queue is a SyncEvent.

  Local store edit → ENTRY_CREATED / ENTRY_UPDATED / ENTRY_DELETED → transport or offline queue
  (Re)connect      → SYNC_REQUEST{lastSyncTime} → authority answers with BULK_SYNC
  Authority        → CONFLICT_DETECTED (informational, never queued)
  Keep-alive       → PING (never dispatched to domain handlers)

The payload is a closed set of types. The payload's concrete type decides the event type,
so a SyncEvent cannot carry a payload that disagrees with its Type.
*/

// EventType identifies the kind of a SyncEvent on the wire.
type EventType string

const (
	EventTypeEntryCreated     EventType = "ENTRY_CREATED"
	EventTypeEntryUpdated     EventType = "ENTRY_UPDATED"
	EventTypeEntryDeleted     EventType = "ENTRY_DELETED"
	EventTypeBulkSync         EventType = "BULK_SYNC"
	EventTypeSyncRequest      EventType = "SYNC_REQUEST"
	EventTypeConflictDetected EventType = "CONFLICT_DETECTED"
	EventTypePing             EventType = "PING"

	// EventTypeAny is the wildcard used for dispatcher registrations. It never appears on the wire.
	EventTypeAny EventType = "*"
)

// ErrInvalidEvent is returned for events that cannot be encoded or decoded.
var ErrInvalidEvent = errors.New("invalid sync event")

// IsMutation reports whether events of this type change a domain entity.
func (t EventType) IsMutation() bool {
	switch t {
	case EventTypeEntryCreated, EventTypeEntryUpdated, EventTypeEntryDeleted:
		return true
	default:
		return false
	}
}

// Known reports whether t is part of the wire protocol.
func (t EventType) Known() bool {
	switch t {
	case EventTypeEntryCreated, EventTypeEntryUpdated, EventTypeEntryDeleted,
		EventTypeBulkSync, EventTypeSyncRequest, EventTypeConflictDetected, EventTypePing:
		return true
	default:
		return false
	}
}

// Payload is the type-specific part of a SyncEvent.
type Payload interface {
	EventType() EventType
	isPayload()
}

// EntityCreated carries the full snapshot of a newly created entity.
type EntityCreated struct {
	Entity Entity
}

// EntityUpdated carries the full snapshot of an updated entity.
type EntityUpdated struct {
	Entity Entity
}

// EntityDeleted identifies a soft-deleted entity.
type EntityDeleted struct {
	Kind      EntityKind
	ID        string
	DeletedAt time.Time
}

// BulkSnapshot carries every entity the authority considers newer than the client's watermark.
type BulkSnapshot struct {
	Entities []Entity
}

// SyncRequest asks the authority to resend everything after LastSyncTime.
// A zero LastSyncTime means the client has never reconciled.
type SyncRequest struct {
	LastSyncTime time.Time
}

// ConflictNotice is an informational message from the authority.
type ConflictNotice struct {
	Kind    EntityKind
	ID      string
	Message string
	Entity  *Entity
}

// Ping is the heartbeat payload.
type Ping struct{}

func (EntityCreated) EventType() EventType  { return EventTypeEntryCreated }
func (EntityUpdated) EventType() EventType  { return EventTypeEntryUpdated }
func (EntityDeleted) EventType() EventType  { return EventTypeEntryDeleted }
func (BulkSnapshot) EventType() EventType   { return EventTypeBulkSync }
func (SyncRequest) EventType() EventType    { return EventTypeSyncRequest }
func (ConflictNotice) EventType() EventType { return EventTypeConflictDetected }
func (Ping) EventType() EventType           { return EventTypePing }

func (EntityCreated) isPayload()  {}
func (EntityUpdated) isPayload()  {}
func (EntityDeleted) isPayload()  {}
func (BulkSnapshot) isPayload()   {}
func (SyncRequest) isPayload()    {}
func (ConflictNotice) isPayload() {}
func (Ping) isPayload()           {}

// SyncEvent is the wire and queue unit.
type SyncEvent struct {
	Type      EventType
	Timestamp time.Time
	Payload   Payload
}

// NewEvent stamps payload with ts. The timestamp is owned by the originator.
func NewEvent(payload Payload, ts time.Time) SyncEvent {
	return SyncEvent{
		Type:      payload.EventType(),
		Timestamp: ts.UTC(),
		Payload:   payload,
	}
}

// Validate checks the invariants every outbound event must satisfy.
func (e SyncEvent) Validate() error {
	if e.Payload == nil {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidEvent, e.Type)
	}
	if e.Payload.EventType() != e.Type {
		return fmt.Errorf("%w: type %s does not match payload %s", ErrInvalidEvent, e.Type, e.Payload.EventType())
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: %s has no timestamp", ErrInvalidEvent, e.Type)
	}
	return nil
}

// EntityRef returns the kind and id a mutation event targets.
func (e SyncEvent) EntityRef() (EntityKind, string, bool) {
	switch p := e.Payload.(type) {
	case EntityCreated:
		return p.Entity.Kind, p.Entity.ID, true
	case EntityUpdated:
		return p.Entity.Kind, p.Entity.ID, true
	case EntityDeleted:
		return p.Kind, p.ID, true
	default:
		return "", "", false
	}
}

// DedupKey is the offline-queue identity of a mutation: at most one queued item per key.
func (e SyncEvent) DedupKey() (string, bool) {
	if !e.Type.IsMutation() {
		return "", false
	}
	kind, id, ok := e.EntityRef()
	if !ok || id == "" {
		return "", false
	}
	return fmt.Sprintf("%s|%s|%s", e.Type, kind, id), true
}

// wireEvent is the flat JSON shape: { type, timestamp, ...type-specific fields }.
type wireEvent struct {
	Type         EventType  `json:"type"`
	Timestamp    time.Time  `json:"timestamp"`
	EntityType   EntityKind `json:"entityType,omitempty"`
	Entity       *Entity    `json:"entity,omitempty"`
	ID           string     `json:"id,omitempty"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
	Entities     []Entity   `json:"entities,omitempty"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
	Message      string     `json:"message,omitempty"`
}

// MarshalJSON flattens the payload into the wire object.
func (e SyncEvent) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: %s has no payload", ErrInvalidEvent, e.Type)
	}
	w := wireEvent{Type: e.Payload.EventType(), Timestamp: e.Timestamp}

	switch p := e.Payload.(type) {
	case EntityCreated:
		entity := p.Entity
		w.EntityType = entity.Kind
		w.Entity = &entity
	case EntityUpdated:
		entity := p.Entity
		w.EntityType = entity.Kind
		w.Entity = &entity
	case EntityDeleted:
		deletedAt := p.DeletedAt
		w.EntityType = p.Kind
		w.ID = p.ID
		w.DeletedAt = &deletedAt
	case BulkSnapshot:
		w.Entities = p.Entities
		if w.Entities == nil {
			w.Entities = []Entity{}
		}
	case SyncRequest:
		if !p.LastSyncTime.IsZero() {
			last := p.LastSyncTime
			w.LastSyncTime = &last
		}
	case ConflictNotice:
		w.EntityType = p.Kind
		w.ID = p.ID
		w.Message = p.Message
		w.Entity = p.Entity
	case Ping:
	}

	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the typed payload from the wire object.
func (e *SyncEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if w.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}

	var payload Payload
	switch w.Type {
	case EventTypeEntryCreated, EventTypeEntryUpdated:
		if w.Entity == nil {
			return fmt.Errorf("%w: %s without entity", ErrInvalidEvent, w.Type)
		}
		entity := *w.Entity
		if entity.Kind == "" {
			entity.Kind = w.EntityType
		}
		if w.Type == EventTypeEntryCreated {
			payload = EntityCreated{Entity: entity}
		} else {
			payload = EntityUpdated{Entity: entity}
		}
	case EventTypeEntryDeleted:
		if w.ID == "" {
			return fmt.Errorf("%w: %s without id", ErrInvalidEvent, w.Type)
		}
		deleted := EntityDeleted{Kind: w.EntityType, ID: w.ID, DeletedAt: w.Timestamp}
		if w.DeletedAt != nil {
			deleted.DeletedAt = *w.DeletedAt
		}
		payload = deleted
	case EventTypeBulkSync:
		payload = BulkSnapshot{Entities: w.Entities}
	case EventTypeSyncRequest:
		req := SyncRequest{}
		if w.LastSyncTime != nil {
			req.LastSyncTime = *w.LastSyncTime
		}
		payload = req
	case EventTypeConflictDetected:
		payload = ConflictNotice{Kind: w.EntityType, ID: w.ID, Message: w.Message, Entity: w.Entity}
	case EventTypePing:
		payload = Ping{}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, w.Type)
	}

	*e = SyncEvent{Type: w.Type, Timestamp: w.Timestamp, Payload: payload}
	return nil
}

// EncodeEvent serializes an event for the transport.
func EncodeEvent(e SyncEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e.MarshalJSON()
}

// DecodeEvent parses one wire message.
func DecodeEvent(data []byte) (SyncEvent, error) {
	var e SyncEvent
	if err := e.UnmarshalJSON(data); err != nil {
		return SyncEvent{}, err
	}
	return e, nil
}
