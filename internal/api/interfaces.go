package api

import (
	"context"
	"time"

	"practice-sync/internal/engine"
	"practice-sync/internal/models"
)

// Handlers declare the interfaces they consume; the relay and engine
// packages return concrete types.

// SessionDirectory lists connected devices.
type SessionDirectory interface {
	Sessions(identity string) []models.Session
	SessionCount() int
}

// EntitySnapshots reads the relay's entity table.
type EntitySnapshots interface {
	ListReceivedSince(ctx context.Context, identity string, since time.Time) ([]*models.EntityRecord, error)
}

// EventLog reads the relay's event log.
type EventLog interface {
	Since(ctx context.Context, identity string, since time.Time, limit int) ([]*models.EventRecord, error)
}

// EngineStatus is what the daemon's status server needs from the engine.
type EngineStatus interface {
	Status() engine.Status
	LocalEntities(kind models.EntityKind) ([]models.Entity, error)
}
