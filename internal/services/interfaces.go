package services

import (
	"context"
	"time"

	"practice-sync/internal/models"
)

/*
Repository interfaces live with their consumer. The relay declares only the
methods it calls; repository returns concrete types and knows nothing about
these interfaces.
*/

// EntityRepository is the relay's view of the entity snapshot table.
type EntityRepository interface {
	Upsert(ctx context.Context, rec *models.EntityRecord) error
	GetByID(ctx context.Context, identity, id string) (*models.EntityRecord, error)
	ByClientID(ctx context.Context, identity, clientID string) (*models.EntityRecord, error)
	ListReceivedSince(ctx context.Context, identity string, since time.Time) ([]*models.EntityRecord, error)
	PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventRepository is the relay's view of the relayed event log.
type EventRepository interface {
	Append(ctx context.Context, rec *models.EventRecord) error
	Since(ctx context.Context, identity string, since time.Time, limit int) ([]*models.EventRecord, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
