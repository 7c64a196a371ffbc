package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"practice-sync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("record not found")

// EntityRepositoryImpl stores the relay's latest snapshot of every entity.
// It returns concrete types; the services package declares what it needs.
type EntityRepositoryImpl struct {
	db *gorm.DB
}

func NewEntityRepository(db *gorm.DB) *EntityRepositoryImpl {
	return &EntityRepositoryImpl{db: db}
}

// Upsert writes rec as the current snapshot. The relay keeps whatever
// arrived last; ordering between devices is settled on the devices.
func (r *EntityRepositoryImpl) Upsert(ctx context.Context, rec *models.EntityRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"kind", "client_id", "fields", "updated_at", "deleted_at", "received_at"}),
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", rec.ID, err)
	}
	return nil
}

// GetByID returns the snapshot of id owned by identity.
func (r *EntityRepositoryImpl) GetByID(ctx context.Context, identity, id string) (*models.EntityRecord, error) {
	var rec models.EntityRecord

	err := r.db.WithContext(ctx).
		Where(&models.EntityRecord{ID: id, Identity: identity}).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &rec, nil
}

// ByClientID finds the entity a device created under a provisional id.
func (r *EntityRepositoryImpl) ByClientID(ctx context.Context, identity, clientID string) (*models.EntityRecord, error) {
	var rec models.EntityRecord

	err := r.db.WithContext(ctx).
		Where(&models.EntityRecord{Identity: identity, ClientID: clientID}).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: client id %s", ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity by client id: %w", err)
	}
	return &rec, nil
}

// ListReceivedSince returns identity's entities, tombstones included, that
// the relay wrote at or after since, oldest write first. A zero since returns
// everything. Ties are included so nothing stamped exactly at the watermark
// is missed.
func (r *EntityRepositoryImpl) ListReceivedSince(ctx context.Context, identity string, since time.Time) ([]*models.EntityRecord, error) {
	var records []*models.EntityRecord

	q := r.db.WithContext(ctx).Where(&models.EntityRecord{Identity: identity})
	if !since.IsZero() {
		q = q.Where("received_at >= ?", since)
	}
	if err := q.Order("received_at ASC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return records, nil
}

// PurgeTombstones permanently removes tombstones deleted before cutoff.
func (r *EntityRepositoryImpl) PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Delete(&models.EntityRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", result.Error)
	}
	return result.RowsAffected, nil
}
