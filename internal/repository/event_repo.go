package repository

import (
	"context"
	"fmt"
	"time"

	"practice-sync/internal/models"

	"gorm.io/gorm"
)

/*
RELAYED EVENT LOG

Every mutation the relay forwards is appended here with its wire encoding
and original timestamp. Query patterns:
- Append:      persist one relayed event (worker pool)
- Since:       events an identity produced after a point in time
- PruneBefore: retention cleanup
*/

type EventRepositoryImpl struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepositoryImpl {
	return &EventRepositoryImpl{db: db}
}

// Append stores one relayed event. The KSUID is generated in BeforeCreate.
func (r *EventRepositoryImpl) Append(ctx context.Context, rec *models.EventRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Since returns identity's events stamped after since, oldest first.
func (r *EventRepositoryImpl) Since(ctx context.Context, identity string, since time.Time, limit int) ([]*models.EventRecord, error) {
	var records []*models.EventRecord

	q := r.db.WithContext(ctx).
		Where("identity = ? AND occurred_at > ?", identity, since).
		Order("occurred_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return records, nil
}

// PruneBefore removes events recorded before cutoff.
// Call periodically to prevent unbounded growth.
func (r *EventRepositoryImpl) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.EventRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
