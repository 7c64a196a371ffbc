package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is one persisted key.
type Entry struct {
	Key       string    `gorm:"type:varchar(255);primaryKey"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName override
func (Entry) TableName() string {
	return "kv_entries"
}

// GormStore persists keys in a single table through GORM. On devices this is
// an embedded SQLite file; any gorm dialect works.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db. The kv_entries table must exist (see Entry); db.Open migrates it.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where(&Entry{Key: key}).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return entry.Value, nil
}

func (s *GormStore) Set(ctx context.Context, key string, value []byte) error {
	entry := Entry{Key: key, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *GormStore) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&Entry{Key: key}).Error; err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}
