package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
RELAY EVENT LOG

The relay appends every mutation it forwards. The log is an audit trail and
lets operators replay what a device sent; BULK_SYNC answers are built from
EntityRecord snapshots, not from this table.
*/

// EventRecord stores a single relayed mutation event.
type EventRecord struct {
	ID         string     `gorm:"type:varchar(27);primaryKey" json:"id"`
	Identity   string     `gorm:"type:varchar(128);not null;index:idx_identity_time" json:"identity"`
	Type       EventType  `gorm:"type:varchar(32);not null" json:"type"`
	EntityKind EntityKind `gorm:"type:varchar(32)" json:"entity_kind"`
	EntityID   string     `gorm:"type:varchar(64);index" json:"entity_id"`
	Payload    []byte     `gorm:"not null" json:"-"` // wire encoding, timestamp untouched
	Timestamp  time.Time  `gorm:"column:occurred_at;index:idx_identity_time" json:"timestamp"`
	CreatedAt  time.Time  `json:"created_at"`
}

// BeforeCreate generates KSUID
func (r *EventRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (EventRecord) TableName() string {
	return "sync_events"
}
