package models

import (
	"time"
)

// EntityRecord is the relay's latest snapshot of one entity.
// DeletedAt is a plain column rather than gorm.DeletedAt: tombstones must
// still be returned by BULK_SYNC so other devices learn about the delete.
//
// UpdatedAt is the originating device's clock and only matters to
// last-write-wins on devices. ReceivedAt is stamped by the relay on every
// write and is what BULK_SYNC selects on, so an old edit replayed late is
// still resent to devices that synced after it was made.
type EntityRecord struct {
	ID        string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	Identity  string     `gorm:"type:varchar(128);not null;index:idx_entity_identity_received" json:"identity"`
	Kind      EntityKind `gorm:"type:varchar(32);not null" json:"kind"`
	ClientID  string     `gorm:"type:varchar(64);index" json:"client_id,omitempty"`
	Fields    []byte     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime:false" json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`

	ReceivedAt time.Time `gorm:"not null;index:idx_entity_identity_received" json:"received_at"`
}

// TableName override
func (EntityRecord) TableName() string {
	return "sync_entities"
}

// ToEntity converts the stored row back to the wire envelope.
func (r EntityRecord) ToEntity() Entity {
	e := Entity{
		ID:        r.ID,
		Kind:      r.Kind,
		ClientID:  r.ClientID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: r.DeletedAt,
	}
	if len(r.Fields) > 0 {
		e.Fields = append(e.Fields, r.Fields...)
	}
	return e
}

// EntityRecordFrom builds a row for identity from a wire entity received at receivedAt.
func EntityRecordFrom(identity string, e Entity, receivedAt time.Time) EntityRecord {
	return EntityRecord{
		ID:        e.ID,
		Identity:  identity,
		Kind:      e.Kind,
		ClientID:  e.ClientID,
		Fields:    []byte(e.Fields),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		DeletedAt: e.DeletedAt,

		ReceivedAt: receivedAt,
	}
}
