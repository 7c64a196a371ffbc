package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/ksuid"
)

// EntityKind names one of the synchronized domain record types.
type EntityKind string

const (
	KindLogEntry       EntityKind = "log_entry"
	KindGoal           EntityKind = "goal"
	KindPracticePlan   EntityKind = "practice_plan"
	KindPlanOccurrence EntityKind = "plan_occurrence"
)

// AllKinds lists every synchronized entity kind.
var AllKinds = []EntityKind{KindLogEntry, KindGoal, KindPracticePlan, KindPlanOccurrence}

// Valid reports whether k is a synchronized kind.
func (k EntityKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ProvisionalPrefix marks ids generated on the device before the authority confirmed creation.
const ProvisionalPrefix = "local_"

// NewProvisionalID returns a time-ordered device-local id.
func NewProvisionalID() string {
	return ProvisionalPrefix + ksuid.New().String()
}

// IsProvisional reports whether id was generated locally and is still unconfirmed.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Entity is the synchronized envelope shared by every domain record.
// ClientID keeps the provisional id an entity was created with, so the
// authority's confirmation can be matched back to the local record.
type Entity struct {
	ID        string          `json:"id"`
	Kind      EntityKind      `json:"kind"`
	ClientID  string          `json:"clientId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	DeletedAt *time.Time      `json:"deletedAt,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// Deleted reports whether the entity is a tombstone.
func (e Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// DecodeFields unmarshals the domain fields into v.
func (e Entity) DecodeFields(v any) error {
	if len(e.Fields) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Fields, v); err != nil {
		return fmt.Errorf("failed to decode %s fields: %w", e.Kind, err)
	}
	return nil
}

// EncodeFields marshals a domain struct into the raw Fields representation.
func EncodeFields(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	return json.RawMessage(data), nil
}

// Clone returns a copy that shares no mutable state with e.
func (e Entity) Clone() Entity {
	out := e
	if e.DeletedAt != nil {
		deletedAt := *e.DeletedAt
		out.DeletedAt = &deletedAt
	}
	if e.Fields != nil {
		out.Fields = append(json.RawMessage(nil), e.Fields...)
	}
	return out
}

// Domain field shapes. Validation of these belongs to the application layer;
// the sync engine only moves them around.

// LogEntry records one practice session.
type LogEntry struct {
	PracticedAt     time.Time `json:"practicedAt"`
	DurationMinutes int       `json:"durationMinutes"`
	Instrument      string    `json:"instrument,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	GoalIDs         []string  `json:"goalIds,omitempty"`
}

// Goal is a practice target.
type Goal struct {
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	TargetMinutes int        `json:"targetMinutes,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	Completed     bool       `json:"completed"`
}

// PracticePlan is a recurring practice routine. Recurrence is interpreted by
// the calendar generator, not by this module.
type PracticePlan struct {
	Title      string    `json:"title"`
	Recurrence string    `json:"recurrence"`
	StartsOn   time.Time `json:"startsOn"`
	Items      []string  `json:"items,omitempty"`
}

// PlanOccurrence is one scheduled instance of a plan.
type PlanOccurrence struct {
	PlanID       string     `json:"planId"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	LogEntryID   string     `json:"logEntryId,omitempty"`
}
