// Package reconcile decides whether an incoming entity snapshot replaces the
// local one. It performs no I/O; stores apply the result.
package reconcile

import (
	"practice-sync/internal/models"
)

// Decision is the outcome of a merge.
type Decision int

const (
	// DecisionAcceptNew means there was no local copy.
	DecisionAcceptNew Decision = iota
	// DecisionAcceptNewer means the incoming snapshot is strictly newer.
	DecisionAcceptNewer
	// DecisionKeepCurrent means the local copy is as new or newer; incoming is discarded.
	DecisionKeepCurrent
)

func (d Decision) String() string {
	switch d {
	case DecisionAcceptNew:
		return "accept_new"
	case DecisionAcceptNewer:
		return "accept_newer"
	case DecisionKeepCurrent:
		return "keep_current"
	default:
		return "unknown"
	}
}

// Result carries the entity the store should hold after the merge.
type Result struct {
	Entity   models.Entity
	Decision Decision
}

// Accepted reports whether the store must write Result.Entity.
func (r Result) Accepted() bool {
	return r.Decision != DecisionKeepCurrent
}

// Reconcile applies last-write-wins on UpdatedAt. Ties keep the current
// copy. A delete is an update carrying DeletedAt and follows the same rule.
func Reconcile(incoming models.Entity, current *models.Entity) Result {
	if current == nil {
		return Result{Entity: incoming.Clone(), Decision: DecisionAcceptNew}
	}
	if incoming.UpdatedAt.After(current.UpdatedAt) {
		return Result{Entity: incoming.Clone(), Decision: DecisionAcceptNewer}
	}
	return Result{Entity: current.Clone(), Decision: DecisionKeepCurrent}
}

// Tombstone turns a delete notification into the update that represents it.
func Tombstone(deleted models.EntityDeleted, current *models.Entity) models.Entity {
	var out models.Entity
	if current != nil {
		out = current.Clone()
	} else {
		out = models.Entity{ID: deleted.ID, Kind: deleted.Kind}
	}
	deletedAt := deleted.DeletedAt
	out.DeletedAt = &deletedAt
	out.UpdatedAt = deleted.DeletedAt
	return out
}

// Transition is a provisional-to-confirmed swap. The store removes Remove and
// puts Put under one lock so both records never coexist.
type Transition struct {
	Remove string
	Put    models.Entity
}

// ReplaceProvisional builds the swap of local, still under its provisional
// id, for the authority's confirmed record. The swap itself is never
// timestamp-compared; both records are the same logical entity. Edits made
// locally after the creation was sent are newer than the confirmation's
// snapshot and are carried onto the confirmed id.
func ReplaceProvisional(local, confirmed models.Entity) Transition {
	put := confirmed.Clone()
	if local.UpdatedAt.After(confirmed.UpdatedAt) {
		edited := local.Clone()
		put.Fields = edited.Fields
		put.UpdatedAt = edited.UpdatedAt
		put.DeletedAt = edited.DeletedAt
	}
	return Transition{Remove: local.ID, Put: put}
}
