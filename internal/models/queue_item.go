package models

import "time"

// OfflineQueueItem is a mutation waiting for a live connection.
type OfflineQueueItem struct {
	Event    SyncEvent `json:"event"`
	QueuedAt time.Time `json:"queuedAt"`
}
