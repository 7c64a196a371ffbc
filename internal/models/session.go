package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents one device connected to the relay.
type Session struct {
	ID           string    `json:"id"`
	Identity     string    `json:"identity"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func NewSession(identity, remoteAddr string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		Identity:     identity,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
