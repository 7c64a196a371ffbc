package models

// ConnectionState is the lifecycle state of the sync connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Gauge maps the state to a numeric value for metrics.
func (s ConnectionState) Gauge() float64 {
	switch s {
	case StateDisconnected:
		return 0
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	default:
		return -1
	}
}
