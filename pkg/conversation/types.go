package conversation

import (
	"time"

	"github.com/teslashibe/go-voicelink/pkg/protocol"
)

// ConnectionState represents the transport connection state.
type ConnectionState int

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates connection is being established.
	StateConnecting
	// StateConnected indicates an active connection.
	StateConnected
	// StateReconnecting indicates a reconnect is scheduled or in progress.
	StateReconnecting
)

// String returns a human-readable connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Session is the conversation negotiated with the backend.
type Session struct {
	ConnectionID string
	LanguageCode string
	VoiceName    string
	Active       bool
	Lead         *protocol.LeadContext
	StartedAt    time.Time
}

// Status is a snapshot of the manager for display.
type Status struct {
	Connection ConnectionState `json:"connection"`
	Session    SessionState    `json:"session"`
	Recording  bool            `json:"recording"`
	Language   string          `json:"language"`
	Attempts   int             `json:"attempts"`
}
