package backend

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/teslashibe/go-voicelink/pkg/protocol"
)

// Session is one client connection and the conversation running on it.
type Session struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time

	mu           sync.Mutex
	writeMu      sync.Mutex
	lastSeen     time.Time
	started      bool
	active       bool
	languageCode string
	voiceName    string
	lead         *protocol.LeadContext
	turnAudio    []byte
	turnRate     int
	turns        int
}

// Send writes a message to the client.
func (s *Session) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.Conn.WriteMessage(websocket.TextMessage, data)
}

// Info is a snapshot of a session for the API.
type Info struct {
	ID           string    `json:"id"`
	Connected    time.Time `json:"connected"`
	LastSeen     time.Time `json:"last_seen"`
	Active       bool      `json:"active"`
	LanguageCode string    `json:"language_code,omitempty"`
	VoiceName    string    `json:"voice_name,omitempty"`
	Lead         string    `json:"lead,omitempty"`
	Turns        int       `json:"turns"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	inf := Info{
		ID:           s.ID,
		Connected:    s.Connected,
		LastSeen:     s.lastSeen,
		Active:       s.active,
		LanguageCode: s.languageCode,
		VoiceName:    s.voiceName,
		Turns:        s.turns,
	}
	if s.lead != nil {
		inf.Lead = s.lead.Name
	}
	return inf
}
