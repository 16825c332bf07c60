// Package protocol defines the WebSocket message types exchanged between the
// voice client and the speech backend.
//
// Every frame is a JSON text message of the form {"type": ..., "payload": ...}.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Backend messages
	TypeStart        MessageType = "start"         // Session handshake
	TypeUserAudio    MessageType = "user_audio"    // Captured microphone frame
	TypeTurnComplete MessageType = "turn_complete" // End of user utterance
	TypeUserMessage  MessageType = "user_message"  // Text-only input
	TypeUserImage    MessageType = "user_image"    // Auxiliary vision frame

	// Backend → Client messages
	TypeConnected      MessageType = "connected"       // Transport acknowledged
	TypeSessionStarted MessageType = "session_started" // Handshake complete
	TypeSessionEnded   MessageType = "session_ended"   // Session ended after a local stop
	TypeSessionClosed  MessageType = "session_closed"  // Session closed by the backend
	TypeTranscript     MessageType = "transcript"      // Transcript update
	TypeAudio          MessageType = "audio"           // Synthesized speech frame
	TypeError          MessageType = "error"           // Backend-reported error
)

// Close codes with special meaning to the connection manager.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// IsIntentionalClose reports whether a close code means the peer or the
// client deliberately ended the connection.
func IsIntentionalClose(code int) bool {
	return code == CloseNormal || code == CloseGoingAway
}

// Kind partitions messages for the outbound queue.
type Kind int

const (
	// KindControl messages may leave as soon as the transport is open.
	KindControl Kind = iota
	// KindAudio messages wait for an active session and are bound to one transport.
	KindAudio
	// KindSessionData messages wait for an active session but survive reconnects.
	KindSessionData
	// KindServer marks backend-originated messages.
	KindServer
)

// String returns a human-readable kind.
func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindAudio:
		return "audio"
	case KindSessionData:
		return "session_data"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Message is the envelope for all WebSocket messages
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a new message with the payload marshaled to JSON
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
	}

	return &Message{
		Type:    msgType,
		Payload: raw,
	}, nil
}

// ParsePayload unmarshals the message payload into the provided struct
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// Kind classifies the message for queueing.
func (m *Message) Kind() Kind {
	switch m.Type {
	case TypeStart, TypeTurnComplete:
		return KindControl
	case TypeUserAudio:
		return KindAudio
	case TypeUserMessage, TypeUserImage:
		return KindSessionData
	default:
		return KindServer
	}
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Client → Backend payloads
// =============================================================================

// LeadContext is optional caller-supplied context forwarded in the handshake.
type LeadContext struct {
	Name      string   `json:"name,omitempty" yaml:"name"`
	Company   string   `json:"company,omitempty" yaml:"company"`
	Role      string   `json:"role,omitempty" yaml:"role"`
	Interests []string `json:"interests,omitempty" yaml:"interests"`
}

// IsZero reports whether no field is set.
func (c *LeadContext) IsZero() bool {
	return c == nil || (c.Name == "" && c.Company == "" && c.Role == "" && len(c.Interests) == 0)
}

// StartPayload opens a logical session on a fresh transport.
type StartPayload struct {
	LeadContext  *LeadContext `json:"leadContext,omitempty"`
	LanguageCode string       `json:"languageCode"`
}

// UserAudioPayload carries one captured audio frame.
type UserAudioPayload struct {
	AudioData string `json:"audioData"` // base64 encoded PCM16 LE
	MimeType  string `json:"mimeType"`  // e.g. "audio/pcm;rate=16000"
}

// UserMessagePayload carries text-only input.
type UserMessagePayload struct {
	Message string `json:"message"`
}

// UserImagePayload carries an auxiliary vision frame.
type UserImagePayload struct {
	ImageData  string `json:"imageData"` // base64 encoded
	MimeType   string `json:"mimeType"`
	SourceType string `json:"sourceType"` // "camera", "screen", "upload"
}

// =============================================================================
// Backend → Client payloads
// =============================================================================

// SessionStartedPayload completes the handshake.
type SessionStartedPayload struct {
	ConnectionID string `json:"connectionId"`
	LanguageCode string `json:"languageCode"`
	VoiceName    string `json:"voiceName"`
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TranscriptPayload carries transcript text.
type TranscriptPayload struct {
	Text    string `json:"text"`
	Role    string `json:"role,omitempty"`    // "user" or "assistant"
	IsFinal bool   `json:"isFinal,omitempty"` // segment is complete
}

// Speaker returns the role, treating a missing role as the user's speech.
func (p *TranscriptPayload) Speaker() string {
	if p.Role == "" {
		return RoleUser
	}
	return p.Role
}

// AudioPayload carries one frame of synthesized speech.
type AudioPayload struct {
	AudioData  string `json:"audioData"` // base64 encoded
	MimeType   string `json:"mimeType,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Encoding   string `json:"encoding,omitempty"` // "pcm16" when omitted
}

// Rate returns the declared sample rate, or 0 if the frame declares none.
func (p *AudioPayload) Rate() int {
	if p.SampleRate > 0 {
		return p.SampleRate
	}
	_, rate := ParseAudioMime(p.MimeType)
	return rate
}

// ErrorPayload is a backend-reported protocol error.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// AudioMime formats the PCM mime type for a sample rate.
func AudioMime(sampleRate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(sampleRate)
}

// ParseAudioMime splits "audio/pcm;rate=24000" into its base type and rate.
// The rate is 0 when absent or malformed.
func ParseAudioMime(mime string) (string, int) {
	parts := strings.Split(mime, ";")
	base := strings.TrimSpace(parts[0])
	rate := 0
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rate = n
		}
	}
	return base, rate
}
