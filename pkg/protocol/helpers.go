package protocol

import (
	"encoding/base64"
	"fmt"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewStartMessage creates the session handshake message
func NewStartMessage(languageCode string, lead *LeadContext) (*Message, error) {
	p := StartPayload{LanguageCode: languageCode}
	if !lead.IsZero() {
		p.LeadContext = lead
	}
	return NewMessage(TypeStart, p)
}

// NewUserAudioMessage creates a microphone audio message from raw PCM16 bytes
func NewUserAudioMessage(pcm []byte, sampleRate int) (*Message, error) {
	return NewMessage(TypeUserAudio, UserAudioPayload{
		AudioData: base64.StdEncoding.EncodeToString(pcm),
		MimeType:  AudioMime(sampleRate),
	})
}

// NewTurnCompleteMessage creates an end-of-utterance message
func NewTurnCompleteMessage() (*Message, error) {
	return NewMessage(TypeTurnComplete, struct{}{})
}

// NewUserTextMessage creates a text-only input message
func NewUserTextMessage(text string) (*Message, error) {
	return NewMessage(TypeUserMessage, UserMessagePayload{Message: text})
}

// NewUserImageMessage creates a vision frame message from raw image bytes
func NewUserImageMessage(image []byte, mimeType, sourceType string) (*Message, error) {
	return NewMessage(TypeUserImage, UserImagePayload{
		ImageData:  base64.StdEncoding.EncodeToString(image),
		MimeType:   mimeType,
		SourceType: sourceType,
	})
}

// NewSessionStartedMessage creates the handshake acknowledgement (backend side)
func NewSessionStartedMessage(connectionID, languageCode, voiceName string) (*Message, error) {
	return NewMessage(TypeSessionStarted, SessionStartedPayload{
		ConnectionID: connectionID,
		LanguageCode: languageCode,
		VoiceName:    voiceName,
	})
}

// NewTranscriptMessage creates a transcript update (backend side)
func NewTranscriptMessage(text, role string, final bool) (*Message, error) {
	return NewMessage(TypeTranscript, TranscriptPayload{Text: text, Role: role, IsFinal: final})
}

// NewAudioMessage creates a synthesized speech frame (backend side)
func NewAudioMessage(pcm []byte, sampleRate int) (*Message, error) {
	return NewMessage(TypeAudio, AudioPayload{
		AudioData:  base64.StdEncoding.EncodeToString(pcm),
		MimeType:   AudioMime(sampleRate),
		SampleRate: sampleRate,
		Encoding:   "pcm16",
	})
}

// NewErrorMessage creates a protocol error (backend side)
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{Code: code, Message: message})
}

// =============================================================================
// Helper functions for parsing message payloads
// =============================================================================

func (m *Message) expect(t MessageType) error {
	if m.Type != t {
		return fmt.Errorf("expected %s message, got %s", t, m.Type)
	}
	return nil
}

// GetStart extracts the start payload
func (m *Message) GetStart() (*StartPayload, error) {
	if err := m.expect(TypeStart); err != nil {
		return nil, err
	}
	var p StartPayload
	if err := m.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetUserAudio extracts the user audio payload
func (m *Message) GetUserAudio() (*UserAudioPayload, error) {
	if err := m.expect(TypeUserAudio); err != nil {
		return nil, err
	}
	var p UserAudioPayload
	if err := m.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetUserMessage extracts the text input payload
func (m *Message) GetUserMessage() (*UserMessagePayload, error) {
	if err := m.expect(TypeUserMessage); err != nil {
		return nil, err
	}
	var p UserMessagePayload
	if err := m.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetSessionStarted extracts the handshake acknowledgement payload
func (m *Message) GetSessionStarted() (*SessionStartedPayload, error) {
	if err := m.expect(TypeSessionStarted); err != nil {
		return nil, err
	}
	var p SessionStartedPayload
	if err := m.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetTranscript extracts the transcript payload
func (m *Message) GetTranscript() (*TranscriptPayload, error) {
	if err := m.expect(TypeTranscript); err != nil {
		return nil, err
	}
	var p TranscriptPayload
	if err := m.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetAudio extracts the synthesized audio payload
func (m *Message) GetAudio() (*AudioPayload, error) {
	if err := m.expect(TypeAudio); err != nil {
		return nil, err
	}
	var p AudioPayload
	if err := m.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetError extracts the error payload
func (m *Message) GetError() (*ErrorPayload, error) {
	if err := m.expect(TypeError); err != nil {
		return nil, err
	}
	var p ErrorPayload
	if err := m.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
