// Package backend is a reference voice backend speaking the voicelink wire
// protocol over a fiber WebSocket route. It echoes user audio and text back
// so clients can be exercised end to end without a real AI service.
package backend

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-voicelink/pkg/protocol"
	"github.com/teslashibe/go-voicelink/pkg/transcript"
)

// Protocol error codes sent in error messages.
const (
	CodeProtocolViolation = "protocol_violation"
	CodeBadPayload        = "bad_payload"
	CodeUnknownType       = "unknown_type"
)

// Options configures the backend behavior.
type Options struct {
	// DefaultLanguage is used when start carries no language code.
	DefaultLanguage string

	// Voices maps a base language ("en", "es") to a voice name.
	Voices map[string]string

	// DefaultVoice is used for languages missing from Voices.
	DefaultVoice string

	// EchoFrameBytes is the PCM16 size of each echoed audio frame.
	EchoFrameBytes int

	// CloseAfterTurns sends session_closed after that many turns. 0 disables.
	CloseAfterTurns int

	// Transcribe produces the user transcript for a finished turn.
	Transcribe func(pcm []byte, sampleRate int, languageCode string) string

	// Reply produces the assistant text for a user message.
	Reply func(text, languageCode string) string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		DefaultLanguage: "en-US",
		Voices: map[string]string{
			"en": "Puck",
			"es": "Kore",
			"de": "Charon",
			"fr": "Aoede",
		},
		DefaultVoice:   "Puck",
		EchoFrameBytes: 4800,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.DefaultLanguage == "" {
		o.DefaultLanguage = d.DefaultLanguage
	}
	if o.Voices == nil {
		o.Voices = d.Voices
	}
	if o.DefaultVoice == "" {
		o.DefaultVoice = d.DefaultVoice
	}
	if o.EchoFrameBytes <= 0 {
		o.EchoFrameBytes = d.EchoFrameBytes
	}
	if o.EchoFrameBytes%2 != 0 {
		o.EchoFrameBytes++
	}
	if o.Transcribe == nil {
		o.Transcribe = describeAudio
	}
	if o.Reply == nil {
		o.Reply = func(text, _ string) string { return "You said: " + text }
	}
}

func describeAudio(pcm []byte, rate int, _ string) string {
	if rate <= 0 {
		rate = 16000
	}
	d := time.Duration(len(pcm)/2) * time.Second / time.Duration(rate)
	return fmt.Sprintf("[%s of audio]", d.Round(10*time.Millisecond))
}

// Server manages voice sessions.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	audioFramesIn    atomic.Uint64
	protocolErrors   atomic.Uint64
}

// New creates a backend server.
func New(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Server{
		opts:     opts,
		logger:   logger.With("component", "backend.server"),
		sessions: make(map[string]*Session),
	}
}

// RegisterRoutes registers the WebSocket route on a fiber app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(s.handleConn))
}

func (s *Server) handleConn(c *websocket.Conn) {
	sess := &Session{
		ID:        uuid.NewString(),
		Conn:      c,
		Connected: time.Now(),
		lastSeen:  time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	count := len(s.sessions)
	s.mu.Unlock()

	logger := s.logger.With("connection_id", sess.ID)
	logger.Info("client connected", "sessions", count)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		count := len(s.sessions)
		s.mu.Unlock()
		logger.Info("client disconnected", "sessions", count)
	}()

	if msg, err := protocol.NewMessage(protocol.TypeConnected, struct{}{}); err == nil {
		s.send(sess, msg)
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			logger.Debug("read ended", "error", err)
			return
		}

		sess.mu.Lock()
		sess.lastSeen = time.Now()
		sess.mu.Unlock()

		s.messagesReceived.Add(1)
		s.handleMessage(sess, logger, data)
	}
}

func (s *Server) handleMessage(sess *Session, logger *slog.Logger, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.fail(sess, CodeBadPayload, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeStart:
		s.handleStart(sess, logger, msg)

	case protocol.TypeUserAudio:
		p, err := msg.GetUserAudio()
		if err != nil {
			s.fail(sess, CodeBadPayload, err.Error())
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(p.AudioData)
		if err != nil {
			s.fail(sess, CodeBadPayload, "audioData is not base64")
			return
		}
		_, rate := protocol.ParseAudioMime(p.MimeType)

		sess.mu.Lock()
		active := sess.active
		if active {
			sess.turnAudio = append(sess.turnAudio, pcm...)
			if rate > 0 {
				sess.turnRate = rate
			}
		}
		sess.mu.Unlock()

		if !active {
			s.fail(sess, CodeProtocolViolation, "user_audio before session_started")
			return
		}
		s.audioFramesIn.Add(1)

	case protocol.TypeTurnComplete:
		s.handleTurn(sess, logger)

	case protocol.TypeUserMessage:
		p, err := msg.GetUserMessage()
		if err != nil {
			s.fail(sess, CodeBadPayload, err.Error())
			return
		}
		lang, ok := s.activeLanguage(sess)
		if !ok {
			s.fail(sess, CodeProtocolViolation, "user_message before session_started")
			return
		}
		s.sendTranscript(sess, s.opts.Reply(p.Message, lang), "assistant")

	case protocol.TypeUserImage:
		var p protocol.UserImagePayload
		if err := msg.ParsePayload(&p); err != nil {
			s.fail(sess, CodeBadPayload, err.Error())
			return
		}
		if _, ok := s.activeLanguage(sess); !ok {
			s.fail(sess, CodeProtocolViolation, "user_image before session_started")
			return
		}
		s.sendTranscript(sess, fmt.Sprintf("Received %s image (%d bytes)", p.MimeType, base64.StdEncoding.DecodedLen(len(p.ImageData))), "assistant")

	default:
		s.fail(sess, CodeUnknownType, "unknown message type "+string(msg.Type))
	}
}

func (s *Server) handleStart(sess *Session, logger *slog.Logger, msg *protocol.Message) {
	p, err := msg.GetStart()
	if err != nil {
		s.fail(sess, CodeBadPayload, err.Error())
		return
	}

	sess.mu.Lock()
	if sess.started {
		sess.mu.Unlock()
		s.fail(sess, CodeProtocolViolation, "duplicate start on one connection")
		return
	}
	lang := p.LanguageCode
	if lang == "" {
		lang = s.opts.DefaultLanguage
	}
	sess.started = true
	sess.active = true
	sess.languageCode = lang
	sess.voiceName = s.voiceFor(lang)
	sess.lead = p.LeadContext
	voice := sess.voiceName
	sess.mu.Unlock()

	logger.Info("session started", "language", lang, "voice", voice)
	started, err := protocol.NewSessionStartedMessage(sess.ID, lang, voice)
	if err == nil {
		s.send(sess, started)
	}
}

func (s *Server) voiceFor(lang string) string {
	if v, ok := s.opts.Voices[transcript.Base(lang)]; ok {
		return v
	}
	return s.opts.DefaultVoice
}

func (s *Server) activeLanguage(sess *Session) (string, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.languageCode, sess.active
}

func (s *Server) handleTurn(sess *Session, logger *slog.Logger) {
	sess.mu.Lock()
	if !sess.active {
		// Clients may end a turn while the handshake is still in flight.
		sess.mu.Unlock()
		logger.Debug("turn_complete without active session ignored")
		return
	}
	pcm := sess.turnAudio
	rate := sess.turnRate
	lang := sess.languageCode
	sess.turnAudio = nil
	sess.turns++
	turns := sess.turns
	closeNow := s.opts.CloseAfterTurns > 0 && turns >= s.opts.CloseAfterTurns
	sess.mu.Unlock()

	if rate <= 0 {
		rate = 16000
	}
	logger.Debug("turn complete", "bytes", len(pcm), "turn", turns)

	if len(pcm) > 0 {
		s.sendFinalTranscript(sess, s.opts.Transcribe(pcm, rate, lang), "user")
		for off := 0; off < len(pcm); off += s.opts.EchoFrameBytes {
			end := min(off+s.opts.EchoFrameBytes, len(pcm))
			if msg, err := protocol.NewAudioMessage(pcm[off:end], rate); err == nil {
				s.send(sess, msg)
			}
		}
	}

	if closeNow {
		s.CloseSession(sess.ID)
	}
}

func (s *Server) sendTranscript(sess *Session, text, role string) {
	if msg, err := protocol.NewTranscriptMessage(text, role, false); err == nil {
		s.send(sess, msg)
	}
}

func (s *Server) sendFinalTranscript(sess *Session, text, role string) {
	if msg, err := protocol.NewTranscriptMessage(text, role, true); err == nil {
		s.send(sess, msg)
	}
}

func (s *Server) fail(sess *Session, code, text string) {
	s.protocolErrors.Add(1)
	s.logger.Warn("protocol error", "connection_id", sess.ID, "code", code, "message", text)
	if msg, err := protocol.NewErrorMessage(code, text); err == nil {
		s.send(sess, msg)
	}
}

func (s *Server) send(sess *Session, msg *protocol.Message) {
	if err := sess.Send(msg); err != nil {
		s.logger.Debug("send failed", "connection_id", sess.ID, "type", msg.Type, "error", err)
		return
	}
	s.messagesSent.Add(1)
}

func (s *Server) session(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "session not connected")
	}
	return sess, nil
}

// CloseSession sends session_closed and stops accepting session data.
// The connection stays open.
func (s *Server) CloseSession(id string) error {
	return s.endSession(id, protocol.TypeSessionClosed)
}

// EndSession sends session_ended; otherwise like CloseSession.
func (s *Server) EndSession(id string) error {
	return s.endSession(id, protocol.TypeSessionEnded)
}

func (s *Server) endSession(id string, t protocol.MessageType) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.active = false
	sess.turnAudio = nil
	sess.mu.Unlock()

	msg, err := protocol.NewMessage(t, struct{}{})
	if err != nil {
		return err
	}
	s.send(sess, msg)
	return nil
}

// ResumeSession announces a fresh session on a connection whose previous
// session was closed, without a new start.
func (s *Server) ResumeSession(id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if !sess.started {
		sess.mu.Unlock()
		return fiber.NewError(fiber.StatusConflict, "session never started")
	}
	sess.active = true
	lang, voice := sess.languageCode, sess.voiceName
	sess.mu.Unlock()

	msg, err := protocol.NewSessionStartedMessage(sess.ID, lang, voice)
	if err != nil {
		return err
	}
	s.send(sess, msg)
	return nil
}

// Disconnect closes the connection with a close frame carrying code.
func (s *Server) Disconnect(id string, code int, reason string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return sess.Conn.Close()
}

// Drop closes the network connection without a close frame, which the
// client observes as an abnormal closure.
func (s *Server) Drop(id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.Conn.UnderlyingConn().Close()
}

// Sessions returns info about all connections.
func (s *Server) Sessions() []Info {
	s.mu.RLock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.RUnlock()

	infos := make([]Info, 0, len(list))
	for _, sess := range list {
		infos = append(infos, sess.info())
	}
	return infos
}

// SessionIDs returns the ids of all connections.
func (s *Server) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SessionCount returns the number of open connections.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats contains server statistics.
type Stats struct {
	Sessions         int    `json:"sessions"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	AudioFramesIn    uint64 `json:"audio_frames_in"`
	ProtocolErrors   uint64 `json:"protocol_errors"`
}

// GetStats returns server statistics.
func (s *Server) GetStats() Stats {
	return Stats{
		Sessions:         s.SessionCount(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		AudioFramesIn:    s.audioFramesIn.Load(),
		ProtocolErrors:   s.protocolErrors.Load(),
	}
}

// RegisterAPIRoutes registers session management routes.
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	sessions := api.Group("/sessions")

	sessions.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": s.Sessions(),
			"count":    s.SessionCount(),
		})
	})

	sessions.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.GetStats())
	})

	sessions.Post("/:id/close", func(c *fiber.Ctx) error {
		if err := s.CloseSession(c.Params("id")); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"status": "closed"})
	})

	sessions.Post("/:id/resume", func(c *fiber.Ctx) error {
		if err := s.ResumeSession(c.Params("id")); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"status": "resumed"})
	})

	sessions.Post("/:id/drop", func(c *fiber.Ctx) error {
		if err := s.Drop(c.Params("id")); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"status": "dropped"})
	})
}
