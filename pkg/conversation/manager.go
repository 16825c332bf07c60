// Package conversation runs a real-time voice session against a streaming
// backend: it owns the transport, the outbound queue, microphone capture,
// inbound playback and the transcript, and exposes a small event surface.
//
// Example usage:
//
//	m, err := conversation.New(
//	    conversation.WithURL("wss://voice.example.com/ws"),
//	    conversation.WithLanguage("en-US"),
//	    conversation.WithSource(mic),
//	    conversation.WithPlayer(speaker),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	m.OnTranscript(func(role, text string, isFinal bool) {
//	    fmt.Println(role, text)
//	})
//
//	if err := m.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	m.StartRecording(ctx)
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-voicelink/pkg/capture"
	"github.com/teslashibe/go-voicelink/pkg/metrics"
	"github.com/teslashibe/go-voicelink/pkg/outbound"
	"github.com/teslashibe/go-voicelink/pkg/playback"
	"github.com/teslashibe/go-voicelink/pkg/protocol"
	"github.com/teslashibe/go-voicelink/pkg/transcript"
	"github.com/teslashibe/go-voicelink/pkg/transport"
)

const storeTimeout = 2 * time.Second

// Manager is the session manager. All state is guarded by one mutex and
// user callbacks run after it is released.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	turns   *metrics.TurnTimer

	transport *transport.Manager
	queue     *outbound.Queue
	playback  *playback.Queue
	recorder  *capture.Recorder
	acc       *transcript.Accumulator

	mu        sync.Mutex
	life      lifecycle
	conn      ConnectionState
	session   *Session
	language  string
	lead      *protocol.LeadContext
	err       *Error
	recording bool
	closed    bool
	lastConn  ConnectionState
	lastSess  SessionState

	onState      func(ConnectionState, SessionState)
	onTranscript func(role, text string, isFinal bool)
	onRecording  func(bool)
	onError      func(*Error)
	onAudio      func(protocol.AudioPayload)
}

// New creates a Manager. It does not connect.
func New(opts ...Option) (*Manager, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, transport.ErrInvalidURL) {
			return nil, &Error{Kind: KindTransport, Terminal: true, Err: err}
		}
		return nil, err
	}

	m := &Manager{
		cfg:      *cfg,
		logger:   cfg.Logger.With("component", "conversation.manager"),
		metrics:  metrics.New(cfg.MetricsNamespace),
		acc:      transcript.NewAccumulator(),
		language: cfg.LanguageCode,
		lead:     cfg.LeadContext,
	}
	m.turns = metrics.NewTurnTimer(m.metrics)
	m.transport = transport.NewManager(cfg.Transport, cfg.Dialer, transportEvents{m}, cfg.Logger, m.metrics)
	m.queue = outbound.New(m.transport, cfg.Queue, cfg.Logger, m.metrics)
	if cfg.Player != nil {
		m.playback = playback.New(cfg.Player, cfg.Logger, m.metrics, m.playbackError)
	}
	if cfg.Source != nil {
		m.recorder = capture.NewRecorder(cfg.Source, cfg.Capture, cfg.Logger)
	}
	return m, nil
}

// callbacks collects user callbacks to run once the mutex is released.
type callbacks []func()

func (m *Manager) unlock(cbs callbacks) {
	m.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

// stateChangedLocked queues OnStateChange if either state moved.
func (m *Manager) stateChangedLocked(cbs callbacks) callbacks {
	c, s := m.conn, m.life.state
	if c == m.lastConn && s == m.lastSess {
		return cbs
	}
	m.lastConn, m.lastSess = c, s
	m.logger.Debug("state changed", "connection", c, "session", s)
	if fn := m.onState; fn != nil {
		cbs = append(cbs, func() { fn(c, s) })
	}
	return cbs
}

// setErrorLocked fills the error slot. A terminal error is only replaced by
// another terminal error.
func (m *Manager) setErrorLocked(e *Error, cbs callbacks) callbacks {
	if m.err == nil || !m.err.Terminal || e.Terminal {
		m.err = e
	}
	m.metrics.Error(e.Kind.String())
	if e.Terminal {
		m.logger.Error("terminal error", "kind", e.Kind, "error", e.Err)
	} else {
		m.logger.Warn("error", "kind", e.Kind, "error", e.Err)
	}
	if fn := m.onError; fn != nil {
		cbs = append(cbs, func() { fn(e) })
	}
	return cbs
}

func (m *Manager) clearTransientErrorLocked() {
	if m.err != nil && !m.err.Terminal {
		m.err = nil
	}
}

func (m *Manager) reportError(err error) {
	m.mu.Lock()
	cbs := m.setErrorLocked(classify(err), nil)
	m.unlock(cbs)
}

func (m *Manager) playbackError(err error) {
	if playback.IsDecodeError(err) {
		m.reportError(err)
		return
	}
	m.reportError(fmt.Errorf("playback: %w", err))
}

// Connect opens the transport. Readiness is reported through OnStateChange;
// the start handshake is sent automatically once the link is open. Connect
// clears the error slot.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.life.apply(evConnect, "")
	m.err = nil
	if m.conn != StateConnected {
		m.conn = StateConnecting
	}
	cbs := m.stateChangedLocked(nil)
	m.unlock(cbs)

	if err := m.transport.Connect(ctx); err != nil {
		m.mu.Lock()
		m.conn = StateDisconnected
		cbs := m.setErrorLocked(classify(err), nil)
		cbs = m.stateChangedLocked(cbs)
		m.unlock(cbs)
		return err
	}
	return nil
}

// Stop ends the session locally: it closes the transport without reconnect,
// stops recording and clears queued messages, the session and the transcript.
func (m *Manager) Stop() {
	m.stop(false)
}

func (m *Manager) stop(keepRecording bool) {
	m.mu.Lock()
	wasRecording := m.recording
	for _, a := range m.life.apply(evStop, "") {
		switch a {
		case actClearQueue:
			m.queue.Clear()
		case actClearSession:
			m.session = nil
		case actClearTranscript:
			m.acc.Reset()
		case actCloseTransport:
			m.queue.CloseTransport()
		}
	}
	m.conn = StateDisconnected
	if !keepRecording {
		m.recording = false
	}
	cbs := m.stateChangedLocked(nil)
	if wasRecording && !keepRecording {
		if fn := m.onRecording; fn != nil {
			cbs = append(cbs, func() { fn(false) })
		}
	}
	m.unlock(cbs)

	if wasRecording && !keepRecording {
		m.recorder.Stop()
	}
	if m.playback != nil {
		m.playback.Clear()
	}
	if err := m.transport.Close(); err != nil {
		m.logger.Debug("transport close", "error", err)
	}
	m.logger.Info("session stopped")
}

// StartRecording starts microphone capture. Frames are queued until the
// session is active. ctx bounds starting the device only.
func (m *Manager) StartRecording(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.recorder == nil:
		m.mu.Unlock()
		return ErrNoAudioSource
	case m.recording:
		m.mu.Unlock()
		return capture.ErrAlreadyRecording
	}
	m.mu.Unlock()

	if err := m.recorder.Start(context.WithoutCancel(ctx), captureEvents{m}); err != nil {
		if errors.Is(err, capture.ErrAlreadyRecording) {
			return err
		}
		m.reportError(err)
		return err
	}

	m.mu.Lock()
	m.recording = true
	m.clearTransientErrorLocked()
	var cbs callbacks
	if fn := m.onRecording; fn != nil {
		cbs = append(cbs, func() { fn(true) })
	}
	m.unlock(cbs)
	return nil
}

// StopRecording stops capture, sends the trailing partial frame and then
// turn_complete immediately, without waiting for the silence debounce.
func (m *Manager) StopRecording() {
	m.mu.Lock()
	if !m.recording {
		m.mu.Unlock()
		return
	}
	m.recording = false
	var cbs callbacks
	if fn := m.onRecording; fn != nil {
		cbs = append(cbs, func() { fn(false) })
	}
	m.unlock(cbs)

	m.recorder.Stop()
	m.TurnComplete()
}

// SendAudio queues caller-supplied PCM16 mono audio at the capture rate.
func (m *Manager) SendAudio(pcm []byte) error {
	msg, err := protocol.NewUserAudioMessage(pcm, m.cfg.Capture.SampleRate)
	if err != nil {
		return err
	}
	return m.enqueue(msg)
}

// TurnComplete marks the end of the user's utterance.
func (m *Manager) TurnComplete() error {
	msg, err := protocol.NewTurnCompleteMessage()
	if err != nil {
		return err
	}
	if err := m.enqueue(msg); err != nil {
		return err
	}
	m.turns.MarkTurnEnd()
	return nil
}

// SendText sends a typed user message.
func (m *Manager) SendText(text string) error {
	msg, err := protocol.NewUserTextMessage(text)
	if err != nil {
		return err
	}
	return m.enqueue(msg)
}

// SendImage sends an image, e.g. a camera snapshot or screen capture.
func (m *Manager) SendImage(data []byte, mimeType, sourceType string) error {
	msg, err := protocol.NewUserImageMessage(data, mimeType, sourceType)
	if err != nil {
		return err
	}
	return m.enqueue(msg)
}

func (m *Manager) enqueue(msg *protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrClosed
	case m.life.state == SessionEndedLocally:
		return ErrStopped
	}
	m.queue.Enqueue(msg)
	return nil
}

// SetLanguage sets the preferred language for the next handshake.
func (m *Manager) SetLanguage(code string) {
	m.mu.Lock()
	m.language = code
	m.mu.Unlock()
}

// SetLeadContext sets the caller context for the next handshake.
func (m *Manager) SetLeadContext(lc *protocol.LeadContext) {
	m.mu.Lock()
	m.lead = lc
	m.mu.Unlock()
}

// Language returns the preferred language.
func (m *Manager) Language() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.language
}

// ConnectionState returns the transport state.
func (m *Manager) ConnectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// SessionState returns the lifecycle state.
func (m *Manager) SessionState() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.life.state
}

// Session returns the current session, if any.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Transcript returns the accumulated transcript text.
func (m *Manager) Transcript() string {
	return m.acc.Text()
}

// Err returns the error slot as an *Error, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		return nil
	}
	return m.err
}

// IsRecording reports whether capture is running.
func (m *Manager) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// Status returns a snapshot for display.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connection: m.conn,
		Session:    m.life.state,
		Recording:  m.recording,
		Language:   m.language,
		Attempts:   m.transport.Attempts(),
	}
}

// Pending returns the outbound queue depth.
func (m *Manager) Pending() outbound.Counts {
	return m.queue.Pending()
}

// Metrics returns the manager's metrics.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// OnStateChange sets the callback for connection and session state changes.
func (m *Manager) OnStateChange(fn func(ConnectionState, SessionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// OnTranscript sets the callback for transcript updates.
func (m *Manager) OnTranscript(fn func(role, text string, isFinal bool)) {
	m.mu.Lock()
	m.onTranscript = fn
	m.mu.Unlock()
}

// OnRecording sets the callback for recording start and stop.
func (m *Manager) OnRecording(fn func(bool)) {
	m.mu.Lock()
	m.onRecording = fn
	m.mu.Unlock()
}

// OnError sets the callback for errors.
func (m *Manager) OnError(fn func(*Error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// OnAudio sets the callback for inbound audio frames. It is called in
// addition to playback.
func (m *Manager) OnAudio(fn func(protocol.AudioPayload)) {
	m.mu.Lock()
	m.onAudio = fn
	m.mu.Unlock()
}

// Close stops the session and releases every resource.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.Stop()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var errs []error
	if m.recorder != nil {
		errs = append(errs, m.recorder.Close())
	}
	if m.playback != nil {
		errs = append(errs, m.playback.Close())
	}
	if m.cfg.Store != nil {
		errs = append(errs, m.cfg.Store.Close())
	}
	return errors.Join(errs...)
}

// transportEvents adapts the Manager to transport.Handler.
type transportEvents struct{ m *Manager }

func (t transportEvents) OnOpen(linkID string) {
	m := t.m
	m.mu.Lock()
	if m.closed || !m.transport.IsCurrent(linkID) {
		m.mu.Unlock()
		return
	}
	if m.life.state == SessionEndedLocally {
		// Stop won the race with the dial; the link is already closing.
		m.mu.Unlock()
		return
	}
	m.conn = StateConnected
	m.clearTransientErrorLocked()

	actions := m.life.apply(evTransportOpen, linkID)
	if len(actions) == 0 && !m.queue.OpenOn(linkID) {
		m.queue.OpenTransport(linkID)
	}
	for _, a := range actions {
		if a != actSendStart {
			continue
		}
		start, err := protocol.NewStartMessage(m.language, m.lead)
		if err != nil {
			m.logger.Error("build start", "error", err)
			m.queue.OpenTransport(linkID)
			continue
		}
		m.logger.Info("sending start", "language", m.language, "link", linkID)
		m.queue.OpenTransport(linkID, start)
	}

	cbs := m.stateChangedLocked(nil)
	m.unlock(cbs)
}

func (t transportEvents) OnClose(linkID string, ce *transport.CloseError) {
	m := t.m
	m.mu.Lock()
	if !m.transport.IsCurrent(linkID) {
		m.mu.Unlock()
		return
	}

	for _, a := range m.life.apply(evTransportClosed, linkID) {
		switch a {
		case actCloseTransport:
			m.queue.CloseTransport()
		case actClearSession:
			m.session = nil
		}
	}

	var cbs callbacks
	switch {
	case m.life.state == SessionEndedLocally:
		m.conn = StateDisconnected
	case m.transport.ReconnectPending():
		m.conn = StateReconnecting
		cbs = m.setErrorLocked(&Error{Kind: KindTransport, Err: ce}, cbs)
	default:
		m.conn = StateDisconnected
	}
	cbs = m.stateChangedLocked(cbs)
	m.unlock(cbs)
}

func (t transportEvents) OnError(err error) {
	m := t.m
	m.mu.Lock()
	m.conn = StateDisconnected
	cbs := m.setErrorLocked(classify(err), nil)
	cbs = m.stateChangedLocked(cbs)
	m.unlock(cbs)
}

func (t transportEvents) OnMessage(linkID string, data []byte) {
	m := t.m
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		m.reportError(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		return
	}

	m.mu.Lock()
	if m.closed || !m.transport.IsCurrent(linkID) {
		m.mu.Unlock()
		return
	}

	var (
		cbs     callbacks
		rotate  string
		persist *transcript.Segment
		connID  string
	)

	switch msg.Type {
	case protocol.TypeConnected:
		m.logger.Debug("backend ready", "link", linkID)

	case protocol.TypeSessionStarted:
		p, err := msg.GetSessionStarted()
		if err != nil {
			cbs = m.setErrorLocked(classify(fmt.Errorf("%w: %v", ErrInvalidMessage, err)), cbs)
			break
		}
		cbs = m.sessionStartedLocked(p, cbs)

	case protocol.TypeSessionClosed, protocol.TypeSessionEnded:
		for _, a := range m.life.apply(evSessionEnded, linkID) {
			if a == actDeactivate {
				m.queue.DeactivateSession()
			}
		}
		if m.session != nil {
			m.session.Active = false
		}
		m.logger.Info("session ended by backend", "type", msg.Type)

	case protocol.TypeTranscript:
		p, err := msg.GetTranscript()
		if err != nil {
			cbs = m.setErrorLocked(classify(fmt.Errorf("%w: %v", ErrInvalidMessage, err)), cbs)
			break
		}
		if _, sealed := m.acc.Append(*p); sealed {
			if seg, ok := m.acc.Finalize(); ok {
				if m.cfg.Store != nil && m.session != nil {
					persist, connID = &seg, m.session.ConnectionID
				}
				rotate = m.languageDriftLocked(seg)
			}
		}
		if fn := m.onTranscript; fn != nil {
			role, text, final := p.Speaker(), p.Text, p.IsFinal
			cbs = append(cbs, func() { fn(role, text, final) })
		}

	case protocol.TypeAudio:
		p, err := msg.GetAudio()
		if err != nil {
			cbs = m.setErrorLocked(classify(fmt.Errorf("%w: %v", ErrInvalidMessage, err)), cbs)
			break
		}
		if d, ok := m.turns.MarkFirstAudio(); ok {
			m.logger.Debug("first audio", "latency", metrics.FormatLatency(d))
		}
		if m.playback != nil {
			m.playback.Enqueue(*p)
		}
		if fn := m.onAudio; fn != nil {
			payload := *p
			cbs = append(cbs, func() { fn(payload) })
		}

	case protocol.TypeError:
		p, err := msg.GetError()
		if err != nil {
			cbs = m.setErrorLocked(classify(fmt.Errorf("%w: %v", ErrInvalidMessage, err)), cbs)
			break
		}
		cbs = m.setErrorLocked(&Error{Kind: KindProtocol, Err: &ProtocolError{Code: p.Code, Message: p.Message}}, cbs)

	default:
		m.logger.Warn("ignoring unexpected message", "type", msg.Type)
	}

	cbs = m.stateChangedLocked(cbs)
	m.unlock(cbs)

	if persist != nil {
		m.persist(connID, *persist)
	}
	if rotate != "" {
		m.rotateLanguage(rotate)
	}
}

func (m *Manager) sessionStartedLocked(p *protocol.SessionStartedPayload, cbs callbacks) callbacks {
	actions := m.life.apply(evSessionStarted, "")
	if actions == nil {
		m.logger.Warn("ignoring session_started", "state", m.life.state)
		return cbs
	}

	lang := p.LanguageCode
	if lang == "" {
		lang = m.language
	}
	m.session = &Session{
		ConnectionID: p.ConnectionID,
		LanguageCode: lang,
		VoiceName:    p.VoiceName,
		Active:       true,
		Lead:         m.lead,
		StartedAt:    time.Now(),
	}
	for _, a := range actions {
		switch a {
		case actActivate:
			m.queue.ActivateSession()
		case actResetAttempts:
			m.transport.ResetAttempts()
		}
	}
	m.metrics.SessionStarted()
	m.clearTransientErrorLocked()
	m.logger.Info("session started", "connection_id", p.ConnectionID, "language", lang, "voice", p.VoiceName)
	return cbs
}

// languageDriftLocked returns the new language when a finalized user
// segment is not in the session language.
func (m *Manager) languageDriftLocked(seg transcript.Segment) string {
	if m.cfg.Detector == nil || m.session == nil || !m.session.Active {
		return ""
	}
	if seg.Role != protocol.RoleUser {
		return ""
	}
	tag, ok := m.cfg.Detector.Detect(seg.Text)
	if !ok {
		return ""
	}
	detected := tag.String()
	if transcript.SameLanguage(detected, m.session.LanguageCode) {
		return ""
	}
	return detected
}

// rotateLanguage restarts the session in lang. The backend negotiates the
// language only at handshake time. Recording, if running, continues.
func (m *Manager) rotateLanguage(lang string) {
	m.mu.Lock()
	from := m.language
	m.mu.Unlock()

	m.logger.Info("language changed, rotating session", "from", from, "to", lang)
	m.metrics.LanguageRotated()

	m.stop(true)
	m.SetLanguage(lang)
	if err := m.Connect(context.Background()); err != nil {
		m.logger.Error("reconnect after language change", "error", err)
	}
}

func (m *Manager) persist(connectionID string, seg transcript.Segment) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.cfg.Store.Append(ctx, connectionID, seg); err != nil {
		m.logger.Warn("persist transcript", "connection_id", connectionID, "error", err)
	}
}

// captureEvents adapts the Manager to capture.Handler.
type captureEvents struct{ m *Manager }

func (c captureEvents) Frame(f capture.Frame) {
	msg, err := protocol.NewUserAudioMessage(f.Data, f.SampleRate)
	if err != nil {
		return
	}

	m := c.m
	m.mu.Lock()
	if m.closed || m.life.state == SessionEndedLocally {
		m.mu.Unlock()
		return
	}
	m.queue.Enqueue(msg)
	m.mu.Unlock()
	m.turns.MarkFrameOut()
}

func (c captureEvents) TurnComplete() {
	c.m.TurnComplete()
}

func (c captureEvents) CaptureError(err error) {
	m := c.m
	m.mu.Lock()
	m.recording = false
	cbs := m.setErrorLocked(classify(err), nil)
	if fn := m.onRecording; fn != nil {
		cbs = append(cbs, func() { fn(false) })
	}
	m.unlock(cbs)
}
