// Package transport owns the duplex WebSocket link to the speech backend.
//
// A Manager holds at most one live link at a time. Replacing a link detaches
// the old one first so none of its late events reach the handler. Unexpected
// closures schedule one reconnect after a fixed delay, up to a bounded number
// of attempts.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-voicelink/pkg/protocol"
)

// State is the state of the current link.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns a human-readable state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Handler receives link events. It is never called with manager locks held.
// Each event names its link so receivers can ignore links they no longer own.
type Handler interface {
	OnOpen(linkID string)
	OnMessage(linkID string, data []byte)
	OnClose(linkID string, err *CloseError)
	OnError(err error)
}

// Observer receives reconnect accounting.
type Observer interface {
	ReconnectScheduled(attempt int)
}

type nopObserver struct{}

func (nopObserver) ReconnectScheduled(int) {}

// Config holds connection settings.
type Config struct {
	URL                  string        `yaml:"url" json:"url"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval" json:"ping_interval"`
	ReadTimeout          time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// sendBuffer is the number of frames a link buffers for its writer. A peer
// that falls this far behind is treated as lost.
const sendBuffer = 256

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     10 * time.Second,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 5,
		PingInterval:         20 * time.Second,
		ReadTimeout:          60 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

// ValidateURL checks that raw is a ws:// or wss:// URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

type link struct {
	id          string
	state       State
	conn        Conn
	detached    bool
	intentional bool
	closed      bool
	done        chan struct{}
	send        chan []byte
}

// Manager owns one transport link at a time.
type Manager struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	obs     Observer
	logger  *slog.Logger

	mu           sync.Mutex
	link         *link
	attempts     int
	reconnecting bool
	timer        *time.Timer
	stopped      bool
}

// NewManager creates a Manager. dialer may be nil for the gorilla dialer.
func NewManager(cfg Config, dialer Dialer, handler Handler, logger *slog.Logger, obs Observer) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		obs:     obs,
		logger:  logger.With("component", "transport.manager"),
	}
}

// Connect opens a new link unless one is open or connecting. It returns
// immediately; readiness arrives through Handler.OnOpen. An invalid URL is
// returned to the caller and never retried. ctx bounds the dial only.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ValidateURL(m.cfg.URL); err != nil {
		m.logger.Error("cannot connect", "url", m.cfg.URL, "error", err)
		return err
	}

	m.mu.Lock()
	if m.link != nil && (m.link.state == StateOpen || m.link.state == StateConnecting) {
		m.mu.Unlock()
		return nil
	}
	m.stopped = false
	m.attempts = 0
	m.cancelReconnectLocked()
	old, l := m.replaceLinkLocked()
	m.mu.Unlock()

	m.teardown(old)
	go m.dial(ctx, l)
	return nil
}

// replaceLinkLocked detaches the current link and installs a new connecting one.
func (m *Manager) replaceLinkLocked() (old, l *link) {
	old = m.link
	if old != nil {
		old.detached = true
	}
	l = &link{
		id:    uuid.NewString(),
		state: StateConnecting,
		done:  make(chan struct{}),
		send:  make(chan []byte, sendBuffer),
	}
	m.link = l
	return old, l
}

func (m *Manager) teardown(l *link) {
	if l == nil {
		return
	}
	m.mu.Lock()
	conn := l.conn
	if !l.closed {
		l.closed = true
		l.state = StateClosed
		close(l.done)
	}
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	m.logger.Debug("detached stale link", "link", l.id)
}

func (m *Manager) dial(ctx context.Context, l *link) {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx := ctx
	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}

	m.logger.Info("connecting", "url", m.cfg.URL, "link", l.id)
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)

	m.mu.Lock()
	if l.detached || l.intentional || m.link != l {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("dial failed", "link", l.id, "error", err)
		m.handleClose(l, &CloseError{Code: protocol.CloseAbnormal, Err: err})
		return
	}
	l.conn = conn
	l.state = StateOpen
	m.mu.Unlock()

	if m.cfg.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		})
	}

	m.logger.Info("connected", "link", l.id)
	go m.writePump(l, conn)
	// OnOpen runs before the read loop starts so no message precedes it.
	m.handler.OnOpen(l.id)

	go m.readLoop(l, conn)
}

func (m *Manager) readLoop(l *link, conn Conn) {
	for {
		if m.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(l, closeErrorFrom(err))
			return
		}

		m.mu.Lock()
		detached := l.detached
		m.mu.Unlock()
		if detached {
			return
		}
		m.handler.OnMessage(l.id, data)
	}
}

// writePump is the only goroutine that writes data frames on conn. A failed
// write closes conn so the read loop reports the loss.
func (m *Manager) writePump(l *link, conn Conn) {
	var tick <-chan time.Time
	if m.cfg.PingInterval > 0 {
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-l.done:
			return
		case data := <-l.send:
			if m.cfg.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.logger.Warn("write failed", "link", l.id, "error", err)
				conn.Close()
				return
			}
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				m.logger.Debug("ping failed", "link", l.id, "error", err)
				conn.Close()
				return
			}
		}
	}
}

func closeErrorFrom(err error) *CloseError {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text, Err: err}
	}
	return &CloseError{Code: protocol.CloseAbnormal, Err: err}
}

// handleClose delivers exactly one close per link and decides on reconnect.
func (m *Manager) handleClose(l *link, ce *CloseError) {
	m.mu.Lock()
	if l.closed {
		m.mu.Unlock()
		return
	}
	l.closed = true
	l.state = StateClosed
	close(l.done)

	if l.detached {
		m.mu.Unlock()
		return
	}
	if l.intentional && !ce.Intentional() {
		ce = &CloseError{Code: protocol.CloseNormal, Err: ce.Err}
	}

	var exhausted bool
	scheduled := 0
	if !ce.Intentional() && !m.stopped {
		switch {
		case m.reconnecting:
		case m.attempts >= m.cfg.MaxReconnectAttempts:
			exhausted = true
		default:
			m.attempts++
			m.reconnecting = true
			scheduled = m.attempts
			m.timer = time.AfterFunc(m.cfg.ReconnectDelay, m.reconnect)
		}
	}
	m.mu.Unlock()

	if ce.Intentional() {
		m.logger.Info("connection closed", "link", l.id, "code", ce.Code)
	} else {
		m.logger.Warn("connection lost", "link", l.id, "code", ce.Code, "error", ce.Err)
	}
	if scheduled > 0 {
		m.logger.Info("reconnect scheduled", "attempt", scheduled, "max", m.cfg.MaxReconnectAttempts, "delay", m.cfg.ReconnectDelay)
		m.obs.ReconnectScheduled(scheduled)
	}

	m.handler.OnClose(l.id, ce)

	if exhausted {
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.cfg.MaxReconnectAttempts, ce)
		m.logger.Error("giving up", "error", err)
		m.handler.OnError(err)
	}
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.reconnecting = false
	m.timer = nil
	if m.stopped || (m.link != nil && (m.link.state == StateOpen || m.link.state == StateConnecting)) {
		m.mu.Unlock()
		return
	}
	old, l := m.replaceLinkLocked()
	attempt := m.attempts
	m.mu.Unlock()

	m.teardown(old)
	m.logger.Info("reconnecting", "attempt", attempt)
	m.dial(context.Background(), l)
}

func (m *Manager) cancelReconnectLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.reconnecting = false
}

// Close ends the current link deliberately with code 1000 and cancels any
// pending reconnect. No reconnect follows.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.stopped = true
	m.cancelReconnectLocked()
	l := m.link
	var conn Conn
	if l != nil && !l.closed {
		l.intentional = true
		if l.conn == nil {
			l.closed = true
			l.state = StateClosed
			close(l.done)
		} else {
			l.state = StateClosing
			conn = l.conn
		}
	}
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

// Send queues one text frame for linkID's writer and returns without waiting
// for the network. Frames go out in Send order. An empty linkID means the
// current link. A link whose buffer is full is closed as lost.
func (m *Manager) Send(linkID string, data []byte) error {
	m.mu.Lock()
	l := m.link
	if l == nil || l.state != StateOpen {
		m.mu.Unlock()
		return ErrNotOpen
	}
	if linkID != "" && l.id != linkID {
		m.mu.Unlock()
		return ErrStaleLink
	}
	conn := l.conn
	m.mu.Unlock()

	select {
	case l.send <- data:
		return nil
	default:
	}
	m.logger.Warn("send buffer full, dropping link", "link", l.id, "buffered", sendBuffer)
	conn.Close()
	return ErrSendBufferFull
}

// ResetAttempts clears the reconnect counter, typically once a session is active.
func (m *Manager) ResetAttempts() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
}

// State returns the state of the current link.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return StateClosed
	}
	return m.link.state
}

// LinkID returns the id of the current link, or "" if none.
func (m *Manager) LinkID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return ""
	}
	return m.link.id
}

// IsCurrent reports whether linkID names the current, attached link.
func (m *Manager) IsCurrent(linkID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil && m.link.id == linkID && !m.link.detached
}

// Attempts returns the number of reconnects scheduled since the last reset.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ReconnectPending reports whether a reconnect timer is armed.
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting
}
