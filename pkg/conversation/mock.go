package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-voicelink/pkg/protocol"
	"github.com/teslashibe/go-voicelink/pkg/transport"
)

var errMockConnClosed = errors.New("mock: use of closed connection")

// MockBackend is an in-process backend for tests and offline runs. It
// implements transport.Dialer; every Dial opens a new link that greets with
// connected and, when AutoStart is set, answers start with session_started.
type MockBackend struct {
	mu sync.Mutex

	// AutoStart answers start with session_started.
	AutoStart bool

	// Voice is reported in session_started.
	Voice string

	// DialErr makes every Dial fail.
	DialErr error

	// EchoText answers user_message with an assistant transcript.
	EchoText bool

	conns []*mockConn
	seq   int
	stall chan struct{}
}

// NewMockBackend creates a MockBackend that accepts every handshake.
func NewMockBackend() *MockBackend {
	return &MockBackend{AutoStart: true, Voice: "Puck"}
}

// Dial implements transport.Dialer.
func (b *MockBackend) Dial(ctx context.Context, url string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DialErr != nil {
		return nil, b.DialErr
	}

	c := newMockConn(b)
	b.conns = append(b.conns, c)
	if msg, err := protocol.NewMessage(protocol.TypeConnected, nil); err == nil {
		c.push(msg)
	}
	return c, nil
}

// Dials returns how many links were opened.
func (b *MockBackend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *MockBackend) current() *mockConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// Sent returns every message received on link i, in order.
func (b *MockBackend) Sent(i int) []*protocol.Message {
	b.mu.Lock()
	if i < 0 || i >= len(b.conns) {
		b.mu.Unlock()
		return nil
	}
	c := b.conns[i]
	b.mu.Unlock()
	return c.received()
}

// SentTypes returns the types received on link i, in order.
func (b *MockBackend) SentTypes(i int) []protocol.MessageType {
	msgs := b.Sent(i)
	types := make([]protocol.MessageType, len(msgs))
	for j, m := range msgs {
		types[j] = m.Type
	}
	return types
}

// Push delivers msg on the newest link.
func (b *MockBackend) Push(msg *protocol.Message) error {
	c := b.current()
	if c == nil {
		return transport.ErrNotOpen
	}
	if !c.push(msg) {
		return errMockConnClosed
	}
	return nil
}

// StartSession pushes session_started on the newest link.
func (b *MockBackend) StartSession(languageCode string) error {
	msg, err := protocol.NewSessionStartedMessage(b.nextID(), languageCode, b.Voice)
	if err != nil {
		return err
	}
	return b.Push(msg)
}

// CloseSession pushes session_closed on the newest link.
func (b *MockBackend) CloseSession() error {
	msg, err := protocol.NewMessage(protocol.TypeSessionClosed, nil)
	if err != nil {
		return err
	}
	return b.Push(msg)
}

// Disconnect ends the newest link with a close frame carrying code.
func (b *MockBackend) Disconnect(code int, reason string) {
	if c := b.current(); c != nil {
		c.fail(&websocket.CloseError{Code: code, Text: reason})
	}
}

// StallWrites makes every link stop accepting writes until release is
// called, as a peer that stops reading would.
func (b *MockBackend) StallWrites() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.stall = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.stall == gate {
				b.stall = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

func (b *MockBackend) writeGate() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stall
}

// Drop ends the newest link without a close frame, as a network loss would.
func (b *MockBackend) Drop() {
	if c := b.current(); c != nil {
		c.fail(io.ErrUnexpectedEOF)
	}
}

func (b *MockBackend) nextID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return fmt.Sprintf("mock-%d", b.seq)
}

// reply reacts to one client message.
func (b *MockBackend) reply(c *mockConn, msg *protocol.Message) {
	b.mu.Lock()
	autoStart, echo, voice := b.AutoStart, b.EchoText, b.Voice
	b.mu.Unlock()

	switch msg.Type {
	case protocol.TypeStart:
		if !autoStart {
			return
		}
		lang := ""
		if p, err := msg.GetStart(); err == nil {
			lang = p.LanguageCode
		}
		if out, err := protocol.NewSessionStartedMessage(b.nextID(), lang, voice); err == nil {
			c.push(out)
		}
	case protocol.TypeUserMessage:
		if !echo {
			return
		}
		p, err := msg.GetUserMessage()
		if err != nil {
			return
		}
		if out, err := protocol.NewTranscriptMessage(p.Message, "assistant", true); err == nil {
			c.push(out)
		}
	}
}

type mockConn struct {
	backend *MockBackend

	in      chan []byte
	readErr chan error
	closeCh chan struct{}
	closeMu sync.Mutex
	closed  bool

	mu   sync.Mutex
	sent []*protocol.Message
}

func newMockConn(b *MockBackend) *mockConn {
	return &mockConn{
		backend: b,
		in:      make(chan []byte, 256),
		readErr: make(chan error, 1),
		closeCh: make(chan struct{}),
	}
}

func (c *mockConn) push(msg *protocol.Message) bool {
	data, err := msg.Bytes()
	if err != nil {
		return false
	}
	select {
	case c.in <- data:
		return true
	case <-c.closeCh:
		return false
	}
}

func (c *mockConn) fail(err error) {
	select {
	case c.readErr <- err:
	default:
	}
}

func (c *mockConn) received() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.sent...)
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	// Pending messages are delivered before a scripted failure.
	select {
	case d := <-c.in:
		return websocket.TextMessage, d, nil
	default:
	}
	select {
	case d := <-c.in:
		return websocket.TextMessage, d, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closeCh:
		return 0, nil, errMockConnClosed
	}
}

func (c *mockConn) WriteMessage(_ int, data []byte) error {
	if gate := c.backend.writeGate(); gate != nil {
		select {
		case <-gate:
		case <-c.closeCh:
			return errMockConnClosed
		}
	}
	select {
	case <-c.closeCh:
		return errMockConnClosed
	default:
	}

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return fmt.Errorf("mock: %w", err)
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	c.backend.reply(c, msg)
	return nil
}

func (c *mockConn) WriteControl(int, []byte, time.Time) error {
	select {
	case <-c.closeCh:
		return errMockConnClosed
	default:
		return nil
	}
}

func (c *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (c *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *mockConn) SetPongHandler(func(string) error) {}

func (c *mockConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

var (
	_ transport.Dialer = (*MockBackend)(nil)
	_ transport.Conn   = (*mockConn)(nil)
)
