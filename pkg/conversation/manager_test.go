package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/teslashibe/go-voicelink/pkg/audioio"
	"github.com/teslashibe/go-voicelink/pkg/capture"
	"github.com/teslashibe/go-voicelink/pkg/playback"
	"github.com/teslashibe/go-voicelink/pkg/protocol"
	"github.com/teslashibe/go-voicelink/pkg/transcript"
	"github.com/teslashibe/go-voicelink/pkg/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, b *MockBackend, opts ...Option) *Manager {
	t.Helper()

	tc := transport.DefaultConfig()
	tc.URL = "ws://mock.local/ws"
	tc.ReconnectDelay = 20 * time.Millisecond
	tc.HandshakeTimeout = time.Second
	tc.PingInterval = 0
	tc.ReadTimeout = 0

	base := []Option{
		WithTransport(tc),
		WithDialer(b),
		WithDetector(nil),
		WithLogger(discardLogger()),
	}
	m, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectActive(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "active session", func() bool { return m.SessionState() == SessionActive })
}

func countType(types []protocol.MessageType, want protocol.MessageType) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func audioData(t *testing.T, msgs []*protocol.Message) []string {
	t.Helper()
	var out []string
	for _, msg := range msgs {
		if msg.Type != protocol.TypeUserAudio {
			continue
		}
		p, err := msg.GetUserAudio()
		if err != nil {
			t.Fatalf("GetUserAudio() error = %v", err)
		}
		out = append(out, p.AudioData)
	}
	return out
}

func b64(data ...byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func TestConnectSendsStartFirst(t *testing.T) {
	b := NewMockBackend()
	lead := &protocol.LeadContext{Name: "Ada", Company: "Analytical"}
	m := newTestManager(t, b, WithLanguage("en-GB"), WithLeadContext(lead))

	connectActive(t, m)

	sent := b.Sent(0)
	if len(sent) == 0 || sent[0].Type != protocol.TypeStart {
		t.Fatalf("first message = %v, want start", b.SentTypes(0))
	}
	start, err := sent[0].GetStart()
	if err != nil {
		t.Fatalf("GetStart() error = %v", err)
	}
	if start.LanguageCode != "en-GB" {
		t.Errorf("start language = %q, want en-GB", start.LanguageCode)
	}
	if start.LeadContext == nil || start.LeadContext.Name != "Ada" {
		t.Errorf("start lead = %+v", start.LeadContext)
	}

	s, ok := m.Session()
	if !ok {
		t.Fatal("expected a session")
	}
	if s.ConnectionID != "mock-1" || s.VoiceName != "Puck" || s.LanguageCode != "en-GB" || !s.Active {
		t.Errorf("session = %+v", s)
	}
	if m.ConnectionState() != StateConnected {
		t.Errorf("connection = %v, want connected", m.ConnectionState())
	}
	if got := testutil.ToFloat64(m.Metrics().Handshakes); got != 1 {
		t.Errorf("handshakes = %v, want 1", got)
	}
}

func TestConnectTwiceKeepsOneLink(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)
	connectActive(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if b.Dials() != 1 {
		t.Errorf("dials = %d, want 1", b.Dials())
	}
	if n := countType(b.SentTypes(0), protocol.TypeStart); n != 1 {
		t.Errorf("start sent %d times, want 1", n)
	}
}

func TestAudioHeldUntilSessionStarted(t *testing.T) {
	b := NewMockBackend()
	b.AutoStart = false
	m := newTestManager(t, b)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "start", func() bool { return countType(b.SentTypes(0), protocol.TypeStart) == 1 })

	for i := byte(1); i <= 3; i++ {
		if err := m.SendAudio([]byte{i, i}); err != nil {
			t.Fatalf("SendAudio() error = %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := countType(b.SentTypes(0), protocol.TypeUserAudio); n != 0 {
		t.Fatalf("%d audio frames sent before session_started", n)
	}
	if got := m.Pending().Audio; got != 3 {
		t.Errorf("pending audio = %d, want 3", got)
	}

	if err := b.StartSession("en-US"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "active session", func() bool { return m.SessionState() == SessionActive })

	if err := m.SendAudio([]byte{4, 4}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	waitFor(t, "four frames", func() bool { return countType(b.SentTypes(0), protocol.TypeUserAudio) == 4 })

	want := []string{b64(1, 1), b64(2, 2), b64(3, 3), b64(4, 4)}
	if got := audioData(t, b.Sent(0)); !slices.Equal(got, want) {
		t.Errorf("audio order = %v, want %v", got, want)
	}
	if b.SentTypes(0)[0] != protocol.TypeStart {
		t.Errorf("first message = %v, want start", b.SentTypes(0)[0])
	}
}

func TestAudioHeldAfterSessionClosed(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)
	connectActive(t, m)

	if err := b.CloseSession(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ended session", func() bool { return m.SessionState() == SessionEndedByBackend })

	if s, ok := m.Session(); !ok || s.Active {
		t.Errorf("session = %+v, %v; want inactive session", s, ok)
	}

	m.SendAudio([]byte{1, 1})
	m.SendAudio([]byte{2, 2})
	time.Sleep(50 * time.Millisecond)
	if n := countType(b.SentTypes(0), protocol.TypeUserAudio); n != 0 {
		t.Fatalf("%d audio frames sent after session_closed", n)
	}

	if err := b.StartSession("en-US"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "held frames", func() bool { return countType(b.SentTypes(0), protocol.TypeUserAudio) == 2 })

	if got, want := audioData(t, b.Sent(0)), []string{b64(1, 1), b64(2, 2)}; !slices.Equal(got, want) {
		t.Errorf("audio order = %v, want %v", got, want)
	}
}

func TestAbnormalCloseReconnectsOnce(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)

	var mu sync.Mutex
	var states []ConnectionState
	m.OnStateChange(func(c ConnectionState, _ SessionState) {
		mu.Lock()
		states = append(states, c)
		mu.Unlock()
	})

	connectActive(t, m)

	b.Drop()
	b.Drop()

	waitFor(t, "reconnect", func() bool { return b.Dials() == 2 && m.SessionState() == SessionActive })
	time.Sleep(100 * time.Millisecond)

	if b.Dials() != 2 {
		t.Errorf("dials = %d, want 2", b.Dials())
	}
	if got := testutil.ToFloat64(m.Metrics().Reconnects); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
	if types := b.SentTypes(1); len(types) == 0 || types[0] != protocol.TypeStart {
		t.Errorf("new link messages = %v, want start first", types)
	}
	if m.Err() != nil {
		t.Errorf("transient error should clear after the new session, got %v", m.Err())
	}
	if s, _ := m.Session(); s.ConnectionID != "mock-2" {
		t.Errorf("connection id = %q, want mock-2", s.ConnectionID)
	}

	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(states, StateReconnecting) {
		t.Errorf("states = %v, want reconnecting among them", states)
	}
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)
	connectActive(t, m)

	b.Disconnect(protocol.CloseNormal, "bye")
	waitFor(t, "disconnect", func() bool { return m.ConnectionState() == StateDisconnected })
	time.Sleep(100 * time.Millisecond)

	if b.Dials() != 1 {
		t.Errorf("dials = %d, want 1", b.Dials())
	}
	if m.SessionState() != SessionNone {
		t.Errorf("session state = %v, want no_session", m.SessionState())
	}
	if _, ok := m.Session(); ok {
		t.Error("session should be cleared on transport close")
	}
	if m.Err() != nil {
		t.Errorf("intentional close should not set an error, got %v", m.Err())
	}
}

func TestReconnectExhaustedIsTerminal(t *testing.T) {
	b := NewMockBackend()
	tc := transport.DefaultConfig()
	tc.URL = "ws://mock.local/ws"
	tc.ReconnectDelay = 10 * time.Millisecond
	tc.MaxReconnectAttempts = 2
	tc.PingInterval = 0
	tc.ReadTimeout = 0
	m := newTestManager(t, b, WithTransport(tc))

	var mu sync.Mutex
	var errs []*Error
	m.OnError(func(e *Error) {
		mu.Lock()
		errs = append(errs, e)
		mu.Unlock()
	})

	connectActive(t, m)
	b.mu.Lock()
	b.DialErr = errors.New("refused")
	b.mu.Unlock()
	b.Drop()

	waitFor(t, "terminal error", func() bool { return IsTerminal(m.Err()) })
	if KindOf(m.Err()) != KindTransport {
		t.Errorf("kind = %v, want transport", KindOf(m.Err()))
	}
	if !errors.Is(m.Err(), transport.ErrReconnectExhausted) {
		t.Errorf("error = %v, want ErrReconnectExhausted", m.Err())
	}
	if m.ConnectionState() != StateDisconnected {
		t.Errorf("connection = %v, want disconnected", m.ConnectionState())
	}

	mu.Lock()
	n := len(errs)
	mu.Unlock()
	if n < 2 {
		t.Errorf("OnError called %d times, want transient errors before the terminal one", n)
	}

	b.mu.Lock()
	b.DialErr = nil
	b.mu.Unlock()
	connectActive(t, m)
	if m.Err() != nil {
		t.Errorf("Connect should clear the error slot, got %v", m.Err())
	}
}

func TestStopEndsSessionLocally(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)
	connectActive(t, m)

	if err := b.Push(mustMessage(t)(protocol.NewTranscriptMessage("hello", "assistant", true))); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "transcript", func() bool { return m.Transcript() != "" })

	m.Stop()

	if m.SessionState() != SessionEndedLocally {
		t.Errorf("session state = %v, want ended_locally", m.SessionState())
	}
	if m.ConnectionState() != StateDisconnected {
		t.Errorf("connection = %v, want disconnected", m.ConnectionState())
	}
	if _, ok := m.Session(); ok {
		t.Error("session should be cleared")
	}
	if m.Transcript() != "" {
		t.Errorf("transcript = %q, want empty", m.Transcript())
	}
	if err := m.SendAudio([]byte{1, 1}); !errors.Is(err, ErrStopped) {
		t.Errorf("SendAudio() error = %v, want ErrStopped", err)
	}

	time.Sleep(100 * time.Millisecond)
	if b.Dials() != 1 {
		t.Errorf("dials = %d, want no reconnect after Stop", b.Dials())
	}

	connectActive(t, m)
	if b.Dials() != 2 {
		t.Errorf("dials = %d, want 2", b.Dials())
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)
	connectActive(t, m)

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() error = %v, want ErrClosed", err)
	}
	if err := m.SendText("hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendText() error = %v, want ErrClosed", err)
	}
}

func mustMessage(t *testing.T) func(*protocol.Message, error) *protocol.Message {
	return func(msg *protocol.Message, err error) *protocol.Message {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return msg
	}
}

func TestTranscriptCallbacksAndStore(t *testing.T) {
	b := NewMockBackend()
	b.EchoText = true
	store := transcript.NewMemoryStore()
	m := newTestManager(t, b, WithStore(store))

	type update struct {
		role, text string
		final      bool
	}
	var mu sync.Mutex
	var updates []update
	m.OnTranscript(func(role, text string, isFinal bool) {
		mu.Lock()
		updates = append(updates, update{role, text, isFinal})
		mu.Unlock()
	})

	connectActive(t, m)

	if err := m.SendText("good morning"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	waitFor(t, "echo", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	})

	mu.Lock()
	if got, want := updates[0], (update{"assistant", "good morning", true}); got != want {
		t.Errorf("update = %+v, want %+v", got, want)
	}
	mu.Unlock()

	if got := m.Transcript(); got != "good morning" {
		t.Errorf("Transcript() = %q", got)
	}

	waitFor(t, "persisted segment", func() bool {
		segs, err := store.List(context.Background(), "mock-1")
		return err == nil && len(segs) == 1 && segs[0].Text == "good morning"
	})
}

func TestBackendErrorIsReported(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)

	errCh := make(chan *Error, 1)
	m.OnError(func(e *Error) { errCh <- e })

	connectActive(t, m)
	if err := b.Push(mustMessage(t)(protocol.NewErrorMessage("bad_payload", "nope"))); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-errCh:
		if e.Kind != KindProtocol || e.Terminal {
			t.Errorf("error = %+v, want non-terminal protocol error", e)
		}
		var pe *ProtocolError
		if !errors.As(e, &pe) || pe.Code != "bad_payload" {
			t.Errorf("cause = %v, want ProtocolError bad_payload", e.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	if m.SessionState() != SessionActive {
		t.Errorf("session state = %v, want active", m.SessionState())
	}
}

type recordingPlayer struct {
	mu     sync.Mutex
	frames []playback.Frame
}

func (p *recordingPlayer) Play(_ context.Context, f playback.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return nil
}

func (p *recordingPlayer) Close() error { return nil }

func (p *recordingPlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func TestInboundAudioIsPlayed(t *testing.T) {
	b := NewMockBackend()
	player := &recordingPlayer{}
	m := newTestManager(t, b, WithPlayer(player))

	audioCh := make(chan protocol.AudioPayload, 4)
	m.OnAudio(func(p protocol.AudioPayload) { audioCh <- p })

	connectActive(t, m)
	m.TurnComplete()

	if err := b.Push(mustMessage(t)(protocol.NewAudioMessage([]byte{0, 0, 0, 64}, 24000))); err != nil {
		t.Fatal(err)
	}
	if err := b.Push(mustMessage(t)(protocol.NewAudioMessage([]byte{0, 0, 0, 0, 0, 0}, 16000))); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "playback", func() bool { return player.count() == 2 })

	player.mu.Lock()
	first, second := player.frames[0], player.frames[1]
	player.mu.Unlock()
	if first.SampleRate != 24000 || len(first.Samples) != 2 {
		t.Errorf("first frame = %d samples at %d", len(first.Samples), first.SampleRate)
	}
	if second.SampleRate != 16000 || len(second.Samples) != 3 {
		t.Errorf("second frame = %d samples at %d", len(second.Samples), second.SampleRate)
	}
	waitFor(t, "audio callbacks", func() bool { return len(audioCh) == 2 })
	waitFor(t, "played metric", func() bool { return testutil.ToFloat64(m.Metrics().FramesPlayed) == 2 })
}

func TestUndecodableAudioIsDropped(t *testing.T) {
	b := NewMockBackend()
	player := &recordingPlayer{}
	m := newTestManager(t, b, WithPlayer(player))
	connectActive(t, m)

	if err := b.Push(mustMessage(t)(protocol.NewAudioMessage([]byte{1, 2, 3}, 24000))); err != nil {
		t.Fatal(err)
	}
	if err := b.Push(mustMessage(t)(protocol.NewAudioMessage([]byte{1, 2}, 24000))); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "valid frame", func() bool { return player.count() == 1 })
	waitFor(t, "decode error", func() bool { return KindOf(m.Err()) == KindDecode })
	if IsTerminal(m.Err()) {
		t.Error("decode errors are not terminal")
	}
	if m.SessionState() != SessionActive {
		t.Errorf("session state = %v, want active", m.SessionState())
	}
}

func TestLanguageChangeRotatesSession(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b, WithDetector(transcript.ScriptDetector{}))
	connectActive(t, m)

	msg := mustMessage(t)(protocol.NewTranscriptMessage("¿Dónde está la estación de tren más cercana?", "user", true))
	if err := b.Push(msg); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "rotated session", func() bool {
		s, ok := m.Session()
		return b.Dials() == 2 && ok && s.Active && s.LanguageCode == "es"
	})

	start, err := b.Sent(1)[0].GetStart()
	if err != nil {
		t.Fatalf("GetStart() error = %v", err)
	}
	if start.LanguageCode != "es" {
		t.Errorf("start language = %q, want es", start.LanguageCode)
	}
	if m.Language() != "es" {
		t.Errorf("Language() = %q, want es", m.Language())
	}
	if got := testutil.ToFloat64(m.Metrics().LanguageRotations); got != 1 {
		t.Errorf("rotations = %v, want 1", got)
	}
}

func TestSameLanguageKeepsSession(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b, WithDetector(transcript.ScriptDetector{}))
	connectActive(t, m)

	msg := mustMessage(t)(protocol.NewTranscriptMessage("Where is the nearest train station?", "user", true))
	if err := b.Push(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "transcript", func() bool { return m.Transcript() != "" })
	time.Sleep(50 * time.Millisecond)

	if b.Dials() != 1 {
		t.Errorf("dials = %d, want 1", b.Dials())
	}
}

func TestRecording(t *testing.T) {
	b := NewMockBackend()
	src := audioio.NewMockSource(audioio.DefaultConfig(), discardLogger())
	m := newTestManager(t, b, WithSource(src))

	recCh := make(chan bool, 4)
	m.OnRecording(func(on bool) { recCh <- on })

	connectActive(t, m)

	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if !m.IsRecording() {
		t.Error("IsRecording() = false after start")
	}
	if err := m.StartRecording(context.Background()); !errors.Is(err, capture.ErrAlreadyRecording) {
		t.Errorf("second StartRecording() error = %v, want ErrAlreadyRecording", err)
	}

	waitFor(t, "captured frames", func() bool { return countType(b.SentTypes(0), protocol.TypeUserAudio) >= 2 })

	m.StopRecording()
	if m.IsRecording() {
		t.Error("IsRecording() = true after stop")
	}

	waitFor(t, "turn complete", func() bool {
		types := b.SentTypes(0)
		return len(types) > 0 && types[len(types)-1] == protocol.TypeTurnComplete
	})

	for _, want := range []bool{true, false} {
		select {
		case got := <-recCh:
			if got != want {
				t.Errorf("OnRecording(%v), want %v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("OnRecording(%v) not called", want)
		}
	}
}

func TestRecordingPermissionDenied(t *testing.T) {
	b := NewMockBackend()
	src := audioio.NewMockSource(audioio.DefaultConfig(), discardLogger(), audioio.WithStartError(audioio.ErrPermissionDenied))
	m := newTestManager(t, b, WithSource(src))

	err := m.StartRecording(context.Background())
	if !errors.Is(err, audioio.ErrPermissionDenied) {
		t.Fatalf("StartRecording() error = %v, want ErrPermissionDenied", err)
	}
	if m.IsRecording() {
		t.Error("IsRecording() = true after failure")
	}
	if !IsTerminal(m.Err()) || KindOf(m.Err()) != KindPermission {
		t.Errorf("Err() = %v, want terminal permission error", m.Err())
	}
}

func TestRecordingWithoutSource(t *testing.T) {
	m := newTestManager(t, NewMockBackend())
	if err := m.StartRecording(context.Background()); !errors.Is(err, ErrNoAudioSource) {
		t.Errorf("StartRecording() error = %v, want ErrNoAudioSource", err)
	}
}

func TestStatus(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b, WithLanguage("fr-FR"))
	connectActive(t, m)

	s := m.Status()
	if s.Connection != StateConnected || s.Session != SessionActive || s.Language != "fr-FR" || s.Recording {
		t.Errorf("Status() = %+v", s)
	}
}

func TestDuplicateOpenKeepsSessionActive(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)
	connectActive(t, m)

	link := m.transport.LinkID()
	transportEvents{m}.OnOpen(link)
	transportEvents{m}.OnOpen(link)

	if !m.queue.SessionActive() {
		t.Fatal("session gate closed by a repeated open")
	}
	if err := m.SendAudio([]byte{7, 7}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	waitFor(t, "audio at backend", func() bool { return len(audioData(t, b.Sent(0))) == 1 })

	if got := countType(b.SentTypes(0), protocol.TypeStart); got != 1 {
		t.Errorf("start sent %d times, want 1", got)
	}
	if got := m.Pending(); got.Audio != 0 {
		t.Errorf("pending audio = %d, want 0", got.Audio)
	}
}

func TestOpenAfterStopIsIgnored(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)
	connectActive(t, m)
	link := m.transport.LinkID()

	// The locked half of Stop, before the transport is closed.
	m.mu.Lock()
	m.life.apply(evStop, "")
	m.queue.Clear()
	m.conn = StateDisconnected
	m.mu.Unlock()

	transportEvents{m}.OnOpen(link)

	if m.queue.TransportOpen() {
		t.Error("transport gate reopened after stop")
	}
	if m.SessionState() != SessionEndedLocally {
		t.Errorf("session state = %v, want ended_locally", m.SessionState())
	}
	if m.ConnectionState() != StateDisconnected {
		t.Errorf("connection = %v, want disconnected", m.ConnectionState())
	}
	if err := m.SendText("late"); !errors.Is(err, ErrStopped) {
		t.Errorf("SendText() error = %v, want ErrStopped", err)
	}
}

func TestStalledPeerDoesNotBlockManager(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)
	connectActive(t, m)

	release := b.StallWrites()
	defer release()

	begin := time.Now()
	for _, s := range []string{"one", "two", "three"} {
		if err := m.SendText(s); err != nil {
			t.Fatalf("SendText(%q) error = %v", s, err)
		}
	}
	_ = m.Status()
	if d := time.Since(begin); d > 500*time.Millisecond {
		t.Fatalf("calls took %v with a stalled peer", d)
	}

	if err := b.Push(mustMessage(t)(protocol.NewTranscriptMessage("still here", "assistant", true))); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "inbound transcript", func() bool { return m.Transcript() == "still here" })

	release()
	waitFor(t, "queued text", func() bool {
		return countType(b.SentTypes(0), protocol.TypeUserMessage) == 3
	})
}

func TestRegionalLanguageKeepsSession(t *testing.T) {
	tests := []struct {
		name string
		lang string
		text string
	}{
		{"spanish words", "es-ES", "hola amigo como estas hoy"},
		{"ambiguous", "es-ES", "ok"},
		{"english", "en-GB", "hello, how are you today"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMockBackend()
			m := newTestManager(t, b, WithLanguage(tt.lang), WithDetector(transcript.ScriptDetector{}))
			connectActive(t, m)

			if err := b.Push(mustMessage(t)(protocol.NewTranscriptMessage(tt.text, "user", true))); err != nil {
				t.Fatal(err)
			}
			waitFor(t, "transcript", func() bool { return m.Transcript() != "" })
			time.Sleep(50 * time.Millisecond)

			if b.Dials() != 1 {
				t.Errorf("dials = %d, want 1", b.Dials())
			}
			if got := testutil.ToFloat64(m.Metrics().LanguageRotations); got != 0 {
				t.Errorf("rotations = %v, want 0", got)
			}
		})
	}
}

func TestTranscriptWithoutRoleIsUser(t *testing.T) {
	b := NewMockBackend()
	m := newTestManager(t, b)

	roles := make(chan string, 1)
	m.OnTranscript(func(role, _ string, _ bool) { roles <- role })
	connectActive(t, m)

	if err := b.Push(mustMessage(t)(protocol.NewTranscriptMessage("hi there", "", true))); err != nil {
		t.Fatal(err)
	}
	select {
	case role := <-roles:
		if role != protocol.RoleUser {
			t.Errorf("role = %q, want %q", role, protocol.RoleUser)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript callback")
	}
}
