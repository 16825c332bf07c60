package conversation

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/teslashibe/go-voicelink/pkg/audioio"
	"github.com/teslashibe/go-voicelink/pkg/capture"
	"github.com/teslashibe/go-voicelink/pkg/outbound"
	"github.com/teslashibe/go-voicelink/pkg/playback"
	"github.com/teslashibe/go-voicelink/pkg/protocol"
	"github.com/teslashibe/go-voicelink/pkg/transcript"
	"github.com/teslashibe/go-voicelink/pkg/transport"
)

func TestLifecycle(t *testing.T) {
	tests := []struct {
		name        string
		state       SessionState
		startLink   string
		ev          event
		link        string
		wantState   SessionState
		wantActions []action
	}{
		{"open sends start", SessionNone, "", evTransportOpen, "a", SessionHandshakeSent, []action{actSendStart}},
		{"open on new link after backend end", SessionEndedByBackend, "a", evTransportOpen, "b", SessionHandshakeSent, []action{actSendStart}},
		{"open twice on same link", SessionHandshakeSent, "a", evTransportOpen, "a", SessionHandshakeSent, nil},
		{"open without link", SessionNone, "", evTransportOpen, "", SessionNone, nil},
		{"open after local stop", SessionEndedLocally, "", evTransportOpen, "a", SessionEndedLocally, nil},
		{"started after handshake", SessionHandshakeSent, "a", evSessionStarted, "a", SessionActive, []action{actActivate, actResetAttempts}},
		{"started after backend end", SessionEndedByBackend, "a", evSessionStarted, "a", SessionActive, []action{actActivate, actResetAttempts}},
		{"started without handshake", SessionNone, "", evSessionStarted, "a", SessionNone, nil},
		{"started after local stop", SessionEndedLocally, "", evSessionStarted, "a", SessionEndedLocally, nil},
		{"ended while active", SessionActive, "a", evSessionEnded, "a", SessionEndedByBackend, []action{actDeactivate}},
		{"ended during handshake", SessionHandshakeSent, "a", evSessionEnded, "a", SessionEndedByBackend, []action{actDeactivate}},
		{"ended twice", SessionEndedByBackend, "a", evSessionEnded, "a", SessionEndedByBackend, nil},
		{"transport closed while active", SessionActive, "a", evTransportClosed, "a", SessionNone, []action{actCloseTransport, actClearSession}},
		{"transport closed after local stop", SessionEndedLocally, "", evTransportClosed, "a", SessionEndedLocally, nil},
		{"stop", SessionActive, "a", evStop, "", SessionEndedLocally, []action{actClearQueue, actClearSession, actClearTranscript, actCloseTransport}},
		{"connect after stop", SessionEndedLocally, "", evConnect, "", SessionNone, nil},
		{"connect while active", SessionActive, "a", evConnect, "", SessionActive, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := lifecycle{state: tt.state, startLink: tt.startLink}
			got := l.apply(tt.ev, tt.link)
			if l.state != tt.wantState {
				t.Errorf("state = %v, want %v", l.state, tt.wantState)
			}
			if !slices.Equal(got, tt.wantActions) {
				t.Errorf("actions = %v, want %v", got, tt.wantActions)
			}
		})
	}
}

func TestLifecycleReconnectSendsOneStartPerLink(t *testing.T) {
	var l lifecycle
	starts := 0
	for _, step := range []struct {
		ev   event
		link string
	}{
		{evTransportOpen, "a"},
		{evTransportOpen, "a"},
		{evSessionStarted, "a"},
		{evTransportClosed, "a"},
		{evTransportOpen, "b"},
		{evTransportOpen, "b"},
	} {
		for _, a := range l.apply(step.ev, step.link) {
			if a == actSendStart {
				starts++
			}
		}
	}
	if starts != 2 {
		t.Errorf("starts = %d, want 2", starts)
	}
	if l.state != SessionHandshakeSent {
		t.Errorf("state = %v, want %v", l.state, SessionHandshakeSent)
	}
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{StateDisconnected.String(), "disconnected"},
		{StateConnecting.String(), "connecting"},
		{StateConnected.String(), "connected"},
		{StateReconnecting.String(), "reconnecting"},
		{ConnectionState(99).String(), "unknown"},
		{SessionNone.String(), "no_session"},
		{SessionHandshakeSent.String(), "handshake_sent"},
		{SessionActive.String(), "active"},
		{SessionEndedByBackend.String(), "ended_by_backend"},
		{SessionEndedLocally.String(), "ended_locally"},
		{SessionState(99).String(), "unknown"},
		{KindPermission.String(), "permission"},
		{KindDevice.String(), "device"},
		{Kind(0).String(), "unknown"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     Kind
		terminal bool
	}{
		{"permission", fmt.Errorf("capture: start mic: %w", audioio.ErrPermissionDenied), KindPermission, true},
		{"invalid url", fmt.Errorf("%w: missing host", transport.ErrInvalidURL), KindTransport, true},
		{"reconnect exhausted", fmt.Errorf("%w after 5 attempts", transport.ErrReconnectExhausted), KindTransport, true},
		{"abnormal close", &transport.CloseError{Code: protocol.CloseAbnormal}, KindTransport, false},
		{"decode", &playback.DecodeError{Reason: "odd byte count"}, KindDecode, false},
		{"invalid message", fmt.Errorf("%w: missing type", ErrInvalidMessage), KindProtocol, false},
		{"backend error", &ProtocolError{Code: "bad_payload", Message: "nope"}, KindProtocol, false},
		{"device", errors.New("device unplugged"), KindDevice, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := classify(tt.err)
			if e.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", e.Kind, tt.kind)
			}
			if e.Terminal != tt.terminal {
				t.Errorf("terminal = %v, want %v", e.Terminal, tt.terminal)
			}
			if !errors.Is(e, tt.err) {
				t.Error("classified error should wrap the cause")
			}
			if IsTerminal(e) != tt.terminal {
				t.Errorf("IsTerminal = %v, want %v", IsTerminal(e), tt.terminal)
			}
			if KindOf(fmt.Errorf("wrapped: %w", e)) != tt.kind {
				t.Error("KindOf should see through wrapping")
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	e := &Error{Kind: KindTransport, Terminal: true, Err: errors.New("gone")}
	if got, want := e.Error(), "conversation: transport error (terminal): gone"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	pe := &ProtocolError{Code: "unknown_type", Message: "what"}
	if got, want := pe.Error(), "backend error [unknown_type]: what"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got, want := (&ProtocolError{Message: "what"}).Error(), "backend error: what"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("KindOf of a plain error should be 0")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("LanguageCode = %q, want en-US", cfg.LanguageCode)
	}
	if cfg.Transport.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.Transport.MaxReconnectAttempts)
	}
	if cfg.Transport.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v, want 2s", cfg.Transport.ReconnectDelay)
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Errorf("Capture.SampleRate = %d, want 16000", cfg.Capture.SampleRate)
	}
	if cfg.Detector == nil {
		t.Error("Detector should default to the script detector")
	}
	if cfg.MetricsNamespace != "voicelink" {
		t.Errorf("MetricsNamespace = %q, want voicelink", cfg.MetricsNamespace)
	}
}

func TestFunctionalOptions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lead := &protocol.LeadContext{Name: "Ada", Company: "Analytical"}
	store := transcript.NewMemoryStore()
	src := audioio.NewMockSource(audioio.DefaultConfig(), logger)
	tc := transport.DefaultConfig()
	tc.MaxReconnectAttempts = 2

	cfg := DefaultConfig()
	cfg.Apply(
		WithTransport(tc),
		WithURL("wss://voice.example.com/ws"),
		WithLanguage("de-DE"),
		WithLeadContext(lead),
		WithQueue(outbound.Config{MaxPendingAudio: 7}),
		WithCapture(capture.Config{SampleRate: 8000, FrameBytes: 320, SilenceThreshold: 0.1, SilenceDebounce: time.Second}),
		WithSource(src),
		WithDetector(nil),
		WithStore(store),
		WithMetricsNamespace("test"),
		WithLogger(logger),
	)

	if cfg.Transport.URL != "wss://voice.example.com/ws" {
		t.Errorf("URL = %q", cfg.Transport.URL)
	}
	if cfg.Transport.MaxReconnectAttempts != 2 {
		t.Errorf("MaxReconnectAttempts = %d, want 2", cfg.Transport.MaxReconnectAttempts)
	}
	if cfg.LanguageCode != "de-DE" {
		t.Errorf("LanguageCode = %q, want de-DE", cfg.LanguageCode)
	}
	if cfg.LeadContext != lead {
		t.Error("LeadContext not applied")
	}
	if cfg.Queue.MaxPendingAudio != 7 {
		t.Errorf("MaxPendingAudio = %d, want 7", cfg.Queue.MaxPendingAudio)
	}
	if cfg.Capture.SampleRate != 8000 {
		t.Errorf("Capture.SampleRate = %d, want 8000", cfg.Capture.SampleRate)
	}
	if cfg.Source != src {
		t.Error("Source not applied")
	}
	if cfg.Detector != nil {
		t.Error("Detector should be disabled")
	}
	if cfg.Store != store {
		t.Error("Store not applied")
	}
	if cfg.MetricsNamespace != "test" {
		t.Errorf("MetricsNamespace = %q, want test", cfg.MetricsNamespace)
	}
	if cfg.Logger != logger {
		t.Error("Logger not applied")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing url", func(c *Config) { c.Transport.URL = "" }, true},
		{"http url", func(c *Config) { c.Transport.URL = "http://example.com/ws" }, true},
		{"negative attempts", func(c *Config) { c.Transport.MaxReconnectAttempts = -1 }, true},
		{"odd frame size", func(c *Config) { c.Capture.FrameBytes = 3 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Transport.URL = "ws://localhost:8080/ws"
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRejectsInvalidURL(t *testing.T) {
	_, err := New(WithURL("localhost:8080"))
	if !IsTerminal(err) {
		t.Fatalf("New() error = %v, want terminal error", err)
	}
	if KindOf(err) != KindTransport {
		t.Errorf("kind = %v, want transport", KindOf(err))
	}
	if !errors.Is(err, transport.ErrInvalidURL) {
		t.Error("error should wrap ErrInvalidURL")
	}
}

func TestNewRejectsInvalidCapture(t *testing.T) {
	_, err := New(WithURL("ws://localhost/ws"), WithCapture(capture.Config{}))
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTerminal(err) {
		t.Error("configuration errors are not session errors")
	}
}
