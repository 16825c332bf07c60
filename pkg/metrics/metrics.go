// Package metrics exposes per-session-manager Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-voicelink/pkg/outbound"
	"github.com/teslashibe/go-voicelink/pkg/playback"
	"github.com/teslashibe/go-voicelink/pkg/protocol"
	"github.com/teslashibe/go-voicelink/pkg/transport"
)

// Metrics holds every collector for one session manager. Each instance owns
// its registry so several managers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent      *prometheus.CounterVec
	DroppedAudio      *prometheus.CounterVec
	PendingControl    prometheus.Gauge
	PendingGated      prometheus.Gauge
	Reconnects        prometheus.Counter
	Handshakes        prometheus.Counter
	FramesPlayed      prometheus.Counter
	PlaybackSeconds   prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	PlaybackDepth     prometheus.Gauge
	LanguageRotations prometheus.Counter
	Errors            *prometheus.CounterVec
	TurnLatency       prometheus.Histogram
}

// New creates and registers all metrics under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicelink"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages written to the transport",
		}, []string{"type"}),
		DroppedAudio: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Outbound audio frames discarded before sending",
		}, []string{"reason"}),
		PendingControl: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_control_messages",
			Help:      "Control messages waiting for the transport",
		}),
		PendingGated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_session_messages",
			Help:      "Audio and session data waiting for an active session",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after an abnormal close",
		}),
		Handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Sessions started by the backend",
		}),
		FramesPlayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_frames_total",
			Help:      "Inbound audio frames played",
		}),
		PlaybackSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_seconds_total",
			Help:      "Seconds of inbound audio played",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_frames_dropped_total",
			Help:      "Inbound audio frames dropped",
		}, []string{"reason"}),
		PlaybackDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_depth",
			Help:      "Inbound audio frames waiting to play",
		}),
		LanguageRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "language_rotations_total",
			Help:      "Sessions restarted because the user changed language",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to the caller",
		}, []string{"kind"}),
		TurnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Time from turn_complete to the first inbound audio frame",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10},
		}),
	}

	m.registry.MustRegister(
		m.MessagesSent,
		m.DroppedAudio,
		m.PendingControl,
		m.PendingGated,
		m.Reconnects,
		m.Handshakes,
		m.FramesPlayed,
		m.PlaybackSeconds,
		m.FramesDropped,
		m.PlaybackDepth,
		m.LanguageRotations,
		m.Errors,
		m.TurnLatency,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessageSent implements outbound.Observer.
func (m *Metrics) MessageSent(t protocol.MessageType) {
	m.MessagesSent.WithLabelValues(string(t)).Inc()
}

// AudioDropped implements outbound.Observer.
func (m *Metrics) AudioDropped(reason string) {
	m.DroppedAudio.WithLabelValues(reason).Inc()
}

// PendingChanged implements outbound.Observer.
func (m *Metrics) PendingChanged(control, gated int) {
	m.PendingControl.Set(float64(control))
	m.PendingGated.Set(float64(gated))
}

// ReconnectScheduled implements transport.Observer.
func (m *Metrics) ReconnectScheduled(int) {
	m.Reconnects.Inc()
}

// FramePlayed implements playback.Observer.
func (m *Metrics) FramePlayed(d time.Duration) {
	m.FramesPlayed.Inc()
	m.PlaybackSeconds.Add(d.Seconds())
}

// FrameDropped implements playback.Observer.
func (m *Metrics) FrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// DepthChanged implements playback.Observer.
func (m *Metrics) DepthChanged(depth int) {
	m.PlaybackDepth.Set(float64(depth))
}

// SessionStarted counts a completed handshake.
func (m *Metrics) SessionStarted() {
	m.Handshakes.Inc()
}

// LanguageRotated counts a language-driven session restart.
func (m *Metrics) LanguageRotated() {
	m.LanguageRotations.Inc()
}

// Error counts a caller-visible error by kind.
func (m *Metrics) Error(kind string) {
	m.Errors.WithLabelValues(kind).Inc()
}

var (
	_ outbound.Observer  = (*Metrics)(nil)
	_ transport.Observer = (*Metrics)(nil)
	_ playback.Observer  = (*Metrics)(nil)
)
