// Package outbound buffers client messages until the transport and the
// logical session are ready, then releases them in order.
//
// Two gates guard delivery. Control messages (start, turn_complete) need an
// open transport. Audio and session data (user_message, user_image) also
// need an active session. Every send names the transport instance it was
// released for, so a frame can never reach a link that has not carried the
// matching start handshake.
package outbound

import (
	"log/slog"
	"sync"

	"github.com/teslashibe/go-voicelink/pkg/protocol"
)

// Sender writes one encoded message to a specific transport instance.
type Sender interface {
	Send(linkID string, data []byte) error
}

// Observer receives queue accounting. Implementations must not call back
// into the queue.
type Observer interface {
	MessageSent(t protocol.MessageType)
	AudioDropped(reason string)
	PendingChanged(control, gated int)
}

type nopObserver struct{}

func (nopObserver) MessageSent(protocol.MessageType) {}
func (nopObserver) AudioDropped(string)              {}
func (nopObserver) PendingChanged(int, int)          {}

// Config bounds the queue.
type Config struct {
	// MaxPendingAudio caps held user_audio frames; the oldest is dropped on overflow.
	MaxPendingAudio int `yaml:"max_pending_audio" json:"max_pending_audio"`
}

// DefaultConfig holds roughly 30 seconds of 100ms frames.
func DefaultConfig() Config {
	return Config{MaxPendingAudio: 300}
}

// Counts is a snapshot of pending items. SessionData counts every gated
// item that is not audio, including a turn_complete held behind audio.
type Counts struct {
	Control     int
	Audio       int
	SessionData int
}

// Stats are cumulative counters.
type Stats struct {
	Sent         int64
	DroppedAudio int64
	SendFailures int64
}

// Queue is the outbound backpressure controller. It is safe for concurrent use.
// Sends happen with the queue lock held so release order equals enqueue order.
type Queue struct {
	cfg    Config
	sender Sender
	obs    Observer
	logger *slog.Logger

	mu            sync.Mutex
	linkID        string
	transportOpen bool
	sessionActive bool
	control       []*protocol.Message
	gated         []*protocol.Message // audio, session data and trailing turn_complete, in arrival order
	audioPending  int
	stats         Stats
}

// New creates a queue that sends through sender.
func New(sender Sender, cfg Config, logger *slog.Logger, obs Observer) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if cfg.MaxPendingAudio <= 0 {
		cfg.MaxPendingAudio = DefaultConfig().MaxPendingAudio
	}
	return &Queue{
		cfg:    cfg,
		sender: sender,
		obs:    obs,
		logger: logger.With("component", "outbound.queue"),
	}
}

// Enqueue sends msg immediately when its gates are open and holds it otherwise.
//
// A turn_complete that arrives while audio is still held is ordered behind
// that audio so the backend never sees the end of a turn before its frames.
func (q *Queue) Enqueue(msg *protocol.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch msg.Kind() {
	case protocol.KindControl:
		if msg.Type == protocol.TypeTurnComplete && q.audioPending > 0 {
			q.gated = append(q.gated, msg)
			q.changedLocked()
			return
		}
		if q.transportOpen && len(q.control) == 0 {
			if q.sendLocked(msg) {
				return
			}
		}
		q.control = append(q.control, msg)
	case protocol.KindAudio:
		if q.transportOpen && q.sessionActive && len(q.gated) == 0 {
			q.sendLocked(msg)
			return
		}
		q.holdAudioLocked(msg)
	case protocol.KindSessionData:
		if q.transportOpen && q.sessionActive && len(q.gated) == 0 {
			if q.sendLocked(msg) {
				return
			}
		}
		q.gated = append(q.gated, msg)
	default:
		q.logger.Warn("refusing to queue server message", "type", msg.Type)
		return
	}
	q.changedLocked()
}

func (q *Queue) holdAudioLocked(msg *protocol.Message) {
	if q.audioPending >= q.cfg.MaxPendingAudio {
		for i, m := range q.gated {
			if m.Type == protocol.TypeUserAudio {
				q.gated = append(q.gated[:i], q.gated[i+1:]...)
				q.audioPending--
				q.stats.DroppedAudio++
				q.obs.AudioDropped("overflow")
				break
			}
		}
	}
	q.gated = append(q.gated, msg)
	q.audioPending++
}

// OpenTransport opens the transport gate for linkID, sends first (the start
// handshake) and then drains pending control messages. Held audio stays held.
// A failed handshake is not re-queued; the next link sends its own.
// Reopening the same link keeps its session gate as it was.
func (q *Queue) OpenTransport(linkID string, first ...*protocol.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.linkID != linkID {
		if q.linkID != "" {
			q.closeLocked()
		}
		q.sessionActive = false
	}
	q.linkID = linkID
	q.transportOpen = true

	for _, m := range first {
		if !q.sendLocked(m) {
			q.changedLocked()
			return
		}
	}
	q.drainControlLocked()
	q.changedLocked()
}

func (q *Queue) drainControlLocked() {
	for len(q.control) > 0 && q.transportOpen {
		m := q.control[0]
		if !q.sendLocked(m) {
			return
		}
		q.control = q.control[1:]
	}
}

// ActivateSession drains held audio and session data in arrival order, then
// opens the session gate. It is a no-op while the transport gate is closed.
func (q *Queue) ActivateSession() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.transportOpen {
		return
	}
	q.sessionActive = true
	q.drainControlLocked()
	q.drainGatedLocked()
	q.changedLocked()
}

func (q *Queue) drainGatedLocked() {
	for len(q.gated) > 0 && q.transportOpen && q.sessionActive {
		m := q.gated[0]
		ok := q.sendLocked(m)
		if !ok && m.Type != protocol.TypeUserAudio {
			return
		}
		q.gated = q.gated[1:]
		if m.Type == protocol.TypeUserAudio {
			q.audioPending--
		}
	}
}

// DeactivateSession closes the session gate; new audio is held until the
// next ActivateSession on the same transport.
func (q *Queue) DeactivateSession() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessionActive = false
}

// CloseTransport closes both gates. Held audio belonged to the dead
// transport's session and is discarded together with any turn_complete
// ordered behind it; control and session data are kept for the next link.
func (q *Queue) CloseTransport() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
	q.changedLocked()
}

func (q *Queue) closeLocked() {
	q.transportOpen = false
	q.sessionActive = false
	q.linkID = ""

	kept := q.gated[:0]
	for _, m := range q.gated {
		switch m.Type {
		case protocol.TypeUserAudio:
			q.stats.DroppedAudio++
			q.obs.AudioDropped("transport_closed")
		case protocol.TypeTurnComplete:
		default:
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(q.gated); i++ {
		q.gated[i] = nil
	}
	q.gated = kept
	q.audioPending = 0
}

// Clear discards everything and closes both gates.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.transportOpen = false
	q.sessionActive = false
	q.linkID = ""
	q.control = nil
	q.gated = nil
	q.audioPending = 0
	q.changedLocked()
}

// sendLocked writes one message. On failure the transport gate closes so
// later messages queue instead of failing one by one.
func (q *Queue) sendLocked(m *protocol.Message) bool {
	data, err := m.Bytes()
	if err != nil {
		q.logger.Error("encode failed, dropping message", "type", m.Type, "error", err)
		return true
	}
	if err := q.sender.Send(q.linkID, data); err != nil {
		q.stats.SendFailures++
		q.transportOpen = false
		q.sessionActive = false
		q.logger.Warn("send failed", "type", m.Type, "link", q.linkID, "error", err)
		if m.Type == protocol.TypeUserAudio {
			q.stats.DroppedAudio++
			q.obs.AudioDropped("send_failed")
		}
		return false
	}
	q.stats.Sent++
	q.obs.MessageSent(m.Type)
	if m.Type != protocol.TypeUserAudio {
		q.logger.Debug("sent", "type", m.Type, "link", q.linkID)
	}
	return true
}

func (q *Queue) changedLocked() {
	q.obs.PendingChanged(len(q.control), len(q.gated))
}

// Pending returns the number of held messages by kind.
func (q *Queue) Pending() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{
		Control:     len(q.control),
		Audio:       q.audioPending,
		SessionData: len(q.gated) - q.audioPending,
	}
}

// OpenOn reports whether the transport gate is open for linkID.
func (q *Queue) OpenOn(linkID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transportOpen && q.linkID == linkID
}

// TransportOpen reports the transport gate.
func (q *Queue) TransportOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transportOpen
}

// SessionActive reports the session gate.
func (q *Queue) SessionActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sessionActive
}

// Stats returns cumulative counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
