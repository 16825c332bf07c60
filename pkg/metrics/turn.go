package metrics

import (
	"sync"
	"time"
)

// Turn records the timing of one user turn, measured from the moment the
// client sent turn_complete.
type Turn struct {
	TurnEnd       time.Time
	FirstAudio    time.Time
	FirstAudioLag time.Duration
	FramesIn      int
	FramesOut     int
}

// TurnTimer measures turn latency. It is goroutine-safe.
type TurnTimer struct {
	mu       sync.Mutex
	current  Turn
	history  []Turn
	observe  func(time.Duration)
	now      func() time.Time
	maxTurns int
}

// NewTurnTimer creates a timer. If m is non-nil, latencies are also
// recorded in its TurnLatency histogram.
func NewTurnTimer(m *Metrics) *TurnTimer {
	t := &TurnTimer{
		history:  make([]Turn, 0, 100),
		now:      time.Now,
		maxTurns: 100,
	}
	if m != nil {
		t.observe = func(d time.Duration) { m.TurnLatency.Observe(d.Seconds()) }
	}
	return t
}

// MarkTurnEnd starts a new measurement.
func (t *TurnTimer) MarkTurnEnd() {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.current.FramesOut
	t.current = Turn{TurnEnd: t.now(), FramesOut: out}
}

// MarkFrameOut counts an outbound audio frame for the turn in progress.
func (t *TurnTimer) MarkFrameOut() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current.TurnEnd.IsZero() {
		t.current = Turn{}
	}
	t.current.FramesOut++
}

// MarkFirstAudio records inbound audio. Only the first frame after a turn
// end is timed; it returns the latency and whether it was measured.
func (t *TurnTimer) MarkFirstAudio() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current.FramesIn++
	if t.current.TurnEnd.IsZero() || !t.current.FirstAudio.IsZero() {
		return 0, false
	}

	t.current.FirstAudio = t.now()
	t.current.FirstAudioLag = t.current.FirstAudio.Sub(t.current.TurnEnd)

	t.history = append(t.history, t.current)
	if len(t.history) > t.maxTurns {
		t.history = t.history[1:]
	}
	if t.observe != nil {
		t.observe(t.current.FirstAudioLag)
	}
	return t.current.FirstAudioLag, true
}

// Current returns the turn in progress.
func (t *TurnTimer) Current() Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Average returns the mean first-audio latency over recent turns.
func (t *TurnTimer) Average() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) == 0 {
		return 0
	}
	var sum time.Duration
	for _, h := range t.history {
		sum += h.FirstAudioLag
	}
	return sum / time.Duration(len(t.history))
}

// FormatLatency renders a duration for logs, "---ms" when unmeasured.
func FormatLatency(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}
