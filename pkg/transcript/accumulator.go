// Package transcript accumulates streamed transcript text, detects the
// language of finalized user segments and optionally persists them.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-voicelink/pkg/protocol"
)

// Segment is one finalized stretch of transcript from a single speaker.
type Segment struct {
	Text string    `json:"text"`
	Role string    `json:"role,omitempty"`
	At   time.Time `json:"at"`
}

// Accumulator collects streamed transcript updates for the active session.
// A segment is sealed when the backend marks an update final or when the
// speaking role changes.
type Accumulator struct {
	mu      sync.Mutex
	partial strings.Builder
	role    string
	history []Segment
	last    *Segment
	now     func() time.Time
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{now: time.Now}
}

// Append adds a transcript update. It returns the sealed segment, if this
// update sealed one. An update without a role is the user's.
func (a *Accumulator) Append(p protocol.TranscriptPayload) (Segment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sealed Segment
	var ok bool
	role := p.Speaker()
	if a.partial.Len() > 0 && role != a.role {
		sealed, ok = a.sealLocked()
	}

	a.role = role
	a.partial.WriteString(p.Text)

	if p.IsFinal {
		sealed, ok = a.sealLocked()
	}
	return sealed, ok
}

func (a *Accumulator) sealLocked() (Segment, bool) {
	text := strings.TrimSpace(a.partial.String())
	role := a.role
	a.partial.Reset()
	a.role = ""
	if text == "" {
		return Segment{}, false
	}

	seg := Segment{Text: text, Role: role, At: a.now()}
	a.history = append(a.history, seg)
	a.last = &seg
	return seg, true
}

// Finalize returns the most recently sealed segment exactly once.
func (a *Accumulator) Finalize() (Segment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Segment{}, false
	}
	seg := *a.last
	a.last = nil
	return seg, true
}

// Partial returns the unsealed text.
func (a *Accumulator) Partial() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.partial.String()
}

// Segments returns a copy of every sealed segment.
func (a *Accumulator) Segments() []Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Segment(nil), a.history...)
}

// Text returns the whole transcript, sealed and partial, one segment per line.
func (a *Accumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	lines := make([]string, 0, len(a.history)+1)
	for _, s := range a.history {
		lines = append(lines, s.Text)
	}
	if p := strings.TrimSpace(a.partial.String()); p != "" {
		lines = append(lines, p)
	}
	return strings.Join(lines, "\n")
}

// Reset discards everything.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partial.Reset()
	a.role = ""
	a.history = nil
	a.last = nil
}
