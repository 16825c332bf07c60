// Package playback queues inbound audio frames from the backend and plays
// them strictly in arrival order, one at a time.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-voicelink/pkg/protocol"
)

// Observer receives playback events. Used for metrics.
type Observer interface {
	FramePlayed(d time.Duration)
	FrameDropped(reason string)
	DepthChanged(depth int)
}

type nopObserver struct{}

func (nopObserver) FramePlayed(time.Duration) {}
func (nopObserver) FrameDropped(string)       {}
func (nopObserver) DepthChanged(int)          {}

// Stats contains playback counters.
type Stats struct {
	Played  int64 `json:"played"`
	Dropped int64 `json:"dropped"`
	Cleared int64 `json:"cleared"`
}

// Queue is a FIFO of undecoded audio payloads drained by a single worker.
type Queue struct {
	player  Player
	logger  *slog.Logger
	obs     Observer
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []protocol.AudioPayload
	playing bool
	closed  bool
	idle    chan struct{}
	stats   Stats
}

// New creates a playback queue. onError, if set, receives decode and device
// errors; it is called without internal locks held.
func New(player Player, logger *slog.Logger, obs Observer, onError func(error)) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Queue{
		player:  player,
		logger:  logger.With("component", "playback.queue"),
		obs:     obs,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
		idle:    idle,
	}
}

// Enqueue appends a frame and starts the worker if none is running.
func (q *Queue) Enqueue(p protocol.AudioPayload) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, p)
	depth := len(q.pending)
	if !q.playing {
		q.playing = true
		q.idle = make(chan struct{})
		q.wg.Add(1)
		go q.run()
	}
	q.mu.Unlock()

	q.obs.DepthChanged(depth)
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.playing = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		p := q.pending[0]
		q.pending[0] = protocol.AudioPayload{}
		q.pending = q.pending[1:]
		depth := len(q.pending)
		q.mu.Unlock()

		q.obs.DepthChanged(depth)

		frame, err := Decode(p)
		if err != nil {
			q.drop("decode", err)
			continue
		}

		if err := q.player.Play(q.ctx, frame); err != nil {
			if q.ctx.Err() != nil {
				continue
			}
			q.drop("device", err)
			continue
		}

		q.mu.Lock()
		q.stats.Played++
		q.mu.Unlock()
		q.obs.FramePlayed(frame.Duration())
	}
}

func (q *Queue) drop(reason string, err error) {
	q.mu.Lock()
	q.stats.Dropped++
	q.mu.Unlock()

	q.logger.Warn("audio frame dropped", "reason", reason, "error", err)
	q.obs.FrameDropped(reason)
	if q.onError != nil {
		q.onError(err)
	}
}

// Clear drops all pending frames. A frame already playing runs to completion.
func (q *Queue) Clear() {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.stats.Cleared += int64(n)
	q.mu.Unlock()

	if n > 0 {
		q.logger.Debug("playback cleared", "frames", n)
		q.obs.DepthChanged(0)
	}
}

// Playing reports whether the worker is active.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of frames waiting to play.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Idle returns a channel that is closed once the queue has drained.
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Stats returns playback counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close stops playback, waits for the worker and releases the player.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return q.player.Close()
}
