package audioio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder/player binaries tried in order when no override is configured.
var (
	captureTools  = []string{"arecord", "rec"}
	playbackTools = []string{"aplay", "play"}
)

func resolveTool(override string, candidates []string) (string, error) {
	if override != "" {
		if _, err := exec.LookPath(override); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrNoCommand, override, err)
		}
		return override, nil
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrNoCommand, strings.Join(candidates, ", "))
}

// rawArgs builds the argument list for a raw PCM16 stream on stdin/stdout.
func rawArgs(tool string, cfg Config) []string {
	rate := strconv.Itoa(cfg.SampleRate)
	ch := strconv.Itoa(cfg.Channels)

	switch tool {
	case "arecord", "aplay":
		args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", ch}
		if cfg.Device != "" {
			args = append(args, "-D", cfg.Device)
		}
		return args
	default:
		// sox rec/play
		return []string{"-q", "-t", "raw", "-b", "16", "-e", "signed-integer", "-L", "-r", rate, "-c", ch, "-"}
	}
}

// classifyExit maps a recorder failure to ErrPermissionDenied when stderr says so.
func classifyExit(tool string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	if errors.Is(err, fs.ErrPermission) ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "operation not permitted") ||
		strings.Contains(lower, "audio open error") {
		return fmt.Errorf("%w: %s: %s", ErrPermissionDenied, tool, msg)
	}
	if msg != "" {
		return fmt.Errorf("%s exited: %v: %s", tool, err, msg)
	}
	return fmt.Errorf("%s exited: %w", tool, err)
}

// CommandSource captures microphone audio by reading raw PCM16 from a
// recorder process's stdout.
type CommandSource struct {
	cfg    Config
	logger *slog.Logger
	tool   string

	mu      sync.Mutex
	running bool
	closed  bool
	cmd     *exec.Cmd
	chunks  chan AudioChunk
	stopCh  chan struct{}
	readErr error

	chunksRead  atomic.Int64
	samplesRead atomic.Int64
}

func newCommandSource(cfg Config, logger *slog.Logger) (*CommandSource, error) {
	tool, err := resolveTool(cfg.CaptureCommand, captureTools)
	if err != nil {
		return nil, err
	}
	return &CommandSource{cfg: cfg, logger: logger, tool: tool}, nil
}

// Start launches the recorder process.
func (s *CommandSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	cmd := exec.Command(s.tool, rawArgs(s.tool, s.cfg)...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s stdout: %w", s.tool, err)
	}
	if err := cmd.Start(); err != nil {
		return classifyExit(s.tool, err, "")
	}

	s.cmd = cmd
	s.running = true
	s.readErr = nil
	s.chunks = make(chan AudioChunk, 10)
	s.stopCh = make(chan struct{})

	go s.captureLoop(cmd, stdout, stderr, s.chunks, s.stopCh)

	s.logger.Info("audio capture started",
		"command", s.tool,
		"sample_rate", s.cfg.SampleRate,
		"device", s.cfg.Device,
	)
	return nil
}

func (s *CommandSource) captureLoop(cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, out chan<- AudioChunk, stopCh <-chan struct{}) {
	defer close(out)

	buf := make([]byte, s.cfg.BufferBytes())
	for {
		n, err := io.ReadFull(stdout, buf)
		if n >= 2 {
			var chunk AudioChunk
			chunk.FromBytes(buf[:n-n%2], s.cfg.SampleRate, s.cfg.Channels)
			select {
			case out <- chunk:
			case <-stopCh:
				cmd.Wait()
				return
			}
			s.chunksRead.Add(1)
			s.samplesRead.Add(int64(len(chunk.Samples)))
		}
		if err != nil {
			waitErr := cmd.Wait()

			s.mu.Lock()
			stopped := !s.running
			s.running = false
			if !stopped && waitErr != nil {
				s.readErr = classifyExit(s.tool, waitErr, stderr.String())
				s.logger.Warn("audio capture ended", "error", s.readErr)
			}
			s.mu.Unlock()
			return
		}
	}
}

// Stop kills the recorder process.
func (s *CommandSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.logger.Info("audio capture stopped", "command", s.tool)
	return nil
}

// Read returns the next chunk, io.EOF after Stop, or the device error.
func (s *CommandSource) Read(ctx context.Context) (AudioChunk, error) {
	s.mu.Lock()
	ch := s.chunks
	s.mu.Unlock()
	if ch == nil {
		return AudioChunk{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-ch:
		if ok {
			return chunk, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return AudioChunk{}, s.readErr
	}
	return AudioChunk{}, io.EOF
}

// Config returns the audio configuration.
func (s *CommandSource) Config() Config { return s.cfg }

// Name returns the recorder binary name.
func (s *CommandSource) Name() string { return s.tool }

// Close stops capture permanently.
func (s *CommandSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// Stats returns source statistics.
func (s *CommandSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SourceStats{
		ChunksRead:  s.chunksRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Running:     running,
		Backend:     s.tool,
	}
}

// CommandSink plays audio by writing raw PCM16 into a player process's stdin.
// The player gives no completion signal, so Flush waits on a wall clock that
// advances by each written chunk's duration.
type CommandSink struct {
	cfg    Config
	logger *slog.Logger
	tool   string

	mu        sync.Mutex
	running   bool
	closed    bool
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	playUntil time.Time

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
	starts         atomic.Int64
}

func newCommandSink(cfg Config, logger *slog.Logger) (*CommandSink, error) {
	tool, err := resolveTool(cfg.PlaybackCommand, playbackTools)
	if err != nil {
		return nil, err
	}
	return &CommandSink{cfg: cfg, logger: logger, tool: tool}, nil
}

// Start launches the player process if it is not running.
func (s *CommandSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	cmd := exec.Command(s.tool, rawArgs(s.tool, s.cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%s stdin: %w", s.tool, err)
	}
	if err := cmd.Start(); err != nil {
		return classifyExit(s.tool, err, "")
	}

	s.cmd = cmd
	s.stdin = stdin
	s.running = true
	s.playUntil = time.Time{}
	s.starts.Add(1)

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.cmd == cmd {
			s.running = false
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Debug("audio player exited", "command", s.tool, "error", err)
		}
	}()

	s.logger.Info("audio playback started", "command", s.tool, "sample_rate", s.cfg.SampleRate)
	return nil
}

func (s *CommandSink) stopLocked() {
	if !s.running {
		return
	}
	s.running = false
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

// Stop kills the player process.
func (s *CommandSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

// Running reports whether the player process is alive.
func (s *CommandSink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Write sends a chunk to the player, resampling to the sink rate.
func (s *CommandSink) Write(ctx context.Context, chunk AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.running {
		return ErrNotRunning
	}

	samples := chunk.Samples
	if chunk.SampleRate > 0 && chunk.SampleRate != s.cfg.SampleRate {
		samples = Resample(samples, chunk.SampleRate, s.cfg.SampleRate)
	}
	if _, err := s.stdin.Write(SamplesToBytes(samples)); err != nil {
		return fmt.Errorf("%s write: %w", s.tool, err)
	}

	now := time.Now()
	if s.playUntil.Before(now) {
		s.playUntil = now
	}
	s.playUntil = s.playUntil.Add(time.Duration(len(samples)/s.cfg.Channels) * time.Second / time.Duration(s.cfg.SampleRate))

	s.chunksWritten.Add(1)
	s.samplesWritten.Add(int64(len(samples)))
	return nil
}

// Flush blocks until the written audio has had time to play.
func (s *CommandSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	wait := time.Until(s.playUntil)
	s.mu.Unlock()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Clear drops buffered audio by restarting the player on the next Start.
func (s *CommandSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.playUntil = time.Time{}
	return nil
}

// Config returns the audio configuration.
func (s *CommandSink) Config() Config { return s.cfg }

// Name returns the player binary name.
func (s *CommandSink) Name() string { return s.tool }

// Close stops playback permanently.
func (s *CommandSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.closed = true
	return nil
}

// Stats returns sink statistics.
func (s *CommandSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SinkStats{
		ChunksWritten:  s.chunksWritten.Load(),
		SamplesWritten: s.samplesWritten.Load(),
		Starts:         s.starts.Load(),
		Running:        running,
		Backend:        s.tool,
	}
}

var (
	_ SourceWithStats = (*CommandSource)(nil)
	_ SinkWithStats   = (*CommandSink)(nil)
)
