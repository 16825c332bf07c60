// voicelink: terminal client for a real-time voice backend.
// Speaks through the microphone and speaker, prints the live transcript and
// accepts typed commands on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/teslashibe/go-voicelink/internal/config"
	vlog "github.com/teslashibe/go-voicelink/internal/log"
	"github.com/teslashibe/go-voicelink/pkg/audioio"
	"github.com/teslashibe/go-voicelink/pkg/conversation"
	"github.com/teslashibe/go-voicelink/pkg/playback"
	"github.com/teslashibe/go-voicelink/pkg/transcript"
)

var version = "0.1.0"

func main() {
	cfg := parseFlags()

	vlog.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger := vlog.L()

	fmt.Println()
	fmt.Println("🎙️  voicelink v" + version)
	fmt.Println("   Backend:", cfg.URL)
	fmt.Println("   Type /help for commands")
	fmt.Println()

	opts := cfg.Options()
	opts = append(opts, conversation.WithLogger(logger))

	if src, err := audioio.NewSource(cfg.Audio, logger); err != nil {
		logger.Warn("no microphone, text only", "error", err)
	} else {
		opts = append(opts, conversation.WithSource(src))
	}

	out := cfg.Audio
	out.SampleRate = playback.DefaultSampleRate
	opts = append(opts, conversation.WithPlayer(playback.NewSinkPlayer(func() (audioio.Sink, error) {
		return audioio.NewSink(out, logger)
	}, logger)))

	store, err := transcript.NewStore(cfg.Transcript)
	if err != nil {
		log.Fatalf("❌ Transcript store: %v", err)
	}
	if store != nil {
		opts = append(opts, conversation.WithStore(store))
	}

	m, err := conversation.New(opts...)
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	defer m.Close()

	m.OnStateChange(func(c conversation.ConnectionState, s conversation.SessionState) {
		fmt.Printf("🔌 %s / %s\n", c, s)
	})
	m.OnTranscript(func(role, text string, isFinal bool) {
		if !isFinal {
			return
		}
		fmt.Printf("💬 %s: %s\n", role, text)
	})
	m.OnRecording(func(on bool) {
		if on {
			fmt.Println("🔴 Recording")
		} else {
			fmt.Println("⏹️  Recording stopped")
		}
	})
	m.OnError(func(e *conversation.Error) {
		if e.Terminal {
			fmt.Printf("❌ %v\n", e)
			return
		}
		fmt.Printf("⚠️  %v\n", e)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := serveMetrics(cfg.Metrics.Addr, m)
	defer shutdown(srv)

	if err := m.Connect(ctx); err != nil {
		log.Fatalf("❌ Connect failed: %v", err)
	}

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n👋 Goodbye!")
			return
		case line, ok := <-lines:
			if !ok || !handleLine(ctx, m, line) {
				fmt.Println("👋 Goodbye!")
				return
			}
		}
	}
}

// parseFlags loads the config file and applies the flags that were set.
func parseFlags() *config.Config {
	configPath := flag.String("config", "", "Path to a YAML config file")
	url := flag.String("url", "", "Backend WebSocket URL (overrides VOICELINK_URL)")
	lang := flag.String("lang", "", "Preferred language code, e.g. en-US")
	audio := flag.String("audio", "", "Audio backend: auto, command, mock")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	name := flag.String("name", "", "Caller name sent with the handshake")
	company := flag.String("company", "", "Caller company sent with the handshake")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	if *url != "" {
		cfg.URL = *url
	}
	if *lang != "" {
		cfg.Language = *lang
	}
	if *audio != "" {
		cfg.Audio.Backend = audioio.Backend(*audio)
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *name != "" {
		cfg.Lead.Name = *name
	}
	if *company != "" {
		cfg.Lead.Company = *company
	}

	if cfg.URL == "" {
		fmt.Fprintln(os.Stderr, "Error: a backend URL is required")
		fmt.Fprintln(os.Stderr, "Usage: voicelink -url ws://localhost:8080/ws")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}
	return cfg
}

func serveMetrics(addr string, m *conversation.Manager) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Metrics().Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("⚠️  Metrics server: %v", err)
		}
	}()
	fmt.Printf("📊 Metrics: http://%s/metrics\n", addr)
	return srv
}

func shutdown(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleLine runs one stdin command. It returns false to quit.
func handleLine(ctx context.Context, m *conversation.Manager, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Println("   /rec         start or stop recording")
		fmt.Println("   /stop        end the session")
		fmt.Println("   /connect     start a new session")
		fmt.Println("   /lang CODE   language for the next session")
		fmt.Println("   /status      show connection state")
		fmt.Println("   /transcript  print the transcript")
		fmt.Println("   /quit        exit")
		fmt.Println("   anything else is sent as a text message")
	case "/rec":
		if m.IsRecording() {
			m.StopRecording()
		} else if err := m.StartRecording(ctx); err != nil {
			fmt.Printf("⚠️  %v\n", err)
		}
	case "/stop":
		m.Stop()
	case "/connect":
		if err := m.Connect(ctx); err != nil {
			fmt.Printf("⚠️  %v\n", err)
		}
	case "/lang":
		if arg == "" {
			fmt.Println("   language:", m.Language())
			return true
		}
		m.SetLanguage(arg)
		fmt.Println("   language for the next session:", arg)
	case "/status":
		s := m.Status()
		p := m.Pending()
		fmt.Printf("   %s / %s, recording=%v, language=%s, attempts=%d, pending=%d audio %d control\n",
			s.Connection, s.Session, s.Recording, s.Language, s.Attempts, p.Audio, p.Control)
		if sess, ok := m.Session(); ok {
			fmt.Printf("   session %s, voice %s, since %s\n", sess.ConnectionID, sess.VoiceName, sess.StartedAt.Format(time.Kitchen))
		}
	case "/transcript":
		fmt.Println(m.Transcript())
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Printf("   unknown command %s\n", cmd)
			return true
		}
		if err := m.SendText(line); err != nil {
			fmt.Printf("⚠️  %v\n", err)
		}
	}
	return true
}
