// voice-backend: reference backend for the voicelink protocol.
// Accepts WebSocket sessions, transcribes nothing and echoes each turn back
// as synthesized audio. Useful for local development and load tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	vlog "github.com/teslashibe/go-voicelink/internal/log"
	"github.com/teslashibe/go-voicelink/pkg/backend"
)

var (
	version    = "0.1.0"
	addr       = flag.String("addr", ":8080", "HTTP listen address")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	closeAfter = flag.Int("close-after", 0, "Send session_closed after this many turns (0 disables)")
)

func main() {
	flag.Parse()

	// Override from environment
	if port := os.Getenv("PORT"); port != "" {
		*addr = ":" + port
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	vlog.Init(level, "text")

	fmt.Println()
	fmt.Println("☁️  voice-backend v" + version)
	fmt.Println("   Reference voice session backend")
	fmt.Println()

	app := fiber.New(fiber.Config{
		AppName:               "voice-backend",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if *debug {
		app.Use(logger.New())
	}

	opts := backend.DefaultOptions()
	opts.CloseAfterTurns = *closeAfter
	srv := backend.New(opts, vlog.L())

	srv.RegisterRoutes(app)
	srv.RegisterAPIRoutes(app.Group("/api"))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"version":  version,
			"sessions": srv.SessionCount(),
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(newRegistry(srv), promhttp.HandlerOpts{})))

	go func() {
		log.Printf("🚀 Starting server on %s", *addr)
		log.Printf("   WebSocket: ws://localhost%s/ws", *addr)
		log.Printf("   Sessions:  http://localhost%s/api/sessions", *addr)
		log.Printf("   Metrics:   http://localhost%s/metrics", *addr)

		if err := app.Listen(*addr); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("👋 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// newRegistry exports the server counters to Prometheus.
func newRegistry(srv *backend.Server) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	stat := func(name, help string, get func(backend.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "voice_backend",
			Name:      name,
			Help:      help,
		}, func() float64 { return get(srv.GetStats()) })
	}
	counter := func(name, help string, get func(backend.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "voice_backend",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(srv.GetStats())) })
	}

	reg.MustRegister(
		stat("sessions", "Connected sessions", func(s backend.Stats) float64 { return float64(s.Sessions) }),
		counter("messages_received_total", "Messages received from clients", func(s backend.Stats) uint64 { return s.MessagesReceived }),
		counter("messages_sent_total", "Messages sent to clients", func(s backend.Stats) uint64 { return s.MessagesSent }),
		counter("audio_frames_received_total", "user_audio frames received", func(s backend.Stats) uint64 { return s.AudioFramesIn }),
		counter("protocol_errors_total", "Protocol violations reported to clients", func(s backend.Stats) uint64 { return s.ProtocolErrors }),
	)
	return reg
}
