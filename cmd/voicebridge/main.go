// Command voicebridge is the main entry point for the voicebridge server: it
// accepts carrier voice calls over webhooks and a media WebSocket, bridges the
// audio to the OpenAI realtime API and books spa appointments through the
// booking backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/santacaterina/voicebridge/internal/booking"
	"github.com/santacaterina/voicebridge/internal/bridge"
	"github.com/santacaterina/voicebridge/internal/config"
	"github.com/santacaterina/voicebridge/internal/convlog"
	"github.com/santacaterina/voicebridge/internal/health"
	"github.com/santacaterina/voicebridge/internal/notify"
	"github.com/santacaterina/voicebridge/internal/observe"
	"github.com/santacaterina/voicebridge/internal/persona"
	"github.com/santacaterina/voicebridge/internal/resilience"
	"github.com/santacaterina/voicebridge/internal/server"
	"github.com/santacaterina/voicebridge/internal/tools"
	"github.com/santacaterina/voicebridge/pkg/realtime"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.LogLevel))

	slog.Info("voicebridge starting",
		"version", version,
		"model", cfg.OpenAIModel,
		"hostname", cfg.ExternalHostname,
		"port", cfg.Port,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicebridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Conversation log ──────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database pool", "err", err)
		return 1
	}
	defer pool.Close()

	store := convlog.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		slog.Error("failed to migrate conversation log schema", "err", err)
		return 1
	}
	slog.Info("conversation log ready")

	// ── Booking backend ───────────────────────────────────────────────────────
	bookings := booking.New(cfg.BookingStoreURL, cfg.BookingStoreKey,
		booking.WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{})),
	)

	// ── Tool dispatcher ───────────────────────────────────────────────────────
	toolOpts := []tools.Option{
		tools.WithSessionHours(cfg.SessionDurationHours),
		tools.WithTimeout(cfg.ToolTimeout),
		tools.WithMetrics(metrics),
	}
	if cfg.SMS.Enabled() {
		toolOpts = append(toolOpts, tools.WithNotifier(
			notify.NewSMS(cfg.SMS.AccountSID, cfg.SMS.AuthToken, cfg.SMS.FromNumber, cfg.SpaName),
		))
		slog.Info("sms confirmations enabled", "from", cfg.SMS.FromNumber)
	}
	dispatcher := tools.New(bookings, toolOpts...)

	// ── Call bridge ───────────────────────────────────────────────────────────
	p, err := persona.Default()
	if err != nil {
		slog.Error("failed to load persona", "err", err)
		return 1
	}

	ai := realtime.NewClient(cfg.OpenAIAPIKey, realtime.WithModel(cfg.OpenAIModel))
	br := bridge.New(ai, dispatcher, store, p, bridge.Config{
		SpaName:      cfg.SpaName,
		SessionHours: cfg.SessionDurationHours,
		MaxCapacity:  cfg.MaxCapacityPerSlot,
		Voice:        cfg.Voice,
		Model:        cfg.OpenAIModel,
		Keepalive:    cfg.AIKeepalive,
	}, bridge.WithMetrics(metrics))

	// ── HTTP surface ──────────────────────────────────────────────────────────
	healthHandler := health.New(
		health.Info{
			Service:  "voicebridge",
			Version:  version,
			Model:    cfg.OpenAIModel,
			Database: "connected",
		},
		health.Checker{Name: "database", Check: pool.Ping},
		health.Checker{Name: "booking", Check: bookings.Ping},
	)

	srv := server.New(
		server.Config{Hostname: cfg.ExternalHostname, SpaName: cfg.SpaName},
		server.Deps{
			Log:      store,
			Bookings: bookings,
			Tools:    dispatcher,
			Bridge:   br,
			Persona:  p,
			Health:   healthHandler,
			Metrics:  metrics,
		},
	)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// newLogger builds a text slog handler at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
