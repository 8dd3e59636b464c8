package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/app"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/broadcast"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/catalog"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/config"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/devicesim"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/metrics"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/openlibrary"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/platform/logging"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/platform/version"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/scan"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func runGracefulShutdown(srv *server.Server, appSvc *app.Service, broadcaster *broadcast.Broadcaster) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		broadcaster.Stop()
		appSvc.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)

	// Simulated capture hardware and decode engine. Real platform
	// integrations plug in behind the same domain interfaces.
	engine := devicesim.NewEngine(
		domain.CaptureDevice{ID: "cam-front", Label: "Front Camera"},
		domain.CaptureDevice{ID: "cam-back", Label: "Back Camera"},
	)
	media := devicesim.NewPlatform()

	store := catalog.NewInMemoryStore(clock)
	lookup := openlibrary.NewClient(cfg.OpenLibraryBaseURL)

	scanCfg := scan.Config{
		SettleDelay:        cfg.ScanSettleDelay,
		StreamPollBackoff:  cfg.ScanStreamPollBackoff,
		StreamPollAttempts: cfg.ScanStreamPollAttempts,
	}

	// The broadcaster activates a session when its first client connects and
	// releases the camera when the last one leaves; the app service publishes
	// scan events back through the broadcaster.
	var (
		appSvc      *app.Service
		broadcaster *broadcast.Broadcaster
	)

	onFirstClient := func(sessionUUID uuid.UUID) {
		state, err := appSvc.SessionState(sessionUUID)
		if err != nil {
			slog.Error("Failed to load session state", "session_uuid", sessionUUID.String(), "error", err)
			return
		}
		broadcaster.Publish(sessionUUID, domain.ScanEvent{Type: domain.EventState, State: &state})
	}
	onSessionEmpty := func(sessionUUID uuid.UUID) { appSvc.OnSessionEmpty(sessionUUID) }

	broadcaster = broadcast.NewBroadcaster(onFirstClient, onSessionEmpty, clock, cfg.MaxClientsPerSession)
	appSvc = app.NewService(engine, media, store, lookup, broadcaster, clock, scanCfg)

	srv := server.NewServer(cfg, appSvc, broadcaster)

	done := runGracefulShutdown(srv, appSvc, broadcaster)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
