// PubSub server — accepts authenticated WebSocket connections, routes
// entity-change notifications from the change log to subscribed clients,
// and coordinates across pods through the shared subscription registry.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/entitysync/pubsub/pkg/api"
	"github.com/entitysync/pubsub/pkg/auth"
	"github.com/entitysync/pubsub/pkg/cleanup"
	"github.com/entitysync/pubsub/pkg/config"
	"github.com/entitysync/pubsub/pkg/database"
	"github.com/entitysync/pubsub/pkg/events"
	"github.com/entitysync/pubsub/pkg/services"
)

// Process exit codes.
const (
	exitOK            = 0
	exitFatalConfig   = 1
	exitDBUnreachable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Fatal configuration error", "error", err)
		return exitFatalConfig
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Fatal database configuration error", "error", err)
		return exitFatalConfig
	}

	podID := resolvePodID()
	slog.Info("Starting pubsub",
		"http_port", cfg.HTTPPort,
		"pod_id", podID,
		"channel", cfg.ListenChannel)

	ctx := context.Background()

	dbClient, err := connectWithRetry(ctx, dbConfig, cfg.DBConnectAttempts)
	if err != nil {
		slog.Error("Database unreachable past retry budget", "error", err)
		return exitDBUnreachable
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// Services over the shared pool.
	subscriptions := services.NewSubscriptionService(dbClient.Pool(), cfg.DBTimeout)
	changelog := services.NewChangeLogService(dbClient.Pool(), cfg.ListenChannel, cfg.DBTimeout)

	statusWriter := services.NewStatusWriter(changelog)
	statusWriter.Start(ctx)
	defer statusWriter.Stop(5 * time.Second)

	// Pod-local connection registry and fan-out.
	verifier := auth.NewVerifier(cfg.TokenSecret)
	manager := events.NewConnectionManager(events.ManagerConfig{
		WriteTimeout:  cfg.WriteTimeout,
		MaxQueueBytes: cfg.MaxOutboundQueueBytes,
		ExpiryWarning: cfg.TokenExpiryWarning,
		PingInterval:  cfg.PingInterval,
	})
	manager.StartSweeper(ctx, cfg.ExpirySweepInterval)
	defer manager.StopSweeper()

	engine := events.NewFanoutEngine(subscriptions, manager, statusWriter)
	gateway := events.NewGateway(verifier, manager, subscriptions)

	// Listener path: dedicated LISTEN session outside the pool.
	listener := events.NewNotifyListener(events.ListenerConfig{
		DSN:         dbClient.DSN(),
		Channel:     cfg.ListenChannel,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}, engine, statusWriter)
	listener.Start(ctx)
	defer listener.Stop()

	// Poller path: safety-net sweep.
	poller := events.NewPollWatcher(events.PollWatcherConfig{
		Interval:     cfg.PollInterval,
		InitialDelay: cfg.PollInitialDelay,
		BatchSize:    cfg.PollBatchSize,
	}, changelog, engine, statusWriter)
	poller.Start(ctx)
	defer poller.Stop()

	// Retention sweep for subscriptions orphaned by dead connections. The
	// manager supplies the live ids this pod heartbeats each sweep.
	retention := cleanup.NewService(subscriptions, manager, cfg.StaleSubscriptionTTL, cfg.CleanupInterval)
	retention.Start(ctx)
	defer retention.Stop()

	httpServer := api.NewServer(dbClient, gateway, manager, subscriptions, listener)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Pubsub started", "pod_id", podID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return exitOK
}

// connectWithRetry attempts the initial database connection within the
// startup retry budget.
func connectWithRetry(ctx context.Context, cfg database.Config, attempts int) (*database.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := database.NewClient(connectCtx, cfg)
		cancel()
		if err == nil {
			return client, nil
		}
		lastErr = err
		slog.Warn("Database connect failed, retrying",
			"attempt", attempt, "max_attempts", attempts, "error", err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return nil, lastErr
}

// resolvePodID determines the pod identifier for logging and diagnostics.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}
