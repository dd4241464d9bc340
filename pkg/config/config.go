// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the immutable configuration snapshot built once at startup and
// passed explicitly to every component. There are no other globals.
type Config struct {
	// HTTPPort is the port the gin server listens on.
	HTTPPort string

	// TokenSecret signs and verifies bearer tokens. Required.
	TokenSecret string

	// ListenChannel is the PostgreSQL NOTIFY channel carrying change events.
	ListenChannel string

	// PollInterval is the safety-net sweep period of the poll watcher.
	PollInterval time.Duration
	// PollInitialDelay delays the first sweep so connections can form.
	PollInitialDelay time.Duration
	// PollBatchSize caps how many pending change rows one sweep fetches.
	PollBatchSize int

	// ReconnectBaseDelay is the first listener reconnect backoff step.
	ReconnectBaseDelay time.Duration
	// ReconnectMaxAttempts is the hard ceiling after which the listener
	// stays down and the poll watcher carries delivery alone.
	ReconnectMaxAttempts int

	// TokenExpiryWarning is how far before expiry TOKEN_EXPIRING_SOON is sent.
	TokenExpiryWarning time.Duration
	// ExpirySweepInterval is the period of the connection expiry sweep.
	ExpirySweepInterval time.Duration
	// PingInterval is the expected client heartbeat period; a connection
	// silent for three intervals is closed.
	PingInterval time.Duration

	// WriteTimeout bounds every WebSocket frame write.
	WriteTimeout time.Duration
	// MaxOutboundQueueBytes is the per-connection backpressure threshold.
	MaxOutboundQueueBytes int

	// DBTimeout is the deadline applied to every database call.
	DBTimeout time.Duration
	// DBConnectAttempts is the startup retry budget before exit code 2.
	DBConnectAttempts int

	// StaleSubscriptionTTL is the age past which subscription rows are
	// considered garbage from dead connections.
	StaleSubscriptionTTL time.Duration
	// CleanupInterval is the period of the stale subscription sweep.
	CleanupInterval time.Duration
}

// Load builds a Config from environment variables, applying defaults.
// Returns an error for missing required values or unparseable numbers;
// the caller treats that as a fatal configuration error.
func Load() (*Config, error) {
	secret := os.Getenv("PUBSUB_TOKEN_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("PUBSUB_TOKEN_SECRET is required")
	}

	pollMs, err := envInt("POLL_INTERVAL_MS", 60000)
	if err != nil {
		return nil, err
	}
	batch, err := envInt("POLL_BATCH_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	reconnectMs, err := envInt("RECONNECT_BASE_DELAY_MS", 5000)
	if err != nil {
		return nil, err
	}
	reconnectAttempts, err := envInt("RECONNECT_MAX_ATTEMPTS", 10)
	if err != nil {
		return nil, err
	}
	warningSec, err := envInt("TOKEN_EXPIRY_WARNING_SEC", 300)
	if err != nil {
		return nil, err
	}
	sweepMs, err := envInt("EXPIRY_SWEEP_INTERVAL_MS", 10000)
	if err != nil {
		return nil, err
	}
	pingSec, err := envInt("PING_INTERVAL_SEC", 30)
	if err != nil {
		return nil, err
	}
	writeMs, err := envInt("WRITE_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	queueBytes, err := envInt("MAX_OUTBOUND_QUEUE_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	dbTimeoutMs, err := envInt("DB_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	connectAttempts, err := envInt("DB_CONNECT_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	staleHours, err := envInt("STALE_SUBSCRIPTION_TTL_HOURS", 24)
	if err != nil {
		return nil, err
	}
	cleanupMin, err := envInt("CLEANUP_INTERVAL_MIN", 60)
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPPort:              getEnvOrDefault("HTTP_PORT", "8080"),
		TokenSecret:           secret,
		ListenChannel:         getEnvOrDefault("LISTEN_CHANNEL", "entity_changes"),
		PollInterval:          time.Duration(pollMs) * time.Millisecond,
		PollInitialDelay:      5 * time.Second,
		PollBatchSize:         batch,
		ReconnectBaseDelay:    time.Duration(reconnectMs) * time.Millisecond,
		ReconnectMaxAttempts:  reconnectAttempts,
		TokenExpiryWarning:    time.Duration(warningSec) * time.Second,
		ExpirySweepInterval:   time.Duration(sweepMs) * time.Millisecond,
		PingInterval:          time.Duration(pingSec) * time.Second,
		WriteTimeout:          time.Duration(writeMs) * time.Millisecond,
		MaxOutboundQueueBytes: queueBytes,
		DBTimeout:             time.Duration(dbTimeoutMs) * time.Millisecond,
		DBConnectAttempts:     connectAttempts,
		StaleSubscriptionTTL:  time.Duration(staleHours) * time.Hour,
		CleanupInterval:       time.Duration(cleanupMin) * time.Minute,
	}, nil
}

func envInt(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
