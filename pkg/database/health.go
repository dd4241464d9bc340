package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthStatus describes the database connection state for the health endpoint.
type HealthStatus struct {
	Connected    bool          `json:"connected"`
	Latency      time.Duration `json:"-"`
	LatencyHuman string        `json:"latency"`
	TotalConns   int32         `json:"total_conns"`
	IdleConns    int32         `json:"idle_conns"`
}

// Health pings the database and reports pool statistics.
func Health(ctx context.Context, pool *pgxpool.Pool) (HealthStatus, error) {
	start := time.Now()
	err := pool.Ping(ctx)
	latency := time.Since(start)

	stat := pool.Stat()
	status := HealthStatus{
		Connected:    err == nil,
		Latency:      latency,
		LatencyHuman: latency.String(),
		TotalConns:   stat.TotalConns(),
		IdleConns:    stat.IdleConns(),
	}
	return status, err
}
