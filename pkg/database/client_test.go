package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitysync/pubsub/pkg/database"
	"github.com/entitysync/pubsub/test/util"
)

func TestRunMigrations_Idempotent(t *testing.T) {
	_, dsn := util.SetupTestDatabaseWithDSN(t)

	// The harness already migrated the schema; a second run is a no-op.
	require.NoError(t, database.RunMigrations(context.Background(), dsn))
}

func TestMigrations_CreateExpectedTables(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()

	for _, table := range []string{"entity_change_log", "entity_subscriptions"} {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist after migrations", table)
	}
}

func TestHealth(t *testing.T) {
	pool := util.SetupTestDatabase(t)

	status, err := database.Health(context.Background(), pool)
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Greater(t, status.Latency, time.Duration(0))
}

func TestNewClientFromPool(t *testing.T) {
	pool := util.SetupTestDatabase(t)

	client := database.NewClientFromPool(pool, "dsn-placeholder")
	assert.Equal(t, pool, client.Pool())
	assert.Equal(t, "dsn-placeholder", client.DSN())
}

func TestConfig_DSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cfg := database.Config{
		Host:     "db.example.com",
		Port:     5433,
		User:     "svc",
		Password: "pw",
		Database: "pubsub",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.example.com port=5433 user=svc password=pw dbname=pubsub sslmode=require",
		cfg.DSN())

	t.Setenv("DATABASE_URL", "postgres://override")
	assert.Equal(t, "postgres://override", cfg.DSN())
}
