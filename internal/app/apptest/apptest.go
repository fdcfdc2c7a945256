// Package apptest builds an App over in-memory sqlite and miniredis.
package apptest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/freechat/internal/app"
	"github.com/suPer8Hu/freechat/internal/config"
	"github.com/suPer8Hu/freechat/internal/db"
	"go.uber.org/zap"
)

// Config returns a valid configuration pointing at a private sqlite database.
func Config(t testing.TB) config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: "0", Mode: "test"},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: db.MemoryDSN(t.Name()), AutoMigrate: true},
		Cache: config.CacheConfig{
			LocalTTLCap:     30 * time.Second,
			LocalMaxEntries: 1000,
			SettingsTTL:     5 * time.Minute,
			SessionsTTL:     7 * 24 * time.Hour,
		},
		Lock: config.LockConfig{
			Lease:         10 * time.Second,
			Timeout:       200 * time.Millisecond,
			RetryInterval: time.Millisecond,
		},
		JWT:       config.JWTConfig{Secret: "test-secret"},
		RabbitMQ:  config.RabbitMQConfig{Queue: "freechat_test_jobs"},
		Migration: config.MigrationConfig{BatchSize: 10},
		Worker:    config.WorkerConfig{Concurrency: 1, JobStaleAfter: 15 * time.Minute},
	}
}

// New returns a migrated App and the miniredis behind it. Both are closed when
// the test ends.
func New(t testing.TB) (*app.App, *miniredis.Miniredis) {
	t.Helper()
	cfg := Config(t)

	gdb, err := db.Open(cfg.Database, nil)
	require.NoError(t, err)
	require.NoError(t, app.AutoMigrate(gdb))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})

	a := app.Build(cfg, zap.NewNop(), gdb, rdb)
	t.Cleanup(func() { _ = a.Close() })
	return a, mr
}
