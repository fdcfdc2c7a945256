// Package app wires configuration into the components shared by every binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/freechat/internal/cache"
	"github.com/suPer8Hu/freechat/internal/chat"
	"github.com/suPer8Hu/freechat/internal/config"
	"github.com/suPer8Hu/freechat/internal/db"
	"github.com/suPer8Hu/freechat/internal/lock"
	"github.com/suPer8Hu/freechat/internal/metrics"
	"github.com/suPer8Hu/freechat/internal/migration"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Cfg     config.Config
	Log     *zap.Logger
	DB      *gorm.DB
	Redis   redis.UniversalClient
	Metrics *metrics.Metrics

	Cache       *cache.TieredCache
	Locker      *lock.Locker
	Settings    *chat.SettingsStore
	Sessions    *chat.SessionStore
	Messages    *chat.MessageStore
	Coordinator *chat.Coordinator
	Runner      *migration.Runner
	Jobs        *migration.JobStore
}

// New opens the database and redis named in cfg and builds the component graph.
// An unreachable redis is logged, not fatal: reads fall through to the database
// and writes fail with lock.ErrUnavailable until it comes back.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	gdb, err := db.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := AutoMigrate(gdb); err != nil {
			_ = db.Close(gdb)
			return nil, err
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warn("redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	return Build(cfg, log, gdb, rdb), nil
}

// Build assembles the components over already-open clients.
func Build(cfg config.Config, log *zap.Logger, gdb *gorm.DB, rdb redis.UniversalClient) *App {
	if log == nil {
		log = zap.NewNop()
	}
	m := metrics.New()

	a := &App{
		Cfg:     cfg,
		Log:     log,
		DB:      gdb,
		Redis:   rdb,
		Metrics: m,
		Cache: cache.New(rdb, cache.Options{
			LocalTTLCap:     cfg.Cache.LocalTTLCap,
			LocalMaxEntries: cfg.Cache.LocalMaxEntries,
			Logger:          log,
			Metrics:         m,
		}),
		Locker: lock.NewLocker(rdb, lock.Options{
			Lease:         cfg.Lock.Lease,
			Timeout:       cfg.Lock.Timeout,
			RetryInterval: cfg.Lock.RetryInterval,
			Logger:        log,
			Metrics:       m,
		}),
		Settings: chat.NewSettingsStore(gdb),
		Sessions: chat.NewSessionStore(gdb),
		Messages: chat.NewMessageStore(gdb),
		Jobs:     migration.NewJobStore(gdb).WithStaleAfter(cfg.Worker.JobStaleAfter),
	}

	// Dialog ownership is resolved by the tenant directory, which this service
	// does not host; without a verifier the check is skipped.
	a.Coordinator = chat.NewCoordinator(a.Cache, a.Locker, a.Settings, a.Sessions, a.Messages, chat.Options{
		SettingsTTL: cfg.Cache.SettingsTTL,
		SessionsTTL: cfg.Cache.SessionsTTL,
		Logger:      log,
		Metrics:     m,
	})
	a.Runner = migration.NewRunner(gdb, migration.Options{
		BatchSize:   cfg.Migration.BatchSize,
		Invalidator: a.Coordinator,
		Logger:      log,
		Metrics:     m,
	})
	return a
}

// AutoMigrate creates or updates every table owned by this service.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&chat.Settings{}, &chat.Session{}, &chat.Message{}, &migration.Job{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, db.Close(a.DB))
	}
	_ = a.Log.Sync()
	return errors.Join(errs...)
}
