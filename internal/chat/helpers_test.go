package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/freechat/internal/cache"
	"github.com/suPer8Hu/freechat/internal/config"
	"github.com/suPer8Hu/freechat/internal/db"
	"github.com/suPer8Hu/freechat/internal/lock"
	"github.com/suPer8Hu/freechat/internal/metrics"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: db.MemoryDSN(t.Name())}, nil)
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&Settings{}, &Session{}, &Message{}))
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

type testEnv struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	cache    *cache.TieredCache
	locker   *lock.Locker
	metrics  *metrics.Metrics
	settings *SettingsStore
	sessions *SessionStore
	messages *MessageStore
	co       *Coordinator
}

func newTestEnv(t *testing.T, opts Options, lockOpts lock.Options) *testEnv {
	t.Helper()
	gdb := openTestDB(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	m := metrics.New()
	c := cache.New(rdb, cache.Options{Metrics: m})
	lockOpts.Metrics = m
	if lockOpts.RetryInterval == 0 {
		lockOpts.RetryInterval = time.Millisecond
	}
	l := lock.NewLocker(rdb, lockOpts)

	env := &testEnv{
		db:       gdb,
		mr:       mr,
		rdb:      rdb,
		cache:    c,
		locker:   l,
		metrics:  m,
		settings: NewSettingsStore(gdb),
		sessions: NewSessionStore(gdb),
		messages: NewMessageStore(gdb),
	}
	opts.Metrics = m
	env.co = NewCoordinator(c, l, env.settings, env.sessions, env.messages, opts)
	return env
}

// failWrites makes every create/update against table fail until the returned
// func is called.
func failWrites(t *testing.T, gdb *gorm.DB, table string) func() {
	t.Helper()
	name := "test:fail_" + table
	fail := func(tx *gorm.DB) {
		if tx.Statement.Table == table {
			_ = tx.AddError(errors.New("disk full"))
		}
	}
	require.NoError(t, gdb.Callback().Create().Before("gorm:create").Register(name, fail))
	require.NoError(t, gdb.Callback().Update().Before("gorm:update").Register(name, fail))
	return func() {
		_ = gdb.Callback().Create().Remove(name)
		_ = gdb.Callback().Update().Remove(name)
	}
}

type fakeVerifier struct {
	allowed map[string]string // dialog id -> tenant id
}

func (v fakeVerifier) DialogBelongsToTenant(_ context.Context, dialogID, tenantID string) (bool, error) {
	return v.allowed[dialogID] == tenantID, nil
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int { return &i }

func mustCreateSession(t *testing.T, s *SessionStore, id, userID string, createdAt int64) *Session {
	t.Helper()
	sess := &Session{ID: id, UserID: userID, Name: id, CreatedAt: createdAt, UpdatedAt: createdAt}
	require.NoError(t, s.Create(context.Background(), sess))
	return sess
}
