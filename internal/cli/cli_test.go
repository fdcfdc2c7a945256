package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/freechat/internal/app"
	"github.com/suPer8Hu/freechat/internal/app/apptest"
	"github.com/suPer8Hu/freechat/internal/chat"
	"github.com/suPer8Hu/freechat/internal/config"
	"github.com/suPer8Hu/freechat/internal/db"
	"github.com/suPer8Hu/freechat/internal/httpapi/middleware"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakePublisher struct {
	mu     sync.Mutex
	ids    []string
	closed bool
}

func (p *fakePublisher) PublishJob(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, jobID)
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

// harness keeps one connection to the in-memory database open so data
// outlives the App each command builds and closes.
type harness struct {
	t      *testing.T
	cfg    config.Config
	mr     *miniredis.Miniredis
	keeper *gorm.DB
	pub    *fakePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := apptest.Config(t)
	keeper, err := db.Open(cfg.Database, nil)
	require.NoError(t, err)
	require.NoError(t, app.AutoMigrate(keeper))
	t.Cleanup(func() { _ = db.Close(keeper) })
	return &harness{t: t, cfg: cfg, mr: miniredis.RunT(t), keeper: keeper, pub: &fakePublisher{}}
}

func (h *harness) newApp(_ context.Context, _, _ string) (*app.App, error) {
	gdb, err := db.Open(h.cfg.Database, nil)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: h.mr.Addr(), MaxRetries: -1})
	return app.Build(h.cfg, zap.NewNop(), gdb, rdb), nil
}

func (h *harness) run(args ...string) (string, error) {
	cmd := NewRootCmd(Options{
		NewApp:       h.newApp,
		NewPublisher: func(config.RabbitMQConfig) (JobPublisher, error) { return h.pub, nil },
	})
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func (h *harness) seed(userID, sessions string) {
	h.t.Helper()
	require.NoError(h.t, h.keeper.Create(&chat.Settings{
		UserID:      userID,
		ModelParams: chat.DefaultModelParams(),
		KBIDs:       datatypes.JSONSlice[string]{},
		Sessions:    datatypes.JSON(sessions),
	}).Error)
}

func decodeOut[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestRootCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("--version")
	require.NoError(t, err)
	assert.Contains(t, out, "freechatctl version "+version)

	out, err = h.run("--help")
	require.NoError(t, err)
	for _, sub := range []string{"migrate", "cache", "token"} {
		assert.Contains(t, out, sub)
	}

	out, err = h.run("migrate", "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "verify", "slim", "restore", "enqueue", "purge-errors"} {
		assert.Contains(t, out, sub)
	}
}

func TestMigrateLifecycle(t *testing.T) {
	h := newHarness(t)
	h.seed("u1", `[{"id":"s1","name":"S","messages":[{"content":"hi"},{"role":"assistant","content":"**ERROR** timeout"}]}]`)

	out, err := h.run("migrate", "verify")
	assert.ErrorIs(t, err, ErrVerifyFailed)
	assert.Contains(t, out, `"s1"`)

	out, err = h.run("migrate", "run", "--dry-run")
	require.NoError(t, err)
	dry := decodeOut[map[string]any](t, out)
	assert.Equal(t, true, dry["dry_run"])
	assert.Equal(t, float64(1), dry["sessions_migrated"])

	out, err = h.run("migrate", "run")
	require.NoError(t, err)
	assert.Equal(t, float64(2), decodeOut[map[string]any](t, out)["messages_created"])

	out, err = h.run("migrate", "run")
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeOut[map[string]any](t, out)["sessions_skipped"])

	_, err = h.run("migrate", "verify")
	require.NoError(t, err)

	out, err = h.run("migrate", "slim")
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeOut[map[string]any](t, out)["sessions_slimmed"])

	_, err = h.run("migrate", "verify")
	require.NoError(t, err)

	out, err = h.run("migrate", "purge-errors", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeOut[map[string]any](t, out)["messages"])

	_, err = h.run("migrate", "purge-errors")
	require.NoError(t, err)

	// the slimmed count still says 2, so verify now reports the loss
	_, err = h.run("migrate", "verify")
	assert.ErrorIs(t, err, ErrVerifyFailed)

	out, err = h.run("migrate", "restore", "--user", "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeOut[map[string]any](t, out)["sessions_restored"])

	_, err = h.run("migrate", "verify")
	require.NoError(t, err)

	_, err = h.run("migrate", "restore")
	assert.Error(t, err)
}

func TestMigrateEnqueue(t *testing.T) {
	h := newHarness(t)
	h.seed("u1", `[{"id":"s1","messages":[]}]`)
	h.seed("u2", `[{"id":"s2","messages":[]}]`)

	out, err := h.run("migrate", "enqueue")
	require.NoError(t, err)
	rep := decodeOut[map[string]any](t, out)
	assert.Equal(t, float64(2), rep["created"])
	assert.Equal(t, float64(2), rep["published"])
	assert.Len(t, h.pub.ids, 2)
	assert.True(t, h.pub.closed)
}

func TestCacheCommands(t *testing.T) {
	h := newHarness(t)
	h.seed("u1", `null`)
	h.seed("u2", `null`)

	out, err := h.run("cache", "warmup")
	require.NoError(t, err)
	assert.Equal(t, float64(2), decodeOut[map[string]any](t, out)["warmed"])
	assert.True(t, h.mr.Exists(chat.SettingsKey("u1")))

	require.NoError(t, h.mr.Set(chat.SessionsKey("u1"), "[]"))

	out, err = h.run("cache", "invalidate", "--user", "u1")
	require.NoError(t, err)
	assert.False(t, h.mr.Exists(chat.SettingsKey("u1")))
	assert.False(t, h.mr.Exists(chat.SessionsKey("u1")))
	assert.True(t, h.mr.Exists(chat.SettingsKey("u2")))

	out, err = h.run("cache", "invalidate", "--prefix", chat.SettingsKeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeOut[map[string]any](t, out)["deleted"])
	assert.False(t, h.mr.Exists(chat.SettingsKey("u2")))

	_, err = h.run("cache", "invalidate")
	assert.Error(t, err)
	_, err = h.run("cache", "invalidate", "--user", "u1", "--prefix", "x")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	h := newHarness(t)
	t.Setenv("FREECHAT_JWT_SECRET", "cli-secret")

	out, err := h.run("token", "--sub", "ops", "--tenant", "t9", "--ttl", "1m")
	require.NoError(t, err)

	claims, err := middleware.ParseToken("cli-secret", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "t9", claims.TenantID)
	assert.WithinDuration(t, time.Now().Add(time.Minute), claims.ExpiresAt.Time, 5*time.Second)

	_, err = h.run("token")
	assert.Error(t, err)
}
