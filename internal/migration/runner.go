// Package migration moves sessions embedded in the legacy settings column into
// the normalized session and message tables, and owns the follow-up tooling:
// slimming, restore, verification and error-reply purge.
//
// Every step is safe to re-run. A session whose id already has a row is never
// copied again.
package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/freechat/internal/chat"
	"github.com/suPer8Hu/freechat/internal/common"
	"github.com/suPer8Hu/freechat/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultBatchSize = 100
	// maxIDRegenerations bounds retries for one message during fallback insert.
	maxIDRegenerations = 3
)

// CacheInvalidator drops cached views of a user after legacy data changed.
type CacheInvalidator interface {
	InvalidateUser(ctx context.Context, userID string)
}

type Options struct {
	BatchSize   int
	Invalidator CacheInvalidator
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type Runner struct {
	db          *gorm.DB
	settings    *chat.SettingsStore
	sessions    *chat.SessionStore
	messages    *chat.MessageStore
	batchSize   int
	invalidator CacheInvalidator
	log         *zap.Logger
	metrics     *metrics.Metrics
}

func NewRunner(db *gorm.DB, opts Options) *Runner {
	r := &Runner{
		db:          db,
		settings:    chat.NewSettingsStore(db),
		sessions:    chat.NewSessionStore(db),
		messages:    chat.NewMessageStore(db),
		batchSize:   opts.BatchSize,
		invalidator: opts.Invalidator,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	r.log = r.log.Named("migration")
	return r
}

type Report struct {
	DryRun           bool     `json:"dry_run"`
	Users            int      `json:"users"`
	SessionsMigrated int      `json:"sessions_migrated"`
	SessionsSkipped  int      `json:"sessions_skipped"`
	MessagesCreated  int      `json:"messages_created"`
	IDsRegenerated   int      `json:"ids_regenerated"`
	Errors           []string `json:"errors,omitempty"`
}

func (rep *Report) addError(format string, args ...any) {
	rep.Errors = append(rep.Errors, fmt.Sprintf(format, args...))
}

// Run migrates every user that still has an embedded session array.
func (r *Runner) Run(ctx context.Context, dryRun bool) (Report, error) {
	rep := Report{DryRun: dryRun}
	err := r.settings.BatchWithLegacySessions(ctx, r.batchSize, func(batch []chat.Settings) error {
		for i := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.migrateUser(ctx, &batch[i], dryRun, &rep)
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("scan legacy settings: %w", err)
	}

	r.log.Info("migration finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("users", rep.Users),
		zap.Int("migrated", rep.SessionsMigrated),
		zap.Int("skipped", rep.SessionsSkipped),
		zap.Int("messages", rep.MessagesCreated),
		zap.Int("ids_regenerated", rep.IDsRegenerated),
		zap.Int("errors", len(rep.Errors)),
	)
	return rep, nil
}

// MigrateUser migrates one user's embedded sessions.
func (r *Runner) MigrateUser(ctx context.Context, userID string, dryRun bool) (Report, error) {
	rep := Report{DryRun: dryRun}
	st, err := r.settings.Get(ctx, userID)
	if err != nil {
		return rep, err
	}
	r.migrateUser(ctx, st, dryRun, &rep)
	return rep, nil
}

func (r *Runner) migrateUser(ctx context.Context, st *chat.Settings, dryRun bool, rep *Report) {
	legacy, err := st.LegacySessions()
	if err != nil {
		rep.addError("user %s: decode legacy sessions: %v", st.UserID, err)
		r.log.Error("legacy sessions undecodable", zap.String("user_id", st.UserID), zap.Error(err))
		return
	}
	rep.Users++

	migrated := 0
	defer func() {
		// cached lists predate the copied rows
		if migrated > 0 {
			r.invalidate(ctx, st.UserID)
		}
	}()

	for _, ls := range legacy {
		if ls.ID == "" {
			rep.addError("user %s: session without id", st.UserID)
			r.metrics.MigrationSessionsTotal.WithLabelValues("failed").Inc()
			continue
		}

		exists, err := r.sessions.Exists(ctx, ls.ID)
		if err != nil {
			rep.addError("session %s: %v", ls.ID, err)
			r.metrics.MigrationSessionsTotal.WithLabelValues("failed").Inc()
			continue
		}
		if exists {
			rep.SessionsSkipped++
			r.metrics.MigrationSessionsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		msgs, regenerated := buildMessages(ls)
		if dryRun {
			rep.SessionsMigrated++
			rep.MessagesCreated += len(msgs)
			rep.IDsRegenerated += regenerated
			continue
		}

		fallbackRegen, err := r.copySession(ctx, st.UserID, ls, msgs)
		if err != nil {
			rep.addError("session %s: %v", ls.ID, err)
			r.metrics.MigrationSessionsTotal.WithLabelValues("failed").Inc()
			r.log.Error("session copy failed", zap.String("user_id", st.UserID), zap.String("session_id", ls.ID), zap.Error(err))
			continue
		}
		migrated++
		rep.SessionsMigrated++
		rep.MessagesCreated += len(msgs)
		rep.IDsRegenerated += regenerated + fallbackRegen
		r.metrics.MigrationSessionsTotal.WithLabelValues("migrated").Inc()
	}
}

// buildMessages turns embedded messages into rows. seq is the array position;
// ids too short to trust are replaced.
func buildMessages(ls chat.LegacySession) ([]chat.Message, int) {
	createdAt := ls.CreatedAt
	if createdAt == 0 {
		createdAt = common.NowMillis()
	}

	regenerated := 0
	out := make([]chat.Message, 0, len(ls.Messages))
	for i, lm := range ls.Messages {
		id := lm.ID
		if !common.ValidMessageID(id) {
			id = common.NewMessageID()
			regenerated++
		}
		role := lm.Role
		if role == "" {
			role = chat.RoleUser
		}
		ts := lm.CreatedAt
		if ts == 0 {
			ts = createdAt
		}
		m := chat.Message{
			ID:        id,
			SessionID: ls.ID,
			Role:      role,
			Content:   lm.Content,
			Seq:       i,
			CreatedAt: ts,
		}
		if len(lm.Reference) > 0 && string(lm.Reference) != "null" {
			m.Reference = datatypes.JSON(lm.Reference)
		}
		out = append(out, m)
	}
	return out, regenerated
}

// copySession writes the session row and its messages atomically. A bulk insert
// that hits a duplicate id is rolled back to a savepoint and replayed one
// message at a time with fresh ids for the colliding rows.
func (r *Runner) copySession(ctx context.Context, userID string, ls chat.LegacySession, msgs []chat.Message) (int, error) {
	createdAt := ls.CreatedAt
	if createdAt == 0 {
		createdAt = common.NowMillis()
	}
	updatedAt := ls.UpdatedAt
	if updatedAt == 0 {
		updatedAt = createdAt
	}
	sess := &chat.Session{
		ID:             ls.ID,
		UserID:         userID,
		Name:           ls.Name,
		ConversationID: ls.ConversationID,
		ModelCardID:    ls.ModelCardID,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}

	regenerated := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sessions := r.sessions.WithTx(tx)
		messages := r.messages.WithTx(tx)

		if err := sessions.Create(ctx, sess); err != nil {
			return err
		}
		err := messages.BatchCreate(ctx, msgs)
		if err == nil {
			return nil
		}
		if !errors.Is(err, chat.ErrConflict) {
			return err
		}

		r.log.Warn("bulk insert collided, inserting one by one", zap.String("session_id", ls.ID), zap.Int("messages", len(msgs)))
		n, err := insertEach(ctx, messages, msgs)
		regenerated = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return regenerated, nil
}

func insertEach(ctx context.Context, messages *chat.MessageStore, msgs []chat.Message) (int, error) {
	regenerated := 0
	for i := range msgs {
		m := msgs[i]
		taken, err := messages.Exists(ctx, m.ID)
		if err != nil {
			return regenerated, err
		}
		if taken {
			m.ID = common.NewMessageID()
			regenerated++
		}

		for attempt := 0; ; attempt++ {
			err = messages.Create(ctx, &m)
			if err == nil || !errors.Is(err, chat.ErrConflict) || attempt >= maxIDRegenerations {
				break
			}
			m.ID = common.NewMessageID()
			regenerated++
		}
		if err != nil {
			return regenerated, fmt.Errorf("message seq %d: %w", m.Seq, err)
		}
		msgs[i].ID = m.ID
	}
	return regenerated, nil
}
