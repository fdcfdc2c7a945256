package migration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/suPer8Hu/freechat/internal/chat"
	"go.uber.org/zap"
)

type SlimReport struct {
	DryRun           bool     `json:"dry_run"`
	Users            int      `json:"users"`
	SessionsSlimmed  int      `json:"sessions_slimmed"`
	MessagesStripped int      `json:"messages_stripped"`
	Errors           []string `json:"errors,omitempty"`
}

func isSlim(ls chat.LegacySession) bool {
	return len(ls.Messages) == 0 && ls.MessageCount != nil
}

// Slim strips embedded message arrays from sessions that already have a
// normalized row, leaving metadata and message_count behind. Sessions not yet
// migrated are left as they are.
func (r *Runner) Slim(ctx context.Context, dryRun bool) (SlimReport, error) {
	rep := SlimReport{DryRun: dryRun}
	err := r.settings.BatchWithLegacySessions(ctx, r.batchSize, func(batch []chat.Settings) error {
		for i := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.slimUser(ctx, &batch[i], dryRun, &rep); err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("user %s: %v", batch[i].UserID, err))
			}
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("scan legacy settings: %w", err)
	}

	r.log.Info("slimming finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("users", rep.Users),
		zap.Int("sessions", rep.SessionsSlimmed),
		zap.Int("messages_stripped", rep.MessagesStripped),
	)
	return rep, nil
}

func (r *Runner) slimUser(ctx context.Context, st *chat.Settings, dryRun bool, rep *SlimReport) error {
	legacy, err := st.LegacySessions()
	if err != nil {
		return err
	}
	if len(legacy) == 0 {
		return nil
	}

	ids := make([]string, 0, len(legacy))
	for _, ls := range legacy {
		ids = append(ids, ls.ID)
	}
	migrated, err := r.sessions.ExistingIDs(ctx, ids)
	if err != nil {
		return err
	}

	changed := 0
	stripped := 0
	for i := range legacy {
		ls := &legacy[i]
		if isSlim(*ls) || !migrated[ls.ID] {
			continue
		}
		n := len(ls.Messages)
		ls.Messages = nil
		ls.MessageCount = &n
		changed++
		stripped += n
	}
	if changed == 0 {
		return nil
	}

	rep.Users++
	rep.SessionsSlimmed += changed
	rep.MessagesStripped += stripped
	if dryRun {
		return nil
	}

	raw, err := chat.EncodeLegacySessions(legacy)
	if err != nil {
		return err
	}
	if err := r.settings.ReplaceLegacySessions(ctx, st.UserID, raw); err != nil {
		return err
	}
	r.invalidate(ctx, st.UserID)
	return nil
}

// Restore rebuilds embedded message arrays of a slimmed user from the
// normalized tables. It returns the number of sessions restored.
func (r *Runner) Restore(ctx context.Context, userID string) (int, error) {
	st, err := r.settings.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	legacy, err := st.LegacySessions()
	if err != nil {
		return 0, fmt.Errorf("decode legacy sessions: %w", err)
	}

	restored := 0
	for i := range legacy {
		ls := &legacy[i]
		if !isSlim(*ls) {
			continue
		}
		msgs, err := r.messages.ListBySession(ctx, ls.ID, 0, 0)
		if err != nil {
			return 0, err
		}
		ls.Messages = make([]chat.LegacyMessage, 0, len(msgs))
		for _, m := range msgs {
			lm := chat.LegacyMessage{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt,
			}
			if len(m.Reference) > 0 {
				lm.Reference = json.RawMessage(m.Reference)
			}
			ls.Messages = append(ls.Messages, lm)
		}
		ls.MessageCount = nil
		restored++
	}
	if restored == 0 {
		return 0, nil
	}

	raw, err := chat.EncodeLegacySessions(legacy)
	if err != nil {
		return 0, err
	}
	if err := r.settings.ReplaceLegacySessions(ctx, userID, raw); err != nil {
		return 0, err
	}
	r.invalidate(ctx, userID)
	r.log.Info("legacy sessions restored", zap.String("user_id", userID), zap.Int("sessions", restored))
	return restored, nil
}

func (r *Runner) invalidate(ctx context.Context, userID string) {
	if r.invalidator != nil {
		// committed rows must not stay hidden behind a cancelled caller
		r.invalidator.InvalidateUser(context.WithoutCancel(ctx), userID)
	}
}
