package migration

import (
	"context"
	"fmt"

	"github.com/suPer8Hu/freechat/internal/chat"
	"go.uber.org/zap"
)

type Mismatch struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Expected  int    `json:"expected"`
	Actual    int64  `json:"actual"`
}

type VerifyReport struct {
	Users           int        `json:"users"`
	SessionsChecked int        `json:"sessions_checked"`
	Missing         []string   `json:"missing,omitempty"`
	Mismatches      []Mismatch `json:"mismatches,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
}

// OK is false when a legacy session has no row, when rows were lost, or when a
// user could not be checked. A session that grew after migration is reported
// but does not fail verification.
func (v VerifyReport) OK() bool {
	if len(v.Missing) > 0 || len(v.Errors) > 0 {
		return false
	}
	for _, m := range v.Mismatches {
		if m.Actual < int64(m.Expected) {
			return false
		}
	}
	return true
}

// Verify recomputes message counts from the normalized tables and compares
// them with the legacy metadata. It never writes.
func (r *Runner) Verify(ctx context.Context) (VerifyReport, bool, error) {
	var rep VerifyReport
	err := r.settings.BatchWithLegacySessions(ctx, r.batchSize, func(batch []chat.Settings) error {
		for i := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.verifyUser(ctx, &batch[i], &rep); err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("user %s: %v", batch[i].UserID, err))
			}
		}
		return nil
	})
	if err != nil {
		return rep, false, fmt.Errorf("scan legacy settings: %w", err)
	}

	ok := rep.OK()
	r.log.Info("verification finished",
		zap.Bool("ok", ok),
		zap.Int("users", rep.Users),
		zap.Int("sessions", rep.SessionsChecked),
		zap.Int("missing", len(rep.Missing)),
		zap.Int("mismatches", len(rep.Mismatches)),
	)
	return rep, ok, nil
}

func (r *Runner) verifyUser(ctx context.Context, st *chat.Settings, rep *VerifyReport) error {
	legacy, err := st.LegacySessions()
	if err != nil {
		return err
	}
	rep.Users++
	if len(legacy) == 0 {
		return nil
	}

	ids := make([]string, 0, len(legacy))
	for _, ls := range legacy {
		if ls.ID != "" {
			ids = append(ids, ls.ID)
		}
	}
	present, err := r.sessions.ExistingIDs(ctx, ids)
	if err != nil {
		return err
	}
	counts, err := r.messages.CountBySessions(ctx, ids)
	if err != nil {
		return err
	}

	for _, ls := range legacy {
		if ls.ID == "" {
			continue
		}
		rep.SessionsChecked++
		if !present[ls.ID] {
			rep.Missing = append(rep.Missing, ls.ID)
			continue
		}
		expected := len(ls.Messages)
		if isSlim(ls) {
			expected = *ls.MessageCount
		}
		if actual := counts[ls.ID]; actual != int64(expected) {
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				UserID:    st.UserID,
				SessionID: ls.ID,
				Expected:  expected,
				Actual:    actual,
			})
		}
	}
	return nil
}
