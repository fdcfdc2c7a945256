package migration

import (
	"context"

	"go.uber.org/zap"
)

// ErrorMarker tags assistant replies that recorded a failed generation.
const ErrorMarker = "**ERROR**"

type PurgeReport struct {
	DryRun   bool `json:"dry_run"`
	Messages int  `json:"messages"`
	Sessions int  `json:"sessions"`
}

// PurgeErrorReplies removes assistant messages carrying ErrorMarker.
func (r *Runner) PurgeErrorReplies(ctx context.Context, dryRun bool) (PurgeReport, error) {
	found, err := r.messages.DeleteErrorReplies(ctx, ErrorMarker, dryRun)
	if err != nil {
		return PurgeReport{}, err
	}

	sessions := map[string]struct{}{}
	for _, f := range found {
		sessions[f.SessionID] = struct{}{}
	}
	rep := PurgeReport{DryRun: dryRun, Messages: len(found), Sessions: len(sessions)}

	if !dryRun {
		users := map[string]struct{}{}
		for id := range sessions {
			sess, err := r.sessions.Get(ctx, id)
			if err != nil {
				continue
			}
			users[sess.UserID] = struct{}{}
		}
		for uid := range users {
			r.invalidate(ctx, uid)
		}
	}

	r.log.Info("error replies purged",
		zap.Bool("dry_run", dryRun), zap.Int("messages", rep.Messages), zap.Int("sessions", rep.Sessions))
	return rep, nil
}
