package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/freechat/internal/chat"
	"github.com/suPer8Hu/freechat/internal/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job tracks one queued per-user migration.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID string `gorm:"type:varchar(255);index;not null"`
	DryRun bool   `gorm:"not null;default:false"`

	IdempotencyKey string `gorm:"type:varchar(300);uniqueIndex:uniq_migration_job_idempo;not null" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when finished
	SessionsMigrated int
	SessionsSkipped  int
	MessagesCreated  int
	IDsRegenerated   int `gorm:"column:ids_regenerated"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "free_chat_migration_job" }

func jobIdempotencyKey(userID string, dryRun bool) string {
	return fmt.Sprintf("%s:%t", userID, dryRun)
}

// DefaultJobStaleAfter is how long a running job may sit untouched before a
// later delivery may take it over.
const DefaultJobStaleAfter = 15 * time.Minute

type JobStore struct {
	db         *gorm.DB
	staleAfter time.Duration
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, staleAfter: DefaultJobStaleAfter}
}

// WithStaleAfter sets the takeover window. Non-positive values keep the default.
func (s *JobStore) WithStaleAfter(d time.Duration) *JobStore {
	if d > 0 {
		s.staleAfter = d
	}
	return s
}

// stale reports a running job whose worker stopped updating it.
func (s *JobStore) stale(j *Job) bool {
	return j.Status == JobRunning && j.UpdatedAt.Before(time.Now().Add(-s.staleAfter))
}

func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (s *JobStore) getByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateOrGetExisting creates the job, or returns the one already holding its
// idempotency key. The bool reports whether a new row was written.
func (s *JobStore) CreateOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	err := s.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := s.getByIdempotencyKey(ctx, job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// MarkRunning moves a queued or failed job to running, and takes over a
// running job left stale by a worker that died. It reports false when the job
// succeeded or is running elsewhere, e.g. on a redelivered message.
func (s *JobStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	cutoff := time.Now().Add(-s.staleAfter)
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND (status IN ? OR (status = ? AND updated_at < ?))",
			id, []JobStatus{JobQueued, JobFailed}, JobRunning, cutoff).
		Update("status", JobRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *JobStore) Requeue(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": JobQueued, "error": nil}).Error
}

func (s *JobStore) MarkFinished(ctx context.Context, id string, rep Report) error {
	status := JobSucceeded
	var errMsg *string
	if len(rep.Errors) > 0 {
		status = JobFailed
		msg := strings.Join(rep.Errors, "; ")
		errMsg = &msg
	}
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            status,
			"sessions_migrated": rep.SessionsMigrated,
			"sessions_skipped":  rep.SessionsSkipped,
			"messages_created":  rep.MessagesCreated,
			"ids_regenerated":   rep.IDsRegenerated,
			"error":             errMsg,
		}).Error
}

func (s *JobStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

// JobPublisher hands a job id to the worker queue.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type EnqueueReport struct {
	DryRun    bool     `json:"dry_run"`
	Created   int      `json:"created"`
	Reused    int      `json:"reused"`
	Published int      `json:"published"`
	Errors    []string `json:"errors,omitempty"`
}

// EnqueueUsers creates one job per legacy user and publishes the ones that
// still need work. Re-enqueueing is idempotent: finished and live running jobs
// are left alone, failed ones are requeued and stale running ones republished.
func (r *Runner) EnqueueUsers(ctx context.Context, jobs *JobStore, pub JobPublisher, dryRun bool) (EnqueueReport, error) {
	rep := EnqueueReport{DryRun: dryRun}
	err := r.settings.BatchWithLegacySessions(ctx, r.batchSize, func(batch []chat.Settings) error {
		for i := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.enqueueUser(ctx, jobs, pub, batch[i].UserID, dryRun, &rep); err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("user %s: %v", batch[i].UserID, err))
			}
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("scan legacy settings: %w", err)
	}
	r.log.Info("migration jobs enqueued",
		zap.Int("created", rep.Created), zap.Int("reused", rep.Reused), zap.Int("published", rep.Published))
	return rep, nil
}

func (r *Runner) enqueueUser(ctx context.Context, jobs *JobStore, pub JobPublisher, userID string, dryRun bool, rep *EnqueueReport) error {
	id, err := common.NewULID()
	if err != nil {
		return err
	}
	j, created, err := jobs.CreateOrGetExisting(ctx, &Job{
		ID:             id,
		UserID:         userID,
		DryRun:         dryRun,
		IdempotencyKey: jobIdempotencyKey(userID, dryRun),
		Status:         JobQueued,
	})
	if err != nil {
		return err
	}

	if created {
		rep.Created++
	} else {
		rep.Reused++
		switch j.Status {
		case JobSucceeded:
			return nil
		case JobRunning:
			if !jobs.stale(j) {
				return nil
			}
			r.log.Warn("republishing stale job", zap.String("job_id", j.ID), zap.Time("updated_at", j.UpdatedAt))
		case JobFailed:
			if err := jobs.Requeue(ctx, j.ID); err != nil {
				return err
			}
		}
	}

	if err := pub.PublishJob(ctx, j.ID); err != nil {
		return err
	}
	rep.Published++
	return nil
}

// HandleJob runs one job. A job that succeeded or is running elsewhere is
// skipped without error so redeliveries are acked. Once the job is taken every
// error return leaves it failed, and a retried delivery runs it again.
func (r *Runner) HandleJob(ctx context.Context, jobs *JobStore, jobID string) error {
	start := time.Now()

	started, err := jobs.MarkRunning(ctx, jobID)
	if err != nil {
		return err
	}
	if !started {
		r.log.Info("job already taken, skipping", zap.String("job_id", jobID))
		return nil
	}

	fail := func(userID string, err error) error {
		if mErr := jobs.MarkFailed(context.WithoutCancel(ctx), jobID, err.Error()); mErr != nil {
			r.log.Error("mark job failed", zap.String("job_id", jobID), zap.Error(mErr))
		}
		r.log.Error("migration job failed",
			zap.String("job_id", jobID), zap.String("user_id", userID), zap.Duration("cost", time.Since(start)), zap.Error(err))
		return err
	}

	j, err := jobs.Get(ctx, jobID)
	if err != nil {
		return fail("", err)
	}

	rep, err := r.MigrateUser(ctx, j.UserID, j.DryRun)
	if err == nil {
		// copies aborted by cancellation show up as report errors; rerun instead
		err = ctx.Err()
	}
	if err != nil {
		return fail(j.UserID, err)
	}
	if err := jobs.MarkFinished(ctx, jobID, rep); err != nil {
		return fail(j.UserID, err)
	}

	if cost := time.Since(start); cost > 2*time.Second {
		r.log.Warn("slow migration job", zap.String("job_id", jobID), zap.Duration("cost", cost))
	}
	return nil
}
