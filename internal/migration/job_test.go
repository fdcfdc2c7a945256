package migration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/freechat/internal/chat"
	"gorm.io/gorm"
)

type fakePublisher struct {
	mu   sync.Mutex
	ids  []string
	fail error
}

func (p *fakePublisher) PublishJob(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.ids = append(p.ids, jobID)
	return nil
}

func TestEnqueueAndHandleJob(t *testing.T) {
	gdb := openTestDB(t)
	seedLegacy(t, gdb, "u1", `[{"id":"s1","messages":[{"content":"a"}]}]`)
	seedLegacy(t, gdb, "u2", `[{"id":"s2","messages":[{"content":"b"},{"content":"c"}]}]`)
	r := NewRunner(gdb, Options{})
	jobs := NewJobStore(gdb)
	pub := &fakePublisher{}
	ctx := context.Background()

	rep, err := r.EnqueueUsers(ctx, jobs, pub, false)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Created)
	assert.Equal(t, 2, rep.Published)
	require.Len(t, pub.ids, 2)

	// still queued, so a second enqueue republishes the same ids
	rep, err = r.EnqueueUsers(ctx, jobs, pub, false)
	require.NoError(t, err)
	assert.Zero(t, rep.Created)
	assert.Equal(t, 2, rep.Reused)
	assert.ElementsMatch(t, pub.ids[:2], pub.ids[2:])

	for _, id := range pub.ids[:2] {
		require.NoError(t, r.HandleJob(ctx, jobs, id))
		j, err := jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, JobSucceeded, j.Status)
		assert.Equal(t, 1, j.SessionsMigrated)
		assert.Nil(t, j.Error)
	}
	assert.Len(t, listMessages(t, gdb, "s2"), 2)

	// redelivery of a finished job is acked without rerunning
	require.NoError(t, r.HandleJob(ctx, jobs, pub.ids[0]))

	before := len(pub.ids)
	rep, err = r.EnqueueUsers(ctx, jobs, pub, false)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Reused)
	assert.Zero(t, rep.Published)
	assert.Len(t, pub.ids, before)
}

func TestEnqueue_DryRunJobsAreSeparate(t *testing.T) {
	gdb := openTestDB(t)
	seedLegacy(t, gdb, "u1", `[{"id":"s1","messages":[]}]`)
	r := NewRunner(gdb, Options{})
	jobs := NewJobStore(gdb)
	pub := &fakePublisher{}
	ctx := context.Background()

	_, err := r.EnqueueUsers(ctx, jobs, pub, true)
	require.NoError(t, err)
	rep, err := r.EnqueueUsers(ctx, jobs, pub, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	require.Len(t, pub.ids, 2)
	assert.NotEqual(t, pub.ids[0], pub.ids[1])

	require.NoError(t, r.HandleJob(ctx, jobs, pub.ids[0]))
	ok, err := chat.NewSessionStore(gdb).Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleJob_FailedJobIsRequeuedOnEnqueue(t *testing.T) {
	gdb := openTestDB(t)
	seedLegacy(t, gdb, "u1", `[{"name":"no id"}]`)
	r := NewRunner(gdb, Options{})
	jobs := NewJobStore(gdb)
	pub := &fakePublisher{}
	ctx := context.Background()

	_, err := r.EnqueueUsers(ctx, jobs, pub, false)
	require.NoError(t, err)
	require.Len(t, pub.ids, 1)
	id := pub.ids[0]

	require.NoError(t, r.HandleJob(ctx, jobs, id))
	j, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Contains(t, *j.Error, "session without id")

	rep, err := r.EnqueueUsers(ctx, jobs, pub, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Published)
	j, err = jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, j.Status)
	assert.Nil(t, j.Error)
}

func TestHandleJob_UnknownUserMarksFailed(t *testing.T) {
	gdb := openTestDB(t)
	jobs := NewJobStore(gdb)
	ctx := context.Background()

	j, created, err := jobs.CreateOrGetExisting(ctx, &Job{
		ID: "01HZZZZZZZZZZZZZZZZZZZZZZZ", UserID: "ghost",
		IdempotencyKey: jobIdempotencyKey("ghost", false), Status: JobQueued,
	})
	require.NoError(t, err)
	require.True(t, created)

	err = NewRunner(gdb, Options{}).HandleJob(ctx, jobs, j.ID)
	assert.ErrorIs(t, err, chat.ErrNotFound)
	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)

	// a retried delivery reruns the failed job
	seedLegacy(t, gdb, "ghost", `[{"id":"s9","messages":[{"content":"x"}]}]`)
	require.NoError(t, NewRunner(gdb, Options{}).HandleJob(ctx, jobs, j.ID))
	got, err = jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, got.Status)
	assert.Equal(t, 1, got.SessionsMigrated)
}

func TestEnqueue_PublishErrorIsReported(t *testing.T) {
	gdb := openTestDB(t)
	seedLegacy(t, gdb, "u1", `[{"id":"s1"}]`)
	pub := &fakePublisher{fail: errors.New("broker down")}

	rep, err := NewRunner(gdb, Options{}).EnqueueUsers(context.Background(), NewJobStore(gdb), pub, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Zero(t, rep.Published)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "broker down")

	_, err = NewJobStore(gdb).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestHandleJob_CancelledRunIsRetried(t *testing.T) {
	gdb := openTestDB(t)
	seedLegacy(t, gdb, "u1", `[{"id":"s1","messages":[{"content":"a"},{"content":"b"}]}]`)
	r := NewRunner(gdb, Options{})
	jobs := NewJobStore(gdb)
	pub := &fakePublisher{}

	_, err := r.EnqueueUsers(context.Background(), jobs, pub, false)
	require.NoError(t, err)
	require.Len(t, pub.ids, 1)
	id := pub.ids[0]

	// shut the worker down right after it looked up the first session
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var fired atomic.Bool
	require.NoError(t, gdb.Callback().Query().After("gorm:query").Register("test:cancel_after_session_lookup", func(tx *gorm.DB) {
		if tx.Statement.Table == "free_chat_session" && fired.CompareAndSwap(false, true) {
			cancel()
		}
	}))

	err = r.HandleJob(ctx, jobs, id)
	assert.ErrorIs(t, err, context.Canceled)
	require.True(t, fired.Load())

	j, err := jobs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, j.Status)
	require.NotNil(t, j.Error)

	// the requeued delivery runs it to completion
	require.NoError(t, r.HandleJob(context.Background(), jobs, id))
	j, err = jobs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, j.Status)
	assert.Equal(t, 1, j.SessionsMigrated)
	assert.Len(t, listMessages(t, gdb, "s1"), 2)
}

func TestHandleJob_StaleRunningJobIsTakenOver(t *testing.T) {
	gdb := openTestDB(t)
	seedLegacy(t, gdb, "u1", `[{"id":"s1","messages":[{"content":"a"}]}]`)
	r := NewRunner(gdb, Options{})
	jobs := NewJobStore(gdb).WithStaleAfter(time.Minute)
	pub := &fakePublisher{}
	ctx := context.Background()

	_, err := r.EnqueueUsers(ctx, jobs, pub, false)
	require.NoError(t, err)
	require.Len(t, pub.ids, 1)
	id := pub.ids[0]

	// a worker took the job and died
	started, err := jobs.MarkRunning(ctx, id)
	require.NoError(t, err)
	require.True(t, started)

	require.NoError(t, r.HandleJob(ctx, jobs, id))
	j, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, j.Status, "a live running job is left alone")

	rep, err := r.EnqueueUsers(ctx, jobs, pub, false)
	require.NoError(t, err)
	assert.Zero(t, rep.Published)

	require.NoError(t, gdb.Model(&Job{}).Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	rep, err = r.EnqueueUsers(ctx, jobs, pub, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reused)
	assert.Equal(t, 1, rep.Published)
	assert.Equal(t, []string{id, id}, pub.ids)

	require.NoError(t, r.HandleJob(ctx, jobs, id))
	j, err = jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, j.Status)
	assert.Equal(t, 1, j.SessionsMigrated)
}
