package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

func TestRecoveryResolvesCrashedState(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	q := NewQueue(store, nil)

	// A job claimed but never finalized: the process died mid-execution.
	job, err := q.Enqueue(ctx, EnqueueRequest{JobType: "story"})
	require.NoError(t, err)
	_, err = store.ClaimAndStartRun(ctx, job.JobID, "")
	require.NoError(t, err)

	// A direct reservation whose holder never came back.
	_, err = store.AcquireReservation(ctx, "cli:crashed", time.Hour)
	require.NoError(t, err)

	retry := NewRetryController(store, 3, nil)
	rec := NewRecovery(store, retry, NewGroups(store, nil), nil)

	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.FailedRuns, 1)
	assert.Equal(t, schedstore.RunStatusFailed, report.FailedRuns[0].Status)
	assert.Equal(t, crashError, report.FailedRuns[0].Error)
	assert.Equal(t, int64(1), report.ReservationsExpired)
	assert.Equal(t, 1, report.RetriesCreated)

	// The crashed attempt is never silently re-queued; its retry is a new
	// job continuing the chain.
	retryID, err := store.RetryJobID(ctx, job.JobID)
	require.NoError(t, err)
	retryJob, err := store.GetJob(ctx, retryID)
	require.NoError(t, err)
	assert.Equal(t, schedstore.JobStatusQueued, retryJob.Status)

	active, err := store.ActiveReservation(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	q := NewQueue(store, nil)

	job, err := q.Enqueue(ctx, EnqueueRequest{JobType: "story"})
	require.NoError(t, err)
	_, err = store.ClaimAndStartRun(ctx, job.JobID, "")
	require.NoError(t, err)
	_, err = store.AcquireReservation(ctx, "cli:crashed", time.Hour)
	require.NoError(t, err)

	rec := NewRecovery(store, NewRetryController(store, 3, nil), NewGroups(store, nil), nil)

	_, err = rec.Run(ctx)
	require.NoError(t, err)

	// A second pass over the already-recovered state changes nothing.
	second, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.FailedRuns)
	assert.Empty(t, second.SkippedRuns)
	assert.Zero(t, second.RetriesCreated)
	assert.Zero(t, second.ReservationsExpired)
	assert.Zero(t, second.FinishedBackfilled)
}

func TestRecoveryCreatesMissingRetry(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	q := NewQueue(store, nil)

	// The run was finalized as failed but the process died before the
	// retry decision.
	job, err := q.Enqueue(ctx, EnqueueRequest{JobType: "story"})
	require.NoError(t, err)
	run, err := store.ClaimAndStartRun(ctx, job.JobID, "")
	require.NoError(t, err)
	_, err = store.FinalizeRun(ctx, run.RunID, schedstore.RunOutcome{
		Status: schedstore.RunStatusFailed,
		Error:  "model refused",
	})
	require.NoError(t, err)

	rec := NewRecovery(store, NewRetryController(store, 3, nil), NewGroups(store, nil), nil)

	report, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.FailedRuns)
	assert.Equal(t, 1, report.RetriesCreated)

	retryID, err := store.RetryJobID(ctx, job.JobID)
	require.NoError(t, err)
	assert.NotEmpty(t, retryID)
}

func TestSchedulerRecoverPropagatesGroupSkip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	reg := NewRegistry()
	reg.Register("bad", failingHandler("boom"))

	notifier := &recordingNotifier{}
	s := New(store, reg, notifier, nil, nil, Options{MaxRetries: 1})

	grp := &schedstore.JobGroup{Name: "chapter", Mode: schedstore.GroupModeSequential}
	require.NoError(t, store.CreateGroup(ctx, grp))

	first, err := s.Queue().Enqueue(ctx, EnqueueRequest{JobType: "bad", GroupID: grp.GroupID})
	require.NoError(t, err)
	last, err := s.Queue().Enqueue(ctx, EnqueueRequest{JobType: "bad", GroupID: grp.GroupID})
	require.NoError(t, err)

	// First attempt fails live and spawns the retry.
	dispatched, err := s.dispatcher.DispatchNext(ctx)
	require.NoError(t, err)
	require.True(t, dispatched)

	// The retry is claimed, then the process crashes mid-run.
	retryID, err := store.RetryJobID(ctx, first.JobID)
	require.NoError(t, err)
	_, err = store.ClaimAndStartRun(ctx, retryID, "")
	require.NoError(t, err)

	report, err := s.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, report.FailedRuns, 1)
	assert.Zero(t, report.RetriesCreated)
	require.Len(t, report.SkippedRuns, 1)
	assert.Equal(t, last.JobID, report.SkippedRuns[0].JobID)

	// Both the crash failure and the skip are notified.
	statuses := notifier.statuses()
	assert.Contains(t, statuses, schedstore.RunStatusFailed)
	assert.Contains(t, statuses, schedstore.RunStatusSkipped)

	status, err := s.Groups().Status(ctx, grp.GroupID)
	require.NoError(t, err)
	assert.Equal(t, schedstore.GroupStatusPartial, status)

	// Recovery on already-recovered state is a no-op.
	second, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.FailedRuns)
	assert.Empty(t, second.SkippedRuns)
}
