package schedstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCreateJob(t *testing.T, s *Store, job *Job) *Job {
	t.Helper()
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestCreateJobAssignsGapPositions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := mustCreateJob(t, s, &Job{JobType: "story"})
	b := mustCreateJob(t, s, &Job{JobType: "story"})
	c := mustCreateJob(t, s, &Job{JobType: "story"})

	assert.Equal(t, int64(100), a.Position)
	assert.Equal(t, int64(200), b.Position)
	assert.Equal(t, int64(300), c.Position)

	got, err := s.GetJob(ctx, b.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.NotNil(t, got.QueuedAt)
	assert.Equal(t, "{}", got.Params)
}

func TestEligibleJobsOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// A enqueued first with low priority, B second with high priority:
	// B must dispatch first.
	a := mustCreateJob(t, s, &Job{JobType: "story", Priority: 1})
	b := mustCreateJob(t, s, &Job{JobType: "story", Priority: 5})

	eligible, err := s.EligibleJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, b.JobID, eligible[0].JobID)
	assert.Equal(t, a.JobID, eligible[1].JobID)

	// Equal priority falls back to position order.
	c := mustCreateJob(t, s, &Job{JobType: "story", Priority: 5})
	eligible, err = s.EligibleJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 3)
	assert.Equal(t, b.JobID, eligible[0].JobID)
	assert.Equal(t, c.JobID, eligible[1].JobID)
	assert.Equal(t, a.JobID, eligible[2].JobID)
}

func TestClaimAndStartRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := mustCreateJob(t, s, &Job{JobType: "story"})

	run, err := s.ClaimAndStartRun(ctx, job.JobID, "")
	require.NoError(t, err)
	assert.Equal(t, job.JobID, run.JobID)
	assert.Equal(t, RunStatusRunning, run.Status)

	// The claim is atomic: a second claimant loses.
	_, err = s.ClaimAndStartRun(ctx, job.JobID, "")
	assert.ErrorIs(t, err, ErrClaimLost)

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	// A claimed job is no longer eligible.
	eligible, err := s.EligibleJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := mustCreateJob(t, s, &Job{JobType: "story"})
	require.NoError(t, s.CancelJob(ctx, job.JobID))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	assert.NotNil(t, got.FinishedAt)

	// Cancelling twice, or cancelling a running job, is rejected.
	assert.ErrorIs(t, s.CancelJob(ctx, job.JobID), ErrNotQueued)

	running := mustCreateJob(t, s, &Job{JobType: "story"})
	_, err = s.ClaimAndStartRun(ctx, running.JobID, "")
	require.NoError(t, err)
	assert.ErrorIs(t, s.CancelJob(ctx, running.JobID), ErrNotQueued)

	assert.ErrorIs(t, s.CancelJob(ctx, "job_missing"), ErrNotFound)
}

func TestRetryUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	original := mustCreateJob(t, s, &Job{JobType: "story"})

	retry := &Job{JobType: "story", RetryOf: original.JobID}
	require.NoError(t, s.CreateJob(ctx, retry))

	// Only one retry per job, ever.
	dup := &Job{JobType: "story", RetryOf: original.JobID}
	assert.ErrorIs(t, s.CreateJob(ctx, dup), ErrRetryExists)

	id, err := s.RetryJobID(ctx, original.JobID)
	require.NoError(t, err)
	assert.Equal(t, retry.JobID, id)

	length, err := s.RetryChainLength(ctx, retry.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, length)
}

func TestArchivedTemplateBlocksNewJobsButNotRetries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tpl := &JobTemplate{Name: "nightly-story", JobType: "story"}
	require.NoError(t, s.CreateTemplate(ctx, tpl))

	first := mustCreateJob(t, s, &Job{JobType: "story", TemplateID: tpl.TemplateID})

	require.NoError(t, s.ArchiveTemplate(ctx, tpl.TemplateID))

	blocked := &Job{JobType: "story", TemplateID: tpl.TemplateID}
	assert.ErrorIs(t, s.CreateJob(ctx, blocked), ErrTemplateArchived)

	// A retry continues work that already started; archival does not stop it.
	retry := &Job{JobType: "story", TemplateID: tpl.TemplateID, RetryOf: first.JobID}
	require.NoError(t, s.CreateJob(ctx, retry))
}

func TestSequentialGroupEligibility(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	grp := &JobGroup{Name: "chapter", Mode: GroupModeSequential}
	require.NoError(t, s.CreateGroup(ctx, grp))

	first := mustCreateJob(t, s, &Job{JobType: "story", GroupID: grp.GroupID, Position: 100})
	second := mustCreateJob(t, s, &Job{JobType: "story", GroupID: grp.GroupID, Position: 200})

	eligible, err := s.EligibleJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, first.JobID, eligible[0].JobID)

	// Completing the first member admits the second.
	run, err := s.ClaimAndStartRun(ctx, first.JobID, "")
	require.NoError(t, err)
	_, err = s.FinalizeRun(ctx, run.RunID, RunOutcome{Status: RunStatusCompleted})
	require.NoError(t, err)

	eligible, err = s.EligibleJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, second.JobID, eligible[0].JobID)
}

func TestSequentialGroupCancelledMemberUnblocks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	grp := &JobGroup{Name: "chapter", Mode: GroupModeSequential}
	require.NoError(t, s.CreateGroup(ctx, grp))

	first := mustCreateJob(t, s, &Job{JobType: "story", GroupID: grp.GroupID, Position: 100})
	second := mustCreateJob(t, s, &Job{JobType: "story", GroupID: grp.GroupID, Position: 200})

	require.NoError(t, s.CancelJob(ctx, first.JobID))

	eligible, err := s.EligibleJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, second.JobID, eligible[0].JobID)
}

func TestParallelGroupAdmitsAllMembers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	grp := &JobGroup{Name: "research", Mode: GroupModeParallel}
	require.NoError(t, s.CreateGroup(ctx, grp))

	mustCreateJob(t, s, &Job{JobType: "cards", GroupID: grp.GroupID, Position: 100})
	mustCreateJob(t, s, &Job{JobType: "cards", GroupID: grp.GroupID, Position: 200})

	eligible, err := s.EligibleJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, eligible, 2)
}

func TestNormalizePositionsPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Sparse, uneven positions.
	a := mustCreateJob(t, s, &Job{JobType: "story", Position: 350})
	b := mustCreateJob(t, s, &Job{JobType: "story", Position: 7})
	c := mustCreateJob(t, s, &Job{JobType: "story", Position: 9000})

	require.NoError(t, s.NormalizePositions(ctx))

	eligible, err := s.EligibleJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 3)
	assert.Equal(t, b.JobID, eligible[0].JobID)
	assert.Equal(t, a.JobID, eligible[1].JobID)
	assert.Equal(t, c.JobID, eligible[2].JobID)
	assert.Equal(t, int64(100), eligible[0].Position)
	assert.Equal(t, int64(200), eligible[1].Position)
	assert.Equal(t, int64(300), eligible[2].Position)
}

func TestSetJobFinishedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := mustCreateJob(t, s, &Job{JobType: "story"})

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetJobFinished(ctx, job.JobID, first))
	require.NoError(t, s.SetJobFinished(ctx, job.JobID, first.Add(time.Hour)))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(first))
}
