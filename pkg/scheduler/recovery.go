package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// crashError marks runs finalized by recovery rather than by a handler.
const crashError = "crash recovery"

// Recovery reconciles state left behind by an unclean shutdown. It runs
// exactly once at startup, before the dispatcher loop, and every step is
// idempotent: a crash during recovery itself self-heals on the next
// restart.
type Recovery struct {
	store  *schedstore.Store
	retry  *RetryController
	groups *Groups
	log    *zap.Logger
}

func NewRecovery(store *schedstore.Store, retry *RetryController, groups *Groups, log *zap.Logger) *Recovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recovery{store: store, retry: retry, groups: groups, log: log}
}

// Report summarizes what a recovery pass changed, including the runs it
// finalized so the caller can emit their notifications.
type Report struct {
	FailedRuns          []schedstore.JobRun `json:"failed_runs,omitempty"`
	SkippedRuns         []schedstore.JobRun `json:"skipped_runs,omitempty"`
	RetriesCreated      int                 `json:"retries_created"`
	ReservationsExpired int64               `json:"reservations_expired"`
	FinishedBackfilled  int                 `json:"finished_backfilled"`
}

// Run executes the three recovery steps:
//  1. resolve jobs left running (a crashed running job is failed via its
//     run, never silently re-queued),
//  2. expire any active direct reservation (the requester never got a
//     response, so it is stale by definition),
//  3. re-evaluate failed runs that never got their retry.
func (r *Recovery) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if err := r.resolveRunningJobs(ctx, report); err != nil {
		return report, err
	}

	expired, err := r.store.ExpireActiveReservations(ctx)
	if err != nil {
		return report, err
	}
	report.ReservationsExpired = expired
	if expired > 0 {
		r.log.Warn("stale direct reservations expired", zap.Int64("count", expired))
	}

	if err := r.evaluatePendingRetries(ctx, report); err != nil {
		return report, err
	}

	r.log.Info("recovery complete",
		zap.Int("failed_runs", len(report.FailedRuns)),
		zap.Int("skipped_runs", len(report.SkippedRuns)),
		zap.Int("retries_created", report.RetriesCreated),
		zap.Int64("reservations_expired", report.ReservationsExpired),
		zap.Int("finished_backfilled", report.FinishedBackfilled))
	return report, nil
}

func (r *Recovery) resolveRunningJobs(ctx context.Context, report *Report) error {
	running, err := r.store.RunningJobs(ctx)
	if err != nil {
		return err
	}

	for i := range running {
		job := &running[i]

		run, err := r.store.GetRunByJob(ctx, job.JobID)
		switch {
		case errors.Is(err, schedstore.ErrNotFound):
			// Crash between claim and run insert cannot happen (one tx),
			// but a foreign writer or partial restore could leave this
			// shape. Record the attempt as failed.
			startedAt := time.Now().UTC()
			if job.StartedAt != nil {
				startedAt = *job.StartedAt
			}
			run = &schedstore.JobRun{
				JobID:      job.JobID,
				TemplateID: job.TemplateID,
				Params:     job.Params,
				Status:     schedstore.RunStatusRunning,
				StartedAt:  startedAt,
			}
			if err := r.store.InsertRun(ctx, run); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		if run.Status.Terminal() {
			// Execution actually finished before the crash; only the
			// job's finished_at was lost.
			finishedAt := time.Now().UTC()
			if run.FinishedAt != nil {
				finishedAt = *run.FinishedAt
			}
			if err := r.store.SetJobFinished(ctx, job.JobID, finishedAt); err != nil {
				return err
			}
			report.FinishedBackfilled++
			continue
		}

		finalized, err := r.store.FinalizeRun(ctx, run.RunID, schedstore.RunOutcome{
			Status: schedstore.RunStatusFailed,
			Error:  crashError,
		})
		if err != nil && !errors.Is(err, schedstore.ErrRunFinalized) {
			return err
		}
		r.log.Warn("running job resolved to failed",
			zap.String("job_id", job.JobID),
			zap.String("run_id", finalized.RunID))
		report.FailedRuns = append(report.FailedRuns, *finalized)

		if err := r.reactToFailure(ctx, job, report); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recovery) evaluatePendingRetries(ctx context.Context, report *Report) error {
	failed, err := r.store.FailedRunsWithoutRetry(ctx)
	if err != nil {
		return err
	}

	for i := range failed {
		job, err := r.store.GetJob(ctx, failed[i].JobID)
		if err != nil {
			return err
		}
		if err := r.reactToFailure(ctx, job, report); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recovery) reactToFailure(ctx context.Context, job *schedstore.Job, report *Report) error {
	retryJob, err := r.retry.HandleFailure(ctx, job)
	if err != nil {
		return err
	}
	if retryJob != nil {
		report.RetriesCreated++
		return nil
	}

	if job.GroupID == "" {
		return nil
	}
	skipped, err := r.groups.SkipRemaining(ctx, job.GroupID, job.Position,
		"upstream group member "+job.JobID+" failed")
	if err != nil {
		return err
	}
	report.SkippedRuns = append(report.SkippedRuns, skipped...)
	return nil
}
