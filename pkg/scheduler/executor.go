package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// Archiver stores a completed run's artifacts somewhere durable and
// returns the stored locations. Archival is best-effort: a failure is
// logged, never surfaced as a job failure.
type Archiver interface {
	Archive(ctx context.Context, run *schedstore.JobRun) ([]string, error)
}

// Executor invokes the handler for a claimed job and finalizes its run.
// The handler call is the only suspension point in the pipeline; the
// dispatcher does not claim another job while it is outstanding.
type Executor struct {
	store    *schedstore.Store
	registry *Registry
	archiver Archiver
	log      *zap.Logger
}

func NewExecutor(store *schedstore.Store, registry *Registry, archiver Archiver, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{store: store, registry: registry, archiver: archiver, log: log}
}

// Run executes the job through its handler and finalizes the run with the
// reported outcome. A missing handler or a handler error finalizes the run
// as failed; the scheduler never leaves a claimed job without a terminal
// run of its own making (crashes are the recovery manager's job).
func (e *Executor) Run(ctx context.Context, job *schedstore.Job, run *schedstore.JobRun) (*schedstore.JobRun, error) {
	outcome := e.execute(ctx, job)

	finalized, err := e.store.FinalizeRun(ctx, run.RunID, outcome)
	if errors.Is(err, schedstore.ErrRunFinalized) {
		// Already terminal, e.g. finalized by a concurrent recovery pass.
		return finalized, nil
	}
	if err != nil {
		return nil, err
	}

	e.log.Info("run finalized",
		zap.String("job_id", job.JobID),
		zap.String("run_id", finalized.RunID),
		zap.String("status", string(finalized.Status)))

	if finalized.Status == schedstore.RunStatusCompleted && e.archiver != nil {
		stored, err := e.archiver.Archive(ctx, finalized)
		if err != nil {
			e.log.Warn("artifact archival failed",
				zap.String("run_id", finalized.RunID),
				zap.Error(err))
		} else if len(stored) > 0 {
			if err := e.store.AppendArtifacts(ctx, finalized.RunID, stored...); err != nil {
				e.log.Warn("record archived artifacts failed",
					zap.String("run_id", finalized.RunID),
					zap.Error(err))
			} else {
				finalized.Artifacts = append(finalized.Artifacts, stored...)
			}
		}
	}

	return finalized, nil
}

func (e *Executor) execute(ctx context.Context, job *schedstore.Job) schedstore.RunOutcome {
	handler, err := e.registry.Lookup(job.JobType)
	if err != nil {
		return schedstore.RunOutcome{
			Status: schedstore.RunStatusFailed,
			Error:  err.Error(),
		}
	}

	result, err := handler.Execute(ctx, job)
	if err != nil {
		return schedstore.RunOutcome{
			Status: schedstore.RunStatusFailed,
			Error:  err.Error(),
		}
	}
	if result == nil {
		return schedstore.RunOutcome{
			Status: schedstore.RunStatusFailed,
			Error:  "handler returned no result",
		}
	}
	if !result.Status.Terminal() {
		return schedstore.RunOutcome{
			Status: schedstore.RunStatusFailed,
			Error:  "handler returned non-terminal status " + string(result.Status),
		}
	}

	return schedstore.RunOutcome{
		Status:    result.Status,
		ExitCode:  result.ExitCode,
		Error:     result.Error,
		Artifacts: result.Artifacts,
		LogPath:   result.LogPath,
	}
}
