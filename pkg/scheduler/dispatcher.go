package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// Notifier delivers completion events for finalized runs. Delivery is
// at-least-once; the run_id is the consumer's dedupe key. Implementations
// must never fail the job on delivery problems.
type Notifier interface {
	NotifyRun(ctx context.Context, job *schedstore.Job, run *schedstore.JobRun)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) NotifyRun(context.Context, *schedstore.Job, *schedstore.JobRun) {}

// claimBatch bounds how many ordered candidates one dispatch cycle walks
// before giving up on a contended queue.
const claimBatch = 8

// Dispatcher is the control loop. Each cycle it either defers to an
// active direct reservation or claims the head of the queue, runs it to
// completion through the executor, and reacts to the outcome. At most one
// job runs at a time: the loop does not claim while an executor call is
// outstanding.
type Dispatcher struct {
	store    *schedstore.Store
	queue    *Queue
	executor *Executor
	retry    *RetryController
	groups   *Groups
	notifier Notifier
	log      *zap.Logger

	pollInterval time.Duration
	wake         chan struct{}
}

func NewDispatcher(store *schedstore.Store, queue *Queue, executor *Executor,
	retry *RetryController, groups *Groups, notifier Notifier,
	pollInterval time.Duration, log *zap.Logger) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:        store,
		queue:        queue,
		executor:     executor,
		retry:        retry,
		groups:       groups,
		notifier:     notifier,
		log:          log,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
	}
}

// Wake nudges the loop to re-check the queue without waiting out the poll
// interval. Safe to call from any goroutine; a pending nudge coalesces.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Loop runs until the context is cancelled.
func (d *Dispatcher) Loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rsv, err := d.store.ActiveReservation(ctx)
		if err != nil {
			d.log.Error("reservation check failed", zap.Error(err))
			if !d.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if rsv != nil {
			// A direct reservation holds the slot: pause dispatch without
			// touching queue order.
			if !d.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		dispatched, err := d.DispatchNext(ctx)
		if err != nil {
			d.log.Error("dispatch cycle failed", zap.Error(err))
		}
		if dispatched {
			continue
		}
		if !d.sleep(ctx) {
			return ctx.Err()
		}
	}
}

// DispatchNext claims and runs the next eligible job. It returns false
// when the queue has no eligible work. A lost claim race is not an error:
// the cycle simply tries the next candidate.
func (d *Dispatcher) DispatchNext(ctx context.Context) (bool, error) {
	candidates, err := d.queue.Eligible(ctx, claimBatch)
	if err != nil {
		return false, err
	}

	for i := range candidates {
		job := candidates[i]
		run, err := d.store.ClaimAndStartRun(ctx, job.JobID, "")
		if errors.Is(err, schedstore.ErrClaimLost) {
			continue
		}
		if err != nil {
			return false, err
		}
		d.queue.Invalidate()

		d.log.Info("job claimed",
			zap.String("job_id", job.JobID),
			zap.String("run_id", run.RunID),
			zap.String("job_type", job.JobType))

		finalized, err := d.executor.Run(ctx, &job, run)
		if err != nil {
			return true, err
		}
		if err := d.AfterRun(ctx, &job, finalized); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// AfterRun reacts to a finalized run: notify, evaluate the retry chain,
// and propagate a terminal failure through a sequential group.
func (d *Dispatcher) AfterRun(ctx context.Context, job *schedstore.Job, run *schedstore.JobRun) error {
	d.notifier.NotifyRun(ctx, job, run)

	if run.Status != schedstore.RunStatusFailed {
		return nil
	}

	retryJob, err := d.retry.HandleFailure(ctx, job)
	if err != nil {
		return err
	}
	if retryJob != nil {
		d.queue.Invalidate()
		d.Wake()
		return nil
	}

	// Chain exhausted. A sequential group stops here: downstream members
	// are bypassed with skipped runs.
	if job.GroupID == "" {
		return nil
	}
	skipped, err := d.groups.SkipRemaining(ctx, job.GroupID, job.Position,
		"upstream group member "+job.JobID+" failed")
	if err != nil {
		return err
	}
	for i := range skipped {
		member, err := d.store.GetJob(ctx, skipped[i].JobID)
		if err != nil {
			d.log.Warn("load skipped member failed", zap.Error(err))
			continue
		}
		d.notifier.NotifyRun(ctx, member, &skipped[i])
	}
	if len(skipped) > 0 {
		d.queue.Invalidate()
	}
	return nil
}

func (d *Dispatcher) sleep(ctx context.Context) bool {
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.wake:
		return true
	case <-timer.C:
		return true
	}
}
