package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// DefaultReservationTTL bounds how long a direct reservation may pause
// the queue. A crashed or abandoned holder is expired at this deadline.
const DefaultReservationTTL = 5 * time.Minute

// slotWait is how often a direct run re-checks for the execution slot
// while the current queued job finishes.
const slotWait = 250 * time.Millisecond

// RunDirect executes one job out-of-band, bypassing queue order without
// mutating it. The reservation protocol:
//  1. acquire the single ACTIVE reservation (dispatch pauses),
//  2. wait for the in-flight job, if any, to release the execution slot,
//  3. create, claim and execute the job,
//  4. release the reservation (dispatch resumes where it left off).
//
// The reservation carries an expiry so a crash mid-protocol cannot block
// the queue: recovery (or any later observer) expires it.
func (s *Scheduler) RunDirect(ctx context.Context, req EnqueueRequest, reservedBy string) (*schedstore.JobRun, error) {
	rsv, err := s.store.AcquireReservation(ctx, reservedBy, s.reservationTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.store.ReleaseReservation(ctx, rsv.ReservationID); err != nil {
			s.log.Warn("release reservation failed",
				zap.String("reservation_id", rsv.ReservationID),
				zap.Error(err))
		}
		s.dispatcher.Wake()
	}()

	if err := s.waitForSlot(ctx, rsv.ExpiresAt); err != nil {
		return nil, err
	}

	job, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	run, err := s.store.ClaimAndStartRun(ctx, job.JobID, "")
	if err != nil {
		return nil, err
	}
	s.queue.Invalidate()

	s.log.Info("direct execution started",
		zap.String("reservation_id", rsv.ReservationID),
		zap.String("job_id", job.JobID),
		zap.String("run_id", run.RunID))

	finalized, err := s.executor.Run(ctx, job, run)
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.AfterRun(ctx, job, finalized); err != nil {
		return finalized, err
	}
	return finalized, nil
}

// waitForSlot blocks until no job is running, the reservation expires, or
// the context ends. The dispatcher never claims while the reservation is
// active, so the slot can only drain.
func (s *Scheduler) waitForSlot(ctx context.Context, deadline time.Time) error {
	for {
		running, err := s.store.RunningJobs(ctx)
		if err != nil {
			return err
		}
		if len(running) == 0 {
			return nil
		}
		if !time.Now().UTC().Before(deadline) {
			return fmt.Errorf("reservation expired waiting for execution slot")
		}

		timer := time.NewTimer(slotWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
