package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// Options tune the scheduler. Zero values fall back to defaults.
type Options struct {
	// MaxRetries caps retries per chain (not counting the first
	// attempt). Default 3: four total attempts.
	MaxRetries int

	// PollInterval is the dispatcher's idle re-check period.
	PollInterval time.Duration

	// ReservationTTL bounds direct reservations. Default 5 minutes.
	ReservationTTL time.Duration

	// TriggerInterval is how often schedules are evaluated. Default 1m.
	TriggerInterval time.Duration

	// NormalizeInterval is how often queued positions are compacted.
	// Zero disables periodic normalization.
	NormalizeInterval time.Duration
}

// Scheduler wires the queue, dispatcher, executor, retry controller,
// recovery manager and schedule trigger over one store.
type Scheduler struct {
	store      *schedstore.Store
	queue      *Queue
	registry   *Registry
	executor   *Executor
	retry      *RetryController
	groups     *Groups
	recovery   *Recovery
	dispatcher *Dispatcher
	trigger    *Trigger
	notifier   Notifier
	log        *zap.Logger

	reservationTTL    time.Duration
	normalizeInterval time.Duration
}

func New(store *schedstore.Store, registry *Registry, notifier Notifier,
	archiver Archiver, log *zap.Logger, opts Options) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}

	queue := NewQueue(store, log)
	executor := NewExecutor(store, registry, archiver, log)
	retry := NewRetryController(store, opts.MaxRetries, log)
	groups := NewGroups(store, log)
	recovery := NewRecovery(store, retry, groups, log)
	dispatcher := NewDispatcher(store, queue, executor, retry, groups,
		notifier, opts.PollInterval, log)
	trigger := NewTrigger(store, queue, opts.TriggerInterval, log)
	trigger.SetOnFire(dispatcher.Wake)

	return &Scheduler{
		store:             store,
		queue:             queue,
		registry:          registry,
		executor:          executor,
		retry:             retry,
		groups:            groups,
		recovery:          recovery,
		dispatcher:        dispatcher,
		trigger:           trigger,
		notifier:          notifier,
		log:               log,
		reservationTTL:    opts.ReservationTTL,
		normalizeInterval: opts.NormalizeInterval,
	}
}

// Queue exposes the queue manager for the CLI/HTTP boundary.
func (s *Scheduler) Queue() *Queue { return s.queue }

// Groups exposes group status derivation.
func (s *Scheduler) Groups() *Groups { return s.groups }

// Trigger exposes the schedule trigger (cron validation, manual firing).
func (s *Scheduler) Trigger() *Trigger { return s.trigger }

// Registry exposes the handler registry for diagnostics.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Store exposes the underlying store for status queries.
func (s *Scheduler) Store() *schedstore.Store { return s.store }

// Wake nudges the dispatcher after an external enqueue.
func (s *Scheduler) Wake() { s.dispatcher.Wake() }

// Recover runs the startup reconciliation pass and emits notifications
// for every run it finalized. It must complete before Run dispatches.
func (s *Scheduler) Recover(ctx context.Context) (*Report, error) {
	report, err := s.recovery.Run(ctx)
	if err != nil {
		return report, err
	}

	for i := range report.FailedRuns {
		run := &report.FailedRuns[i]
		if job, err := s.store.GetJob(ctx, run.JobID); err == nil {
			s.notifier.NotifyRun(ctx, job, run)
		}
	}
	for i := range report.SkippedRuns {
		run := &report.SkippedRuns[i]
		if job, err := s.store.GetJob(ctx, run.JobID); err == nil {
			s.notifier.NotifyRun(ctx, job, run)
		}
	}
	return report, nil
}

// Run recovers, then drives the dispatcher loop, the schedule trigger and
// periodic position normalization until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.dispatcher.Loop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.trigger.Loop(ctx)
	}()

	if s.normalizeInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(s.normalizeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.queue.Normalize(ctx); err != nil {
						s.log.Warn("queue normalization failed", zap.Error(err))
					}
				}
			}
		}()
	}

	wg.Wait()
	return ctx.Err()
}
