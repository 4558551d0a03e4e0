package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// Trigger fires enabled schedules. Each fire creates a job bound to the
// schedule's template with params = merge(template defaults, overrides).
type Trigger struct {
	store    *schedstore.Store
	queue    *Queue
	interval time.Duration
	parser   cron.Parser
	log      *zap.Logger

	onFire func()
}

func NewTrigger(store *schedstore.Store, queue *Queue, interval time.Duration, log *zap.Logger) *Trigger {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Trigger{
		store:    store,
		queue:    queue,
		interval: interval,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		log:      log,
	}
}

// SetOnFire registers a callback invoked after each fired schedule,
// typically the dispatcher's Wake.
func (t *Trigger) SetOnFire(fn func()) {
	t.onFire = fn
}

// ValidateExpression checks a cron expression before a schedule is stored.
func (t *Trigger) ValidateExpression(expr string) error {
	if _, err := t.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Loop evaluates schedules on the trigger interval until cancelled.
func (t *Trigger) Loop(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := t.FireDue(ctx, now.UTC()); err != nil {
				t.log.Error("schedule evaluation failed", zap.Error(err))
			}
		}
	}
}

// FireDue fires every enabled schedule whose next activation after its
// last trigger is not in the future, and returns how many jobs it created.
func (t *Trigger) FireDue(ctx context.Context, now time.Time) (int, error) {
	schedules, err := t.store.EnabledSchedules(ctx)
	if err != nil {
		return 0, err
	}

	fired := 0
	for i := range schedules {
		sch := &schedules[i]
		due, err := t.isDue(sch, now)
		if err != nil {
			t.log.Warn("skipping unparseable schedule",
				zap.String("schedule_id", sch.ScheduleID),
				zap.Error(err))
			continue
		}
		if !due {
			continue
		}

		if err := t.fire(ctx, sch, now); err != nil {
			if errors.Is(err, schedstore.ErrTemplateArchived) {
				t.log.Warn("schedule references archived template",
					zap.String("schedule_id", sch.ScheduleID),
					zap.String("template_id", sch.TemplateID))
				// Still advance last_triggered_at so the schedule does not
				// retry the blocked fire every tick.
				if err := t.store.SetLastTriggered(ctx, sch.ScheduleID, now); err != nil {
					return fired, err
				}
				continue
			}
			return fired, err
		}
		fired++
	}
	return fired, nil
}

func (t *Trigger) isDue(sch *schedstore.Schedule, now time.Time) (bool, error) {
	spec, err := t.parser.Parse(sch.CronExpression)
	if err != nil {
		return false, err
	}
	loc, err := time.LoadLocation(sch.Timezone)
	if err != nil {
		return false, fmt.Errorf("invalid timezone %q: %w", sch.Timezone, err)
	}

	base := sch.CreatedAt
	if sch.LastTriggeredAt != nil {
		base = *sch.LastTriggeredAt
	}
	next := spec.Next(base.In(loc))
	return !next.After(now.In(loc)), nil
}

func (t *Trigger) fire(ctx context.Context, sch *schedstore.Schedule, now time.Time) error {
	job, err := t.queue.Enqueue(ctx, EnqueueRequest{
		TemplateID: sch.TemplateID,
		ScheduleID: sch.ScheduleID,
		Params:     sch.ParamOverrides,
	})
	if err != nil {
		return err
	}
	if err := t.store.SetLastTriggered(ctx, sch.ScheduleID, now); err != nil {
		return err
	}

	t.log.Info("schedule fired",
		zap.String("schedule_id", sch.ScheduleID),
		zap.String("job_id", job.JobID))
	if t.onFire != nil {
		t.onFire()
	}
	return nil
}
