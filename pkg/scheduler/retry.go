package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// DefaultMaxRetries allows 3 retries after the initial attempt: 4 total
// attempts per logical unit of work.
const DefaultMaxRetries = 3

// RetryController decides, after a failed run, whether the job's chain
// gets another attempt. Retry metadata is the retry_of chain itself: the
// attempt count is the chain length, no extra bookkeeping.
type RetryController struct {
	store      *schedstore.Store
	maxRetries int
	log        *zap.Logger
}

func NewRetryController(store *schedstore.Store, maxRetries int, log *zap.Logger) *RetryController {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryController{store: store, maxRetries: maxRetries, log: log}
}

// HandleFailure creates the retry job for a failed job, or returns nil
// when the chain is exhausted or a retry already exists. Creation is
// idempotent: evaluating the same failure twice (once live, once during
// recovery) produces exactly one retry.
func (c *RetryController) HandleFailure(ctx context.Context, job *schedstore.Job) (*schedstore.Job, error) {
	existing, err := c.store.RetryJobID(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		return nil, nil
	}

	attempts, err := c.store.RetryChainLength(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	retriesUsed := attempts - 1
	if retriesUsed >= c.maxRetries {
		c.log.Info("retry chain exhausted",
			zap.String("job_id", job.JobID),
			zap.Int("attempts", attempts),
			zap.Int("max_retries", c.maxRetries))
		return nil, nil
	}

	// The retry inherits the chain's identity: template, params, group,
	// priority and sequence position all carry over.
	retry := &schedstore.Job{
		JobType:     job.JobType,
		TemplateID:  job.TemplateID,
		ScheduleID:  job.ScheduleID,
		GroupID:     job.GroupID,
		Params:      job.Params,
		Priority:    job.Priority,
		Position:    job.Position,
		ResourceTag: job.ResourceTag,
		RetryOf:     job.JobID,
	}
	if err := c.store.CreateJob(ctx, retry); err != nil {
		if errors.Is(err, schedstore.ErrRetryExists) {
			return nil, nil
		}
		return nil, err
	}

	c.log.Info("retry created",
		zap.String("job_id", job.JobID),
		zap.String("retry_job_id", retry.JobID),
		zap.Int("attempt", attempts+1))
	return retry, nil
}

// Exhausted reports whether a failed job's chain has no attempts left and
// no retry pending.
func (c *RetryController) Exhausted(ctx context.Context, jobID string) (bool, error) {
	existing, err := c.store.RetryJobID(ctx, jobID)
	if err != nil {
		return false, err
	}
	if existing != "" {
		return false, nil
	}
	attempts, err := c.store.RetryChainLength(ctx, jobID)
	if err != nil {
		return false, err
	}
	return attempts-1 >= c.maxRetries, nil
}
