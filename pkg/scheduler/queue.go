package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// EnqueueRequest describes a job to add to the queue. Either JobType or
// TemplateID must be set; a template supplies the type and default params,
// with request params merged over them.
type EnqueueRequest struct {
	JobType     string
	TemplateID  string
	ScheduleID  string
	GroupID     string
	Params      string
	Priority    int
	Position    int64
	ResourceTag string
}

// Snapshot is a derived, purely informational view of the queue. It is
// rebuilt from the store whenever a write invalidates it and is never
// treated as authoritative: every claim re-verifies against the store.
type Snapshot struct {
	Depth   int             `json:"depth"`
	Head    *schedstore.Job `json:"head,omitempty"`
	TakenAt time.Time       `json:"taken_at"`
}

// Queue assigns positions, resolves templates and groups, and owns the
// ordering contract. Dispatch order is a pure function of persisted
// priority, position and created_at.
type Queue struct {
	store *schedstore.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache *Snapshot
}

func NewQueue(store *schedstore.Store, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{store: store, log: log}
}

// Enqueue creates a queued job from the request.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*schedstore.Job, error) {
	job := &schedstore.Job{
		JobType:     strings.TrimSpace(req.JobType),
		TemplateID:  req.TemplateID,
		ScheduleID:  req.ScheduleID,
		GroupID:     req.GroupID,
		Params:      req.Params,
		Priority:    req.Priority,
		Position:    req.Position,
		ResourceTag: req.ResourceTag,
	}

	if req.TemplateID != "" {
		tpl, err := q.store.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return nil, err
		}
		if job.JobType == "" {
			job.JobType = tpl.JobType
		}
		merged, err := mergeParams(tpl.DefaultParams, req.Params)
		if err != nil {
			return nil, err
		}
		job.Params = merged
	}
	if job.JobType == "" {
		return nil, errors.New("enqueue requires a job_type or template_id")
	}

	if req.GroupID != "" && req.Position == 0 {
		if _, err := q.store.GetGroup(ctx, req.GroupID); err != nil {
			return nil, err
		}
		pos, err := q.store.NextGroupPosition(ctx, req.GroupID)
		if err != nil {
			return nil, err
		}
		job.Position = pos
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	q.Invalidate()

	q.log.Debug("job enqueued",
		zap.String("job_id", job.JobID),
		zap.String("job_type", job.JobType),
		zap.Int("priority", job.Priority),
		zap.Int64("position", job.Position))
	return job, nil
}

// Cancel cancels a queued job. Running jobs are not cancellable through
// the queue.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	if err := q.store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	q.Invalidate()
	q.log.Info("job cancelled", zap.String("job_id", jobID))
	return nil
}

// Eligible returns the next dispatch candidates in deterministic order.
func (q *Queue) Eligible(ctx context.Context, limit int) ([]schedstore.Job, error) {
	return q.store.EligibleJobs(ctx, limit)
}

// Snapshot returns the cached queue view, rebuilding it from the store
// when a write has invalidated it.
func (q *Queue) Snapshot(ctx context.Context) (Snapshot, error) {
	q.mu.Lock()
	if q.cache != nil {
		snap := *q.cache
		q.mu.Unlock()
		return snap, nil
	}
	q.mu.Unlock()

	depth, err := q.store.QueueDepth(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	var head *schedstore.Job
	eligible, err := q.store.EligibleJobs(ctx, 1)
	if err != nil {
		return Snapshot{}, err
	}
	if len(eligible) > 0 {
		head = &eligible[0]
	}

	snap := Snapshot{Depth: depth, Head: head, TakenAt: time.Now().UTC()}
	q.mu.Lock()
	q.cache = &snap
	q.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot. Called on every queue write.
func (q *Queue) Invalidate() {
	q.mu.Lock()
	q.cache = nil
	q.mu.Unlock()
}

// Normalize compacts queued positions back to uniform gaps.
func (q *Queue) Normalize(ctx context.Context) error {
	if err := q.store.NormalizePositions(ctx); err != nil {
		return fmt.Errorf("normalize queue: %w", err)
	}
	q.Invalidate()
	return nil
}
