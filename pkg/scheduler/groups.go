package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// Groups derives group status from member jobs and runs, and applies the
// stop-on-failure rule for sequential groups. Status is never stored: the
// member rows are the only source of truth.
type Groups struct {
	store *schedstore.Store
	log   *zap.Logger
}

func NewGroups(store *schedstore.Store, log *zap.Logger) *Groups {
	if log == nil {
		log = zap.NewNop()
	}
	return &Groups{store: store, log: log}
}

// Status derives the group's status from its members.
func (g *Groups) Status(ctx context.Context, groupID string) (schedstore.GroupStatus, error) {
	members, err := g.store.GroupJobs(ctx, groupID)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return schedstore.GroupStatusPending, nil
	}

	var (
		anyStarted   bool
		anyUnsettled bool
		anyFailed    bool
		anySkipped   bool
		allCancelled = true
		allCompleted = true
	)
	for i := range members {
		m := &members[i]
		if m.Status != schedstore.JobStatusCancelled {
			allCancelled = false
		}
		if m.StartedAt != nil {
			anyStarted = true
		}

		run, err := g.store.GetRunByJob(ctx, m.JobID)
		if err != nil {
			if m.Status == schedstore.JobStatusCancelled {
				allCompleted = false
				continue
			}
			// No run yet: still queued or running without outcome.
			anyUnsettled = true
			allCompleted = false
			continue
		}

		switch run.Status {
		case schedstore.RunStatusCompleted:
		case schedstore.RunStatusFailed:
			// A retried member is superseded: the retry member carries the
			// chain's outcome. Only an unretried failure counts as terminal.
			retryID, err := g.store.RetryJobID(ctx, m.JobID)
			if err != nil {
				return "", err
			}
			if retryID != "" {
				continue
			}
			allCompleted = false
			anyFailed = true
		case schedstore.RunStatusSkipped:
			allCompleted = false
			anySkipped = true
		default:
			allCompleted = false
			anyUnsettled = true
		}
	}

	switch {
	case anyUnsettled && anyStarted:
		return schedstore.GroupStatusRunning, nil
	case anyUnsettled:
		return schedstore.GroupStatusPending, nil
	case allCancelled:
		return schedstore.GroupStatusCancelled, nil
	case anyFailed || anySkipped:
		return schedstore.GroupStatusPartial, nil
	case allCompleted:
		return schedstore.GroupStatusCompleted, nil
	default:
		return schedstore.GroupStatusPartial, nil
	}
}

// SkipRemaining marks every not-yet-executed member after the failed
// position as skipped, without executing them. Only sequential groups stop
// on a terminal member failure. The skipped runs are returned so the
// caller can emit their notifications.
func (g *Groups) SkipRemaining(ctx context.Context, groupID string, afterPosition int64, reason string) ([]schedstore.JobRun, error) {
	grp, err := g.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if grp.Mode != schedstore.GroupModeSequential {
		return nil, nil
	}

	members, err := g.store.GroupJobs(ctx, groupID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var skipped []schedstore.JobRun
	for i := range members {
		m := &members[i]
		if m.Position <= afterPosition {
			continue
		}
		if m.Status != schedstore.JobStatusQueued || m.FinishedAt != nil {
			continue
		}
		if _, err := g.store.GetRunByJob(ctx, m.JobID); err == nil {
			continue
		}

		run := &schedstore.JobRun{
			JobID:      m.JobID,
			TemplateID: m.TemplateID,
			Params:     m.Params,
			Status:     schedstore.RunStatusSkipped,
			StartedAt:  now,
			FinishedAt: &now,
			Error:      reason,
		}
		if err := g.store.InsertRun(ctx, run); err != nil {
			return skipped, fmt.Errorf("insert skipped run for %s: %w", m.JobID, err)
		}
		if err := g.store.SetJobFinished(ctx, m.JobID, now); err != nil {
			return skipped, err
		}

		g.log.Info("group member skipped",
			zap.String("group_id", groupID),
			zap.String("job_id", m.JobID),
			zap.String("reason", reason))
		skipped = append(skipped, *run)
	}
	return skipped, nil
}
