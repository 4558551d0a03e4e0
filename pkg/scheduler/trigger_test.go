package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

func newTrigger(t *testing.T) (*Trigger, *schedstore.Store) {
	t.Helper()
	store := newStore(t)
	return NewTrigger(store, NewQueue(store, nil), time.Minute, nil), store
}

func TestFireDueCreatesJobFromTemplate(t *testing.T) {
	ctx := context.Background()
	trigger, store := newTrigger(t)

	tpl := &schedstore.JobTemplate{
		Name:          "nightly-story",
		JobType:       "story",
		DefaultParams: `{"tone":"gothic","length":1200}`,
	}
	require.NoError(t, store.CreateTemplate(ctx, tpl))

	sch := &schedstore.Schedule{
		TemplateID:     tpl.TemplateID,
		CronExpression: "0 3 * * *",
		Timezone:       "UTC",
		Enabled:        true,
		ParamOverrides: `{"length":600}`,
	}
	require.NoError(t, store.CreateSchedule(ctx, sch))

	// Well past the next 03:00 after creation.
	now := time.Now().UTC().Add(48 * time.Hour)
	fired, err := trigger.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	jobs, err := store.EligibleJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "story", jobs[0].JobType)
	assert.Equal(t, sch.ScheduleID, jobs[0].ScheduleID)

	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(jobs[0].Params), &params))
	assert.Equal(t, "gothic", params["tone"])
	assert.Equal(t, float64(600), params["length"])

	// last_triggered_at advanced: the same instant does not fire again.
	fired, err = trigger.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestFireDueSkipsDisabledSchedules(t *testing.T) {
	ctx := context.Background()
	trigger, store := newTrigger(t)

	tpl := &schedstore.JobTemplate{Name: "nightly-story", JobType: "story"}
	require.NoError(t, store.CreateTemplate(ctx, tpl))

	sch := &schedstore.Schedule{
		TemplateID:     tpl.TemplateID,
		CronExpression: "* * * * *",
		Enabled:        false,
	}
	require.NoError(t, store.CreateSchedule(ctx, sch))

	fired, err := trigger.FireDue(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestFireDueArchivedTemplateAdvancesWithoutJob(t *testing.T) {
	ctx := context.Background()
	trigger, store := newTrigger(t)

	tpl := &schedstore.JobTemplate{Name: "nightly-story", JobType: "story"}
	require.NoError(t, store.CreateTemplate(ctx, tpl))

	sch := &schedstore.Schedule{
		TemplateID:     tpl.TemplateID,
		CronExpression: "* * * * *",
		Enabled:        true,
	}
	require.NoError(t, store.CreateSchedule(ctx, sch))
	require.NoError(t, store.ArchiveTemplate(ctx, tpl.TemplateID))

	now := time.Now().UTC().Add(time.Hour)
	fired, err := trigger.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, fired)

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// The blocked fire still advances last_triggered_at so it is not
	// re-attempted every tick.
	got, err := store.GetSchedule(ctx, sch.ScheduleID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(now))
}

func TestFireDueNotYetDue(t *testing.T) {
	ctx := context.Background()
	trigger, store := newTrigger(t)

	tpl := &schedstore.JobTemplate{Name: "nightly-story", JobType: "story"}
	require.NoError(t, store.CreateTemplate(ctx, tpl))

	sch := &schedstore.Schedule{
		TemplateID:     tpl.TemplateID,
		CronExpression: "0 3 1 1 *",
		Enabled:        true,
	}
	require.NoError(t, store.CreateSchedule(ctx, sch))

	fired, err := trigger.FireDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestFireDueToleratesUnparseableSchedule(t *testing.T) {
	ctx := context.Background()
	trigger, store := newTrigger(t)

	tpl := &schedstore.JobTemplate{Name: "nightly-story", JobType: "story"}
	require.NoError(t, store.CreateTemplate(ctx, tpl))

	bad := &schedstore.Schedule{
		TemplateID:     tpl.TemplateID,
		CronExpression: "not a cron",
		Enabled:        true,
	}
	require.NoError(t, store.CreateSchedule(ctx, bad))

	good := &schedstore.Schedule{
		TemplateID:     tpl.TemplateID,
		CronExpression: "* * * * *",
		Enabled:        true,
	}
	require.NoError(t, store.CreateSchedule(ctx, good))

	// One broken schedule must not block the others.
	fired, err := trigger.FireDue(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestValidateExpression(t *testing.T) {
	trigger, _ := newTrigger(t)

	assert.NoError(t, trigger.ValidateExpression("0 3 * * *"))
	assert.NoError(t, trigger.ValidateExpression("*/5 * * * *"))
	assert.Error(t, trigger.ValidateExpression("61 * * * *"))
	assert.Error(t, trigger.ValidateExpression("not a cron"))
}
