package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

const sampleManifest = `
templates:
  - name: nightly-story
    job_type: story
    default_params:
      tone: gothic
      length: 1200
  - name: research-cards
    job_type: cards

schedules:
  - template: nightly-story
    cron: "0 3 * * *"
    timezone: America/New_York
    param_overrides:
      length: 600

groups:
  - name: anthology
    mode: sequential
`

func newStore(t *testing.T) *schedstore.Store {
	t.Helper()
	ctx := context.Background()

	db, err := schedstore.Open(ctx, schedstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, schedstore.Migrate(ctx, db))
	return schedstore.New(db)
}

func TestLoadFromBytes(t *testing.T) {
	m, err := LoadFromBytes([]byte(sampleManifest))
	require.NoError(t, err)

	require.Len(t, m.Templates, 2)
	assert.Equal(t, "nightly-story", m.Templates[0].Name)
	assert.Equal(t, "story", m.Templates[0].JobType)
	require.Len(t, m.Schedules, 1)
	assert.Equal(t, "0 3 * * *", m.Schedules[0].Cron)
	require.Len(t, m.Groups, 1)
	assert.Equal(t, "sequential", m.Groups[0].Mode)
}

func TestLoadFromBytesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "manifest file is empty"},
		{"unknown field", "templates:\n  - name: a\n    job_type: x\n    typo_field: y\n", "parse manifest"},
		{"missing job_type", "templates:\n  - name: a\n", "job_type is required"},
		{"duplicate template", "templates:\n  - name: a\n    job_type: x\n  - name: a\n    job_type: y\n", "duplicate template"},
		{"orphan schedule", "schedules:\n  - template: ghost\n    cron: '* * * * *'\n", "unknown template"},
		{"missing cron", "templates:\n  - name: a\n    job_type: x\nschedules:\n  - template: a\n", "cron is required"},
		{"bad group mode", "groups:\n  - name: g\n    mode: zigzag\n", "mode must be sequential or parallel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nocturne.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Templates, 2)
}

func TestApplyCreatesDeclaredEntities(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	m, err := LoadFromBytes([]byte(sampleManifest))
	require.NoError(t, err)

	// 2 templates + 1 schedule + 1 group.
	created, err := m.Apply(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 4, created)

	tpl, err := store.GetTemplateByName(ctx, "nightly-story")
	require.NoError(t, err)
	assert.Equal(t, "story", tpl.JobType)
	assert.JSONEq(t, `{"tone":"gothic","length":1200}`, tpl.DefaultParams)

	schedules, err := store.EnabledSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, tpl.TemplateID, schedules[0].TemplateID)
	assert.Equal(t, "America/New_York", schedules[0].Timezone)
	assert.JSONEq(t, `{"length":600}`, schedules[0].ParamOverrides)

	groups, err := store.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, schedstore.GroupModeSequential, groups[0].Mode)
}

func TestApplyExistingTemplatesAreUntouched(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	m, err := LoadFromBytes([]byte(`
templates:
  - name: nightly-story
    job_type: story
schedules:
  - template: nightly-story
    cron: "0 3 * * *"
`))
	require.NoError(t, err)

	created, err := m.Apply(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	// An existing template suppresses re-creating it and its schedules.
	created, err = m.Apply(ctx, store)
	require.NoError(t, err)
	assert.Zero(t, created)

	schedules, err := store.EnabledSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, schedules, 1)
}

func TestApplyDisabledSchedule(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	m, err := LoadFromBytes([]byte(`
templates:
  - name: nightly-story
    job_type: story
schedules:
  - template: nightly-story
    cron: "0 3 * * *"
    enabled: false
`))
	require.NoError(t, err)

	_, err = m.Apply(ctx, store)
	require.NoError(t, err)

	enabled, err := store.EnabledSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}
