package scheduler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

func TestEnqueueRequiresTypeOrTemplate(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(newStore(t), nil)

	_, err := q.Enqueue(ctx, EnqueueRequest{})
	require.Error(t, err)
}

func TestEnqueueUnknownTemplateOrGroup(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(newStore(t), nil)

	_, err := q.Enqueue(ctx, EnqueueRequest{TemplateID: "tpl_missing"})
	assert.ErrorIs(t, err, schedstore.ErrNotFound)

	_, err = q.Enqueue(ctx, EnqueueRequest{JobType: "story", GroupID: "grp_missing"})
	assert.ErrorIs(t, err, schedstore.ErrNotFound)
}

func TestSnapshotTracksQueueWrites(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(newStore(t), nil)

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.Depth)
	assert.Nil(t, snap.Head)

	first, err := q.Enqueue(ctx, EnqueueRequest{JobType: "story"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{JobType: "story", Priority: 3})
	require.NoError(t, err)

	// Every write invalidates the cached view.
	snap, err = q.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Depth)
	require.NotNil(t, snap.Head)
	assert.NotEqual(t, first.JobID, snap.Head.JobID)

	require.NoError(t, q.Cancel(ctx, first.JobID))
	snap, err = q.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Depth)
}

func TestGroupEnqueueAssignsMemberPositions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	q := NewQueue(store, nil)

	grp := &schedstore.JobGroup{Name: "chapter", Mode: schedstore.GroupModeSequential}
	require.NoError(t, store.CreateGroup(ctx, grp))

	a, err := q.Enqueue(ctx, EnqueueRequest{JobType: "story", GroupID: grp.GroupID})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, EnqueueRequest{JobType: "story", GroupID: grp.GroupID})
	require.NoError(t, err)

	assert.Less(t, a.Position, b.Position)
}

func TestMergeParams(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		override string
		want     map[string]any
	}{
		{"both empty", "", "", nil},
		{"base only", `{"tone":"gothic"}`, "", map[string]any{"tone": "gothic"}},
		{"override wins", `{"tone":"gothic"}`, `{"tone":"pulpy"}`, map[string]any{"tone": "pulpy"}},
		{"shallow merge", `{"a":1}`, `{"b":2}`, map[string]any{"a": float64(1), "b": float64(2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mergeParams(tt.base, tt.override)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Equal(t, "{}", got)
				return
			}
			var decoded map[string]any
			require.NoError(t, json.Unmarshal([]byte(got), &decoded))
			assert.Equal(t, tt.want, decoded)
		})
	}
}

func TestMergeParamsRejectsMalformed(t *testing.T) {
	_, err := mergeParams(`not json`, "")
	require.Error(t, err)
	_, err = mergeParams("", `[1,2]`)
	require.Error(t, err)
}
