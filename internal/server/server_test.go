package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
	"github.com/duskforge/nocturne/pkg/scheduler"
)

func newTestServer(t *testing.T) (*Server, *schedstore.Store) {
	t.Helper()
	ctx := context.Background()

	db, err := schedstore.Open(ctx, schedstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, schedstore.Migrate(ctx, db))
	store := schedstore.New(db)

	reg := scheduler.NewRegistry()
	reg.Register("story", scheduler.HandlerFunc(
		func(context.Context, *schedstore.Job) (*scheduler.Result, error) {
			return &scheduler.Result{Status: schedstore.RunStatusCompleted}, nil
		}))

	sched := scheduler.New(store, reg, nil, nil, zap.NewNop(), scheduler.Options{})
	return New("localhost", 0, sched, "test", zap.NewNop()), store
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	decodeInto(t, rec, &resp)
	return resp
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var version map[string]string
	decodeInto(t, rec, &version)
	assert.Equal(t, "test", version["version"])
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := errorCode(t, rec)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.NotEmpty(t, resp.Error.RequestID)
}

func TestMethodNotAllowedEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodDelete, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", errorCode(t, rec).Error.Code)
}

func TestEnqueueGetCancelRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/jobs", map[string]any{
		"job_type": "story",
		"priority": 2,
		"params":   map[string]any{"tone": "gothic"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var job schedstore.Job
	decodeInto(t, rec, &job)
	require.NotEmpty(t, job.JobID)
	assert.Equal(t, schedstore.JobStatusQueued, job.Status)
	assert.Equal(t, 2, job.Priority)

	rec = doRequest(t, srv, http.MethodGet, "/jobs/"+job.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Job schedstore.Job     `json:"job"`
		Run *schedstore.JobRun `json:"run"`
	}
	decodeInto(t, rec, &detail)
	assert.Equal(t, job.JobID, detail.Job.JobID)
	assert.Nil(t, detail.Run)

	rec = doRequest(t, srv, http.MethodPost, "/jobs/"+job.JobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled schedstore.Job
	decodeInto(t, rec, &cancelled)
	assert.Equal(t, schedstore.JobStatusCancelled, cancelled.Status)

	// A settled job cannot be cancelled again.
	rec = doRequest(t, srv, http.MethodPost, "/jobs/"+job.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, rec).Error.Code)
}

func TestEnqueueValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	// Unknown fields are rejected, not silently dropped.
	rec := doRequest(t, srv, http.MethodPost, "/jobs", map[string]any{
		"job_type": "story",
		"typo":     true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec).Error.Code)

	rec = doRequest(t, srv, http.MethodPost, "/jobs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec).Error.Code)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/jobs/job_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec).Error.Code)
}

func TestListJobsFilter(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/jobs", map[string]any{"job_type": "story"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Jobs []schedstore.Job `json:"jobs"`
	}
	decodeInto(t, rec, &listing)
	assert.Len(t, listing.Jobs, 1)

	rec = doRequest(t, srv, http.MethodGet, "/jobs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunDirectEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/jobs/direct", map[string]any{
		"job_type":    "story",
		"reserved_by": "api:tester",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var run schedstore.JobRun
	decodeInto(t, rec, &run)
	assert.Equal(t, schedstore.RunStatusCompleted, run.Status)

	// The reservation protocol requires an owner.
	rec = doRequest(t, srv, http.MethodPost, "/jobs/direct", map[string]any{
		"job_type": "story",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunDirectReservationConflict(t *testing.T) {
	srv, store := newTestServer(t)

	_, err := store.AcquireReservation(context.Background(), "cli:other", scheduler.DefaultReservationTTL)
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodPost, "/jobs/direct", map[string]any{
		"job_type":    "story",
		"reserved_by": "api:tester",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RESERVATION_HELD", errorCode(t, rec).Error.Code)
}

func TestTemplateEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/templates", map[string]any{
		"name":           "nightly-story",
		"job_type":       "story",
		"default_params": map[string]any{"tone": "gothic"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var tpl schedstore.JobTemplate
	decodeInto(t, rec, &tpl)
	require.NotEmpty(t, tpl.TemplateID)

	rec = doRequest(t, srv, http.MethodPost, "/templates", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/templates/"+tpl.TemplateID+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// New jobs from an archived template are refused.
	rec = doRequest(t, srv, http.MethodPost, "/jobs", map[string]any{
		"template_id": tpl.TemplateID,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TEMPLATE_ARCHIVED", errorCode(t, rec).Error.Code)

	rec = doRequest(t, srv, http.MethodGet, "/templates/tpl_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/templates", map[string]any{
		"name":     "nightly-story",
		"job_type": "story",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var tpl schedstore.JobTemplate
	decodeInto(t, rec, &tpl)

	// Cron expressions are validated before anything is stored.
	rec = doRequest(t, srv, http.MethodPost, "/schedules", map[string]any{
		"template_id": tpl.TemplateID,
		"cron":        "not a cron",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec).Error.Code)

	rec = doRequest(t, srv, http.MethodPost, "/schedules", map[string]any{
		"template_id": tpl.TemplateID,
		"cron":        "0 3 * * *",
		"timezone":    "America/New_York",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sch schedstore.Schedule
	decodeInto(t, rec, &sch)
	assert.True(t, sch.Enabled)

	rec = doRequest(t, srv, http.MethodPost, "/schedules/"+sch.ScheduleID+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &sch)
	assert.False(t, sch.Enabled)

	rec = doRequest(t, srv, http.MethodGet, "/schedules/sch_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGroupEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/groups", map[string]any{
		"name": "anthology",
		"mode": "zigzag",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/groups", map[string]any{
		"name": "anthology",
		"mode": "sequential",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var grp schedstore.JobGroup
	decodeInto(t, rec, &grp)
	require.NotEmpty(t, grp.GroupID)

	rec = doRequest(t, srv, http.MethodGet, "/groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var groups []schedstore.JobGroup
	decodeInto(t, rec, &groups)
	assert.Len(t, groups, 1)

	rec = doRequest(t, srv, http.MethodGet, "/groups/"+grp.GroupID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Group  schedstore.JobGroup    `json:"group"`
		Status schedstore.GroupStatus `json:"status"`
	}
	decodeInto(t, rec, &detail)
	assert.Equal(t, schedstore.GroupStatusPending, detail.Status)
}

func TestQueueEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, srv, http.MethodPost, "/jobs", map[string]any{"job_type": "story"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(t, srv, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap scheduler.Snapshot
	decodeInto(t, rec, &snap)
	assert.Equal(t, 2, snap.Depth)
	require.NotNil(t, snap.Head)

	rec = doRequest(t, srv, http.MethodPost, "/queue/normalize", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestActiveReservationEndpoint(t *testing.T) {
	srv, store := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/reservations/active", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rsv, err := store.AcquireReservation(context.Background(), "cli:alpha", scheduler.DefaultReservationTTL)
	require.NoError(t, err)

	rec = doRequest(t, srv, http.MethodGet, "/reservations/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got schedstore.DirectReservation
	decodeInto(t, rec, &got)
	assert.Equal(t, rsv.ReservationID, got.ReservationID)
}
