package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/duskforge/nocturne/pkg/schedstore"
	"github.com/duskforge/nocturne/pkg/scheduler"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type enqueueRequest struct {
	JobType     string         `json:"job_type"`
	TemplateID  string         `json:"template_id"`
	GroupID     string         `json:"group_id"`
	Params      map[string]any `json:"params"`
	Priority    int            `json:"priority"`
	ResourceTag string         `json:"resource_tag"`
}

func (req *enqueueRequest) toScheduler(w http.ResponseWriter, r *http.Request) (scheduler.EnqueueRequest, bool) {
	if req.JobType == "" && req.TemplateID == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "job_type or template_id is required")
		return scheduler.EnqueueRequest{}, false
	}
	params, err := encodeJSON(req.Params)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return scheduler.EnqueueRequest{}, false
	}
	return scheduler.EnqueueRequest{
		JobType:     req.JobType,
		TemplateID:  req.TemplateID,
		GroupID:     req.GroupID,
		Params:      params,
		Priority:    req.Priority,
		ResourceTag: req.ResourceTag,
	}, true
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sreq, ok := req.toScheduler(w, r)
	if !ok {
		return
	}

	job, err := s.sched.Queue().Enqueue(r.Context(), sreq)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.sched.Wake()
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := schedstore.JobStatus(r.URL.Query().Get("status"))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := s.sched.Store().ListJobs(r.Context(), status, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// jobDetail pairs a job with its run, when one exists.
type jobDetail struct {
	Job *schedstore.Job    `json:"job"`
	Run *schedstore.JobRun `json:"run,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.sched.Store().GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	detail := jobDetail{Job: job}
	if run, err := s.sched.Store().GetRunByJob(r.Context(), jobID); err == nil {
		detail.Run = run
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.sched.Queue().Cancel(r.Context(), jobID); err != nil {
		respondError(w, r, err)
		return
	}
	job, err := s.sched.Store().GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type directRequest struct {
	enqueueRequest
	ReservedBy string `json:"reserved_by"`
}

func (s *Server) handleRunDirect(w http.ResponseWriter, r *http.Request) {
	var req directRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ReservedBy == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "reserved_by is required")
		return
	}
	sreq, ok := req.enqueueRequest.toScheduler(w, r)
	if !ok {
		return
	}

	run, err := s.sched.RunDirect(r.Context(), sreq, req.ReservedBy)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sched.Queue().Snapshot(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Queue().Normalize(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "normalized"})
}

type createTemplateRequest struct {
	Name          string         `json:"name"`
	JobType       string         `json:"job_type"`
	DefaultParams map[string]any `json:"default_params"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.JobType == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "name and job_type are required")
		return
	}
	params, err := encodeJSON(req.DefaultParams)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	tpl := &schedstore.JobTemplate{
		Name:          req.Name,
		JobType:       req.JobType,
		DefaultParams: params,
	}
	if err := s.sched.Store().CreateTemplate(r.Context(), tpl); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("archived") == "true"
	tpls, err := s.sched.Store().ListTemplates(r.Context(), includeArchived)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": tpls})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.sched.Store().GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleArchiveTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateID")
	if err := s.sched.Store().ArchiveTemplate(r.Context(), templateID); err != nil {
		respondError(w, r, err)
		return
	}
	tpl, err := s.sched.Store().GetTemplate(r.Context(), templateID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

type createScheduleRequest struct {
	TemplateID     string         `json:"template_id"`
	Cron           string         `json:"cron"`
	Timezone       string         `json:"timezone"`
	Enabled        *bool          `json:"enabled"`
	ParamOverrides map[string]any `json:"param_overrides"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TemplateID == "" || req.Cron == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "template_id and cron are required")
		return
	}
	if err := s.sched.Trigger().ValidateExpression(req.Cron); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	overrides, err := encodeJSON(req.ParamOverrides)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sch := &schedstore.Schedule{
		TemplateID:     req.TemplateID,
		CronExpression: req.Cron,
		Timezone:       req.Timezone,
		Enabled:        enabled,
		ParamOverrides: overrides,
	}
	if err := s.sched.Store().CreateSchedule(r.Context(), sch); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.sched.Store().GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleSetScheduleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheduleID := chi.URLParam(r, "scheduleID")
		if err := s.sched.Store().SetScheduleEnabled(r.Context(), scheduleID, enabled); err != nil {
			respondError(w, r, err)
			return
		}
		sch, err := s.sched.Store().GetSchedule(r.Context(), scheduleID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sch)
	}
}

type createGroupRequest struct {
	Name string `json:"name"`
	Mode string `json:"mode"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mode := schedstore.GroupMode(req.Mode)
	if mode != schedstore.GroupModeSequential && mode != schedstore.GroupModeParallel {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "mode must be sequential or parallel")
		return
	}
	grp := &schedstore.JobGroup{
		Name: req.Name,
		Mode: mode,
	}
	if err := s.sched.Store().CreateGroup(r.Context(), grp); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grp)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.sched.Store().ListGroups(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if groups == nil {
		groups = []schedstore.JobGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// groupDetail is a group with its derived status and members.
type groupDetail struct {
	Group   *schedstore.JobGroup    `json:"group"`
	Status  schedstore.GroupStatus  `json:"status"`
	Members []schedstore.Job        `json:"members"`
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	grp, err := s.sched.Store().GetGroup(r.Context(), groupID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status, err := s.sched.Groups().Status(r.Context(), groupID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	members, err := s.sched.Store().GroupJobs(r.Context(), groupID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groupDetail{Group: grp, Status: status, Members: members})
}

func (s *Server) handleActiveReservation(w http.ResponseWriter, r *http.Request) {
	rsv, err := s.sched.Store().ActiveReservation(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rsv == nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no active reservation")
		return
	}
	writeJSON(w, http.StatusOK, rsv)
}
