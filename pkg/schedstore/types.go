package schedstore

import "time"

// JobStatus is the queue-state of a Job.
//
// NOTE: These values are persisted and are part of the stable on-disk
// contract. A Job never returns to queued once it has been running; the
// outcome of an execution lives on its JobRun.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCancelled JobStatus = "cancelled"
)

// RunStatus is the state of a JobRun. A run is inserted as running and
// finalized exactly once into one of the terminal states.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// Terminal reports whether the status is a finalized outcome.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusSkipped
}

// GroupMode selects how members of a JobGroup are admitted for dispatch.
type GroupMode string

const (
	GroupModeSequential GroupMode = "sequential"
	GroupModeParallel   GroupMode = "parallel"
)

// GroupStatus is derived from member runs, never stored.
type GroupStatus string

const (
	GroupStatusPending   GroupStatus = "pending"
	GroupStatusRunning   GroupStatus = "running"
	GroupStatusCompleted GroupStatus = "completed"
	GroupStatusPartial   GroupStatus = "partial"
	GroupStatusCancelled GroupStatus = "cancelled"
)

// ReservationStatus is the state of a DirectReservation.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Job is a unit of work. Identity is immutable; queue-state fields
// (status, position) are mutable only while the job is queued.
type Job struct {
	JobID       string     `json:"job_id"`
	TemplateID  string     `json:"template_id,omitempty"`
	ScheduleID  string     `json:"schedule_id,omitempty"`
	GroupID     string     `json:"group_id,omitempty"`
	JobType     string     `json:"job_type"`
	Params      string     `json:"params,omitempty"`
	Status      JobStatus  `json:"status"`
	Priority    int        `json:"priority"`
	Position    int64      `json:"position"`
	ResourceTag string     `json:"resource_tag,omitempty"`
	RetryOf     string     `json:"retry_of,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Settled reports whether the job can no longer execute: it was cancelled,
// it finished, or a run (including a skipped one) already exists for it.
func (j *Job) Settled() bool {
	return j.Status == JobStatusCancelled || j.FinishedAt != nil
}

// JobRun is the single execution record of a Job (1:1). Once terminal,
// only finished_at, exit_code, error and artifacts may still change, and
// artifacts only by appending.
type JobRun struct {
	RunID      string     `json:"run_id"`
	JobID      string     `json:"job_id"`
	TemplateID string     `json:"template_id,omitempty"`
	Params     string     `json:"params,omitempty"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	Artifacts  []string   `json:"artifacts,omitempty"`
	LogPath    string     `json:"log_path,omitempty"`

	// WebhookSent records whether the completion notification for this
	// run was delivered. Delivery failure never fails the job.
	WebhookSent bool `json:"webhook_sent"`
}

// JobTemplate is a reusable job definition. Archiving blocks new jobs but
// leaves existing jobs and schedules untouched.
type JobTemplate struct {
	TemplateID    string     `json:"template_id"`
	Name          string     `json:"name"`
	JobType       string     `json:"job_type"`
	DefaultParams string     `json:"default_params,omitempty"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Schedule is a cron-style trigger bound to exactly one template.
type Schedule struct {
	ScheduleID      string     `json:"schedule_id"`
	TemplateID      string     `json:"template_id"`
	CronExpression  string     `json:"cron_expression"`
	Timezone        string     `json:"timezone,omitempty"`
	Enabled         bool       `json:"enabled"`
	ParamOverrides  string     `json:"param_overrides,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// JobGroup is a loose coordination container over an ordered set of jobs.
// Membership is via Job.GroupID; deleting a group never cascades.
type JobGroup struct {
	GroupID   string    `json:"group_id"`
	Name      string    `json:"name,omitempty"`
	Mode      GroupMode `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// DirectReservation is a single-slot, time-bounded lock that pauses queue
// dispatch so an out-of-band caller can run one job immediately.
type DirectReservation struct {
	ReservationID string            `json:"reservation_id"`
	ReservedBy    string            `json:"reserved_by"`
	Status        ReservationStatus `json:"status"`
	ReservedAt    time.Time         `json:"reserved_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	ReleasedAt    *time.Time        `json:"released_at,omitempty"`
}
