// -----------------------------------------------------------------------
// Job - durable unit of asynchronous work
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Error codes carried in JobError.Code. These are part of the webhook
// payload contract, not internal detail.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnknownJobType   = "UNKNOWN_JOB_TYPE"
	ErrCodeHandlerException = "HANDLER_EXCEPTION"
	ErrCodeHandlerContract  = "HANDLER_CONTRACT"
	ErrCodeStalled          = "STALLED"
	ErrCodeInternal         = "INTERNAL"
	ErrCodeAdminFailed      = "ADMIN_FAILED"
)

// Job is the durable record for one unit of work. The repository owns all
// mutations; workers and the manager hold value copies only.
type Job struct {
	ID          string         `json:"job_id" badgerhold:"key"`
	Type        string         `json:"job_type" badgerhold:"index"`
	Status      JobStatus      `json:"status" badgerhold:"index"`
	Name        string         `json:"job_name,omitempty"`
	UserID      string         `json:"user_id,omitempty" badgerhold:"index"`
	BatchID     string         `json:"batch_id,omitempty" badgerhold:"index"`
	Parameters  JobParameters  `json:"parameters"`
	Progress    JobProgress    `json:"progress"`
	Results     *JobResults    `json:"results,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	Logs        []JobLogEntry  `json:"logs"`
	Webhook     *WebhookSpec   `json:"webhook,omitempty"`
	CreatedAt   time.Time      `json:"created_at" badgerhold:"index"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// JobProgress tracks coarse handler progress. Percent is kept monotonic by
// the repository.
type JobProgress struct {
	Percent     int    `json:"percent"`
	CurrentStep string `json:"current_step,omitempty"`
	StepIndex   int    `json:"step_index,omitempty"`
	TotalSteps  int    `json:"total_steps,omitempty"`
}

// JobError describes a terminal failure.
type JobError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JobLogEntry is one append-only log line attached to a job.
type JobLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// NewLogEntry builds a log entry stamped now.
func NewLogEntry(level, message string) JobLogEntry {
	return JobLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}
}

// IsTerminal returns true for completed and failed jobs.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed status change.
//
//	pending    -> processing | failed
//	processing -> completed  | failed
//
// Terminal states never transition, and completed is only reachable from
// processing.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// IsTerminal returns true once the job reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Clone returns a value copy safe to hand to a worker. Logs are copied
// shallowly; workers never mutate entries in place.
func (j *Job) Clone() *Job {
	clone := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	if j.Logs != nil {
		clone.Logs = append([]JobLogEntry(nil), j.Logs...)
	}
	return &clone
}

// Validate checks the fields required before a job may be persisted.
func (j *Job) Validate() error {
	if j.ID == "" {
		return NewValidationError("job ID is required")
	}
	if j.Type == "" {
		return NewValidationError("job type is required")
	}
	if !j.Status.Valid() {
		return NewValidationError("invalid job status: " + string(j.Status))
	}
	if j.Webhook != nil {
		if err := j.Webhook.Validate(); err != nil {
			return err
		}
	}
	return nil
}
