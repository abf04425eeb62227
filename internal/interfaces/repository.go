package interfaces

import (
	"context"
	"time"

	"github.com/bCommonsLAB/secretary/internal/models"
)

// JobListOptions filters and pages job listings. Zero values mean "no
// filter". Ordering is created_at ascending unless Descending is set.
type JobListOptions struct {
	Status     models.JobStatus
	BatchID    string
	UserID     string
	Limit      int
	Offset     int
	Descending bool
}

// BatchListOptions filters batch listings. Archived batches are excluded
// unless IncludeArchived is set.
type BatchListOptions struct {
	Status          models.BatchStatus
	ActiveOnly      bool
	IncludeArchived bool
	Limit           int
	Offset          int
}

// StatusUpdate carries the optional fields applied together with a status
// transition, as a single atomic write.
type StatusUpdate struct {
	Error    *models.JobError
	Results  *models.JobResults
	Progress *models.JobProgress
}

// JobRepository is the durable state store for jobs and batches. All
// mutations go through it; workers and the manager hold value copies only.
//
// Status transitions are conditional on the current status and serialised,
// so a pending job can be claimed by exactly one caller.
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error

	// ClaimJob performs the atomic pending -> processing transition and
	// stamps started_at. Returns models.ErrInvalidTransition when the job
	// was already claimed.
	ClaimJob(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateJobStatus applies one transition plus the optional update
	// fields. Disallowed transitions return models.ErrInvalidTransition.
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, update *StatusUpdate) error

	// UpdateProgress is a no-op on terminal jobs. Percent never decreases.
	UpdateProgress(ctx context.Context, jobID string, progress models.JobProgress) error

	// AppendLog appends one entry, compacting to the newest half when the
	// configured cap is exceeded.
	AppendLog(ctx context.Context, jobID string, entry models.JobLogEntry) error

	// NextPending returns up to limit dispatchable pending jobs, oldest
	// first. Jobs whose batch is inactive are filtered out.
	NextPending(ctx context.Context, limit int) ([]*models.Job, error)

	// ResetStalledJobs fails every processing job whose started_at is older
	// than maxAge, with error code STALLED. Returns the jobs it reset so
	// the caller can deliver error webhooks.
	ResetStalledJobs(ctx context.Context, maxAge time.Duration) ([]*models.Job, error)

	CreateBatch(ctx context.Context, batch *models.Batch, jobs []*models.Job) error
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	ListBatches(ctx context.Context, opts *BatchListOptions) ([]*models.Batch, error)
	ArchiveBatch(ctx context.Context, batchID string) error
	SetBatchActive(ctx context.Context, batchID string, active bool) error
	DeleteBatch(ctx context.Context, batchID string) error

	// FailAllActiveBatches fails the pending jobs of every active batch
	// (emergency stop). In-flight jobs are left to finish. Returns the
	// number of jobs failed.
	FailAllActiveBatches(ctx context.Context) (int, error)

	// ClaimBatchWebhook returns the batch exactly once when its derived
	// status first turns terminal; every other call returns nil. The caller
	// that receives a non-nil batch owns the webhook delivery.
	ClaimBatchWebhook(ctx context.Context, batchID string) (*models.Batch, error)
}
