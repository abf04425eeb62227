// -----------------------------------------------------------------------
// Batch - named group of jobs with derived aggregate status
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// BatchStatus is derived from job counters, never set directly by handlers.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusPartial    BatchStatus = "partial"
)

// IsTerminal reports whether every job in the batch reached a terminal state.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusPartial
}

// Batch owns a set of jobs submitted together. Counters and Status are
// recomputed from current job states by the repository on every job
// transition; they are cached here, never authored.
type Batch struct {
	ID             string       `json:"batch_id" badgerhold:"key"`
	Name           string       `json:"batch_name,omitempty"`
	UserID         string       `json:"user_id,omitempty"`
	TotalJobs      int          `json:"total_jobs"`
	CompletedJobs  int          `json:"completed_jobs"`
	FailedJobs     int          `json:"failed_jobs"`
	ProcessingJobs int          `json:"processing_jobs"`
	PendingJobs    int          `json:"pending_jobs"`
	Status         BatchStatus  `json:"status" badgerhold:"index"`
	IsActive       bool         `json:"is_active" badgerhold:"index"`
	Archived       bool         `json:"archived" badgerhold:"index"`
	Webhook        *WebhookSpec `json:"webhook,omitempty"`
	WebhookSent    bool         `json:"webhook_sent"`
	CreatedAt      time.Time    `json:"created_at" badgerhold:"index"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// BatchCounters is a snapshot of per-status job counts for one batch.
type BatchCounters struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Total returns the counter sum, which must always equal Batch.TotalJobs.
func (c BatchCounters) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// DeriveBatchStatus maps counters to the aggregate status:
//
//	pending    - no job has progressed yet
//	processing - work in flight or still queued
//	completed  - all terminal, all succeeded
//	failed     - all terminal, all failed
//	partial    - all terminal, mixed outcomes
func DeriveBatchStatus(c BatchCounters) BatchStatus {
	total := c.Total()
	if total == 0 || c.Pending == total {
		return BatchStatusPending
	}
	if c.Processing > 0 || c.Pending > 0 {
		return BatchStatusProcessing
	}
	// All terminal from here on.
	switch {
	case c.Failed == 0:
		return BatchStatusCompleted
	case c.Completed == 0:
		return BatchStatusFailed
	default:
		return BatchStatusPartial
	}
}

// ApplyCounters refreshes the cached counters and derived status. TotalJobs
// follows the counter sum so late enqueues into an open batch keep the
// pending+processing+completed+failed == total_jobs invariant.
func (b *Batch) ApplyCounters(c BatchCounters) {
	b.PendingJobs = c.Pending
	b.ProcessingJobs = c.Processing
	b.CompletedJobs = c.Completed
	b.FailedJobs = c.Failed
	b.TotalJobs = c.Total()
	b.Status = DeriveBatchStatus(c)
	b.UpdatedAt = time.Now().UTC()
}
