// -----------------------------------------------------------------------
// Webhook Dispatcher - canonical terminal payload delivery
// -----------------------------------------------------------------------

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// maxResponseExcerpt bounds how much of a webhook response body lands in the
// job log.
const maxResponseExcerpt = 512

// Payload is the canonical body posted to job webhooks.
type Payload struct {
	Status string             `json:"status"`
	Worker string             `json:"worker"`
	JobID  string             `json:"jobId"`
	Proc   ProcessInfo        `json:"process"`
	Data   *models.JobResults `json:"data"`
	Error  *models.JobError   `json:"error"`
	Token  string             `json:"token,omitempty"`
}

// ProcessInfo identifies the run inside the payload.
type ProcessInfo struct {
	ID            string `json:"id"`
	MainProcessor string `json:"main_processor"`
	Started       string `json:"started,omitempty"`
	Completed     string `json:"completed,omitempty"`
}

// BatchPayload is posted once when a batch turns terminal.
type BatchPayload struct {
	Status        string `json:"status"`
	Worker        string `json:"worker"`
	BatchID       string `json:"batchId"`
	BatchName     string `json:"batch_name,omitempty"`
	TotalJobs     int    `json:"total_jobs"`
	CompletedJobs int    `json:"completed_jobs"`
	FailedJobs    int    `json:"failed_jobs"`
	Token         string `json:"token,omitempty"`
}

// Dispatcher posts canonical payloads for terminal jobs and batches.
// Delivery is at-most-once: the terminal state is already persisted before
// any call here, and failures only produce a job log entry.
type Dispatcher struct {
	repo       interfaces.JobRepository
	logger     arbor.ILogger
	client     *http.Client
	workerName string
}

var _ interfaces.WebhookDispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with the given HTTP timeout and worker
// identity for the payload's "worker" field.
func NewDispatcher(repo interfaces.JobRepository, logger arbor.ILogger, timeout time.Duration, workerName string) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		repo:       repo,
		logger:     logger,
		client:     &http.Client{Timeout: timeout},
		workerName: workerName,
	}
}

// SendSuccess posts the completed payload for a job. No-op without a
// webhook spec.
func (d *Dispatcher) SendSuccess(ctx context.Context, job *models.Job) {
	if job.Webhook == nil {
		return
	}

	payload := &Payload{
		Status: "completed",
		Worker: d.workerName,
		JobID:  d.jobIDEcho(job),
		Proc: ProcessInfo{
			ID:            job.ID,
			MainProcessor: job.Type,
			Started:       formatTime(job.StartedAt),
			Completed:     formatTime(job.CompletedAt),
		},
		Data:  job.Results,
		Error: nil,
		Token: job.Webhook.Token,
	}
	d.deliver(ctx, job, payload)
}

// SendFailure posts the error payload for a job. No-op without a webhook
// spec.
func (d *Dispatcher) SendFailure(ctx context.Context, job *models.Job) {
	if job.Webhook == nil {
		return
	}

	started := formatTime(job.StartedAt)
	if started == "" {
		// Jobs failed before any claim carry created_at instead.
		started = job.CreatedAt.Format(time.RFC3339)
	}

	jobErr := job.Error
	if jobErr == nil {
		jobErr = &models.JobError{Code: models.ErrCodeInternal, Message: "job failed without error detail"}
	}

	payload := &Payload{
		Status: "error",
		Worker: d.workerName,
		JobID:  d.jobIDEcho(job),
		Proc: ProcessInfo{
			ID:            job.ID,
			MainProcessor: job.Type,
			Started:       started,
		},
		Data:  nil,
		Error: jobErr,
		Token: job.Webhook.Token,
	}
	d.deliver(ctx, job, payload)
}

// SendBatchTerminal posts the batch summary payload. The caller owns the
// exactly-once claim; this only delivers.
func (d *Dispatcher) SendBatchTerminal(ctx context.Context, batch *models.Batch) {
	if batch.Webhook == nil {
		return
	}

	payload := &BatchPayload{
		Status:        string(batch.Status),
		Worker:        d.workerName,
		BatchID:       batch.ID,
		BatchName:     batch.Name,
		TotalJobs:     batch.TotalJobs,
		CompletedJobs: batch.CompletedJobs,
		FailedJobs:    batch.FailedJobs,
		Token:         batch.Webhook.Token,
	}

	if err := d.post(ctx, batch.Webhook, payload); err != nil {
		d.logger.Warn().Err(err).Str("batch_id", batch.ID).Str("url", batch.Webhook.URL).Msg("Batch webhook delivery failed")
		return
	}
	d.logger.Info().Str("batch_id", batch.ID).Str("status", string(batch.Status)).Msg("Batch webhook delivered")
}

func (d *Dispatcher) jobIDEcho(job *models.Job) string {
	if job.Webhook.JobIDEcho != "" {
		return job.Webhook.JobIDEcho
	}
	return job.ID
}

// deliver posts the payload and records the outcome as a job log entry.
// The job's persisted state is never touched beyond the log.
func (d *Dispatcher) deliver(ctx context.Context, job *models.Job, payload *Payload) {
	err := d.post(ctx, job.Webhook, payload)
	if err != nil {
		d.logger.Warn().Err(err).Str("job_id", job.ID).Str("url", job.Webhook.URL).Msg("Webhook delivery failed")
		entry := models.NewLogEntry("warn", "webhook delivery failed: "+err.Error())
		if logErr := d.repo.AppendLog(ctx, job.ID, entry); logErr != nil {
			d.logger.Warn().Err(logErr).Str("job_id", job.ID).Msg("Failed to record webhook failure")
		}
		return
	}

	d.logger.Info().Str("job_id", job.ID).Str("status", payload.Status).Msg("Webhook delivered")
	entry := models.NewLogEntry("info", "webhook delivered: "+payload.Status)
	if logErr := d.repo.AppendLog(ctx, job.ID, entry); logErr != nil {
		d.logger.Warn().Err(logErr).Str("job_id", job.ID).Msg("Failed to record webhook delivery")
	}
}

func (d *Dispatcher) post(ctx context.Context, spec *models.WebhookSpec, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if spec.Token != "" {
		req.Header.Set("Authorization", "Bearer "+spec.Token)
		req.Header.Set("X-Callback-Token", spec.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseExcerpt))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(excerpt))
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
