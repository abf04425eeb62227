package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/bCommonsLAB/secretary/internal/common"
	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
	storage "github.com/bCommonsLAB/secretary/internal/storage/badger"
)

func newTestRepo(t *testing.T) interfaces.JobRepository {
	t.Helper()

	tmpDir := t.TempDir()
	options := badgerhold.DefaultOptions
	options.Dir = tmpDir
	options.ValueDir = tmpDir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return storage.NewRepositoryForStore(store, arbor.NewLogger(), 1000)
}

// recordingDispatcher captures webhook calls instead of posting.
type recordingDispatcher struct {
	mu             sync.Mutex
	successes      []string
	failures       []string
	batchTerminals []string
}

func (d *recordingDispatcher) SendSuccess(ctx context.Context, job *models.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.successes = append(d.successes, job.ID)
}

func (d *recordingDispatcher) SendFailure(ctx context.Context, job *models.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, job.ID)
}

func (d *recordingDispatcher) SendBatchTerminal(ctx context.Context, batch *models.Batch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batchTerminals = append(d.batchTerminals, batch.ID)
}

func (d *recordingDispatcher) failureCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.failures)
}

func (d *recordingDispatcher) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batchTerminals)
}

// funcHandler adapts a function to interfaces.JobHandler.
type funcHandler struct {
	jobType string
	fn      func(ctx context.Context, job *models.Job) error
}

func (h *funcHandler) Type() string { return h.jobType }

func (h *funcHandler) Execute(ctx context.Context, job *models.Job) error {
	return h.fn(ctx, job)
}

func testWorkerConfig() *common.WorkerConfig {
	return &common.WorkerConfig{
		Active:            true,
		MaxConcurrent:     2,
		PollIntervalSec:   1,
		StallTimeoutSec:   1800,
		StallCheckEvery:   12,
		WebhookTimeoutSec: 30,
		LogEntriesCap:     1000,
		WorkerName:        "test",
	}
}

func newTestManager(t *testing.T, repo interfaces.JobRepository, dispatcher interfaces.WebhookDispatcher, handlers ...interfaces.JobHandler) *Manager {
	t.Helper()

	logger := arbor.NewLogger()
	registry := NewRegistry(logger)
	for _, h := range handlers {
		registry.Register(h)
	}
	return NewManager(repo, registry, dispatcher, logger, testWorkerConfig())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func enqueue(t *testing.T, repo interfaces.JobRepository, id, jobType string, webhook *models.WebhookSpec) {
	t.Helper()
	job := &models.Job{
		ID:      id,
		Type:    jobType,
		Status:  models.JobStatusPending,
		Webhook: webhook,
	}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownJobTypeFails(t *testing.T) {
	repo := newTestRepo(t)
	dispatcher := &recordingDispatcher{}
	mgr := newTestManager(t, repo, dispatcher)
	ctx := context.Background()

	enqueue(t, repo, "job-1", "zzz-unknown", &models.WebhookSpec{URL: "https://cb.example.com/hook"})
	mgr.dispatchPending(ctx)

	job, err := repo.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusFailed {
		t.Fatalf("Expected failed, got %s", job.Status)
	}
	if job.Error == nil || job.Error.Code != models.ErrCodeUnknownJobType {
		t.Errorf("Expected UNKNOWN_JOB_TYPE, got %+v", job.Error)
	}
	if dispatcher.failureCount() != 1 {
		t.Errorf("Expected 1 error webhook, got %d", dispatcher.failureCount())
	}
}

func TestHandlerErrorFailsJob(t *testing.T) {
	repo := newTestRepo(t)
	dispatcher := &recordingDispatcher{}
	handler := &funcHandler{jobType: "session", fn: func(ctx context.Context, job *models.Job) error {
		return errors.New("connection refused")
	}}
	mgr := newTestManager(t, repo, dispatcher, handler)
	ctx := context.Background()

	enqueue(t, repo, "job-1", "session", &models.WebhookSpec{URL: "https://cb.example.com/hook"})
	mgr.dispatchPending(ctx)

	waitFor(t, 5*time.Second, func() bool {
		job, err := repo.GetJob(ctx, "job-1")
		return err == nil && job.Status == models.JobStatusFailed
	})

	job, _ := repo.GetJob(ctx, "job-1")
	if job.Error == nil || job.Error.Code != models.ErrCodeHandlerException {
		t.Errorf("Expected HANDLER_EXCEPTION, got %+v", job.Error)
	}
	waitFor(t, 5*time.Second, func() bool { return dispatcher.failureCount() == 1 })
}

func TestValidationErrorCode(t *testing.T) {
	repo := newTestRepo(t)
	dispatcher := &recordingDispatcher{}
	handler := &funcHandler{jobType: "pdf", fn: func(ctx context.Context, job *models.Job) error {
		return models.NewValidationError("file_source is required")
	}}
	mgr := newTestManager(t, repo, dispatcher, handler)
	ctx := context.Background()

	enqueue(t, repo, "job-1", "pdf", nil)
	mgr.dispatchPending(ctx)

	waitFor(t, 5*time.Second, func() bool {
		job, err := repo.GetJob(ctx, "job-1")
		return err == nil && job.Status == models.JobStatusFailed
	})

	job, _ := repo.GetJob(ctx, "job-1")
	if job.Error == nil || job.Error.Code != models.ErrCodeValidation {
		t.Errorf("Expected VALIDATION_ERROR, got %+v", job.Error)
	}
}

func TestHandlerContractViolation(t *testing.T) {
	repo := newTestRepo(t)
	dispatcher := &recordingDispatcher{}
	// Returns nil without completing or failing the job.
	handler := &funcHandler{jobType: "session", fn: func(ctx context.Context, job *models.Job) error {
		return nil
	}}
	mgr := newTestManager(t, repo, dispatcher, handler)
	ctx := context.Background()

	enqueue(t, repo, "job-1", "session", &models.WebhookSpec{URL: "https://cb.example.com/hook"})
	mgr.dispatchPending(ctx)

	waitFor(t, 5*time.Second, func() bool {
		job, err := repo.GetJob(ctx, "job-1")
		return err == nil && job.Status == models.JobStatusFailed
	})

	job, _ := repo.GetJob(ctx, "job-1")
	if job.Error == nil || job.Error.Code != models.ErrCodeHandlerContract {
		t.Errorf("Expected HANDLER_CONTRACT, got %+v", job.Error)
	}
	waitFor(t, 5*time.Second, func() bool { return dispatcher.failureCount() == 1 })
}

func TestHandlerPanicRecovered(t *testing.T) {
	repo := newTestRepo(t)
	dispatcher := &recordingDispatcher{}
	handler := &funcHandler{jobType: "session", fn: func(ctx context.Context, job *models.Job) error {
		panic("nil map write")
	}}
	mgr := newTestManager(t, repo, dispatcher, handler)
	ctx := context.Background()

	enqueue(t, repo, "job-1", "session", nil)
	mgr.dispatchPending(ctx)

	waitFor(t, 5*time.Second, func() bool {
		job, err := repo.GetJob(ctx, "job-1")
		return err == nil && job.Status == models.JobStatusFailed
	})

	job, _ := repo.GetJob(ctx, "job-1")
	if job.Error == nil || job.Error.Code != models.ErrCodeHandlerException {
		t.Errorf("Expected HANDLER_EXCEPTION after panic, got %+v", job.Error)
	}
	if mgr.ActiveWorkers() != 0 {
		t.Errorf("Worker slot leaked after panic: %d active", mgr.ActiveWorkers())
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	repo := newTestRepo(t)
	dispatcher := &recordingDispatcher{}

	var running atomic.Int64
	var peak atomic.Int64
	release := make(chan struct{})
	handler := &funcHandler{jobType: "session", fn: func(ctx context.Context, job *models.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return repo.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, nil)
	}}

	mgr := newTestManager(t, repo, dispatcher, handler)
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		enqueue(t, repo, id, "session", nil)
	}

	// MaxConcurrent is 2: the first poll may start at most two workers.
	mgr.dispatchPending(ctx)
	waitFor(t, 5*time.Second, func() bool { return running.Load() == 2 })
	mgr.dispatchPending(ctx)
	if got := mgr.ActiveWorkers(); got != 2 {
		t.Errorf("Ceiling breached: %d active workers", got)
	}

	close(release)
	waitFor(t, 5*time.Second, func() bool { return mgr.ActiveWorkers() == 0 })

	// The third job dispatches once capacity frees up.
	mgr.dispatchPending(ctx)
	waitFor(t, 5*time.Second, func() bool {
		job, err := repo.GetJob(ctx, "job-3")
		return err == nil && job.Status == models.JobStatusCompleted
	})

	if p := peak.Load(); p > 2 {
		t.Errorf("Observed %d concurrent handlers, ceiling is 2", p)
	}
}

func TestBatchWebhookFiredOnceOnTerminal(t *testing.T) {
	repo := newTestRepo(t)
	dispatcher := &recordingDispatcher{}
	handler := &funcHandler{jobType: "session", fn: func(ctx context.Context, job *models.Job) error {
		return repo.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, nil)
	}}
	mgr := newTestManager(t, repo, dispatcher, handler)
	ctx := context.Background()

	batch := &models.Batch{
		ID:      "batch-1",
		Webhook: &models.WebhookSpec{URL: "https://cb.example.com/batch"},
	}
	jobs := []*models.Job{
		{ID: "b1-j1", Type: "session", Status: models.JobStatusPending},
		{ID: "b1-j2", Type: "session", Status: models.JobStatusPending},
	}
	if err := repo.CreateBatch(ctx, batch, jobs); err != nil {
		t.Fatal(err)
	}

	mgr.dispatchPending(ctx)
	waitFor(t, 5*time.Second, func() bool {
		b, err := repo.GetBatch(ctx, "batch-1")
		return err == nil && b.Status == models.BatchStatusCompleted
	})

	waitFor(t, 5*time.Second, func() bool { return dispatcher.batchCount() == 1 })
	// Further sweeps must not fire it again.
	mgr.finishBatch(ctx, "batch-1")
	if dispatcher.batchCount() != 1 {
		t.Errorf("Batch webhook fired %d times, want exactly 1", dispatcher.batchCount())
	}
}

func TestSweepStalledSendsWebhooks(t *testing.T) {
	repo := newTestRepo(t)
	dispatcher := &recordingDispatcher{}
	mgr := newTestManager(t, repo, dispatcher)
	mgr.config.StallTimeoutSec = 0
	ctx := context.Background()

	enqueue(t, repo, "job-hooked", "session", &models.WebhookSpec{URL: "https://cb.example.com/hook"})
	enqueue(t, repo, "job-silent", "session", nil)
	if _, err := repo.ClaimJob(ctx, "job-hooked"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.ClaimJob(ctx, "job-silent"); err != nil {
		t.Fatal(err)
	}

	// Zero timeout treats every processing job as stalled.
	time.Sleep(20 * time.Millisecond)
	mgr.sweepStalled(ctx)

	if dispatcher.failureCount() != 1 {
		t.Fatalf("Expected 1 stall webhook, got %d", dispatcher.failureCount())
	}
	silent, _ := repo.GetJob(ctx, "job-silent")
	if silent.Status != models.JobStatusFailed {
		t.Errorf("Silent job should still be failed, got %s", silent.Status)
	}
	found := false
	for _, entry := range silent.Logs {
		if entry.Message == "stall reset: no webhook configured, caller must poll" {
			found = true
		}
	}
	if !found {
		t.Error("Expected log entry recording the skipped webhook")
	}
}

func TestInactiveManagerDoesNotStart(t *testing.T) {
	repo := newTestRepo(t)
	dispatcher := &recordingDispatcher{}
	mgr := newTestManager(t, repo, dispatcher)
	mgr.config.Active = false
	ctx := context.Background()

	enqueue(t, repo, "job-1", "session", nil)
	mgr.Start(ctx)
	mgr.Stop()

	job, _ := repo.GetJob(ctx, "job-1")
	if job.Status != models.JobStatusPending {
		t.Errorf("Inactive manager must not touch jobs, got %s", job.Status)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	dispatcher := &recordingDispatcher{}
	handler := &funcHandler{jobType: "session", fn: func(ctx context.Context, job *models.Job) error {
		return repo.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, nil)
	}}
	mgr := newTestManager(t, repo, dispatcher, handler)

	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.Stop()

	enqueue(t, repo, "job-1", "session", nil)
	mgr.Wake()

	waitFor(t, 5*time.Second, func() bool {
		job, err := repo.GetJob(ctx, "job-1")
		return err == nil && job.Status == models.JobStatusCompleted
	})
}
