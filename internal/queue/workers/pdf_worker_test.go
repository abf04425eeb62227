package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// workerRepo tracks the status transitions and progress updates a handler
// performs during one execution.
type workerRepo struct {
	interfaces.JobRepository

	mu       sync.Mutex
	jobs     map[string]*models.Job
	statuses []models.JobStatus
	progress []models.JobProgress
}

func newWorkerRepo(jobs ...*models.Job) *workerRepo {
	repo := &workerRepo{jobs: make(map[string]*models.Job)}
	for _, job := range jobs {
		repo.jobs[job.ID] = job
	}
	return repo
}

func (r *workerRepo) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return job, nil
}

func (r *workerRepo) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, update *interfaces.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return models.ErrNotFound
	}
	job.Status = status
	if update != nil {
		job.Results = update.Results
		job.Error = update.Error
	}
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *workerRepo) UpdateProgress(ctx context.Context, jobID string, progress models.JobProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, progress)
	return nil
}

func (r *workerRepo) job(id string) *models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

type capturingDispatcher struct {
	mu        sync.Mutex
	successes []*models.Job
	failures  []*models.Job
}

func (d *capturingDispatcher) SendSuccess(ctx context.Context, job *models.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.successes = append(d.successes, job)
}

func (d *capturingDispatcher) SendFailure(ctx context.Context, job *models.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, job)
}

func (d *capturingDispatcher) SendBatchTerminal(ctx context.Context, batch *models.Batch) {}

type fakePDFProcessor struct {
	gotRequest *interfaces.PDFExtractionRequest
	extraction *interfaces.PDFExtraction
	err        error
}

func (p *fakePDFProcessor) Extract(ctx context.Context, req *interfaces.PDFExtractionRequest) (*interfaces.PDFExtraction, error) {
	p.gotRequest = req
	if p.err != nil {
		return nil, p.err
	}
	return p.extraction, nil
}

type fakeArchiver struct {
	path   string
	err    error
	called bool
}

func (a *fakeArchiver) CreateArchive(ctx context.Context, name, markdown string, assets []models.Asset) (string, error) {
	a.called = true
	if a.err != nil {
		return "", a.err
	}
	return a.path, nil
}

func uploadedPDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))
	return path
}

func pdfJob(path string, extra map[string]any) *models.Job {
	merged := map[string]any{
		"file_source":       map[string]any{"type": "upload", "path": path},
		"extraction_method": "native",
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &models.Job{
		ID:         "job_pdf1",
		Type:       JobTypePDF,
		Status:     models.JobStatusProcessing,
		Parameters: models.JobParameters{Extra: merged},
	}
}

func TestPDFWorkerCompletesAndDeletesUpload(t *testing.T) {
	path := uploadedPDF(t)
	job := pdfJob(path, nil)
	repo := newWorkerRepo(job)
	dispatcher := &capturingDispatcher{}
	processor := &fakePDFProcessor{extraction: &interfaces.PDFExtraction{Markdown: "# doc", PageCount: 2}}
	worker := NewPDFWorker(repo, dispatcher, processor, &fakeArchiver{}, arbor.NewLogger())

	require.NoError(t, worker.Execute(context.Background(), job))

	stored := repo.job(job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.Results)
	assert.Equal(t, "# doc", stored.Results.MarkdownContent)
	assert.Equal(t, "native", stored.Results.Extra["extraction_method"])
	assert.Equal(t, 2, stored.Results.Extra["page_count"])

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "upload should be deleted after completion")

	require.Len(t, dispatcher.successes, 1)
	assert.Equal(t, job.ID, dispatcher.successes[0].ID)
}

func TestPDFWorkerMissingFileSource(t *testing.T) {
	job := &models.Job{
		ID:         "job_pdf2",
		Type:       JobTypePDF,
		Status:     models.JobStatusProcessing,
		Parameters: models.JobParameters{Extra: map[string]any{"extraction_method": "native"}},
	}
	repo := newWorkerRepo(job)
	worker := NewPDFWorker(repo, &capturingDispatcher{}, &fakePDFProcessor{}, &fakeArchiver{}, arbor.NewLogger())

	err := worker.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

func TestPDFWorkerUnknownExtractionMethod(t *testing.T) {
	path := uploadedPDF(t)
	job := pdfJob(path, map[string]any{"extraction_method": "psychic"})
	repo := newWorkerRepo(job)
	worker := NewPDFWorker(repo, &capturingDispatcher{}, &fakePDFProcessor{}, &fakeArchiver{}, arbor.NewLogger())

	err := worker.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
	assert.Contains(t, err.Error(), "psychic")
}

func TestPDFWorkerMissingUploadFile(t *testing.T) {
	job := pdfJob(filepath.Join(os.TempDir(), "does-not-exist.pdf"), nil)
	repo := newWorkerRepo(job)
	worker := NewPDFWorker(repo, &capturingDispatcher{}, &fakePDFProcessor{}, &fakeArchiver{}, arbor.NewLogger())

	err := worker.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

func TestPDFWorkerExtractionFailureKeepsUpload(t *testing.T) {
	path := uploadedPDF(t)
	job := pdfJob(path, nil)
	repo := newWorkerRepo(job)
	processor := &fakePDFProcessor{err: errors.New("corrupt pdf")}
	worker := NewPDFWorker(repo, &capturingDispatcher{}, processor, &fakeArchiver{}, arbor.NewLogger())

	err := worker.Execute(context.Background(), job)
	require.Error(t, err)
	assert.False(t, models.IsValidationError(err))

	// The upload survives a failed run so the job can be restarted.
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
	assert.Empty(t, repo.statuses, "no terminal transition on failure; the manager owns it")
}

func TestPDFWorkerArchivesWhenRequested(t *testing.T) {
	path := uploadedPDF(t)
	job := pdfJob(path, nil)
	job.Name = "report"
	job.Parameters.CreateArchive = true

	repo := newWorkerRepo(job)
	archiver := &fakeArchiver{path: "/data/archives/report.zip"}
	processor := &fakePDFProcessor{extraction: &interfaces.PDFExtraction{Markdown: "# doc", PageCount: 1}}
	worker := NewPDFWorker(repo, &capturingDispatcher{}, processor, archiver, arbor.NewLogger())

	require.NoError(t, worker.Execute(context.Background(), job))

	assert.True(t, archiver.called)
	assert.Equal(t, "/data/archives/report.zip", repo.job(job.ID).Results.ArchivePath)
}

func TestPDFWorkerPassesTemplateAndContext(t *testing.T) {
	path := uploadedPDF(t)
	job := pdfJob(path, map[string]any{"include_images": true})
	job.Parameters.Template = "invoice"
	job.Parameters.Context = map[string]any{"vendor": "acme"}
	job.Parameters.UseCache = true

	repo := newWorkerRepo(job)
	processor := &fakePDFProcessor{extraction: &interfaces.PDFExtraction{Markdown: "x", PageCount: 1}}
	worker := NewPDFWorker(repo, &capturingDispatcher{}, processor, &fakeArchiver{}, arbor.NewLogger())

	require.NoError(t, worker.Execute(context.Background(), job))

	require.NotNil(t, processor.gotRequest)
	assert.Equal(t, "invoice", processor.gotRequest.Template)
	assert.Equal(t, "acme", processor.gotRequest.Context["vendor"])
	assert.True(t, processor.gotRequest.IncludeImages)
	assert.True(t, processor.gotRequest.UseCache)
	assert.Equal(t, path, processor.gotRequest.FilePath)
}
