// -----------------------------------------------------------------------
// PDF Worker - handler for the "pdf" job type
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// JobTypePDF is the job_type this worker registers under.
const JobTypePDF = "pdf"

// maxDownloadSize bounds how large a URL-sourced PDF may be.
const maxDownloadSize = 100 * 1024 * 1024

// PDFWorker extracts markdown from PDF documents. The file arrives either
// as a previously uploaded path or as a URL to download; uploaded files are
// removed after successful processing.
type PDFWorker struct {
	repo       interfaces.JobRepository
	dispatcher interfaces.WebhookDispatcher
	processor  interfaces.PDFProcessor
	archiver   interfaces.Archiver
	client     *http.Client
	logger     arbor.ILogger
}

var _ interfaces.JobHandler = (*PDFWorker)(nil)

// NewPDFWorker creates the pdf job handler.
func NewPDFWorker(repo interfaces.JobRepository, dispatcher interfaces.WebhookDispatcher, processor interfaces.PDFProcessor, archiver interfaces.Archiver, logger arbor.ILogger) *PDFWorker {
	return &PDFWorker{
		repo:       repo,
		dispatcher: dispatcher,
		processor:  processor,
		archiver:   archiver,
		client:     &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
	}
}

// Type returns the registered job type.
func (w *PDFWorker) Type() string { return JobTypePDF }

// Execute runs one pdf extraction job. A returned error is converted to the
// terminal failed state by the manager; the success path performs the
// terminal transition and webhook here.
func (w *PDFWorker) Execute(ctx context.Context, job *models.Job) error {
	req, cleanup, err := w.buildRequest(ctx, job)
	if err != nil {
		return err
	}
	defer cleanup()

	progress(ctx, w.repo, w.logger, job.ID, 0, "started", 1, 4)

	progress(ctx, w.repo, w.logger, job.ID, 25, "extracting", 2, 4)
	extraction, err := w.processor.Extract(ctx, req.extraction)
	if err != nil {
		return fmt.Errorf("pdf extraction failed: %w", err)
	}

	results := &models.JobResults{
		MarkdownContent: extraction.Markdown,
		Assets:          extraction.Images,
		Extra: map[string]any{
			"extraction_method": string(req.extraction.Method),
			"page_count":        extraction.PageCount,
		},
	}

	if job.Parameters.CreateArchive {
		progress(ctx, w.repo, w.logger, job.ID, 75, "archiving", 3, 4)
		name := job.Name
		if name == "" {
			name = job.ID
		}
		archivePath, err := w.archiver.CreateArchive(ctx, name, extraction.Markdown, extraction.Images)
		if err != nil {
			return fmt.Errorf("archive creation failed: %w", err)
		}
		results.ArchivePath = archivePath
	}

	if err := w.repo.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, &interfaces.StatusUpdate{Results: results}); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	// The upload only goes away once the outcome is durable.
	if req.uploadPath != "" {
		if err := os.Remove(req.uploadPath); err != nil {
			w.logger.Warn().Err(err).Str("path", req.uploadPath).Msg("Failed to delete processed upload")
		}
	}

	completed, err := w.repo.GetJob(ctx, job.ID)
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reload job for success webhook")
		return nil
	}
	w.dispatcher.SendSuccess(ctx, completed)
	return nil
}

// pdfRequest is the validated input of one run. uploadPath is set when the
// source was an upload that should be deleted after success; cleanup
// removes any temp file created for a URL download.
type pdfRequest struct {
	extraction *interfaces.PDFExtractionRequest
	uploadPath string
}

func (w *PDFWorker) buildRequest(ctx context.Context, job *models.Job) (*pdfRequest, func(), error) {
	noop := func() {}
	params := &job.Parameters

	source, ok := params.GetExtraMap("file_source")
	if !ok {
		return nil, noop, models.NewValidationError("file_source is required")
	}
	sourceType, _ := source["type"].(string)

	methodStr, ok := params.GetExtraString("extraction_method")
	if !ok {
		return nil, noop, models.NewValidationError("extraction_method is required")
	}
	method := interfaces.PDFExtractionMethod(methodStr)
	if !method.Valid() {
		return nil, noop, models.NewValidationError("unsupported extraction_method: " + methodStr)
	}

	includeImages, _ := params.GetExtraBool("include_images")

	req := &pdfRequest{
		extraction: &interfaces.PDFExtractionRequest{
			Method:        method,
			Template:      params.Template,
			Context:       params.Context,
			IncludeImages: includeImages,
			UseCache:      params.UseCache,
		},
	}

	switch sourceType {
	case "upload":
		path, _ := source["path"].(string)
		if path == "" {
			return nil, noop, models.NewValidationError("file_source.path is required for upload sources")
		}
		if _, err := os.Stat(path); err != nil {
			return nil, noop, models.NewValidationError("uploaded file not found: " + path)
		}
		req.extraction.FilePath = path
		req.uploadPath = path
		return req, noop, nil

	case "url":
		value, _ := source["value"].(string)
		if value == "" {
			return nil, noop, models.NewValidationError("file_source.value is required for url sources")
		}
		path, err := w.download(ctx, value)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to download %s: %w", value, err)
		}
		req.extraction.FilePath = path
		return req, func() { os.Remove(path) }, nil

	default:
		return nil, noop, models.NewValidationError("file_source.type must be \"upload\" or \"url\"")
	}
}

func (w *PDFWorker) download(ctx context.Context, fileURL string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "secretary-download-*.pdf")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, io.LimitReader(resp.Body, maxDownloadSize)); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
