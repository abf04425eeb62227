// -----------------------------------------------------------------------
// Session Worker - handler for the "session" job type
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// JobTypeSession is the job_type this worker registers under.
const JobTypeSession = "session"

// SessionWorker turns a conference session page into a markdown transcript
// with chapters and asset references.
type SessionWorker struct {
	repo       interfaces.JobRepository
	dispatcher interfaces.WebhookDispatcher
	processor  interfaces.SessionProcessor
	archiver   interfaces.Archiver
	logger     arbor.ILogger
}

var _ interfaces.JobHandler = (*SessionWorker)(nil)

// NewSessionWorker creates the session job handler.
func NewSessionWorker(repo interfaces.JobRepository, dispatcher interfaces.WebhookDispatcher, processor interfaces.SessionProcessor, archiver interfaces.Archiver, logger arbor.ILogger) *SessionWorker {
	return &SessionWorker{
		repo:       repo,
		dispatcher: dispatcher,
		processor:  processor,
		archiver:   archiver,
		logger:     logger,
	}
}

// Type returns the registered job type.
func (w *SessionWorker) Type() string { return JobTypeSession }

// Execute runs one session extraction job.
func (w *SessionWorker) Execute(ctx context.Context, job *models.Job) error {
	req, err := buildSessionRequest(&job.Parameters)
	if err != nil {
		return err
	}

	progress(ctx, w.repo, w.logger, job.ID, 0, "started", 1, 3)

	progress(ctx, w.repo, w.logger, job.ID, 40, "processing session page", 2, 3)
	session, err := w.processor.Process(ctx, req)
	if err != nil {
		return fmt.Errorf("session processing failed: %w", err)
	}

	results := &models.JobResults{
		MarkdownContent: session.Markdown,
		Transcript:      session.Markdown,
		Chapters:        session.Chapters,
		Assets:          session.Assets,
		Extra: map[string]any{
			"event":    req.Event,
			"session":  req.Session,
			"filename": req.Filename,
		},
	}

	if job.Parameters.CreateArchive {
		progress(ctx, w.repo, w.logger, job.ID, 80, "archiving", 3, 3)
		archivePath, err := w.archiver.CreateArchive(ctx, req.Filename, session.Markdown, session.Assets)
		if err != nil {
			return fmt.Errorf("archive creation failed: %w", err)
		}
		results.ArchivePath = archivePath
	}

	if err := w.repo.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, &interfaces.StatusUpdate{Results: results}); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	completed, err := w.repo.GetJob(ctx, job.ID)
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reload job for success webhook")
		return nil
	}
	w.dispatcher.SendSuccess(ctx, completed)
	return nil
}

// buildSessionRequest validates the parameter envelope and narrows it into
// the processor request.
func buildSessionRequest(params *models.JobParameters) (*interfaces.SessionRequest, error) {
	required := func(key string) (string, error) {
		value, ok := params.GetExtraString(key)
		if !ok || strings.TrimSpace(value) == "" {
			return "", models.NewValidationError(key + " is required")
		}
		return value, nil
	}

	event, err := required("event")
	if err != nil {
		return nil, err
	}
	session, err := required("session")
	if err != nil {
		return nil, err
	}
	pageURL, err := required("url")
	if err != nil {
		return nil, err
	}
	filename, err := required("filename")
	if err != nil {
		return nil, err
	}
	track, err := required("track")
	if err != nil {
		return nil, err
	}

	optional := func(key string) string {
		value, _ := params.GetExtraString(key)
		return value
	}

	req := &interfaces.SessionRequest{
		Event:          event,
		Session:        session,
		URL:            pageURL,
		Filename:       filename,
		Track:          track,
		Day:            optional("day"),
		StartTime:      optional("starttime"),
		EndTime:        optional("endtime"),
		VideoURL:       optional("video_url"),
		AttachmentsURL: optional("attachments_url"),
		SourceLanguage: params.SourceLanguage,
		TargetLanguage: params.TargetLanguage,
	}

	if raw, ok := params.Extra["speakers"]; ok {
		req.Speakers = toStringSlice(raw)
	}

	return req, nil
}

// toStringSlice narrows a decoded JSON value into a string list. A single
// string becomes a one-element list.
func toStringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
