package workers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

type fakeSessionProcessor struct {
	gotRequest *interfaces.SessionRequest
	result     *interfaces.SessionResult
	err        error
}

func (p *fakeSessionProcessor) Process(ctx context.Context, req *interfaces.SessionRequest) (*interfaces.SessionResult, error) {
	p.gotRequest = req
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func sessionJob(extra map[string]any) *models.Job {
	merged := map[string]any{
		"event":    "FOSDEM 2026",
		"session":  "Go at scale",
		"url":      "https://fosdem.example.com/talks/go-at-scale",
		"filename": "go-at-scale",
		"track":    "go-devroom",
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &models.Job{
		ID:         "job_sess1",
		Type:       JobTypeSession,
		Status:     models.JobStatusProcessing,
		Parameters: models.JobParameters{Extra: merged},
	}
}

func TestSessionWorkerCompletes(t *testing.T) {
	job := sessionJob(map[string]any{
		"speakers":  []any{"alice", "bob"},
		"video_url": "https://video.example.com/talk.mp4",
	})
	repo := newWorkerRepo(job)
	dispatcher := &capturingDispatcher{}
	processor := &fakeSessionProcessor{result: &interfaces.SessionResult{
		Markdown: "# Go at scale\n\ntranscript",
		Chapters: []models.Chapter{{Title: "Intro"}},
		Assets:   []models.Asset{{Name: "video", Path: "https://video.example.com/talk.mp4"}},
	}}
	worker := NewSessionWorker(repo, dispatcher, processor, &fakeArchiver{}, arbor.NewLogger())

	require.NoError(t, worker.Execute(context.Background(), job))

	stored := repo.job(job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.Results)
	assert.Equal(t, "# Go at scale\n\ntranscript", stored.Results.MarkdownContent)
	assert.Equal(t, stored.Results.MarkdownContent, stored.Results.Transcript)
	assert.Len(t, stored.Results.Chapters, 1)
	assert.Equal(t, "FOSDEM 2026", stored.Results.Extra["event"])

	require.NotNil(t, processor.gotRequest)
	assert.Equal(t, []string{"alice", "bob"}, processor.gotRequest.Speakers)
	assert.Equal(t, "https://video.example.com/talk.mp4", processor.gotRequest.VideoURL)

	require.Len(t, dispatcher.successes, 1)
}

func TestSessionWorkerMissingRequiredField(t *testing.T) {
	for _, missing := range []string{"event", "session", "url", "filename", "track"} {
		job := sessionJob(map[string]any{missing: ""})
		repo := newWorkerRepo(job)
		worker := NewSessionWorker(repo, &capturingDispatcher{}, &fakeSessionProcessor{}, &fakeArchiver{}, arbor.NewLogger())

		err := worker.Execute(context.Background(), job)
		require.Error(t, err, "expected error for missing %s", missing)
		assert.True(t, models.IsValidationError(err))
		assert.Contains(t, err.Error(), missing)
	}
}

func TestSessionWorkerProcessorFailure(t *testing.T) {
	job := sessionJob(nil)
	repo := newWorkerRepo(job)
	processor := &fakeSessionProcessor{err: errors.New("page returned 404")}
	worker := NewSessionWorker(repo, &capturingDispatcher{}, processor, &fakeArchiver{}, arbor.NewLogger())

	err := worker.Execute(context.Background(), job)
	require.Error(t, err)
	assert.False(t, models.IsValidationError(err))
	assert.Empty(t, repo.statuses)
}

func TestSessionWorkerArchivesWhenRequested(t *testing.T) {
	job := sessionJob(nil)
	job.Parameters.CreateArchive = true

	repo := newWorkerRepo(job)
	archiver := &fakeArchiver{path: "/data/archives/go-at-scale.zip"}
	processor := &fakeSessionProcessor{result: &interfaces.SessionResult{Markdown: "# doc"}}
	worker := NewSessionWorker(repo, &capturingDispatcher{}, processor, archiver, arbor.NewLogger())

	require.NoError(t, worker.Execute(context.Background(), job))

	assert.True(t, archiver.called)
	assert.Equal(t, "/data/archives/go-at-scale.zip", repo.job(job.ID).Results.ArchivePath)
}

func TestSessionWorkerArchiveFailureFailsJob(t *testing.T) {
	job := sessionJob(nil)
	job.Parameters.CreateArchive = true

	repo := newWorkerRepo(job)
	archiver := &fakeArchiver{err: errors.New("disk full")}
	processor := &fakeSessionProcessor{result: &interfaces.SessionResult{Markdown: "# doc"}}
	worker := NewSessionWorker(repo, &capturingDispatcher{}, processor, archiver, arbor.NewLogger())

	err := worker.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Empty(t, repo.statuses)
}

func TestSessionWorkerSingleSpeakerString(t *testing.T) {
	job := sessionJob(map[string]any{"speakers": "carol"})
	repo := newWorkerRepo(job)
	processor := &fakeSessionProcessor{result: &interfaces.SessionResult{Markdown: "x"}}
	worker := NewSessionWorker(repo, &capturingDispatcher{}, processor, &fakeArchiver{}, arbor.NewLogger())

	require.NoError(t, worker.Execute(context.Background(), job))
	assert.Equal(t, []string{"carol"}, processor.gotRequest.Speakers)
}
