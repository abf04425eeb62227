// -----------------------------------------------------------------------
// Application - wires storage, services, workers and the queue manager
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/common"
	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/queue"
	"github.com/bCommonsLAB/secretary/internal/queue/workers"
	"github.com/bCommonsLAB/secretary/internal/services/archive"
	jobsvc "github.com/bCommonsLAB/secretary/internal/services/jobs"
	"github.com/bCommonsLAB/secretary/internal/services/llm"
	"github.com/bCommonsLAB/secretary/internal/services/pdf"
	"github.com/bCommonsLAB/secretary/internal/services/scheduler"
	"github.com/bCommonsLAB/secretary/internal/services/session"
	badgerstore "github.com/bCommonsLAB/secretary/internal/storage/badger"
	"github.com/bCommonsLAB/secretary/internal/webhook"
)

// App holds all application components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB         *badgerstore.BadgerDB
	Repository interfaces.JobRepository
	Dispatcher interfaces.WebhookDispatcher

	LLMService     interfaces.LLMService
	PDFService     interfaces.PDFProcessor
	SessionService interfaces.SessionProcessor
	ArchiveService interfaces.Archiver

	Registry  *queue.Registry
	Manager   *queue.Manager
	Scheduler *scheduler.Service
	Jobs      *jobsvc.Service

	cancel context.CancelFunc
}

// New initializes the application with all dependencies.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.DB.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info().
		Bool("worker_active", cfg.Worker.Active).
		Int("max_concurrent", cfg.Worker.MaxConcurrent).
		Strs("job_types", app.Registry.Types()).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the Badger database and the filesystem directories.
func (a *App) initStorage() error {
	for _, dir := range []string{a.Config.Storage.Filesystem.Uploads, a.Config.Storage.Filesystem.Archives} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := badgerstore.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.DB = db

	a.Repository = badgerstore.NewJobRepository(db, a.Logger, a.Config.Worker.LogEntriesCap)
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices initializes business services in dependency order: the
// webhook dispatcher, the LLM provider, the document processors, the job
// handlers and finally the queue manager that drives them.
func (a *App) initServices() error {
	a.Dispatcher = webhook.NewDispatcher(a.Repository, a.Logger, a.Config.Worker.WebhookTimeout(), a.Config.Worker.WorkerName)

	// The LLM provider is optional: without an API key the pdf worker still
	// serves the native extraction methods, and llm/ocr requests fail with a
	// validation error at execution time.
	llmService, err := llm.NewService(a.Config, a.Logger)
	if err != nil {
		a.LLMService = nil
		a.Logger.Warn().Err(err).Msg("LLM service unavailable - llm and ocr extraction methods are disabled")
	} else {
		a.LLMService = llmService
	}

	a.PDFService = pdf.NewService(a.LLMService, a.Logger, a.Config.Storage.Filesystem.Archives)

	sessionService, err := session.NewService(&a.Config.Session, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session service: %w", err)
	}
	a.SessionService = sessionService

	a.ArchiveService = archive.NewService(a.Logger, a.Config.Storage.Filesystem.Archives)

	a.Registry = queue.NewRegistry(a.Logger)
	a.Registry.Register(workers.NewPDFWorker(a.Repository, a.Dispatcher, a.PDFService, a.ArchiveService, a.Logger))
	a.Registry.Register(workers.NewSessionWorker(a.Repository, a.Dispatcher, a.SessionService, a.ArchiveService, a.Logger))

	a.Manager = queue.NewManager(a.Repository, a.Registry, a.Dispatcher, a.Logger, &a.Config.Worker)
	a.Jobs = jobsvc.NewService(a.Repository, a.Dispatcher, a.Logger, a.Manager)
	a.Scheduler = scheduler.NewService(a.Repository, a.Dispatcher, a.Logger, &a.Config.Maintenance, a.Config.Worker.StallTimeout())

	return nil
}

// Start begins job processing and periodic maintenance. Jobs left in the
// processing state by a previous run are reset before the first poll.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	// Recover work orphaned by an unclean shutdown.
	if n, err := a.Jobs.ResetStalledJobs(ctx, 0); err != nil {
		a.Logger.Warn().Err(err).Msg("Startup stall recovery failed")
	} else if n > 0 {
		a.Logger.Info().Int("count", n).Msg("Reset jobs orphaned by previous run")
	}

	a.Manager.Start(ctx)

	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	return nil
}

// Close stops processing and releases all resources.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Manager != nil {
		a.Manager.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}

	if a.LLMService != nil {
		if err := a.LLMService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM service")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}
	return nil
}
