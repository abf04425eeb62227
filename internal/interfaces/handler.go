package interfaces

import (
	"context"

	"github.com/bCommonsLAB/secretary/internal/models"
)

// JobHandler performs the work for one job type. Handlers receive a value
// copy of the claimed job and are responsible for driving their external
// processor, pushing progress, persisting results, performing the terminal
// transition, and sending the terminal webhook.
//
// The manager treats a returned error as HANDLER_EXCEPTION and a nil return
// without a terminal transition as HANDLER_CONTRACT; both end the job as
// failed with an error webhook.
type JobHandler interface {
	// Type is the job_type this handler is registered under.
	Type() string

	Execute(ctx context.Context, job *models.Job) error
}

// WebhookDispatcher posts the canonical terminal payload for a job or
// batch. Delivery failures are logged against the job and never affect its
// persisted state.
type WebhookDispatcher interface {
	SendSuccess(ctx context.Context, job *models.Job)
	SendFailure(ctx context.Context, job *models.Job)
	SendBatchTerminal(ctx context.Context, batch *models.Batch)
}
