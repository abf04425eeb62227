// -----------------------------------------------------------------------
// Handler Registry - job_type -> handler dispatch table
// -----------------------------------------------------------------------

package queue

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
)

// Registry maps job types to their handlers. Registration is expected at
// startup; resolution happens on every dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]interfaces.JobHandler
	logger   arbor.ILogger
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		handlers: make(map[string]interfaces.JobHandler),
		logger:   logger,
	}
}

// Register binds a handler to its job type. Re-registering a type replaces
// the previous handler and logs a warning.
func (r *Registry) Register(handler interfaces.JobHandler) {
	jobType := handler.Type()

	r.mu.Lock()
	_, replaced := r.handlers[jobType]
	r.handlers[jobType] = handler
	r.mu.Unlock()

	if replaced {
		r.logger.Warn().Str("job_type", jobType).Msg("Handler re-registered, previous handler replaced")
		return
	}
	r.logger.Debug().Str("job_type", jobType).Msg("Job handler registered")
}

// Resolve returns the handler for jobType, or nil when none is registered.
func (r *Registry) Resolve(jobType string) interfaces.JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Types returns the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
