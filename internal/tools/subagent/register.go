package subagent

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/leeoohoo/chatos-sub001/internal/app"
	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/inbox"
)

// JobRunner is implemented by app.WorkerManager. It lets the tools start and cancel
// worker processes without importing the full manager.
type JobRunner interface {
	Submit(params domain.JobParams, progress func(domain.ProgressEvent)) (domain.JobStatus, error)
	Cancel(id string) bool
}

// RegisterOption configures optional dependencies for tool registration.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	progress func(domain.ProgressEvent)
}

// WithProgressSink sets where progress of jobs started through run_sub_agent_async is relayed.
func WithProgressSink(fn func(domain.ProgressEvent)) RegisterOption {
	return func(o *registerOpts) { o.progress = fn }
}

// Register registers the sub-agent job tools with the mcp-go server.
// box is optional; when nil, send_sub_agent_correction is not registered.
func Register(s *server.MCPServer, jobs JobRunner, store *app.JobStore, box *inbox.Inbox, logger *log.Logger, opts ...RegisterOption) {
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}

	// Job tools (5)
	registerRunAsync(s, jobs, logger, o.progress)
	registerGetStatus(s, store)
	registerListJobs(s, store)
	registerCancelJob(s, jobs, store, logger)
	registerReapJob(s, store, logger)

	// Correction tool (1, optional)
	if box != nil {
		registerSendCorrection(s, box, logger)
	}
}
