package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leeoohoo/chatos-sub001/internal/app"
	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// registerRunAsync registers the run_sub_agent_async tool.
func registerRunAsync(s *server.MCPServer, jobs JobRunner, logger *log.Logger, progress func(domain.ProgressEvent)) {
	s.AddTool(
		mcp.NewTool("run_sub_agent_async",
			mcp.WithDescription("Start a sub-agent job in its own worker process and return immediately with the job id. Poll get_sub_agent_status for the outcome."),
			mcp.WithString("task", mcp.Required(), mcp.Description("What the sub-agent should do")),
			mcp.WithString("agent_id", mcp.Description("Configured agent to run (selects system prompt, skills and model)")),
			mcp.WithString("category", mcp.Description("Task category hint")),
			mcp.WithArray("skills", mcp.Description("Extra skills to mention to the sub-agent")),
			mcp.WithString("model", mcp.Description("Model id override")),
			mcp.WithString("caller_model", mcp.Description("Caller's model, used once as a fallback on transient model errors")),
			mcp.WithString("query", mcp.Description("Optional query to append to the task")),
			mcp.WithString("command_id", mcp.Description("Command id passed through to the worker")),
			mcp.WithArray("mcp_allow_prefixes", mcp.Description("Tool name prefixes the sub-agent may call")),
			mcp.WithBoolean("trace", mcp.Description("Record detailed traces (default: false)")),
			mcp.WithString("user_message_id", mcp.Description("Originating user message id")),
			mcp.WithString("run_id", mcp.Description("Run whose inbox the worker listens on for corrections")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			task, err := requireString(args, "task")
			if err != nil {
				return nil, err
			}
			skills, err := optionalStrings(args, "skills")
			if err != nil {
				return nil, err
			}
			prefixes, err := optionalStrings(args, "mcp_allow_prefixes")
			if err != nil {
				return nil, err
			}
			params := domain.JobParams{
				Task:             task,
				AgentID:          optionalString(args, "agent_id"),
				Category:         optionalString(args, "category"),
				Skills:           skills,
				Model:            optionalString(args, "model"),
				CallerModel:      optionalString(args, "caller_model"),
				Query:            optionalString(args, "query"),
				CommandID:        optionalString(args, "command_id"),
				MCPAllowPrefixes: prefixes,
				Trace:            optionalBool(args, "trace", false),
				UserMessageID:    optionalString(args, "user_message_id"),
				RunID:            optionalString(args, "run_id"),
			}

			st, err := jobs.Submit(params, progress)
			if err != nil && st.ID == "" {
				return nil, err
			}
			if err != nil {
				// The job exists but its worker never started.
				logger.Printf("run_sub_agent_async: job %s failed to start: %v", st.ID, err)
				return mcp.NewToolResultError(fmt.Sprintf("job %s: %s", st.ID, st.Error)), nil
			}
			logger.Printf("run_sub_agent_async: started job %s (agent=%q)", st.ID, params.AgentID)
			return jsonResult(map[string]any{"job_id": st.ID, "status": st.Status})
		},
	)
}

// registerGetStatus registers the get_sub_agent_status tool.
func registerGetStatus(s *server.MCPServer, store *app.JobStore) {
	s.AddTool(
		mcp.NewTool("get_sub_agent_status",
			mcp.WithDescription("Get the status of an async sub-agent job: state, heartbeat age and staleness, and the result or error once finished."),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id returned by run_sub_agent_async")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireString(req.GetArguments(), "job_id")
			if err != nil {
				return nil, err
			}
			view, err := store.FormatStatus(id)
			if errors.Is(err, app.ErrJobNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("job %s not found", id)), nil
			}
			if err != nil {
				return nil, err
			}
			return jsonResult(view)
		},
	)
}

// registerListJobs registers the list_sub_agent_jobs tool.
func registerListJobs(s *server.MCPServer, store *app.JobStore) {
	s.AddTool(
		mcp.NewTool("list_sub_agent_jobs",
			mcp.WithDescription("List async sub-agent jobs in creation order."),
			mcp.WithString("status", mcp.Description("Only list jobs in this state: pending, running, done or error")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			filter := domain.JobState(optionalString(req.GetArguments(), "status"))
			switch filter {
			case "", domain.JobPending, domain.JobRunning, domain.JobDone, domain.JobError:
			default:
				return nil, fmt.Errorf("status must be one of pending, running, done, error")
			}
			views := make([]domain.StatusView, 0)
			for _, st := range store.List() {
				if filter != "" && st.Status != filter {
					continue
				}
				view, err := store.FormatStatus(st.ID)
				if err != nil {
					// reaped between List and FormatStatus
					continue
				}
				views = append(views, view)
			}
			return jsonResult(map[string]any{"jobs": views, "count": len(views)})
		},
	)
}

// registerCancelJob registers the cancel_sub_agent_job tool.
func registerCancelJob(s *server.MCPServer, jobs JobRunner, store *app.JobStore, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("cancel_sub_agent_job",
			mcp.WithDescription("Terminate a running sub-agent job's worker process. The job finishes with an error."),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("Job to cancel")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireString(req.GetArguments(), "job_id")
			if err != nil {
				return nil, err
			}
			st, err := store.Get(id)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("job %s not found", id)), nil
			}
			if st.Status.Terminal() {
				return mcp.NewToolResultText(fmt.Sprintf("Job %s already finished (%s)", id, st.Status)), nil
			}
			if !jobs.Cancel(id) {
				return mcp.NewToolResultError(fmt.Sprintf("job %s has no running worker", id)), nil
			}
			logger.Printf("cancel_sub_agent_job: cancelling %s", id)
			return mcp.NewToolResultText(fmt.Sprintf("Job %s: worker terminated", id)), nil
		},
	)
}

// registerReapJob registers the reap_sub_agent_job tool.
func registerReapJob(s *server.MCPServer, store *app.JobStore, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("reap_sub_agent_job",
			mcp.WithDescription("Forget a finished sub-agent job. Running jobs cannot be reaped."),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("Job to remove")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireString(req.GetArguments(), "job_id")
			if err != nil {
				return nil, err
			}
			if err := store.Reap(id); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			logger.Printf("reap_sub_agent_job: removed %s", id)
			return mcp.NewToolResultText(fmt.Sprintf("Job %s reaped", id)), nil
		},
	)
}
