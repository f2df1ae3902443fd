package subagent

import (
	"context"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/inbox"
)

// registerSendCorrection registers the send_sub_agent_correction tool.
func registerSendCorrection(s *server.MCPServer, box *inbox.Inbox, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("send_sub_agent_correction",
			mcp.WithDescription("Send a correction to the sub-agents of a run. The in-flight model call is interrupted and retried with the correction appended."),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("Run whose inbox receives the correction")),
			mcp.WithString("text", mcp.Required(), mcp.Description("Correction text")),
			mcp.WithString("target", mcp.Description("Who should apply it: all (default), router or worker")),
			mcp.WithString("source", mcp.Description("Who is sending the correction (optional)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			runID, err := requireString(args, "run_id")
			if err != nil {
				return nil, err
			}
			text, err := requireString(args, "text")
			if err != nil {
				return nil, err
			}
			target := optionalString(args, "target")
			switch target {
			case "", domain.TargetAll, domain.TargetRouter, domain.TargetWorker:
			default:
				return nil, fmt.Errorf("target must be one of all, router, worker")
			}

			entry, err := box.Append(runID, domain.InboxEntry{
				Type:   domain.EntryCorrection,
				Target: target,
				Text:   text,
				Source: optionalString(args, "source"),
			})
			if err != nil {
				return nil, err
			}
			logger.Printf("send_sub_agent_correction: run %s target=%s id=%s", runID, entry.Target, entry.ID)
			return jsonResult(map[string]any{"id": entry.ID, "run_id": runID, "target": entry.Target})
		},
	)
}
