package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leeoohoo/chatos-sub001/internal/app"
	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/inbox"
)

// fakeRunner starts jobs in the store without spawning processes.
type fakeRunner struct {
	store     *app.JobStore
	mu        sync.Mutex
	submitted []domain.JobParams
	cancelled []string
	failSpawn bool
}

func (f *fakeRunner) Submit(params domain.JobParams, progress func(domain.ProgressEvent)) (domain.JobStatus, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, params)
	f.mu.Unlock()
	st := f.store.Create(params, progress)
	if f.failSpawn {
		_ = f.store.ApplyError(st.ID, "failed to start worker: exec: not found")
		st, _ = f.store.Get(st.ID)
		return st, fmt.Errorf("start worker for %s: exec: not found", st.ID)
	}
	_ = f.store.Start(st.ID, 100, "")
	st, _ = f.store.Get(st.ID)
	return st, nil
}

func (f *fakeRunner) Cancel(id string) bool {
	st, err := f.store.Get(id)
	if err != nil || st.Status != domain.JobRunning {
		return false
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
	_ = f.store.ApplyError(id, "job cancelled: worker terminated by signal terminated")
	return true
}

type testEnv struct {
	srv    *server.MCPServer
	store  *app.JobStore
	runner *fakeRunner
	box    *inbox.Inbox
}

// newTestEnv creates a MCPServer with all tools registered for testing.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store := app.NewJobStore(logger)
	runner := &fakeRunner{store: store}
	box := inbox.New(t.TempDir())
	s := server.NewMCPServer("test", "1.0.0")
	Register(s, runner, store, box, logger)
	return &testEnv{srv: s, store: store, runner: runner, box: box}
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
// Returns the parsed CallToolResult or an error.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)

	respBytes, marshalErr := json.Marshal(respJSON)
	if marshalErr != nil {
		t.Fatalf("marshal response: %v", marshalErr)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	return &result, nil
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}
