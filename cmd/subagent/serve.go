package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/leeoohoo/chatos-sub001/internal/app"
	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/httpapi"
	"github.com/leeoohoo/chatos-sub001/internal/inbox"
	"github.com/leeoohoo/chatos-sub001/internal/metrics"
	"github.com/leeoohoo/chatos-sub001/internal/policy"
	"github.com/leeoohoo/chatos-sub001/internal/repository"
	"github.com/leeoohoo/chatos-sub001/internal/tools/subagent"
)

const progressNotification = "notifications/sub_agent_progress"

func buildServeCommand() *cobra.Command {
	var noStdio bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP stdio server and the HTTP status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(!noStdio)
		},
	}
	cmd.Flags().BoolVar(&noStdio, "no-stdio", false, "Serve HTTP only and run until SIGINT/SIGTERM")
	return cmd
}

func runServe(stdio bool) error {
	tmpLogger := log.New(os.Stderr, "[subagent] ", log.LstdFlags|log.Lshortfile)
	loader, cfg := loadConfig(tmpLogger)

	logger := setupLogger(cfg.LogFilePath())
	logger.Println("Starting sub-agent supervisor...")
	logger.Printf("Log file: %s", cfg.LogFilePath())
	logger.Printf("Workspace root: %s", cfg.WorkspaceRoot)

	events, closeEvents, err := repository.NewEventLog(cfg.EventLogPath(), logger)
	if err != nil {
		logger.Printf("Warning: event log disabled: %v", err)
		events, closeEvents = app.NopEventLog{}, func() error { return nil }
	}

	collector := metrics.NewCollector()
	store := app.NewJobStore(logger,
		app.WithStaleThreshold(cfg.HeartbeatStaleThreshold()),
		app.WithObserver(collector),
	)
	wm := app.NewWorkerManager(app.SpawnConfigFromPolicy(cfg, loader.Path()), store, events, logger)
	box := inbox.New(cfg.InboxDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ignore SIGHUP so the server keeps running when daemonized (nohup, launchd, etc.)
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Printf("Received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})
	mcpServer := server.NewMCPServer(
		"subagent",
		Version,
		server.WithToolCapabilities(false),
		server.WithHooks(hooks),
	)

	// Progress of MCP-started jobs is pushed to every connected client.
	pushProgress := func(ev domain.ProgressEvent) {
		mcpServer.SendNotificationToAllClients(progressNotification, map[string]any{
			"job_id":  ev.JobID,
			"payload": ev.Payload,
		})
	}
	subagent.Register(mcpServer, wm, store, box, logger, subagent.WithProgressSink(pushProgress))

	watchdog := app.NewWatchdog(store, logger,
		app.WithWatchdogInterval(time.Duration(cfg.Jobs.WatchdogIntervalSeconds)*time.Second),
		app.WithStaleGauge(collector),
	)
	go watchdog.Start(ctx)

	httpShutdown := startHTTPServer(cfg, mcpServer, wm, store, box, events, collector, logger)

	if stdio {
		logger.Println("Stdio ready (MCP client connection)")
		stdioSrv := server.NewStdioServer(mcpServer)
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("Stdio server stopped: %v", err)
		}
	} else {
		<-ctx.Done()
	}

	// Client disconnected or signal received: shut everything down.
	cancel()
	httpShutdown()
	watchdog.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.KillGrace()+5*time.Second)
	defer shutdownCancel()
	if err := wm.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Warning: worker shutdown: %v", err)
	}
	if err := closeEvents(); err != nil {
		logger.Printf("Warning: close event log: %v", err)
	}

	logger.Println("Server stopped")
	return nil
}

// startHTTPServer starts the HTTP API in the background. Returns a shutdown function.
// http_port 0 disables the HTTP surface.
func startHTTPServer(cfg *policy.Config, mcpServer *server.MCPServer, wm *app.WorkerManager, store *app.JobStore, box *inbox.Inbox, events app.EventLog, collector *metrics.Collector, logger *log.Logger) func() {
	if cfg.HTTPPort <= 0 {
		logger.Println("HTTP server disabled (http_port not set)")
		return func() {}
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort))
	if err != nil {
		logger.Printf("Warning: HTTP listen: %v (HTTP surface disabled)", err)
		return func() {}
	}
	baseURL := fmt.Sprintf("http://localhost:%d", ln.Addr().(*net.TCPAddr).Port)

	api := httpapi.New(wm, store, logger,
		httpapi.WithInbox(box),
		httpapi.WithEventLog(events),
		httpapi.WithMetrics(collector.Handler()),
		httpapi.WithMCP(server.NewStreamableHTTPServer(mcpServer)),
	)
	httpServer := &http.Server{Handler: api.Router(), ReadHeaderTimeout: 10 * time.Second}

	logger.Printf("HTTP server on %s", baseURL)
	logger.Printf("  Jobs:     %s/jobs", baseURL)
	logger.Printf("  Metrics:  %s/metrics", baseURL)
	logger.Printf("  MCP:      %s/mcp", baseURL)

	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Printf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}
}
