package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leeoohoo/chatos-sub001/internal/agent"
	"github.com/leeoohoo/chatos-sub001/internal/inbox"
	"github.com/leeoohoo/chatos-sub001/internal/policy"
	"github.com/leeoohoo/chatos-sub001/internal/repository/sqlite"
)

// exitBadEnv is the worker exit code for a missing or malformed job description.
const exitBadEnv = 2

func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one job (started by the supervisor; reads the job from the environment)",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runWorker())
		},
	}
}

// runWorker executes the job described by SUBAGENT_* variables. Stdout carries the
// message protocol; all logging goes to stderr, which the supervisor captures per job.
func runWorker() int {
	logger := log.New(os.Stderr, "[subagent-worker] ", log.LstdFlags|log.Lshortfile)

	env, err := agent.LoadEnv(os.Getenv)
	if err != nil {
		logger.Printf("Worker: %v", err)
		return exitBadEnv
	}
	logger.Printf("Worker: job %s starting (agent=%q run=%q)", env.JobID, env.Params.AgentID, env.RunID)

	configPath := env.ConfigPath
	if configPath == "" {
		configPath = resolveConfigPath()
	}

	w := &agent.Worker{
		Env:     env,
		Loader:  policy.NewLoader(configPath),
		Emitter: agent.NewEmitter(os.Stdout, logger),
		Logger:  logger,
	}
	if env.EventLogPath != "" {
		store, err := sqlite.New(env.EventLogPath, logger)
		if err != nil {
			logger.Printf("Worker: event log disabled: %v", err)
		} else {
			defer store.Close()
			w.Events = store.ForJob(env.JobID)
		}
	}
	if env.InboxDir != "" {
		w.Inbox = inbox.New(env.InboxDir)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		logger.Printf("Worker: job %s failed: %v", env.JobID, err)
		return 1
	}
	logger.Printf("Worker: job %s done", env.JobID)
	return 0
}
