// Sub-agent job supervisor.
// "serve" runs the MCP stdio server plus the HTTP status surface; "worker" is the
// per-job child process the supervisor spawns.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leeoohoo/chatos-sub001/internal/policy"
)

// Version is set by -ldflags at build time.
var Version = "dev"

var configFile string

func main() {
	if err := buildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "subagent",
		Short: "Run sub-agent jobs in supervised worker processes",
		Long: `subagent starts sub-agent jobs as separate worker processes, tracks them through
pending -> running -> done|error with heartbeats, and lets callers steer running
jobs by appending corrections to a run inbox.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default $"+policy.ConfigEnvVar+")")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildCorrectCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "subagent "+Version)
		},
	}
}

// resolveConfigPath returns --config, then $SUBAGENT_CONFIG, else "" (defaults).
func resolveConfigPath() string {
	if configFile != "" {
		return configFile
	}
	return os.Getenv(policy.ConfigEnvVar)
}

// loadConfig loads policy configuration through a Loader so workers and the
// supervisor share the same file.
func loadConfig(logger *log.Logger) (*policy.Loader, *policy.Config) {
	loader := policy.NewLoader(resolveConfigPath())
	cfg, err := loader.Load(false)
	if err != nil {
		logger.Printf("Warning: failed to load config %s: %v, using defaults", loader.Path(), err)
		loader = policy.NewStaticLoader(policy.DefaultConfig())
		cfg, _ = loader.Load(false)
	}
	if cfg.WorkspaceRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get working directory: %v\n", err)
			os.Exit(1)
		}
		cfg.WorkspaceRoot = cwd
	}
	return loader, cfg
}

// setupLogger creates a logger that writes to a log file and optionally stderr.
// When stderr is a terminal (interactive use), logs go to both stderr and the file.
// When stderr is redirected, logs go only to the file.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[subagent] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[subagent] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	// Always need at least one output.
	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[subagent] ", log.LstdFlags|log.Lshortfile)
}
