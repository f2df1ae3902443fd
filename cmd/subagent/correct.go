package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/inbox"
)

func buildCorrectCommand() *cobra.Command {
	var runID, target, source string
	cmd := &cobra.Command{
		Use:   "correct --run <run-id> <text>",
		Short: "Append a correction to a run inbox",
		Long: `Append a correction to a run inbox. Workers of that run interrupt their
in-flight model call and retry with the correction appended.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch target {
			case domain.TargetAll, domain.TargetRouter, domain.TargetWorker:
			default:
				return fmt.Errorf("--target must be one of all, router, worker")
			}
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return fmt.Errorf("correction text is empty")
			}
			_, cfg := loadConfig(log.New(os.Stderr, "", 0))
			entry, err := inbox.New(cfg.InboxDir()).Append(runID, domain.InboxEntry{
				Type:   domain.EntryCorrection,
				Target: target,
				Text:   text,
				Source: source,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "correction %s appended to run %s (target=%s)\n", entry.ID, runID, entry.Target)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run id whose inbox receives the correction")
	cmd.Flags().StringVar(&target, "target", domain.TargetAll, "Who applies it: all, router, worker")
	cmd.Flags().StringVar(&source, "source", "cli", "Sender recorded with the entry")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}
