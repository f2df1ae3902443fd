package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job's status (or all jobs) from a running supervisor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				_, cfg := loadConfig(log.New(os.Stderr, "", 0))
				if cfg.HTTPPort <= 0 {
					return fmt.Errorf("http_port is not configured; pass --addr")
				}
				addr = fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)
			}
			path := "/jobs"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			}
			return fetchStatus(cmd.OutOrStdout(), addr+path)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Supervisor base URL (default http://localhost:<http_port>)")
	return cmd
}

func fetchStatus(out io.Writer, target string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("query supervisor: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("supervisor returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		_, err = out.Write(body)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}
