package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"proctord/internal/sink"
)

func newResultsCommand(configPath *string) *cobra.Command {
	var spoolPath string

	cmd := &cobra.Command{
		Use:   "results",
		Short: "List spooled attempt submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			path := spoolPath
			if path == "" {
				path = filepath.Join(filepath.Dir(cfg.Storage.Path), "results.jsonl")
			}

			records, err := sink.Read(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintln(cmd.OutOrStdout(), "No submissions spooled.")
					return nil
				}
				return fmt.Errorf("read spool: %w", err)
			}

			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{
					r.Identity,
					r.Status,
					r.Reason,
					fmt.Sprintf("%d", len(r.Results)),
					fmt.Sprintf("%d", len(r.Violations)),
					r.SubmittedAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(),
				renderTable([]string{"Identity", "Status", "Reason", "Results", "Violations", "Submitted"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&spoolPath, "spool", "", "result spool file (default: <data dir>/results.jsonl)")
	return cmd
}
