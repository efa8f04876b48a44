package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"proctord/internal/marker"
)

func newMarkersCommand(configPath *string) *cobra.Command {
	markersCmd := &cobra.Command{
		Use:   "markers",
		Short: "Termination markers",
	}

	markersCmd.AddCommand(newMarkersListCommand(configPath))
	markersCmd.AddCommand(newMarkersShowCommand(configPath))
	markersCmd.AddCommand(newMarkersCheckCommand(configPath))

	return markersCmd
}

func newMarkersListCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all termination markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openMarkers(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			markers, err := store.List()
			if err != nil {
				return fmt.Errorf("list markers: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(markers) == 0 {
				fmt.Fprintln(out, "No termination markers.")
				return nil
			}

			rows := make([][]string, 0, len(markers))
			for _, m := range markers {
				rows = append(rows, []string{
					m.Identity,
					m.AttemptID,
					m.Reason,
					m.CreatedAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Identity", "Attempt", "Reason", "Created"}, rows))
			return nil
		},
	}
}

func newMarkersShowCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <identity>",
		Short: "Show a marker and its violation log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openMarkers(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			identity := args[0]
			m, err := store.Get(identity)
			if err != nil {
				if errors.Is(err, marker.ErrTampered) {
					return fmt.Errorf("marker for %s failed integrity verification: %w", identity, err)
				}
				return fmt.Errorf("load marker: %w", err)
			}
			if m == nil {
				return fmt.Errorf("no marker for %s", identity)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Identity:  %s\n", m.Identity)
			fmt.Fprintf(out, "Attempt:   %s\n", m.AttemptID)
			fmt.Fprintf(out, "Reason:    %s\n", m.Reason)
			fmt.Fprintf(out, "Created:   %s\n", m.CreatedAt.Local().Format(time.RFC3339))

			violations, err := store.Violations(identity)
			if err != nil {
				return fmt.Errorf("load violations: %w", err)
			}
			if len(violations) == 0 {
				fmt.Fprintln(out, "\nNo violations recorded.")
				return nil
			}

			rows := make([][]string, 0, len(violations))
			for i, v := range violations {
				rows = append(rows, []string{
					fmt.Sprintf("%d", i+1),
					string(v.Kind),
					formatDetails(v.Details),
					v.Timestamp.Local().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable([]string{"#", "Kind", "Details", "Time"}, rows))
			return nil
		},
	}
}

func newMarkersCheckCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check <identity>",
		Short: "Exit 0 when the identity may attempt, 1 when blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openMarkers(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			blocked, err := store.Has(args[0])
			if err != nil {
				return fmt.Errorf("check marker: %w", err)
			}

			out := cmd.OutOrStdout()
			if blocked {
				fmt.Fprintf(out, "%s is blocked: a terminated attempt is on record\n", args[0])
				return fmt.Errorf("attempt blocked")
			}
			fmt.Fprintf(out, "%s may attempt\n", args[0])
			return nil
		},
	}
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}
