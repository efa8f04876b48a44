package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"proctord/internal/config"
)

func newConfigCommand(configPath *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigValidateCommand(configPath))
	configCmd.AddCommand(newConfigShowCommand(configPath))

	return configCmd
}

func newConfigValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(*configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", *configPath)
			return nil
		},
	}
}

func newConfigShowCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			rows := [][]string{
				{"engine.escape_window_ms", fmt.Sprintf("%d", cfg.Engine.EscapeWindowMs)},
				{"engine.reentry_delay_ms", fmt.Sprintf("%d", cfg.Engine.ReentryDelayMs)},
				{"engine.init_timeout_ms", fmt.Sprintf("%d", cfg.Engine.InitTimeoutMs)},
				{"engine.focus_poll_ms", fmt.Sprintf("%d", cfg.Engine.FocusPollMs)},
				{"engine.strict_clipboard", fmt.Sprintf("%t", cfg.Engine.StrictClipboard)},
				{"policy.violation_threshold", fmt.Sprintf("%d", cfg.Policy.ViolationThreshold)},
				{"policy.critical_kinds", strings.Join(cfg.Policy.CriticalKinds, ", ")},
				{"policy.zero_tolerance", fmt.Sprintf("%t", cfg.Policy.ZeroTolerance)},
				{"policy.redirect_target", cfg.Policy.RedirectTarget},
				{"storage.path", cfg.Storage.Path},
				{"bridge.socket", cfg.Bridge.Socket},
				{"logging.level", cfg.Logging.Level},
				{"logging.format", cfg.Logging.Format},
				{"notify.enabled", fmt.Sprintf("%t", cfg.Notify.Enabled)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Setting", "Value"}, rows))
			return nil
		},
	}
}
