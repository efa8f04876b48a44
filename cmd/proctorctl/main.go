// proctorctl inspects the local state proctord leaves behind: termination
// markers, their violation logs, and the result spool.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"proctord/internal/config"
	"proctord/internal/marker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "proctorctl",
		Short:         "Inspect proctord attempt state",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")

	root.AddCommand(newMarkersCommand(&configPath))
	root.AddCommand(newResultsCommand(&configPath))
	root.AddCommand(newConfigCommand(&configPath))

	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "proctord.toml"
	}
	return filepath.Join(home, ".proctord", "proctord.toml")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openMarkers opens the marker store with the daemon's MAC secret so
// tampered rows surface as verification errors.
func openMarkers(cfg *config.Config) (*marker.Store, error) {
	secret, err := os.ReadFile(cfg.Storage.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("read secret (has proctord run yet?): %w", err)
	}
	store, err := marker.Open(cfg.Storage.Path, secret)
	if err != nil {
		return nil, fmt.Errorf("open marker store: %w", err)
	}
	return store, nil
}
