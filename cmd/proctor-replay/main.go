// proctor-replay runs scripted attempt scenarios against the real lockdown
// engine. It exists so policy changes can be reviewed deterministically:
// feed it the event sequence a browser would have produced and inspect the
// outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"proctord/internal/config"
	"proctord/internal/logging"
	"proctord/internal/marker"
	"proctord/internal/replay"
)

var (
	configPath  = flag.String("config", "", "config file for policy values (default: built-in defaults)")
	markersPath = flag.String("markers", "", "marker database (default: throwaway per run)")
	verbose     = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: proctor-replay [options] <script.yaml> [more scripts...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "proctor-replay: %v\n", err)
		os.Exit(1)
	}
}

func run(scripts []string) error {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(&logging.Config{Level: level, Component: "proctor-replay"})

	// A throwaway store keeps replays from blocking real identities.
	dbPath := *markersPath
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "proctor-replay-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "markers.db")
	}

	markers, err := marker.Open(dbPath, []byte("proctor-replay"))
	if err != nil {
		return fmt.Errorf("open marker store: %w", err)
	}
	defer markers.Close()

	failed := 0
	for _, path := range scripts {
		script, err := replay.Load(path)
		if err != nil {
			return err
		}

		runner := replay.NewRunner(script, markers, cfg.LockdownConfig(), cfg.GuardConfig(), logger)
		report, err := runner.Run(context.Background())
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		printReport(path, report)
		if report.Outcome != replay.OutcomeCompleted {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scripts did not complete", failed, len(scripts))
	}
	return nil
}

func printReport(path string, r *replay.Report) {
	fmt.Printf("=== %s ===\n", filepath.Base(path))
	fmt.Printf("Identity:   %s\n", r.Identity)
	fmt.Printf("Attempt:    %s\n", r.AttemptID)
	fmt.Printf("Outcome:    %s\n", strings.ToUpper(r.Outcome))
	if r.Reason != "" {
		fmt.Printf("Reason:     %s\n", r.Reason)
	}
	fmt.Printf("Submitted:  %s\n", r.Submitted)
	fmt.Printf("Results:    %d\n", len(r.Results))

	if len(r.Violations) > 0 {
		fmt.Println("Violations:")
		for i, v := range r.Violations {
			fmt.Printf("  %2d. %s\n", i+1, v.String())
		}
	}
	fmt.Println()
}
