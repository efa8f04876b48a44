// proctord is the exam lockdown engine. It runs on the candidate machine
// for the duration of one attempt: the browser helper connects over a local
// socket and forwards DOM events, proctord applies the lockdown policy, and
// the attempt either completes or is terminated and marked locally.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"proctord/internal/attempt"
	"proctord/internal/bridge"
	"proctord/internal/capability"
	"proctord/internal/config"
	"proctord/internal/guard"
	"proctord/internal/lockdown"
	"proctord/internal/logging"
	"proctord/internal/marker"
	"proctord/internal/notify"
	"proctord/internal/sink"
)

// helloTimeout bounds how long the engine waits for the browser helper to
// connect and announce its capabilities.
const helloTimeout = 2 * time.Minute

var (
	configPath = flag.String("config", defaultConfigPath(), "path to config file")
	identity   = flag.String("identity", "", "candidate identity for this attempt (required)")
	spoolPath  = flag.String("spool", "", "result spool file (default: <data dir>/results.jsonl)")
)

func main() {
	flag.Parse()

	if *identity == "" {
		fmt.Fprintln(os.Stderr, "proctord: -identity is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "proctord: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "proctord.toml"
	}
	return filepath.Join(home, ".proctord", "proctord.toml")
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	logger := logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Component: "proctord",
	})

	dataDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	secret, err := loadOrCreateSecret(cfg.Storage.SecretPath)
	if err != nil {
		return err
	}

	markers, err := marker.Open(cfg.Storage.Path, secret)
	if err != nil {
		return fmt.Errorf("open marker store: %w", err)
	}
	defer markers.Close()

	spool := *spoolPath
	if spool == "" {
		spool = filepath.Join(dataDir, "results.jsonl")
	}
	results := sink.NewSpool(spool, logger)

	// Config hot-reload. Policy changes apply to the next attempt; this
	// process serves exactly one, so reloads only update the snapshot
	// used if activation has not happened yet.
	watcher, err := config.NewWatcher(*configPath, logger)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Stop()

	br := bridge.New(cfg.Bridge.Socket, logger)
	if err := br.Start(); err != nil {
		return err
	}
	defer br.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("waiting for browser helper", "socket", cfg.Bridge.Socket, "identity", *identity)

	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	features, meta, err := br.WaitHello(helloCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("helper handshake: %w", err)
	}

	// Apply any config reloads that arrived while waiting; from here on
	// the policy is frozen for the attempt.
	cfg = drainReloads(watcher, cfg, logger)

	var probe capability.Probe
	caps := probe.Detect(features, meta)
	logger.Info("capabilities probed",
		"fullscreen", caps.Fullscreen,
		"keyboard_lock", caps.KeyboardLock,
		"platform", caps.Platform)

	ctl := lockdown.New(br, caps, cfg.LockdownConfig(), logger)
	gate := attempt.NewGate(nil, markers, logger)

	var notifier guard.Notifier
	if cfg.Notify.Enabled {
		desktop := notify.NewDesktop(logger)
		defer desktop.Close()
		notifier = desktop
	} else {
		notifier = notify.LogOnly{Logger: logger}
	}

	g := guard.New(*identity, ctl, gate, results, markers, br, notifier, cfg.GuardConfig(), logger)

	if err := g.Activate(ctx); err != nil {
		switch {
		case errors.Is(err, attempt.ErrAttemptExists):
			return fmt.Errorf("attempt refused: %w", err)
		case errors.Is(err, lockdown.ErrFullscreenUnsupported):
			return fmt.Errorf("browser cannot enforce lockdown: %w", err)
		default:
			return fmt.Errorf("activate: %w", err)
		}
	}

	logger.Info("attempt active", "attempt_id", g.AttemptID())

	events := g.Subscribe()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal, deactivating")
			g.Deactivate()
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case guard.EventViolation:
				logger.Warn("violation", "kind", ev.Violation.Kind)
			case guard.EventTerminated:
				logger.Warn("attempt terminated", "reason", ev.Reason)
				// The failed-result submission runs asynchronously;
				// wait for it to reach the local spool before exiting.
				select {
				case <-g.SubmissionDone():
				case <-time.After(cfg.GuardConfig().SubmitTimeout):
					logger.Warn("failure submission still pending, exiting anyway")
				}
				return fmt.Errorf("attempt terminated: %s", ev.Reason)
			case guard.EventDeactivated:
				logger.Info("attempt finished")
				return nil
			}
		}
	}
}

// drainReloads returns the newest config the watcher produced, if any.
func drainReloads(w *config.Watcher, cfg *config.Config, logger *slog.Logger) *config.Config {
	for {
		select {
		case fresh := <-w.Reloads():
			logger.Info("applying reloaded config")
			cfg = fresh
		default:
			return cfg
		}
	}
}

// loadOrCreateSecret returns the marker MAC secret, generating a random one
// on first start.
func loadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) < 16 {
			return nil, fmt.Errorf("secret file %s is too short", path)
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read secret: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create secret directory: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}
