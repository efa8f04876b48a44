//go:build !linux

package notify

import "log/slog"

// Desktop falls back to log delivery on platforms without a freedesktop
// notification service.
type Desktop struct {
	logger *slog.Logger
}

// NewDesktop creates the fallback notifier.
func NewDesktop(logger *slog.Logger) *Desktop {
	return &Desktop{logger: logger.With("component", "notify")}
}

// Notify logs the notice.
func (d *Desktop) Notify(summary, body string) {
	d.logger.Info("notice", "summary", summary, "body", body)
}

// Close is a no-op.
func (d *Desktop) Close() error { return nil }
