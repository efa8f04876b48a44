// Package notify delivers desktop notices about lockdown violations so the
// candidate sees why their attempt is in trouble before it terminates.
package notify

import "log/slog"

// Notifier delivers a short desktop notice. Delivery is best-effort: the
// guard never blocks or fails on a missing notification service.
type Notifier interface {
	Notify(summary, body string)
}

// Noop discards all notices.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(summary, body string) {}

// LogOnly writes notices to the log instead of the desktop. Used when
// notifications are disabled in configuration.
type LogOnly struct {
	Logger *slog.Logger
}

// Notify logs the notice at info level.
func (l LogOnly) Notify(summary, body string) {
	l.Logger.Info("notice", "summary", summary, "body", body)
}
