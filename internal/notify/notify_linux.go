//go:build linux

package notify

import (
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyBusName    = "org.freedesktop.Notifications"
	notifyObjectPath = "/org/freedesktop/Notifications"
	notifyMethod     = "org.freedesktop.Notifications.Notify"

	// expireTimeoutMs is how long a violation notice stays on screen.
	expireTimeoutMs = 10000
)

// Desktop delivers notices over the org.freedesktop.Notifications session
// bus interface.
type Desktop struct {
	logger *slog.Logger

	mu   sync.Mutex
	conn *dbus.Conn

	// lastID replaces the previous notice instead of stacking them.
	lastID uint32
}

// NewDesktop creates a desktop notifier. The bus connection is established
// lazily on first use.
func NewDesktop(logger *slog.Logger) *Desktop {
	return &Desktop{logger: logger.With("component", "notify")}
}

// Notify shows a desktop notice. Failures are logged and swallowed.
func (d *Desktop) Notify(summary, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		conn, err := dbus.SessionBus()
		if err != nil {
			d.logger.Warn("session bus unavailable", "error", err)
			return
		}
		d.conn = conn
	}

	// Args per the Desktop Notifications spec: app_name, replaces_id,
	// app_icon, summary, body, actions, hints, expire_timeout.
	obj := d.conn.Object(notifyBusName, notifyObjectPath)
	call := obj.Call(notifyMethod, 0,
		"proctord",
		d.lastID,
		"dialog-warning",
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{
			"urgency": dbus.MakeVariant(byte(2)),
		},
		int32(expireTimeoutMs),
	)
	if call.Err != nil {
		d.logger.Warn("notification failed", "error", call.Err)
		return
	}

	if err := call.Store(&d.lastID); err != nil {
		d.logger.Warn("notification id unreadable", "error", err)
	}
}

// Close drops the bus connection.
func (d *Desktop) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
