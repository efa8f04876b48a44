// Package lockdown implements the exam lockdown state machine: fullscreen
// enforcement, keyboard capture, focus and visibility monitoring, and
// classification of intercepted input into violations.
//
// The controller is platform-agnostic. A Platform implementation (the
// browser event bridge in production, a scripted fake in tests and replay)
// delivers discrete events and executes the commands the controller issues.
package lockdown

import (
	"context"
	"time"
)

// EventType identifies a platform event delivered to the controller.
type EventType int

const (
	// EventKeyDown is a capture-phase key press.
	EventKeyDown EventType = iota
	// EventFullscreenChange reports the document entering or leaving
	// fullscreen, including vendor-prefixed variants collapsed by the
	// bridge.
	EventFullscreenChange
	// EventVisibilityChange reports the document being hidden or shown.
	EventVisibilityChange
	// EventBlur reports the window losing focus.
	EventBlur
	// EventContextMenu reports a context-menu gesture.
	EventContextMenu
	// EventPopState reports a back/forward navigation attempt.
	EventPopState
	// EventBeforeUnload reports an imminent tab close or refresh.
	EventBeforeUnload
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventKeyDown:
		return "keydown"
	case EventFullscreenChange:
		return "fullscreen_change"
	case EventVisibilityChange:
		return "visibility_change"
	case EventBlur:
		return "blur"
	case EventContextMenu:
		return "context_menu"
	case EventPopState:
		return "popstate"
	case EventBeforeUnload:
		return "beforeunload"
	default:
		return "unknown"
	}
}

// Event is a discrete platform event. Only the fields relevant to the
// event type are set.
type Event struct {
	Type EventType

	// Key fields (EventKeyDown). Key uses DOM KeyboardEvent.key values
	// ("Escape", "F12", "r", "PrintScreen").
	Key   string
	Ctrl  bool
	Alt   bool
	Shift bool
	Meta  bool

	// Fullscreen is the new state for EventFullscreenChange.
	Fullscreen bool

	// Hidden is the new state for EventVisibilityChange.
	Hidden bool

	Timestamp time.Time
}

// Platform is the capability surface the controller drives. Implementations
// must suppress the default browser action for intercepted keys before
// forwarding them; the controller only classifies and records.
type Platform interface {
	// RequestFullscreen asks the platform to enter fullscreen. A nil
	// return means the request was accepted; confirmation still arrives
	// as an EventFullscreenChange.
	RequestFullscreen(ctx context.Context) error

	// ExitFullscreen leaves fullscreen. Used only during teardown.
	ExitFullscreen(ctx context.Context) error

	// IsFullscreen reports whether a fullscreen element is current.
	IsFullscreen() bool

	// LockKeyboard engages the keyboard-lock API for the given keys.
	// An empty list locks all keys. Optional capability; callers must
	// degrade gracefully when it fails.
	LockKeyboard(keys []string) error

	// UnlockKeyboard releases the keyboard lock.
	UnlockKeyboard() error

	// Visible reports whether the document is currently visible.
	Visible() bool

	// HasFocus reports whether the document has input focus.
	HasFocus() bool

	// Events returns the stream of platform events. The channel is
	// closed when the platform goes away.
	Events() <-chan Event
}
