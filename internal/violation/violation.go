// Package violation defines the closed violation taxonomy for a proctored
// attempt and the append-only log that accumulates violations while an
// attempt is live.
//
// Violations are immutable once recorded. The log is owned by the lockdown
// controller for the lifetime of one attempt; it is never persisted directly,
// only forwarded outward at termination for storage by the result sink and
// the local marker store.
package violation

import (
	"fmt"
	"sync"
	"time"
)

// Kind identifies a class of prohibited behavior.
type Kind string

// The closed set of violation kinds.
const (
	KindFullscreenExit    Kind = "fullscreen_exit"
	KindFocusLoss         Kind = "focus_loss"
	KindTabSwitch         Kind = "tab_switch"
	KindDevTools          Kind = "dev_tools"
	KindCopyPaste         Kind = "copy_paste"
	KindPrint             Kind = "print"
	KindScreenshot        Kind = "screenshot"
	KindContextMenu       Kind = "context_menu"
	KindBlockedShortcut   Kind = "blocked_shortcut"
	KindEscPressed        Kind = "esc_pressed"
	KindEscExitTerminate  Kind = "esc_exit_terminate"
	KindKeyboardZeroTol   Kind = "keyboard_usage_zero_tolerance"
	KindSecurityViolation Kind = "security_violation"
	KindNavigationAttempt Kind = "navigation_attempt"
)

// Kinds lists every valid kind.
func Kinds() []Kind {
	return []Kind{
		KindFullscreenExit,
		KindFocusLoss,
		KindTabSwitch,
		KindDevTools,
		KindCopyPaste,
		KindPrint,
		KindScreenshot,
		KindContextMenu,
		KindBlockedShortcut,
		KindEscPressed,
		KindEscExitTerminate,
		KindKeyboardZeroTol,
		KindSecurityViolation,
		KindNavigationAttempt,
	}
}

// Valid reports whether k is a member of the closed enumeration.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Violation is a single classified occurrence of prohibited behavior.
type Violation struct {
	Kind      Kind           `json:"kind"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates a violation stamped with the current time.
func New(kind Kind, details map[string]any) Violation {
	return Violation{
		Kind:      kind,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// String returns a short human-readable description.
func (v Violation) String() string {
	if len(v.Details) == 0 {
		return string(v.Kind)
	}
	return fmt.Sprintf("%s %v", v.Kind, v.Details)
}

// Log is an ordered, append-only violation log scoped to one attempt.
// Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Violation
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append records a violation. Entries are never removed or reordered.
func (l *Log) Append(v Violation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, v)
}

// Len returns the number of recorded violations.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns a copy of the log in record order.
func (l *Log) Snapshot() []Violation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Violation, len(l.entries))
	copy(out, l.entries)
	return out
}

// CountByKind tallies recorded violations per kind.
func (l *Log) CountByKind() map[Kind]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := make(map[Kind]int, len(l.entries))
	for _, v := range l.entries {
		counts[v.Kind]++
	}
	return counts
}
