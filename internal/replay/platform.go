package replay

import (
	"context"
	"errors"
	"sync"

	"proctord/internal/lockdown"
)

// Platform simulates the browser helper for scripted runs. Fullscreen
// requests are confirmed immediately with the matching change event, the
// way a compliant helper would.
type Platform struct {
	features FeatureSet

	mu         sync.Mutex
	fullscreen bool
	hidden     bool
	focus      bool
	locked     bool

	events chan lockdown.Event
	closed bool
}

// NewPlatform creates a simulated platform with the given capabilities.
func NewPlatform(features FeatureSet) *Platform {
	return &Platform{
		features: features,
		focus:    true,
		events:   make(chan lockdown.Event, 100),
	}
}

// RequestFullscreen enters fullscreen and emits the confirmation event.
func (p *Platform) RequestFullscreen(ctx context.Context) error {
	if !p.features.Fullscreen {
		return errors.New("replay: fullscreen unsupported")
	}
	p.mu.Lock()
	p.fullscreen = true
	p.mu.Unlock()
	p.emit(lockdown.Event{Type: lockdown.EventFullscreenChange, Fullscreen: true})
	return nil
}

// ExitFullscreen leaves fullscreen and emits the change event.
func (p *Platform) ExitFullscreen(ctx context.Context) error {
	p.mu.Lock()
	p.fullscreen = false
	p.mu.Unlock()
	p.emit(lockdown.Event{Type: lockdown.EventFullscreenChange, Fullscreen: false})
	return nil
}

// IsFullscreen reports the simulated fullscreen state.
func (p *Platform) IsFullscreen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fullscreen
}

// LockKeyboard succeeds only when the script grants the capability.
func (p *Platform) LockKeyboard(keys []string) error {
	if !p.features.KeyboardLock {
		return errors.New("replay: keyboard lock unsupported")
	}
	p.mu.Lock()
	p.locked = true
	p.mu.Unlock()
	return nil
}

// UnlockKeyboard releases the simulated lock.
func (p *Platform) UnlockKeyboard() error {
	p.mu.Lock()
	p.locked = false
	p.mu.Unlock()
	return nil
}

// Visible reports the simulated visibility state.
func (p *Platform) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.hidden
}

// HasFocus reports the simulated focus state.
func (p *Platform) HasFocus() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focus
}

// Events returns the simulated event stream.
func (p *Platform) Events() <-chan lockdown.Event {
	return p.events
}

// Close ends the event stream.
func (p *Platform) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
}

// Script-driven event injection.

func (p *Platform) injectKey(key string, ctrl, alt, shift, meta bool) {
	p.emit(lockdown.Event{
		Type: lockdown.EventKeyDown,
		Key:  key, Ctrl: ctrl, Alt: alt, Shift: shift, Meta: meta,
	})
}

func (p *Platform) exitFullscreenUserDriven() {
	p.mu.Lock()
	p.fullscreen = false
	p.mu.Unlock()
	p.emit(lockdown.Event{Type: lockdown.EventFullscreenChange, Fullscreen: false})
}

func (p *Platform) enterFullscreenUserDriven() {
	p.mu.Lock()
	p.fullscreen = true
	p.mu.Unlock()
	p.emit(lockdown.Event{Type: lockdown.EventFullscreenChange, Fullscreen: true})
}

func (p *Platform) setHidden(hidden bool) {
	p.mu.Lock()
	p.hidden = hidden
	p.mu.Unlock()
	p.emit(lockdown.Event{Type: lockdown.EventVisibilityChange, Hidden: hidden})
}

func (p *Platform) blur() {
	p.mu.Lock()
	p.focus = false
	p.mu.Unlock()
	p.emit(lockdown.Event{Type: lockdown.EventBlur})
}

// refocus restores focus without emitting anything; regaining focus is not
// a violation.
func (p *Platform) refocus() {
	p.mu.Lock()
	p.focus = true
	p.mu.Unlock()
}

func (p *Platform) simple(t lockdown.EventType) {
	p.emit(lockdown.Event{Type: t})
}

func (p *Platform) emit(ev lockdown.Event) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}
