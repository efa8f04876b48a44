package lockdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/capability"
	"proctord/internal/violation"
)

// State is a lockdown state machine state.
type State int

const (
	// StateInactive means lockdown is not engaged. No listeners run and
	// no violations can be produced.
	StateInactive State = iota
	// StateInitializing covers the window between requesting fullscreen
	// and the platform confirming it. Violation reporting is suppressed.
	StateInitializing
	// StateActive means fullscreen is engaged and every intercepted
	// event is classified.
	StateActive
	// StateReentering means an unauthorized fullscreen exit occurred and
	// a single automatic re-entry is pending.
	StateReentering
	// StateTerminated is absorbing: the attempt is over and the
	// controller cannot be reactivated.
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active_ok"
	case StateReentering:
		return "reentering"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config controls controller timing and strictness.
type Config struct {
	// EscapeExitWindow is the trailing window after an Escape keydown in
	// which a fullscreen exit is classified as esc_exit_terminate.
	EscapeExitWindow time.Duration

	// ReentryDelay is how long to wait before the single automatic
	// re-entry attempt after an unauthorized exit. The delay avoids
	// fighting the browser's own event dispatch.
	ReentryDelay time.Duration

	// InitTimeout bounds the initializing state. If no fullscreen
	// confirmation arrives within this window the controller transitions
	// to active anyway rather than wedge.
	InitTimeout time.Duration

	// FocusPollInterval is the period of the redundant focus check that
	// catches focus loss not accompanied by a blur event.
	FocusPollInterval time.Duration

	// StrictClipboard blocks Ctrl+C/V/X/A/P/S in addition to the always
	// blocked set.
	StrictClipboard bool

	// LockKeys is passed to the keyboard-lock capability. Empty locks
	// all keys.
	LockKeys []string
}

// DefaultConfig returns the production policy timings.
func DefaultConfig() Config {
	return Config{
		EscapeExitWindow:  800 * time.Millisecond,
		ReentryDelay:      500 * time.Millisecond,
		InitTimeout:       5 * time.Second,
		FocusPollInterval: time.Second,
		StrictClipboard:   true,
	}
}

var (
	// ErrAlreadyActive is returned when Activate is called twice.
	ErrAlreadyActive = errors.New("lockdown: already active")

	// ErrFullscreenUnsupported is returned when the platform cannot go
	// fullscreen at all. Fatal: the attempt must not start.
	ErrFullscreenUnsupported = errors.New("lockdown: fullscreen not supported")

	// ErrFullscreenDenied is returned when the fullscreen request is
	// rejected. Fatal for this activation; the caller may retry.
	ErrFullscreenDenied = errors.New("lockdown: fullscreen request denied")

	// ErrTerminated is returned for operations on a terminated controller.
	ErrTerminated = errors.New("lockdown: attempt terminated")
)

// Controller owns the lockdown state machine for one assessment attempt.
type Controller struct {
	mu sync.Mutex

	cfg      Config
	platform Platform
	caps     capability.Snapshot
	logger   *slog.Logger

	state          State
	everFullscreen bool
	keyboardLocked bool
	lastEscape     time.Time

	log  *violation.Log
	subs []chan violation.Violation

	keyCallback func(Event)

	reentryTimer *time.Timer
	initTimer    *time.Timer
	escTimer     *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller. The capability snapshot gates feature use:
// fullscreen support is a hard precondition at Activate, keyboard lock is
// best-effort.
func New(platform Platform, caps capability.Snapshot, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		platform: platform,
		caps:     caps,
		logger:   logger.With("component", "lockdown"),
		log:      violation.NewLog(),
	}
}

// Activate engages lockdown: it registers event processing before issuing
// the fullscreen request (so an exit during the permission prompt is not
// missed), requests fullscreen, attempts the keyboard lock best-effort, and
// arms the initializing safety timeout.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateTerminated:
		c.mu.Unlock()
		return ErrTerminated
	case StateInactive:
	default:
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	if !c.caps.Fullscreen {
		c.mu.Unlock()
		return ErrFullscreenUnsupported
	}

	c.state = StateInitializing
	c.ctx, c.cancel = context.WithCancel(ctx)

	// Listeners first. The event loop must be draining before the
	// fullscreen request goes out.
	c.wg.Add(2)
	go c.eventLoop()
	go c.focusLoop()
	c.mu.Unlock()

	if c.platform.IsFullscreen() {
		c.confirmFullscreen()
	} else if err := c.platform.RequestFullscreen(c.ctx); err != nil {
		c.abortActivation()
		return fmt.Errorf("%w: %v", ErrFullscreenDenied, err)
	}

	if c.caps.KeyboardLock {
		if err := c.platform.LockKeyboard(c.cfg.LockKeys); err != nil {
			c.logger.Warn("keyboard lock failed, shortcut interception only", "error", err)
		} else {
			c.mu.Lock()
			c.keyboardLocked = true
			c.mu.Unlock()
		}
	} else {
		c.logger.Warn("keyboard lock unsupported, shortcut interception only")
	}

	c.mu.Lock()
	if c.state == StateInitializing {
		c.initTimer = time.AfterFunc(c.cfg.InitTimeout, c.forceInitialized)
	}
	c.mu.Unlock()

	c.logger.Info("lockdown activating",
		"fullscreen", c.platform.IsFullscreen(),
		"keyboard_locked", c.IsKeyboardLocked(),
	)
	return nil
}

// abortActivation rolls back a failed activation. The controller returns to
// inactive with zero violations recorded; the caller may retry. Subscriber
// channels registered for the aborted attempt are closed so a retry starts
// with a fresh subscription.
func (c *Controller) abortActivation() {
	c.mu.Lock()
	c.state = StateInactive
	cancel := c.cancel
	c.cancel = nil
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	for _, ch := range subs {
		close(ch)
	}
}

// Deactivate disengages lockdown cleanly: unlock keyboard, stop all event
// processing, and best-effort exit fullscreen. Idempotent. Cleanup never
// propagates errors; the tab may already be closing.
func (c *Controller) Deactivate() {
	c.shutdown(StateInactive)
}

// Terminate moves the controller to the absorbing terminated state and
// performs the same teardown as Deactivate. Idempotent.
func (c *Controller) Terminate() {
	c.shutdown(StateTerminated)
}

func (c *Controller) shutdown(final State) {
	c.mu.Lock()
	if c.state == StateInactive || c.state == StateTerminated {
		// Repeated deactivation is a no-op, but termination is sticky.
		if final == StateTerminated {
			c.state = StateTerminated
		}
		c.mu.Unlock()
		return
	}
	c.state = final
	cancel := c.cancel
	c.cancel = nil
	if c.reentryTimer != nil {
		c.reentryTimer.Stop()
		c.reentryTimer = nil
	}
	if c.initTimer != nil {
		c.initTimer.Stop()
		c.initTimer = nil
	}
	if c.escTimer != nil {
		c.escTimer.Stop()
		c.escTimer = nil
	}
	locked := c.keyboardLocked
	c.keyboardLocked = false
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if locked {
		if err := c.platform.UnlockKeyboard(); err != nil {
			c.logger.Debug("keyboard unlock failed", "error", err)
		}
	}

	// Only leave fullscreen if we are still in it and the document is
	// visible; otherwise the browser will reject the call.
	if c.platform.IsFullscreen() && c.platform.Visible() {
		ctx, cancelExit := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelExit()
		if err := c.platform.ExitFullscreen(ctx); err != nil {
			c.logger.Debug("fullscreen exit during teardown failed", "error", err)
		}
	}

	for _, ch := range subs {
		close(ch)
	}

	c.logger.Info("lockdown disengaged", "state", final.String(), "violations", c.log.Len())
}

// Subscribe returns a channel of violations recorded after the call.
// The channel is closed on deactivation or termination. Slow consumers
// drop events rather than block the controller.
func (c *Controller) Subscribe() <-chan violation.Violation {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan violation.Violation, 100)
	c.subs = append(c.subs, ch)
	return ch
}

// SetKeyCallback registers a callback invoked for every keydown observed
// while lockdown is engaged, including keys outside the blocked set. Used
// by the session guard's zero-tolerance layer.
func (c *Controller) SetKeyCallback(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyCallback = fn
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsFullscreen reports the platform's current fullscreen state.
func (c *Controller) IsFullscreen() bool {
	return c.platform.IsFullscreen()
}

// IsKeyboardLocked reports whether the keyboard lock is engaged.
func (c *Controller) IsKeyboardLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyboardLocked
}

// EverEnteredFullscreen reports whether fullscreen was confirmed at least
// once this attempt.
func (c *Controller) EverEnteredFullscreen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.everFullscreen
}

// Violations returns a snapshot of the attempt's violation log.
func (c *Controller) Violations() []violation.Violation {
	return c.log.Snapshot()
}

// Record appends an externally classified violation to the attempt log.
// Suppressed unless lockdown is engaged. Used by the session guard for
// zero-tolerance keyboard violations.
func (c *Controller) Record(kind violation.Kind, details map[string]any) {
	c.record(kind, details)
}

// eventLoop drains platform events until shutdown.
func (c *Controller) eventLoop() {
	defer c.wg.Done()
	events := c.platform.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

// focusLoop is the periodic focus check. Redundant with the blur and
// visibility handlers on purpose: some browsers drop focus without
// dispatching either event.
func (c *Controller) focusLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FocusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.State() == StateActive && !c.platform.HasFocus() {
				c.record(violation.KindFocusLoss, map[string]any{"source": "poll"})
			}
		}
	}
}

func (c *Controller) handleEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	switch ev.Type {
	case EventKeyDown:
		c.handleKeyDown(ev)

	case EventFullscreenChange:
		if ev.Fullscreen {
			c.confirmFullscreen()
		} else {
			c.handleFullscreenExit(ev)
		}

	case EventVisibilityChange:
		if ev.Hidden {
			c.record(violation.KindTabSwitch, nil)
		}

	case EventBlur:
		c.record(violation.KindFocusLoss, map[string]any{"source": "blur"})

	case EventContextMenu:
		c.record(violation.KindContextMenu, nil)

	case EventPopState:
		c.record(violation.KindNavigationAttempt, map[string]any{"phase": "popstate"})

	case EventBeforeUnload:
		c.record(violation.KindNavigationAttempt, map[string]any{"phase": "unload"})
	}
}

func (c *Controller) handleKeyDown(ev Event) {
	if ev.Key == "Escape" && !ev.Alt {
		c.handleEscape(ev)
	} else if kind, details, ok := classifyKey(ev, c.cfg.StrictClipboard); ok {
		c.record(kind, details)
	}

	c.mu.Lock()
	fn := c.keyCallback
	engaged := c.state == StateActive || c.state == StateReentering
	c.mu.Unlock()
	if fn != nil && engaged {
		fn(ev)
	}
}

// handleEscape remembers the press (even while initializing, so a following
// exit is classified correctly) and defers the esc_pressed record for the
// length of the escape window: if a fullscreen exit consumes the press, the
// pair collapses into a single esc_exit_terminate instead.
func (c *Controller) handleEscape(ev Event) {
	c.mu.Lock()
	c.lastEscape = ev.Timestamp
	if c.escTimer != nil {
		c.escTimer.Stop()
	}
	c.escTimer = time.AfterFunc(c.cfg.EscapeExitWindow, func() {
		c.record(violation.KindEscPressed, nil)
	})
	c.mu.Unlock()
}

// confirmFullscreen handles a fullscreen confirmation event.
func (c *Controller) confirmFullscreen() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateInitializing:
		c.state = StateActive
		c.everFullscreen = true
		if c.initTimer != nil {
			c.initTimer.Stop()
			c.initTimer = nil
		}
		c.logger.Info("fullscreen confirmed, lockdown active")
	case StateReentering:
		c.state = StateActive
		c.logger.Info("fullscreen re-entered")
	}
}

// forceInitialized fires when the safety timeout elapses without a
// fullscreen confirmation. Initializing must never wedge the machine.
func (c *Controller) forceInitialized() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitializing {
		return
	}
	c.state = StateActive
	c.everFullscreen = c.platform.IsFullscreen()
	c.logger.Warn("no fullscreen confirmation before timeout, forcing active",
		"fullscreen", c.everFullscreen)
}

// handleFullscreenExit classifies an unauthorized fullscreen exit. An exit
// preceded by an Escape keydown inside the escape window is the terminal
// esc_exit_terminate and gets no re-entry; anything else is fullscreen_exit
// with exactly one automatic re-entry scheduled.
func (c *Controller) handleFullscreenExit(ev Event) {
	c.mu.Lock()
	if c.state != StateActive && c.state != StateReentering {
		c.mu.Unlock()
		return
	}
	if !c.everFullscreen {
		c.mu.Unlock()
		return
	}

	lead := ev.Timestamp.Sub(c.lastEscape)
	escExit := !c.lastEscape.IsZero() && lead >= 0 && lead <= c.cfg.EscapeExitWindow
	if escExit {
		// The pending esc_pressed is consumed by the exit.
		if c.escTimer != nil {
			c.escTimer.Stop()
			c.escTimer = nil
		}
		c.lastEscape = time.Time{}
		c.mu.Unlock()
		c.record(violation.KindEscExitTerminate, map[string]any{
			"escape_lead_ms": lead.Milliseconds(),
		})
		return
	}

	if c.state == StateActive {
		c.state = StateReentering
		c.reentryTimer = time.AfterFunc(c.cfg.ReentryDelay, c.attemptReentry)
	}
	c.mu.Unlock()

	c.record(violation.KindFullscreenExit, nil)
}

// attemptReentry performs the single delayed re-entry. A deactivation that
// raced with the timer makes this a no-op.
func (c *Controller) attemptReentry() {
	c.mu.Lock()
	if c.state != StateReentering {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.reentryTimer = nil
	c.mu.Unlock()

	if err := c.platform.RequestFullscreen(ctx); err != nil {
		c.logger.Warn("fullscreen re-entry rejected", "error", err)
		c.record(violation.KindSecurityViolation, map[string]any{
			"cause": "reentry_rejected",
		})
	}
}

// record appends and fans out a violation. Reporting is suppressed unless
// lockdown is engaged: initializing must not produce false positives from
// the very transition that is establishing the locked state.
func (c *Controller) record(kind violation.Kind, details map[string]any) {
	c.mu.Lock()
	if c.state != StateActive && c.state != StateReentering {
		c.mu.Unlock()
		return
	}
	v := violation.New(kind, details)
	subs := c.subs
	c.mu.Unlock()

	c.log.Append(v)
	c.logger.Debug("violation recorded", "kind", kind, "details", details)

	for _, ch := range subs {
		select {
		case ch <- v:
		default:
			// Skip slow subscribers.
		}
	}
}
