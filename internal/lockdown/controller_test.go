package lockdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proctord/internal/capability"
	"proctord/internal/violation"
)

// fakePlatform is a scripted Platform for controller tests.
type fakePlatform struct {
	mu sync.Mutex

	fullscreen bool
	visible    bool
	focused    bool

	requestErr  error
	lockErr     error
	requests    int
	exits       int
	locks       int
	unlocks     int
	confirmOnly bool // if set, RequestFullscreen does not flip state itself

	events chan Event
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		visible: true,
		focused: true,
		events:  make(chan Event, 32),
	}
}

func (p *fakePlatform) RequestFullscreen(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if p.requestErr != nil {
		return p.requestErr
	}
	if !p.confirmOnly {
		p.fullscreen = true
	}
	return nil
}

func (p *fakePlatform) ExitFullscreen(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exits++
	p.fullscreen = false
	return nil
}

func (p *fakePlatform) IsFullscreen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fullscreen
}

func (p *fakePlatform) LockKeyboard(keys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locks++
	return p.lockErr
}

func (p *fakePlatform) UnlockKeyboard() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unlocks++
	return nil
}

func (p *fakePlatform) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

func (p *fakePlatform) HasFocus() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focused
}

func (p *fakePlatform) Events() <-chan Event { return p.events }

func (p *fakePlatform) push(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	p.events <- ev
}

func (p *fakePlatform) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *fakePlatform) setFullscreen(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fullscreen = v
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EscapeExitWindow = 100 * time.Millisecond
	cfg.ReentryDelay = 20 * time.Millisecond
	cfg.InitTimeout = 200 * time.Millisecond
	cfg.FocusPollInterval = 20 * time.Millisecond
	return cfg
}

func fullCaps() capability.Snapshot {
	return capability.Snapshot{Fullscreen: true, KeyboardLock: true}
}

func activate(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestActivateFullscreenUnsupported(t *testing.T) {
	p := newFakePlatform()
	c := New(p, capability.Snapshot{Fullscreen: false}, testConfig(), nil)

	err := c.Activate(context.Background())
	if !errors.Is(err, ErrFullscreenUnsupported) {
		t.Fatalf("expected ErrFullscreenUnsupported, got %v", err)
	}
	if c.State() != StateInactive {
		t.Errorf("state should remain inactive, got %s", c.State())
	}
	if len(c.Violations()) != 0 {
		t.Error("no violations may be recorded")
	}
}

func TestActivateFullscreenDenied(t *testing.T) {
	p := newFakePlatform()
	p.requestErr = errors.New("permission denied")
	c := New(p, fullCaps(), testConfig(), nil)

	err := c.Activate(context.Background())
	if !errors.Is(err, ErrFullscreenDenied) {
		t.Fatalf("expected ErrFullscreenDenied, got %v", err)
	}
	if c.State() != StateInactive {
		t.Errorf("state should be inactive after denial, got %s", c.State())
	}
	if len(c.Violations()) != 0 {
		t.Error("zero violations after failed activation")
	}

	// Retry affordance: a second Activate may succeed.
	p.requestErr = nil
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	if !waitFor(t, time.Second, func() bool { return c.State() == StateActive }) {
		t.Errorf("expected active_ok after retry, got %s", c.State())
	}
}

func TestAbortedActivationClosesSubscribers(t *testing.T) {
	p := newFakePlatform()
	p.requestErr = errors.New("permission denied")
	c := New(p, fullCaps(), testConfig(), nil)

	sub := c.Subscribe()
	if err := c.Activate(context.Background()); !errors.Is(err, ErrFullscreenDenied) {
		t.Fatalf("expected ErrFullscreenDenied, got %v", err)
	}

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("aborted activation must not deliver violations")
		}
	case <-time.After(time.Second):
		t.Error("subscriber channel should be closed after aborted activation")
	}

	// A retry starts clean with a fresh subscription.
	p.requestErr = nil
	fresh := c.Subscribe()
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	if !waitFor(t, time.Second, func() bool { return c.State() == StateActive }) {
		t.Fatalf("expected active_ok after retry, got %s", c.State())
	}
	p.push(Event{Type: EventContextMenu})
	select {
	case v := <-fresh:
		if v.Kind != violation.KindContextMenu {
			t.Errorf("expected context_menu, got %s", v.Kind)
		}
	case <-time.After(time.Second):
		t.Error("fresh subscription should receive violations")
	}
}

func TestActivateConfirmsViaEvent(t *testing.T) {
	p := newFakePlatform()
	p.confirmOnly = true
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()

	if c.State() != StateInitializing {
		t.Fatalf("expected initializing before confirmation, got %s", c.State())
	}

	p.setFullscreen(true)
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})

	if !waitFor(t, time.Second, func() bool { return c.State() == StateActive }) {
		t.Errorf("expected active_ok after confirmation, got %s", c.State())
	}
	if !c.EverEnteredFullscreen() {
		t.Error("everEnteredFullscreen should be set")
	}
	if !c.IsKeyboardLocked() {
		t.Error("keyboard lock should be engaged")
	}
}

func TestActivateAlreadyActive(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()

	if err := c.Activate(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestKeyboardLockAbsenceIsNonFatal(t *testing.T) {
	p := newFakePlatform()
	c := New(p, capability.Snapshot{Fullscreen: true, KeyboardLock: false}, testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()

	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	if !waitFor(t, time.Second, func() bool { return c.State() == StateActive }) {
		t.Fatalf("expected active_ok, got %s", c.State())
	}
	if c.IsKeyboardLocked() {
		t.Error("keyboard must not report locked without the capability")
	}
	if p.locks != 0 {
		t.Error("lock must not be attempted without the capability")
	}
}

func TestInitializingSafetyTimeout(t *testing.T) {
	p := newFakePlatform()
	p.confirmOnly = true
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()

	// No confirmation event ever arrives. The safety timeout must force
	// the machine out of initializing.
	if !waitFor(t, time.Second, func() bool { return c.State() == StateActive }) {
		t.Errorf("expected forced transition to active_ok, got %s", c.State())
	}
}

func TestInitializingSuppressesFullscreenViolations(t *testing.T) {
	p := newFakePlatform()
	p.confirmOnly = true
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()

	// Exit event during initializing: must not be classified.
	p.push(Event{Type: EventFullscreenChange, Fullscreen: false})
	p.push(Event{Type: EventVisibilityChange, Hidden: true})
	time.Sleep(20 * time.Millisecond)

	if n := len(c.Violations()); n != 0 {
		t.Errorf("expected zero violations while initializing, got %d", n)
	}
}

func TestBlockedShortcutRecorded(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	p.push(Event{Type: EventKeyDown, Key: "F12"})

	if !waitFor(t, time.Second, func() bool { return len(c.Violations()) == 1 }) {
		t.Fatalf("expected 1 violation, got %d", len(c.Violations()))
	}
	v := c.Violations()[0]
	if v.Kind != violation.KindBlockedShortcut {
		t.Errorf("expected blocked_shortcut, got %s", v.Kind)
	}
	if c.State() != StateActive {
		t.Errorf("state should remain active_ok, got %s", c.State())
	}
}

func TestFullscreenExitSchedulesSingleReentry(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })
	requestsBefore := p.requestCount()

	p.setFullscreen(false)
	p.push(Event{Type: EventFullscreenChange, Fullscreen: false})

	if !waitFor(t, time.Second, func() bool { return c.State() == StateReentering }) {
		t.Fatalf("expected reentering, got %s", c.State())
	}
	vs := c.Violations()
	if len(vs) != 1 || vs[0].Kind != violation.KindFullscreenExit {
		t.Fatalf("expected a single fullscreen_exit, got %v", vs)
	}

	// Exactly one re-entry request fires after the delay.
	if !waitFor(t, time.Second, func() bool { return p.requestCount() == requestsBefore+1 }) {
		t.Fatalf("expected one re-entry request, got %d", p.requestCount()-requestsBefore)
	}
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	if !waitFor(t, time.Second, func() bool { return c.State() == StateActive }) {
		t.Errorf("expected active_ok after re-entry, got %s", c.State())
	}
	time.Sleep(50 * time.Millisecond)
	if p.requestCount() != requestsBefore+1 {
		t.Errorf("re-entry must fire exactly once, got %d extra requests", p.requestCount()-requestsBefore)
	}
}

func TestEscapeExitClassifiedTerminal(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })
	requestsBefore := p.requestCount()

	now := time.Now()
	p.push(Event{Type: EventKeyDown, Key: "Escape", Timestamp: now})
	p.setFullscreen(false)
	p.push(Event{Type: EventFullscreenChange, Fullscreen: false, Timestamp: now.Add(50 * time.Millisecond)})

	if !waitFor(t, time.Second, func() bool { return len(c.Violations()) == 1 }) {
		t.Fatalf("expected a single esc_exit_terminate, got %v", c.Violations())
	}
	if got := c.Violations()[0].Kind; got != violation.KindEscExitTerminate {
		t.Errorf("expected esc_exit_terminate, got %s", got)
	}

	// The consumed Escape press must not surface as esc_pressed later,
	// and no re-entry fires for the escape-exit path.
	time.Sleep(150 * time.Millisecond)
	if len(c.Violations()) != 1 {
		t.Errorf("expected the pair to collapse into one violation, got %v", c.Violations())
	}
	if p.requestCount() != requestsBefore {
		t.Error("no automatic re-entry may be attempted after esc_exit_terminate")
	}
	if c.State() == StateReentering {
		t.Error("controller must not enter reentering after esc_exit_terminate")
	}
}

func TestExitOutsideEscapeWindowIsFullscreenExit(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	now := time.Now()
	p.push(Event{Type: EventKeyDown, Key: "Escape", Timestamp: now})
	p.setFullscreen(false)
	// Exit arrives well outside the escape window.
	p.push(Event{Type: EventFullscreenChange, Fullscreen: false, Timestamp: now.Add(500 * time.Millisecond)})

	// The stale Escape does not upgrade the exit: the exit records as
	// fullscreen_exit and the press surfaces as esc_pressed on its own.
	if !waitFor(t, time.Second, func() bool { return len(c.Violations()) == 2 }) {
		t.Fatalf("expected 2 violations, got %v", c.Violations())
	}
	kinds := map[violation.Kind]int{}
	for _, v := range c.Violations() {
		kinds[v.Kind]++
	}
	if kinds[violation.KindFullscreenExit] != 1 || kinds[violation.KindEscPressed] != 1 {
		t.Errorf("expected fullscreen_exit and esc_pressed, got %v", c.Violations())
	}
}

func TestEscapeAloneRecordsEscPressed(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	// Escape swallowed by the keyboard lock: fullscreen never exits.
	p.push(Event{Type: EventKeyDown, Key: "Escape"})

	// The record is deferred for the escape window, then surfaces.
	time.Sleep(20 * time.Millisecond)
	if len(c.Violations()) != 0 {
		t.Fatal("esc_pressed must be deferred for the escape window")
	}
	if !waitFor(t, time.Second, func() bool { return len(c.Violations()) == 1 }) {
		t.Fatalf("expected esc_pressed, got %v", c.Violations())
	}
	if got := c.Violations()[0].Kind; got != violation.KindEscPressed {
		t.Errorf("expected esc_pressed, got %s", got)
	}
}

func TestVisibilityAndFocusViolations(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	p.push(Event{Type: EventVisibilityChange, Hidden: true})
	p.push(Event{Type: EventBlur})
	p.push(Event{Type: EventContextMenu})

	if !waitFor(t, time.Second, func() bool { return len(c.Violations()) == 3 }) {
		t.Fatalf("expected 3 violations, got %v", c.Violations())
	}
	vs := c.Violations()
	if vs[0].Kind != violation.KindTabSwitch || vs[1].Kind != violation.KindFocusLoss || vs[2].Kind != violation.KindContextMenu {
		t.Errorf("unexpected kinds: %v", vs)
	}
}

func TestFocusPollDetectsSilentFocusLoss(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	// Focus drops without any blur event; only the poll can see it.
	p.mu.Lock()
	p.focused = false
	p.mu.Unlock()

	if !waitFor(t, time.Second, func() bool {
		for _, v := range c.Violations() {
			if v.Kind == violation.KindFocusLoss && v.Details["source"] == "poll" {
				return true
			}
		}
		return false
	}) {
		t.Error("focus poll should record focus_loss")
	}
}

func TestDeactivateIdempotentTeardown(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	c.Deactivate()
	c.Deactivate()
	c.Deactivate()

	if c.State() != StateInactive {
		t.Errorf("expected inactive, got %s", c.State())
	}
	if p.unlocks != 1 {
		t.Errorf("keyboard unlock should run once, got %d", p.unlocks)
	}
	if p.exits != 1 {
		t.Errorf("fullscreen exit should run once, got %d", p.exits)
	}

	// No listeners remain: events after deactivation record nothing.
	p.push(Event{Type: EventVisibilityChange, Hidden: true})
	time.Sleep(30 * time.Millisecond)
	if len(c.Violations()) != 0 {
		t.Error("no violations may be produced after deactivation")
	}
}

func TestTeardownSkipsFullscreenExitWhenHidden(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	// Tab already closing: document hidden.
	p.mu.Lock()
	p.visible = false
	p.mu.Unlock()

	c.Deactivate()
	if p.exits != 0 {
		t.Error("fullscreen exit must be skipped when the document is hidden")
	}
}

func TestDeactivateCancelsPendingReentry(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	p.setFullscreen(false)
	p.push(Event{Type: EventFullscreenChange, Fullscreen: false})
	waitFor(t, time.Second, func() bool { return c.State() == StateReentering })
	requestsBefore := p.requestCount()

	// Deactivate races the pending re-entry timer; the timer must become
	// a no-op.
	c.Deactivate()
	time.Sleep(50 * time.Millisecond)
	if p.requestCount() != requestsBefore {
		t.Error("pending re-entry must be cancelled by deactivation")
	}
}

func TestTerminateIsAbsorbing(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	activate(t, c)
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	c.Terminate()
	if c.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", c.State())
	}
	if err := c.Activate(context.Background()); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated on reactivation, got %v", err)
	}
	c.Deactivate()
	if c.State() != StateTerminated {
		t.Error("terminated is absorbing")
	}
}

func TestSubscribeReceivesViolations(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	sub := c.Subscribe()
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	p.push(Event{Type: EventContextMenu})

	select {
	case v := <-sub:
		if v.Kind != violation.KindContextMenu {
			t.Errorf("expected context_menu, got %s", v.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the violation")
	}
}

func TestKeyCallbackSeesAllKeys(t *testing.T) {
	p := newFakePlatform()
	c := New(p, fullCaps(), testConfig(), nil)
	var mu sync.Mutex
	var seen []string
	c.SetKeyCallback(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Key)
		mu.Unlock()
	})
	activate(t, c)
	defer c.Deactivate()
	p.push(Event{Type: EventFullscreenChange, Fullscreen: true})
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })

	p.push(Event{Type: EventKeyDown, Key: "a"})
	p.push(Event{Type: EventKeyDown, Key: "F12"})

	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}) {
		t.Fatal("key callback should observe every keydown, including harmless keys")
	}
}
