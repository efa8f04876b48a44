// Package guard implements the zero-tolerance session policy layered on
// top of the lockdown controller during active question answering.
//
// The guard consumes the controller's violation stream, applies the
// critical-kind and cumulative-threshold policy, and owns the one-way
// transition to "assessment failed": local marker first, then the external
// result sink exactly once, then controller teardown and redirect. The
// termination protocol is guarded by a one-shot latch so concurrent
// qualifying violations converge on a single submission.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctord/internal/attempt"
	"proctord/internal/lockdown"
	"proctord/internal/marker"
	"proctord/internal/violation"
)

// QuestionResult is one answered question's partial result, gathered as the
// attempt progresses and forwarded on both the success and failure paths.
type QuestionResult struct {
	QuestionID string    `json:"question_id"`
	Answered   bool      `json:"answered"`
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ResultSink is the external submit-result collaborator. Implementations
// are called at most once per terminal state per attempt.
type ResultSink interface {
	SubmitFailure(ctx context.Context, identity string, partial []QuestionResult, reason string, log []violation.Violation) error
	SubmitSuccess(ctx context.Context, identity string, results []QuestionResult) error
}

// Navigator is the UI-layer collaborator for navigation protection and the
// post-termination redirect.
type Navigator interface {
	// ReassertHistory pushes the guarded screen back on top of the
	// history stack after a back/forward attempt.
	ReassertHistory()

	// Redirect sends the UI to the given entry point.
	Redirect(target string)
}

// Notifier surfaces human-readable violation notices. Optional.
type Notifier interface {
	Notify(summary, body string)
}

// EventType identifies a guard lifecycle event.
type EventType int

const (
	// EventActivated fires when lockdown is engaged and the attempt begins.
	EventActivated EventType = iota
	// EventViolation fires for every recorded violation.
	EventViolation
	// EventTerminated fires once when the attempt is failed.
	EventTerminated
	// EventDeactivated fires on clean teardown.
	EventDeactivated
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventActivated:
		return "activated"
	case EventViolation:
		return "violation"
	case EventTerminated:
		return "terminated"
	case EventDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// Event is a guard lifecycle event.
type Event struct {
	Type      EventType
	Violation *violation.Violation
	Reason    string
	Timestamp time.Time
}

// Config holds the termination policy.
type Config struct {
	// ViolationThreshold terminates when the cumulative count reaches it.
	ViolationThreshold int

	// CriticalKinds terminate on first occurrence, bypassing the count.
	CriticalKinds []violation.Kind

	// ZeroTolerance treats any key press during active recording as a
	// critical violation, on top of the blocked-shortcut set.
	ZeroTolerance bool

	// RedirectTarget is where the UI is sent after termination.
	RedirectTarget string

	// SubmitTimeout bounds the asynchronous result-sink write.
	SubmitTimeout time.Duration
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		ViolationThreshold: 3,
		CriticalKinds:      DefaultCriticalKinds(),
		ZeroTolerance:      true,
		RedirectTarget:     "/",
		SubmitTimeout:      15 * time.Second,
	}
}

// DefaultCriticalKinds is the set of kinds that terminate on first
// occurrence.
func DefaultCriticalKinds() []violation.Kind {
	return []violation.Kind{
		violation.KindFullscreenExit,
		violation.KindDevTools,
		violation.KindScreenshot,
		violation.KindEscPressed,
		violation.KindEscExitTerminate,
		violation.KindKeyboardZeroTol,
	}
}

var (
	// ErrTerminated is returned for operations on a failed attempt.
	ErrTerminated = errors.New("guard: attempt terminated")

	// ErrNotActive is returned when the guard has not been activated.
	ErrNotActive = errors.New("guard: not active")
)

// Guard applies the session policy for one attempt.
type Guard struct {
	mu sync.Mutex

	cfg        Config
	controller *lockdown.Controller
	gate       *attempt.Gate
	sink       ResultSink
	markers    *marker.Store
	nav        Navigator
	notifier   Notifier
	logger     *slog.Logger

	identity  string
	attemptID string

	active     bool
	recording  bool
	terminated bool
	count      int
	results    []QuestionResult

	finishOnce sync.Once
	subs       []chan Event
	loopDone   chan struct{}
	submitDone chan struct{}
}

// New creates a guard for one attempt. nav is required; notifier may be nil.
func New(identity string, controller *lockdown.Controller, gate *attempt.Gate, sink ResultSink, markers *marker.Store, nav Navigator, notifier Notifier, cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		cfg:        cfg,
		controller: controller,
		gate:       gate,
		sink:       sink,
		markers:    markers,
		nav:        nav,
		notifier:   notifier,
		logger:     logger.With("component", "guard", "identity", identity),
		identity:   identity,
		attemptID:  uuid.NewString(),
		submitDone: make(chan struct{}),
	}
}

// AttemptID returns the attempt identifier.
func (g *Guard) AttemptID() string { return g.attemptID }

// Activate checks the duplicate-attempt gate and engages lockdown. A
// capability failure from the controller is returned unchanged so the
// caller can offer a retry; the attempt does not start.
func (g *Guard) Activate(ctx context.Context) error {
	g.mu.Lock()
	if g.terminated {
		g.mu.Unlock()
		return ErrTerminated
	}
	if g.active {
		g.mu.Unlock()
		return lockdown.ErrAlreadyActive
	}
	g.mu.Unlock()

	if g.gate != nil {
		if err := g.gate.Allow(ctx, g.identity); err != nil {
			return err
		}
	}

	g.controller.SetKeyCallback(g.handleKey)

	// Subscribe before activation so the stream starts at the first
	// violation.
	sub := g.controller.Subscribe()

	if err := g.controller.Activate(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	g.active = true
	g.loopDone = make(chan struct{})
	g.mu.Unlock()

	go g.loop(sub)

	g.emit(Event{Type: EventActivated, Timestamp: time.Now()})
	g.logger.Info("attempt started", "attempt_id", g.attemptID)
	return nil
}

// StartRecording marks the beginning of active question/recording time,
// during which the zero-tolerance keyboard policy applies.
func (g *Guard) StartRecording() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recording = true
}

// StopRecording ends active recording time.
func (g *Guard) StopRecording() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recording = false
}

// RecordResult appends a question result to the attempt.
func (g *Guard) RecordResult(r QuestionResult) {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results = append(g.results, r)
}

// Results returns a copy of the gathered results.
func (g *Guard) Results() []QuestionResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]QuestionResult, len(g.results))
	copy(out, g.results)
	return out
}

// ViolationCount returns the running violation count.
func (g *Guard) ViolationCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Terminated reports whether the attempt has been failed.
func (g *Guard) Terminated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminated
}

// SubmissionDone is closed once the termination path's asynchronous
// failure submission has finished, successfully or not. It never closes
// for attempts that complete; Complete submits synchronously.
func (g *Guard) SubmissionDone() <-chan struct{} {
	return g.submitDone
}

// Subscribe returns a channel of lifecycle events recorded after the call.
func (g *Guard) Subscribe() <-chan Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan Event, 32)
	g.subs = append(g.subs, ch)
	return ch
}

// Complete finishes the attempt successfully: submits all results once and
// tears down lockdown. Returns ErrTerminated if policy already fired.
func (g *Guard) Complete(ctx context.Context) error {
	g.mu.Lock()
	if g.terminated {
		g.mu.Unlock()
		return ErrTerminated
	}
	if !g.active {
		g.mu.Unlock()
		return ErrNotActive
	}
	results := make([]QuestionResult, len(g.results))
	copy(results, g.results)
	g.mu.Unlock()

	var submitErr error
	ran := false
	g.finishOnce.Do(func() {
		ran = true
		submitErr = g.sink.SubmitSuccess(ctx, g.identity, results)
	})
	if !ran {
		return ErrTerminated
	}

	g.Deactivate()
	if submitErr != nil {
		return fmt.Errorf("submit results: %w", submitErr)
	}
	return nil
}

// Deactivate tears down cleanly without a submission. Idempotent.
func (g *Guard) Deactivate() {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return
	}
	g.active = false
	g.recording = false
	done := g.loopDone
	g.mu.Unlock()

	g.controller.Deactivate()
	if done != nil {
		<-done
	}

	g.emit(Event{Type: EventDeactivated, Timestamp: time.Now()})
	g.closeSubs()
}

// handleKey is the zero-tolerance layer: during active recording any key
// press at all is a critical violation. Escape is excluded here because its
// esc_pressed classification is already immediately terminal on its own.
func (g *Guard) handleKey(ev lockdown.Event) {
	g.mu.Lock()
	strict := g.recording && g.cfg.ZeroTolerance && !g.terminated
	g.mu.Unlock()
	if !strict || ev.Key == "Escape" {
		return
	}
	g.controller.Record(violation.KindKeyboardZeroTol, map[string]any{"key": ev.Key})
}

// loop drains the controller's violation stream until teardown.
func (g *Guard) loop(sub <-chan violation.Violation) {
	defer close(g.loopDone)
	for v := range sub {
		g.onViolation(v)
	}
}

func (g *Guard) onViolation(v violation.Violation) {
	g.emit(Event{Type: EventViolation, Violation: &v, Timestamp: v.Timestamp})
	if g.notifier != nil {
		g.notifier.Notify("Exam violation", v.String())
	}
	g.logger.Warn("violation", "kind", v.Kind, "details", v.Details)

	// Navigation protection. A popstate is countered by re-asserting the
	// history position; an unload cannot be cancelled reliably, so it
	// begins the termination protocol immediately.
	if v.Kind == violation.KindNavigationAttempt {
		switch v.Details["phase"] {
		case "popstate":
			g.nav.ReassertHistory()
		case "unload":
			g.terminate("navigation_unload")
			return
		}
	}

	g.mu.Lock()
	g.count++
	count := g.count
	g.mu.Unlock()

	if g.isCritical(v.Kind) {
		g.terminate(string(v.Kind))
		return
	}
	if count >= g.cfg.ViolationThreshold {
		g.terminate("violation_threshold")
	}
}

func (g *Guard) isCritical(k violation.Kind) bool {
	for _, c := range g.cfg.CriticalKinds {
		if k == c {
			return true
		}
	}
	return false
}

// terminate runs the termination protocol at most once: local marker first,
// then the failed-result submission, then controller teardown and redirect.
// The result-sink write is asynchronous and its failure never blocks local
// teardown; local enforcement wins over backend availability.
func (g *Guard) terminate(reason string) {
	g.finishOnce.Do(func() {
		g.mu.Lock()
		g.terminated = true
		g.recording = false
		g.active = false
		partial := make([]QuestionResult, len(g.results))
		copy(partial, g.results)
		g.mu.Unlock()

		log := g.controller.Violations()

		// Local non-reversible marker, written synchronously before any
		// remote acknowledgement.
		if g.markers != nil {
			err := g.markers.Write(marker.Marker{
				Identity:  g.identity,
				AttemptID: g.attemptID,
				Reason:    reason,
			})
			if err != nil && !errors.Is(err, marker.ErrMarkerExists) {
				g.logger.Error("marker write failed", "error", err)
			}
			if err := g.markers.AppendViolations(g.identity, log); err != nil {
				g.logger.Error("violation log persist failed", "error", err)
			}
		}

		go func() {
			defer close(g.submitDone)
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.SubmitTimeout)
			defer cancel()
			if err := g.sink.SubmitFailure(ctx, g.identity, partial, reason, log); err != nil {
				g.logger.Error("failure submission failed, local termination stands", "error", err)
			}
		}()

		g.controller.Terminate()

		if g.notifier != nil {
			g.notifier.Notify("Exam terminated", reason)
		}
		g.emit(Event{Type: EventTerminated, Reason: reason, Timestamp: time.Now()})
		g.logger.Warn("attempt terminated", "reason", reason, "violations", len(log))

		g.nav.Redirect(g.cfg.RedirectTarget)
		g.closeSubs()
	})
}

// emit fans out a lifecycle event without blocking on slow consumers.
func (g *Guard) emit(ev Event) {
	g.mu.Lock()
	subs := g.subs
	g.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (g *Guard) closeSubs() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}
