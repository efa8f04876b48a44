package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/attempt"
	"proctord/internal/capability"
	"proctord/internal/guard"
	"proctord/internal/lockdown"
	"proctord/internal/marker"
	"proctord/internal/violation"
)

// Outcome values for a finished run.
const (
	OutcomeCompleted  = "completed"
	OutcomeTerminated = "terminated"
	OutcomeRejected   = "rejected"
	OutcomeAbandoned  = "abandoned"
)

// settle is how long the runner lets the engine process each injected
// event before the next step.
const settle = 25 * time.Millisecond

// Report summarizes a scripted run.
type Report struct {
	Identity  string
	AttemptID string

	// Outcome is completed, terminated, rejected, or abandoned.
	Outcome string

	// Reason is the termination reason, if any.
	Reason string

	Violations []violation.Violation
	Results    []guard.QuestionResult

	// Submitted is success, failure, or none.
	Submitted string
}

// Runner executes one script against a fresh engine instance.
type Runner struct {
	script  *Script
	markers *marker.Store

	lockdownCfg lockdown.Config
	guardCfg    guard.Config
	logger      *slog.Logger
}

// NewRunner creates a runner. The marker store carries state across runs,
// so replaying a terminated identity exercises the duplicate-attempt gate.
func NewRunner(script *Script, markers *marker.Store, lcfg lockdown.Config, gcfg guard.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		script:      script,
		markers:     markers,
		lockdownCfg: lcfg,
		guardCfg:    gcfg,
		logger:      logger.With("component", "replay"),
	}
}

// memorySink collects submissions instead of calling a real backend.
type memorySink struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (s *memorySink) SubmitFailure(ctx context.Context, identity string, partial []guard.QuestionResult, reason string, log []violation.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return nil
}

func (s *memorySink) SubmitSuccess(ctx context.Context, identity string, results []guard.QuestionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	return nil
}

func (s *memorySink) outcome() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.failures > 0:
		return "failure"
	case s.successes > 0:
		return "success"
	default:
		return "none"
	}
}

// memoryNav records navigation commands.
type memoryNav struct {
	mu        sync.Mutex
	reasserts int
	redirects []string
}

func (n *memoryNav) ReassertHistory() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasserts++
}

func (n *memoryNav) Redirect(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, target)
}

// Run executes the script and reports the outcome.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	platform := NewPlatform(r.script.Features)
	defer platform.Close()

	var probe capability.Probe
	caps := probe.Detect(r.script.CapabilityFeatures(), r.script.CapabilityMetadata())

	ctl := lockdown.New(platform, caps, r.lockdownCfg, r.logger)
	gate := attempt.NewGate(nil, r.markers, r.logger)
	sink := &memorySink{}
	nav := &memoryNav{}

	g := guard.New(r.script.Identity, ctl, gate, sink, r.markers, nav, nil, r.guardCfg, r.logger)

	report := &Report{
		Identity:  r.script.Identity,
		AttemptID: g.AttemptID(),
		Submitted: "none",
	}

	events := g.Subscribe()
	reasonCh := make(chan string, 1)
	go func() {
		for ev := range events {
			if ev.Type == guard.EventTerminated {
				select {
				case reasonCh <- ev.Reason:
				default:
				}
			}
		}
	}()

	if err := g.Activate(ctx); err != nil {
		if errors.Is(err, attempt.ErrAttemptExists) || errors.Is(err, lockdown.ErrFullscreenUnsupported) {
			report.Outcome = OutcomeRejected
			report.Reason = err.Error()
			return report, nil
		}
		return nil, fmt.Errorf("activate: %w", err)
	}

	completed := false

steps:
	for i, st := range r.script.Steps {
		if g.Terminated() {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		switch {
		case st.WaitMs > 0:
			time.Sleep(time.Duration(st.WaitMs) * time.Millisecond)
			continue steps

		case st.Key != "":
			platform.injectKey(st.Key, st.Ctrl, st.Alt, st.Shift, st.Meta)

		case st.Result != nil:
			g.RecordResult(guard.QuestionResult{
				QuestionID: st.Result.Question,
				Answered:   st.Result.Answered,
				Score:      st.Result.Score,
				RecordedAt: time.Now(),
			})

		case st.Action != "":
			if done, err := r.applyAction(ctx, st.Action, platform, g); err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			} else if done {
				completed = true
				break steps
			}
		}

		time.Sleep(settle)
	}

	// Let in-flight violations and the termination protocol drain.
	time.Sleep(4 * settle)

	report.Violations = ctl.Violations()
	report.Results = g.Results()
	report.Submitted = sink.outcome()

	switch {
	case g.Terminated():
		report.Outcome = OutcomeTerminated
		select {
		case report.Reason = <-reasonCh:
		case <-time.After(time.Second):
		}
	case completed:
		report.Outcome = OutcomeCompleted
	default:
		report.Outcome = OutcomeAbandoned
		g.Deactivate()
	}

	return report, nil
}

// applyAction performs one named action. It reports true when the script
// completed the attempt.
func (r *Runner) applyAction(ctx context.Context, action string, platform *Platform, g *guard.Guard) (bool, error) {
	switch action {
	case ActionEnterFullscreen:
		platform.enterFullscreenUserDriven()
	case ActionExitFullscreen:
		platform.exitFullscreenUserDriven()
	case ActionHide:
		platform.setHidden(true)
	case ActionShow:
		platform.setHidden(false)
	case ActionBlur:
		platform.blur()
	case ActionFocus:
		platform.refocus()
	case ActionContextMenu:
		platform.simple(lockdown.EventContextMenu)
	case ActionPopState:
		platform.simple(lockdown.EventPopState)
	case ActionBeforeUnload:
		platform.simple(lockdown.EventBeforeUnload)
	case ActionStartRecording:
		g.StartRecording()
	case ActionStopRecording:
		g.StopRecording()
	case ActionComplete:
		if err := g.Complete(ctx); err != nil {
			if errors.Is(err, guard.ErrTerminated) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	return false, nil
}
