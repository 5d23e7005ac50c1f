// Package supervisor runs bot scripts under an absolute time limit and a stall
// watchdog.
//
// A run starts in StatePending and ends in exactly one of StateCompleted,
// StateFailed, StateTimedOut or StateStalled. The stall window is reset only
// by Session.Progress. When the watchdog fires it cancels the script's context
// with ErrStalled or ErrTimedOut as the cause; waits and actions return that
// cause, so the script unwinds instead of being killed. Cleanup runs exactly
// once on every exit path.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/workspace/botrelay/internal/actions"
	"github.com/workspace/botrelay/internal/logging"
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateStalled   State = "stalled"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateStalled:
		return true
	}
	return false
}

var (
	// ErrStalled is the abort cause when no progress was marked within the
	// stall window.
	ErrStalled = errors.New("run stalled: no progress within stall window")
	// ErrTimedOut is the abort cause when the run exceeded its time limit.
	ErrTimedOut = errors.New("run exceeded its time limit")
	// ErrAlreadyStarted is reported when Execute is called more than once.
	ErrAlreadyStarted = errors.New("run already started")
)

// Script is the body of a run.
type Script func(ctx context.Context, s *Session) error

// Hook is an observability callback fired every HookInterval while the run is
// active. Hooks never count as progress.
type Hook func(ctx context.Context, s *Session)

// Recorder persists terminal run reports.
type Recorder interface {
	RecordRun(ctx context.Context, r Report) error
}

// Config configures a run.
type Config struct {
	Goal     string
	Identity string

	TimeLimit    time.Duration
	StallTimeout time.Duration
	PollInterval time.Duration
	HookInterval time.Duration

	// Commander is the relay connection the script drives. When nil the
	// session has no actions and no snapshots.
	Commander actions.Commander
	Actions   actions.Config

	Hooks []Hook
	// Cleanup releases the controlled session's resources, typically by
	// closing the client. It runs exactly once.
	Cleanup  func() error
	Recorder Recorder
	Logger   *slog.Logger
}

// Report is the terminal record of a run.
type Report struct {
	RunID     string
	Goal      string
	Identity  string
	Outcome   State
	Summary   string
	Error     string
	StartedAt time.Time
	Duration  time.Duration
	// Progress is the number of progress markers the script emitted.
	Progress int
	// Counters holds script-defined tallies, preserved on every outcome.
	Counters map[string]int
}

// Run is a single supervised script execution.
type Run struct {
	id     string
	cfg    Config
	logger *slog.Logger

	mu           sync.RWMutex
	state        State
	startedAt    time.Time
	deadline     time.Time
	lastProgress time.Time
	progress     int
	counters     map[string]int

	cleanupOnce sync.Once
}

// New creates a pending run.
func New(cfg Config) *Run {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Actions.Logger == nil {
		cfg.Actions.Logger = cfg.Logger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Run{
		id:       id,
		cfg:      cfg,
		logger:   logging.ForRun(logger, id, cfg.Identity),
		state:    StatePending,
		counters: make(map[string]int),
	}
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// GetLastProgress returns when progress was last marked.
func (r *Run) GetLastProgress() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastProgress
}

// GetDeadline returns the absolute deadline of a running run.
func (r *Run) GetDeadline() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deadline
}

// recordProgress resets the stall window.
func (r *Run) recordProgress() {
	now := time.Now()
	r.mu.Lock()
	r.lastProgress = now
	r.progress++
	r.mu.Unlock()
}

func (r *Run) count(name string, delta int) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// check returns the abort cause due at now, if any. The time limit wins over
// a stall when both are due.
func (r *Run) check(now time.Time) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cfg.TimeLimit > 0 && now.After(r.deadline) {
		return ErrTimedOut
	}
	if r.cfg.StallTimeout > 0 && now.After(r.lastProgress.Add(r.cfg.StallTimeout)) {
		return ErrStalled
	}
	return nil
}

// Execute runs script to a terminal state and returns its report. The
// returned report is also handed to the configured Recorder.
func (r *Run) Execute(ctx context.Context, script Script) Report {
	r.mu.Lock()
	if r.state != StatePending {
		r.mu.Unlock()
		return Report{RunID: r.id, Goal: r.cfg.Goal, Identity: r.cfg.Identity, Outcome: StateFailed, Error: ErrAlreadyStarted.Error()}
	}
	now := time.Now()
	r.state = StateRunning
	r.startedAt = now
	r.lastProgress = now
	r.deadline = now.Add(r.cfg.TimeLimit)
	r.mu.Unlock()

	defer r.cleanup()

	r.logger.Info("Supervisor: run started",
		"goal", r.cfg.Goal,
		"timeLimit", r.cfg.TimeLimit,
		"stallTimeout", r.cfg.StallTimeout,
	)

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	sess := newSession(r)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.watch(runCtx, abort)
	}()
	if r.cfg.HookInterval > 0 && len(r.cfg.Hooks) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runHooks(runCtx, sess)
		}()
	}

	err := r.invoke(runCtx, script, sess)
	cause := context.Cause(runCtx)
	outcome := classify(err, cause)

	abort(errFinished)
	wg.Wait()
	r.cleanup()

	r.mu.Lock()
	r.state = outcome
	rep := Report{
		RunID:     r.id,
		Goal:      r.cfg.Goal,
		Identity:  r.cfg.Identity,
		Outcome:   outcome,
		StartedAt: r.startedAt,
		Duration:  time.Since(r.startedAt),
		Progress:  r.progress,
		Counters:  maps.Clone(r.counters),
	}
	r.mu.Unlock()

	switch {
	case err != nil && outcome != StateCompleted:
		rep.Error = err.Error()
	case err == nil && cause != nil && outcome != StateCompleted:
		rep.Error = cause.Error()
	}
	rep.Summary = summarize(rep)

	if outcome == StateCompleted {
		r.logger.Info("Supervisor: run finished", "outcome", outcome, "duration", rep.Duration, "summary", rep.Summary)
	} else {
		r.logger.Warn("Supervisor: run finished", "outcome", outcome, "duration", rep.Duration, "summary", rep.Summary, "error", rep.Error)
	}

	if r.cfg.Recorder != nil {
		if err := r.cfg.Recorder.RecordRun(context.WithoutCancel(ctx), rep); err != nil {
			r.logger.Error("Supervisor: failed to record run", "error", err)
		}
	}
	return rep
}

// errFinished stops the watchdog and hooks once the script has returned.
var errFinished = errors.New("run finished")

// classify maps the script's return value and the run context's cause to a
// terminal state. A watchdog abort decides the outcome whatever the script
// returned.
func classify(err, cause error) State {
	switch {
	case errors.Is(cause, ErrTimedOut):
		return StateTimedOut
	case errors.Is(cause, ErrStalled):
		return StateStalled
	case errors.Is(err, ErrTimedOut):
		return StateTimedOut
	case errors.Is(err, ErrStalled):
		return StateStalled
	case err == nil:
		return StateCompleted
	default:
		return StateFailed
	}
}

// invoke runs script, turning a panic into an error.
func (r *Run) invoke(ctx context.Context, script Script, sess *Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Supervisor: script panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("script panicked: %v", p)
		}
	}()
	return script(ctx, sess)
}

// watch polls the deadline and the stall window until the run ends.
func (r *Run) watch(ctx context.Context, abort context.CancelCauseFunc) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if cause := r.check(now); cause != nil {
				r.logger.Warn("Supervisor: aborting run",
					"cause", cause,
					"lastProgress", r.GetLastProgress().Format(time.RFC3339),
				)
				abort(cause)
				return
			}
		}
	}
}

func (r *Run) runHooks(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(r.cfg.HookInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, hook := range r.cfg.Hooks {
				r.fireHook(ctx, hook, sess)
			}
		}
	}
}

func (r *Run) fireHook(ctx context.Context, hook Hook, sess *Session) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Supervisor: hook panicked", "panic", p)
		}
	}()
	hook(ctx, sess)
}

func (r *Run) cleanup() {
	r.cleanupOnce.Do(func() {
		if r.cfg.Cleanup == nil {
			return
		}
		if err := r.cfg.Cleanup(); err != nil {
			r.logger.Warn("Supervisor: cleanup failed", "error", err)
		}
	})
}

func summarize(rep Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s after %s", rep.Goal, rep.Outcome, rep.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, ", %d progress marks", rep.Progress)
	if len(rep.Counters) > 0 {
		parts := make([]string, 0, len(rep.Counters))
		for _, k := range slices.Sorted(maps.Keys(rep.Counters)) {
			parts = append(parts, fmt.Sprintf("%s=%d", k, rep.Counters[k]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	return b.String()
}

// Execute is shorthand for New(cfg).Execute(ctx, script).
func Execute(ctx context.Context, cfg Config, script Script) Report {
	return New(cfg).Execute(ctx, script)
}
