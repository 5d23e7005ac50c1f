// Package actions implements composite, domain-level operations on top of the
// relay client. Each action sends one low-level command and then waits for the
// least ambiguous observable effect of that command: a count going up, a target
// disappearing, an experience value rising or an interface opening.
//
// Domain failures (target missing, command refused or lost, timeout) come
// back as a Result with Success=false. An error is returned only when the action could
// not run at all: the run was aborted or the client closed.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/workspace/botrelay/internal/client"
	"github.com/workspace/botrelay/internal/protocol"
	"github.com/workspace/botrelay/internal/wait"
)

// Commander is the connection actions drive. client.Client implements it.
type Commander interface {
	wait.Source
	wait.AsyncSender
	Send(ctx context.Context, cmd protocol.Command) (protocol.CommandResult, error)
}

// DefaultFailureNotices are notice fragments that end a wait early as a
// failure when they appear after the command was sent.
var DefaultFailureNotices = []string{
	"you can't",
	"inventory is full",
	"i can't reach",
}

// Config tunes action timeouts and dialog handling.
type Config struct {
	// ShortTimeout bounds simple interactions such as opening a dialog.
	ShortTimeout time.Duration
	// LongTimeout bounds actions involving movement or animation.
	LongTimeout time.Duration

	// DialogMinIntervalTicks spaces automatic dialog dismissals.
	DialogMinIntervalTicks int64
	// DialogOpenForTicks is how long a dialog stays open before it is
	// dismissed automatically.
	DialogOpenForTicks int64

	// WalkTolerance is the distance at which WalkTo counts as arrived.
	WalkTolerance int

	FailureNotices []string
	Logger         *slog.Logger
}

// DefaultConfig returns the timeouts used when none are configured.
func DefaultConfig() Config {
	return Config{
		ShortTimeout:           5 * time.Second,
		LongTimeout:            30 * time.Second,
		DialogMinIntervalTicks: 3,
		DialogOpenForTicks:     2,
		WalkTolerance:          1,
	}
}

// Result is the outcome of a composite action.
type Result struct {
	Success bool
	Message string
	// Item is the item the action produced or consumed, if any.
	Item string
	// Quantity is the observed count delta (picked up, dropped, sold).
	Quantity int
	// XPGained is the observed experience delta.
	XPGained int
	// Snapshot is the state that decided the outcome.
	Snapshot protocol.Snapshot
}

func failed(format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...)}
}

// errNoAck ends the wait for a command acknowledgment.
var errNoAck = errors.New("no acknowledgment")

// undelivered reports whether err means the command never produced a result
// for reasons outside the script's control.
func undelivered(err error) bool {
	return errors.Is(err, client.ErrRejected) ||
		errors.Is(err, client.ErrAgentDisconnected) ||
		errors.Is(err, client.ErrConnectionLost)
}

// Actions runs composite actions for one controlled identity.
type Actions struct {
	cmd    Commander
	cfg    Config
	logger *slog.Logger
}

// New returns Actions that drive cmd. Zero fields in cfg take DefaultConfig
// values.
func New(cmd Commander, cfg Config) *Actions {
	def := DefaultConfig()
	if cfg.ShortTimeout <= 0 {
		cfg.ShortTimeout = def.ShortTimeout
	}
	if cfg.LongTimeout <= 0 {
		cfg.LongTimeout = def.LongTimeout
	}
	if cfg.DialogMinIntervalTicks <= 0 {
		cfg.DialogMinIntervalTicks = def.DialogMinIntervalTicks
	}
	if cfg.DialogOpenForTicks <= 0 {
		cfg.DialogOpenForTicks = def.DialogOpenForTicks
	}
	if cfg.WalkTolerance <= 0 {
		cfg.WalkTolerance = def.WalkTolerance
	}
	if cfg.FailureNotices == nil {
		cfg.FailureNotices = DefaultFailureNotices
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{cmd: cmd, cfg: cfg, logger: logger}
}

// Latest returns the latest snapshot, or the zero snapshot if none arrived
// yet.
func (a *Actions) Latest() protocol.Snapshot {
	s, _ := a.cmd.Latest()
	return s
}

// plan describes one composite action after its target has been resolved.
type plan struct {
	name    string
	command protocol.Command
	timeout time.Duration
	// dismissFirst clears a dialog that is already open before sending.
	dismissFirst bool
	// autoDismiss clears dialogs that open while waiting.
	autoDismiss bool
	// success builds the success predicate from the pre-command baseline.
	success func(base protocol.Snapshot) wait.Predicate
	// result describes a successful outcome.
	result func(base, final protocol.Snapshot) Result
}

// execute runs the composite action template: optional dialog cleanup,
// baseline capture, command, acknowledgment check, then the success wait.
func (a *Actions) execute(ctx context.Context, p plan) (Result, error) {
	if p.dismissFirst {
		if s, ok := a.cmd.Latest(); ok && s.DialogOpen() {
			if _, err := a.DismissDialog(ctx); err != nil {
				return Result{}, err
			}
		}
	}

	base, _ := a.cmd.Latest()
	startTick := base.Tick
	success := p.success(base)

	ackCtx, cancel := context.WithTimeoutCause(ctx, p.timeout, errNoAck)
	ack, err := a.cmd.Send(ackCtx, p.command)
	cancel()
	if err != nil {
		switch {
		case undelivered(err):
			return failed("%s: %v", p.name, err), nil
		case errors.Is(err, errNoAck) && ctx.Err() == nil:
			a.logger.Debug("Actions: command not acknowledged", "action", p.name, "timeout", p.timeout)
			return failed("%s: no acknowledgment within %s", p.name, p.timeout), nil
		}
		return Result{}, fmt.Errorf("%s: %w", p.name, err)
	}
	if !ack.Success {
		a.logger.Debug("Actions: command refused", "action", p.name, "message", ack.Message)
		return failed("%s: %s", p.name, ack.Message), nil
	}

	var failure string
	pred := func(f wait.Frame) bool {
		if success(f) {
			return true
		}
		for _, n := range a.cfg.FailureNotices {
			if f.NoticeContains(n) {
				failure = n
				return true
			}
		}
		return false
	}

	opts := []wait.Option{wait.IncludeCurrent(), wait.StartTick(startTick)}
	if p.autoDismiss {
		d := wait.NewDialogDismisser(a.cmd, a.cfg.DialogMinIntervalTicks, a.cfg.DialogOpenForTicks, a.logger)
		opts = append(opts, wait.WithEffects(d.Effect()))
	}

	final, err := wait.For(ctx, a.cmd, p.timeout, pred, opts...)
	switch {
	case errors.Is(err, wait.ErrTimeout):
		r := failed("%s: timed out after %s", p.name, p.timeout)
		r.Snapshot = final
		return r, nil
	case err != nil:
		return Result{}, fmt.Errorf("%s: %w", p.name, err)
	case failure != "":
		r := failed("%s: %s", p.name, noticeText(final, startTick, failure))
		r.Snapshot = final
		return r, nil
	}

	r := p.result(base, final)
	r.Success = true
	r.Snapshot = final
	a.logger.Debug("Actions: completed", "action", p.name, "tick", final.Tick, "message", r.Message)
	return r, nil
}

// noticeText returns the full text of the fresh notice matching fragment.
func noticeText(s protocol.Snapshot, startTick int64, fragment string) string {
	for _, n := range s.NoticesAfter(startTick) {
		if strings.Contains(strings.ToLower(n.Text), fragment) {
			return n.Text
		}
	}
	return fragment
}

// findEntity returns the nearest entity whose name matches name
// (case-insensitive). An empty kind matches NPCs and objects.
func findEntity(s protocol.Snapshot, name, kind string) (protocol.Entity, bool) {
	var best protocol.Entity
	found := false
	for _, e := range s.Entities {
		if !strings.EqualFold(e.Name, name) {
			continue
		}
		if kind != "" && !strings.EqualFold(e.Kind, kind) {
			continue
		}
		if !found || s.Distance(e.X, e.Y) < s.Distance(best.X, best.Y) {
			best = e
			found = true
		}
	}
	return best, found
}

// findGroundItem returns the nearest ground item matching name.
func findGroundItem(s protocol.Snapshot, name string) (protocol.GroundItem, bool) {
	var best protocol.GroundItem
	found := false
	for _, g := range s.GroundItems {
		if !strings.EqualFold(g.Name, name) {
			continue
		}
		if !found || s.Distance(g.X, g.Y) < s.Distance(best.X, best.Y) {
			best = g
			found = true
		}
	}
	return best, found
}

func hasOption(e protocol.Entity, option string) bool {
	if len(e.Options) == 0 {
		return true
	}
	for _, o := range e.Options {
		if strings.EqualFold(o, option) {
			return true
		}
	}
	return false
}
