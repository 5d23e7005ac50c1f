package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/workspace/botrelay/internal/actions"
	"github.com/workspace/botrelay/internal/protocol"
)

// ErrNoCommander is returned by Session.Send when the run has no relay
// connection.
var ErrNoCommander = errors.New("supervisor: run has no commander")

// Session is the script's handle on its run: snapshot access, commands and
// composite actions, progress markers and a run-scoped logger.
type Session struct {
	run *Run

	// Actions is nil when the run has no commander.
	Actions *actions.Actions
	// Logger carries the run id and identity.
	Logger *slog.Logger
}

func newSession(r *Run) *Session {
	s := &Session{run: r, Logger: r.logger}
	if r.cfg.Commander != nil {
		s.Actions = actions.New(r.cfg.Commander, r.cfg.Actions)
	}
	return s
}

// RunID returns the id of the run.
func (s *Session) RunID() string {
	return s.run.id
}

// Latest returns the latest snapshot of the controlled agent.
func (s *Session) Latest() (protocol.Snapshot, bool) {
	if s.run.cfg.Commander == nil {
		return protocol.Snapshot{}, false
	}
	return s.run.cfg.Commander.Latest()
}

// Send issues a low-level command and waits for its result.
func (s *Session) Send(ctx context.Context, cmd protocol.Command) (protocol.CommandResult, error) {
	if s.run.cfg.Commander == nil {
		return protocol.CommandResult{}, ErrNoCommander
	}
	return s.run.cfg.Commander.Send(ctx, cmd)
}

// Progress marks the script as alive and resets the stall window.
func (s *Session) Progress() {
	s.run.recordProgress()
}

// Count adds delta to a named tally reported with the run's outcome. Counting
// does not mark progress.
func (s *Session) Count(name string, delta int) {
	s.run.count(name, delta)
}

// Counters returns a copy of the tallies so far.
func (s *Session) Counters() map[string]int {
	s.run.mu.RLock()
	defer s.run.mu.RUnlock()
	return maps.Clone(s.run.counters)
}

// Elapsed is the time since the run started.
func (s *Session) Elapsed() time.Duration {
	s.run.mu.RLock()
	defer s.run.mu.RUnlock()
	return time.Since(s.run.startedAt)
}

// StatusHook logs elapsed time, time since the last progress marker and the
// counters.
func StatusHook(_ context.Context, s *Session) {
	s.Logger.Info("Supervisor: run status",
		"elapsed", s.Elapsed().Round(time.Second),
		"sinceProgress", time.Since(s.run.GetLastProgress()).Round(time.Second),
		"counters", s.Counters(),
	)
}

// SnapshotHook logs a summary of the agent's latest visible state.
func SnapshotHook(_ context.Context, s *Session) {
	snap, ok := s.Latest()
	if !ok {
		s.Logger.Info("Supervisor: no snapshot yet")
		return
	}
	s.Logger.Info("Supervisor: agent state",
		"tick", snap.Tick,
		"x", snap.Player.X,
		"y", snap.Player.Y,
		"hitpoints", snap.Player.Hitpoints,
		"inventory", len(snap.Inventory),
		"dialogOpen", snap.DialogOpen(),
		"interfaceOpen", snap.InterfaceOpen(""),
	)
}

// DefaultHooks are the hooks used by the run entry point.
func DefaultHooks() []Hook {
	return []Hook{StatusHook, SnapshotHook}
}
