package wait

import (
	"log/slog"
	"sync"

	"github.com/workspace/botrelay/internal/protocol"
)

// AsyncSender sends a command without waiting for its result.
type AsyncSender interface {
	SendAsync(cmd protocol.Command) (string, error)
}

// DialogDismisser is an Effect that clears blocking dialogs (level-up
// messages, chat boxes) that would otherwise stall an action.
//
// A dialog must have been open for OpenForTicks, as seen by this dismisser,
// before it is dismissed, and dismissals are at least MinIntervalTicks apart.
// Dismissals are best effort: send errors are logged and otherwise ignored.
type DialogDismisser struct {
	sender           AsyncSender
	minIntervalTicks int64
	openForTicks     int64
	logger           *slog.Logger

	mu          sync.Mutex
	open        bool
	openSince   int64
	dismissed   bool
	lastDismiss int64
	count       int
}

// NewDialogDismisser returns a dismisser that sends through sender.
func NewDialogDismisser(sender AsyncSender, minIntervalTicks, openForTicks int64, logger *slog.Logger) *DialogDismisser {
	if logger == nil {
		logger = slog.Default()
	}
	return &DialogDismisser{
		sender:           sender,
		minIntervalTicks: minIntervalTicks,
		openForTicks:     openForTicks,
		logger:           logger,
	}
}

// Effect returns the dismisser as a wait side effect.
func (d *DialogDismisser) Effect() Effect {
	return d.observe
}

// Dismissals returns how many dismiss commands have been sent.
func (d *DialogDismisser) Dismissals() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *DialogDismisser) observe(f Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tick := f.Snapshot.Tick
	if (d.open && tick < d.openSince) || (d.dismissed && tick < d.lastDismiss) {
		// The agent reconnected and its tick counter restarted.
		d.open = false
		d.dismissed = false
	}
	if !f.Snapshot.DialogOpen() {
		d.open = false
		return
	}
	if !d.open {
		d.open = true
		d.openSince = tick
	}
	if tick-d.openSince < d.openForTicks {
		return
	}
	if d.dismissed && tick-d.lastDismiss < d.minIntervalTicks {
		return
	}

	d.dismissed = true
	d.lastDismiss = tick
	d.count++
	if _, err := d.sender.SendAsync(protocol.Command{Type: protocol.CmdDismissDialog}); err != nil {
		d.logger.Debug("Wait: dialog dismiss failed", "tick", tick, "error", err)
		return
	}
	d.logger.Debug("Wait: dismissed dialog", "tick", tick, "kind", f.Snapshot.Dialog.Kind)
}
