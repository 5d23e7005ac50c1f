package actions

import (
	"context"
	"fmt"

	"github.com/workspace/botrelay/internal/protocol"
	"github.com/workspace/botrelay/internal/wait"
)

// Attack attacks the nearest NPC named name and waits until it is no longer
// enumerable.
func (a *Actions) Attack(ctx context.Context, name string) (Result, error) {
	target, ok := findEntity(a.Latest(), name, "npc")
	if !ok {
		return failed("attack %s: target not found", name), nil
	}

	return a.execute(ctx, plan{
		name: "attack " + name,
		command: protocol.Command{
			Type:   protocol.CmdAttack,
			Params: map[string]any{"index": target.Index},
		},
		timeout:      a.cfg.LongTimeout,
		dismissFirst: true,
		autoDismiss:  true,
		success: func(protocol.Snapshot) wait.Predicate {
			return func(f wait.Frame) bool {
				return !f.Snapshot.HasEntity(target.Index)
			}
		},
		result: func(protocol.Snapshot, protocol.Snapshot) Result {
			return Result{Message: fmt.Sprintf("%s is gone", name)}
		},
	})
}

// Gather interacts with the nearest object named name using option (e.g.
// "Chop down") and waits until the skill's experience rises.
func (a *Actions) Gather(ctx context.Context, name, option, skill string) (Result, error) {
	target, ok := findEntity(a.Latest(), name, "object")
	if !ok || !hasOption(target, option) {
		return failed("%s %s: target not found", option, name), nil
	}

	return a.execute(ctx, plan{
		name: option + " " + name,
		command: protocol.Command{
			Type:   protocol.CmdInteract,
			Params: map[string]any{"index": target.Index, "option": option},
		},
		timeout:      a.cfg.LongTimeout,
		dismissFirst: true,
		autoDismiss:  true,
		success: func(base protocol.Snapshot) wait.Predicate {
			xp := base.SkillXP(skill)
			return func(f wait.Frame) bool {
				return f.Snapshot.SkillXP(skill) > xp
			}
		},
		result: func(base, final protocol.Snapshot) Result {
			gained := final.SkillXP(skill) - base.SkillXP(skill)
			return Result{XPGained: gained, Message: fmt.Sprintf("gained %d %s xp", gained, skill)}
		},
	})
}

// Open interacts with the nearest entity named name using option and waits
// until an interface of kind opens.
func (a *Actions) Open(ctx context.Context, name, option, kind string) (Result, error) {
	return a.open(ctx, name, option, func(s *protocol.Snapshot) bool {
		return s.InterfaceOpen(kind)
	})
}

// OpenShop trades with the shopkeeper named name and waits for the shop.
func (a *Actions) OpenShop(ctx context.Context, name string) (Result, error) {
	return a.open(ctx, name, "Trade", func(s *protocol.Snapshot) bool {
		return s.Shop != nil
	})
}

// OpenBank opens the bank through the banker or booth named name.
func (a *Actions) OpenBank(ctx context.Context, name string) (Result, error) {
	return a.open(ctx, name, "Bank", func(s *protocol.Snapshot) bool {
		return s.InterfaceOpen("bank")
	})
}

func (a *Actions) open(ctx context.Context, name, option string, isOpen func(*protocol.Snapshot) bool) (Result, error) {
	target, ok := findEntity(a.Latest(), name, "")
	if !ok || !hasOption(target, option) {
		return failed("%s %s: target not found", option, name), nil
	}

	return a.execute(ctx, plan{
		name: option + " " + name,
		command: protocol.Command{
			Type:   protocol.CmdInteract,
			Params: map[string]any{"index": target.Index, "option": option},
		},
		timeout:      a.cfg.LongTimeout,
		dismissFirst: true,
		success: func(protocol.Snapshot) wait.Predicate {
			return func(f wait.Frame) bool {
				return isOpen(&f.Snapshot)
			}
		},
		result: func(protocol.Snapshot, protocol.Snapshot) Result {
			return Result{Message: fmt.Sprintf("opened %s", name)}
		},
	})
}

// TalkTo talks to the nearest NPC named name and waits for a dialog to open.
func (a *Actions) TalkTo(ctx context.Context, name string) (Result, error) {
	target, ok := findEntity(a.Latest(), name, "npc")
	if !ok {
		return failed("talk to %s: target not found", name), nil
	}

	return a.execute(ctx, plan{
		name: "talk to " + name,
		command: protocol.Command{
			Type:   protocol.CmdTalk,
			Params: map[string]any{"index": target.Index},
		},
		timeout:      a.cfg.LongTimeout,
		dismissFirst: true,
		success: func(protocol.Snapshot) wait.Predicate {
			return func(f wait.Frame) bool {
				return f.Snapshot.DialogOpen()
			}
		},
		result: func(_, final protocol.Snapshot) Result {
			return Result{Message: final.Dialog.Text}
		},
	})
}

// WalkTo walks to (x, y) and waits until the player is within the configured
// tolerance of it.
func (a *Actions) WalkTo(ctx context.Context, x, y int) (Result, error) {
	s := a.Latest()
	if s.Distance(x, y) <= a.cfg.WalkTolerance {
		return Result{Success: true, Message: "already there", Snapshot: s}, nil
	}

	return a.execute(ctx, plan{
		name: fmt.Sprintf("walk to (%d, %d)", x, y),
		command: protocol.Command{
			Type:   protocol.CmdWalk,
			Params: map[string]any{"x": x, "y": y},
		},
		timeout:     a.cfg.LongTimeout,
		autoDismiss: true,
		success: func(protocol.Snapshot) wait.Predicate {
			return func(f wait.Frame) bool {
				return f.Snapshot.Distance(x, y) <= a.cfg.WalkTolerance
			}
		},
		result: func(_, final protocol.Snapshot) Result {
			return Result{Message: fmt.Sprintf("arrived at (%d, %d)", final.Player.X, final.Player.Y)}
		},
	})
}

// DismissDialog closes the open dialog, if any.
func (a *Actions) DismissDialog(ctx context.Context) (Result, error) {
	s := a.Latest()
	if !s.DialogOpen() {
		return Result{Success: true, Message: "no dialog open", Snapshot: s}, nil
	}

	return a.execute(ctx, plan{
		name:    "dismiss dialog",
		command: protocol.Command{Type: protocol.CmdDismissDialog},
		timeout: a.cfg.ShortTimeout,
		success: func(protocol.Snapshot) wait.Predicate {
			return func(f wait.Frame) bool {
				return !f.Snapshot.DialogOpen()
			}
		},
		result: func(protocol.Snapshot, protocol.Snapshot) Result {
			return Result{Message: "dialog dismissed"}
		},
	})
}
