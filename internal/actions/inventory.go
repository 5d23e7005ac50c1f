package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/workspace/botrelay/internal/protocol"
	"github.com/workspace/botrelay/internal/wait"
)

// PickUp picks up the nearest ground item named name. It succeeds when the
// inventory count of that item rises or a new inventory stack appears.
func (a *Actions) PickUp(ctx context.Context, name string) (Result, error) {
	s := a.Latest()
	item, ok := findGroundItem(s, name)
	if !ok {
		return failed("pick up %s: target not found", name), nil
	}

	return a.execute(ctx, plan{
		name: "pick up " + name,
		command: protocol.Command{
			Type:   protocol.CmdPickup,
			Params: map[string]any{"id": item.ID, "x": item.X, "y": item.Y},
		},
		timeout:     a.cfg.LongTimeout,
		autoDismiss: true,
		success: func(base protocol.Snapshot) wait.Predicate {
			count, stacks := base.InventoryCount(name), len(base.Inventory)
			return func(f wait.Frame) bool {
				return f.Snapshot.InventoryCount(name) > count || len(f.Snapshot.Inventory) > stacks
			}
		},
		result: func(base, final protocol.Snapshot) Result {
			gained := final.InventoryCount(name) - base.InventoryCount(name)
			return Result{Item: name, Quantity: gained, Message: fmt.Sprintf("picked up %d %s", gained, name)}
		},
	})
}

// Drop drops the first inventory stack named name. It succeeds when the
// inventory count of that item falls.
func (a *Actions) Drop(ctx context.Context, name string) (Result, error) {
	s := a.Latest()
	item, ok := s.FindInventory(name)
	if !ok {
		return failed("drop %s: target not found", name), nil
	}

	return a.execute(ctx, plan{
		name: "drop " + name,
		command: protocol.Command{
			Type:   protocol.CmdDrop,
			Params: map[string]any{"id": item.ID, "slot": item.Slot},
		},
		timeout: a.cfg.ShortTimeout,
		success: func(base protocol.Snapshot) wait.Predicate {
			count := base.InventoryCount(name)
			return func(f wait.Frame) bool {
				return f.Snapshot.InventoryCount(name) < count
			}
		},
		result: func(base, final protocol.Snapshot) Result {
			dropped := base.InventoryCount(name) - final.InventoryCount(name)
			return Result{Item: name, Quantity: dropped, Message: fmt.Sprintf("dropped %d %s", dropped, name)}
		},
	})
}

// Sell sells up to quantity of name to the open shop. It succeeds when the
// shop's view of the player's count of that item drops, or the item is gone
// from it entirely.
func (a *Actions) Sell(ctx context.Context, name string, quantity int) (Result, error) {
	s := a.Latest()
	if s.Shop == nil {
		return failed("sell %s: no shop open", name), nil
	}
	item, ok := findShopPlayerItem(s.Shop, name)
	if !ok {
		return failed("sell %s: target not found", name), nil
	}

	return a.execute(ctx, plan{
		name: "sell " + name,
		command: protocol.Command{
			Type:   protocol.CmdSell,
			Params: map[string]any{"id": item.ID, "slot": item.Slot, "quantity": quantity},
		},
		timeout: a.cfg.ShortTimeout,
		success: func(base protocol.Snapshot) wait.Predicate {
			before, _ := base.ShopPlayerCount(name)
			return func(f wait.Frame) bool {
				if f.Snapshot.Shop == nil {
					return false
				}
				after, present := f.Snapshot.ShopPlayerCount(name)
				return !present || after < before
			}
		},
		result: func(base, final protocol.Snapshot) Result {
			before, _ := base.ShopPlayerCount(name)
			after, _ := final.ShopPlayerCount(name)
			sold := before - after
			return Result{Item: name, Quantity: sold, Message: fmt.Sprintf("sold %d %s", sold, name)}
		},
	})
}

func findShopPlayerItem(shop *protocol.Shop, name string) (protocol.Item, bool) {
	for _, it := range shop.PlayerItems {
		if it.Count > 0 && strings.EqualFold(it.Name, name) {
			return it, true
		}
	}
	return protocol.Item{}, false
}
