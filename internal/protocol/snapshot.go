package protocol

import "strings"

// Snapshot is a full, tick-stamped description of the agent's world. Ticks
// are non-decreasing within one agent connection; a reconnect may restart
// them.
type Snapshot struct {
	Tick        int64            `json:"tick"`
	Player      Player           `json:"player"`
	Inventory   []Item           `json:"inventory"`
	Skills      map[string]Skill `json:"skills,omitempty"`
	Entities    []Entity         `json:"entities,omitempty"`
	GroundItems []GroundItem     `json:"groundItems,omitempty"`
	Dialog      *Dialog          `json:"dialog,omitempty"`
	Interface   *Interface       `json:"interface,omitempty"`
	Shop        *Shop            `json:"shop,omitempty"`
	Notices     []Notice         `json:"notices,omitempty"`
}

// Player is the controlled character.
type Player struct {
	Name      string `json:"name"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Level     int    `json:"level,omitempty"`
	Hitpoints int    `json:"hitpoints,omitempty"`
	Animating bool   `json:"animating,omitempty"`
}

// Item is a stack in the inventory or a shop.
//
// Count is the stack size. An entry with Count <= 0 is an emptied slot and is
// treated as absent by the query helpers.
type Item struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
	Slot  int    `json:"slot"`
}

// Skill holds a skill's level and experience.
type Skill struct {
	Level int `json:"level"`
	XP    int `json:"xp"`
}

// Entity is something nearby the player can interact with (an NPC or a
// scenery object).
type Entity struct {
	Index   int      `json:"index"`
	ID      int      `json:"id"`
	Name    string   `json:"name"`
	Kind    string   `json:"kind"` // "npc" or "object"
	X       int      `json:"x"`
	Y       int      `json:"y"`
	Options []string `json:"options,omitempty"`
}

// GroundItem is an item lying on the ground.
type GroundItem struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
}

// Dialog is a blocking dialog such as a chat box or a level-up message.
type Dialog struct {
	Kind    string   `json:"kind"`
	Text    string   `json:"text,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Interface is a full-screen interface such as a shop or the bank.
type Interface struct {
	Kind string `json:"kind"`
	ID   int    `json:"id,omitempty"`
}

// Shop describes an open shop. PlayerItems is the player's inventory as the
// shop presents it for selling.
type Shop struct {
	Name        string `json:"name"`
	Items       []Item `json:"items"`
	PlayerItems []Item `json:"playerItems"`
}

// Notice is a timestamped game message ("You can't reach that.").
type Notice struct {
	Tick int64  `json:"tick"`
	Text string `json:"text"`
}

// InventoryCount returns the total count of inventory items matching name
// (case-insensitive).
func (s *Snapshot) InventoryCount(name string) int {
	total := 0
	for _, it := range s.Inventory {
		if it.Count > 0 && strings.EqualFold(it.Name, name) {
			total += it.Count
		}
	}
	return total
}

// FindInventory returns the first inventory item matching name.
func (s *Snapshot) FindInventory(name string) (Item, bool) {
	for _, it := range s.Inventory {
		if it.Count > 0 && strings.EqualFold(it.Name, name) {
			return it, true
		}
	}
	return Item{}, false
}

// ShopPlayerCount returns the count of name in the shop's view of the
// player's inventory. ok is false when no shop is open or the item is absent.
func (s *Snapshot) ShopPlayerCount(name string) (count int, ok bool) {
	if s.Shop == nil {
		return 0, false
	}
	for _, it := range s.Shop.PlayerItems {
		if it.Count > 0 && strings.EqualFold(it.Name, name) {
			count += it.Count
			ok = true
		}
	}
	return count, ok
}

// HasEntity reports whether an entity with the given index is enumerable.
func (s *Snapshot) HasEntity(index int) bool {
	for _, e := range s.Entities {
		if e.Index == index {
			return true
		}
	}
	return false
}

// SkillXP returns the experience for a skill, or 0 if unknown.
func (s *Snapshot) SkillXP(skill string) int {
	if s.Skills == nil {
		return 0
	}
	return s.Skills[strings.ToLower(skill)].XP
}

// DialogOpen reports whether a blocking dialog is showing.
func (s *Snapshot) DialogOpen() bool {
	return s.Dialog != nil
}

// InterfaceOpen reports whether an interface of the given kind is open. An
// empty kind matches any interface.
func (s *Snapshot) InterfaceOpen(kind string) bool {
	if s.Interface == nil {
		return false
	}
	return kind == "" || strings.EqualFold(s.Interface.Kind, kind)
}

// NoticesAfter returns the notices stamped strictly after tick.
func (s *Snapshot) NoticesAfter(tick int64) []Notice {
	var out []Notice
	for _, n := range s.Notices {
		if n.Tick > tick {
			out = append(out, n)
		}
	}
	return out
}

// Distance is the Chebyshev distance from the player to (x, y).
func (s *Snapshot) Distance(x, y int) int {
	return max(abs(s.Player.X-x), abs(s.Player.Y-y))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
