package protocol

import "testing"

func TestSnapshotQueries(t *testing.T) {
	t.Parallel()

	s := Snapshot{
		Tick:   10,
		Player: Player{X: 100, Y: 200},
		Inventory: []Item{
			{ID: 1, Name: "Logs", Count: 1, Slot: 0},
			{ID: 1, Name: "Logs", Count: 1, Slot: 1},
			{ID: 2, Name: "Coins", Count: 250, Slot: 2},
		},
		Skills:   map[string]Skill{"woodcutting": {Level: 5, XP: 400}},
		Entities: []Entity{{Index: 7, Name: "Tree", Kind: "object", X: 102, Y: 199}},
		Shop: &Shop{
			Name:        "General Store",
			PlayerItems: []Item{{ID: 1, Name: "Logs", Count: 2}},
		},
		Notices: []Notice{{Tick: 9, Text: "old"}, {Tick: 10, Text: "same"}, {Tick: 11, Text: "new"}},
	}

	if got := s.InventoryCount("logs"); got != 2 {
		t.Fatalf("InventoryCount(logs) = %d, want 2", got)
	}
	if got := s.InventoryCount("Coins"); got != 250 {
		t.Fatalf("InventoryCount(Coins) = %d, want 250", got)
	}
	if _, ok := s.FindInventory("Axe"); ok {
		t.Fatal("FindInventory(Axe) should be false")
	}
	if n, ok := s.ShopPlayerCount("Logs"); !ok || n != 2 {
		t.Fatalf("ShopPlayerCount(Logs) = %d, %v", n, ok)
	}
	if _, ok := s.ShopPlayerCount("Coins"); ok {
		t.Fatal("ShopPlayerCount(Coins) should be absent")
	}
	if !s.HasEntity(7) || s.HasEntity(8) {
		t.Fatal("HasEntity mismatch")
	}
	if got := s.SkillXP("Woodcutting"); got != 400 {
		t.Fatalf("SkillXP = %d, want 400", got)
	}
	if got := s.Distance(102, 199); got != 2 {
		t.Fatalf("Distance = %d, want 2", got)
	}

	fresh := s.NoticesAfter(10)
	if len(fresh) != 1 || fresh[0].Text != "new" {
		t.Fatalf("NoticesAfter(10) = %+v, want only the tick 11 notice", fresh)
	}
}

func TestSnapshotEmptiedStacksAreAbsent(t *testing.T) {
	t.Parallel()

	s := Snapshot{
		Inventory: []Item{{ID: 1, Name: "Logs", Count: 0, Slot: 3}},
		Shop:      &Shop{PlayerItems: []Item{{ID: 526, Name: "Bones", Count: 0}}},
	}
	if got := s.InventoryCount("Logs"); got != 0 {
		t.Fatalf("InventoryCount(Logs) = %d, want 0", got)
	}
	if _, ok := s.FindInventory("Logs"); ok {
		t.Fatal("emptied inventory slot should not be found")
	}
	if n, ok := s.ShopPlayerCount("Bones"); ok || n != 0 {
		t.Fatalf("ShopPlayerCount(Bones) = %d, %v, want absent", n, ok)
	}
}

func TestSnapshotUIState(t *testing.T) {
	t.Parallel()

	var s Snapshot
	if s.DialogOpen() || s.InterfaceOpen("") {
		t.Fatal("empty snapshot should have nothing open")
	}
	s.Dialog = &Dialog{Kind: "level_up"}
	s.Interface = &Interface{Kind: "bank"}
	if !s.DialogOpen() {
		t.Fatal("DialogOpen should be true")
	}
	if !s.InterfaceOpen("BANK") || !s.InterfaceOpen("") || s.InterfaceOpen("shop") {
		t.Fatal("InterfaceOpen mismatch")
	}
}
