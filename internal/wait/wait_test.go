package wait

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/workspace/botrelay/internal/logging"
	"github.com/workspace/botrelay/internal/protocol"
)

type fakeSource struct {
	mu         sync.Mutex
	latest     protocol.Snapshot
	hasLatest  bool
	subs       []chan protocol.Snapshot
	subscribed chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{subscribed: make(chan struct{}, 8)}
}

func (f *fakeSource) Latest() (protocol.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.hasLatest
}

func (f *fakeSource) Subscribe() (<-chan protocol.Snapshot, func()) {
	ch := make(chan protocol.Snapshot, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	f.subscribed <- struct{}{}
	return ch, func() {}
}

func (f *fakeSource) setLatest(s protocol.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = s
	f.hasLatest = true
}

func (f *fakeSource) push(s protocol.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = s
	f.hasLatest = true
	for _, ch := range f.subs {
		ch <- s
	}
}

func (f *fakeSource) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}

// feed waits for the subscription and then pushes snaps in order.
func (f *fakeSource) feed(t *testing.T, snaps ...protocol.Snapshot) {
	t.Helper()
	go func() {
		select {
		case <-f.subscribed:
		case <-time.After(2 * time.Second):
			return
		}
		for _, s := range snaps {
			f.push(s)
		}
	}()
}

type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.Command
}

func (r *recordingSender) SendAsync(cmd protocol.Command) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, cmd)
	return "dismiss", nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func withDialog(tick int64) protocol.Snapshot {
	return protocol.Snapshot{Tick: tick, Dialog: &protocol.Dialog{Kind: "level_up", Text: "Congratulations"}}
}

func TestFor_FirstSatisfyingSnapshotWins(t *testing.T) {
	src := newFakeSource()
	src.feed(t,
		protocol.Snapshot{Tick: 1},
		protocol.Snapshot{Tick: 2, Inventory: []protocol.Item{{ID: 995, Name: "Coins", Count: 10}}},
		protocol.Snapshot{Tick: 3, Inventory: []protocol.Item{{ID: 995, Name: "Coins", Count: 20}}},
	)

	got, err := For(context.Background(), src, 2*time.Second, func(f Frame) bool {
		return f.Snapshot.InventoryCount("coins") > 0
	})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if got.Tick != 2 {
		t.Fatalf("resolved at tick %d, want 2", got.Tick)
	}
}

func TestFor_Timeout(t *testing.T) {
	src := newFakeSource()
	src.setLatest(protocol.Snapshot{Tick: 9})

	got, err := For(context.Background(), src, 30*time.Millisecond, func(Frame) bool { return false })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if got.Tick != 9 {
		t.Fatalf("last snapshot tick = %d, want 9", got.Tick)
	}
}

func TestFor_ReturnsContextCause(t *testing.T) {
	src := newFakeSource()
	stalled := errors.New("run stalled")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		<-src.subscribed
		cancel(stalled)
	}()

	_, err := For(ctx, src, 2*time.Second, func(Frame) bool { return false })
	if !errors.Is(err, stalled) {
		t.Fatalf("err = %v, want cause %v", err, stalled)
	}
}

func TestFor_AlreadyCancelled(t *testing.T) {
	src := newFakeSource()
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("timed out")
	cancel(cause)

	_, err := For(ctx, src, time.Second, func(Frame) bool { return true }, IncludeCurrent())
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want %v", err, cause)
	}
}

func TestFor_IncludeCurrent(t *testing.T) {
	src := newFakeSource()
	src.setLatest(protocol.Snapshot{Tick: 4, Shop: &protocol.Shop{Name: "General Store"}})

	got, err := For(context.Background(), src, time.Second, func(f Frame) bool {
		return f.Snapshot.Shop != nil
	}, IncludeCurrent())
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if got.Tick != 4 {
		t.Fatalf("tick = %d, want 4", got.Tick)
	}
}

func TestFor_CurrentSnapshotIgnoredByDefault(t *testing.T) {
	src := newFakeSource()
	src.setLatest(protocol.Snapshot{Tick: 4, Shop: &protocol.Shop{Name: "General Store"}})
	src.feed(t, protocol.Snapshot{Tick: 5}, protocol.Snapshot{Tick: 6, Shop: &protocol.Shop{Name: "General Store"}})

	got, err := For(context.Background(), src, 2*time.Second, func(f Frame) bool {
		return f.Snapshot.Shop != nil
	})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if got.Tick != 6 {
		t.Fatalf("tick = %d, want 6", got.Tick)
	}
}

func TestFor_StaleNoticesAreIgnored(t *testing.T) {
	src := newFakeSource()
	stale := protocol.Notice{Tick: 5, Text: "You can't reach that."}
	src.setLatest(protocol.Snapshot{Tick: 5, Notices: []protocol.Notice{stale}})
	src.feed(t,
		protocol.Snapshot{Tick: 6, Notices: []protocol.Notice{stale}},
		protocol.Snapshot{Tick: 7, Notices: []protocol.Notice{stale, {Tick: 7, Text: "You can't reach that."}}},
	)

	got, err := For(context.Background(), src, 2*time.Second, func(f Frame) bool {
		return f.NoticeContains("can't reach")
	})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if got.Tick != 7 {
		t.Fatalf("matched stale notice at tick %d, want 7", got.Tick)
	}
}

func TestFor_StartTickOverride(t *testing.T) {
	src := newFakeSource()
	src.setLatest(protocol.Snapshot{Tick: 8, Notices: []protocol.Notice{{Tick: 8, Text: "Your inventory is full."}}})

	_, err := For(context.Background(), src, time.Second, func(f Frame) bool {
		return f.NoticeContains("inventory is full")
	}, IncludeCurrent(), StartTick(7))
	if err != nil {
		t.Fatalf("For: %v", err)
	}
}

func TestFor_SourceClosed(t *testing.T) {
	src := newFakeSource()
	go func() {
		<-src.subscribed
		src.closeAll()
	}()

	_, err := For(context.Background(), src, 2*time.Second, func(Frame) bool { return false })
	if !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("err = %v, want ErrSourceClosed", err)
	}
}

func TestFor_SuccessCheckedBeforeEffects(t *testing.T) {
	src := newFakeSource()
	sender := &recordingSender{}
	d := NewDialogDismisser(sender, 1, 0, logging.Discard())
	src.setLatest(withDialog(3))

	_, err := For(context.Background(), src, time.Second, func(f Frame) bool {
		return f.Snapshot.DialogOpen()
	}, IncludeCurrent(), WithEffects(d.Effect()))
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("dismissals = %d, want 0", sender.count())
	}
}

func TestFor_EffectsRunOnUnsatisfiedFrames(t *testing.T) {
	src := newFakeSource()
	sender := &recordingSender{}
	d := NewDialogDismisser(sender, 1, 0, logging.Discard())
	src.feed(t, withDialog(1), protocol.Snapshot{Tick: 2, Skills: map[string]protocol.Skill{"woodcutting": {Level: 2, XP: 100}}})

	_, err := For(context.Background(), src, 2*time.Second, func(f Frame) bool {
		return f.Snapshot.SkillXP("woodcutting") > 0
	}, WithEffects(d.Effect()))
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("dismissals = %d, want 1", sender.count())
	}
	if sender.sent[0].Type != protocol.CmdDismissDialog {
		t.Fatalf("sent %q, want %q", sender.sent[0].Type, protocol.CmdDismissDialog)
	}
}

func TestDialogDismisser_RateLimited(t *testing.T) {
	sender := &recordingSender{}
	d := NewDialogDismisser(sender, 3, 0, logging.Discard())
	effect := d.Effect()

	var dismissedAt []int64
	for tick := int64(1); tick <= 10; tick++ {
		before := d.Dismissals()
		effect(Frame{Snapshot: withDialog(tick)})
		if d.Dismissals() > before {
			dismissedAt = append(dismissedAt, tick)
		}
	}

	want := []int64{1, 4, 7, 10}
	if len(dismissedAt) != len(want) {
		t.Fatalf("dismissed at %v, want %v", dismissedAt, want)
	}
	for i := range want {
		if dismissedAt[i] != want[i] {
			t.Fatalf("dismissed at %v, want %v", dismissedAt, want)
		}
	}
}

func TestDialogDismisser_TickRestartResetsPacing(t *testing.T) {
	sender := &recordingSender{}
	d := NewDialogDismisser(sender, 3, 2, logging.Discard())
	effect := d.Effect()

	for tick := int64(100); tick <= 103; tick++ {
		effect(Frame{Snapshot: withDialog(tick)})
	}
	if sender.count() != 1 {
		t.Fatalf("dismissals before restart = %d, want 1", sender.count())
	}

	// Ticks start over after an agent reconnect.
	for tick := int64(1); tick <= 3; tick++ {
		effect(Frame{Snapshot: withDialog(tick)})
	}
	if sender.count() != 2 {
		t.Fatalf("dismissals after restart = %d, want 2", sender.count())
	}
}

func TestDialogDismisser_WaitsForDialogToSettle(t *testing.T) {
	sender := &recordingSender{}
	d := NewDialogDismisser(sender, 1, 2, logging.Discard())
	effect := d.Effect()

	effect(Frame{Snapshot: withDialog(10)})
	effect(Frame{Snapshot: withDialog(11)})
	if sender.count() != 0 {
		t.Fatalf("dismissed a dialog open for fewer than 2 ticks")
	}
	effect(Frame{Snapshot: withDialog(12)})
	if sender.count() != 1 {
		t.Fatalf("dismissals = %d, want 1", sender.count())
	}

	// A closed dialog resets the open-since baseline.
	effect(Frame{Snapshot: protocol.Snapshot{Tick: 13}})
	effect(Frame{Snapshot: withDialog(14)})
	if sender.count() != 1 {
		t.Fatalf("dismissed a freshly reopened dialog")
	}
}

func TestTicks(t *testing.T) {
	src := newFakeSource()
	src.setLatest(protocol.Snapshot{Tick: 100})
	src.feed(t, protocol.Snapshot{Tick: 101}, protocol.Snapshot{Tick: 102}, protocol.Snapshot{Tick: 103})

	got, err := Ticks(context.Background(), src, 2, 2*time.Second)
	if err != nil {
		t.Fatalf("Ticks: %v", err)
	}
	if got.Tick != 102 {
		t.Fatalf("tick = %d, want 102", got.Tick)
	}
}
