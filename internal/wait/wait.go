// Package wait suspends a caller until the live snapshot stream satisfies a
// predicate.
//
// Every arriving snapshot is evaluated in a fixed order: the success predicate
// first, then any side effects attached to the wait. A side effect therefore
// never consumes the state transition that proves success. Notices are
// filtered by the tick at which the wait began so that notices already
// buffered in earlier snapshots cannot decide the outcome.
package wait

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/workspace/botrelay/internal/protocol"
)

var (
	// ErrTimeout is returned when no snapshot satisfied the predicate in time.
	ErrTimeout = errors.New("wait: timed out")
	// ErrSourceClosed is returned when the snapshot stream ends mid-wait.
	ErrSourceClosed = errors.New("wait: snapshot source closed")
)

// Source supplies snapshots. client.Client implements it.
type Source interface {
	// Latest returns the most recent snapshot, if any.
	Latest() (protocol.Snapshot, bool)
	// Subscribe delivers every snapshot that arrives after the call. The
	// returned function ends the subscription.
	Subscribe() (<-chan protocol.Snapshot, func())
}

// Frame is what predicates and effects see for one snapshot.
type Frame struct {
	Snapshot protocol.Snapshot
	// StartTick is the tick of the latest snapshot when the wait began.
	StartTick int64
	// Fresh holds the snapshot's notices stamped after StartTick.
	Fresh []protocol.Notice
}

// NoticeContains reports whether any fresh notice contains substr,
// case-insensitively.
func (f Frame) NoticeContains(substr string) bool {
	needle := strings.ToLower(substr)
	for _, n := range f.Fresh {
		if strings.Contains(strings.ToLower(n.Text), needle) {
			return true
		}
	}
	return false
}

// Elapsed is the number of ticks since the wait began.
func (f Frame) Elapsed() int64 {
	return f.Snapshot.Tick - f.StartTick
}

// Predicate decides whether a frame satisfies the wait.
type Predicate func(Frame) bool

// Effect is a side effect evaluated only on frames that did not satisfy the
// predicate.
type Effect func(Frame)

type options struct {
	includeCurrent bool
	startTick      *int64
	effects        []Effect
}

// Option configures a wait.
type Option func(*options)

// IncludeCurrent evaluates the latest cached snapshot before waiting for new
// ones.
func IncludeCurrent() Option {
	return func(o *options) { o.includeCurrent = true }
}

// StartTick overrides the staleness baseline. Composite actions capture it
// before sending their command so notices caused by the command count as
// fresh.
func StartTick(tick int64) Option {
	return func(o *options) { o.startTick = &tick }
}

// WithEffects attaches side effects, run in order after the predicate fails.
func WithEffects(effects ...Effect) Option {
	return func(o *options) { o.effects = append(o.effects, effects...) }
}

// For blocks until pred holds for an arriving snapshot and returns that
// snapshot. The first satisfying snapshot wins.
//
// On timeout it returns the last snapshot seen and an error wrapping
// ErrTimeout. When ctx ends it returns context.Cause(ctx), so run-level abort
// reasons propagate unchanged.
func For(ctx context.Context, src Source, timeout time.Duration, pred Predicate, opts ...Option) (protocol.Snapshot, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Subscribe before reading the baseline so no snapshot falls in between.
	updates, cancel := src.Subscribe()
	defer cancel()

	last, hasLast := src.Latest()
	startTick := int64(-1)
	if hasLast {
		startTick = last.Tick
	}
	if o.startTick != nil {
		startTick = *o.startTick
	}

	evaluate := func(s protocol.Snapshot) bool {
		f := Frame{Snapshot: s, StartTick: startTick, Fresh: s.NoticesAfter(startTick)}
		if pred(f) {
			return true
		}
		for _, effect := range o.effects {
			effect(f)
		}
		return false
	}

	if err := context.Cause(ctx); err != nil {
		return last, err
	}
	if o.includeCurrent && hasLast && evaluate(last) {
		return last, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case s, ok := <-updates:
			if !ok {
				return last, ErrSourceClosed
			}
			last = s
			if evaluate(s) {
				return s, nil
			}
		case <-timer.C:
			return last, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ctx.Done():
			return last, context.Cause(ctx)
		}
	}
}

// Ticks waits until n ticks have passed since the call.
func Ticks(ctx context.Context, src Source, n int64, timeout time.Duration) (protocol.Snapshot, error) {
	return For(ctx, src, timeout, func(f Frame) bool {
		return f.Elapsed() >= n
	})
}
