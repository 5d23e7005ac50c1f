// Package router multiplexes observers onto controlled agent sessions.
//
// The Router owns both registries and is the only writer of a controlled
// session's snapshot and in-flight command. All registry mutations run under
// a single lock, so the order in which the router accepts snapshots for an
// identity is the order every observer of that identity is sent them.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/workspace/botrelay/internal/protocol"
	"github.com/workspace/botrelay/internal/transport"
)

var (
	// ErrUnknownIdentity is returned when no controlled session exists for
	// the identity.
	ErrUnknownIdentity = errors.New("router: unknown identity")
	// ErrNotConnected is returned when the controlled session exists but has
	// no live connection.
	ErrNotConnected = errors.New("router: agent not connected")
	// ErrUnknownObserver is returned for an observer id that is not registered.
	ErrUnknownObserver = errors.New("router: unknown observer")
	// ErrShutdown is returned once the router has been shut down.
	ErrShutdown = errors.New("router: shut down")
	// ErrSuperseded is returned for messages read from a connection that a
	// reconnect has replaced.
	ErrSuperseded = errors.New("router: connection superseded")
)

// Conn is a live duplex connection as seen by the router.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// ControlledSession is the router's record of one agent identity. It outlives
// disconnects so the last snapshot can be replayed to new observers.
type ControlledSession struct {
	Identity string

	conn        Conn
	snapshot    *protocol.Snapshot
	inFlight    string
	lastTick    int64
	tickSeen    bool
	connectedAt time.Time
	lastStateAt time.Time
}

// ObserverSession is a connection watching one identity.
type ObserverSession struct {
	ID       string
	Identity string

	conn       Conn
	attachedAt time.Time
}

// Config configures a Router.
type Config struct {
	Logger *slog.Logger
	// NewID mints correlation ids. Defaults to random UUIDs.
	NewID func() string
}

// Router holds the controlled and observer registries.
type Router struct {
	mu         sync.Mutex
	controlled map[string]*ControlledSession
	observers  map[string]*ObserverSession
	closed     bool

	correlator *Correlator
	logger     *slog.Logger
}

// New creates an empty Router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		controlled: make(map[string]*ControlledSession),
		observers:  make(map[string]*ObserverSession),
		correlator: NewCorrelator(cfg.NewID),
		logger:     logger,
	}
}

// ConnectControlled registers conn as the live connection for identity. If a
// session already exists its previous connection is closed and replaced; the
// cached snapshot and in-flight command are kept. Observers of identity are
// told the agent is connected.
func (r *Router) ConnectControlled(identity string, conn Conn) error {
	if identity == "" {
		return fmt.Errorf("router: identity is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	session, ok := r.controlled[identity]
	if !ok {
		session = &ControlledSession{Identity: identity}
		r.controlled[identity] = session
	}
	previous := session.conn
	session.conn = conn
	session.tickSeen = false
	session.lastTick = 0
	session.connectedAt = time.Now()

	dead := r.broadcastLocked(identity, protocol.AgentConnected{Identity: identity})
	r.mu.Unlock()

	if previous != nil && previous != conn {
		r.logger.Warn("Router: agent reconnected, closing previous connection", "identity", identity)
		_ = previous.Close()
	} else {
		r.logger.Info("Router: agent connected", "identity", identity, "resumed", ok)
	}
	closeAll(dead)
	return nil
}

// DisconnectControlled marks identity's connection dead. It is a no-op when
// conn is no longer the session's live connection (it was superseded by a
// reconnect). The session and its snapshot are kept.
func (r *Router) DisconnectControlled(identity string, conn Conn) bool {
	r.mu.Lock()
	session, ok := r.controlled[identity]
	if !ok || session.conn == nil || session.conn != conn {
		r.mu.Unlock()
		if ok {
			r.logger.Info("Router: superseded agent connection closed", "identity", identity)
		}
		return false
	}
	session.conn = nil
	dead := r.broadcastLocked(identity, protocol.AgentDisconnected{Identity: identity, Reason: "connection closed"})
	r.mu.Unlock()

	r.logger.Info("Router: agent disconnected", "identity", identity)
	closeAll(dead)
	return true
}

// ConnectObserver registers conn as an observer of identity and returns its
// session id. If a snapshot is cached for identity it is sent immediately,
// followed by the agent's connectivity when the identity is known.
func (r *Router) ConnectObserver(identity string, conn Conn) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("router: identity is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrShutdown
	}
	observer := &ObserverSession{
		ID:         "observer-" + uuid.NewString(),
		Identity:   identity,
		conn:       conn,
		attachedAt: time.Now(),
	}
	r.observers[observer.ID] = observer

	var sendErr error
	if session, ok := r.controlled[identity]; ok {
		if session.snapshot != nil {
			sendErr = r.sendLocked(observer, protocol.StateUpdate{Identity: identity, Snapshot: *session.snapshot})
		}
		if sendErr == nil {
			if session.conn != nil {
				sendErr = r.sendLocked(observer, protocol.AgentConnected{Identity: identity})
			} else {
				sendErr = r.sendLocked(observer, protocol.AgentDisconnected{Identity: identity, Reason: "not connected"})
			}
		}
	}
	if errors.Is(sendErr, transport.ErrClosed) {
		delete(r.observers, observer.ID)
	}
	total := r.observerCountLocked(identity)
	r.mu.Unlock()

	if errors.Is(sendErr, transport.ErrClosed) {
		r.logger.Warn("Router: observer gone during attach", "identity", identity, "observerID", observer.ID)
		_ = conn.Close()
		return observer.ID, nil
	}
	r.logger.Info("Router: observer attached", "identity", identity, "observerID", observer.ID, "totalObservers", total)
	return observer.ID, nil
}

// DisconnectObserver removes an observer registration.
func (r *Router) DisconnectObserver(id string) bool {
	r.mu.Lock()
	observer, ok := r.observers[id]
	if ok {
		delete(r.observers, id)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("Router: observer detached", "identity", observer.Identity, "observerID", id)
	}
	return ok
}

// ForwardState stores snapshot as identity's latest state and fans it out to
// every observer of identity. Delivery is best effort: a failed send to one
// observer is logged and does not affect the others or the agent.
//
// A snapshot whose tick is lower than the last one accepted on the current
// connection is dropped. conn is the connection the snapshot was read from;
// snapshots from a superseded connection are rejected with ErrSuperseded.
func (r *Router) ForwardState(identity string, conn Conn, snapshot protocol.Snapshot) error {
	r.mu.Lock()
	session, ok := r.controlled[identity]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	if session.conn != conn {
		r.mu.Unlock()
		r.logger.Debug("Router: dropping snapshot from superseded connection", "identity", identity, "tick", snapshot.Tick)
		return fmt.Errorf("%w: %s", ErrSuperseded, identity)
	}
	if session.tickSeen && snapshot.Tick < session.lastTick {
		last := session.lastTick
		r.mu.Unlock()
		r.logger.Debug("Router: dropping stale snapshot", "identity", identity, "tick", snapshot.Tick, "lastTick", last)
		return nil
	}
	session.snapshot = &snapshot
	session.lastTick = snapshot.Tick
	session.tickSeen = true
	session.lastStateAt = time.Now()

	dead := r.broadcastLocked(identity, protocol.StateUpdate{Identity: identity, Snapshot: snapshot})
	r.mu.Unlock()

	closeAll(dead)
	return nil
}

// ForwardCommand assigns cmd a correlation id if it has none, records it as
// identity's in-flight command and sends it to the agent. It fails without
// sending when the agent is unknown or disconnected.
//
// A new command replaces any previous in-flight id: the agent's action stream
// is serialized, so at most one command is tracked per session.
func (r *Router) ForwardCommand(identity string, cmd protocol.Command) (protocol.Command, error) {
	r.mu.Lock()
	session, ok := r.controlled[identity]
	if !ok {
		r.mu.Unlock()
		return cmd, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	if session.conn == nil {
		r.mu.Unlock()
		return cmd, fmt.Errorf("%w: %s", ErrNotConnected, identity)
	}

	id := r.correlator.Assign(&cmd)
	if session.inFlight != "" && session.inFlight != id {
		r.logger.Debug("Router: replacing in-flight command", "identity", identity, "previous", session.inFlight, "commandID", id)
	}

	data, err := protocol.Encode(cmd)
	if err != nil {
		r.mu.Unlock()
		return cmd, err
	}
	if err := session.conn.Send(data); err != nil {
		conn := session.conn
		var dead []Conn
		if errors.Is(err, transport.ErrClosed) {
			session.conn = nil
			dead = r.broadcastLocked(identity, protocol.AgentDisconnected{Identity: identity, Reason: "send failed"})
			dead = append(dead, conn)
		}
		r.mu.Unlock()
		r.logger.Warn("Router: command send failed", "identity", identity, "commandID", id, "error", err)
		closeAll(dead)
		return cmd, fmt.Errorf("send command %s: %w", id, err)
	}
	session.inFlight = id
	r.mu.Unlock()

	r.logger.Debug("Router: command forwarded", "identity", identity, "commandID", id, "type", cmd.Type)
	return cmd, nil
}

// ForwardResult attributes result to a command and broadcasts it to every
// observer of identity, not only the one that issued the command. A result
// for the in-flight command clears it. Results read from a superseded
// connection are rejected with ErrSuperseded.
func (r *Router) ForwardResult(identity string, conn Conn, result protocol.CommandResult) (protocol.CommandResult, error) {
	r.mu.Lock()
	session, ok := r.controlled[identity]
	if !ok {
		r.mu.Unlock()
		return result, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	if session.conn != conn {
		r.mu.Unlock()
		r.logger.Debug("Router: dropping result from superseded connection", "identity", identity, "commandID", result.ID)
		return result, fmt.Errorf("%w: %s", ErrSuperseded, identity)
	}
	id, clears := r.correlator.Attribute(result, session.inFlight)
	if id == "" {
		r.logger.Warn("Router: result with no command to attribute", "identity", identity)
	}
	result.ID = id
	if clears {
		session.inFlight = ""
	}
	dead := r.broadcastLocked(identity, result)
	r.mu.Unlock()

	r.logger.Debug("Router: result broadcast", "identity", identity, "commandID", id, "success", result.Success)
	closeAll(dead)
	return result, nil
}

// NotifyObserver sends msg to a single observer.
func (r *Router) NotifyObserver(id string, msg protocol.ObserverBound) error {
	r.mu.Lock()
	observer, ok := r.observers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownObserver, id)
	}
	err := r.sendLocked(observer, msg)
	r.mu.Unlock()
	return err
}

// Snapshot returns the cached snapshot for identity.
func (r *Router) Snapshot(identity string) (protocol.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.controlled[identity]
	if !ok || session.snapshot == nil {
		return protocol.Snapshot{}, false
	}
	return *session.snapshot, true
}

// Shutdown closes every connection and clears both registries.
func (r *Router) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var conns []Conn
	for _, session := range r.controlled {
		if session.conn != nil {
			conns = append(conns, session.conn)
		}
	}
	for _, observer := range r.observers {
		conns = append(conns, observer.conn)
	}
	r.controlled = make(map[string]*ControlledSession)
	r.observers = make(map[string]*ObserverSession)
	r.mu.Unlock()

	r.logger.Info("Router: shut down", "connections", len(conns))
	closeAll(conns)
}

// broadcastLocked sends msg to every observer of identity. Observers whose
// connection is gone are deregistered and returned so the caller can close
// them after releasing the lock. Must hold r.mu.
func (r *Router) broadcastLocked(identity string, msg protocol.ObserverBound) []Conn {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("Router: encode failed", "type", msg.MessageType(), "error", err)
		return nil
	}

	var dead []Conn
	for id, observer := range r.observers {
		if observer.Identity != identity {
			continue
		}
		if err := observer.conn.Send(data); err != nil {
			r.logger.Warn("Router: observer send failed", "identity", identity, "observerID", id, "type", msg.MessageType(), "error", err)
			if errors.Is(err, transport.ErrClosed) {
				delete(r.observers, id)
				dead = append(dead, observer.conn)
			}
		}
	}
	return dead
}

// sendLocked sends msg to one observer. Must hold r.mu.
func (r *Router) sendLocked(observer *ObserverSession, msg protocol.ObserverBound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := observer.conn.Send(data); err != nil {
		r.logger.Warn("Router: observer send failed", "identity", observer.Identity, "observerID", observer.ID, "type", msg.MessageType(), "error", err)
		return err
	}
	return nil
}

func (r *Router) observerCountLocked(identity string) int {
	n := 0
	for _, o := range r.observers {
		if o.Identity == identity {
			n++
		}
	}
	return n
}

func closeAll(conns []Conn) {
	for _, c := range conns {
		_ = c.Close()
	}
}

// ControlledStatus is the diagnostic view of one controlled session.
type ControlledStatus struct {
	Identity        string    `json:"identity"`
	Connected       bool      `json:"connected"`
	HasSnapshot     bool      `json:"hasSnapshot"`
	LastTick        int64     `json:"lastTick"`
	InFlightCommand string    `json:"inFlightCommand,omitempty"`
	Observers       int       `json:"observers"`
	ConnectedAt     time.Time `json:"connectedAt,omitempty"`
	LastStateAt     time.Time `json:"lastStateAt,omitempty"`
}

// ObserverStatus is the diagnostic view of one observer.
type ObserverStatus struct {
	ID         string    `json:"id"`
	Identity   string    `json:"identity"`
	AttachedAt time.Time `json:"attachedAt"`
}

// Status is a read-only view of both registries.
type Status struct {
	Controlled []ControlledStatus `json:"controlled"`
	Observers  []ObserverStatus   `json:"observers"`
}

// Status returns a snapshot of the registries sorted by identity and id.
func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Controlled: make([]ControlledStatus, 0, len(r.controlled)),
		Observers:  make([]ObserverStatus, 0, len(r.observers)),
	}
	for identity, session := range r.controlled {
		cs := ControlledStatus{
			Identity:        identity,
			Connected:       session.conn != nil,
			HasSnapshot:     session.snapshot != nil,
			InFlightCommand: session.inFlight,
			Observers:       r.observerCountLocked(identity),
			ConnectedAt:     session.connectedAt,
			LastStateAt:     session.lastStateAt,
		}
		if session.snapshot != nil {
			cs.LastTick = session.snapshot.Tick
		}
		st.Controlled = append(st.Controlled, cs)
	}
	for _, o := range r.observers {
		st.Observers = append(st.Observers, ObserverStatus{ID: o.ID, Identity: o.Identity, AttachedAt: o.attachedAt})
	}
	sort.Slice(st.Controlled, func(i, j int) bool { return st.Controlled[i].Identity < st.Controlled[j].Identity })
	sort.Slice(st.Observers, func(i, j int) bool { return st.Observers[i].ID < st.Observers[j].ID })
	return st
}
