// Package client is the observer-side connection to the relay used by bot
// scripts. It keeps the latest snapshot for an identity, fans snapshots out to
// subscribers and correlates command results with the commands that caused
// them. With Reconnect set, a dropped relay connection is re-dialed and the
// identity re-announced; the relay then replays the cached snapshot.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/workspace/botrelay/internal/protocol"
	"github.com/workspace/botrelay/internal/retry"
	"github.com/workspace/botrelay/internal/transport"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client: closed")
	// ErrRejected is returned when the relay refused to forward a command.
	ErrRejected = errors.New("client: command rejected by relay")
	// ErrAgentDisconnected is returned for a command still awaiting its
	// result when the relay reports the agent gone.
	ErrAgentDisconnected = errors.New("client: agent disconnected")
	// ErrConnectionLost is returned for a command issued or awaiting its
	// result while the relay connection is down.
	ErrConnectionLost = errors.New("client: relay connection lost")
)

const subscriberBuffer = 16

// Config configures a Client.
type Config struct {
	// URL is the relay base URL, e.g. ws://127.0.0.1:8090.
	URL      string
	Identity string
	Token    string

	Dialer *websocket.Dialer
	// Retry paces the first dial and every reconnect.
	Retry retry.Config
	// Reconnect re-dials the relay when the connection drops instead of
	// closing the client.
	Reconnect  bool
	SendBuffer int
	Logger     *slog.Logger
}

type reply struct {
	result protocol.CommandResult
	err    error
}

// Client is a connected observer of one identity.
type Client struct {
	cfg      Config
	url      string
	identity string
	logger   *slog.Logger

	// ctx bounds reconnect attempts and ends when the client is closed.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu             sync.Mutex
	conn           *transport.WSConn
	closing        bool
	reconnects     int
	latest         protocol.Snapshot
	hasLatest      bool
	agentConnected bool
	subs           map[int]chan protocol.Snapshot
	nextSub        int
	pending        map[string]chan reply
	err            error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay's observer endpoint, retrying with backoff until
// the relay accepts the connection, then announces cfg.Identity.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("client: identity is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = cfg.Logger
	}

	c := &Client{
		cfg:      cfg,
		url:      strings.TrimRight(cfg.URL, "/") + "/observer/ws",
		identity: cfg.Identity,
		logger:   cfg.Logger,
		subs:     make(map[int]chan protocol.Snapshot),
		pending:  make(map[string]chan reply),
		done:     make(chan struct{}),
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	go c.readLoop(conn)

	c.logger.Info("Client: connected to relay", "identity", c.identity, "url", c.url)
	return c, nil
}

// connect dials the observer endpoint with backoff and sends the hello.
// Handshake refusals (4xx) are not retried.
func (c *Client) connect(ctx context.Context) (*transport.WSConn, error) {
	var ws *websocket.Conn
	err := retry.Do(ctx, c.cfg.Retry, "dial relay", func(ctx context.Context) error {
		conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Permanent(fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err))
			}
			return fmt.Errorf("dial %s: %w", c.url, err)
		}
		ws = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	conn := transport.NewWSConn("client-"+uuid.NewString(), ws, c.cfg.SendBuffer, c.logger)
	data, err := protocol.Encode(protocol.Hello{Identity: c.identity, Token: c.cfg.Token})
	if err == nil {
		err = conn.Send(data)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return conn, nil
}

// Identity returns the identity this client observes.
func (c *Client) Identity() string {
	return c.identity
}

// Latest returns the most recent snapshot received.
func (c *Client) Latest() (protocol.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.hasLatest
}

// AgentConnected reports whether the relay last announced the agent as
// connected.
func (c *Client) AgentConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentConnected
}

// Reconnects returns how many times the relay connection was re-established.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Subscribe returns a channel that receives every snapshot from now on and a
// function that ends the subscription. A slow subscriber loses its oldest
// queued snapshots, never the newest. The channel is closed when the client
// closes; subscriptions survive reconnects.
func (c *Client) Subscribe() (<-chan protocol.Snapshot, func()) {
	ch := make(chan protocol.Snapshot, subscriberBuffer)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
}

// Send issues cmd and waits for its result. A command without an id is given
// one. The returned error is non-nil when the relay rejected the command, the
// agent or the relay connection went away before the result, the client
// closed or ctx ended; a result with Success=false is not an error.
func (c *Client) Send(ctx context.Context, cmd protocol.Command) (protocol.CommandResult, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return protocol.CommandResult{}, ErrClosed
	}
	c.pending[cmd.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
	}()

	if err := c.send(cmd); err != nil {
		return protocol.CommandResult{}, fmt.Errorf("send %s: %w", cmd.Type, err)
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		return protocol.CommandResult{}, context.Cause(ctx)
	case <-c.done:
		return protocol.CommandResult{}, ErrClosed
	}
}

// SendAsync issues cmd without waiting for its result and returns its id.
func (c *Client) SendAsync(cmd protocol.Command) (string, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if err := c.send(cmd); err != nil {
		return cmd.ID, fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return cmd.ID, nil
}

// Done is closed when the client stops for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client stopped, or nil while it is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close disconnects from the relay and stops any reconnect in progress.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel(ErrClosed)
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.shutdown(ErrClosed)
	return err
}

func (c *Client) send(m protocol.ObserverMessage) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, stopped := c.conn, c.err != nil
	c.mu.Unlock()
	switch {
	case stopped:
		return ErrClosed
	case conn == nil:
		return ErrConnectionLost
	}

	if err := conn.Send(data); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrConnectionLost
		}
		return err
	}
	return nil
}

// readLoop receives from conn until it fails, then either reconnects and
// carries on with the new connection or shuts the client down.
func (c *Client) readLoop(conn *transport.WSConn) {
	for {
		err := c.receive(conn)
		_ = conn.Close()

		if cause := c.stopCause(err); cause != nil {
			c.shutdown(cause)
			return
		}

		c.logger.Warn("Client: relay connection lost, reconnecting", "identity", c.identity, "error", err)
		c.connectionLost()

		next, err := c.connect(c.ctx)
		if err != nil {
			c.logger.Error("Client: reconnect failed", "identity", c.identity, "error", err)
			c.shutdown(fmt.Errorf("%w: reconnect failed: %v", ErrClosed, err))
			return
		}
		if !c.resume(next) {
			_ = next.Close()
			c.shutdown(ErrClosed)
			return
		}
		conn = next
		c.logger.Info("Client: reconnected to relay", "identity", c.identity)
	}
}

// receive dispatches messages from conn and returns the read error that ended
// the connection.
func (c *Client) receive(conn *transport.WSConn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Client: relay connection lost", "identity", c.identity, "error", err)
			}
			return err
		}

		msg, err := protocol.DecodeObserverBound(data)
		if err != nil {
			c.logger.Warn("Client: dropping malformed message", "identity", c.identity, "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

// stopCause returns why the client must stop after a read error, or nil when
// it should reconnect.
func (c *Client) stopCause(readErr error) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()

	var closeErr *websocket.CloseError
	switch {
	case closing:
		return ErrClosed
	case errors.As(readErr, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation:
		return fmt.Errorf("%w: relay refused connection: %s", ErrClosed, closeErr.Text)
	case !c.cfg.Reconnect:
		return ErrClosed
	}
	return nil
}

// connectionLost detaches the dead connection and fails every command still
// awaiting a result.
func (c *Client) connectionLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.agentConnected = false
	c.failPendingLocked(ErrConnectionLost)
}

// resume installs conn as the live connection unless the client was closed
// while reconnecting.
func (c *Client) resume(conn *transport.WSConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.conn = conn
	c.reconnects++
	return true
}

func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- reply{result: protocol.CommandResult{ID: id}, err: err}
		delete(c.pending, id)
	}
}

func (c *Client) dispatch(msg protocol.ObserverBound) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := msg.(type) {
	case protocol.StateUpdate:
		c.latest = m.Snapshot
		c.hasLatest = true
		for _, ch := range c.subs {
			offerLatest(ch, m.Snapshot)
		}
	case protocol.CommandResult:
		if ch, ok := c.pending[m.ID]; ok {
			ch <- reply{result: m}
			delete(c.pending, m.ID)
		}
	case protocol.ErrorNotice:
		if ch, ok := c.pending[m.CommandID]; ok {
			ch <- reply{result: protocol.CommandResult{ID: m.CommandID, Message: m.Message}, err: fmt.Errorf("%w: %s", ErrRejected, m.Message)}
			delete(c.pending, m.CommandID)
		} else {
			c.logger.Warn("Client: relay error", "identity", c.identity, "commandID", m.CommandID, "message", m.Message)
		}
	case protocol.AgentConnected:
		c.agentConnected = true
		c.logger.Info("Client: agent connected", "identity", c.identity)
	case protocol.AgentDisconnected:
		c.agentConnected = false
		c.failPendingLocked(ErrAgentDisconnected)
		c.logger.Warn("Client: agent disconnected", "identity", c.identity, "reason", m.Reason)
	}
}

// offerLatest enqueues s, discarding the oldest queued snapshot if ch is full.
func offerLatest(ch chan protocol.Snapshot, s protocol.Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.failPendingLocked(cause)
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.mu.Unlock()
		c.cancel(cause)
		close(c.done)
	})
}
