// Package transport adapts gorilla/websocket connections to the relay's
// send/close primitives.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSendBuffer is the default number of queued outbound messages per
// connection.
const DefaultSendBuffer = 256

const writeWait = 10 * time.Second

var (
	// ErrClosed is returned when sending on a connection whose write pump has
	// exited.
	ErrClosed = errors.New("transport: connection closed")
	// ErrSendBufferFull is returned when the peer is not draining messages
	// fast enough. The message is dropped; the connection stays up.
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// WSConn is a websocket connection with a buffered outbound queue drained by
// a single write pump goroutine. Send never blocks.
type WSConn struct {
	ID string

	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewWSConn wraps conn and starts its write pump.
func NewWSConn(id string, conn *websocket.Conn, sendBuffer int, logger *slog.Logger) *WSConn {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &WSConn{
		ID:     id,
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.writePump()
	return c
}

// Send queues data for delivery.
func (c *WSConn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close frame and tears down the connection. Safe to call more
// than once.
func (c *WSConn) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason closes the connection with the given close code.
func (c *WSConn) CloseWithReason(code int, reason string) error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is closed or its write pump failed.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

// SetReadDeadline sets the deadline for the next ReadMessage. A zero value
// clears it.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// ReadMessage reads the next text message from the peer.
func (c *WSConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

// writePump drains the send channel. On write failure it closes the
// connection so the reader notices immediately.
func (c *WSConn) writePump() {
	defer func() {
		c.once.Do(func() {
			close(c.done)
			_ = c.conn.Close()
		})
	}()

	for {
		select {
		case data := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("Transport: write failed", "connID", c.ID, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
