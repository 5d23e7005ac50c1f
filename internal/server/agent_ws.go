package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/workspace/botrelay/internal/auth"
	"github.com/workspace/botrelay/internal/protocol"
	"github.com/workspace/botrelay/internal/router"
)

// handleAgentWS handles the connection of a controlled agent. The agent
// identifies itself with a hello, then streams snapshots and command results.
// A second connection for the same identity supersedes this one.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade(w, r, "agent-"+uuid.NewString())
	if err != nil {
		s.logger.Warn("Agent WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	hello, err := readHello(s, conn, protocol.DecodeAgentMessage)
	if err != nil {
		s.logger.Warn("Agent handshake failed", "connID", conn.ID, "error", err)
		_ = conn.CloseWithReason(websocket.ClosePolicyViolation, "hello required")
		return
	}
	identity := hello.Identity
	if err := s.authorizeHello(hello, auth.RoleAgent); err != nil {
		s.logger.Warn("Agent auth failed", "identity", identity, "error", err)
		_ = conn.CloseWithReason(websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	if err := s.router.ConnectControlled(identity, conn); err != nil {
		s.logger.Warn("Agent registration failed", "identity", identity, "error", err)
		_ = conn.CloseWithReason(websocket.CloseGoingAway, "relay shutting down")
		return
	}
	defer s.router.DisconnectControlled(identity, conn)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("Agent WebSocket read ended", "identity", identity, "error", err)
			}
			return
		}

		msg, err := protocol.DecodeAgentMessage(data)
		if err != nil {
			s.logger.Warn("Dropping malformed agent message", "identity", identity, "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.Hello:
			s.logger.Debug("Ignoring repeated agent hello", "identity", identity)
		case protocol.StateUpdate:
			err = s.router.ForwardState(identity, conn, m.Snapshot)
			if errors.Is(err, router.ErrSuperseded) {
				return
			}
			if err != nil {
				s.logger.Warn("Forward state failed", "identity", identity, "tick", m.Snapshot.Tick, "error", err)
			}
		case protocol.CommandResult:
			_, err = s.router.ForwardResult(identity, conn, m)
			if errors.Is(err, router.ErrSuperseded) {
				return
			}
			if err != nil {
				s.logger.Warn("Forward result failed", "identity", identity, "commandID", m.ID, "error", err)
			}
		}
	}
}

// handleObserverWS handles an observer connection. The hello names the
// identity to watch; afterwards the observer may send commands for it.
func (s *Server) handleObserverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade(w, r, "observer-conn-"+uuid.NewString())
	if err != nil {
		s.logger.Warn("Observer WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	hello, err := readHello(s, conn, protocol.DecodeObserverMessage)
	if err != nil {
		s.logger.Warn("Observer handshake failed", "connID", conn.ID, "error", err)
		_ = conn.CloseWithReason(websocket.ClosePolicyViolation, "hello required")
		return
	}
	identity := hello.Identity
	if err := s.authorizeHello(hello, auth.RoleObserver); err != nil {
		s.logger.Warn("Observer auth failed", "identity", identity, "error", err)
		_ = conn.CloseWithReason(websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	observerID, err := s.router.ConnectObserver(identity, conn)
	if err != nil {
		s.logger.Warn("Observer registration failed", "identity", identity, "error", err)
		_ = conn.CloseWithReason(websocket.CloseGoingAway, "relay shutting down")
		return
	}
	defer s.router.DisconnectObserver(observerID)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("Observer WebSocket read ended", "identity", identity, "observerID", observerID, "error", err)
			}
			return
		}

		msg, err := protocol.DecodeObserverMessage(data)
		if err != nil {
			s.logger.Warn("Dropping malformed observer message", "identity", identity, "observerID", observerID, "error", err)
			_ = s.router.NotifyObserver(observerID, protocol.ErrorNotice{Message: err.Error()})
			continue
		}

		switch m := msg.(type) {
		case protocol.Hello:
			s.logger.Debug("Ignoring repeated observer hello", "identity", identity, "observerID", observerID)
		case protocol.Command:
			s.forwardCommand(identity, observerID, m)
		}
	}
}

// forwardCommand relays an observer's command to the agent. Failures are
// reported back to the issuing observer only.
func (s *Server) forwardCommand(identity, observerID string, cmd protocol.Command) {
	sent, err := s.router.ForwardCommand(identity, cmd)
	if err == nil {
		return
	}

	message := err.Error()
	switch {
	case errors.Is(err, router.ErrUnknownIdentity):
		message = "unknown identity: " + identity
	case errors.Is(err, router.ErrNotConnected):
		message = "agent not connected: " + identity
	}
	s.logger.Warn("Command not forwarded", "identity", identity, "observerID", observerID, "commandID", sent.ID, "error", err)
	_ = s.router.NotifyObserver(observerID, protocol.ErrorNotice{CommandID: sent.ID, Message: message})
}
