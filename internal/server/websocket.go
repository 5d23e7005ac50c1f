package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/workspace/botrelay/internal/protocol"
	"github.com/workspace/botrelay/internal/transport"
)

var errHelloRequired = errors.New("first message must be hello with an identity")

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
// Buffer sizes are configurable via environment variables.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely a bot process rather than a browser
				return true
			}
			if originAllowed(origin, s.config.AllowedOrigins) {
				return true
			}
			s.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
			return false
		},
	}
}

// upgrade upgrades the request and wraps the connection for queued sends.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, id string) (*transport.WSConn, error) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if s.config.WSMaxMessageSize > 0 {
		conn.SetReadLimit(s.config.WSMaxMessageSize)
	}
	return transport.NewWSConn(id, conn, s.config.ObserverSendBuffer, s.logger), nil
}

// readHello waits up to the configured hello timeout for the connection's
// first message, which must be a hello naming an identity.
func readHello[T protocol.Message](s *Server, conn *transport.WSConn, decode func([]byte) (T, error)) (protocol.Hello, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.config.HelloTimeout)); err != nil {
		return protocol.Hello{}, err
	}
	data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	msg, err := decode(data)
	if err != nil {
		return protocol.Hello{}, fmt.Errorf("%w: %v", errHelloRequired, err)
	}
	hello, ok := any(msg).(protocol.Hello)
	if !ok || strings.TrimSpace(hello.Identity) == "" {
		return protocol.Hello{}, errHelloRequired
	}
	hello.Identity = strings.TrimSpace(hello.Identity)
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return protocol.Hello{}, err
	}
	return hello, nil
}

// authorizeHello checks the hello's token when auth is enabled.
func (s *Server) authorizeHello(hello protocol.Hello, role string) error {
	if s.jwtValidator == nil {
		return nil
	}
	if hello.Token == "" {
		return fmt.Errorf("token required")
	}
	_, err := s.jwtValidator.Authorize(hello.Token, hello.Identity, role)
	return err
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0]
	suffix := parts[1]

	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}
