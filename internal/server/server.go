// Package server provides the HTTP and WebSocket front end of the relay.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/workspace/botrelay/internal/auth"
	"github.com/workspace/botrelay/internal/config"
	"github.com/workspace/botrelay/internal/router"
)

// Server is the HTTP server for the relay.
type Server struct {
	config       *config.Config
	httpServer   *http.Server
	handler      http.Handler
	router       *router.Router
	jwtValidator *auth.JWTValidator
	logger       *slog.Logger
	done         chan struct{}
}

// New creates a new server instance. A JWT validator is created only when a
// JWKS endpoint is configured.
func New(cfg *config.Config) (*Server, error) {
	var validator *auth.JWTValidator
	if cfg.AuthEnabled() {
		v, err := auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT validator: %w", err)
		}
		validator = v
	} else {
		slog.Warn("JWKS_ENDPOINT not set: relay connections are unauthenticated")
	}
	return newServer(cfg, validator), nil
}

func newServer(cfg *config.Config, validator *auth.JWTValidator) *Server {
	logger := slog.Default()
	s := &Server{
		config:       cfg,
		router:       router.New(router.Config{Logger: logger}),
		jwtValidator: validator,
		logger:       logger,
		done:         make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.handler = corsMiddleware(mux, cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s
}

// Router returns the session router backing this server.
func (s *Server) Router() *router.Router {
	return s.router
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts relay connections on ln until Stop is called, then returns
// http.ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Starting relay", "addr", ln.Addr().String(), "auth", s.jwtValidator != nil)
	return s.httpServer.Serve(ln)
}

// Stop closes every relay connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)

	// Hijacked WebSocket connections are not tracked by http.Server.Shutdown.
	s.router.Shutdown()

	if s.jwtValidator != nil {
		s.jwtValidator.Close()
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /agent/ws", s.handleAgentWS)
	mux.HandleFunc("GET /observer/ws", s.handleObserverWS)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed checks origin against the allowed list. Supports "*" and
// wildcard subdomain patterns like "https://*.example.com".
func originAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}
