// Package chat implements the real-time session core: the connection gate,
// per-connection sessions, the message pipeline with cancellable reply
// scheduling, and identity-keyed event fan-out.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/charla-ai/charla/internal/auth"
	"github.com/charla-ai/charla/internal/config"
	"github.com/charla-ai/charla/internal/consts"
	"github.com/charla-ai/charla/internal/logger"
	"github.com/charla-ai/charla/internal/reply"
)

// Server owns the transport: one instance per process, constructed at
// startup and handed to whoever runs the listener. No ambient singleton.
type Server struct {
	store      *config.Store
	verifier   *auth.Verifier
	responder  reply.Responder
	hub        *Hub
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the session core together.
func NewServer(store *config.Store, verifier *auth.Verifier, responder reply.Responder) *Server {
	s := &Server{
		store:     store,
		verifier:  verifier,
		responder: responder,
		hub:       NewHub(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  consts.BufferSize1KB,
		WriteBufferSize: consts.BufferSize1KB,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub exposes the registry for publishers outside the session core.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP routing surface. Used by Start and by tests
// that mount the server on httptest.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/ws", s.handleWebSocket)
	router.GET("/healthz", s.handleHealth)
	return router
}

// Start runs the hub and the HTTP listener in the background.
func (s *Server) Start() error {
	addr := s.store.Get().Addr
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  consts.Timeout60Seconds,
		WriteTimeout: consts.Timeout60Seconds,
	}

	go s.hub.Run()
	go func() {
		logger.Info("Chat server listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down, closing every live connection. Shutdown only
// covers the listener and idle HTTP connections; upgraded WebSocket
// connections are hijacked, so they are closed through the hub.
func (s *Server) Stop() error {
	logger.Info("Stopping chat server...")

	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
		defer cancel()
		if e := s.httpServer.Shutdown(ctx); e != nil {
			err = fmt.Errorf("failed to shutdown HTTP server: %w", e)
		}
	}

	s.hub.closeClients()
	s.hub.Stop()
	return err
}

// checkOrigin admits browser connections only from the configured origins.
// Requests without an Origin header (non-browser clients) are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.store.AllowedOrigins() {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	logger.Warn("Connection rejected: origin %s not allowed", origin)
	return false
}

// handleWebSocket is the connection gate. The credential is verified
// before the upgrade: a rejected handshake never creates a session and
// never completes the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	claim, err := s.verifier.Verify(extractToken(r))
	if err != nil {
		logger.Warn("Handshake rejected: %v", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade connection: %v", err)
		return
	}

	cfg := s.store.Get()
	client := NewClient(s.hub, conn, claim, s.responder, cfg.KeepAliveTimeout(), cfg.KeepAliveInterval())
	s.hub.Register(client)
	logger.Debug("Connection admitted for subject %s", claim.Subject)

	go client.WritePump()
	go client.ReadPump()
}

// handleHealth reports liveness and the current connection count.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

// extractToken pulls the bearer credential from the handshake: the token
// query parameter, falling back to an Authorization header.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}
