package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/parley-chat/parley/pkg/auth"
	"github.com/parley-chat/parley/pkg/protocol"
)

// StartWS starts the HTTP listener serving the /ws endpoint. It returns
// once the listener is running; connections are handled in background
// goroutines until shutdown.
func (s *Server) StartWS() error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(&upgrader, w, r)
	})

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpSrv = srv

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			slog.Error("ws listener error", "err", err)
		}
	}()

	// Give a bad bind address a moment to surface.
	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// checkOrigin allows same-host requests, plus any configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
	return lo.Contains(s.cfg.AllowedOrigins, origin)
}

// handleWS upgrades one connection and runs the authentication
// handshake. Authentication failure is the only case that terminates
// the transport instead of answering with an error event.
func (s *Server) handleWS(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) {
	token := auth.BearerFromRequest(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.metrics.TotalConnections.Add(1)

	sess := newSession(s, conn)

	user, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		slog.Info("authentication failed", "remote", r.RemoteAddr, "err", err)
		s.rejectHandshake(conn)
		return
	}
	s.metrics.SuccessfulAuths.Add(1)

	sess.activate(user)
	slog.Info("session active", "conn", sess.ID, "user", user.ID, "remote", r.RemoteAddr)

	go sess.writePump()
	sess.readPump()
}

// rejectHandshake answers a failed handshake with one error frame and
// closes the transport.
func (s *Server) rejectHandshake(conn *websocket.Conn) {
	data, err := protocol.EncodeServerEvent(&protocol.ServerEvent{
		Error: &protocol.ErrorEvent{
			Code:    protocol.CodeUnauthorized,
			Message: "authentication failed",
		},
	})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
	_ = conn.Close()
}
