package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
)

// SessionState tracks where a connection is in its lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const writeWait = 10 * time.Second

// sessionConn is the transport surface a session needs. Satisfied by
// *websocket.Conn; tests substitute a fake.
type sessionConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one authenticated WebSocket connection. It owns its
// registry entries: registration happens when the session activates,
// deregistration exactly once on Close.
type Session struct {
	ID   string
	User *model.User

	server  *Server
	conn    sessionConn
	send    chan []byte
	done    chan struct{}
	state   atomic.Int32
	limiter *rateLimiter

	closeOnce sync.Once
}

// newSession wraps an accepted transport connection. The session starts
// in Connecting; it routes nothing until activate.
func newSession(srv *Server, conn sessionConn) *Session {
	conn.SetReadLimit(protocol.MaxEventSize)
	return &Session{
		ID:      uuid.NewString(),
		server:  srv,
		conn:    conn,
		send:    make(chan []byte, srv.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: newRateLimiter(srv.cfg.RateBurst, srv.cfg.RateInterval),
	}
}

// State returns the session's current lifecycle state.
func (sess *Session) State() SessionState {
	return SessionState(sess.state.Load())
}

// activate moves an authenticated session into Active: it claims the
// user's presence slot, joins the session table, and greets the client.
// A previous connection for the same user is superseded, not closed; it
// learns of the eviction through an error event.
func (sess *Session) activate(user *model.User) {
	sess.User = user
	sess.state.Store(int32(StateAuthenticated))

	prev, replaced := sess.server.presence.Register(user.ID, sess.ID)
	if replaced {
		sess.server.metrics.ConnsReplaced.Add(1)
		if stale := sess.server.session(prev); stale != nil {
			stale.SendEvent(&protocol.ServerEvent{Error: &protocol.ErrorEvent{
				Code:    protocol.CodeConflict,
				Message: "signed in from another connection",
			}})
		}
	}

	sess.server.addSession(sess)
	sess.state.Store(int32(StateActive))
	sess.server.metrics.ActiveConnections.Add(1)

	sess.SendEvent(&protocol.ServerEvent{Welcome: &protocol.Welcome{
		UserID: user.ID,
		Email:  user.Email,
	}})
}

// SendEvent encodes and queues one outbound event. Events for a Closed
// session are dropped silently; a full queue closes the session rather
// than block the router on a slow consumer.
func (sess *Session) SendEvent(ev *protocol.ServerEvent) {
	if sess.State() == StateClosed {
		return
	}
	data, err := protocol.EncodeServerEvent(ev)
	if err != nil {
		slog.Error("encode event", "conn", sess.ID, "err", err)
		return
	}
	select {
	case sess.send <- data:
	case <-sess.done:
	default:
		slog.Warn("send queue full, closing session", "conn", sess.ID)
		sess.Close()
	}
}

// readPump reads inbound frames and dispatches them until the transport
// closes. It runs on the caller's goroutine and owns session teardown.
func (sess *Session) readPump() {
	defer sess.Close()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("read error", "conn", sess.ID, "err", err)
			}
			return
		}
		if sess.State() != StateActive {
			return
		}
		if !sess.limiter.allow() {
			sess.server.metrics.RateLimitedEvents.Add(1)
			sess.sendError(protocol.CodeRateLimited, "too many events, slow down")
			continue
		}
		sess.server.dispatch(sess, data)
	}
}

// writePump drains the send queue and emits the informational heartbeat.
// Liveness stays with the transport; a missed ping never closes anything.
func (sess *Session) writePump() {
	ticker := time.NewTicker(sess.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		sess.Close()
	}()

	for {
		select {
		case data := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ping, err := protocol.EncodeServerEvent(&protocol.ServerEvent{
				Ping: &protocol.Ping{Timestamp: time.Now().UTC().Format(time.RFC3339)},
			})
			if err != nil {
				continue
			}
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (sess *Session) sendError(code int32, msg string) {
	sess.server.metrics.ErrorsSent.Add(1)
	sess.SendEvent(&protocol.ServerEvent{Error: &protocol.ErrorEvent{Code: code, Message: msg}})
}

// Close tears the session down exactly once: Closed state, guarded
// presence unregistration, room purge, session table removal, transport
// close. Safe to call from any goroutine, any number of times.
func (sess *Session) Close() {
	sess.closeOnce.Do(func() {
		wasActive := sess.State() == StateActive
		sess.state.Store(int32(StateClosed))
		close(sess.done)

		if sess.User != nil {
			// A reconnect may already own the presence slot; the guard
			// keeps this teardown from evicting it.
			sess.server.presence.Unregister(sess.User.ID, sess.ID)
		}
		sess.server.rooms.Purge(sess.ID)
		sess.server.removeSession(sess.ID)
		_ = sess.conn.Close()

		if wasActive {
			sess.server.metrics.ActiveConnections.Add(-1)
			sess.server.metrics.TotalDisconnects.Add(1)
			slog.Info("session closed", "conn", sess.ID, "user", sess.User.ID)
		}
	})
}
