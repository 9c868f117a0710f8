package server

import (
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/store"
)

type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error)  { return 0, nil, io.EOF }
func (c *fakeConn) WriteMessage(_ int, _ []byte) error { return nil }
func (c *fakeConn) SetReadLimit(_ int64)               {}
func (c *fakeConn) SetWriteDeadline(_ time.Time) error { return nil }
func (c *fakeConn) Close() error                       { c.closed.Store(true); return nil }

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	srv := New(DefaultConfig(), Dependencies{Store: st})
	return srv, st
}

func mustCreateUser(t *testing.T, st *store.MemoryStore, email string) *model.User {
	t.Helper()
	u, err := st.CreateUser(email, model.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

// connect activates a session over a fake transport and consumes the
// welcome event.
func connect(t *testing.T, srv *Server, user *model.User) *Session {
	t.Helper()
	sess := newSession(srv, &fakeConn{})
	sess.activate(user)
	ev := nextEvent(t, sess)
	if ev.Welcome == nil || ev.Welcome.UserID != user.ID {
		t.Fatalf("activate: expected welcome for %s, got %+v", user.ID, ev)
	}
	return sess
}

// nextEvent pops one queued outbound event, failing if none is pending.
func nextEvent(t *testing.T, sess *Session) *protocol.ServerEvent {
	t.Helper()
	select {
	case data := <-sess.send:
		ev := &protocol.ServerEvent{}
		if err := json.Unmarshal(data, ev); err != nil {
			t.Fatalf("decode queued event: %v", err)
		}
		return ev
	default:
		t.Fatalf("no pending event for conn %s", sess.ID)
		return nil
	}
}

// noEvent asserts the session's outbound queue is empty.
func noEvent(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case data := <-sess.send:
		t.Fatalf("unexpected queued event for conn %s: %s", sess.ID, data)
	default:
	}
}

// expectError pops one event and asserts it is an error with the given code.
func expectError(t *testing.T, sess *Session, code int32) {
	t.Helper()
	ev := nextEvent(t, sess)
	if ev.Error == nil {
		t.Fatalf("expected error event, got %+v", ev)
	}
	if ev.Error.Code != code {
		t.Fatalf("expected error code %d, got %d (%s)", code, ev.Error.Code, ev.Error.Message)
	}
}
