package server

import (
	"testing"

	"github.com/parley-chat/parley/pkg/protocol"
)

func TestActivateRegistersPresence(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")

	sess := connect(t, srv, alice)

	if sess.State() != StateActive {
		t.Fatalf("State: expected active, got %s", sess.State())
	}
	connID, ok := srv.presence.Lookup(alice.ID)
	if !ok || connID != sess.ID {
		t.Fatalf("Lookup: expected %s, got %q (ok=%t)", sess.ID, connID, ok)
	}
	if srv.session(sess.ID) != sess {
		t.Fatalf("session table: missing entry for %s", sess.ID)
	}
}

func TestReconnectSupersedesStaleSession(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")

	old := connect(t, srv, alice)
	fresh := connect(t, srv, alice)

	// The stale session learns of the eviction but is not force-closed.
	expectError(t, old, protocol.CodeConflict)
	if old.State() == StateClosed {
		t.Fatalf("stale session was closed")
	}

	if connID, _ := srv.presence.Lookup(alice.ID); connID != fresh.ID {
		t.Fatalf("Lookup: expected fresh conn %s, got %s", fresh.ID, connID)
	}

	// The stale session's teardown must not evict the fresh one.
	old.Close()
	if connID, ok := srv.presence.Lookup(alice.ID); !ok || connID != fresh.ID {
		t.Fatalf("Lookup after stale close: expected %s, got %q (ok=%t)", fresh.ID, connID, ok)
	}
}

func TestClosePurgesAndIsIdempotent(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	sess := connect(t, srv, alice)
	srv.rooms.Join("g1", sess.ID)
	srv.rooms.Join("g2", sess.ID)

	sess.Close()
	sess.Close() // second close is a no-op

	if sess.State() != StateClosed {
		t.Fatalf("State: expected closed, got %s", sess.State())
	}
	if _, ok := srv.presence.Lookup(alice.ID); ok {
		t.Fatalf("Lookup: user still registered after close")
	}
	if srv.rooms.Contains("g1", sess.ID) || srv.rooms.Contains("g2", sess.ID) {
		t.Fatalf("rooms not purged on close")
	}
	if srv.session(sess.ID) != nil {
		t.Fatalf("session table entry survived close")
	}
	if got := srv.metrics.TotalDisconnects.Load(); got != 1 {
		t.Fatalf("TotalDisconnects: expected 1, got %d", got)
	}
}

func TestClosedSessionDropsEvents(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	sess := connect(t, srv, alice)

	sess.Close()
	sess.SendEvent(&protocol.ServerEvent{GroupLeft: &protocol.GroupLeft{GroupID: "g1"}})
	noEvent(t, sess)
}

func TestSessionStateString(t *testing.T) {
	states := map[SessionState]string{
		StateConnecting:    "connecting",
		StateAuthenticated: "authenticated",
		StateActive:        "active",
		StateClosed:        "closed",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Fatalf("String(%d): expected %s, got %s", state, want, got)
		}
	}
}
