package server

import (
	"sort"
	"testing"
)

func TestRegisterReplacesPrevious(t *testing.T) {
	cr := NewConnectionRegistry()

	if _, replaced := cr.Register("u1", "c1"); replaced {
		t.Fatalf("Register: first binding reported a replacement")
	}
	prev, replaced := cr.Register("u1", "c2")
	if !replaced || prev != "c1" {
		t.Fatalf("Register: expected prev=c1 replaced=true, got prev=%q replaced=%t", prev, replaced)
	}

	got, ok := cr.Lookup("u1")
	if !ok || got != "c2" {
		t.Fatalf("Lookup: expected c2, got %q (ok=%t)", got, ok)
	}
	if cr.Count() != 1 {
		t.Fatalf("Count: expected 1, got %d", cr.Count())
	}
}

func TestUnregisterGuardsStaleConnection(t *testing.T) {
	cr := NewConnectionRegistry()
	cr.Register("u1", "c1")
	cr.Register("u1", "c2")

	// The replaced connection's teardown must not evict the new one.
	if cr.Unregister("u1", "c1") {
		t.Fatalf("Unregister: stale connID removed a live binding")
	}
	if got, ok := cr.Lookup("u1"); !ok || got != "c2" {
		t.Fatalf("Lookup after stale unregister: expected c2, got %q (ok=%t)", got, ok)
	}

	if !cr.Unregister("u1", "c2") {
		t.Fatalf("Unregister: live connID was rejected")
	}
	if _, ok := cr.Lookup("u1"); ok {
		t.Fatalf("Lookup after unregister: expected offline")
	}
}

func TestOnlineUsers(t *testing.T) {
	cr := NewConnectionRegistry()
	cr.Register("u1", "c1")
	cr.Register("u2", "c2")

	users := cr.OnlineUsers()
	sort.Strings(users)
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("OnlineUsers: expected [u1 u2], got %v", users)
	}
}
