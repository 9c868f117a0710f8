package server

import (
	"sort"
	"testing"
)

func TestJoinLeaveRoom(t *testing.T) {
	rr := NewRoomRegistry()

	rr.Join("g1", "c1")
	rr.Join("g1", "c1") // idempotent
	rr.Join("g1", "c2")

	if !rr.Contains("g1", "c1") || !rr.Contains("g1", "c2") {
		t.Fatalf("Contains: expected both connections in g1")
	}
	members := rr.Members("g1")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "c1" || members[1] != "c2" {
		t.Fatalf("Members: expected [c1 c2], got %v", members)
	}

	rr.Leave("g1", "c1")
	if rr.Contains("g1", "c1") {
		t.Fatalf("Leave: c1 still in g1")
	}
	rr.Leave("g1", "c1") // leaving twice is a no-op
	if !rr.Contains("g1", "c2") {
		t.Fatalf("Leave: unrelated connection evicted")
	}
}

func TestEmptyRoomsDeleted(t *testing.T) {
	rr := NewRoomRegistry()
	rr.Join("g1", "c1")
	rr.Leave("g1", "c1")

	if rr.RoomCount() != 0 {
		t.Fatalf("RoomCount: expected 0 after last leave, got %d", rr.RoomCount())
	}
	if got := rr.Members("g1"); len(got) != 0 {
		t.Fatalf("Members of deleted room: expected empty, got %v", got)
	}
}

func TestPurgeRemovesAllRooms(t *testing.T) {
	rr := NewRoomRegistry()
	rr.Join("g1", "c1")
	rr.Join("g2", "c1")
	rr.Join("g2", "c2")

	rr.Purge("c1")

	if rr.Contains("g1", "c1") || rr.Contains("g2", "c1") {
		t.Fatalf("Purge: c1 still present in a room")
	}
	if !rr.Contains("g2", "c2") {
		t.Fatalf("Purge: unrelated connection evicted")
	}
	if len(rr.Rooms("c1")) != 0 {
		t.Fatalf("Rooms: expected no rooms for purged connection, got %v", rr.Rooms("c1"))
	}
	if rr.RoomCount() != 1 {
		t.Fatalf("RoomCount: expected 1, got %d", rr.RoomCount())
	}
}
