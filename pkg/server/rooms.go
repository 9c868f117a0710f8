package server

import (
	"sync"

	"github.com/samber/lo"
)

// RoomRegistry tracks which live connections are currently in which
// group rooms. It is transient routing state only; durable membership
// lives in the datastore. Entries exist only while non-empty.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // groupID -> set of connIDs
	joins map[string]map[string]struct{} // connID -> set of groupIDs
}

// NewRoomRegistry creates an empty room registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]map[string]struct{}),
		joins: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to the room for groupID. Joining a room the
// connection is already in is a no-op.
func (rr *RoomRegistry) Join(groupID, connID string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if rr.rooms[groupID] == nil {
		rr.rooms[groupID] = make(map[string]struct{})
	}
	rr.rooms[groupID][connID] = struct{}{}
	if rr.joins[connID] == nil {
		rr.joins[connID] = make(map[string]struct{})
	}
	rr.joins[connID][groupID] = struct{}{}
}

// Leave removes connID from the room for groupID. The room entry is
// deleted once empty so the registry never accumulates dead rooms.
func (rr *RoomRegistry) Leave(groupID, connID string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.leaveLocked(groupID, connID)
}

func (rr *RoomRegistry) leaveLocked(groupID, connID string) {
	if conns, ok := rr.rooms[groupID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(rr.rooms, groupID)
		}
	}
	if groups, ok := rr.joins[connID]; ok {
		delete(groups, groupID)
		if len(groups) == 0 {
			delete(rr.joins, connID)
		}
	}
}

// Contains reports whether connID is in the room for groupID.
func (rr *RoomRegistry) Contains(groupID, connID string) bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	_, ok := rr.rooms[groupID][connID]
	return ok
}

// Members returns the connection IDs in the room for groupID (snapshot).
func (rr *RoomRegistry) Members(groupID string) []string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return lo.Keys(rr.rooms[groupID])
}

// Rooms returns the group IDs connID has joined (snapshot).
func (rr *RoomRegistry) Rooms(connID string) []string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return lo.Keys(rr.joins[connID])
}

// Purge removes connID from every room it joined. Cost scales with the
// connection's own rooms, not with the total room population.
func (rr *RoomRegistry) Purge(connID string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for groupID := range rr.joins[connID] {
		rr.leaveLocked(groupID, connID)
	}
}

// RoomCount returns the number of non-empty rooms.
func (rr *RoomRegistry) RoomCount() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.rooms)
}
