// Package store provides an in-memory DataStore implementation for tests.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/model"
)

// MemoryStore is an in-memory datastore.DataProviderFactory for tests.
// It mirrors SQLite behavior for validation and sentinel errors.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	usersByID    map[string]*model.User
	usersByEmail map[string]*model.User
	groupsByID   map[string]*model.Group
	groupOrder   []string
	members      map[string]map[string]*model.Membership // groupID -> userID -> membership
	messages     []model.Message

	// Fault injection for persistence-failure paths.
	failCreateMessage error
}

var _ datastore.DataProviderFactory = (*MemoryStore)(nil)
var _ datastore.DataStore = (*MemoryStore)(nil)

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:          now,
		usersByID:    make(map[string]*model.User),
		usersByEmail: make(map[string]*model.User),
		groupsByID:   make(map[string]*model.Group),
		members:      make(map[string]map[string]*model.Membership),
	}
}

// NonTx returns the store itself.
func (s *MemoryStore) NonTx() datastore.DataStore {
	return s
}

// Tx returns a no-op transaction over the store. Every MemoryStore
// operation is atomic under one mutex, which is equivalent for the
// single-statement transactions the server issues.
func (s *MemoryStore) Tx(context.Context) (datastore.DataStoreTx, error) {
	return &memoryTx{s}, nil
}

type memoryTx struct {
	*MemoryStore
}

func (t *memoryTx) Rollback() error { return nil }
func (t *memoryTx) Commit() error   { return nil }

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// FailCreateMessage makes subsequent CreateMessage calls return err.
// Pass nil to restore normal behavior.
func (s *MemoryStore) FailCreateMessage(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreateMessage = err
}

// ---- Users ----

func (s *MemoryStore) CreateUser(email string, role model.Role) (*model.User, error) {
	if err := model.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("store: create user: invalid role %d", int(role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByEmail[email]; exists {
		return nil, fmt.Errorf("store: create user: constraint failed: UNIQUE constraint failed: users.email")
	}
	user := &model.User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      role,
		CreatedAt: s.now().UTC(),
	}
	s.usersByID[user.ID] = user
	s.usersByEmail[email] = user
	copyUser := *user
	return &copyUser, nil
}

func (s *MemoryStore) GetUserByID(id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByID[id]
	if !ok {
		return nil, fmt.Errorf("store: get user: %w", datastore.ErrUserNotFound)
	}
	copyUser := *user
	return &copyUser, nil
}

func (s *MemoryStore) GetUserByEmail(email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByEmail[email]
	if !ok {
		return nil, fmt.Errorf("store: get user: %w", datastore.ErrUserNotFound)
	}
	copyUser := *user
	return &copyUser, nil
}

func (s *MemoryStore) ListUsers() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		users = append(users, *u)
	}
	sortByCreation(users, func(u model.User) (time.Time, string) { return u.CreatedAt, u.ID })
	return users, nil
}

// ---- Groups ----

func (s *MemoryStore) CreateGroup(name, creatorID string) (*model.Group, error) {
	g := &model.Group{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("store: create group: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupsByID[g.ID] = g
	s.groupOrder = append(s.groupOrder, g.ID)
	s.members[g.ID] = map[string]*model.Membership{
		creatorID: {
			GroupID:   g.ID,
			UserID:    creatorID,
			Role:      model.GroupRoleAdmin,
			CreatedAt: g.CreatedAt,
		},
	}
	copyGroup := *g
	return &copyGroup, nil
}

func (s *MemoryStore) GetGroup(id string) (*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groupsByID[id]
	if !ok {
		return nil, fmt.Errorf("store: get group: %w", datastore.ErrGroupNotFound)
	}
	copyGroup := *g
	return &copyGroup, nil
}

func (s *MemoryStore) GetGroupByName(name string) (*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.groupOrder {
		if g, ok := s.groupsByID[id]; ok && g.Name == name {
			copyGroup := *g
			return &copyGroup, nil
		}
	}
	return nil, fmt.Errorf("store: get group: %w", datastore.ErrGroupNotFound)
}

func (s *MemoryStore) ListGroups() ([]model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]model.Group, 0, len(s.groupOrder))
	for _, id := range s.groupOrder {
		if g, ok := s.groupsByID[id]; ok {
			groups = append(groups, *g)
		}
	}
	return groups, nil
}

// ---- Memberships ----

func (s *MemoryStore) IsMember(groupID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[groupID][userID]
	return ok, nil
}

func (s *MemoryStore) GetMembership(groupID, userID string) (*model.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[groupID][userID]
	if !ok {
		return nil, fmt.Errorf("store: get membership: %w", datastore.ErrNotAMember)
	}
	copyMember := *m
	return &copyMember, nil
}

func (s *MemoryStore) ListMembers(groupID string) ([]model.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]model.Membership, 0, len(s.members[groupID]))
	for _, m := range s.members[groupID] {
		members = append(members, *m)
	}
	sortByCreation(members, func(m model.Membership) (time.Time, string) { return m.CreatedAt, m.UserID })
	return members, nil
}

func (s *MemoryStore) ListGroupsFor(userID string) ([]model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var groups []model.Group
	for _, id := range s.groupOrder {
		if _, ok := s.members[id][userID]; ok {
			groups = append(groups, *s.groupsByID[id])
		}
	}
	return groups, nil
}

func (s *MemoryStore) AddMember(groupID, userID string, role model.GroupRole) (*model.Membership, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("store: add member: invalid role %d", int(role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groupsByID[groupID]; !ok {
		return nil, fmt.Errorf("store: add member: %w", datastore.ErrGroupNotFound)
	}
	if _, ok := s.members[groupID][userID]; ok {
		return nil, fmt.Errorf("store: add member: %w", datastore.ErrAlreadyMember)
	}
	m := &model.Membership{
		GroupID:   groupID,
		UserID:    userID,
		Role:      role,
		CreatedAt: s.now().UTC(),
	}
	s.members[groupID][userID] = m
	copyMember := *m
	return &copyMember, nil
}

func (s *MemoryStore) RemoveMember(groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groupsByID[groupID]; !ok {
		return fmt.Errorf("store: remove member: %w", datastore.ErrGroupNotFound)
	}
	m, ok := s.members[groupID][userID]
	if !ok {
		return fmt.Errorf("store: remove member: %w", datastore.ErrNotAMember)
	}

	if m.Role == model.GroupRoleAdmin && len(s.members[groupID]) > 1 {
		admins := 0
		for _, other := range s.members[groupID] {
			if other.Role == model.GroupRoleAdmin {
				admins++
			}
		}
		if admins == 1 {
			return fmt.Errorf("store: remove member: %w", datastore.ErrLastAdmin)
		}
	}

	delete(s.members[groupID], userID)
	return nil
}

// ---- Messages ----

func (s *MemoryStore) CreateMessage(message *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateMessage != nil {
		return fmt.Errorf("store: create message: %w", s.failCreateMessage)
	}
	message.ID = uuid.NewString()
	message.CreatedAt = s.now().UTC()
	if err := message.Validate(); err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}
	s.messages = append(s.messages, *message)
	return nil
}

func (s *MemoryStore) ListDirectMessages(userID, otherUserID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.Message
	for _, m := range s.messages {
		if (m.SenderID == userID && m.ReceiverID == otherUserID) ||
			(m.SenderID == otherUserID && m.ReceiverID == userID) {
			result = append(result, m)
		}
	}
	// messages is append-ordered and timestamps are monotonic per clock;
	// insertion order already matches creation order.
	return result, nil
}

func (s *MemoryStore) ListGroupMessages(groupID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.Message
	for _, m := range s.messages {
		if m.GroupID == groupID {
			result = append(result, m)
		}
	}
	return result, nil
}

// sortByCreation orders a slice by (CreatedAt, id) matching the SQLite
// ORDER BY used in pkg/datastore.
func sortByCreation[T any](items []T, key func(T) (time.Time, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
}
