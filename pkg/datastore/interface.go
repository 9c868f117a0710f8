package datastore

import (
	"context"
	"errors"

	"github.com/parley-chat/parley/pkg/model"
)

// Sentinel errors surfaced to callers. The router maps these onto
// structured error events rather than disconnects.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrGroupNotFound = errors.New("group not found")
	ErrAlreadyMember = errors.New("already a member of this group")
	ErrNotAMember    = errors.New("not a member of this group")
	ErrLastAdmin     = errors.New("last admin cannot leave the group")
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for all Parley entities.
// The default implementation is SQLite; pkg/store provides an in-memory
// implementation for tests.
type DataStore interface {
	ConfigReadProvider

	UserReadProvider
	UserWriteProvider

	GroupReadProvider
	GroupWriteProvider

	MembershipReadProvider
	MembershipWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	Close() error
}

type UserReadProvider interface {
	GetUserByID(id string) (*model.User, error)
	GetUserByEmail(email string) (*model.User, error)
	ListUsers() ([]model.User, error)
}

type UserWriteProvider interface {
	CreateUser(email string, role model.Role) (*model.User, error)
}

type GroupReadProvider interface {
	GetGroup(id string) (*model.Group, error)
	GetGroupByName(name string) (*model.Group, error)
	ListGroups() ([]model.Group, error)
}

type GroupWriteProvider interface {
	// CreateGroup creates a group together with the creator's ADMIN
	// membership as one atomic operation.
	CreateGroup(name, creatorID string) (*model.Group, error)
}

type MembershipReadProvider interface {
	IsMember(groupID, userID string) (bool, error)
	GetMembership(groupID, userID string) (*model.Membership, error)
	ListMembers(groupID string) ([]model.Membership, error)
	ListGroupsFor(userID string) ([]model.Group, error)
}

type MembershipWriteProvider interface {
	// AddMember fails with ErrGroupNotFound or ErrAlreadyMember.
	AddMember(groupID, userID string, role model.GroupRole) (*model.Membership, error)
	// RemoveMember fails with ErrGroupNotFound, ErrNotAMember, or
	// ErrLastAdmin when removal would leave remaining members without
	// any admin. The check-then-remove is atomic.
	RemoveMember(groupID, userID string) error
}

type MessageReadProvider interface {
	// ListDirectMessages returns the conversation between two users in
	// both directions, ordered by creation time (insertion order breaks ties).
	ListDirectMessages(userID, otherUserID string) ([]model.Message, error)
	ListGroupMessages(groupID string) ([]model.Message, error)
}

type MessageWriteProvider interface {
	// CreateMessage validates, assigns ID and CreatedAt, and appends.
	CreateMessage(message *model.Message) error
}
