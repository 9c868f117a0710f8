// Package model defines the core domain types for Parley.
package model

import (
	"errors"
	"fmt"
	"net/mail"
	"time"
)

var ErrInvalidEmail = errors.New("invalid email address")

// Role represents an account-level role. It provides display and
// authorization context only; group permissions are carried by the
// membership role, not by this.
type Role int

const (
	RoleUser  Role = iota // default account role
	RoleAdmin             // server operator
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Valid reports whether the role is a known value.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// ParseRole converts a string to a Role. Unknown strings map to RoleUser.
func ParseRole(s string) Role {
	if s == "admin" {
		return RoleAdmin
	}
	return RoleUser
}

// GroupRole represents a user's role within one group.
type GroupRole int

const (
	GroupRoleUser  GroupRole = iota // regular member
	GroupRoleAdmin                  // group administrator
)

func (r GroupRole) String() string {
	switch r {
	case GroupRoleUser:
		return "user"
	case GroupRoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Valid reports whether the group role is a known value.
func (r GroupRole) Valid() bool {
	return r == GroupRoleUser || r == GroupRoleAdmin
}

// ParseGroupRole converts a string to a GroupRole. Unknown strings map to
// GroupRoleUser.
func ParseGroupRole(s string) GroupRole {
	if s == "admin" {
		return GroupRoleAdmin
	}
	return GroupRoleUser
}

// User represents a registered account.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateEmail checks that an address parses as a bare RFC 5322 address.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return nil
}

// Group represents a chat group.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

const GroupNameMaxLength = 64

var ErrGroupNameInvalid = fmt.Errorf("group name must be 1-%d characters", GroupNameMaxLength)

// Validate checks group constraints before persistence.
func (g *Group) Validate() error {
	if len(g.Name) == 0 || len(g.Name) > GroupNameMaxLength {
		return ErrGroupNameInvalid
	}
	return nil
}

// Membership is the durable record that a user belongs to a group.
// (GroupID, UserID) pairs are unique.
type Membership struct {
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	Role      GroupRole `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
