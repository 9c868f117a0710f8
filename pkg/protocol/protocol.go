// Package protocol defines the JSON event vocabulary exchanged over a
// Parley WebSocket connection.
//
// Exactly one field of an envelope is set per frame. Inbound requests
// carry validate tags checked before dispatch; outbound events echo the
// authoritative persisted records, never the client's submitted copy.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/parley-chat/parley/pkg/model"
)

// MaxEventSize caps a single inbound frame (64KB).
const MaxEventSize = 65536

var (
	ErrEventTooLarge = fmt.Errorf("protocol: event exceeds %d bytes", MaxEventSize)
	ErrEmptyEvent    = errors.New("protocol: event names no operation")
)

var validate = validator.New()

// ----- Inbound -----

// ClientEvent wraps all client-issued events.
type ClientEvent struct {
	// Only one of these fields should be set.
	PrivateMessage   *PrivateMessageRequest   `json:"private_message,omitempty"`
	GroupMessage     *GroupMessageRequest     `json:"group_message,omitempty"`
	JoinGroup        *JoinGroupRequest        `json:"join_group,omitempty"`
	LeaveGroup       *LeaveGroupRequest       `json:"leave_group,omitempty"`
	GetMessages      *GetMessagesRequest      `json:"get_messages,omitempty"`
	GetGroupMessages *GetGroupMessagesRequest `json:"get_group_messages,omitempty"`
	ListGroups       *ListGroupsRequest       `json:"list_groups,omitempty"`
}

type PrivateMessageRequest struct {
	ReceiverID string `json:"receiver_id" validate:"required"`
	Content    string `json:"content" validate:"required"`
}

type GroupMessageRequest struct {
	GroupID string `json:"group_id" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type JoinGroupRequest struct {
	GroupID string `json:"group_id" validate:"required"`
}

type LeaveGroupRequest struct {
	GroupID string `json:"group_id" validate:"required"`
}

type GetMessagesRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type GetGroupMessagesRequest struct {
	GroupID string `json:"group_id" validate:"required"`
}

type ListGroupsRequest struct{}

// DecodeClientEvent parses and validates one inbound frame. The returned
// event has exactly one field set.
func DecodeClientEvent(data []byte) (*ClientEvent, error) {
	if len(data) > MaxEventSize {
		return nil, ErrEventTooLarge
	}
	ev := &ClientEvent{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	req := ev.request()
	if req == nil {
		return nil, ErrEmptyEvent
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	return ev, nil
}

// request returns the single set payload, or nil.
func (ev *ClientEvent) request() any {
	switch {
	case ev.PrivateMessage != nil:
		return ev.PrivateMessage
	case ev.GroupMessage != nil:
		return ev.GroupMessage
	case ev.JoinGroup != nil:
		return ev.JoinGroup
	case ev.LeaveGroup != nil:
		return ev.LeaveGroup
	case ev.GetMessages != nil:
		return ev.GetMessages
	case ev.GetGroupMessages != nil:
		return ev.GetGroupMessages
	case ev.ListGroups != nil:
		return ev.ListGroups
	default:
		return nil
	}
}

// ----- Outbound -----

// ServerEvent wraps all server-issued events.
type ServerEvent struct {
	// Only one of these fields should be set.
	Welcome           *Welcome          `json:"welcome,omitempty"`
	PrivateMessage    *model.Message    `json:"private_message,omitempty"`
	GroupMessage      *model.Message    `json:"group_message,omitempty"`
	GroupJoined       *GroupJoined      `json:"group_joined,omitempty"`
	GroupLeft         *GroupLeft        `json:"group_left,omitempty"`
	GroupMemberJoined *GroupMemberEvent `json:"group_member_joined,omitempty"`
	GroupMemberLeft   *GroupMemberEvent `json:"group_member_left,omitempty"`
	Messages          *MessageHistory   `json:"messages,omitempty"`
	GroupMessages     *MessageHistory   `json:"group_messages,omitempty"`
	Groups            *GroupList        `json:"groups,omitempty"`
	Error             *ErrorEvent       `json:"error,omitempty"`
	Ping              *Ping             `json:"ping,omitempty"`
}

// Welcome confirms a successful authentication handshake.
type Welcome struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// UserInfo identifies a user in member events.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type GroupJoined struct {
	GroupID string   `json:"group_id"`
	Member  UserInfo `json:"member"`
}

type GroupLeft struct {
	GroupID string `json:"group_id"`
}

type GroupMemberEvent struct {
	GroupID string   `json:"group_id"`
	Member  UserInfo `json:"member"`
}

type MessageHistory struct {
	Messages []model.Message `json:"messages"`
}

type GroupInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type GroupList struct {
	Groups []GroupInfo `json:"groups"`
}

// ErrorEvent reports a rejected operation back to the originating
// connection. It never implies a disconnect.
type ErrorEvent struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// Ping is the informational heartbeat. Liveness is the transport's
// business; clients may ignore it.
type Ping struct {
	Timestamp string `json:"timestamp"`
}

// EncodeServerEvent serializes one outbound frame.
func EncodeServerEvent(ev *ServerEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	return data, nil
}

// Error codes carried by ErrorEvent.
const (
	CodeProtocol      int32 = 1  // malformed frame or missing required field
	CodeUnauthorized  int32 = 2  // authentication handshake failure
	CodeInternal      int32 = 3  // unexpected server error
	CodeValidation    int32 = 10 // rejected before persistence
	CodeNotFound      int32 = 11 // group or user does not exist
	CodeAuthorization int32 = 12 // not a member / receiver absent
	CodeConflict      int32 = 13 // already a member, last-admin-leave
	CodePersistence   int32 = 14 // durable store unavailable or write failed
	CodeRateLimited   int32 = 15 // inbound event rate exceeded
)
