package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxContentLength = 2000

var ErrMessageContentTooLong = fmt.Errorf("message content exceeds %d characters", MessageMaxContentLength)
var ErrMessageContentEmpty = errors.New("message content cannot be empty")
var ErrMessageTargetInvalid = errors.New("message must have exactly one of receiver or group")

// Message is an immutable direct or group message. Exactly one of
// ReceiverID and GroupID is set. ID and CreatedAt are assigned by the
// store on append.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks message constraints before persistence.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrMessageContentEmpty
	}
	if utf8.RuneCountInString(m.Content) > MessageMaxContentLength {
		return ErrMessageContentTooLong
	}
	if (m.ReceiverID == "") == (m.GroupID == "") {
		return ErrMessageTargetInvalid
	}
	return nil
}
