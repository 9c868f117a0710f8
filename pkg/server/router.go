package server

import (
	"errors"
	"log/slog"

	"github.com/samber/lo"

	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
)

// dispatch routes one decoded inbound event. Every rejection comes back
// to the originating connection as an error event; dispatch never closes
// the session.
func (s *Server) dispatch(sess *Session, data []byte) {
	ev, err := protocol.DecodeClientEvent(data)
	if err != nil {
		sess.sendError(protocol.CodeProtocol, err.Error())
		return
	}

	switch {
	case ev.PrivateMessage != nil:
		s.handlePrivateMessage(sess, ev.PrivateMessage)
	case ev.GroupMessage != nil:
		s.handleGroupMessage(sess, ev.GroupMessage)
	case ev.JoinGroup != nil:
		s.handleJoinGroup(sess, ev.JoinGroup)
	case ev.LeaveGroup != nil:
		s.handleLeaveGroup(sess, ev.LeaveGroup)
	case ev.GetMessages != nil:
		s.handleGetMessages(sess, ev.GetMessages)
	case ev.GetGroupMessages != nil:
		s.handleGetGroupMessages(sess, ev.GetGroupMessages)
	case ev.ListGroups != nil:
		s.handleListGroups(sess)
	}
}

// handlePrivateMessage validates, persists, then pushes: to the receiver
// if online, and always back to the sender so its view carries the
// server-assigned id and timestamp. An offline receiver reads it later
// through history.
func (s *Server) handlePrivateMessage(sess *Session, req *protocol.PrivateMessageRequest) {
	st := s.store.NonTx()

	msg := &model.Message{
		Content:    req.Content,
		SenderID:   sess.User.ID,
		ReceiverID: req.ReceiverID,
	}
	if err := msg.Validate(); err != nil {
		s.metrics.MessagesRejected.Add(1)
		sess.sendError(protocol.CodeValidation, err.Error())
		return
	}

	if _, err := st.GetUserByID(req.ReceiverID); err != nil {
		if errors.Is(err, datastore.ErrUserNotFound) {
			s.metrics.MessagesRejected.Add(1)
			sess.sendError(protocol.CodeNotFound, "receiver not found")
			return
		}
		s.internalError(sess, "lookup receiver", err)
		return
	}

	if err := st.CreateMessage(msg); err != nil {
		sess.sendError(protocol.CodePersistence, "message could not be stored, please resend")
		slog.Error("persist private message", "sender", sess.User.ID, "err", err)
		return
	}
	s.metrics.PrivateMessages.Add(1)

	if recv := s.sessionForUser(req.ReceiverID); recv != nil {
		recv.SendEvent(&protocol.ServerEvent{PrivateMessage: msg})
		s.metrics.FanoutDeliveries.Add(1)
	}
	sess.SendEvent(&protocol.ServerEvent{PrivateMessage: msg})
	s.metrics.FanoutDeliveries.Add(1)
}

// handleGroupMessage checks membership fresh on every send, persists,
// then broadcasts to every connection in the room. The sender gets
// exactly one copy: the broadcast when its connection is in the room,
// a direct push otherwise.
func (s *Server) handleGroupMessage(sess *Session, req *protocol.GroupMessageRequest) {
	st := s.store.NonTx()

	msg := &model.Message{
		Content:  req.Content,
		SenderID: sess.User.ID,
		GroupID:  req.GroupID,
	}
	if err := msg.Validate(); err != nil {
		s.metrics.MessagesRejected.Add(1)
		sess.sendError(protocol.CodeValidation, err.Error())
		return
	}

	if !s.requireMembership(sess, st, req.GroupID) {
		s.metrics.MessagesRejected.Add(1)
		return
	}

	if err := st.CreateMessage(msg); err != nil {
		sess.sendError(protocol.CodePersistence, "message could not be stored, please resend")
		slog.Error("persist group message", "sender", sess.User.ID, "group", req.GroupID, "err", err)
		return
	}
	s.metrics.GroupMessages.Add(1)

	senderReached := false
	for _, connID := range s.rooms.Members(req.GroupID) {
		member := s.session(connID)
		if member == nil {
			continue
		}
		member.SendEvent(&protocol.ServerEvent{GroupMessage: msg})
		s.metrics.FanoutDeliveries.Add(1)
		if connID == sess.ID {
			senderReached = true
		}
	}
	if !senderReached {
		sess.SendEvent(&protocol.ServerEvent{GroupMessage: msg})
		s.metrics.FanoutDeliveries.Add(1)
	}
}

// handleJoinGroup creates the durable membership first; the room join
// and notifications happen only after that succeeds.
func (s *Server) handleJoinGroup(sess *Session, req *protocol.JoinGroupRequest) {
	st := s.store.NonTx()

	if _, err := st.AddMember(req.GroupID, sess.User.ID, model.GroupRoleUser); err != nil {
		switch {
		case errors.Is(err, datastore.ErrGroupNotFound):
			sess.sendError(protocol.CodeNotFound, "group not found")
		case errors.Is(err, datastore.ErrAlreadyMember):
			sess.sendError(protocol.CodeConflict, "already a member of this group")
		default:
			s.internalError(sess, "add member", err)
		}
		return
	}

	member := protocol.UserInfo{ID: sess.User.ID, Email: sess.User.Email}
	for _, connID := range s.rooms.Members(req.GroupID) {
		if peer := s.session(connID); peer != nil {
			peer.SendEvent(&protocol.ServerEvent{GroupMemberJoined: &protocol.GroupMemberEvent{
				GroupID: req.GroupID,
				Member:  member,
			}})
		}
	}

	s.rooms.Join(req.GroupID, sess.ID)
	s.metrics.RoomJoins.Add(1)
	sess.SendEvent(&protocol.ServerEvent{GroupJoined: &protocol.GroupJoined{
		GroupID: req.GroupID,
		Member:  member,
	}})
}

// handleLeaveGroup removes the durable membership in a transaction so
// the last-admin check and the delete are atomic, then leaves the room
// and notifies the remaining members.
func (s *Server) handleLeaveGroup(sess *Session, req *protocol.LeaveGroupRequest) {
	tx, err := s.store.Tx(s.ctx)
	if err != nil {
		s.internalError(sess, "begin tx", err)
		return
	}
	if err := tx.RemoveMember(req.GroupID, sess.User.ID); err != nil {
		_ = tx.Rollback()
		switch {
		case errors.Is(err, datastore.ErrGroupNotFound):
			sess.sendError(protocol.CodeNotFound, "group not found")
		case errors.Is(err, datastore.ErrNotAMember):
			sess.sendError(protocol.CodeAuthorization, "not a member of this group")
		case errors.Is(err, datastore.ErrLastAdmin):
			sess.sendError(protocol.CodeConflict, "last admin cannot leave the group")
		default:
			s.internalError(sess, "remove member", err)
		}
		return
	}
	if err := tx.Commit(); err != nil {
		s.internalError(sess, "commit leave", err)
		return
	}

	s.rooms.Leave(req.GroupID, sess.ID)
	s.metrics.RoomLeaves.Add(1)

	member := protocol.UserInfo{ID: sess.User.ID, Email: sess.User.Email}
	for _, connID := range s.rooms.Members(req.GroupID) {
		if peer := s.session(connID); peer != nil {
			peer.SendEvent(&protocol.ServerEvent{GroupMemberLeft: &protocol.GroupMemberEvent{
				GroupID: req.GroupID,
				Member:  member,
			}})
		}
	}
	sess.SendEvent(&protocol.ServerEvent{GroupLeft: &protocol.GroupLeft{GroupID: req.GroupID}})
}

// handleGetMessages returns the caller's full direct conversation with
// another user, oldest first. No pagination.
func (s *Server) handleGetMessages(sess *Session, req *protocol.GetMessagesRequest) {
	msgs, err := s.store.NonTx().ListDirectMessages(sess.User.ID, req.UserID)
	if err != nil {
		s.internalError(sess, "list messages", err)
		return
	}
	s.metrics.HistoryFetches.Add(1)
	sess.SendEvent(&protocol.ServerEvent{Messages: &protocol.MessageHistory{Messages: msgs}})
}

// handleGetGroupMessages is authorization-checked the same way as a
// group send: live membership, verified fresh.
func (s *Server) handleGetGroupMessages(sess *Session, req *protocol.GetGroupMessagesRequest) {
	st := s.store.NonTx()
	if !s.requireMembership(sess, st, req.GroupID) {
		return
	}
	msgs, err := st.ListGroupMessages(req.GroupID)
	if err != nil {
		s.internalError(sess, "list group messages", err)
		return
	}
	s.metrics.HistoryFetches.Add(1)
	sess.SendEvent(&protocol.ServerEvent{GroupMessages: &protocol.MessageHistory{Messages: msgs}})
}

// handleListGroups returns the groups the caller belongs to.
func (s *Server) handleListGroups(sess *Session) {
	groups, err := s.store.NonTx().ListGroupsFor(sess.User.ID)
	if err != nil {
		s.internalError(sess, "list groups", err)
		return
	}
	infos := lo.Map(groups, func(g model.Group, _ int) protocol.GroupInfo {
		return protocol.GroupInfo{ID: g.ID, Name: g.Name, CreatedAt: g.CreatedAt}
	})
	sess.SendEvent(&protocol.ServerEvent{Groups: &protocol.GroupList{Groups: infos}})
}

// requireMembership verifies the group exists and the caller currently
// holds a membership row. Failures are reported to the session.
func (s *Server) requireMembership(sess *Session, st datastore.DataStore, groupID string) bool {
	if _, err := st.GetGroup(groupID); err != nil {
		if errors.Is(err, datastore.ErrGroupNotFound) {
			sess.sendError(protocol.CodeNotFound, "group not found")
			return false
		}
		s.internalError(sess, "lookup group", err)
		return false
	}
	ok, err := st.IsMember(groupID, sess.User.ID)
	if err != nil {
		s.internalError(sess, "check membership", err)
		return false
	}
	if !ok {
		sess.sendError(protocol.CodeAuthorization, "not a member of this group")
		return false
	}
	return true
}

func (s *Server) internalError(sess *Session, op string, err error) {
	slog.Error(op, "conn", sess.ID, "err", err)
	sess.sendError(protocol.CodeInternal, "internal error")
}
