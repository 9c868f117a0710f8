package server

import (
	"errors"
	"testing"

	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
)

func TestGroupMessageFanout(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	bob := mustCreateUser(t, st, "bob@example.com")
	group, err := st.CreateGroup("general", alice.ID)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	srv.rooms.Join(group.ID, a.ID)
	srv.dispatch(b, []byte(`{"join_group":{"group_id":"`+group.ID+`"}}`))
	nextEvent(t, a) // group_member_joined
	nextEvent(t, b) // group_joined

	srv.dispatch(a, []byte(`{"group_message":{"group_id":"`+group.ID+`","content":"hi"}}`))

	for _, sess := range []*Session{a, b} {
		ev := nextEvent(t, sess)
		if ev.GroupMessage == nil {
			t.Fatalf("expected group_message, got %+v", ev)
		}
		if ev.GroupMessage.Content != "hi" || ev.GroupMessage.SenderID != alice.ID {
			t.Fatalf("wrong payload: %+v", ev.GroupMessage)
		}
		if ev.GroupMessage.ID == "" || ev.GroupMessage.CreatedAt.IsZero() {
			t.Fatalf("expected server-assigned id and timestamp: %+v", ev.GroupMessage)
		}
	}
	// The sender is a room member: the broadcast is the confirmation,
	// no duplicate copy follows.
	noEvent(t, a)
}

func TestGroupMessageNonMemberRejected(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	mallory := mustCreateUser(t, st, "mallory@example.com")
	group, _ := st.CreateGroup("general", alice.ID)

	a := connect(t, srv, alice)
	srv.rooms.Join(group.ID, a.ID)
	m := connect(t, srv, mallory)

	srv.dispatch(m, []byte(`{"group_message":{"group_id":"`+group.ID+`","content":"intrusion"}}`))

	expectError(t, m, protocol.CodeAuthorization)
	noEvent(t, a)

	msgs, err := st.ListGroupMessages(group.ID)
	if err != nil {
		t.Fatalf("ListGroupMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("rejected message was persisted: %+v", msgs)
	}
}

func TestGroupMessageSenderOutsideRoomGetsEcho(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	group, _ := st.CreateGroup("general", alice.ID)

	// Member, but never joined the live room (e.g. after a reconnect).
	a := connect(t, srv, alice)

	srv.dispatch(a, []byte(`{"group_message":{"group_id":"`+group.ID+`","content":"hello?"}}`))

	ev := nextEvent(t, a)
	if ev.GroupMessage == nil || ev.GroupMessage.Content != "hello?" {
		t.Fatalf("expected echoed group_message, got %+v", ev)
	}
	noEvent(t, a)
}

func TestPrivateMessageOfflineReceiver(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	bob := mustCreateUser(t, st, "bob@example.com")

	a := connect(t, srv, alice)

	srv.dispatch(a, []byte(`{"private_message":{"receiver_id":"`+bob.ID+`","content":"x"}}`))

	ev := nextEvent(t, a)
	if ev.PrivateMessage == nil || ev.PrivateMessage.Content != "x" {
		t.Fatalf("expected confirmation, got %+v", ev)
	}

	// Bob reads it later through history, in creation order.
	b := connect(t, srv, bob)
	srv.dispatch(b, []byte(`{"get_messages":{"user_id":"`+alice.ID+`"}}`))
	hist := nextEvent(t, b)
	if hist.Messages == nil || len(hist.Messages.Messages) != 1 {
		t.Fatalf("expected one message in history, got %+v", hist)
	}
	if hist.Messages.Messages[0].Content != "x" {
		t.Fatalf("wrong history payload: %+v", hist.Messages.Messages[0])
	}
}

func TestPrivateMessageOnlineReceiver(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	bob := mustCreateUser(t, st, "bob@example.com")

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	srv.dispatch(a, []byte(`{"private_message":{"receiver_id":"`+bob.ID+`","content":"hey"}}`))

	bv := nextEvent(t, b)
	if bv.PrivateMessage == nil || bv.PrivateMessage.Content != "hey" {
		t.Fatalf("receiver push missing: %+v", bv)
	}
	av := nextEvent(t, a)
	if av.PrivateMessage == nil || av.PrivateMessage.ID != bv.PrivateMessage.ID {
		t.Fatalf("sender confirmation should carry the persisted record: %+v vs %+v", av, bv)
	}
}

func TestPrivateMessageUnknownReceiver(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	a := connect(t, srv, alice)

	srv.dispatch(a, []byte(`{"private_message":{"receiver_id":"ghost","content":"x"}}`))
	expectError(t, a, protocol.CodeNotFound)

	msgs, _ := st.ListDirectMessages(alice.ID, "ghost")
	if len(msgs) != 0 {
		t.Fatalf("message to unknown receiver was persisted")
	}
}

func TestPrivateMessageBlankContentRejected(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	bob := mustCreateUser(t, st, "bob@example.com")
	a := connect(t, srv, alice)

	srv.dispatch(a, []byte(`{"private_message":{"receiver_id":"`+bob.ID+`","content":"   "}}`))
	expectError(t, a, protocol.CodeValidation)
}

func TestPersistenceFailureSurfaced(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	bob := mustCreateUser(t, st, "bob@example.com")
	a := connect(t, srv, alice)

	st.FailCreateMessage(errors.New("disk full"))
	srv.dispatch(a, []byte(`{"private_message":{"receiver_id":"`+bob.ID+`","content":"x"}}`))
	expectError(t, a, protocol.CodePersistence)
}

func TestJoinGroupTwiceConflicts(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	bob := mustCreateUser(t, st, "bob@example.com")
	group, _ := st.CreateGroup("general", alice.ID)

	b := connect(t, srv, bob)

	srv.dispatch(b, []byte(`{"join_group":{"group_id":"`+group.ID+`"}}`))
	ev := nextEvent(t, b)
	if ev.GroupJoined == nil || ev.GroupJoined.GroupID != group.ID {
		t.Fatalf("expected group_joined, got %+v", ev)
	}
	if !srv.rooms.Contains(group.ID, b.ID) {
		t.Fatalf("join_group did not enter the room")
	}

	srv.dispatch(b, []byte(`{"join_group":{"group_id":"`+group.ID+`"}}`))
	expectError(t, b, protocol.CodeConflict)
	if !srv.rooms.Contains(group.ID, b.ID) {
		t.Fatalf("rejected re-join evicted the room entry")
	}
}

func TestGroupMessageUnknownGroup(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	a := connect(t, srv, alice)

	// A group that does not exist is a lookup miss, not a membership failure.
	srv.dispatch(a, []byte(`{"group_message":{"group_id":"nope","content":"x"}}`))
	expectError(t, a, protocol.CodeNotFound)

	srv.dispatch(a, []byte(`{"get_group_messages":{"group_id":"nope"}}`))
	expectError(t, a, protocol.CodeNotFound)
}

func TestJoinUnknownGroup(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	a := connect(t, srv, alice)

	srv.dispatch(a, []byte(`{"join_group":{"group_id":"nope"}}`))
	expectError(t, a, protocol.CodeNotFound)
}

func TestLeaveGroupLastAdminRejected(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	bob := mustCreateUser(t, st, "bob@example.com")
	group, _ := st.CreateGroup("general", alice.ID)
	if _, err := st.AddMember(group.ID, bob.ID, model.GroupRoleUser); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	a := connect(t, srv, alice)
	srv.rooms.Join(group.ID, a.ID)

	srv.dispatch(a, []byte(`{"leave_group":{"group_id":"`+group.ID+`"}}`))
	expectError(t, a, protocol.CodeConflict)
	if !srv.rooms.Contains(group.ID, a.ID) {
		t.Fatalf("rejected leave removed the room entry")
	}
	if ok, _ := st.IsMember(group.ID, alice.ID); !ok {
		t.Fatalf("rejected leave removed the membership")
	}
}

func TestLeaveGroupNotifiesRemaining(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	bob := mustCreateUser(t, st, "bob@example.com")
	group, _ := st.CreateGroup("general", alice.ID)
	if _, err := st.AddMember(group.ID, bob.ID, model.GroupRoleUser); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)
	srv.rooms.Join(group.ID, a.ID)
	srv.rooms.Join(group.ID, b.ID)

	srv.dispatch(b, []byte(`{"leave_group":{"group_id":"`+group.ID+`"}}`))

	ev := nextEvent(t, b)
	if ev.GroupLeft == nil || ev.GroupLeft.GroupID != group.ID {
		t.Fatalf("expected group_left, got %+v", ev)
	}
	av := nextEvent(t, a)
	if av.GroupMemberLeft == nil || av.GroupMemberLeft.Member.ID != bob.ID {
		t.Fatalf("expected group_member_left for bob, got %+v", av)
	}
	if srv.rooms.Contains(group.ID, b.ID) {
		t.Fatalf("leave_group kept the room entry")
	}
	if ok, _ := st.IsMember(group.ID, bob.ID); ok {
		t.Fatalf("leave_group kept the membership")
	}
}

func TestDisconnectStopsDelivery(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	bob := mustCreateUser(t, st, "bob@example.com")
	g1, _ := st.CreateGroup("one", alice.ID)
	g2, _ := st.CreateGroup("two", alice.ID)
	if _, err := st.AddMember(g1.ID, bob.ID, model.GroupRoleUser); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)
	srv.rooms.Join(g1.ID, a.ID)
	srv.rooms.Join(g2.ID, a.ID)
	srv.rooms.Join(g1.ID, b.ID)

	a.Close()
	if srv.rooms.Contains(g1.ID, a.ID) || srv.rooms.Contains(g2.ID, a.ID) {
		t.Fatalf("disconnect did not purge rooms")
	}

	srv.dispatch(b, []byte(`{"group_message":{"group_id":"`+g1.ID+`","content":"still here"}}`))
	ev := nextEvent(t, b)
	if ev.GroupMessage == nil {
		t.Fatalf("remaining member missed the broadcast: %+v", ev)
	}
	noEvent(t, a)
}

func TestGetGroupMessagesRequiresMembership(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	mallory := mustCreateUser(t, st, "mallory@example.com")
	group, _ := st.CreateGroup("general", alice.ID)

	m := connect(t, srv, mallory)
	srv.dispatch(m, []byte(`{"get_group_messages":{"group_id":"`+group.ID+`"}}`))
	expectError(t, m, protocol.CodeAuthorization)
}

func TestListGroups(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	if _, err := st.CreateGroup("general", alice.ID); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := st.CreateGroup("random", alice.ID); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	a := connect(t, srv, alice)
	srv.dispatch(a, []byte(`{"list_groups":{}}`))

	ev := nextEvent(t, a)
	if ev.Groups == nil || len(ev.Groups.Groups) != 2 {
		t.Fatalf("expected two groups, got %+v", ev)
	}
}

func TestMalformedEventRejected(t *testing.T) {
	srv, st := newTestServer(t)
	alice := mustCreateUser(t, st, "alice@example.com")
	a := connect(t, srv, alice)

	srv.dispatch(a, []byte(`{"join_group":`))
	expectError(t, a, protocol.CodeProtocol)

	srv.dispatch(a, []byte(`{}`))
	expectError(t, a, protocol.CodeProtocol)

	srv.dispatch(a, []byte(`{"group_message":{"group_id":"g1"}}`))
	expectError(t, a, protocol.CodeProtocol)
}
