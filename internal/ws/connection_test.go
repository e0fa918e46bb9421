package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"piksel/internal/apperr"
	"piksel/internal/models"
)

type mockWS struct {
	readCh      chan models.ClientFrame
	writeCh     chan any
	closeCh     chan struct{}
	closeOnce   sync.Once
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientFrame, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) closed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) WriteJSON(v any) error {
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case frame, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientFrame); ok {
			*ptr = frame
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type fakeChat struct {
	members map[string]bool
}

func (f *fakeChat) CanJoin(ctx context.Context, convID, userID string) error {
	if !f.members[convID+"/"+userID] {
		return apperr.Forbidden("not a participant")
	}
	return nil
}

type fakePresence struct {
	opened     chan string
	closed     chan string
	heartbeats chan string
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		opened:     make(chan string, 10),
		closed:     make(chan string, 10),
		heartbeats: make(chan string, 10),
	}
}

func (f *fakePresence) Open(userID, socketID string) (models.PresenceState, error) {
	f.opened <- socketID
	return models.PresenceState{UserID: userID, Presence: models.PresenceOnline}, nil
}

func (f *fakePresence) Close(socketID string) error {
	f.closed <- socketID
	return nil
}

func (f *fakePresence) Heartbeat(userID string) (models.PresenceState, error) {
	f.heartbeats <- userID
	return models.PresenceState{UserID: userID}, nil
}

func (f *fakePresence) Snapshot() ([]models.PresenceState, error) {
	return []models.PresenceState{{UserID: "other", Presence: models.PresenceOnline}}, nil
}

func expectEvent(t *testing.T, ws *mockWS, typ models.EventType) models.Event {
	t.Helper()
	select {
	case v := <-ws.writeCh:
		ev, ok := v.(models.Event)
		if !ok {
			t.Fatalf("WS received wrong type: %T", v)
		}
		if ev.Type != typ {
			t.Fatalf("Expected %s event, got %+v", typ, ev)
		}
		return ev
	case <-time.After(1 * time.Second):
		t.Fatalf("Timeout waiting for %s event", typ)
	}
	return models.Event{}
}

func newTestConnection(t *testing.T, hub *Hub, ws *mockWS, socketID, userID string) (*Connection, *fakePresence) {
	t.Helper()
	presence := newFakePresence()
	chat := &fakeChat{members: map[string]bool{"c1/user1": true, "c1/user2": true}}
	conn := newConnection(deps{hub: hub, chat: chat, presence: presence}, ws, socketID, userID)
	return conn, presence
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := NewHub(nil)
	ws := newMockWS()

	conn, presence := newTestConnection(t, hub, ws, "s1", "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	snap := expectEvent(t, ws, models.EventPresenceSnapshot)
	if len(snap.Snapshot) != 1 {
		t.Errorf("Expected snapshot with one user, got %v", snap.Snapshot)
	}
	select {
	case id := <-presence.opened:
		if id != "s1" {
			t.Errorf("Expected Open for s1, got %s", id)
		}
	default:
		t.Error("Presence Open not called")
	}

	// Joining a conversation the user takes part in.
	ws.readCh <- models.ClientFrame{Type: models.FrameJoin, ConversationID: "c1"}
	expectEvent(t, ws, models.EventJoined)

	// Events on the conversation topic reach the socket.
	hub.Publish(models.ConversationTopic("c1"), models.Event{Type: models.EventMessageCreated, ConversationID: "c1"})
	expectEvent(t, ws, models.EventMessageCreated)

	// Joining a foreign conversation is refused.
	ws.readCh <- models.ClientFrame{Type: models.FrameJoin, ConversationID: "c2"}
	ev := expectEvent(t, ws, models.EventError)
	if ev.ConversationID != "c2" {
		t.Errorf("Expected error for c2, got %+v", ev)
	}
	if hub.IsSubscribed(models.ConversationTopic("c2"), "s1") {
		t.Error("Socket subscribed to foreign conversation")
	}

	ws.readCh <- models.ClientFrame{Type: "shout"}
	expectEvent(t, ws, models.EventError)

	ws.readCh <- models.ClientFrame{Type: models.FrameHeartbeat}
	select {
	case id := <-presence.heartbeats:
		if id != "user1" {
			t.Errorf("Expected heartbeat from user1, got %s", id)
		}
	case <-time.After(1 * time.Second):
		t.Error("Heartbeat not forwarded")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Handle did not return after cancel")
	}

	select {
	case id := <-presence.closed:
		if id != "s1" {
			t.Errorf("Expected Close for s1, got %s", id)
		}
	default:
		t.Error("Presence Close not called")
	}
	if !ws.closed() {
		t.Error("WS Close not called")
	}
	if hub.Stats()["sockets"] != 0 {
		t.Error("Socket still registered")
	}
}

func TestConnection_Typing(t *testing.T) {
	hub := NewHub(nil)
	ws1, ws2 := newMockWS(), newMockWS()
	conn1, _ := newTestConnection(t, hub, ws1, "s1", "user1")
	conn2, _ := newTestConnection(t, hub, ws2, "s2", "user2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn1.Handle(ctx) }()
	go func() { _ = conn2.Handle(ctx) }()
	expectEvent(t, ws1, models.EventPresenceSnapshot)
	expectEvent(t, ws2, models.EventPresenceSnapshot)

	// Typing before joining is ignored.
	ws1.readCh <- models.ClientFrame{Type: models.FrameTypingStart, ConversationID: "c1"}

	ws2.readCh <- models.ClientFrame{Type: models.FrameJoin, ConversationID: "c1"}
	expectEvent(t, ws2, models.EventJoined)
	ws1.readCh <- models.ClientFrame{Type: models.FrameJoin, ConversationID: "c1"}
	expectEvent(t, ws1, models.EventJoined)

	ws1.readCh <- models.ClientFrame{Type: models.FrameTypingStart, ConversationID: "c1"}
	ev := expectEvent(t, ws2, models.EventTypingStart)
	if ev.UserID != "user1" {
		t.Errorf("Expected typing from user1, got %s", ev.UserID)
	}
	expectEvent(t, ws1, models.EventTypingStart)

	ws1.readCh <- models.ClientFrame{Type: models.FrameLeave, ConversationID: "c1"}
	ws1.readCh <- models.ClientFrame{Type: models.FrameTypingStop, ConversationID: "c1"}
	select {
	case v := <-ws2.writeCh:
		t.Errorf("Unexpected event after leave: %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnection_RateLimit(t *testing.T) {
	hub := NewHub(nil)
	ws := newMockWS()
	presence := newFakePresence()
	conn := newConnection(deps{hub: hub, chat: &fakeChat{}, presence: presence, limit: 0.001, burst: 1}, ws, "s1", "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Handle(ctx) }()
	expectEvent(t, ws, models.EventPresenceSnapshot)

	ws.readCh <- models.ClientFrame{Type: models.FrameHeartbeat}
	ws.readCh <- models.ClientFrame{Type: models.FrameHeartbeat}
	ev := expectEvent(t, ws, models.EventError)
	if ev.Error != "rate limit exceeded" {
		t.Errorf("Expected rate limit error, got %q", ev.Error)
	}
	if len(presence.heartbeats) != 1 {
		t.Errorf("Expected one heartbeat, got %d", len(presence.heartbeats))
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := NewHub(nil)
	ws := newMockWS()
	ws.errToReturn = errors.New("read error")

	conn, _ := newTestConnection(t, hub, ws, "s1", "user2")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed() {
		t.Error("WS Close not called")
	}
}
