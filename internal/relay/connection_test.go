package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"vestnik/internal/codec"
	"vestnik/internal/models"
)

type mockWS struct {
	readCh      chan []byte
	writeCh     chan []byte
	closeCh     chan struct{}
	closeOnce   sync.Once
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan []byte, 10),
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

func (m *mockWS) WriteMessage(_ int, data []byte) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- data
	return nil
}

func (m *mockWS) ReadMessage() (int, []byte, error) {
	if m.errToReturn != nil {
		return 0, nil, m.errToReturn
	}
	select {
	case data, ok := <-m.readCh:
		if !ok {
			return 0, nil, errors.New("closed")
		}
		return 1, data, nil
	case <-m.closeCh:
		return 0, nil, errors.New("connection closed")
	}
}

type leave struct {
	userID string
	connID string
}

type mockHub struct {
	joinCh  chan string
	leaveCh chan leave
	relayCh chan models.Envelope
	out     chan []byte
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:  make(chan string, 10),
		leaveCh: make(chan leave, 10),
		relayCh: make(chan models.Envelope, 10),
		out:     make(chan []byte, 10),
	}
}

func (m *mockHub) Join(userID string) (string, <-chan []byte) {
	m.joinCh <- userID
	return "conn-" + userID, m.out
}

func (m *mockHub) Leave(userID, connID string) {
	m.leaveCh <- leave{userID: userID, connID: connID}
}

func (m *mockHub) Relay(userID string, env models.Envelope) {
	m.relayCh <- env
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	userID := "user1"

	conn := NewConnection(hub, ws, userID)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	select {
	case id := <-hub.joinCh:
		if id != userID {
			t.Errorf("Expected Join with %s, got %s", userID, id)
		}
	default:
		t.Error("Join not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Client -> Hub, malformed frames are skipped
	ws.readCh <- []byte("not json")
	frame, err := codec.EncodeData(models.EventTyping, models.TypingData{ConversationID: "c1", IsTyping: true}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	ws.readCh <- frame

	select {
	case env := <-hub.relayCh:
		if env.Type != models.EventTyping {
			t.Errorf("Hub received wrong envelope: %v", env)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive relayed envelope")
	}

	// 2. Hub -> Client
	hub.out <- []byte(`{"type":"pong"}`)

	select {
	case received := <-ws.writeCh:
		if string(received) != `{"type":"pong"}` {
			t.Errorf("WS received wrong frame: %s", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server frame")
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case l := <-hub.leaveCh:
		if l.userID != userID || l.connID != "conn-"+userID {
			t.Errorf("Unexpected Leave: %+v", l)
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.closed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user2")

	ws.errToReturn = errors.New("read error")

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

func TestConnection_Replaced(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user3")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	close(hub.out)

	select {
	case err := <-done:
		if !errors.Is(err, ErrReplaced) {
			t.Errorf("Expected ErrReplaced, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after replacement")
	}
}
