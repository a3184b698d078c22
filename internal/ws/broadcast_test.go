package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

// dialTestWS creates a test server that upgrades to WebSocket and returns the
// server-side connection plus the client side. The caller closes all three.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn := <-connCh:
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil, nil
	}
}

type frame struct {
	Type    view.EventType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestAddClient_ReplaysCurrentState(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	b.Snapshot(contextstore.Snapshot{ActiveContext: &contextstore.ActiveContext{Kind: contextstore.KindExercise, ID: 7}})
	b.ConnectionStatus(true)
	b.LoadMessages([]remote.Message{{ID: 1, Role: remote.RoleUser, Text: "q"}})
	b.AddMessage(remote.Message{ID: 2, Role: remote.RoleAssistant, Text: "a"})

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	f := readFrame(t, clientConn)
	if f.Type != view.EventSnapshot {
		t.Fatalf("first frame = %s, want snapshot", f.Type)
	}
	var snap contextstore.Snapshot
	if err := json.Unmarshal(f.Payload, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ActiveContext == nil || snap.ActiveContext.ID != 7 {
		t.Errorf("replayed snapshot = %+v", snap.ActiveContext)
	}

	f = readFrame(t, clientConn)
	var conn ConnectionPayload
	json.Unmarshal(f.Payload, &conn)
	if f.Type != view.EventConnectionStatus || !conn.Connected {
		t.Errorf("second frame = %s %s", f.Type, f.Payload)
	}

	f = readFrame(t, clientConn)
	var msgs MessagesPayload
	json.Unmarshal(f.Payload, &msgs)
	if f.Type != view.EventLoadMessages || len(msgs.Messages) != 2 {
		t.Errorf("third frame = %s with %d messages, want load_messages with 2", f.Type, len(msgs.Messages))
	}
}

func TestBroadcast_ClearMessagesResetsReplay(t *testing.T) {
	b := NewBroadcaster(0, nil)
	b.AddMessage(remote.Message{ID: 1})
	b.ClearMessages()

	b.stateMu.Lock()
	replay := b.replayLocked()
	b.stateMu.Unlock()

	last := replay[len(replay)-1]
	if last.Type != view.EventLoadMessages {
		t.Fatalf("last replay frame = %s", last.Type)
	}
	if n := len(last.Payload.(MessagesPayload).Messages); n != 0 {
		t.Errorf("replay carries %d messages after clear", n)
	}
}

func TestBroadcast_DeliversEvents(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatal(err)
	}
	readFrame(t, clientConn) // connection_status
	readFrame(t, clientConn) // load_messages

	b.Warning(view.Warning{Kind: view.WarningStaleSession, Message: "gone", Recoverable: true})
	f := readFrame(t, clientConn)
	if f.Type != view.EventWarning {
		t.Fatalf("frame = %s, want warning", f.Type)
	}
	var w view.Warning
	json.Unmarshal(f.Payload, &w)
	if w.Kind != view.WarningStaleSession || !w.Recoverable {
		t.Errorf("warning = %+v", w)
	}
}

func TestAddClient_MaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(maxConns, nil)
	defer b.Close()

	for i := 0; i < maxConns; i++ {
		srv, serverConn, clientConn := dialTestWS(t)
		defer srv.Close()
		defer clientConn.Close()
		if _, err := b.AddClient(serverConn); err != nil {
			t.Fatalf("AddClient[%d]: unexpected error: %v", i, err)
		}
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients, got %d", maxConns, got)
	}

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()
	defer serverConn.Close()
	if _, err := b.AddClient(serverConn); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
}

func TestBroadcast_DropsSlowClient(t *testing.T) {
	b := NewBroadcaster(0, nil)
	c := &client{b: b, send: make(chan []byte)} // unbuffered and never drained
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	b.ClearMessages()

	if got := b.ClientCount(); got != 0 {
		t.Errorf("slow client kept; ClientCount = %d", got)
	}
}

// TestWritePump_RemovesClientOnWriteError verifies that a failed write drops
// the client from the broadcaster.
func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	clientConn.Close()

	b := NewBroadcaster(0, nil)
	c := &client{conn: serverConn, b: b, send: make(chan []byte, sendBuffer)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}
