package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

// ErrTooManyConnections is returned by AddClient when the client limit is
// reached.
var ErrTooManyConnections = errors.New("too many view connections")

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans view events out to connected view clients. It keeps the
// last snapshot, the displayed conversation and the connection status so a
// client that connects late starts from the current state.
type Broadcaster struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	maxClients int
	log        *zap.Logger

	stateMu   sync.Mutex
	snapshot  *contextstore.Snapshot
	messages  []remote.Message
	connected bool
}

// NewBroadcaster creates a broadcaster. maxClients <= 0 means unlimited.
func NewBroadcaster(maxClients int, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		clients:    make(map[*client]bool),
		maxClients: maxClients,
		log:        log,
	}
}

// AddClient registers conn and queues the current state for it. Events are
// held back meanwhile, so the client sees neither gaps nor duplicates.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, b: b, send: make(chan []byte, sendBuffer)}

	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	b.mu.Lock()
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	for _, msg := range b.replayLocked() {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
	go c.writePump()
	return c, nil
}

func (b *Broadcaster) replayLocked() []WSMessage {
	var out []WSMessage
	if b.snapshot != nil {
		out = append(out, WSMessage{Type: view.EventSnapshot, Payload: b.snapshot})
	}
	return append(out,
		WSMessage{Type: view.EventConnectionStatus, Payload: ConnectionPayload{Connected: b.connected}},
		WSMessage{Type: view.EventLoadMessages, Payload: MessagesPayload{Messages: append([]remote.Message{}, b.messages...)}},
	)
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}

// broadcast must be called with stateMu held.
func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("marshaling view frame", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.log.Warn("view client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) Snapshot(s contextstore.Snapshot) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.snapshot = &s
	b.broadcast(WSMessage{Type: view.EventSnapshot, Payload: s})
}

func (b *Broadcaster) ClearMessages() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.messages = nil
	b.broadcast(WSMessage{Type: view.EventClearMessages})
}

func (b *Broadcaster) LoadMessages(msgs []remote.Message) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.messages = append([]remote.Message{}, msgs...)
	b.broadcast(WSMessage{Type: view.EventLoadMessages, Payload: MessagesPayload{Messages: b.messages}})
}

func (b *Broadcaster) AddMessage(m remote.Message) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.messages = append(b.messages, m)
	b.broadcast(WSMessage{Type: view.EventAddMessage, Payload: m})
}

func (b *Broadcaster) ConnectionStatus(up bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.connected = up
	b.broadcast(WSMessage{Type: view.EventConnectionStatus, Payload: ConnectionPayload{Connected: up}})
}

func (b *Broadcaster) Warning(w view.Warning) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.broadcast(WSMessage{Type: view.EventWarning, Payload: w})
}

var _ view.View = (*Broadcaster)(nil)
