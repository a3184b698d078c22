// Package push delivers new-message notifications for a remote conversation
// over a WebSocket connection.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
)

// ErrNotConnected is returned by Subscribe while the channel is down.
var ErrNotConnected = errors.New("push channel not connected")

// Config holds connection timings. Zero values select defaults.
type Config struct {
	URL                string
	Token              string
	PingInterval       time.Duration
	PongTimeout        time.Duration
	WriteTimeout       time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

// Topic returns the push topic of a remote conversation.
func Topic(sessionID int64) string {
	return fmt.Sprintf("/topic/iris/sessions/%d", sessionID)
}

const (
	frameAuth        = "auth"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameMessage     = "message"
)

type frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type handler struct {
	id uint64
	fn func(remote.Message)
}

// Client is a reconnecting push channel. Subscriptions do not survive a
// reconnect; listeners registered with OnConnectionChange are expected to
// subscribe again.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *zap.Logger

	dialMu  sync.Mutex // serialises Connect
	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
	stop    context.CancelFunc // stops the ping loop of conn
	topics  map[string][]handler
	nextID  uint64
	closed  bool

	listeners []func(bool)
	dropped   chan struct{}
}

// NewClient creates a client for cfg.URL. It does not connect.
func NewClient(cfg Config, log *zap.Logger) *Client {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		log:     log,
		topics:  make(map[string][]handler),
		dropped: make(chan struct{}, 1),
	}
}

// OnConnectionChange registers fn to be called with true after every
// successful (re)connect and false after every drop. Must be called before
// Connect or Run.
func (c *Client) OnConnectionChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials once. It returns nil immediately if already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("push channel closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dialing push channel: %w", err)
	}

	// No write mutex needed here because the connection isn't shared yet.
	if c.cfg.Token != "" {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteJSON(frame{Type: frameAuth, Token: c.cfg.Token}); err != nil {
			conn.Close()
			return fmt.Errorf("authenticating push channel: %w", err)
		}
	}

	pingCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return errors.New("push channel closed")
	}
	c.conn = conn
	c.stop = cancel
	// Server-side subscriptions died with the previous connection.
	c.topics = make(map[string][]handler)
	c.mu.Unlock()

	go c.pingLoop(pingCtx, conn)
	go c.readLoop(conn)

	c.log.Info("push channel connected", zap.String("url", c.cfg.URL))
	c.notify(true)
	return nil
}

// Run keeps the channel connected until ctx is cancelled, redialing with
// exponential backoff after failures and drops.
func (c *Client) Run(ctx context.Context) {
	delay := c.cfg.ReconnectBaseDelay
	for {
		if !c.IsConnected() {
			if err := c.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("push channel dial failed", zap.Error(err), zap.Duration("retryIn", delay))
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				delay = min(delay*2, c.cfg.ReconnectMaxDelay)
				continue
			}
			delay = c.cfg.ReconnectBaseDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-c.dropped:
		}
	}
}

// Subscribe registers onMessage for pushes on the given remote conversation.
// The returned Subscription must be released when no longer needed.
func (c *Client) Subscribe(sessionID int64, onMessage func(remote.Message)) (Subscription, error) {
	topic := Topic(sessionID)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	h := handler{id: c.nextID, fn: onMessage}
	first := len(c.topics[topic]) == 0
	c.topics[topic] = append(c.topics[topic], h)
	c.mu.Unlock()

	if first {
		if err := c.write(conn, frame{Type: frameSubscribe, Topic: topic}); err != nil {
			c.remove(topic, h.id)
			return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	c.log.Debug("subscribed", zap.String("topic", topic))
	return &subscription{c: c, topic: topic, id: h.id, sessionID: sessionID}, nil
}

// remove drops one handler and reports whether it was the last for topic.
func (c *Client) remove(topic string, id uint64) (*websocket.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.topics[topic]
	found := false
	for i, h := range list {
		if h.id == id {
			list = append(list[:i:i], list[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}
	if len(list) == 0 {
		delete(c.topics, topic)
		return c.conn, true
	}
	c.topics[topic] = list
	return c.conn, false
}

func (c *Client) release(topic string, id uint64) {
	conn, last := c.remove(topic, id)
	if !last || conn == nil {
		return
	}
	if err := c.write(conn, frame{Type: frameUnsubscribe, Topic: topic}); err != nil {
		c.log.Debug("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(f)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type != frameMessage {
			continue
		}
		msg, err := remote.DecodeMessage(f.Payload)
		if err != nil {
			c.log.Debug("dropping undecodable push", zap.Error(err))
			continue
		}
		c.mu.Lock()
		handlers := append([]handler(nil), c.topics[f.Topic]...)
		c.mu.Unlock()
		for _, h := range handlers {
			h.fn(msg)
		}
	}
}

func (c *Client) drop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = nil
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	c.topics = make(map[string][]handler)
	closed := c.closed
	c.mu.Unlock()
	conn.Close()

	if closed {
		return
	}
	c.log.Warn("push channel dropped", zap.Error(err))
	c.notify(false)
	select {
	case c.dropped <- struct{}{}:
	default:
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) notify(connected bool) {
	c.mu.Lock()
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(connected)
	}
}

// Close shuts the connection down. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}

// Subscription is one acquired push binding. Release is idempotent.
type Subscription interface {
	SessionID() int64
	Release()
}

type subscription struct {
	c         *Client
	topic     string
	id        uint64
	sessionID int64
	once      sync.Once
}

func (s *subscription) SessionID() int64 {
	return s.sessionID
}

func (s *subscription) Release() {
	s.once.Do(func() {
		s.c.release(s.topic, s.id)
	})
}
