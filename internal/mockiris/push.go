package mockiris

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
)

const writeTimeout = 5 * time.Second

type frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// peer is one connected push client and the topics it subscribed to.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	topics  map[string]bool
}

func (p *peer) write(f frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(f)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("push upgrade failed", zap.Error(err))
		return
	}
	p := &peer{conn: conn, topics: make(map[string]bool)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.mu.Lock()
		switch f.Type {
		case "subscribe":
			p.topics[f.Topic] = true
		case "unsubscribe":
			delete(p.topics, f.Topic)
		}
		s.mu.Unlock()
	}
}

func (s *Server) publish(topic string, msg remote.WireMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("encoding push", zap.Error(err))
		return
	}

	s.mu.Lock()
	var targets []*peer
	for p := range s.peers {
		if p.topics[topic] {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		if err := p.write(frame{Type: "message", Topic: topic, Payload: payload}); err != nil {
			s.log.Debug("push write failed", zap.Error(err))
			p.conn.Close()
		}
	}
}
