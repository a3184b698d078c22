// Package mockiris is an in-memory stand-in for the Iris endpoints of
// Artemis: the conversation REST API and the push channel. It backs
// "irissync serve --mock" and end-to-end tests.
package mockiris

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/push"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
)

// PushPath is where the push endpoint is served.
const PushPath = "/api/iris/ws"

const senderLLM = "LLM"

type conversation struct {
	summary  remote.SessionSummary
	key      string
	messages []remote.WireMessage
}

// Server keeps conversations per context and answers every user message
// with a generated reply after ReplyDelay.
type Server struct {
	ReplyDelay time.Duration

	log      *zap.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	mu          sync.Mutex
	disabled    map[string]bool
	byContext   map[string][]*conversation
	byID        map[int64]*conversation
	nextSession int64
	nextMessage int64
	replyCount  int
	peers       map[*peer]struct{}
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ReplyDelay:  500 * time.Millisecond,
		log:         log,
		now:         time.Now,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		disabled:    make(map[string]bool),
		byContext:   make(map[string][]*conversation),
		byID:        make(map[int64]*conversation),
		nextSession: 100,
		nextMessage: 1000,
		peers:       make(map[*peer]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Disable turns the assistant off for a context.
func (s *Server) Disable(kind contextstore.Kind, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[contextstore.Key(kind, id)] = true
}

// Seed stores a conversation with the given alternating user and assistant
// texts, created at created. It returns the remote session id.
func (s *Server) Seed(kind contextstore.Kind, id int64, created time.Time, texts ...string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.createLocked(kind, id, created)
	for i, text := range texts {
		sender := "USER"
		if i%2 == 1 {
			sender = senderLLM
		}
		c.messages = append(c.messages, s.messageLocked(sender, text, created.Add(time.Duration(i)*time.Minute)))
	}
	return c.summary.ID
}

// Messages returns the stored messages of a conversation.
func (s *Server) Messages(sessionID int64) []remote.WireMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[sessionID]
	if !ok {
		return nil
	}
	return append([]remote.WireMessage(nil), c.messages...)
}

func (s *Server) createLocked(kind contextstore.Kind, id int64, created time.Time) *conversation {
	s.nextSession++
	c := &conversation{
		summary: remote.SessionSummary{ID: s.nextSession, CreationDate: created.UTC(), EntityID: id},
		key:     contextstore.Key(kind, id),
	}
	s.byContext[c.key] = append(s.byContext[c.key], c)
	s.byID[c.summary.ID] = c
	return c
}

func (s *Server) messageLocked(sender, text string, at time.Time) remote.WireMessage {
	s.nextMessage++
	return remote.WireMessage{
		ID:      s.nextMessage,
		Sender:  sender,
		Content: remote.Content{Kind: remote.ContentFragments, Fragments: []remote.Fragment{{Type: "text", TextContent: text}}},
		SentAt:  at.UTC(),
	}
}

// Handler serves the REST API and the push endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/iris/exercises/{id}/chat-settings", s.handleSettings(contextstore.KindExercise))
	mux.HandleFunc("GET /api/iris/courses/{id}/chat-settings", s.handleSettings(contextstore.KindCourse))
	mux.HandleFunc("GET /api/iris/{chat}/{id}/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/iris/{chat}/{id}/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/iris/sessions/{sid}/messages", s.handleGetMessages)
	mux.HandleFunc("POST /api/iris/sessions/{sid}/messages", s.handleSendMessage)
	mux.HandleFunc("PUT /api/iris/sessions/{sid}/messages/{mid}/helpful/{value}", s.handleHelpful)
	mux.HandleFunc("GET "+PushPath, s.handlePush)
	return mux
}

// Listen serves on a free loopback port until ctx ends and returns the base
// URL of the REST API and the push URL.
func (s *Server) Listen(ctx context.Context) (baseURL, pushURL string, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", "", fmt.Errorf("listening: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("mock iris stopped", zap.Error(err))
		}
	}()
	context.AfterFunc(ctx, func() { srv.Close() })
	context.AfterFunc(s.ctx, func() { srv.Close() })

	addr := ln.Addr().String()
	s.log.Info("mock iris listening", zap.String("addr", addr))
	return "http://" + addr, "ws://" + addr + PushPath, nil
}

// Close cancels pending replies and disconnects push clients.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.cancel()
	for _, p := range peers {
		p.conn.Close()
	}
	s.wg.Wait()
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

// chatKind maps "exercise-chat" and "course-chat" path segments.
func chatKind(segment string) (contextstore.Kind, bool) {
	kind := contextstore.Kind(strings.TrimSuffix(segment, "-chat"))
	return kind, strings.HasSuffix(segment, "-chat") && kind.Valid()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSettings(kind contextstore.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			http.NotFound(w, r)
			return
		}
		s.mu.Lock()
		enabled := !s.disabled[contextstore.Key(kind, id)]
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, remote.ChatSettings{Enabled: enabled})
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	kind, ok := chatKind(r.PathValue("chat"))
	id, idOK := pathID(r, "id")
	if !ok || !idOK {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	convs := s.byContext[contextstore.Key(kind, id)]
	out := make([]remote.SessionSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.summary)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	kind, ok := chatKind(r.PathValue("chat"))
	id, idOK := pathID(r, "id")
	if !ok || !idOK {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	if s.disabled[contextstore.Key(kind, id)] {
		s.mu.Unlock()
		http.Error(w, "iris is disabled", http.StatusForbidden)
		return
	}
	c := s.createLocked(kind, id, s.now())
	sum := c.summary
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(r, "sid")
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	c, ok := s.byID[sid]
	var msgs []remote.WireMessage
	if ok {
		msgs = append([]remote.WireMessage{}, c.messages...)
	}
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	Content []remote.Fragment `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(r, "sid")
	if !ok {
		http.NotFound(w, r)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	text := remote.Content{Kind: remote.ContentFragments, Fragments: req.Content}.String()

	s.mu.Lock()
	c, ok := s.byID[sid]
	if !ok || s.closed {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	msg := s.messageLocked("USER", text, s.now())
	c.messages = append(c.messages, msg)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.reply(sid, text)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleHelpful(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(r, "sid")
	mid, midOK := pathID(r, "mid")
	helpful, err := strconv.ParseBool(r.PathValue("value"))
	if !ok || !midOK || err != nil {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[sid]
	if !ok {
		http.NotFound(w, r)
		return
	}
	for i := range c.messages {
		if c.messages[i].ID == mid {
			c.messages[i].Helpful = &helpful
			writeJSON(w, http.StatusOK, c.messages[i])
			return
		}
	}
	http.NotFound(w, r)
}

// reply appends the generated answer and pushes it to subscribers.
func (s *Server) reply(sid int64, question string) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
		return
	case <-time.After(s.ReplyDelay):
	}

	s.mu.Lock()
	c, ok := s.byID[sid]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.replyCount++
	msg := s.messageLocked(senderLLM, answer(question, s.replyCount), s.now())
	c.messages = append(c.messages, msg)
	s.mu.Unlock()

	s.publish(push.Topic(sid), msg)
}
