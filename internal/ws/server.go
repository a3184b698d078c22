// Package ws is the gateway between the synchronization core and local view
// clients: a WebSocket feed of view events plus HTTP endpoints for intents.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
)

const maxBodyBytes = 1 << 20

// Controller is the intent surface the gateway drives.
type Controller interface {
	Snapshot() contextstore.Snapshot
	RegisterExercise(contextstore.ExerciseInput) contextstore.TrackedExercise
	RegisterCourse(contextstore.CourseInput) contextstore.TrackedCourse
	SelectContext(kind contextstore.Kind, id int64) error
	UnlockContext()
	ClearContext()
	RemoveExercise(id int64)
	RemoveCourse(id int64)
	NewConversation() (contextstore.StoredSession, error)
	SwitchSession(id string) error
	DeleteSession(id string) error
	SendMessage(ctx context.Context, text string, attachments []remote.Attachment) error
	MarkHelpful(ctx context.Context, messageID int64, helpful bool) error
	Refresh()
	Reset()
}

type Server struct {
	ctrl           Controller
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	log            *zap.Logger
}

func NewServer(ctrl Controller, broadcaster *Broadcaster, allowedOrigins []string, authToken string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		ctrl:           ctrl,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		log:            log,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/snapshot", s.auth(s.handleSnapshot))

	mux.HandleFunc("POST /api/context/select", s.auth(s.handleSelect))
	mux.HandleFunc("POST /api/context/unlock", s.auth(s.handleUnlock))
	mux.HandleFunc("POST /api/context/clear", s.auth(s.handleClear))

	mux.HandleFunc("POST /api/exercises", s.auth(s.handleRegisterExercise))
	mux.HandleFunc("POST /api/exercises/remove", s.auth(s.handleRemoveExercise))
	mux.HandleFunc("POST /api/courses", s.auth(s.handleRegisterCourse))
	mux.HandleFunc("POST /api/courses/remove", s.auth(s.handleRemoveCourse))

	mux.HandleFunc("POST /api/sessions", s.auth(s.handleNewSession))
	mux.HandleFunc("POST /api/sessions/switch", s.auth(s.handleSwitchSession))
	mux.HandleFunc("POST /api/sessions/delete", s.auth(s.handleDeleteSession))

	mux.HandleFunc("POST /api/messages", s.auth(s.handleSend))
	mux.HandleFunc("POST /api/messages/helpful", s.auth(s.handleHelpful))

	mux.HandleFunc("POST /api/refresh", s.auth(s.handleRefresh))
	mux.HandleFunc("POST /api/reset", s.auth(s.handleReset))
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn("rejecting view client", zap.String("remote", r.RemoteAddr), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.log.Info("view client connected", zap.String("remote", r.RemoteAddr))

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.Info("view client disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Kind.Valid() {
		http.Error(w, "invalid kind", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.SelectContext(req.Kind, req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) handleUnlock(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.UnlockContext()
	s.writeSnapshot(w)
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.ClearContext()
	s.writeSnapshot(w)
}

func (s *Server) handleRegisterExercise(w http.ResponseWriter, r *http.Request) {
	var req exerciseRequest
	if !decode(w, r, &req) {
		return
	}
	in, ok := req.input()
	if !ok || req.ID == 0 {
		http.Error(w, "invalid exercise", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.RegisterExercise(in))
}

func (s *Server) handleRemoveExercise(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !decode(w, r, &req) {
		return
	}
	s.ctrl.RemoveExercise(req.ID)
	s.writeSnapshot(w)
}

func (s *Server) handleRegisterCourse(w http.ResponseWriter, r *http.Request) {
	var req courseRequest
	if !decode(w, r, &req) {
		return
	}
	in, ok := req.input()
	if !ok || req.ID == 0 {
		http.Error(w, "invalid course", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.RegisterCourse(in))
}

func (s *Server) handleRemoveCourse(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !decode(w, r, &req) {
		return
	}
	s.ctrl.RemoveCourse(req.ID)
	s.writeSnapshot(w)
}

func (s *Server) handleNewSession(w http.ResponseWriter, _ *http.Request) {
	sess, err := s.ctrl.NewConversation()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSwitchSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctrl.SwitchSession(req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctrl.DeleteSession(req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.SendMessage(r.Context(), req.Text, req.Attachments); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHelpful(w http.ResponseWriter, r *http.Request) {
	var req helpfulRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctrl.MarkHelpful(r.Context(), req.MessageID, req.Helpful); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Refresh()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Reset()
	s.writeSnapshot(w)
}

func (s *Server) writeSnapshot(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, contextstore.ErrUnknownContext), errors.Is(err, contextstore.ErrUnknownSession):
		code = http.StatusNotFound
	case errors.Is(err, contextstore.ErrNoActiveContext):
		code = http.StatusConflict
	}
	if code == http.StatusBadGateway {
		s.log.Warn("intent failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Iris-Sync-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ListenAndServe serves handler on host:port until ctx is cancelled, then
// shuts down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler, log *zap.Logger) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("view gateway listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
