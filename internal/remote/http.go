package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
)

// ErrStatus matches every *StatusError.
var ErrStatus = errors.New("unexpected status")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// HTTPClient makes REST calls to the Iris endpoints of an Artemis server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPClient creates a client targeting baseURL (e.g.
// "https://artemis.example.org"). A zero timeout selects 10s.
func NewHTTPClient(baseURL, token string, timeout time.Duration, log *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

func settingsPath(kind contextstore.Kind, id int64) string {
	if kind == contextstore.KindCourse {
		return fmt.Sprintf("/api/iris/courses/%d/chat-settings", id)
	}
	return fmt.Sprintf("/api/iris/exercises/%d/chat-settings", id)
}

func sessionsPath(kind contextstore.Kind, id int64) string {
	return fmt.Sprintf("/api/iris/%s-chat/%d/sessions", kind, id)
}

func messagesPath(sessionID int64) string {
	return fmt.Sprintf("/api/iris/sessions/%d/messages", sessionID)
}

// GetChatSettings fetches whether the assistant is enabled. Courses and
// exercises use distinct settings endpoints.
func (c *HTTPClient) GetChatSettings(ctx context.Context, kind contextstore.Kind, id int64) (ChatSettings, error) {
	var s ChatSettings
	if err := c.do(ctx, http.MethodGet, settingsPath(kind, id), nil, &s); err != nil {
		return ChatSettings{}, err
	}
	return s, nil
}

// ListSessions fetches the conversation summaries of a context.
func (c *HTTPClient) ListSessions(ctx context.Context, kind contextstore.Kind, id int64) ([]SessionSummary, error) {
	var out []SessionSummary
	if err := c.do(ctx, http.MethodGet, sessionsPath(kind, id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessages fetches and normalizes the messages of a conversation.
func (c *HTTPClient) GetMessages(ctx context.Context, sessionID int64) ([]Message, error) {
	var wire []WireMessage
	if err := c.do(ctx, http.MethodGet, messagesPath(sessionID), nil, &wire); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, Normalize(w))
	}
	return out, nil
}

// CreateSession starts a new remote conversation for a context.
func (c *HTTPClient) CreateSession(ctx context.Context, kind contextstore.Kind, id int64) (SessionSummary, error) {
	var s SessionSummary
	if err := c.do(ctx, http.MethodPost, sessionsPath(kind, id), nil, &s); err != nil {
		return SessionSummary{}, err
	}
	return s, nil
}

type sendMessageRequest struct {
	Content     []Fragment   `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendMessage posts a user message to a conversation. The reply arrives over
// the push channel.
func (c *HTTPClient) SendMessage(ctx context.Context, sessionID int64, text string, attachments []Attachment) error {
	body := sendMessageRequest{
		Content:     []Fragment{{Type: "text", TextContent: text}},
		Attachments: attachments,
	}
	return c.do(ctx, http.MethodPost, messagesPath(sessionID), body, nil)
}

// MarkHelpful records user feedback on an assistant message.
func (c *HTTPClient) MarkHelpful(ctx context.Context, sessionID, messageID int64, helpful bool) error {
	path := fmt.Sprintf("%s/%d/helpful/%s", messagesPath(sessionID), messageID, strconv.FormatBool(helpful))
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("remote request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
