// Package remote talks to the authoritative conversation directory (the Iris
// REST API) and normalizes what it returns.
package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChatSettings reports whether the assistant is enabled for a context.
type ChatSettings struct {
	Enabled                 bool `json:"enabled"`
	RateLimit               *int `json:"rateLimit,omitempty"`
	RateLimitTimeframeHours *int `json:"rateLimitTimeframeHours,omitempty"`
}

// SessionSummary is the remote metadata of one conversation.
type SessionSummary struct {
	ID           int64     `json:"id"`
	CreationDate time.Time `json:"creationDate"`
	EntityID     int64     `json:"entityId,omitempty"`
}

// Role is the normalized author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleError marks locally generated error notices shown in the
	// conversation. They never come from the remote directory.
	RoleError Role = "error"
)

const senderUser = "USER"

// ContentKind tags which shape the remote used for message content.
type ContentKind int

const (
	ContentEmpty ContentKind = iota
	ContentText
	ContentFragments
)

// Fragment is one part of a multi-part message body.
type Fragment struct {
	Type        string `json:"type"`
	TextContent string `json:"textContent"`
}

// Content is message content as sent by the remote: either a flat string or
// a list of fragments.
type Content struct {
	Kind      ContentKind
	Text      string
	Fragments []Fragment
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*c = Content{}
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Kind: ContentText, Text: s}
	case data[0] == '[':
		var frags []Fragment
		if err := json.Unmarshal(data, &frags); err != nil {
			return err
		}
		*c = Content{Kind: ContentFragments, Fragments: frags}
	default:
		return fmt.Errorf("unsupported message content: %.40s", string(data))
	}
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ContentText:
		return json.Marshal(c.Text)
	case ContentFragments:
		return json.Marshal(c.Fragments)
	}
	return []byte("null"), nil
}

// String flattens the content; fragments are joined by newlines.
func (c Content) String() string {
	switch c.Kind {
	case ContentText:
		return c.Text
	case ContentFragments:
		parts := make([]string, 0, len(c.Fragments))
		for _, f := range c.Fragments {
			parts = append(parts, f.TextContent)
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// WireMessage is a message exactly as the remote encodes it.
type WireMessage struct {
	ID      int64     `json:"id"`
	Sender  string    `json:"sender"`
	Content Content   `json:"content"`
	SentAt  time.Time `json:"sentAt"`
	Helpful *bool     `json:"helpful,omitempty"`
}

// Message is the normalized form used everywhere past the ingress boundary.
type Message struct {
	ID      int64     `json:"id"`
	Role    Role      `json:"role"`
	Text    string    `json:"text"`
	SentAt  time.Time `json:"sentAt"`
	Helpful *bool     `json:"helpful,omitempty"`
}

// Normalize maps sender "USER" to RoleUser and everything else to
// RoleAssistant, and flattens the content.
func Normalize(w WireMessage) Message {
	role := RoleAssistant
	if w.Sender == senderUser {
		role = RoleUser
	}
	return Message{
		ID:      w.ID,
		Role:    role,
		Text:    w.Content.String(),
		SentAt:  w.SentAt,
		Helpful: w.Helpful,
	}
}

// DecodeMessage parses and normalizes one wire message.
func DecodeMessage(data []byte) (Message, error) {
	var w WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return Normalize(w), nil
}

// FirstUserText returns the text of the first user message, if any.
func FirstUserText(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == RoleUser {
			return m.Text
		}
	}
	return ""
}

// Attachment is an optional file sent along with a user message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Content  string `json:"content"`
}
