// Package view defines what the synchronization core emits to the view
// layer: snapshots plus discrete conversation events.
package view

import (
	"sync"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
)

// EventType names a view event on the wire.
type EventType string

const (
	EventSnapshot         EventType = "snapshot"
	EventClearMessages    EventType = "clear_messages"
	EventLoadMessages     EventType = "load_messages"
	EventAddMessage       EventType = "add_message"
	EventConnectionStatus EventType = "connection_status"
	EventWarning          EventType = "warning"
)

// WarningKind classifies a dismissible notice.
type WarningKind string

const (
	// WarningNetwork: the remote directory could not be reached; a fresh
	// local conversation was started instead.
	WarningNetwork WarningKind = "network"
	// WarningStaleSession: the remote conversation vanished; the user should
	// start a new one.
	WarningStaleSession WarningKind = "stale_session"
)

type Warning struct {
	Kind        WarningKind `json:"kind"`
	Message     string      `json:"message"`
	Recoverable bool        `json:"recoverable"`
}

// View consumes state from the core. Implementations must not call back
// into the context cache; events may be delivered while it is locked.
type View interface {
	Snapshot(contextstore.Snapshot)
	ClearMessages()
	LoadMessages([]remote.Message)
	AddMessage(remote.Message)
	ConnectionStatus(connected bool)
	Warning(Warning)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Snapshot(contextstore.Snapshot) {}
func (Nop) ClearMessages()                 {}
func (Nop) LoadMessages([]remote.Message)  {}
func (Nop) AddMessage(remote.Message)      {}
func (Nop) ConnectionStatus(bool)          {}
func (Nop) Warning(Warning)                {}

// Multi fans every event out to several views in order.
type Multi []View

func (m Multi) Snapshot(s contextstore.Snapshot) {
	for _, v := range m {
		v.Snapshot(s)
	}
}

func (m Multi) ClearMessages() {
	for _, v := range m {
		v.ClearMessages()
	}
}

func (m Multi) LoadMessages(msgs []remote.Message) {
	for _, v := range m {
		v.LoadMessages(msgs)
	}
}

func (m Multi) AddMessage(msg remote.Message) {
	for _, v := range m {
		v.AddMessage(msg)
	}
}

func (m Multi) ConnectionStatus(up bool) {
	for _, v := range m {
		v.ConnectionStatus(up)
	}
}

func (m Multi) Warning(w Warning) {
	for _, v := range m {
		v.Warning(w)
	}
}

// Event is one recorded view call.
type Event struct {
	Type      EventType              `json:"type"`
	Snapshot  *contextstore.Snapshot `json:"snapshot,omitempty"`
	Messages  []remote.Message       `json:"messages,omitempty"`
	Message   *remote.Message        `json:"message,omitempty"`
	Connected *bool                  `json:"connected,omitempty"`
	Warning   *Warning               `json:"warning,omitempty"`
}

// Recorder keeps every event in order. It backs the one-shot CLI commands
// and tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Snapshot(s contextstore.Snapshot) { r.add(Event{Type: EventSnapshot, Snapshot: &s}) }
func (r *Recorder) ClearMessages()                   { r.add(Event{Type: EventClearMessages}) }

func (r *Recorder) LoadMessages(msgs []remote.Message) {
	r.add(Event{Type: EventLoadMessages, Messages: append([]remote.Message{}, msgs...)})
}

func (r *Recorder) AddMessage(m remote.Message) { r.add(Event{Type: EventAddMessage, Message: &m}) }
func (r *Recorder) ConnectionStatus(up bool) {
	r.add(Event{Type: EventConnectionStatus, Connected: &up})
}
func (r *Recorder) Warning(w Warning) { r.add(Event{Type: EventWarning, Warning: &w}) }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent event of type t.
func (r *Recorder) Last(t EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
