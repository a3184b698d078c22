package view

import (
	"testing"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
)

func TestMultiFansOutInOrder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	var v View = Multi{a, b, Nop{}}

	v.ClearMessages()
	v.LoadMessages([]remote.Message{{ID: 1}})
	v.AddMessage(remote.Message{ID: 2})
	v.ConnectionStatus(true)
	v.Warning(Warning{Kind: WarningNetwork})
	v.Snapshot(contextstore.Snapshot{})

	want := []EventType{EventClearMessages, EventLoadMessages, EventAddMessage, EventConnectionStatus, EventWarning, EventSnapshot}
	for _, r := range []*Recorder{a, b} {
		events := r.Events()
		if len(events) != len(want) {
			t.Fatalf("got %d events, want %d", len(events), len(want))
		}
		for i, e := range events {
			if e.Type != want[i] {
				t.Errorf("event %d = %s, want %s", i, e.Type, want[i])
			}
		}
	}
}

func TestRecorderCopiesMessages(t *testing.T) {
	r := &Recorder{}
	msgs := []remote.Message{{ID: 1, Text: "a"}}
	r.LoadMessages(msgs)
	msgs[0].Text = "mutated"

	e, ok := r.Last(EventLoadMessages)
	if !ok {
		t.Fatal("no load event")
	}
	if e.Messages[0].Text != "a" {
		t.Error("recorder shares the caller's slice")
	}
	if r.Count(EventLoadMessages) != 1 {
		t.Errorf("Count = %d", r.Count(EventLoadMessages))
	}
	r.Reset()
	if len(r.Events()) != 0 {
		t.Error("Reset kept events")
	}
}
