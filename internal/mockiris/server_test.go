package mockiris

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/push"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
)

func newTestServer(t *testing.T) (*Server, *remote.HTTPClient, string) {
	t.Helper()
	s := New(nil)
	s.ReplyDelay = 10 * time.Millisecond
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	client := remote.NewHTTPClient(srv.URL, "tok", time.Second, nil)
	return s, client, "ws" + strings.TrimPrefix(srv.URL, "http") + PushPath
}

func TestSettings(t *testing.T) {
	s, client, _ := newTestServer(t)
	s.Disable(contextstore.KindCourse, 2)
	ctx := context.Background()

	got, err := client.GetChatSettings(ctx, contextstore.KindExercise, 2)
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	got, err = client.GetChatSettings(ctx, contextstore.KindCourse, 2)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	_, err = client.CreateSession(ctx, contextstore.KindCourse, 2)
	var se *remote.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 403, se.Code)
}

func TestSeedListAndFetch(t *testing.T) {
	s, client, _ := newTestServer(t)
	created := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	sid := s.Seed(contextstore.KindExercise, 5, created, "What is a heap?", "A tree with an ordering property.")
	ctx := context.Background()

	sums, err := client.ListSessions(ctx, contextstore.KindExercise, 5)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, sid, sums[0].ID)
	assert.True(t, created.Equal(sums[0].CreationDate))

	msgs, err := client.GetMessages(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, remote.RoleUser, msgs[0].Role)
	assert.Equal(t, remote.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "A tree with an ordering property.", msgs[1].Text)

	sums, err = client.ListSessions(ctx, contextstore.KindCourse, 5)
	require.NoError(t, err)
	assert.Empty(t, sums)

	_, err = client.GetMessages(ctx, 9999)
	assert.Error(t, err)
}

func TestSendMessageRepliesOverPush(t *testing.T) {
	s, client, pushURL := newTestServer(t)
	ctx := context.Background()

	sum, err := client.CreateSession(ctx, contextstore.KindExercise, 1)
	require.NoError(t, err)

	pc := push.NewClient(push.Config{URL: pushURL, Token: "tok"}, nil)
	defer pc.Close()
	require.NoError(t, pc.Connect(ctx))

	got := make(chan remote.Message, 1)
	sub, err := pc.Subscribe(sum.ID, func(m remote.Message) { got <- m })
	require.NoError(t, err)
	defer sub.Release()

	// The subscribe frame races the send; wait until the server saw it.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for p := range s.peers {
			if p.topics[push.Topic(sum.ID)] {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.SendMessage(ctx, sum.ID, "How do I sort a list?", nil))

	select {
	case m := <-got:
		assert.Equal(t, remote.RoleAssistant, m.Role)
		assert.Contains(t, m.Text, "How do I sort a list?")
	case <-time.After(2 * time.Second):
		t.Fatal("no reply pushed")
	}

	stored := s.Messages(sum.ID)
	require.Len(t, stored, 2)
	assert.Equal(t, "USER", stored[0].Sender)

	require.NoError(t, client.MarkHelpful(ctx, sum.ID, stored[1].ID, true))
	stored = s.Messages(sum.ID)
	require.NotNil(t, stored[1].Helpful)
	assert.True(t, *stored[1].Helpful)
}

func TestChatKind(t *testing.T) {
	tests := []struct {
		in   string
		want contextstore.Kind
		ok   bool
	}{
		{"exercise-chat", contextstore.KindExercise, true},
		{"course-chat", contextstore.KindCourse, true},
		{"lecture-chat", "", false},
		{"exercise", "", false},
	}
	for _, tt := range tests {
		kind, ok := chatKind(tt.in)
		if ok != tt.ok || (ok && kind != tt.want) {
			t.Errorf("chatKind(%q) = %q, %v", tt.in, kind, ok)
		}
	}
}

func TestAnswerCyclesTemplates(t *testing.T) {
	first := answer("loops", 1)
	assert.Contains(t, first, "*loops*")
	assert.Equal(t, first, answer("loops", len(templates)+1))
	assert.NotEqual(t, first, answer("loops", 2))
	assert.Contains(t, answer("  ", 1), "your exercise")
	assert.Contains(t, answer(strings.Repeat("x", 60), 1), "…")
}

func TestListenServesUntilCancelled(t *testing.T) {
	s := New(nil)
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())

	base, pushURL, err := s.Listen(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pushURL, "ws://"))

	client := remote.NewHTTPClient(base, "", time.Second, nil)
	_, err = client.GetChatSettings(context.Background(), contextstore.KindExercise, 1)
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		_, err := client.GetChatSettings(context.Background(), contextstore.KindExercise, 1)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
