package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ls1intum/artemis-extension-sub001/internal/config"
	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/mockiris"
	"github.com/ls1intum/artemis-extension-sub001/internal/persist"
	"github.com/ls1intum/artemis-extension-sub001/internal/reconcile"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	t.Setenv(config.EnvToken, "")
	t.Setenv(config.EnvBaseURL, "")
	cfg := config.Default()
	cfg.Remote.BaseURL = baseURL
	cfg.Storage.Backend = "file"
	cfg.Storage.Dir = t.TempDir()
	return cfg
}

func disabledRemote(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/iris/exercises/7/chat-settings" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"enabled":false}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnv_ReconcilesThroughRemote(t *testing.T) {
	srv := disabledRemote(t)
	rec := &view.Recorder{}

	env, err := New(testConfig(t, srv.URL), nil, rec)
	require.NoError(t, err)

	env.Controller.RegisterExercise(contextstore.ExerciseInput{ID: 7, Title: "Sorting", Source: contextstore.SourceWorkspace})
	env.Controller.Wait()

	assert.Equal(t, reconcile.StatusDisabled, env.Controller.LastOutcome().Status)
	_, ok := rec.Last(view.EventSnapshot)
	assert.True(t, ok, "extra view receives events")
	require.NoError(t, env.Close())
}

func TestEnv_StatePersistsAcrossInstances(t *testing.T) {
	srv := disabledRemote(t)
	cfg := testConfig(t, srv.URL)

	first, err := New(cfg, nil)
	require.NoError(t, err)
	first.Controller.RegisterExercise(contextstore.ExerciseInput{ID: 7, Title: "Sorting", Source: contextstore.SourceWorkspace})
	first.Controller.Wait()
	require.NoError(t, first.Close())

	second, err := New(cfg, nil)
	require.NoError(t, err)
	defer second.Close()

	snap := second.Controller.Snapshot()
	require.NotNil(t, snap.ActiveContext)
	assert.Equal(t, int64(7), snap.ActiveContext.ID)
	require.Len(t, snap.AllExercises, 1)
	assert.Equal(t, "Sorting", snap.AllExercises[0].Title)
}

func TestEnv_UnknownBackend(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Backend = "redis"

	_, err := New(cfg, nil)
	assert.True(t, errors.Is(err, persist.ErrUnknownBackend))
}

func TestOfflinePushNeverConnects(t *testing.T) {
	var p offline
	assert.False(t, p.IsConnected())
	assert.Error(t, p.Connect(t.Context()))
	_, err := p.Subscribe(1, nil)
	assert.Error(t, err)
}

func TestEnv_EndToEndWithMockIris(t *testing.T) {
	iris := mockiris.New(nil)
	iris.ReplyDelay = 200 * time.Millisecond
	srv := httptest.NewServer(iris.Handler())
	t.Cleanup(func() {
		iris.Close()
		srv.Close()
	})

	cfg := testConfig(t, srv.URL)
	cfg.Push.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + mockiris.PushPath
	rec := &view.Recorder{}
	env, err := New(cfg, nil, rec)
	require.NoError(t, err)
	defer env.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.Start(ctx)

	env.Controller.RegisterExercise(contextstore.ExerciseInput{ID: 3, Title: "Queues", Source: contextstore.SourceWorkspace})
	env.Controller.Wait()
	require.Equal(t, reconcile.StatusDone, env.Controller.LastOutcome().Status)

	remoteID, ok := env.Controller.BoundSession()
	require.True(t, ok, "push bound after reconciliation")

	require.NoError(t, env.Controller.SendMessage(ctx, "How do I dequeue?", nil))

	require.Eventually(t, func() bool {
		for _, ev := range rec.Events() {
			if ev.Type == view.EventAddMessage && ev.Message.Role == remote.RoleAssistant {
				return strings.Contains(ev.Message.Text, "How do I dequeue?")
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	assert.Len(t, iris.Messages(remoteID), 2)
	snap := env.Controller.Snapshot()
	require.NotNil(t, snap.ActiveSession)
	assert.Equal(t, "How do I dequeue?", snap.ActiveSession.Preview)
	assert.Equal(t, 1, snap.ActiveSession.MessageCount)
}
