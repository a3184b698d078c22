package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/persist"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	t1  = now.Add(-48 * time.Hour)
	t2  = now.Add(-2 * time.Hour)
)

var errOffline = errors.New("offline")

type fakeDirectory struct {
	mu           sync.Mutex
	disabled     bool
	settingsErr  error
	listErr      error
	createErr    error
	sessions     []remote.SessionSummary
	messages     map[int64][]remote.Message
	failMessages map[int64]bool
	vanish       map[int64]bool
	msgCalls     map[int64]int
	nextID       int64
	created      []int64
	listCalls    int
	listHook     func(call int)
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		messages:     make(map[int64][]remote.Message),
		failMessages: make(map[int64]bool),
		vanish:       make(map[int64]bool),
		msgCalls:     make(map[int64]int),
		nextID:       100,
	}
}

func (f *fakeDirectory) GetChatSettings(_ context.Context, _ contextstore.Kind, _ int64) (remote.ChatSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settingsErr != nil {
		return remote.ChatSettings{}, f.settingsErr
	}
	return remote.ChatSettings{Enabled: !f.disabled}, nil
}

func (f *fakeDirectory) ListSessions(_ context.Context, _ contextstore.Kind, _ int64) ([]remote.SessionSummary, error) {
	f.mu.Lock()
	f.listCalls++
	call, hook := f.listCalls, f.listHook
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]remote.SessionSummary(nil), f.sessions...), nil
}

func (f *fakeDirectory) GetMessages(_ context.Context, id int64) ([]remote.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := f.msgCalls[id]
	f.msgCalls[id]++
	if f.failMessages[id] {
		return nil, errOffline
	}
	if f.vanish[id] && calls > 0 {
		return []remote.Message{}, nil
	}
	return append([]remote.Message(nil), f.messages[id]...), nil
}

func (f *fakeDirectory) CreateSession(_ context.Context, _ contextstore.Kind, _ int64) (remote.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return remote.SessionSummary{}, f.createErr
	}
	f.nextID++
	f.created = append(f.created, f.nextID)
	return remote.SessionSummary{ID: f.nextID, CreationDate: now}, nil
}

type countingBinder struct{ n atomic.Int32 }

func (b *countingBinder) Sync() { b.n.Add(1) }

type fixture struct {
	cache   *contextstore.Cache
	backend *persist.MemoryBackend
	dir     *fakeDirectory
	rec     *view.Recorder
	binder  *countingBinder
	r       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := persist.NewMemoryBackend()
	n := 0
	cache, err := contextstore.New(contextstore.Options{
		Backend: backend,
		Now:     func() time.Time { return now },
		NewID: func() string {
			n++
			return fmt.Sprintf("local-%d", n)
		},
	})
	require.NoError(t, err)

	f := &fixture{
		cache:   cache,
		backend: backend,
		dir:     newFakeDirectory(),
		rec:     &view.Recorder{},
		binder:  &countingBinder{},
	}
	f.r = New(Options{Cache: cache, Directory: f.dir, View: f.rec, Binder: f.binder})
	return f
}

// activateExercise makes exercise id the locked workspace context.
func (f *fixture) activateExercise(id int64) {
	f.cache.RegisterExercise(contextstore.ExerciseInput{ID: id, Title: fmt.Sprintf("E%d", id), Source: contextstore.SourceWorkspace})
}

func userMsg(id int64, text string, at time.Time) remote.Message {
	return remote.Message{ID: id, Role: remote.RoleUser, Text: text, SentAt: at}
}

func botMsg(id int64, text string, at time.Time) remote.Message {
	return remote.Message{ID: id, Role: remote.RoleAssistant, Text: text, SentAt: at}
}

func TestRun_ImportsRemoteSessionsNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	f.dir.sessions = []remote.SessionSummary{
		{ID: 10, CreationDate: t1},
		{ID: 20, CreationDate: t2},
	}
	f.dir.messages[10] = []remote.Message{userMsg(1, "older question", t1)}
	latest := []remote.Message{
		userMsg(2, "how do I start?", t2),
		botMsg(3, "read the task", t2.Add(time.Minute)),
	}
	f.dir.messages[20] = latest

	out := f.r.Run(context.Background())

	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, PhaseDone, out.Phase)
	assert.Equal(t, 2, out.Imported)
	assert.Nil(t, out.Warning)

	snap := f.cache.Snapshot()
	require.Len(t, snap.Sessions, 2)
	assert.Equal(t, int64(20), *snap.Sessions[0].RemoteSessionID)
	assert.Equal(t, int64(10), *snap.Sessions[1].RemoteSessionID)
	assert.Equal(t, "how do I start?", snap.Sessions[0].Preview)
	assert.Equal(t, 2, snap.Sessions[0].MessageCount)
	assert.True(t, snap.Sessions[0].CreatedAt.Equal(t2))
	assert.True(t, snap.Sessions[0].LastActivity.Equal(t2.Add(time.Minute)))

	require.NotNil(t, snap.ActiveSession)
	assert.Equal(t, snap.Sessions[0].ID, snap.ActiveSession.ID)

	load, ok := f.rec.Last(view.EventLoadMessages)
	require.True(t, ok)
	assert.Equal(t, latest, load.Messages)
	assert.Equal(t, 1, f.rec.Count(view.EventClearMessages))
	_, ok = f.rec.Last(view.EventSnapshot)
	assert.True(t, ok)
	assert.Equal(t, int32(1), f.binder.n.Load())
}

func TestRun_RepeatedRunsDoNotAccumulate(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	f.dir.sessions = []remote.SessionSummary{{ID: 10, CreationDate: t1}}
	f.dir.messages[10] = []remote.Message{userMsg(1, "q", t1)}

	f.r.Run(context.Background())
	f.r.Run(context.Background())

	assert.Len(t, f.cache.Snapshot().Sessions, 1)
}

func TestRun_AbortsWhenContextChangesDuringFetch(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	f.cache.RegisterExercise(contextstore.ExerciseInput{ID: 2, Title: "E2"})
	f.dir.sessions = []remote.SessionSummary{{ID: 10, CreationDate: t1}}

	entered := make(chan struct{})
	release := make(chan struct{})
	f.dir.listHook = func(int) {
		close(entered)
		<-release
	}

	before, ok := f.cache.ActiveSession()
	require.True(t, ok)

	done := make(chan Outcome)
	go func() { done <- f.r.Run(context.Background()) }()

	<-entered
	_, err := f.cache.SelectContext(contextstore.KindExercise, 2)
	require.NoError(t, err)
	saves := f.backend.Saves()
	close(release)
	out := <-done

	assert.Equal(t, StatusAborted, out.Status)
	assert.Equal(t, PhaseAborted, out.Phase)
	assert.Equal(t, saves, f.backend.Saves(), "aborted run persisted state")

	f.cache.Batch(func(tx *contextstore.Tx) error {
		sessions := tx.Sessions(contextstore.Key(contextstore.KindExercise, 1))
		require.Len(t, sessions, 1)
		assert.Equal(t, before.ID, sessions[0].ID)
		assert.False(t, sessions[0].HasRemote())
		return nil
	})
	assert.Equal(t, 0, f.rec.Count(view.EventClearMessages))
	assert.Equal(t, int32(0), f.binder.n.Load())
}

func TestRun_SupersededBySameContextRun(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	f.dir.sessions = []remote.SessionSummary{
		{ID: 10, CreationDate: t1},
		{ID: 20, CreationDate: t2},
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	f.dir.listHook = func(call int) {
		if call == 1 {
			close(entered)
			<-release
		}
	}

	first := make(chan Outcome)
	go func() { first <- f.r.Run(context.Background()) }()
	<-entered

	second := f.r.Run(context.Background())
	close(release)
	stale := <-first

	assert.Equal(t, StatusDone, second.Status)
	assert.Equal(t, StatusAborted, stale.Status)
	assert.Equal(t, PhaseAborted, stale.Phase)
	assert.Less(t, stale.Token, second.Token)
	assert.Len(t, f.cache.Snapshot().Sessions, 2)
}

func TestRun_Disabled(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	f.dir.disabled = true
	before := f.cache.Snapshot()

	out := f.r.Run(context.Background())

	assert.Equal(t, StatusDisabled, out.Status)
	assert.Equal(t, 1, f.rec.Count(view.EventClearMessages))
	assert.Equal(t, before.Sessions, f.cache.Snapshot().Sessions)
	assert.Zero(t, f.dir.listCalls)
	assert.Equal(t, int32(1), f.binder.n.Load())
	assert.Equal(t, 1, f.rec.Count(view.EventSnapshot))
}

func TestRun_NetworkFailureFallsBackToFreshSession(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(*fakeDirectory)
		phase Phase
	}{
		{"settings", func(d *fakeDirectory) { d.settingsErr = errOffline }, PhaseError},
		{"list", func(d *fakeDirectory) { d.listErr = errOffline }, PhaseError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.activateExercise(1)
			tc.setup(f.dir)

			out := f.r.Run(context.Background())

			assert.Equal(t, StatusFallback, out.Status)
			assert.Equal(t, tc.phase, out.Phase)
			require.NotNil(t, out.Warning)
			assert.Equal(t, view.WarningNetwork, out.Warning.Kind)
			assert.True(t, out.Warning.Recoverable)

			snap := f.cache.Snapshot()
			require.Len(t, snap.Sessions, 2)
			require.NotNil(t, snap.ActiveSession)
			assert.Equal(t, snap.Sessions[0].ID, snap.ActiveSession.ID)
			require.True(t, snap.ActiveSession.HasRemote())
			assert.Equal(t, f.dir.created[0], *snap.ActiveSession.RemoteSessionID)
			assert.Equal(t, 1, f.rec.Count(view.EventWarning))
		})
	}
}

func TestRun_FallbackKeepsLocalSessionWhenCreateFails(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	f.dir.settingsErr = errOffline
	f.dir.createErr = errOffline

	out := f.r.Run(context.Background())

	assert.Equal(t, StatusFallback, out.Status)
	s, ok := f.cache.ActiveSession()
	require.True(t, ok)
	assert.False(t, s.HasRemote())
}

func TestRun_NoRemoteSessionsCreatesOne(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	old, _ := f.cache.ActiveSession()

	out := f.r.Run(context.Background())

	assert.Equal(t, StatusDone, out.Status)
	assert.Zero(t, out.Imported)
	snap := f.cache.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.NotEqual(t, old.ID, snap.Sessions[0].ID)
	require.True(t, snap.Sessions[0].HasRemote())
	assert.Equal(t, int64(101), *snap.Sessions[0].RemoteSessionID)
}

func TestRun_MessageFailureDegradesToEmptyHistory(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	f.dir.sessions = []remote.SessionSummary{
		{ID: 10, CreationDate: t2},
		{ID: 20, CreationDate: t1},
	}
	f.dir.messages[20] = []remote.Message{userMsg(1, "kept", t1)}
	f.dir.failMessages[10] = true

	out := f.r.Run(context.Background())

	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, 2, out.Imported)
	snap := f.cache.Snapshot()
	require.Len(t, snap.Sessions, 2)
	assert.Equal(t, contextstore.DefaultPreview, snap.Sessions[0].Preview)
	assert.Zero(t, snap.Sessions[0].MessageCount)
	assert.Equal(t, "kept", snap.Sessions[1].Preview)
}

func TestRun_StaleMappingIsCleared(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	f.dir.sessions = []remote.SessionSummary{{ID: 10, CreationDate: t1}}
	f.dir.messages[10] = []remote.Message{userMsg(1, "q", t1), botMsg(2, "a", t1)}
	f.dir.vanish[10] = true

	out := f.r.Run(context.Background())

	assert.Equal(t, StatusDone, out.Status)
	require.NotNil(t, out.Warning)
	assert.Equal(t, view.WarningStaleSession, out.Warning.Kind)
	s, ok := f.cache.ActiveSession()
	require.True(t, ok)
	assert.False(t, s.HasRemote())
	assert.Equal(t, 2, s.MessageCount)
}

func TestLoadSession_StaleMapping(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	remoteID := int64(5)
	f.cache.Batch(func(tx *contextstore.Tx) error {
		s := tx.ImportSession(contextstore.StoredSession{
			ContextKey:      tx.ActiveKey(),
			MessageCount:    5,
			CreatedAt:       t1,
			RemoteSessionID: &remoteID,
		})
		tx.SwitchSession(s.ID)
		return nil
	})

	out := f.r.LoadSession(context.Background())

	assert.Equal(t, StatusDone, out.Status)
	require.NotNil(t, out.Warning)
	assert.Equal(t, view.WarningStaleSession, out.Warning.Kind)
	s, ok := f.cache.ActiveSession()
	require.True(t, ok)
	assert.False(t, s.HasRemote())
	load, ok := f.rec.Last(view.EventLoadMessages)
	require.True(t, ok)
	assert.Empty(t, load.Messages)
}

func TestLoadSession_UnboundSessionShowsEmptyConversation(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)

	out := f.r.LoadSession(context.Background())

	assert.Equal(t, StatusDone, out.Status)
	assert.Nil(t, out.Warning)
	assert.Equal(t, 1, f.rec.Count(view.EventLoadMessages))
	assert.Empty(t, f.dir.msgCalls)
}

func TestRun_NoActiveContext(t *testing.T) {
	f := newFixture(t)

	out := f.r.Run(context.Background())

	assert.Equal(t, StatusIdle, out.Status)
	assert.Equal(t, int32(1), f.binder.n.Load())
}

func TestRun_CancelledContextAborts(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.r.Run(ctx)

	assert.Equal(t, StatusAborted, out.Status)
	assert.Equal(t, 1, len(f.cache.Snapshot().Sessions))
}

func TestInvalidateSupersedesTokens(t *testing.T) {
	f := newFixture(t)
	start := f.r.Token()
	assert.Equal(t, start+1, f.r.Invalidate())
	assert.Equal(t, start+1, f.r.Token())
}

func TestPhaseAndStatusNames(t *testing.T) {
	assert.Equal(t, "checking-enablement", PhaseCheckingEnablement.String())
	assert.Equal(t, "loading-messages", PhaseLoadingMessages.String())
	assert.Equal(t, "unknown", Phase(99).String())
	assert.Equal(t, "fallback", StatusFallback.String())

	data, err := StatusAborted.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"aborted"`, string(data))
}

func TestAttachRemote_BindsNewSession(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	s, ok := f.cache.CreateSession("")
	require.True(t, ok)

	out := f.r.AttachRemote(context.Background(), s.ID)

	assert.Equal(t, StatusDone, out.Status)
	got, ok := f.cache.Session(s.ID)
	require.True(t, ok)
	require.True(t, got.HasRemote())
	assert.Equal(t, int64(101), *got.RemoteSessionID)
	assert.Equal(t, int32(1), f.binder.n.Load())
}

func TestAttachRemote_AbortsAfterContextSwitch(t *testing.T) {
	f := newFixture(t)
	f.activateExercise(1)
	f.cache.RegisterExercise(contextstore.ExerciseInput{ID: 2, Title: "E2"})
	s, _ := f.cache.ActiveSession()
	_, err := f.cache.SelectContext(contextstore.KindExercise, 2)
	require.NoError(t, err)

	out := f.r.AttachRemote(context.Background(), s.ID)

	assert.Equal(t, StatusAborted, out.Status)
	got, _ := f.cache.Session(s.ID)
	assert.False(t, got.HasRemote())
	assert.Empty(t, f.dir.created)
}
