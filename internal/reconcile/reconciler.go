// Package reconcile refreshes the locally stored sessions of the active
// context from the remote conversation directory.
//
// Every run captures a generation token. Before each observable mutation it
// re-checks, under the cache lock, that both the active context and the token
// are unchanged; otherwise the run aborts without further side effects.
// Requests already in flight are not cancelled, their results are discarded.
package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

// ErrAborted is returned by guarded mutations of a superseded run.
var ErrAborted = errors.New("reconciliation aborted")

// Directory is the part of the remote directory a run reads from.
type Directory interface {
	GetChatSettings(ctx context.Context, kind contextstore.Kind, id int64) (remote.ChatSettings, error)
	ListSessions(ctx context.Context, kind contextstore.Kind, id int64) ([]remote.SessionSummary, error)
	GetMessages(ctx context.Context, sessionID int64) ([]remote.Message, error)
	CreateSession(ctx context.Context, kind contextstore.Kind, id int64) (remote.SessionSummary, error)
}

// Binder points the push subscription at the current session's remote id.
type Binder interface {
	Sync()
}

type nopBinder struct{}

func (nopBinder) Sync() {}

const (
	networkWarning = "Could not reach Iris. A new conversation was started."
	staleWarning   = "This conversation is no longer available. Start a new conversation."
)

// Outcome summarizes one run.
type Outcome struct {
	Token    uint64        `json:"token"`
	Phase    Phase         `json:"phase"`
	Status   Status        `json:"status"`
	Imported int           `json:"imported"`
	Warning  *view.Warning `json:"warning,omitempty"`
}

type Options struct {
	Cache     *contextstore.Cache
	Directory Directory
	View      view.View
	Binder    Binder
	Logger    *zap.Logger
	// FetchConcurrency bounds parallel message fetches. Zero selects 4.
	FetchConcurrency int
}

type Reconciler struct {
	cache       *contextstore.Cache
	dir         Directory
	view        view.View
	binder      Binder
	log         *zap.Logger
	concurrency int

	gen atomic.Uint64
}

func New(opts Options) *Reconciler {
	r := &Reconciler{
		cache:       opts.Cache,
		dir:         opts.Directory,
		view:        opts.View,
		binder:      opts.Binder,
		log:         opts.Logger,
		concurrency: opts.FetchConcurrency,
	}
	if r.view == nil {
		r.view = view.Nop{}
	}
	if r.binder == nil {
		r.binder = nopBinder{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.concurrency <= 0 {
		r.concurrency = 4
	}
	return r
}

// SetBinder replaces the push binder. It must be called before the first run.
func (r *Reconciler) SetBinder(b Binder) {
	r.binder = b
}

// Token returns the current generation.
func (r *Reconciler) Token() uint64 {
	return r.gen.Load()
}

// Invalidate supersedes every run in flight.
func (r *Reconciler) Invalidate() uint64 {
	return r.gen.Add(1)
}

// run is the state of one reconciliation.
type run struct {
	r     *Reconciler
	token uint64
	key   string
	kind  contextstore.Kind
	id    int64
	phase Phase
	log   *zap.Logger
}

func (r *Reconciler) start(ac contextstore.ActiveContext) *run {
	token := r.gen.Add(1)
	return &run{
		r:     r,
		token: token,
		key:   ac.Key(),
		kind:  ac.Kind,
		id:    ac.ID,
		log:   r.log.With(zap.Uint64("token", token), zap.String("context", ac.Key())),
	}
}

// guard runs fn inside one cache batch, but only while the run is current.
func (x *run) guard(fn func(tx *contextstore.Tx) error) error {
	return x.r.cache.Batch(func(tx *contextstore.Tx) error {
		if tx.ActiveKey() != x.key || x.r.gen.Load() != x.token {
			return ErrAborted
		}
		return fn(tx)
	})
}

// stale reports whether the run has been superseded, without mutating.
func (x *run) stale(ctx context.Context) bool {
	if ctx.Err() != nil || x.r.gen.Load() != x.token {
		return true
	}
	ac, ok := x.r.cache.ActiveContext()
	return !ok || ac.Key() != x.key
}

func (x *run) outcome(status Status) Outcome {
	return Outcome{Token: x.token, Phase: x.phase, Status: status}
}

func (x *run) aborted() Outcome {
	x.log.Debug("reconciliation aborted", zap.Stringer("phase", x.phase))
	x.phase = PhaseAborted
	return x.outcome(StatusAborted)
}

// Run reconciles the active context. It never returns an error; failures are
// reported through the view and the outcome.
func (r *Reconciler) Run(ctx context.Context) Outcome {
	ac, ok := r.cache.ActiveContext()
	if !ok {
		token := r.gen.Add(1)
		r.binder.Sync()
		r.view.Snapshot(r.cache.Snapshot())
		return Outcome{Token: token, Phase: PhaseDone, Status: StatusIdle}
	}
	x := r.start(ac)
	x.log.Debug("reconciliation started")

	x.phase = PhaseCheckingEnablement
	settings, err := r.dir.GetChatSettings(ctx, x.kind, x.id)
	if x.stale(ctx) {
		return x.aborted()
	}
	if err != nil {
		return x.fallback(ctx, err)
	}
	if !settings.Enabled {
		err := x.guard(func(*contextstore.Tx) error {
			r.view.ClearMessages()
			return nil
		})
		// The previous context's subscription must not outlive the switch.
		if err != nil || !x.finish() {
			return x.aborted()
		}
		x.log.Info("assistant disabled for context")
		return x.outcome(StatusDisabled)
	}

	x.phase = PhaseFetchingMetadata
	summaries, err := r.dir.ListSessions(ctx, x.kind, x.id)
	if x.stale(ctx) {
		return x.aborted()
	}
	if err != nil {
		return x.fallback(ctx, err)
	}

	x.phase = PhaseFetchingMessages
	histories := x.fetchAll(ctx, summaries)
	if x.stale(ctx) {
		return x.aborted()
	}

	var (
		current  contextstore.StoredSession
		imported int
	)
	err = x.guard(func(tx *contextstore.Tx) error {
		x.phase = PhaseClearingLocal
		tx.ClearSessionsForContext(x.key)
		r.view.ClearMessages()

		x.phase = PhaseImporting
		order := make([]int, len(summaries))
		for i := range order {
			order[i] = i
		}
		slices.SortStableFunc(order, func(a, b int) int {
			return summaries[b].CreationDate.Compare(summaries[a].CreationDate)
		})
		var first string
		for _, i := range order {
			s := importedSession(x.key, summaries[i], histories[i])
			s = tx.ImportSession(s)
			if first == "" {
				first = s.ID
			}
		}
		imported = len(order)

		x.phase = PhaseSelectingFirst
		if first != "" {
			tx.SwitchSession(first)
			current, _ = tx.Session(first)
			return nil
		}
		current, _ = tx.CreateSession("")
		return nil
	})
	if err != nil {
		return x.aborted()
	}
	x.log.Debug("imported remote sessions", zap.Int("count", imported))

	out := x.outcome(StatusDone)
	out.Imported = imported
	if imported == 0 {
		if !x.createRemote(ctx, current.ID) {
			return x.aborted()
		}
		x.phase = PhaseDone
		if !x.finish() {
			return x.aborted()
		}
		out.Phase = x.phase
		return out
	}

	x.phase = PhaseLoadingMessages
	w, ok := x.loadMessages(ctx, current)
	if !ok {
		return x.aborted()
	}
	x.phase = PhaseDone
	if !x.finish() {
		return x.aborted()
	}
	out.Phase = x.phase
	out.Warning = w
	return out
}

func importedSession(key string, sum remote.SessionSummary, msgs []remote.Message) contextstore.StoredSession {
	id := sum.ID
	last := sum.CreationDate
	for _, m := range msgs {
		if m.SentAt.After(last) {
			last = m.SentAt
		}
	}
	return contextstore.StoredSession{
		ContextKey:      key,
		Preview:         contextstore.Preview(remote.FirstUserText(msgs)),
		MessageCount:    len(msgs),
		CreatedAt:       sum.CreationDate,
		LastActivity:    last,
		RemoteSessionID: &id,
	}
}

// fetchAll loads every session's messages in parallel. A failed fetch yields
// an empty history for that session.
func (x *run) fetchAll(ctx context.Context, summaries []remote.SessionSummary) [][]remote.Message {
	out := make([][]remote.Message, len(summaries))
	var g errgroup.Group
	g.SetLimit(x.r.concurrency)
	for i, s := range summaries {
		g.Go(func() error {
			msgs, err := x.r.dir.GetMessages(ctx, s.ID)
			if err != nil {
				x.log.Warn("fetching session messages", zap.Int64("session", s.ID), zap.Error(err))
				return nil
			}
			out[i] = msgs
			return nil
		})
	}
	g.Wait()
	return out
}

// fallback recovers from an unreachable directory by starting a fresh local
// and remote session.
func (x *run) fallback(ctx context.Context, cause error) Outcome {
	x.log.Warn("reconciliation failed, starting fresh session",
		zap.Stringer("phase", x.phase), zap.Error(cause))
	x.phase = PhaseError

	w := view.Warning{Kind: view.WarningNetwork, Message: networkWarning, Recoverable: true}
	var local contextstore.StoredSession
	err := x.guard(func(tx *contextstore.Tx) error {
		var ok bool
		local, ok = tx.CreateSession("")
		if !ok {
			return contextstore.ErrNoActiveContext
		}
		x.r.view.ClearMessages()
		x.r.view.Warning(w)
		return nil
	})
	if err != nil {
		return x.aborted()
	}
	if !x.createRemote(ctx, local.ID) || !x.finish() {
		return x.aborted()
	}
	out := x.outcome(StatusFallback)
	out.Warning = &w
	return out
}

// createRemote creates the remote counterpart of a local session and binds
// it. A failed create leaves the session unbound; it reports false only when
// the run was superseded.
func (x *run) createRemote(ctx context.Context, localID string) bool {
	sum, err := x.r.dir.CreateSession(ctx, x.kind, x.id)
	if x.stale(ctx) {
		return false
	}
	if err != nil {
		x.log.Warn("creating remote session", zap.Error(err))
		return true
	}
	err = x.guard(func(tx *contextstore.Tx) error {
		if s, ok := tx.Session(localID); !ok || s.ContextKey != x.key {
			return ErrAborted
		}
		tx.BindRemoteSession(localID, sum.ID)
		return nil
	})
	return err == nil
}

// loadMessages fetches the history of s and forwards it to the view. A
// session that expected messages but got none has lost its remote
// conversation; the mapping is cleared and a warning is raised.
func (x *run) loadMessages(ctx context.Context, s contextstore.StoredSession) (*view.Warning, bool) {
	if !s.HasRemote() {
		err := x.guard(func(tx *contextstore.Tx) error {
			x.r.view.LoadMessages(nil)
			return nil
		})
		return nil, err == nil
	}
	msgs, err := x.r.dir.GetMessages(ctx, *s.RemoteSessionID)
	if x.stale(ctx) {
		return nil, false
	}
	if err != nil {
		x.log.Warn("loading session messages", zap.String("session", s.ID), zap.Error(err))
		return nil, true
	}

	var warning *view.Warning
	err = x.guard(func(tx *contextstore.Tx) error {
		if len(msgs) == 0 && s.MessageCount > 0 {
			tx.ClearRemoteSession(s.ID)
			warning = &view.Warning{Kind: view.WarningStaleSession, Message: staleWarning, Recoverable: true}
			x.log.Info("remote session vanished, cleared mapping",
				zap.String("session", s.ID), zap.Int64("remote", *s.RemoteSessionID))
		}
		x.r.view.LoadMessages(msgs)
		if warning != nil {
			x.r.view.Warning(*warning)
		}
		return nil
	})
	return warning, err == nil
}

// finish rebinds the push subscription and posts the final snapshot.
func (x *run) finish() bool {
	x.r.binder.Sync()
	err := x.guard(func(tx *contextstore.Tx) error {
		x.r.view.Snapshot(tx.Snapshot())
		return nil
	})
	return err == nil
}

// LoadSession shows the history of a local session after the user switched
// to it. Any reconciliation in flight is superseded.
func (r *Reconciler) LoadSession(ctx context.Context) Outcome {
	ac, ok := r.cache.ActiveContext()
	if !ok {
		return Outcome{Token: r.Invalidate(), Phase: PhaseDone, Status: StatusIdle}
	}
	x := r.start(ac)
	x.phase = PhaseLoadingMessages
	s, ok := r.cache.ActiveSession()
	if !ok {
		return x.aborted()
	}
	w, ok := x.loadMessages(ctx, s)
	if !ok {
		return x.aborted()
	}
	x.phase = PhaseDone
	if !x.finish() {
		return x.aborted()
	}
	out := x.outcome(StatusDone)
	out.Warning = w
	return out
}

// AttachRemote creates the remote conversation for a local session the user
// just started and rebinds the push subscription to it.
func (r *Reconciler) AttachRemote(ctx context.Context, localID string) Outcome {
	ac, ok := r.cache.ActiveContext()
	if !ok {
		return Outcome{Token: r.Invalidate(), Phase: PhaseDone, Status: StatusIdle}
	}
	x := r.start(ac)
	x.phase = PhaseSelectingFirst
	if s, ok := r.cache.Session(localID); !ok || s.ContextKey != x.key || s.HasRemote() {
		return x.aborted()
	}
	if !x.createRemote(ctx, localID) {
		return x.aborted()
	}
	x.phase = PhaseDone
	if !x.finish() {
		return x.aborted()
	}
	return x.outcome(StatusDone)
}
