// Package controller receives user intents, applies them to the context
// cache and drives reconciliation and the push binding.
//
// One Controller exists per editing session. Intents return as soon as the
// cache is updated; reconciliation runs in the background and reports
// through the view.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/push"
	"github.com/ls1intum/artemis-extension-sub001/internal/reconcile"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

// Directory is the remote conversation directory.
type Directory interface {
	reconcile.Directory
	SendMessage(ctx context.Context, sessionID int64, text string, attachments []remote.Attachment) error
	MarkHelpful(ctx context.Context, sessionID, messageID int64, helpful bool) error
}

// PushChannel delivers new messages of a remote session.
type PushChannel interface {
	IsConnected() bool
	Connect(ctx context.Context) error
	Subscribe(sessionID int64, onMessage func(remote.Message)) (push.Subscription, error)
	OnConnectionChange(fn func(bool))
}

// runner is implemented by push channels that reconnect on their own.
type runner interface {
	Run(ctx context.Context)
}

type Options struct {
	Cache            *contextstore.Cache
	Directory        Directory
	Push             PushChannel
	View             view.View
	Logger           *zap.Logger
	FetchConcurrency int
}

type Controller struct {
	cache  *contextstore.Cache
	dir    Directory
	push   PushChannel
	view   view.View
	log    *zap.Logger
	rec    *reconcile.Reconciler
	binder *binder

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup // reconciliations and rebinds
	bg     sync.WaitGroup // push channel loop

	mu     sync.Mutex
	last   reconcile.Outcome
	closed bool
}

func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	v := opts.View
	if v == nil {
		v = view.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cache:  opts.Cache,
		dir:    opts.Directory,
		push:   opts.Push,
		view:   v,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	c.binder = &binder{
		ctx:   ctx,
		cache: opts.Cache,
		push:  opts.Push,
		view:  v,
		log:   log.Named("binder"),
	}
	c.rec = reconcile.New(reconcile.Options{
		Cache:            opts.Cache,
		Directory:        opts.Directory,
		View:             v,
		Binder:           c.binder,
		Logger:           log.Named("reconcile"),
		FetchConcurrency: opts.FetchConcurrency,
	})
	opts.Push.OnConnectionChange(c.onConnectionChange)
	return c
}

// Start keeps the push channel connected until ctx ends or the controller
// is closed, and reconciles the active context once.
func (c *Controller) Start(ctx context.Context) {
	if r, ok := c.push.(runner); ok {
		runCtx, cancel := context.WithCancel(ctx)
		context.AfterFunc(c.ctx, cancel)
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			defer cancel()
			r.Run(runCtx)
		}()
	}
	c.Refresh()
}

// Close stops background work and releases the push subscription.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.tasks.Wait()
	c.bg.Wait()
	c.binder.reset()
}

// Wait blocks until every reconciliation started so far has finished.
func (c *Controller) Wait() {
	c.tasks.Wait()
}

// LastOutcome returns the outcome of the most recent reconciliation.
func (c *Controller) LastOutcome() reconcile.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) record(out reconcile.Outcome) {
	c.log.Debug("reconciliation finished",
		zap.Uint64("token", out.Token),
		zap.Stringer("phase", out.Phase),
		zap.Stringer("status", out.Status),
		zap.Int("imported", out.Imported))
	c.mu.Lock()
	defer c.mu.Unlock()
	if out.Token >= c.last.Token {
		c.last = out
	}
}

// goTask runs fn in the background unless the controller is closed.
func (c *Controller) goTask(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		fn()
	}()
}

func (c *Controller) spawn(fn func(ctx context.Context) reconcile.Outcome) {
	c.goTask(func() {
		c.record(fn(c.ctx))
	})
}

func (c *Controller) onConnectionChange(up bool) {
	c.view.ConnectionStatus(up)
	c.goTask(func() {
		if up {
			c.binder.Sync()
			return
		}
		c.binder.reset()
	})
}

// contextChanged posts the new state and reconciles it in the background.
func (c *Controller) contextChanged() {
	c.rec.Invalidate()
	c.view.ClearMessages()
	c.view.Snapshot(c.cache.Snapshot())
	c.spawn(c.rec.Run)
}

func (c *Controller) RegisterExercise(in contextstore.ExerciseInput) contextstore.TrackedExercise {
	e, changed := c.cache.RegisterExercise(in)
	if changed {
		c.contextChanged()
	} else {
		c.view.Snapshot(c.cache.Snapshot())
	}
	return e
}

func (c *Controller) RegisterCourse(in contextstore.CourseInput) contextstore.TrackedCourse {
	co, changed := c.cache.RegisterCourse(in)
	if changed {
		c.contextChanged()
	} else {
		c.view.Snapshot(c.cache.Snapshot())
	}
	return co
}

// SelectContext locks a tracked exercise or course as the active context.
func (c *Controller) SelectContext(kind contextstore.Kind, id int64) error {
	prev, _ := c.cache.ActiveContext()
	ac, err := c.cache.SelectContext(kind, id)
	if err != nil {
		return err
	}
	if ac.Key() == prev.Key() {
		c.view.Snapshot(c.cache.Snapshot())
		return nil
	}
	c.contextChanged()
	return nil
}

func (c *Controller) UnlockContext() {
	c.cache.UnlockActiveContext()
	c.view.Snapshot(c.cache.Snapshot())
}

func (c *Controller) ClearContext() {
	c.cache.ClearActiveContext()
	c.contextChanged()
}

func (c *Controller) RemoveExercise(id int64) {
	if c.cache.RemoveExercise(id) {
		c.contextChanged()
		return
	}
	c.view.Snapshot(c.cache.Snapshot())
}

func (c *Controller) RemoveCourse(id int64) {
	if c.cache.RemoveCourse(id) {
		c.contextChanged()
		return
	}
	c.view.Snapshot(c.cache.Snapshot())
}

// NewConversation starts a fresh session in the active context. Its remote
// counterpart is created in the background.
func (c *Controller) NewConversation() (contextstore.StoredSession, error) {
	c.rec.Invalidate()
	s, ok := c.cache.CreateSession("")
	if !ok {
		return contextstore.StoredSession{}, contextstore.ErrNoActiveContext
	}
	c.view.ClearMessages()
	c.view.Snapshot(c.cache.Snapshot())
	c.spawn(func(ctx context.Context) reconcile.Outcome {
		return c.rec.AttachRemote(ctx, s.ID)
	})
	return s, nil
}

// SwitchSession makes a stored session of the active context current and
// loads its history. Unknown ids are ignored.
func (c *Controller) SwitchSession(id string) error {
	if !c.cache.SwitchSession(id) {
		c.log.Debug("ignoring switch to unknown session", zap.String("session", id))
		return contextstore.ErrUnknownSession
	}
	c.view.ClearMessages()
	c.view.Snapshot(c.cache.Snapshot())
	c.spawn(c.rec.LoadSession)
	return nil
}

// DeleteSession removes a stored session. When it was current, the next one
// is loaded.
func (c *Controller) DeleteSession(id string) error {
	before, _ := c.cache.ActiveSession()
	if !c.cache.RemoveSession(id) {
		return contextstore.ErrUnknownSession
	}
	after, _ := c.cache.ActiveSession()
	c.view.Snapshot(c.cache.Snapshot())
	if before.ID != after.ID {
		c.view.ClearMessages()
		c.spawn(c.rec.LoadSession)
	}
	return nil
}

// SendMessage posts text to the current session, creating its remote
// conversation first if needed. Failures are shown in the conversation and
// leave the stored state untouched; a freshly created remote conversation
// is only bound once the message went through.
func (c *Controller) SendMessage(ctx context.Context, text string, attachments []remote.Attachment) error {
	s, ok := c.cache.ActiveSession()
	if !ok {
		c.sendFailed(contextstore.ErrNoActiveContext)
		return contextstore.ErrNoActiveContext
	}
	remoteID, fresh, err := c.ensureRemote(ctx, s)
	if err != nil {
		c.sendFailed(err)
		return err
	}

	c.view.AddMessage(remote.Message{Role: remote.RoleUser, Text: text, SentAt: time.Now().UTC()})
	if err := c.dir.SendMessage(ctx, remoteID, text, attachments); err != nil {
		c.sendFailed(err)
		return err
	}

	var bound bool
	c.cache.Batch(func(tx *contextstore.Tx) error {
		if fresh {
			bound = tx.BindRemoteSession(s.ID, remoteID)
		}
		if cur, ok := tx.ActiveSession(); ok && cur.ID == s.ID {
			tx.RecordUserMessage(text)
		}
		return nil
	})
	if bound {
		c.binder.Sync()
	}
	c.view.Snapshot(c.cache.Snapshot())
	return nil
}

// ensureRemote returns the remote conversation of s, creating one when s
// has none yet. fresh reports that the caller still has to bind it.
func (c *Controller) ensureRemote(ctx context.Context, s contextstore.StoredSession) (id int64, fresh bool, err error) {
	if s.HasRemote() {
		return *s.RemoteSessionID, false, nil
	}
	ac, ok := c.cache.ActiveContext()
	if !ok || ac.Key() != s.ContextKey {
		return 0, false, contextstore.ErrNoActiveContext
	}
	sum, err := c.dir.CreateSession(ctx, ac.Kind, ac.ID)
	if err != nil {
		return 0, false, fmt.Errorf("creating conversation: %w", err)
	}
	return sum.ID, true, nil
}

func (c *Controller) sendFailed(err error) {
	c.log.Warn("sending message", zap.Error(err))
	c.view.AddMessage(remote.Message{
		Role: remote.RoleError,
		Text: "Message could not be sent: " + errorText(err),
	})
}

func errorText(err error) string {
	var se *remote.StatusError
	switch {
	case errors.Is(err, contextstore.ErrNoActiveContext):
		return "no exercise or course is selected"
	case errors.As(err, &se):
		return fmt.Sprintf("server responded %d", se.Code)
	}
	return err.Error()
}

// MarkHelpful records feedback on an assistant message of the current
// session.
func (c *Controller) MarkHelpful(ctx context.Context, messageID int64, helpful bool) error {
	s, ok := c.cache.ActiveSession()
	if !ok || !s.HasRemote() {
		return contextstore.ErrUnknownSession
	}
	if err := c.dir.MarkHelpful(ctx, *s.RemoteSessionID, messageID, helpful); err != nil {
		c.log.Warn("marking message helpful", zap.Int64("message", messageID), zap.Error(err))
		c.view.AddMessage(remote.Message{Role: remote.RoleError, Text: "Feedback could not be saved: " + errorText(err)})
		return err
	}
	return nil
}

// Refresh reconciles the active context again.
func (c *Controller) Refresh() {
	c.rec.Invalidate()
	c.spawn(c.rec.Run)
}

// Reset wipes the whole cache.
func (c *Controller) Reset() {
	c.cache.ClearAll()
	c.contextChanged()
}

func (c *Controller) Snapshot() contextstore.Snapshot {
	return c.cache.Snapshot()
}

// BoundSession reports the remote session the push channel is subscribed
// to.
func (c *Controller) BoundSession() (int64, bool) {
	return c.binder.boundID()
}
