package controller

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/push"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

// binder keeps exactly one push subscription, bound to the remote id of the
// current session.
type binder struct {
	ctx   context.Context
	cache *contextstore.Cache
	push  PushChannel
	view  view.View
	log   *zap.Logger

	syncMu sync.Mutex // serialises Sync and reset

	mu    sync.Mutex
	sub   push.Subscription
	bound int64 // remote id messages are forwarded for; 0 when unbound
}

func (b *binder) target() (int64, bool) {
	s, ok := b.cache.ActiveSession()
	if !ok || !s.HasRemote() {
		return 0, false
	}
	return *s.RemoteSessionID, true
}

// Sync releases the old subscription and subscribes to the current session.
// It is a no-op when the binding is already current.
func (b *binder) Sync() {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()

	id, ok := b.target()
	b.mu.Lock()
	if ok && b.sub != nil && b.sub.SessionID() == id {
		b.mu.Unlock()
		return
	}
	old := b.sub
	b.sub, b.bound = nil, 0
	b.mu.Unlock()
	if old != nil {
		old.Release()
	}
	if !ok {
		return
	}

	if !b.push.IsConnected() {
		// A successful connect triggers another Sync through the connection
		// listener; that one finds the binding current.
		if err := b.push.Connect(b.ctx); err != nil {
			b.log.Warn("push channel unavailable", zap.Error(err))
			return
		}
	}

	b.mu.Lock()
	b.bound = id
	b.mu.Unlock()
	sub, err := b.push.Subscribe(id, b.forward(id))
	if err != nil {
		b.mu.Lock()
		b.bound = 0
		b.mu.Unlock()
		b.log.Warn("subscribing to session", zap.Int64("remote", id), zap.Error(err))
		return
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	b.log.Debug("push bound", zap.Int64("remote", id))
}

// forward passes assistant messages of session id to the view while it is
// the bound session. User messages are shown when sent.
func (b *binder) forward(id int64) func(remote.Message) {
	return func(m remote.Message) {
		b.mu.Lock()
		current := b.bound == id
		b.mu.Unlock()
		if !current || m.Role == remote.RoleUser {
			return
		}
		b.view.AddMessage(m)
	}
}

// reset forgets the binding after the channel dropped. The server side
// subscription is already gone.
func (b *binder) reset() {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	b.mu.Lock()
	old := b.sub
	b.sub, b.bound = nil, 0
	b.mu.Unlock()
	if old != nil {
		old.Release()
	}
}

// boundID returns the remote id currently subscribed to.
func (b *binder) boundID() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return 0, false
	}
	return b.sub.SessionID(), true
}
