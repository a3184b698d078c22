// Package app wires one instance of every component for an editing session.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/config"
	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/controller"
	"github.com/ls1intum/artemis-extension-sub001/internal/persist"
	"github.com/ls1intum/artemis-extension-sub001/internal/push"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
	"github.com/ls1intum/artemis-extension-sub001/internal/ws"
)

// Env holds the components of one editing session. Nothing in it is global;
// tests build as many as they need.
type Env struct {
	Config      *config.Config
	Log         *zap.Logger
	Backend     persist.Backend
	Cache       *contextstore.Cache
	Remote      *remote.HTTPClient
	Push        controller.PushChannel
	Broadcaster *ws.Broadcaster
	Controller  *controller.Controller
}

// New opens storage and builds the component graph. Views in extra receive
// every event after the local view gateway.
func New(cfg *config.Config, log *zap.Logger, extra ...view.View) (*Env, error) {
	if log == nil {
		log = zap.NewNop()
	}

	backend, err := persist.Open(cfg.Storage.Backend, cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	cache, err := contextstore.New(contextstore.Options{
		Backend: backend,
		Limits:  cfg.Limits(),
		Logger:  log.Named("cache"),
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("loading state: %w", err)
	}

	e := &Env{
		Config:  cfg,
		Log:     log,
		Backend: backend,
		Cache:   cache,
		Remote:  remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout, log.Named("remote")),
	}

	if cfg.Push.URL != "" {
		e.Push = push.NewClient(push.Config{
			URL:                cfg.Push.URL,
			Token:              cfg.Remote.Token,
			PingInterval:       cfg.Push.PingInterval,
			PongTimeout:        cfg.Push.PongTimeout,
			ReconnectBaseDelay: cfg.Push.ReconnectBaseDelay,
			ReconnectMaxDelay:  cfg.Push.ReconnectMaxDelay,
		}, log.Named("push"))
	} else {
		log.Info("push channel disabled, replies appear on refresh")
		e.Push = offline{}
	}

	e.Broadcaster = ws.NewBroadcaster(cfg.Server.MaxClients, log.Named("ws"))
	views := append(view.Multi{e.Broadcaster}, extra...)

	e.Controller = controller.New(controller.Options{
		Cache:            cache,
		Directory:        e.Remote,
		Push:             e.Push,
		View:             views,
		Logger:           log.Named("controller"),
		FetchConcurrency: cfg.Reconcile.FetchConcurrency,
	})
	return e, nil
}

// Server returns the local view gateway for this session.
func (e *Env) Server() *ws.Server {
	return ws.NewServer(e.Controller, e.Broadcaster, e.Config.Server.AllowedOrigins, e.Config.Server.AuthToken, e.Log.Named("server"))
}

// Start connects the push channel and reconciles the active context.
func (e *Env) Start(ctx context.Context) {
	e.Controller.Start(ctx)
}

// Close stops background work, disconnects view clients and closes storage.
func (e *Env) Close() error {
	e.Controller.Close()
	e.Broadcaster.Close()
	if c, ok := e.Push.(*push.Client); ok {
		if err := c.Close(); err != nil {
			e.Log.Debug("closing push channel", zap.Error(err))
		}
	}
	if err := e.Backend.Close(); err != nil {
		return fmt.Errorf("closing storage: %w", err)
	}
	return nil
}

// offline is the push channel used when no push URL is configured.
type offline struct{}

func (offline) IsConnected() bool             { return false }
func (offline) Connect(context.Context) error { return push.ErrNotConnected }
func (offline) OnConnectionChange(func(bool)) {}
func (offline) Subscribe(int64, func(remote.Message)) (push.Subscription, error) {
	return nil, push.ErrNotConnected
}
