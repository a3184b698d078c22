package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/app"
	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/mockiris"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
	"github.com/ls1intum/artemis-extension-sub001/internal/ws"
)

func (c *cli) serveCmd() *cobra.Command {
	var (
		port int
		mock bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service for editor views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				c.cfg.Server.Port = port
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if mock {
				m := mockiris.New(c.logger.Named("mockiris"))
				defer m.Close()
				m.Seed(contextstore.KindExercise, 1, time.Now().Add(-time.Hour),
					"Why does my loop never stop?",
					"Have a look at the condition of your `while` loop. Which variable should change in each iteration?")
				base, pushURL, err := m.Listen(ctx)
				if err != nil {
					return err
				}
				c.cfg.Remote.BaseURL, c.cfg.Push.URL = base, pushURL
				c.logger.Info("using mock iris", zap.String("url", base))
			}

			env, err := app.New(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := env.Close(); err != nil {
					c.logger.Warn("closing", zap.Error(err))
				}
			}()

			env.Start(ctx)
			return ws.ListenAndServe(ctx, c.cfg.Server.Host, c.cfg.Server.Port, env.Server().Handler(), c.logger)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Override server port")
	cmd.Flags().BoolVar(&mock, "mock", false, "Serve against an in-memory Iris instead of Artemis")
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the active context with Iris once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
				env.Controller.Refresh()
				return nil
			}, c.afterSync)
		},
	}
}

func (c *cli) resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget all tracked contexts and stored conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset deletes all local state; pass --yes to confirm")
			}
			return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
				env.Controller.Reset()
				fmt.Fprintln(cmd.OutOrStdout(), "Local state cleared.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}
