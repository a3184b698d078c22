// Command irissync keeps Iris conversations of an editing session in sync
// with Artemis and serves them to local views.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ls1intum/artemis-extension-sub001/internal/app"
	"github.com/ls1intum/artemis-extension-sub001/internal/config"
	"github.com/ls1intum/artemis-extension-sub001/internal/logging"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

// cli carries the global flags and the logger of one invocation.
type cli struct {
	configPath string
	verbose    bool
	jsonOut    bool
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "irissync",
		Short: "Keep Iris conversations in sync with the exercise or course you work on",
		Long: `irissync tracks the exercises and courses you open, picks the one the
assistant should talk about, and mirrors its Iris conversations locally.

Run "irissync serve" to keep the state live for editor views, or use the
one-shot commands to inspect and drive it from a terminal.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			level := cfg.Log.Level
			if c.verbose {
				level = "debug"
			}
			logger, err := logging.New(level, cfg.Log.Development)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			c.cfg, c.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath(), "Path to config file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Print machine readable output")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Timeout for one-shot commands")

	root.AddCommand(
		c.serveCmd(),
		c.statusCmd(),
		c.selectCmd(),
		c.unlockCmd(),
		c.clearCmd(),
		c.registerCmd(),
		c.removeCmd(),
		c.syncCmd(),
		c.sessionsCmd(),
		c.messagesCmd(),
		c.sendCmd(),
		c.helpfulCmd(),
		c.resetCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("IRIS_SYNC_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "iris-sync", "config.yaml")
}

// afterFunc runs once the reconciliations started by a command finished.
type afterFunc func(cmd *cobra.Command, env *app.Env, rec *view.Recorder) error

// withEnv builds the component graph for a one-shot command, runs fn, waits
// for the reconciliations it started and then runs after. Events reach rec.
func (c *cli) withEnv(cmd *cobra.Command, fn func(ctx context.Context, env *app.Env, rec *view.Recorder) error, after ...afterFunc) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, c.timeout)
	defer cancelTimeout()

	rec := &view.Recorder{}
	env, err := app.New(c.cfg, c.logger, rec)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			c.logger.Warn("closing", zap.Error(err))
		}
	}()

	if err := fn(ctx, env, rec); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		env.Controller.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync: %w", ctx.Err())
	}

	for _, fn := range after {
		if err := fn(cmd, env, rec); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
