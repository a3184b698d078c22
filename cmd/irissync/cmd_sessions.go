package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ls1intum/artemis-extension-sub001/internal/app"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

func (c *cli) sessionsCmd() *cobra.Command {
	list := func(cmd *cobra.Command, args []string) error {
		return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
			return c.printSessions(cmd, env.Controller.Snapshot())
		})
	}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage conversations of the active context",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conversations of the active context",
			Args:  cobra.NoArgs,
			RunE:  list,
		},
		&cobra.Command{
			Use:   "new",
			Short: "Start a new conversation",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
					s, err := env.Controller.NewConversation()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Started conversation %s\n", s.ID)
					return nil
				}, c.afterSync)
			},
		},
		&cobra.Command{
			Use:   "switch <session-id>",
			Short: "Continue a stored conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
					return env.Controller.SwitchSession(args[0])
				}, c.afterSync, c.afterMessages)
			},
		},
		&cobra.Command{
			Use:   "delete <session-id>",
			Short: "Delete a stored conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
					return env.Controller.DeleteSession(args[0])
				}, c.afterSync)
			},
		},
	)
	return cmd
}

func (c *cli) messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages",
		Short: "Fetch and print the current conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
				env.Controller.Refresh()
				return nil
			}, c.afterMessages)
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a message to Iris in the current conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return c.withEnv(cmd, func(ctx context.Context, env *app.Env, rec *view.Recorder) error {
				if wait > 0 {
					env.Start(ctx)
				}
				if err := env.Controller.SendMessage(ctx, text, nil); err != nil {
					return fmt.Errorf("sending message: %w", err)
				}
				if wait <= 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Message sent.")
					return nil
				}
				reply, err := awaitReply(ctx, rec, wait)
				if err != nil {
					return err
				}
				return c.printMessages(cmd, []remote.Message{reply})
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait this long for the reply over the push channel")
	return cmd
}

// errNoReply is returned when no reply arrived within the wait period.
var errNoReply = errors.New("no reply received")

// awaitReply polls rec for the first assistant message.
func awaitReply(ctx context.Context, rec *view.Recorder, wait time.Duration) (remote.Message, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		for _, ev := range rec.Events() {
			if ev.Type == view.EventAddMessage && ev.Message.Role == remote.RoleAssistant {
				return *ev.Message, nil
			}
		}
		select {
		case <-ctx.Done():
			return remote.Message{}, ctx.Err()
		case <-deadline.C:
			return remote.Message{}, errNoReply
		case <-tick.C:
		}
	}
}

func (c *cli) helpfulCmd() *cobra.Command {
	var unhelpful bool
	cmd := &cobra.Command{
		Use:   "helpful <message-id>",
		Short: "Rate an assistant message of the current conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withEnv(cmd, func(ctx context.Context, env *app.Env, _ *view.Recorder) error {
				return env.Controller.MarkHelpful(ctx, id, !unhelpful)
			})
		},
	}
	cmd.Flags().BoolVar(&unhelpful, "not", false, "Mark the message as not helpful")
	return cmd
}
