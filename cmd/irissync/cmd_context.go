package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ls1intum/artemis-extension-sub001/internal/app"
	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active context, its conversations and recent history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
				return c.printSnapshot(cmd, env.Controller.Snapshot())
			})
		},
	}
}

func (c *cli) selectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select <exercise|course> <id>",
		Short: "Lock a tracked exercise or course as the active context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id, err := parseContext(args[0], args[1])
			if err != nil {
				return err
			}
			return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
				return env.Controller.SelectContext(kind, id)
			}, c.afterSync)
		},
	}
}

func (c *cli) unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Let workspace detection replace the active context again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
				env.Controller.UnlockContext()
				return nil
			}, c.afterSync)
		},
	}
}

func (c *cli) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the active context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
				env.Controller.ClearContext()
				return nil
			}, c.afterSync)
		},
	}
}

func (c *cli) registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Record that an exercise or course was opened",
	}

	var (
		title, shortName, source, repo string
		courseID                       int64
		workspace                      bool
		score                          float64
	)
	exercise := &cobra.Command{
		Use:   "exercise <id>",
		Short: "Register an exercise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			src, err := parseSource(source)
			if err != nil {
				return err
			}
			in := contextstore.ExerciseInput{
				ID:            id,
				Title:         title,
				ShortName:     shortName,
				CourseID:      courseID,
				RepositoryURL: repo,
				Source:        src,
			}
			if cmd.Flags().Changed("workspace") {
				in.IsWorkspace = &workspace
				if workspace && !cmd.Flags().Changed("source") {
					in.Source = contextstore.SourceWorkspace
				}
			}
			if cmd.Flags().Changed("score") {
				in.ScorePercent = &score
			}
			return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
				env.Controller.RegisterExercise(in)
				return nil
			}, c.afterSync)
		},
	}
	exercise.Flags().StringVar(&title, "title", "", "Exercise title")
	exercise.Flags().StringVar(&shortName, "short-name", "", "Exercise short name")
	exercise.Flags().Int64Var(&courseID, "course", 0, "Course the exercise belongs to")
	exercise.Flags().StringVar(&repo, "repo", "", "Repository URL of the participation")
	exercise.Flags().BoolVar(&workspace, "workspace", false, "The exercise is open in the current workspace")
	exercise.Flags().Float64Var(&score, "score", 0, "Latest score in percent")
	exercise.Flags().StringVar(&source, "source", "system-default", "How the exercise was found (user-selected, workspace-detected, system-default)")

	course := &cobra.Command{
		Use:   "course <id>",
		Short: "Register a course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			src, err := parseSource(source)
			if err != nil {
				return err
			}
			in := contextstore.CourseInput{ID: id, Title: title, ShortName: shortName, Source: src}
			return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
				env.Controller.RegisterCourse(in)
				return nil
			}, c.afterSync)
		},
	}
	course.Flags().StringVar(&title, "title", "", "Course title")
	course.Flags().StringVar(&shortName, "short-name", "", "Course short name")
	course.Flags().StringVar(&source, "source", "system-default", "How the course was found (user-selected, workspace-detected, system-default)")

	cmd.AddCommand(exercise, course)
	return cmd
}

func (c *cli) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <exercise|course> <id>",
		Short: "Forget a tracked exercise or course",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id, err := parseContext(args[0], args[1])
			if err != nil {
				return err
			}
			return c.withEnv(cmd, func(_ context.Context, env *app.Env, _ *view.Recorder) error {
				if kind == contextstore.KindCourse {
					env.Controller.RemoveCourse(id)
				} else {
					env.Controller.RemoveExercise(id)
				}
				return nil
			}, c.afterSync)
		},
	}
}

func parseContext(kindArg, idArg string) (contextstore.Kind, int64, error) {
	kind := contextstore.Kind(kindArg)
	if !kind.Valid() {
		return "", 0, fmt.Errorf("unknown context type %q, want exercise or course", kindArg)
	}
	id, err := parseID(idArg)
	if err != nil {
		return "", 0, err
	}
	return kind, id, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseSource(name string) (contextstore.Source, error) {
	src, ok := contextstore.ParseSource(name)
	if !ok {
		return 0, fmt.Errorf("unknown source %q", name)
	}
	return src, nil
}
