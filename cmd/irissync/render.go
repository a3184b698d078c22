package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ls1intum/artemis-extension-sub001/internal/app"
	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/reconcile"
	"github.com/ls1intum/artemis-extension-sub001/internal/remote"
	"github.com/ls1intum/artemis-extension-sub001/internal/view"
)

const (
	labelWidth = 12
	wrapWidth  = 80
)

var (
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorAccent  = lipgloss.Color("#3b82f6")
	colorHealthy = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#d97706")
	colorDanger  = lipgloss.Color("#dc2626")

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBright)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorDimmed).
			Width(labelWidth)

	styleSection = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorDimmed)

	styleCurrent = lipgloss.NewStyle().
			Foreground(colorAccent)

	styleOK      = lipgloss.NewStyle().Foreground(colorHealthy)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorDanger)
)

func writeRow(w io.Writer, label, value string) {
	fmt.Fprintln(w, styleLabel.Render(label)+value)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func contextLabel(ac *contextstore.ActiveContext) string {
	if ac == nil {
		return "none"
	}
	name := ac.Title
	if name == "" {
		name = fmt.Sprintf("#%d", ac.ID)
	}
	label := fmt.Sprintf("%s %s (%s)", ac.Kind, name, ac.Source)
	if ac.Locked {
		label += " locked"
	}
	return label
}

func (c *cli) printSnapshot(cmd *cobra.Command, snap contextstore.Snapshot) error {
	w := cmd.OutOrStdout()
	if c.jsonOut {
		return writeJSON(w, snap)
	}

	fmt.Fprintln(w, styleTitle.Render("Iris sync"))
	writeRow(w, "Context", contextLabel(snap.ActiveContext))
	if snap.ActiveSession != nil {
		writeRow(w, "Session", snap.ActiveSession.Preview)
	}

	if len(snap.RecentExercises) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styleSection.Render("Recent exercises"))
		for _, e := range snap.RecentExercises {
			fmt.Fprintf(w, "  %-8d %-40s %5d\n", e.ID, truncate(e.Title, 40), e.Priority)
		}
	}
	if len(snap.RecentCourses) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styleSection.Render("Recent courses"))
		for _, co := range snap.RecentCourses {
			fmt.Fprintf(w, "  %-8d %-40s %5d\n", co.ID, truncate(co.Title, 40), co.Priority)
		}
	}
	return nil
}

func (c *cli) printSessions(cmd *cobra.Command, snap contextstore.Snapshot) error {
	w := cmd.OutOrStdout()
	if c.jsonOut {
		return writeJSON(w, snap.Sessions)
	}
	if snap.ActiveContext == nil {
		fmt.Fprintln(w, "No active context.")
		return nil
	}
	if len(snap.Sessions) == 0 {
		fmt.Fprintln(w, "No conversations yet.")
		return nil
	}

	fmt.Fprintln(w, styleSection.Render("Conversations of "+contextLabel(snap.ActiveContext)))
	for _, s := range snap.Sessions {
		marker := "  "
		line := fmt.Sprintf("%s  %-40s %3d msgs  %s", s.ID, truncate(s.Preview, 40), s.MessageCount, s.LastActivity.Local().Format("2006-01-02 15:04"))
		if snap.ActiveSession != nil && snap.ActiveSession.ID == s.ID {
			marker = "* "
			line = styleCurrent.Render(line)
		}
		fmt.Fprintln(w, marker+line)
	}
	return nil
}

// printMessages renders assistant replies as markdown.
func (c *cli) printMessages(cmd *cobra.Command, msgs []remote.Message) error {
	w := cmd.OutOrStdout()
	if c.jsonOut {
		return writeJSON(w, msgs)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrapWidth),
	)
	if err != nil {
		return fmt.Errorf("creating markdown renderer: %w", err)
	}

	for _, m := range msgs {
		switch m.Role {
		case remote.RoleUser:
			fmt.Fprintln(w, styleSection.Render("You"))
			fmt.Fprintln(w, m.Text)
		case remote.RoleError:
			fmt.Fprintln(w, styleError.Render(m.Text))
		default:
			fmt.Fprintln(w, styleSection.Render(fmt.Sprintf("Iris #%d", m.ID)))
			out, err := renderer.Render(m.Text)
			if err != nil {
				out = m.Text
			}
			fmt.Fprintln(w, strings.TrimRight(out, "\n"))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func statusStyle(s reconcile.Status) lipgloss.Style {
	switch s {
	case reconcile.StatusDone, reconcile.StatusIdle:
		return styleOK
	case reconcile.StatusFallback, reconcile.StatusDisabled:
		return styleWarning
	}
	return styleError
}

// afterSync reports the last reconciliation and the resulting context.
func (c *cli) afterSync(cmd *cobra.Command, env *app.Env, rec *view.Recorder) error {
	out := env.Controller.LastOutcome()
	w := cmd.OutOrStdout()
	if c.jsonOut {
		return writeJSON(w, struct {
			Outcome  reconcile.Outcome     `json:"outcome"`
			Snapshot contextstore.Snapshot `json:"snapshot"`
		}{out, env.Controller.Snapshot()})
	}

	if out.Token != 0 {
		line := out.Status.String()
		if out.Imported > 0 {
			line += fmt.Sprintf(", %d conversations imported", out.Imported)
		}
		writeRow(w, "Sync", statusStyle(out.Status).Render(line))
	}
	if ev, ok := rec.Last(view.EventWarning); ok {
		writeRow(w, "Warning", styleWarning.Render(ev.Warning.Message))
	}
	return c.printSnapshot(cmd, env.Controller.Snapshot())
}

// afterMessages prints the conversation the last reconciliation loaded.
func (c *cli) afterMessages(cmd *cobra.Command, _ *app.Env, rec *view.Recorder) error {
	ev, ok := rec.Last(view.EventLoadMessages)
	if !ok {
		return c.printMessages(cmd, nil)
	}
	return c.printMessages(cmd, ev.Messages)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
