package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/session"
)

// chromeHeight is the number of rows used around the editor.
const chromeHeight = 9

// activityRows is how much of the activity log is shown.
const activityRows = 3

var (
	colorHealthy = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#d97706")
	colorDanger  = lipgloss.Color("#dc2626")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorBorder  = lipgloss.Color("#4b5563")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorBright)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDimmed)
	errorStyle  = lipgloss.NewStyle().Foreground(colorDanger)
	editorStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder)
)

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")

	if m.preview {
		b.WriteString(editorStyle.Render(m.markdown.render(m.editor.Value())))
	} else {
		b.WriteString(editorStyle.Render(m.editor.View()))
	}
	b.WriteString("\n")

	for _, line := range activityLines(m.mgr.Activity(), m.mgr.Registry(), activityRows) {
		b.WriteString(dimStyle.Render(line))
		b.WriteString("\n")
	}
	if msg := m.notice; msg != "" {
		b.WriteString(errorStyle.Render(msg))
		b.WriteString("\n")
	} else if msg := m.mgr.Message(); msg != "" {
		b.WriteString(errorStyle.Render(msg))
		b.WriteString("\n")
	}
	b.WriteString(m.help.ShortHelpView(m.keys.ShortHelp()))
	return b.String()
}

func (m Model) header() string {
	s := m.mgr.Session()
	title := titleStyle.Render(m.mgr.DocumentRef())
	parts := []string{
		title,
		stateBadge(m.mgr.State(), m.mgr.Joined()),
		syncBadge(m.mgr.SyncStatus(), m.mgr.Dirty()),
	}
	if s != nil {
		parts = append(parts, dimStyle.Render(participantList(m.mgr.Registry())))
	}
	if hint := sessionHint(m.mgr.State(), s != nil); hint != "" {
		parts = append(parts, lipgloss.NewStyle().Foreground(colorWarning).Render(hint))
	}
	return strings.Join(parts, "  ")
}

// sessionHint tells the user how to get back into a session.
func sessionHint(state collab.State, cached bool) string {
	switch {
	case state != collab.StateNone:
		return ""
	case cached:
		return "ctrl+j to join"
	}
	return "no session: ctrl+s to start one, ctrl+r to look again"
}

func stateBadge(state collab.State, joined bool) string {
	switch {
	case state == collab.StateActive && joined:
		return lipgloss.NewStyle().Foreground(colorHealthy).Render("● live")
	case state == collab.StateEnded:
		return lipgloss.NewStyle().Foreground(colorDanger).Render("■ ended")
	}
	return dimStyle.Render("○ offline")
}

func syncBadge(status collab.SyncStatus, dirty bool) string {
	switch status {
	case collab.SyncSaving:
		return lipgloss.NewStyle().Foreground(colorWarning).Render("saving…")
	case collab.SyncSaved:
		return lipgloss.NewStyle().Foreground(colorHealthy).Render("saved")
	case collab.SyncError:
		return errorStyle.Render("sync error")
	}
	if dirty {
		return dimStyle.Render("edited")
	}
	return ""
}

func participantList(r *collab.Registry) string {
	ps := r.Participants()
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		label := r.Label(p.UserID)
		if p.Role == session.RoleViewer {
			label += " (viewer)"
		}
		names = append(names, label)
	}
	return strings.Join(names, ", ")
}

// activityLines renders the newest n events, newest last.
func activityLines(events []session.Event, r *collab.Registry, n int) []string {
	if len(events) > n {
		events = events[len(events)-n:]
	}
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, describeEvent(e, r))
	}
	return out
}

func describeEvent(e session.Event, r *collab.Registry) string {
	who := r.Label(e.UserID)
	at := e.CreatedAt.Local().Format("15:04:05")
	switch e.Type {
	case session.EventContentSync:
		return fmt.Sprintf("%s %s edited the post", at, who)
	case session.EventParticipantJoined:
		return fmt.Sprintf("%s %s joined", at, who)
	case session.EventSessionEnded:
		return fmt.Sprintf("%s %s ended the session", at, who)
	}
	return fmt.Sprintf("%s %s: %s", at, who, e.Type)
}

// markdownView holds a glamour renderer sized for the current window.
type markdownView struct {
	width    int
	renderer *glamour.TermRenderer
}

// resize rebuilds the renderer only when the wrap width changes.
func (v *markdownView) resize(width int) {
	width = max(width, 20)
	if v.renderer != nil && v.width == width {
		return
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		v.renderer = nil
		return
	}
	v.width, v.renderer = width, r
}

func (v *markdownView) render(src string) string {
	if v.renderer == nil {
		return src
	}
	out, err := v.renderer.Render(src)
	if err != nil {
		return src
	}
	return out
}
