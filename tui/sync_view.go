// ABOUTME: TUI view for fetch history and session status
// ABOUTME: Displays per-collection sync state from the ledger and the admin session
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/schoolsync/db"
	"github.com/harperreed/schoolsync/models"
)

var (
	syncHeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Underline(true)

	syncServiceStyle = lipgloss.NewStyle().
				Bold(true).
				Width(16)

	syncIdleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	syncSyncingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("11")).
				Bold(true)

	syncErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	syncMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Italic(true)
)

func (m *Model) renderSyncView() string {
	var s strings.Builder

	s.WriteString(syncHeaderStyle.Render("Collections"))
	s.WriteString("\n\n")

	for _, c := range models.AllCollections {
		var row strings.Builder
		row.WriteString(syncServiceStyle.Render(c.Title()))

		state, err := db.GetSyncState(m.rt.DB(), string(c))
		switch {
		case err != nil:
			row.WriteString(syncErrorStyle.Render("  ✗ " + err.Error()))
		case state == nil:
			row.WriteString(syncMessageStyle.Render("  Not fetched yet"))
		case state.Status == "syncing":
			row.WriteString(syncSyncingStyle.Render("  ⟳ Fetching..."))
		case state.Status == "error":
			row.WriteString(syncErrorStyle.Render("  ✗ Error"))
			if state.ErrorMessage != nil {
				row.WriteString(syncErrorStyle.Render(": " + *state.ErrorMessage))
			}
		default:
			row.WriteString(syncIdleStyle.Render(fmt.Sprintf("  ✓ %d items", state.ItemCount)))
			if state.LastSuccessTime != nil {
				row.WriteString(syncMessageStyle.Render(" • " + formatTimeSince(*state.LastSuccessTime)))
			}
		}
		if state != nil && state.FailureCount > 0 {
			row.WriteString(syncMessageStyle.Render(fmt.Sprintf(" (%d/%d failed)", state.FailureCount, state.FetchCount)))
		}

		s.WriteString(row.String())
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(syncHeaderStyle.Render("Session"))
	s.WriteString("\n\n")
	if sess, ok := m.page.Guard.Session(); ok {
		s.WriteString(fmt.Sprintf("%s (%s) • %s\n", sess.Username, sess.Role, m.page.Guard.State()))
	} else {
		s.WriteString(syncMessageStyle.Render("Not logged in"))
		s.WriteString("\n")
	}

	if marker, err := m.rt.Store.Marker(); err == nil && marker > 0 {
		s.WriteString(syncMessageStyle.Render("Last update " + formatTimeSince(time.UnixMilli(marker))))
		s.WriteString("\n")
	}

	return s.String()
}

func formatTimeSince(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("Jan 2 15:04")
}
