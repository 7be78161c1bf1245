package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/session"
)

func (m *Model) renderListView() string {
	var s strings.Builder

	// Title
	s.WriteString(titleStyle.Render("SCHOOL SYNC"))
	s.WriteString("\n\n")

	// Tabs
	s.WriteString(m.renderTabs())
	s.WriteString("\n\n")

	if m.tab == syncTab {
		s.WriteString(m.renderSyncView())
	} else {
		s.WriteString(m.renderTable())
	}
	s.WriteString("\n")

	if m.status != "" {
		s.WriteString(statusStyle.Render(m.status))
		s.WriteString("\n")
	}

	// Help
	s.WriteString(m.renderListHelp())

	return s.String()
}

func (m *Model) renderTabs() string {
	var rendered []string
	titles := make([]string, 0, syncTab+1)
	for _, c := range models.AllCollections {
		titles = append(titles, c.Title())
	}
	titles = append(titles, "Sync")

	for i, tab := range titles {
		if i == m.tab {
			rendered = append(rendered, tabActiveStyle.Render(tab))
		} else {
			rendered = append(rendered, tabInactiveStyle.Render(tab))
		}
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func (m *Model) renderTable() string {
	c := m.collection()
	e, ok := m.page.Sync.Get(c)
	if !ok {
		return "Loading " + strings.ToLower(c.Title()) + "..."
	}

	header, rows, err := models.Table(c, e.Items)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if len(rows) == 0 {
		return "No " + strings.ToLower(c.Title()) + " right now."
	}

	columns := make([]table.Column, len(header))
	for i, h := range header {
		width := len(h) + 2
		for _, r := range rows {
			if w := lipgloss.Width(r[i]) + 2; w > width {
				width = w
			}
		}
		if width > 42 {
			width = 42
		}
		columns[i] = table.Column{Title: h, Width: width}
	}

	tableRows := make([]table.Row, len(rows))
	for i, r := range rows {
		tableRows[i] = table.Row(r)
	}

	height := m.height - 12
	if height < 3 {
		height = 3
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(tableRows),
		table.WithFocused(true),
		table.WithHeight(height),
	)

	// Set selected row
	if m.selectedRow < len(tableRows) {
		t.SetCursor(m.selectedRow)
	}

	return t.View() + "\n" + helpStyle.Render(fmt.Sprintf("%s · fetched %s", e.Origin, e.FetchedAt.Format("15:04:05")))
}

func (m *Model) renderListHelp() string {
	help := "↑/↓: navigate • tab: switch • enter: view • r: refresh"
	if m.page.Guard.Can(session.ActionMutate) {
		help += " • d: delete"
		if _, _, ok := m.collection().ToggleField(); ok {
			help += " • t: toggle"
		}
	}
	help += " • q: quit"
	return helpStyle.Render(help)
}

func (m *Model) handleListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.selectedRow > 0 {
			m.selectedRow--
		}
	case "down", "j":
		if m.selectedRow < len(m.items())-1 {
			m.selectedRow++
		}
	case "tab", "right", "l":
		m.tab = (m.tab + 1) % (syncTab + 1)
		m.selectedRow = 0
	case "shift+tab", "left", "h":
		m.tab = (m.tab + syncTab) % (syncTab + 1)
		m.selectedRow = 0
	case "r":
		if c := m.collection(); c != "" {
			m.page.Sync.GetOrRefresh(c)
			m.status = "refreshing " + string(c)
		} else {
			m.page.Sync.Focus()
			m.status = "refreshing all"
		}
	case "enter":
		if _, ok := m.selected(); ok {
			m.viewMode = ViewDetail
		}
	case "d":
		if !m.page.Guard.Can(session.ActionMutate) {
			m.status = "log in as an admin to delete"
			return m, nil
		}
		if _, ok := m.selected(); ok {
			m.deleteMessage = ""
			m.viewMode = ViewConfirmDelete
		}
	case "t":
		if _, _, ok := m.collection().ToggleField(); !ok {
			return m, nil
		}
		if !m.page.Guard.Can(session.ActionMutate) {
			m.status = "log in as an admin to toggle"
			return m, nil
		}
		if it, ok := m.selected(); ok {
			m.status = "toggling " + m.collection().Singular()
			return m, m.toggleSelected(it.ID)
		}
	}
	return m, nil
}
