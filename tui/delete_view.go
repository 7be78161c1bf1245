// ABOUTME: Delete confirmation view for TUI
// ABOUTME: Deletes the selected item through the mutation gateway after confirmation
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	confirmBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("9")).
			Padding(1, 2).
			Width(60).
			Align(lipgloss.Center)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	confirmButtonStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("9")).
				Padding(0, 2).
				MarginRight(2)

	cancelButtonStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("8")).
				Padding(0, 2)
)

func (m *Model) renderConfirmDeleteView() string {
	it, ok := m.selected()
	if !ok {
		return "Item no longer cached."
	}

	c := m.collection()
	name := it.Text("title")
	if name == "" {
		name = it.Text("name")
	}
	if name == "" {
		name = it.Text("subject")
	}

	title := warningStyle.Render("⚠  DELETE CONFIRMATION  ⚠")
	message := fmt.Sprintf("Are you sure you want to delete this %s?", c.Singular())
	entityInfo := fmt.Sprintf("\n%s %d: %s\n", strings.ToUpper(c.Singular()), it.ID, name)
	warning := "\nThis action cannot be undone!"
	if m.deleteMessage != "" {
		warning = "\n" + m.deleteMessage
	}

	buttons := lipgloss.JoinHorizontal(
		lipgloss.Left,
		confirmButtonStyle.Render("Yes, Delete (y)"),
		cancelButtonStyle.Render("Cancel (n/esc)"),
	)

	content := lipgloss.JoinVertical(
		lipgloss.Center,
		title,
		"",
		message,
		entityInfo,
		warning,
		"",
		buttons,
	)

	box := confirmBoxStyle.Render(content)

	// Center the box on screen
	return lipgloss.Place(
		m.width,
		m.height,
		lipgloss.Center,
		lipgloss.Center,
		box,
	)
}

func (m *Model) handleConfirmDeleteKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		it, ok := m.selected()
		if !ok {
			m.viewMode = ViewList
			return m, nil
		}
		m.deleteMessage = "Deleting..."
		return m, m.deleteSelected(it.ID)
	case "n", "N", "esc":
		m.viewMode = ViewList
	}

	return m, nil
}
