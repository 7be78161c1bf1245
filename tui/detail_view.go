package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/schoolsync/session"
)

var (
	fieldLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			Width(20)

	fieldValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
)

func (m *Model) renderDetailView() string {
	var s strings.Builder

	it, ok := m.selected()
	if !ok {
		return "Item no longer cached.\n\n" + m.renderDetailHelp()
	}

	// Title
	s.WriteString(titleStyle.Render(strings.ToUpper(m.collection().Singular()) + " " + fmt.Sprint(it.ID)))
	s.WriteString("\n\n")

	fields := it.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.WriteString(m.renderField(k, display(fields[k])))
	}

	s.WriteString("\n")

	// Help
	s.WriteString(m.renderDetailHelp())

	return s.String()
}

func display(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case string:
		return v
	case bool, float64:
		return fmt.Sprint(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func (m *Model) renderField(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, fieldLabelStyle.Render(label), fieldValueStyle.Render(value)) + "\n"
}

func (m *Model) renderDetailHelp() string {
	help := "esc: back"
	if m.page.Guard.Can(session.ActionMutate) {
		help += " • d: delete"
	}
	help += " • q: quit"
	return helpStyle.Render(help)
}

func (m *Model) handleDetailKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "backspace":
		m.viewMode = ViewList
	case "d":
		if m.page.Guard.Can(session.ActionMutate) {
			m.deleteMessage = ""
			m.viewMode = ViewConfirmDelete
		}
	}
	return m, nil
}
