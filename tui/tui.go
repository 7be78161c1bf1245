// ABOUTME: Terminal User Interface using bubbletea framework
// ABOUTME: Live dashboard of cached school content that refreshes on focus and notifications
package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/bus"
	"github.com/harperreed/schoolsync/models"
)

// ViewMode represents the current TUI view
type ViewMode int

const (
	ViewList ViewMode = iota
	ViewDetail
	ViewConfirmDelete
)

// syncTab is the index of the tab after the collections.
var syncTab = len(models.AllCollections)

// noteMsg carries a bus notification into the update loop.
type noteMsg bus.Notification

// deletedMsg reports the end of a delete started from the confirm view.
type deletedMsg struct {
	id  int64
	err error
}

// toggledMsg reports the end of a toggle started from the list.
type toggledMsg struct {
	item models.Item
	err  error
}

// Model is the main bubbletea model
type Model struct {
	rt    *app.Runtime
	page  *app.Page
	notes chan bus.Notification
	stop  []func()

	viewMode ViewMode
	tab      int

	selectedRow int

	// Delete confirmation state
	deleteMessage string

	// UI state
	width  int
	height int
	status string
}

// NewModel watches every collection on page and returns the dashboard.
// Call Close when the program exits.
func NewModel(rt *app.Runtime, page *app.Page) *Model {
	m := &Model{
		rt:       rt,
		page:     page,
		notes:    make(chan bus.Notification, 16),
		viewMode: ViewList,
		width:    80,
		height:   24,
	}
	for _, c := range models.AllCollections {
		m.stop = append(m.stop, page.Bus.Subscribe(c, m.forward))
		_, unwatch := page.Sync.Watch(c)
		m.stop = append(m.stop, unwatch)
	}
	return m
}

// forward runs on the publisher's goroutine. A full channel already has a
// pending redraw, so extra notifications are dropped.
func (m *Model) forward(n bus.Notification) {
	select {
	case m.notes <- n:
	default:
	}
}

// Close stops watching.
func (m *Model) Close() {
	for _, stop := range m.stop {
		stop()
	}
}

func (m *Model) Init() tea.Cmd {
	return m.waitForNote()
}

func (m *Model) waitForNote() tea.Cmd {
	return func() tea.Msg {
		return noteMsg(<-m.notes)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.FocusMsg:
		m.page.Sync.Focus()
		return m, nil
	case noteMsg:
		if msg.Reason.Mutation() {
			m.status = string(msg.Key) + " " + string(msg.Reason)
		}
		m.clampSelection()
		return m, m.waitForNote()
	case deletedMsg:
		m.viewMode = ViewList
		if msg.err != nil {
			m.status = "delete failed: " + msg.err.Error()
		} else {
			m.status = "deleted " + m.collection().Singular()
		}
		m.clampSelection()
		return m, nil
	case toggledMsg:
		c := m.collection()
		if msg.err != nil {
			m.status = "toggle failed: " + msg.err.Error()
		} else if field, _, ok := c.ToggleField(); ok {
			m.status = fmt.Sprintf("%s %d %s", c.Singular(), msg.item.ID, flagWord(field, msg.item.Flag(field)))
		}
		m.clampSelection()
		return m, nil
	}
	return m, nil
}

func flagWord(field string, on bool) string {
	switch {
	case field == "isLive" && on:
		return "live"
	case field == "isLive":
		return "offline"
	case on:
		return "active"
	}
	return "inactive"
}

func (m *Model) View() string {
	switch m.viewMode {
	case ViewList:
		return m.renderListView()
	case ViewDetail:
		return m.renderDetailView()
	case ViewConfirmDelete:
		return m.renderConfirmDeleteView()
	}
	return ""
}

func (m *Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	}

	// Delegate to view-specific handlers
	switch m.viewMode {
	case ViewList:
		return m.handleListKeys(msg)
	case ViewDetail:
		return m.handleDetailKeys(msg)
	case ViewConfirmDelete:
		return m.handleConfirmDeleteKeys(msg)
	}

	return m, nil
}

// collection is the collection of the current tab, or "" on the sync tab.
func (m *Model) collection() models.Collection {
	if m.tab >= len(models.AllCollections) {
		return ""
	}
	return models.AllCollections[m.tab]
}

func (m *Model) items() []models.Item {
	c := m.collection()
	if c == "" {
		return nil
	}
	e, _ := m.page.Sync.Get(c)
	if c == models.Announcements {
		// Table sorts announcements newest first; keep selection in display order.
		list, err := models.Decode[models.Announcement](e.Items)
		if err != nil {
			return e.Items
		}
		models.SortNewestFirst(list)
		sorted := make([]models.Item, 0, len(list))
		for _, a := range list {
			if i := models.IndexOf(e.Items, a.ID); i >= 0 {
				sorted = append(sorted, e.Items[i])
			}
		}
		return sorted
	}
	return e.Items
}

func (m *Model) selected() (models.Item, bool) {
	items := m.items()
	if m.selectedRow < 0 || m.selectedRow >= len(items) {
		return models.Item{}, false
	}
	return items[m.selectedRow], true
}

func (m *Model) clampSelection() {
	n := len(m.items())
	if m.selectedRow >= n {
		m.selectedRow = n - 1
	}
	if m.selectedRow < 0 {
		m.selectedRow = 0
	}
}

func (m *Model) deleteSelected(id int64) tea.Cmd {
	c := m.collection()
	gateway := m.page.Gateway
	return func() tea.Msg {
		_, err := gateway.Delete(context.Background(), c, id)
		return deletedMsg{id: id, err: err}
	}
}

func (m *Model) toggleSelected(id int64) tea.Cmd {
	c := m.collection()
	gateway := m.page.Gateway
	return func() tea.Msg {
		it, err := gateway.Toggle(context.Background(), c, id)
		return toggledMsg{item: it, err: err}
	}
}

// Run starts the dashboard on a fresh page of rt.
func Run(rt *app.Runtime) error {
	page := rt.NewPage()
	defer page.Close()
	ctx, cancel := context.WithTimeout(context.Background(), rt.Config.Backend.Timeout)
	_ = page.Restore(ctx)
	cancel()

	m := NewModel(rt, page)
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus())
	_, err := p.Run()
	return err
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			MarginBottom(1)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			Background(lipgloss.Color("235")).
			Padding(0, 2)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))
)
