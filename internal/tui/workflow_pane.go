package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskcore/internal/events"
)

// WorkflowPaneModel shows the progress of every workflow seen on the bus.
type WorkflowPaneModel struct {
	progress    map[string]events.WorkflowProgressEvent
	order       []string
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewWorkflowPaneModel creates a new workflow pane model.
func NewWorkflowPaneModel() WorkflowPaneModel {
	return WorkflowPaneModel{progress: make(map[string]events.WorkflowProgressEvent)}
}

// Update handles messages for the workflow pane.
func (m WorkflowPaneModel) Update(msg tea.Msg) (WorkflowPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}

	case events.WorkflowProgressEvent:
		if _, ok := m.progress[msg.WorkflowID]; !ok {
			m.order = append(m.order, msg.WorkflowID)
		}
		m.progress[msg.WorkflowID] = msg
	}

	return m, nil
}

// View renders the workflow pane.
func (m WorkflowPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Workflows")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("No workflows"))
	}
	for i, id := range m.order {
		p := m.progress[id]
		name := p.Name
		if name == "" {
			name = id
		}
		line := fmt.Sprintf("%s %s [%s]", StatusIcon(p.Status), name, p.Status)
		if i == m.selectedIdx && m.focused {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  %s  %d/%d done, %s running, %s failed, %s cancelled\n",
			m.renderBar(p),
			p.Completed, p.Total,
			StyleStatusRunning.Render(fmt.Sprintf("%d", p.Running)),
			StyleStatusFailed.Render(fmt.Sprintf("%d", p.Failed)),
			StyleStatusCancelled.Render(fmt.Sprintf("%d", p.Cancelled)),
		))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m WorkflowPaneModel) renderBar(p events.WorkflowProgressEvent) string {
	barWidth := max(min(m.width-60, 30), 10)
	if p.Total == 0 {
		return "[" + StyleStatusPending.Render(strings.Repeat(".", barWidth)) + "]"
	}
	completed := (p.Completed * barWidth) / p.Total
	failed := (p.Failed * barWidth) / p.Total
	cancelled := (p.Cancelled * barWidth) / p.Total
	running := (p.Running * barWidth) / p.Total
	pending := max(barWidth-completed-failed-cancelled-running, 0)

	bar := StyleStatusComplete.Render(strings.Repeat("=", completed))
	bar += StyleStatusFailed.Render(strings.Repeat("!", failed))
	bar += StyleStatusCancelled.Render(strings.Repeat("x", cancelled))
	bar += StyleStatusRunning.Render(strings.Repeat("-", running))
	bar += StyleStatusPending.Render(strings.Repeat(".", pending))
	return "[" + bar + "]"
}

// Workflow returns the latest progress seen for a workflow.
func (m WorkflowPaneModel) Workflow(id string) (events.WorkflowProgressEvent, bool) {
	p, ok := m.progress[id]
	return p, ok
}

// SetSize updates the pane dimensions.
func (m *WorkflowPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *WorkflowPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
