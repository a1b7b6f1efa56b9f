package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskcore/internal/events"
)

const (
	listWidth      = 28
	maxOutputLines = 1000
)

// TaskState is what the monitor knows about one task, built from events.
type TaskState struct {
	TaskID     string
	Type       string
	WorkflowID string
	Priority   int
	Status     string // "pending", "running", "retrying", "completed", "failed", "cancelled"
	Attempt    int
	Progress   int
	Output     []string
	StartTime  time.Time
	Duration   time.Duration
	LastError  string
}

func (s *TaskState) appendOutput(line string) {
	s.Output = append(s.Output, line)
	if over := len(s.Output) - maxOutputLines; over > 0 {
		s.Output = s.Output[over:]
	}
}

// TaskPaneModel represents the task list and output viewport pane.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// track returns the state for id, adding it to the list on first sight.
func (m *TaskPaneModel) track(id string) *TaskState {
	if s, ok := m.tasks[id]; ok {
		return s
	}
	s := &TaskState{TaskID: id, Status: "pending"}
	m.tasks[id] = s
	m.taskOrder = append(m.taskOrder, id)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
	return s
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}
		return m, cmd

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
		return m, nil

	case events.TaskCreatedEvent:
		s := m.track(msg.ID)
		s.Type = msg.Type
		s.Priority = msg.Priority
		s.WorkflowID = msg.WorkflowID

	case events.TaskStartedEvent:
		s := m.track(msg.ID)
		if s.Type == "" {
			s.Type = msg.Type
		}
		s.Status = "running"
		s.Attempt = msg.Attempt
		s.Progress = 0
		s.StartTime = msg.Timestamp
		s.appendOutput(fmt.Sprintf("[attempt %d started at %s]", msg.Attempt, msg.Timestamp.Format(time.TimeOnly)))

	case events.TaskOutputEvent:
		s := m.track(msg.ID)
		s.appendOutput(msg.Line)
		if m.selectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}
		return m, nil

	case events.TaskProgressEvent:
		m.track(msg.ID).Progress = msg.Progress
		return m, nil

	case events.TaskCheckpointEvent:
		m.track(msg.ID).appendOutput(fmt.Sprintf("[checkpoint %s] %s", msg.CheckpointID, msg.Description))

	case events.TaskCompletedEvent:
		s := m.track(msg.ID)
		s.Status = "completed"
		s.Progress = 100
		s.Duration = msg.Duration
		s.appendOutput(fmt.Sprintf("[completed in %v]", msg.Duration))

	case events.TaskFailedEvent:
		s := m.track(msg.ID)
		s.Duration = msg.Duration
		if msg.Err != nil {
			s.LastError = msg.Err.Error()
		}
		if msg.WillRetry {
			s.Status = "retrying"
		} else {
			s.Status = "failed"
		}
		s.appendOutput(fmt.Sprintf("[failed (%s): %s]", msg.Kind, s.LastError))

	case events.TaskRetryingEvent:
		s := m.track(msg.ID)
		s.Status = "retrying"
		s.appendOutput(fmt.Sprintf("[retry %d in %v]", msg.Attempt, msg.Delay))

	case events.TaskCancelledEvent:
		s := m.track(msg.ID)
		s.Status = "cancelled"
		line := "[cancelled: " + msg.Reason + "]"
		if msg.RolledBack {
			line += " state rolled back"
		}
		s.appendOutput(line)

	default:
		return m, nil
	}

	if ev, ok := msg.(events.Event); ok && m.selectedTaskID() == ev.TaskID() {
		m.updateViewportContent()
	}
	return m, nil
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
			Height(m.height-2).
			Render(m.renderHeader()+"\n"+m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderHeader() string {
	s, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		return StyleTitle.Render("Output")
	}
	header := fmt.Sprintf("%s  %s  attempt %d  %d%%", s.TaskID, s.Status, s.Attempt, s.Progress)
	if s.Type != "" {
		header += "  type=" + s.Type
	}
	return StyleTitle.Render(header)
}

// renderTaskList renders the task list column.
func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render(fmt.Sprintf("Tasks (%d)", len(m.taskOrder)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		name := id
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(m.tasks[id].Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// Task returns the tracked state of a task.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	s, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *s, true
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// updateViewportContent shows the selected task's output, scrolled to the end.
func (m *TaskPaneModel) updateViewportContent() {
	s, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(s.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-5, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
