// Package tui is a Bubble Tea monitor for a running engine. It is driven
// entirely by the event bus and can optionally cancel the selected task.
package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskcore/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneWorkflows
)

const paneCount = 2

// Canceller cancels a task and its pending dependents.
type Canceller interface {
	CancelTask(ctx context.Context, taskID, reason string, rollback bool) error
}

// busClosedMsg is delivered once the event subscription is closed.
type busClosedMsg struct{}

// cancelResultMsg reports the outcome of a cancel request.
type cancelResultMsg struct {
	taskID string
	err    error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	workflowPane WorkflowPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	canceller    Canceller
	notice       string
	width        int
	height       int
	quitting     bool
	busClosed    bool
}

// New creates a new TUI model subscribed to every event on the bus.
// canceller may be nil, in which case the cancel keys are disabled.
func New(eventBus *events.EventBus, canceller Canceller) Model {
	return NewFromChannel(eventBus.SubscribeAll(256), canceller)
}

// NewFromChannel creates a model that reads events from sub.
func NewFromChannel(sub <-chan events.Event, canceller Canceller) Model {
	m := Model{
		taskPane:     NewTaskPaneModel(),
		workflowPane: NewWorkflowPaneModel(),
		focusedPane:  PaneTasks,
		eventSub:     sub,
		canceller:    canceller,
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

func (m Model) cancelSelected(rollback bool) tea.Cmd {
	id := m.taskPane.selectedTaskID()
	if m.canceller == nil || id == "" {
		return nil
	}
	c := m.canceller
	return func() tea.Msg {
		err := c.CancelTask(context.Background(), id, "cancelled from monitor", rollback)
		return cancelResultMsg{taskID: id, err: err}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneWorkflows
			m.updateFocusStates()

		case KeyCancel, KeyRollback:
			if m.focusedPane == PaneTasks {
				cmds = append(cmds, m.cancelSelected(msg.String() == KeyRollback))
			}

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneWorkflows:
				m.workflowPane, cmd = m.workflowPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case cancelResultMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("cancel %s: %v", msg.taskID, msg.err)
		} else {
			m.notice = "cancelled " + msg.taskID
		}

	case events.WorkflowProgressEvent:
		var cmd tea.Cmd
		m.workflowPane, cmd = m.workflowPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case busClosedMsg:
		m.busClosed = true
		m.notice = "event bus closed"
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinVertical(lipgloss.Left, m.taskPane.View(), m.workflowPane.View())

	footer := HelpView(m.canceller != nil)
	if m.notice != "" {
		footer = StyleNotice.Render(m.notice) + "  " + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, footer)
}

// computeLayout splits the screen 70/30 between the task and workflow panes.
func (m *Model) computeLayout() {
	available := m.height - 1 // help bar
	taskHeight := (available * 70) / 100
	m.taskPane.SetSize(m.width, taskHeight)
	m.workflowPane.SetSize(m.width, available-taskHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.workflowPane.SetFocused(m.focusedPane == PaneWorkflows)
}
