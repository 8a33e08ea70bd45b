package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kriptik-ai/forge/internal/events"
)

// SandboxState tracks what one sandbox is doing, for display.
type SandboxState struct {
	ID          string
	Role        string
	Status      string // "creating", "building", "completed", "failed"
	CurrentTask string
	CostUSD     float64
	Log         []string
	StartTime   time.Time
}

// SandboxPaneModel lists sandboxes and shows the selected one's event log in
// a scrollable viewport.
type SandboxPaneModel struct {
	sandboxes   map[string]*SandboxState
	order       []string // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewSandboxPaneModel creates a new sandbox pane model.
func NewSandboxPaneModel() SandboxPaneModel {
	vp := viewport.New(0, 0)
	return SandboxPaneModel{
		sandboxes: make(map[string]*SandboxState),
		viewport:  vp,
	}
}

// Update handles messages for the sandbox pane.
func (m SandboxPaneModel) Update(msg tea.Msg) (SandboxPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
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

	case events.SandboxCreatedEvent:
		m.ensure(msg.SandboxID, msg.Role)
		m.appendLog(msg.SandboxID, fmt.Sprintf("created (%s)", msg.Endpoint))

	case events.TaskStartedEvent:
		sb := m.ensure(msg.SandboxID, "build")
		sb.Status = "building"
		sb.CurrentTask = msg.TaskName
		m.appendLog(msg.SandboxID, fmt.Sprintf("task %s started", msg.TaskID))

	case events.TaskCompletedEvent:
		sb := m.ensure(msg.SandboxID, "build")
		sb.CurrentTask = ""
		sb.CostUSD += msg.CostUSD
		m.appendLog(msg.SandboxID, fmt.Sprintf("task %s done: score %.0f, $%.2f, %s",
			msg.TaskID, msg.Score, msg.CostUSD, msg.Duration.Round(time.Millisecond)))

	case events.TaskFailedEvent:
		sb := m.ensure(msg.SandboxID, "build")
		sb.CurrentTask = ""
		m.appendLog(msg.SandboxID, fmt.Sprintf("task %s failed: %v", msg.TaskID, msg.Err))

	case events.SandboxCompletedEvent:
		sb := m.ensure(msg.SandboxID, "build")
		sb.Status = "completed"
		sb.CostUSD = msg.CostUSD
		m.appendLog(msg.SandboxID, "completed")

	case events.SandboxFailedEvent:
		sb := m.ensure(msg.SandboxID, "build")
		sb.Status = "failed"
		m.appendLog(msg.SandboxID, "failed: "+msg.Reason)
	}

	return m, cmd
}

func (m *SandboxPaneModel) ensure(id, role string) *SandboxState {
	if sb, ok := m.sandboxes[id]; ok {
		return sb
	}
	sb := &SandboxState{
		ID:        id,
		Role:      role,
		Status:    "creating",
		StartTime: time.Now(),
	}
	m.sandboxes[id] = sb
	m.order = append(m.order, id)
	return sb
}

func (m *SandboxPaneModel) appendLog(id, line string) {
	sb, ok := m.sandboxes[id]
	if !ok {
		return
	}
	sb.Log = append(sb.Log, line)
	if len(m.order) > 0 && m.order[m.selectedIdx] == id {
		m.updateViewportContent()
	}
}

func (m *SandboxPaneModel) updateViewportContent() {
	if len(m.order) == 0 {
		m.viewport.SetContent("")
		return
	}
	sb := m.sandboxes[m.order[m.selectedIdx]]
	m.viewport.SetContent(strings.Join(sb.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *SandboxPaneModel) resizeViewport() {
	listHeight := len(m.order) + 4
	m.viewport.Width = m.width - 4
	m.viewport.Height = maxInt(m.height-listHeight-4, 3)
}

// View renders the sandbox list with the selected sandbox's log below it.
func (m SandboxPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Sandboxes")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n")

	for i, id := range m.order {
		sb := m.sandboxes[id]
		cursor := "  "
		if i == m.selectedIdx {
			cursor = "> "
		}
		status := styleForStatus(sb.Status).Render(sb.Status)
		line := fmt.Sprintf("%s%-10s %s  %s", cursor, shortID(sb.ID), status,
			StyleCost.Render(fmt.Sprintf("$%.2f", sb.CostUSD)))
		if sb.CurrentTask != "" {
			line += "  " + sb.CurrentTask
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *SandboxPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *SandboxPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func styleForStatus(status string) lipgloss.Style {
	switch status {
	case "building":
		return StyleStatusBuilding
	case "completed":
		return StyleStatusComplete
	case "failed":
		return StyleStatusFailed
	default:
		return StyleStatusPending
	}
}

// shortID trims the build-ID prefix off a sandbox ID for display.
func shortID(id string) string {
	if i := strings.LastIndex(id, "-main"); i >= 0 {
		return "main"
	}
	if i := strings.Index(id, "-build-"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
