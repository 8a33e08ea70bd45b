package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kriptik-ai/forge/internal/events"
)

// ProgressPaneModel shows whole-build progress: task counts, merge counts,
// accumulated cost, and the final outcome.
type ProgressPaneModel struct {
	intent    string
	total     int
	completed int
	failed    int
	merged    int
	rejected  int
	costUSD   float64
	outcome   string // empty while running, then "completed" or "failed"
	url       string
	warnings  []string
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.StartedEvent:
		m.intent = msg.Intent

	case events.TasksPartitionedEvent:
		m.total = msg.TaskCount
		m.warnings = msg.Warnings

	case events.TaskCompletedEvent:
		m.completed++
		m.costUSD += msg.CostUSD

	case events.TaskFailedEvent:
		m.failed++

	case events.MergeApprovedEvent:
		m.merged++

	case events.MergeRejectedEvent:
		m.rejected++

	case events.BudgetExceededEvent:
		m.warnings = append(m.warnings,
			fmt.Sprintf("budget limit $%.2f exceeded ($%.2f spent)", msg.LimitUSD, msg.CostUSD))

	case events.CompletedEvent:
		m.outcome = "completed"
		m.url = msg.URL
		m.costUSD = msg.CostUSD

	case events.FailedEvent:
		m.outcome = "failed"
		m.costUSD = msg.CostUSD
	}

	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Build Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.intent != "" {
		b.WriteString(fmt.Sprintf("Intent:    %s\n", m.intent))
	}
	b.WriteString(fmt.Sprintf("Tasks:     %d\n", m.total))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", m.completed))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", m.failed))))
	b.WriteString(fmt.Sprintf("Merged:    %d  Rejected: %d\n", m.merged, m.rejected))
	b.WriteString(fmt.Sprintf("Cost:      %s\n", StyleCost.Render(fmt.Sprintf("$%.2f", m.costUSD))))

	b.WriteString("\n")
	if m.total > 0 {
		barWidth := minInt(m.width-4, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", maxInt(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", maxInt(0, failedWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", maxInt(0, pendingWidth)))
		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, m.completed, m.total))
	}

	for _, w := range m.warnings {
		b.WriteString(StyleWarning.Render("! " + w))
		b.WriteString("\n")
	}

	switch m.outcome {
	case "completed":
		b.WriteString("\n")
		b.WriteString(StyleStatusComplete.Render("Build completed: " + m.url))
		b.WriteString("\n")
	case "failed":
		b.WriteString("\n")
		b.WriteString(StyleStatusFailed.Render("Build failed"))
		b.WriteString("\n")
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

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
