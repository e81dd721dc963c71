package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

type label struct {
	text  string
	style lipgloss.Style
}

func (l label) render() string {
	return l.style.Render(l.text)
}

func stageLabel(view engine.StageView) label {
	switch view.Status {
	case workflow.StageSucceeded:
		return label{text: "done", style: labelStyleReady}
	case workflow.StageFailed:
		return label{text: "failed", style: labelStyleBlocked}
	case workflow.StageSkipped:
		return label{text: "skipped", style: labelStyleSkipped}
	case workflow.StageRunning:
		switch {
		case view.GateID != "" && !view.Dispatched:
			return label{text: "awaiting", style: labelStyleGate}
		case !view.RetryAt.IsZero():
			return label{text: "retrying", style: labelStyleGate}
		case view.Dispatched:
			return label{text: "running", style: labelStyleRunning}
		default:
			return label{text: "queued", style: labelStyleDefault}
		}
	default:
		if len(view.BlockedBy) > 0 {
			return label{text: "blocked", style: labelStyleSkipped}
		}
		return label{text: "pending", style: labelStyleDefault}
	}
}

func instanceLabel(status workflow.InstanceStatus) label {
	switch status {
	case workflow.InstanceCompleted:
		return label{text: string(status), style: labelStyleReady}
	case workflow.InstanceFailed, workflow.InstanceRejected, workflow.InstanceTimedOut:
		return label{text: string(status), style: labelStyleBlocked}
	case workflow.InstanceCancelled:
		return label{text: string(status), style: labelStyleSkipped}
	case workflow.InstanceAwaitingApproval:
		return label{text: string(status), style: labelStyleGate}
	case workflow.InstanceRunning:
		return label{text: string(status), style: labelStyleRunning}
	default:
		return label{text: string(status), style: labelStyleDefault}
	}
}
