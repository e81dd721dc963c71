package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/stageflow/internal/workflow/engine"
)

// Summary renders a one-shot view of an instance for non-interactive output.
func Summary(st engine.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s@%d  %s\n", st.InstanceID, st.WorkflowID, st.DefinitionVersion, instanceLabel(st.Status).render())
	if st.Failure != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("%s failed (%s): %s", st.Failure.Stage, st.Failure.Kind, st.Failure.Message)))
		b.WriteString("\n")
	}
	if st.CancelReason != "" {
		b.WriteString("cancelled: " + st.CancelReason + "\n")
	}

	stageCol := lipgloss.NewStyle().Width(colStageWidth)
	stateCol := lipgloss.NewStyle().Width(colStateWidth)
	for _, stage := range st.Stages {
		lbl := stageLabel(stage)
		line := stageCol.Render(stage.Name) + lbl.style.Inherit(stateCol).Render(lbl.text)
		if detail := stageDetail(stage); detail != "" {
			line += " " + detailTextStyle.Render(detail)
		}
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	for _, p := range st.PendingApprovals {
		line := fmt.Sprintf("gate %s  %d/%d approvals", p.GateID, p.Approvals, p.Quorum)
		if len(p.Outstanding) > 0 {
			line += "  waiting on " + strings.Join(p.Outstanding, ", ")
		}
		if !p.Deadline.IsZero() {
			line += "  deadline " + p.Deadline.Format(time.RFC3339)
		}
		b.WriteString(labelStyleGate.Render(line) + "\n")
	}
	return b.String()
}
