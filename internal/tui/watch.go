// Package tui renders a live view of one workflow instance.
package tui

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/stageflow/internal/workflow/engine"
)

const (
	defaultRefreshInterval = time.Second
	statusTimeout          = 5 * time.Second

	colStageWidth   = 20
	colAgentWidth   = 14
	colStateWidth   = 10
	colAttemptWidth = 7
	colLayerWidth   = 5
	colDetailWidth  = 40
	tableMinHeight  = 4
	tableHeightPad  = 12
)

// StatusSource loads instance status. *engine.Engine satisfies it.
type StatusSource interface {
	GetStatus(ctx context.Context, id string) (engine.Status, error)
}

// Option customizes the watch model.
type Option func(*Model)

// WithEvents refreshes the view whenever an event arrives on ch.
func WithEvents(ch <-chan engine.Event) Option {
	return func(m *Model) {
		m.events = ch
	}
}

// WithRefreshInterval sets the polling interval used between events.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithExitOnFinish quits once the instance reaches a terminal status.
func WithExitOnFinish() Option {
	return func(m *Model) {
		m.exitOnFinish = true
	}
}

// Model is the bubbletea model of the watch view.
type Model struct {
	source       StatusSource
	instanceID   string
	events       <-chan engine.Event
	interval     time.Duration
	exitOnFinish bool

	table     table.Model
	status    engine.Status
	loaded    bool
	err       error
	lastEvent string
	width     int
	height    int
}

type statusMsg struct {
	status engine.Status
	err    error
}

type eventMsg struct {
	event engine.Event
	ok    bool
}

type tickMsg struct{}

// New creates a watch model for one instance.
func New(source StatusSource, instanceID string, opts ...Option) *Model {
	m := &Model{
		source:     source,
		instanceID: instanceID,
		interval:   defaultRefreshInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.table = newStageTable()
	return m
}

// Run shows the watch view until the user quits or ctx is cancelled.
func Run(ctx context.Context, source StatusSource, instanceID string, opts ...Option) (engine.Status, error) {
	model := New(source, instanceID, opts...)
	final, err := tea.NewProgram(model, tea.WithContext(ctx), tea.WithAltScreen()).Run()
	if m, ok := final.(*Model); ok {
		return m.status, err
	}
	return model.status, err
}

func newStageTable() table.Model {
	columns := []table.Column{
		{Title: "Stage", Width: colStageWidth},
		{Title: "Agent", Width: colAgentWidth},
		{Title: "State", Width: colStateWidth},
		{Title: "Attempt", Width: colAttemptWidth},
		{Title: "Layer", Width: colLayerWidth},
		{Title: "Detail", Width: colDetailWidth},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(tableMinHeight),
	)
	style := table.DefaultStyles()
	style.Header = style.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	style.Selected = style.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#5B8DEF")).
		Bold(false)
	t.SetStyles(style)
	return t
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.waitForEvent(), m.tick())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetHeight(max(tableMinHeight, msg.Height-tableHeightPad))
		return m, nil
	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.loaded = true
		m.status = msg.status
		m.table.SetRows(stageRows(msg.status))
		if m.exitOnFinish && msg.status.Status.IsTerminal() {
			return m, tea.Quit
		}
		return m, nil
	case eventMsg:
		if !msg.ok {
			m.events = nil
			return m, nil
		}
		m.lastEvent = describeEvent(msg.event)
		return m, tea.Batch(m.fetch(), m.waitForEvent())
	case tickMsg:
		if m.loaded && m.status.Status.IsTerminal() {
			return m, nil
		}
		return m, tea.Batch(m.fetch(), m.tick())
	}
	return m, nil
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("stageflow watch"))
	b.WriteString("\n")
	if !m.loaded {
		b.WriteString(detailTextStyle.Render("Loading " + m.instanceID + "..."))
		b.WriteString("\n")
		m.writeError(&b)
		return b.String()
	}

	st := m.status
	header := fmt.Sprintf("%s  %s@%d  %s  v%d",
		st.InstanceID, st.WorkflowID, st.DefinitionVersion, instanceLabel(st.Status).render(), st.Version)
	b.WriteString(header)
	b.WriteString("\n")
	if st.Failure != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("%s failed (%s): %s", st.Failure.Stage, st.Failure.Kind, st.Failure.Message)))
		b.WriteString("\n")
	}
	if st.CancelReason != "" {
		b.WriteString(detailTextStyle.Render("cancelled: " + st.CancelReason))
		b.WriteString("\n")
	}
	b.WriteString(boxStyle.Render(m.table.View()))
	b.WriteString("\n")

	for _, p := range st.PendingApprovals {
		line := fmt.Sprintf("gate %s  %d/%d approvals  waiting on %s",
			p.GateID, p.Approvals, p.Quorum, strings.Join(p.Outstanding, ", "))
		if !p.Deadline.IsZero() {
			line += "  deadline " + p.Deadline.Format(time.RFC3339)
		}
		b.WriteString(labelStyleGate.Render(line))
		b.WriteString("\n")
	}
	if m.lastEvent != "" {
		b.WriteString(detailTextStyle.Render("last event: " + m.lastEvent))
		b.WriteString("\n")
	}
	m.writeError(&b)
	b.WriteString(footerStyle.Render("↑/↓ select • q quit"))
	return b.String()
}

func (m *Model) writeError(b *strings.Builder) {
	if m.err == nil {
		return
	}
	b.WriteString(errorStyle.Render("error: " + m.err.Error()))
	b.WriteString("\n")
}

// Status returns the last loaded status.
func (m *Model) Status() engine.Status {
	return m.status
}

func (m *Model) fetch() tea.Cmd {
	source, id := m.source, m.instanceID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		status, err := source.GetStatus(ctx, id)
		return statusMsg{status: status, err: err}
	}
}

func (m *Model) waitForEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	ch := m.events
	return func() tea.Msg {
		ev, ok := <-ch
		return eventMsg{event: ev, ok: ok}
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func stageRows(status engine.Status) []table.Row {
	rows := make([]table.Row, 0, len(status.Stages))
	for _, st := range status.Stages {
		attempt := ""
		if st.Attempt > 0 {
			attempt = fmt.Sprintf("%d", st.Attempt)
		}
		rows = append(rows, table.Row{
			st.Name,
			st.Agent,
			stageLabel(st).text,
			attempt,
			fmt.Sprintf("%d", st.Layer),
			stageDetail(st),
		})
	}
	return rows
}

func stageDetail(st engine.StageView) string {
	switch {
	case st.Error != nil:
		return fmt.Sprintf("%s: %s", st.Error.Kind, st.Error.Message)
	case len(st.BlockedBy) > 0:
		return "after " + strings.Join(st.BlockedBy, ", ")
	case !st.RetryAt.IsZero():
		return "retry at " + st.RetryAt.Format(time.TimeOnly)
	case st.GateID != "" && !st.Status.IsTerminal():
		return "gate " + st.GateID
	case len(st.Outputs) > 0:
		keys := make([]string, 0, len(st.Outputs))
		for key := range st.Outputs {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		return "outputs: " + strings.Join(keys, ", ")
	}
	return ""
}

func describeEvent(ev engine.Event) string {
	parts := []string{string(ev.Type)}
	if ev.Stage != "" {
		parts = append(parts, ev.Stage)
	}
	if ev.Status != "" {
		parts = append(parts, ev.Status)
	}
	if ev.Message != "" {
		parts = append(parts, ev.Message)
	}
	return strings.Join(parts, " ")
}
