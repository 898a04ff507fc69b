// Package monitor renders a live terminal view of one pipeline thread.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	maxErrorLines   = 5
	fetchTimeout    = 5 * time.Second
)

// Source provides the checkpoints of a thread. Both the orchestrator and the
// HTTP client satisfy it.
type Source interface {
	GetState(ctx context.Context, threadID string) (*pipeline.State, error)
	GetHistory(ctx context.Context, threadID string) ([]*pipeline.State, error)
}

// Snapshot is one poll of a thread.
type Snapshot struct {
	State       *pipeline.State
	Checkpoints int

	// ConfidenceHistory is the mean stage confidence of each checkpoint,
	// oldest first.
	ConfidenceHistory []float64
}

// Model represents the BubbleTea watch model
type Model struct {
	source     Source
	threadID   string
	interval   time.Duration
	exitOnDone bool
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool

	progress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// Option configures a Model.
type Option func(*Model)

// WithExitOnDone quits the view once the thread reaches a terminal status.
func WithExitOnDone() Option {
	return func(m *Model) { m.exitOnDone = true }
}

// NewModel creates a watch model for threadID.
func NewModel(source Source, threadID string, interval time.Duration, opts ...Option) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	m := Model{
		source:   source,
		threadID: threadID,
		interval: interval,
		progress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Err returns the last fetch error, if any.
func (m Model) Err() error { return m.err }

// Snapshot returns the last successful poll.
func (m Model) Snapshot() Snapshot { return m.snapshot }

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg struct{ err error }

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetch(m.source, m.threadID),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch polls state and history. A thread that does not exist yet yields an
// empty snapshot so the view can wait for it.
func fetch(source Source, threadID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		st, err := source.GetState(ctx, threadID)
		if errors.Is(err, orchestrator.ErrThreadNotFound) {
			return snapshotMsg{}
		}
		if err != nil {
			return errMsg{err}
		}

		hist, err := source.GetHistory(ctx, threadID)
		if err != nil && !errors.Is(err, orchestrator.ErrThreadNotFound) {
			return errMsg{err}
		}
		return snapshotMsg(buildSnapshot(st, hist))
	}
}

func buildSnapshot(st *pipeline.State, hist []*pipeline.State) Snapshot {
	snap := Snapshot{State: st, Checkpoints: len(hist)}
	// History is newest first.
	for i := len(hist) - 1; i >= 0; i-- {
		snap.ConfidenceHistory = appendToHistory(snap.ConfidenceHistory, meanConfidence(hist[i]))
	}
	return snap
}

func meanConfidence(st *pipeline.State) float64 {
	if st == nil || len(st.Confidence) == 0 {
		return 0
	}
	var sum float64
	for _, c := range st.Confidence {
		sum += c
	}
	return sum / float64(len(st.Confidence))
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.source, m.threadID)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetch(m.source, m.threadID),
		)

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		m.lastUpdate = time.Now()
		m.err = nil
		if m.exitOnDone && m.done() {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

func (m Model) done() bool {
	st := m.snapshot.State
	return st != nil && st.Status != pipeline.StatusRunning
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	if m.snapshot.State == nil {
		return m.renderWaiting()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" pipelined watch ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot load thread") + "\n\n")
	b.WriteString(dimStyle.Render("Thread: ") + valueStyle.Render(m.threadID) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n")
	b.WriteString(m.footer())
	return containerStyle.Render(b.String())
}

func (m Model) renderWaiting() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" pipelined watch ") + "\n\n")
	b.WriteString(warningStyle.Render("… Waiting for thread ") + valueStyle.Render(m.threadID) + "\n")
	b.WriteString(dimStyle.Render("No checkpoint has been written yet.") + "\n")
	b.WriteString(m.footer())
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	st := m.snapshot.State
	var b strings.Builder

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	elapsed := time.Since(st.StartedAt)
	if st.CompletedAt != nil {
		elapsed = st.CompletedAt.Sub(st.StartedAt)
	}

	b.WriteString(headerStyle.Render(" pipelined watch ") + "\n")
	fmt.Fprintf(&b, "%s   %s %s   %s\n",
		statusBadge(st.Status),
		dimStyle.Render("Elapsed:"),
		valueStyle.Render(FormatElapsed(elapsed)),
		dimStyle.Render(lastUpdate))

	b.WriteString("\n" + sectionStyle.Render("┃ Ticket") + "\n")
	b.WriteString(labelStyle.Render("  ID: ") + valueStyle.Render(st.TicketID) +
		dimStyle.Render("   thread "+st.ThreadID) + "\n")
	if st.Title != "" {
		b.WriteString(labelStyle.Render("  Title: ") + valueStyle.Render(Truncate(st.Title, 60)) + "\n")
	}
	b.WriteString(labelStyle.Render("  Action: ") + valueStyle.Render(string(st.Action)) +
		labelStyle.Render("   Phase: ") + valueStyle.Render(string(st.Phase)) + "\n")

	planned := PlannedStages(st.Action)
	finished := 0
	b.WriteString("\n" + sectionStyle.Render("┃ Stages") + "\n")
	for _, stage := range planned {
		status := StageStatusOf(st, stage)
		if status == StageDone {
			finished++
		}
		conf, ok := st.Confidence[stage]
		line := fmt.Sprintf("  %s %-13s %s %s",
			stageBadge(status),
			string(stage),
			labelStyle.Render("conf")+" "+valueStyle.Render(FormatConfidence(conf, ok)),
			labelStyle.Render("retries")+" "+valueStyle.Render(fmt.Sprintf("%d", st.Retries[stage])),
		)
		if r, ok := st.LastResult(stage); ok {
			line += dimStyle.Render(fmt.Sprintf("  %s/%s #%d", r.Agent, r.Mode, r.Attempt))
		}
		b.WriteString(line + "\n")
	}

	ratio := 0.0
	if len(planned) > 0 {
		ratio = float64(finished) / float64(len(planned))
	}
	b.WriteString(labelStyle.Render("  Progress: ") + m.progress.ViewAs(ratio) +
		" " + dimStyle.Render(FormatPercentage(ratio)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Checkpoints") + "\n")
	b.WriteString(labelStyle.Render("  Count: ") + valueStyle.Render(fmt.Sprintf("%d", m.snapshot.Checkpoints)) +
		"   " + createSparkline(m.snapshot.ConfidenceHistory) + "\n")

	if len(st.Errors) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Errors") + "\n")
		start := max(0, len(st.Errors)-maxErrorLines)
		for _, e := range st.Errors[start:] {
			b.WriteString("  " + errorStyle.Render("✗ ") + Truncate(e, 80) + "\n")
		}
		if start > 0 {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d earlier", start)) + "\n")
		}
	}

	b.WriteString(m.footer())
	return containerStyle.Render(b.String())
}

func (m Model) footer() string {
	return "\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

func statusBadge(s pipeline.Status) string {
	switch s {
	case pipeline.StatusCompleted:
		return healthyStyle.Render("✓ COMPLETED")
	case pipeline.StatusCompletedWithErrors:
		return warningStyle.Render("⚠ COMPLETED WITH ERRORS")
	case pipeline.StatusFailed:
		return errorStyle.Render("✗ FAILED")
	default:
		return warningStyle.Render("● RUNNING")
	}
}

func stageBadge(s StageStatus) string {
	switch s {
	case StageDone:
		return healthyStyle.Render("[✓]")
	case StageRunning:
		return warningStyle.Render("[●]")
	case StageFailed:
		return errorStyle.Render("[✗]")
	default:
		return dimStyle.Render("[ ]")
	}
}
