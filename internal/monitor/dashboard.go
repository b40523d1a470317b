// Package monitor renders a live terminal dashboard of a fixpland daemon:
// review backlog, plans in flight, throughput and the success ratio of
// finished plans.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/fixplan/internal/engine"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
)

// Source fetches plan counts from a daemon.
type Source interface {
	Stats(ctx context.Context) (*engine.Stats, error)
}

// Model is the bubbletea dashboard model.
type Model struct {
	src        Source
	target     string
	interval   time.Duration
	lastUpdate time.Time
	stats      *engine.Stats
	prev       *engine.Stats
	err        error
	quitting   bool

	backlogHistory    []float64
	inFlightHistory   []float64
	throughputHistory []float64
	backlogPeak       int

	backlogProgress progress.Model
	successProgress progress.Model
}

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

// NewModel creates a dashboard polling src every interval. target names
// the daemon in the header and error view.
func NewModel(src Source, target string, interval time.Duration) Model {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return Model{
		src:      src,
		target:   target,
		interval: interval,
		backlogProgress: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
		successProgress: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(40),
		),
		backlogHistory:    make([]float64, 0, historySize),
		inFlightHistory:   make([]float64, 0, historySize),
		throughputHistory: make([]float64, 0, historySize),
		backlogPeak:       1,
	}
}

// Backlog counts plans waiting on analysis or a reviewer.
func Backlog(counts map[plan.Status]int) int {
	return counts[plan.StatusPendingAIReview] + counts[plan.StatusPendingHumanReview]
}

// InFlight counts approved plans not yet finished.
func InFlight(counts map[plan.Status]int) int {
	return counts[plan.StatusApproved] + counts[plan.StatusQueued] +
		counts[plan.StatusExecuting] + counts[plan.StatusValidating]
}

// Finished counts plans that executed to an end, successfully or not.
func Finished(counts map[plan.Status]int) int {
	return counts[plan.StatusSucceeded] + counts[plan.StatusFailed]
}

// SuccessRatio is the share of finished plans that succeeded, or 0 when
// none have finished.
func SuccessRatio(counts map[plan.Status]int) float64 {
	n := Finished(counts)
	if n == 0 {
		return 0
	}
	return float64(counts[plan.StatusSucceeded]) / float64(n)
}

// Throughput is the number of plans finished per minute between two
// snapshots. It is 0 without a previous snapshot.
func Throughput(prev, cur *engine.Stats) float64 {
	if prev == nil || cur == nil {
		return 0
	}
	elapsed := cur.At.Sub(prev.At).Minutes()
	if elapsed <= 0 {
		return 0
	}
	delta := Finished(cur.Counts) - Finished(prev.Counts)
	if delta < 0 {
		return 0
	}
	return float64(delta) / elapsed
}

// statusBadge summarises finished plans: idle with none, otherwise by how
// many of them succeeded.
func statusBadge(counts map[plan.Status]int) string {
	if Finished(counts) == 0 {
		return dimStyle.Render("● IDLE")
	}
	switch r := SuccessRatio(counts); {
	case r >= 0.9:
		return healthyStyle.Render("✓ HEALTHY")
	case r >= 0.5:
		return warningStyle.Render("⚠ DEGRADED")
	default:
		return errorStyle.Render("✗ FAILING")
	}
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

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

type tickMsg time.Time
type statsMsg *engine.Stats
type errMsg error

// Init starts the refresh loop with an immediate fetch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetchStats(m.src))
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStats(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		st, err := src.Stats(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statsMsg(st)
	}
}

// Update handles key presses, ticks and fetch results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStats(m.src)
		}

	case tickMsg:
		return m, tea.Batch(tick(m.interval), fetchStats(m.src))

	case statsMsg:
		st := (*engine.Stats)(msg)
		if st == nil {
			return m, nil
		}
		if st.Counts == nil {
			st.Counts = map[plan.Status]int{}
		}
		m.prev, m.stats = m.stats, st
		backlog := Backlog(st.Counts)
		if backlog > m.backlogPeak {
			m.backlogPeak = backlog
		}
		m.backlogHistory = appendToHistory(m.backlogHistory, float64(backlog))
		m.inFlightHistory = appendToHistory(m.inFlightHistory, float64(InFlight(st.Counts)))
		m.throughputHistory = appendToHistory(m.throughputHistory, Throughput(m.prev, st))
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" fixplan Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach fixpland") + "\n\n")
	b.WriteString(dimStyle.Render("Server: ") + valueStyle.Render(m.target) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start the daemon with: fixpland serve") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry"))
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	counts := map[plan.Status]int{}
	total := 0
	if m.stats != nil {
		counts = m.stats.Counts
		total = m.stats.Total
	}

	updated := "Never"
	if !m.lastUpdate.IsZero() {
		updated = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" fixplan Monitor ") + "\n")
	fmt.Fprintf(&b, "%s   %s   %s   %s\n",
		statusBadge(counts),
		dimStyle.Render("Plans:"),
		valueStyle.Render(FormatCount(total)),
		dimStyle.Render(updated))

	backlog := Backlog(counts)
	b.WriteString("\n" + sectionStyle.Render("┃ Review") + "\n")
	b.WriteString(labelStyle.Render("  Backlog: ") +
		valueStyle.Render(FormatCount(backlog)) +
		dimStyle.Render(fmt.Sprintf(" (%d analysing, %d awaiting reviewer)",
			counts[plan.StatusPendingAIReview], counts[plan.StatusPendingHumanReview])) +
		"   " + createSparkline(m.backlogHistory) + "\n")
	load := float64(backlog) / float64(max(m.backlogPeak, 1))
	b.WriteString(labelStyle.Render("  Load: ") +
		m.backlogProgress.ViewAs(min(load, 1)) +
		" " + dimStyle.Render(FormatPercentage(min(load, 1))) + "\n")
	b.WriteString(labelStyle.Render("  Drafts: ") + valueStyle.Render(FormatCount(counts[plan.StatusDraft])) +
		labelStyle.Render("  Rejected: ") + valueStyle.Render(FormatCount(counts[plan.StatusRejected])) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Execution") + "\n")
	b.WriteString(labelStyle.Render("  In flight: ") +
		valueStyle.Render(FormatCount(InFlight(counts))) +
		dimStyle.Render(fmt.Sprintf(" (%d queued, %d executing, %d validating)",
			counts[plan.StatusQueued], counts[plan.StatusExecuting], counts[plan.StatusValidating])) +
		"   " + createSparkline(m.inFlightHistory) + "\n")
	b.WriteString(labelStyle.Render("  Throughput: ") +
		valueStyle.Render(FormatRate(Throughput(m.prev, m.stats))) +
		"   " + createSparkline(m.throughputHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Outcomes") + "\n")
	b.WriteString(labelStyle.Render("  Succeeded: ") + valueStyle.Render(FormatCount(counts[plan.StatusSucceeded])) +
		labelStyle.Render("  Failed: ") + valueStyle.Render(FormatCount(counts[plan.StatusFailed])) + "\n")
	ratio := SuccessRatio(counts)
	b.WriteString(labelStyle.Render("  Success: ") +
		m.successProgress.ViewAs(ratio) +
		" " + dimStyle.Render(FormatPercentage(ratio)) + "\n")

	b.WriteString("\n" +
		footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v  %s", m.interval, m.target)))

	return containerStyle.Render(b.String())
}
