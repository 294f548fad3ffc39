// Package tui renders a live terminal dashboard for a running profiling
// session: event counters, drop/flush statistics, and an
// allocation-rate sparkline, refreshed once a second.
package tui

import (
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kaelmon/leakmon/internal/metrics"
)

// MetricsSource supplies the snapshot rendered on every tick. A running
// session satisfies it; tests use a fixed-value fake.
type MetricsSource interface {
	Metrics() metrics.Snapshot
}

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Bold(true).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#666666")).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8800")).Bold(true)
	rateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4682B4"))

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Padding(0, 1)
)

const (
	sparklineWidth  = 48
	sparklineHeight = 4
)

type tickMsg time.Time

// Model is the bubbletea model for the dashboard.
type Model struct {
	source MetricsSource
	pid    uint32

	snap     metrics.Snapshot
	haveSnap bool
	prev     metrics.Snapshot
	havePrev bool

	allocRate sparkline.Model
	width     int
}

// NewModel builds a dashboard over source for the given target pid.
func NewModel(source MetricsSource, pid uint32) Model {
	sl := sparkline.New(sparklineWidth, sparklineHeight,
		sparkline.WithStyle(rateStyle))
	return Model{
		source:    source,
		pid:       pid,
		allocRate: sl,
	}
}

// Run starts the dashboard program and blocks until the user quits.
func Run(source MetricsSource, pid uint32) error {
	p := tea.NewProgram(NewModel(source, pid))
	_, err := p.Run()
	return err
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init schedules the first refresh tick.
func (m Model) Init() tea.Cmd {
	return tick()
}

// Update handles key and tick messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.prev, m.havePrev = m.snap, m.haveSnap
		m.snap, m.haveSnap = m.source.Metrics(), true
		m.allocRate.Push(float64(m.allocsPerTick()))
		m.allocRate.Draw()
		return m, tick()
	}
	return m, nil
}

// allocsPerTick returns the allocation events observed since the last
// refresh, which at a one-second tick is the allocations-per-second
// rate.
func (m Model) allocsPerTick() uint64 {
	if !m.havePrev || m.snap.AllocationEvents < m.prev.AllocationEvents {
		return 0
	}
	return m.snap.AllocationEvents - m.prev.AllocationEvents
}

// View renders the full dashboard.
func (m Model) View() string {
	title := titleStyle.Render(fmt.Sprintf("leakmon — pid %d", m.pid))

	counters := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		statLine("allocations", formatCount(m.snap.AllocationEvents)),
		statLine("frees", formatCount(m.snap.DeallocationEvents)),
		statLine("bytes allocated", formatBytes(m.snap.AllocatedBytes)),
		statLine("stack traces", formatCount(m.snap.StacktracesSeen)),
	))

	health := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		dropLine(m.snap.DroppedEvents),
		statLine("flush cycles", formatCount(m.snap.FlushCycles)),
		statLine("avg ack latency", formatLatency(m.snap.AvgLatencyNs)),
		statLine("uptime", m.uptime()),
	))

	chart := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		labelStyle.Render(fmt.Sprintf("alloc/s (now %d)", m.allocsPerTick())),
		m.allocRate.View(),
	))

	help := helpStyle.Render("q: quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		lipgloss.JoinHorizontal(lipgloss.Top, counters, health),
		chart,
		help,
	)
}

func (m Model) uptime() string {
	if m.snap.StartTime == 0 {
		return "-"
	}
	end := time.Now().UnixNano()
	if m.snap.StopTime != 0 {
		end = m.snap.StopTime
	}
	return time.Duration(end - m.snap.StartTime).Round(time.Second).String()
}

func statLine(label, value string) string {
	return fmt.Sprintf("%s %s", labelStyle.Render(fmt.Sprintf("%-16s", label)), valueStyle.Render(value))
}

func dropLine(drops uint64) string {
	style := valueStyle
	if drops > 0 {
		style = warnStyle
	}
	return fmt.Sprintf("%s %s", labelStyle.Render(fmt.Sprintf("%-16s", "dropped events")), style.Render(formatCount(drops)))
}

func formatCount(n uint64) string {
	return fmt.Sprintf("%d", n)
}

func formatBytes(n uint64) string {
	const (
		kib = 1 << 10
		mib = 1 << 20
		gib = 1 << 30
	)
	switch {
	case n >= gib:
		return fmt.Sprintf("%.2f GiB", float64(n)/gib)
	case n >= mib:
		return fmt.Sprintf("%.2f MiB", float64(n)/mib)
	case n >= kib:
		return fmt.Sprintf("%.2f KiB", float64(n)/kib)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatLatency(ns uint64) string {
	if ns == 0 {
		return "-"
	}
	return time.Duration(ns).Round(time.Microsecond).String()
}
