// Package tui renders a live dashboard over a running engine: queue
// depth, scheduler state, network conditions, cache counters, and a
// tail of recent engine events.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/citypages/cacheflow/internal/engine"
	"github.com/citypages/cacheflow/internal/event"
)

const maxEventLines = 12

type tickMsg time.Time

type busMsg struct{ ev event.Event }

type scenarioDoneMsg struct{}

// Model is the dashboard's bubbletea model.
type Model struct {
	eng     *engine.Engine
	spinner spinner.Model
	stats   engine.Stats
	events  []string
	done    bool
	width   int
}

// NewModel creates a dashboard model over a started engine.
func NewModel(eng *engine.Engine) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return Model{
		eng:     eng,
		spinner: sp,
		stats:   eng.Stats(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(300*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		m.stats = m.eng.Stats()
		return m, tick()

	case busMsg:
		m.events = append(m.events, formatEvent(msg.ev))
		if len(m.events) > maxEventLines {
			m.events = m.events[len(m.events)-maxEventLines:]
		}

	case scenarioDoneMsg:
		m.done = true
		m.stats = m.eng.Stats()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	header := titleStyle.Render("cacheflow")
	if m.done {
		header += mutedStyle.Render("  scenario complete - press q to quit")
	} else {
		header += "  " + m.spinner.View() + mutedStyle.Render("running scenario")
	}
	b.WriteString(header + "\n\n")

	b.WriteString(panelStyle.Render(m.renderStatus()) + "\n")
	b.WriteString(panelStyle.Render(m.renderQueue()) + "\n")
	b.WriteString(panelStyle.Render(m.renderCache()) + "\n")
	b.WriteString(panelStyle.Render(m.renderEvents()) + "\n")

	return b.String()
}

func (m Model) renderStatus() string {
	s := m.stats
	network := valueStyle.Render("online")
	if !s.Network.Online {
		network = errStyle.Render("offline")
	}

	return fmt.Sprintf("%s  state %s   network %s   speed %s   tokens %s",
		sectionStyle.Render("engine"),
		stateStyle(string(s.State)).Render(string(s.State)),
		network,
		mutedStyle.Render(string(s.Network.Speed)),
		valueStyle.Render(fmt.Sprintf("%d", s.LiveTokens)))
}

func (m Model) renderQueue() string {
	q := m.stats.Queue
	failed := fmt.Sprintf("%d", q.Failed)
	if q.Failed > 0 {
		failed = errStyle.Render(failed)
	}

	return fmt.Sprintf("%s   queued %d   active %d   completed %d   failed %s   cancelled %d",
		sectionStyle.Render("queue"),
		q.Queued, q.Active, q.Completed, failed, q.Cancelled)
}

func (m Model) renderCache() string {
	var lines []string
	lines = append(lines, sectionStyle.Render("cache"))
	for _, domain := range m.eng.Domains() {
		c := m.stats.Cache[domain]
		lines = append(lines, fmt.Sprintf("  %-10s hits %s  misses %s",
			domain,
			valueStyle.Render(fmt.Sprintf("%d", c.Hits)),
			warnStyle.Render(fmt.Sprintf("%d", c.Misses))))
	}

	mu := m.stats.Mutations
	lines = append(lines, fmt.Sprintf("  mutations  settled %d  success %.0f%%  avg %s",
		mu.Settled, mu.SuccessRate*100, mu.AvgDuration.Round(time.Millisecond)))
	return strings.Join(lines, "\n")
}

func (m Model) renderEvents() string {
	lines := []string{sectionStyle.Render("events")}
	if len(m.events) == 0 {
		lines = append(lines, mutedStyle.Render("  (none yet)"))
	}
	for _, ev := range m.events {
		line := "  " + ev
		if m.width > 6 {
			line = ansi.Truncate(line, m.width-6, "...")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatEvent(ev event.Event) string {
	ts := mutedStyle.Render(ev.Timestamp().Format("15:04:05.000"))

	switch e := ev.(type) {
	case event.StateChangedEvent:
		return fmt.Sprintf("%s  %s %s -> %s (%s)", ts,
			sectionStyle.Render("state"), e.From, stateStyle(e.To).Render(e.To), e.Trigger)
	case event.InvalidationCompletedEvent:
		return fmt.Sprintf("%s  %s %s invalidated=%d refetched=%d", ts,
			sectionStyle.Render("invalidate"), e.Strategy, e.Invalidated, e.Refetched)
	case event.MutationSettledEvent:
		outcome := valueStyle.Render("ok")
		if !e.Success {
			outcome = errStyle.Render("failed")
		}
		return fmt.Sprintf("%s  %s %s %s %s", ts,
			sectionStyle.Render("mutation"), e.MutationType, e.EntityType, outcome)
	case event.NetworkChangedEvent:
		status := valueStyle.Render("online")
		if !e.Online {
			status = errStyle.Render("offline")
		}
		return fmt.Sprintf("%s  %s %s speed=%s", ts, sectionStyle.Render("network"), status, e.Speed)
	case event.EntryCommittedEvent:
		return fmt.Sprintf("%s  %s %s", ts, sectionStyle.Render("commit"), e.Key)
	default:
		return fmt.Sprintf("%s  %s", ts, ev.EventType())
	}
}
