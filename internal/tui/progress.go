package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	progressbar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lvcoi/ytdl-web/internal/jobs"
)

// ErrInterrupted is returned when the user quits before the job finishes.
var ErrInterrupted = errors.New("interrupted")

const (
	defaultPollInterval = 200 * time.Millisecond
	minBarWidth         = 20
	maxBarWidth         = 80
)

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8F8F2")).
			Bold(true)

	percentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00F5D4")).
			Bold(true)

	etaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6ADC8"))

	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D27A")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)

	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7FDBFF"))
)

// StatusSource is polled for the job being watched.
type StatusSource interface {
	Status(id string) jobs.Snapshot
}

type pollMsg jobs.Snapshot

type progressModel struct {
	src      StatusSource
	id       string
	label    string
	interval time.Duration

	snap        jobs.Snapshot
	bar         progressbar.Model
	spin        spinner.Model
	width       int
	interrupted bool
}

func newProgressModel(src StatusSource, id, label string) progressModel {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = spinnerStyle
	return progressModel{
		src:      src,
		id:       id,
		label:    label,
		interval: defaultPollInterval,
		snap:     src.Status(id),
		width:    80,
		bar: progressbar.New(
			progressbar.WithGradient("#FF006E", "#00F5FF"),
			progressbar.WithWidth(barWidth(80)),
			progressbar.WithoutPercentage(),
		),
		spin: spin,
	}
}

func (m progressModel) poll() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return pollMsg(m.src.Status(m.id))
	})
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.poll())
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.interrupted = true
			return m, tea.Quit
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = barWidth(msg.Width)
		return m, nil
	case pollMsg:
		m.snap = jobs.Snapshot(msg)
		if m.snap.Status.Terminal() || m.snap.Status == jobs.StatusUnknown {
			return m, tea.Quit
		}
		return m, tea.Batch(m.bar.SetPercent(m.snap.Percent/100), m.poll())
	case progressbar.FrameMsg:
		updated, cmd := m.bar.Update(msg)
		if bar, ok := updated.(progressbar.Model); ok {
			m.bar = bar
		}
		return m, cmd
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) View() string {
	var b strings.Builder
	b.WriteString(labelStyle.Render(truncate(m.label, m.width)))
	b.WriteString("\n")

	switch m.snap.Status {
	case jobs.StatusCompleted:
		b.WriteString(doneStyle.Render("✓ " + m.snap.Message))
		b.WriteString("\n")
		return b.String()
	case jobs.StatusError, jobs.StatusUnknown:
		b.WriteString(errorStyle.Render("✗ " + m.snap.Message))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.spin.View())
	b.WriteString(" ")
	b.WriteString(m.bar.View())
	b.WriteString(" ")
	b.WriteString(percentStyle.Render(fmt.Sprintf("%5.1f%%", m.snap.Percent)))
	b.WriteString("\n")
	b.WriteString(etaStyle.Render(fmt.Sprintf("%s  %s  eta %s  %s", m.snap.Message, m.snap.Speed, m.snap.ETA, m.snap.Filesize)))
	b.WriteString("\n")
	return b.String()
}

// Watch renders the job's progress until it reaches a terminal state or ctx
// is done, and returns the last snapshot seen.
func Watch(ctx context.Context, src StatusSource, id, label string, out io.Writer) (jobs.Snapshot, error) {
	p := tea.NewProgram(newProgressModel(src, id, label), tea.WithOutput(out))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.Quit()
		case <-stop:
		}
	}()

	final, err := p.Run()
	if err != nil {
		return jobs.Snapshot{}, fmt.Errorf("progress view: %w", err)
	}
	m, _ := final.(progressModel)
	if m.interrupted {
		return m.snap, ErrInterrupted
	}
	if !m.snap.Status.Terminal() && ctx.Err() != nil {
		return m.snap, ctx.Err()
	}
	return m.snap, nil
}

func barWidth(width int) int {
	w := width - 20
	if w < minBarWidth {
		return minBarWidth
	}
	if w > maxBarWidth {
		return maxBarWidth
	}
	return w
}

func truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-1 && width > 1 {
		r = r[:width-1]
	}
	return string(r) + "…"
}
