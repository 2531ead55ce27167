package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"megafield/internal/acquisition"
)

const statusRefreshInterval = 200 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	stateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
)

type statusMsg acquisition.Status

type runDoneMsg struct{}

// progressModel follows a megafield run until it finishes.
type progressModel struct {
	run        *acquisition.Run
	bar        progress.Model
	spin       spinner.Model
	status     acquisition.Status
	cancelling bool
	done       bool
}

func newProgressModel(run *acquisition.Run) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return progressModel{
		run:    run,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spin:   s,
		status: run.Status(),
	}
}

func pollStatus(run *acquisition.Run) tea.Cmd {
	return tea.Tick(statusRefreshInterval, func(time.Time) tea.Msg {
		return statusMsg(run.Status())
	})
}

func waitDone(run *acquisition.Run) tea.Cmd {
	return func() tea.Msg {
		<-run.Done()
		return runDoneMsg{}
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, pollStatus(m.run), waitDone(m.run))
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.cancelling {
				m.cancelling = true
				m.run.Cancel()
			}
		}
		return m, nil
	case statusMsg:
		m.status = acquisition.Status(msg)
		if m.done {
			return m, nil
		}
		return m, pollStatus(m.run)
	case runDoneMsg:
		m.done = true
		m.status = m.run.Status()
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) fraction() float64 {
	if m.status.Total == 0 {
		return 0
	}
	return float64(m.status.Acquired) / float64(m.status.Total)
}

func (m progressModel) View() string {
	var b strings.Builder
	st := m.status
	b.WriteString(titleStyle.Render(fmt.Sprintf("Megafield %s", st.Region)))
	b.WriteString("\n\n")

	switch {
	case m.done && st.Error != "":
		b.WriteString(errStyle.Render(st.State + ": " + st.Error))
	case m.done:
		b.WriteString(doneStyle.Render(st.State))
	default:
		b.WriteString(m.spin.View() + " " + stateStyle.Render(st.State))
	}
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.fraction()))
	b.WriteString(fmt.Sprintf("  %d/%d fields", st.Acquired, st.Total))
	if !m.done && !st.End.IsZero() {
		if left := time.Until(st.End); left > 0 {
			b.WriteString(fmt.Sprintf("  ~%s left", left.Round(time.Second)))
		}
	}
	b.WriteString("\n\n")
	switch {
	case m.done:
	case m.cancelling:
		b.WriteString(hintStyle.Render("cancelling..."))
	default:
		b.WriteString(hintStyle.Render("press q to cancel"))
	}
	b.WriteString("\n")
	return b.String()
}

// watchRun shows the progress of run in the terminal until it finishes.
func watchRun(ctx context.Context, in io.Reader, out io.Writer, run *acquisition.Run) error {
	p := tea.NewProgram(newProgressModel(run), tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	if _, err := p.Run(); err != nil {
		run.Cancel()
		<-run.Done()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}
