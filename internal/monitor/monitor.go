// Package monitor renders a live training progress view with
// bubbletea/bubbles/lipgloss, fed by a channel of Update values the
// optimizer driver sends one per completed iteration or epoch.
package monitor

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Update is one progress event from a training run.
type Update struct {
	RunID     string
	Iteration int
	Objective float64
	GradNorm  float64
	Done      bool
	Err       error
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#0B0F19")).
			Background(lipgloss.Color("#60A5FA")).
			Bold(true).
			Padding(0, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#374151")).
			Padding(0, 2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)
)

type updateMsg Update
type doneMsg struct{}

type model struct {
	bar       progress.Model
	updates   <-chan Update
	runID     string
	total     int
	iteration int
	objective float64
	gradNorm  float64
	started   time.Time
	finished  bool
	err       error
	width     int
}

func newModel(updates <-chan Update, runID string, totalIterations int) model {
	return model{
		bar:     progress.New(progress.WithDefaultGradient()),
		updates: updates,
		runID:   runID,
		total:   totalIterations,
		started: time.Now(),
		width:   80,
	}
}

// Run drives the progress view until updates is closed or a fatal Update
// arrives. It blocks until the user quits or training finishes.
func Run(updates <-chan Update, runID string, totalIterations int) error {
	p := tea.NewProgram(newModel(updates, runID, totalIterations))
	_, err := p.Run()
	return err
}

func waitForUpdate(updates <-chan Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return doneMsg{}
		}
		return updateMsg(u)
	}
}

func (m model) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 8
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
		return m, nil

	case updateMsg:
		u := Update(msg)
		m.iteration = u.Iteration
		m.objective = u.Objective
		m.gradNorm = u.GradNorm
		if u.Err != nil {
			m.err = u.Err
			return m, tea.Quit
		}
		if u.Done {
			m.finished = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		if m.total > 0 {
			cmd = m.bar.SetPercent(float64(m.iteration) / float64(m.total))
		}
		return m, tea.Batch(cmd, waitForUpdate(m.updates))

	case doneMsg:
		m.finished = true
		return m, tea.Quit

	case progress.FrameMsg:
		newBar, cmd := m.bar.Update(msg)
		m.bar = newBar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m model) View() string {
	header := headerStyle.Width(m.width).Render(fmt.Sprintf("crftagger training  run=%s", m.runID))

	status := fmt.Sprintf("iteration %d", m.iteration)
	if m.total > 0 {
		status = fmt.Sprintf("iteration %d/%d", m.iteration, m.total)
	}
	body := fmt.Sprintf("%s\n\n%s\nobjective=%.6f  grad_norm=%.6f",
		m.bar.View(), status, m.objective, m.gradNorm)

	if m.err != nil {
		body += "\n\n" + errorStyle.Render("error: "+m.err.Error())
	}

	elapsed := time.Since(m.started).Round(time.Second)
	footerText := fmt.Sprintf("elapsed %s", elapsed)
	if m.finished {
		footerText = fmt.Sprintf("finished in %s", elapsed)
	}
	footer := footerStyle.Width(m.width).Render(footerText)

	return lipgloss.JoinVertical(lipgloss.Left, header, "", body, "", footer)
}
