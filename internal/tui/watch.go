// Package tui renders a session's live member state in the terminal. It is
// a thin presentation collaborator over the tracker: it drains view
// updates, issues the four session operations, and feeds synthetic
// location samples moved with the arrow keys.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"peak-tracker-service/internal/tracker"
)

// -- messages --

type viewMsg tracker.View

type enteredMsg struct {
	err error
}

// -- model --

type Model struct {
	trk      *tracker.Tracker
	code     string
	username string

	view     tracker.View
	lat      float64
	lng      float64
	reported bool
	width    int
}

// NewModel starts a session when code is empty, joins otherwise.
func NewModel(trk *tracker.Tracker, code, username string) Model {
	return Model{
		trk:      trk,
		code:     code,
		username: username,
		// Rogers Pass, a plausible default for a ski group.
		lat: 51.30,
		lng: -117.52,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.enter(), m.wait())
}

func (m Model) enter() tea.Cmd {
	trk, code, username := m.trk, m.code, m.username
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		var err error
		if code == "" {
			err = trk.Start(ctx, username)
		} else {
			err = trk.Join(ctx, code, username)
		}
		return enteredMsg{err: err}
	}
}

func (m Model) wait() tea.Cmd {
	updates := m.trk.Updates()
	return func() tea.Msg {
		return viewMsg(<-updates)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case enteredMsg:
		// Errors also arrive through the view; nothing extra to do here.

	case viewMsg:
		m.view = tracker.View(msg)
		return m, m.wait()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.trk.Leave(ctx)
		return m, tea.Quit
	case "up":
		return m.move(0.001, 0)
	case "down":
		return m.move(-0.001, 0)
	case "left":
		return m.move(0, -0.001)
	case "right":
		return m.move(0, 0.001)
	case "r":
		if m.view.FeedDown {
			trk := m.trk
			return m, func() tea.Msg {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = trk.Resubscribe(ctx)
				return nil
			}
		}
	}
	return m, nil
}

func (m Model) move(dlat, dlng float64) (tea.Model, tea.Cmd) {
	m.lat += dlat
	m.lng += dlng
	m.reported = true
	m.trk.ReportLocation(m.lat, m.lng)
	return m, nil
}

// -- view --

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("57")).Padding(0, 1)
	codeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
)

func (m Model) View() string {
	s := titleStyle.Render("peak tracker") + "\n\n"

	switch m.view.State {
	case tracker.StateJoining:
		return s + statusStyle.Render("joining...") + "\n"
	case tracker.StateFailed:
		s += errStyle.Render(fmt.Sprintf("error: %v", m.view.Err)) + "\n\n"
		s += dimStyle.Render("q to quit") + "\n"
		return s
	case tracker.StateIdle, tracker.StateLeft:
		return s + dimStyle.Render("not in a session") + "\n"
	}

	s += "session " + codeStyle.Render(m.view.Session.Code) +
		dimStyle.Render(fmt.Sprintf("  expires %s", m.view.Session.ExpiresAt.Local().Format("15:04"))) + "\n"
	if m.view.FeedDown {
		s += errStyle.Render("live feed down") + dimStyle.Render("  press r to resubscribe") + "\n"
	}
	s += "\n"

	for _, member := range m.view.Members {
		name := member.Username
		line := fmt.Sprintf("  %-20s", name)
		if member.HasLocation() {
			line += fmt.Sprintf("  %9.4f, %9.4f", *member.Latitude, *member.Longitude)
			if member.LastSeen != nil {
				line += dimStyle.Render(fmt.Sprintf("  seen %s ago", time.Since(*member.LastSeen).Round(time.Second)))
			}
		} else {
			line += dimStyle.Render("  no location yet")
		}
		if member.ID == m.view.MemberID {
			line = selfStyle.Render(line)
		}
		s += line + "\n"
	}

	s += "\n" + dimStyle.Render("arrows move you - q quits")
	if m.reported {
		s += dimStyle.Render(fmt.Sprintf("  (you: %.4f, %.4f)", m.lat, m.lng))
	}
	return s + "\n"
}
