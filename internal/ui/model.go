package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"pkt.systems/marina/internal/eventbus"
	"pkt.systems/marina/schema"
)

type eventMsg eventbus.Event

type closedMsg struct{}

// Options configures a Model.
type Options struct {
	// Events delivers session and appearance events.
	Events <-chan eventbus.Event
	// Retry requests a new reconciliation attempt.
	Retry func()
	// Initial is the snapshot shown before the first event.
	Initial    schema.Snapshot
	Appearance schema.Appearance
}

// Model is the bubbletea program for the root presentation switch.
type Model struct {
	events  <-chan eventbus.Event
	retry   func()
	snap    schema.Snapshot
	styles  Styles
	spinner spinner.Model
	retries int
}

// NewModel constructs a Model.
func NewModel(opts Options) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	styles := NewStyles(schema.ThemeFor(opts.Appearance))
	sp.Style = styles.Spinner
	return Model{
		events:  opts.Events,
		retry:   opts.Retry,
		snap:    opts.Initial,
		styles:  styles,
		spinner: sp,
	}
}

// Screen returns the current screen.
func (m Model) Screen() Screen {
	return ScreenFor(m.snap.Status, m.snap.Record)
}

// Snapshot returns the snapshot the model renders.
func (m Model) Snapshot() schema.Snapshot {
	return m.snap
}

// Theme returns the active theme.
func (m Model) Theme() schema.ThemeName {
	return m.styles.Theme
}

// Init starts the spinner and the event pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Update handles keys, ticks and bus events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if m.Screen() == ScreenError && m.retry != nil {
				m.retries++
				m.retry()
			}
		}
		return m, nil
	case eventMsg:
		switch msg.Type {
		case eventbus.EventSession:
			m.snap = msg.Session
		case eventbus.EventAppearance:
			m.styles = NewStyles(schema.ThemeFor(msg.Appearance))
			m.spinner.Style = m.styles.Spinner
		}
		return m, waitForEvent(m.events)
	case closedMsg:
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the current screen.
func (m Model) View() string {
	var b strings.Builder
	switch m.Screen() {
	case ScreenLoading:
		fmt.Fprintf(&b, "%s %s", m.spinner.View(), m.styles.Muted.Render("Checking your session..."))
	case ScreenMain:
		b.WriteString(m.styles.Title.Render("Marina"))
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s\n", m.styles.Body.Render("Signed in as "+displayName(m.snap.Record.Profile)))
		b.WriteString(m.styles.Muted.Render("Bookings · Harbours · Profile"))
	case ScreenRegistration:
		b.WriteString(m.styles.Title.Render("Complete your profile"))
		b.WriteString("\n")
		b.WriteString(m.styles.Body.Render("Run `marina register` to add your name and phone number."))
	case ScreenPublic:
		b.WriteString(m.styles.Title.Render("Marina"))
		b.WriteString("\n")
		b.WriteString(m.styles.Body.Render("You are signed out. Run `marina login` to sign in."))
	case ScreenError:
		b.WriteString(m.styles.Error.Render("We could not restore your session."))
		b.WriteString("\n")
		if m.snap.Err != "" {
			fmt.Fprintf(&b, "%s\n", m.styles.Muted.Render(m.snap.Err))
		}
		b.WriteString(m.styles.Body.Render("Press r to retry."))
	}
	b.WriteString("\n\n")
	b.WriteString(m.styles.Muted.Render("q quit"))
	return m.styles.Content.Render(b.String())
}

func displayName(p *schema.Profile) string {
	if p == nil {
		return "unknown"
	}
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	if p.Email != "" {
		return p.Email
	}
	return fmt.Sprintf("#%d", p.ID)
}

func waitForEvent(ch <-chan eventbus.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(event)
	}
}
