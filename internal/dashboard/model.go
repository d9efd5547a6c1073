// Package dashboard is a terminal front end for the shell.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/screenmirror/internal/adb"
	"github.com/zsiec/screenmirror/internal/core"
	"github.com/zsiec/screenmirror/internal/session"
	"github.com/zsiec/screenmirror/internal/shell"
)

// DefaultRefreshInterval redraws the frame counters between shell events.
const DefaultRefreshInterval = 500 * time.Millisecond

const (
	requestTimeout = 2 * time.Second
	visibleLogs    = 8
)

// Shell is the part of shell.Shell the dashboard drives.
type Shell interface {
	Send(ctx context.Context, msg core.Msg) error
	View(ctx context.Context) (core.View, error)
	Subscribe(buffer int) (<-chan shell.Event, func())
	SetFocused(focused bool)
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#626262")).
			Padding(0, 1)
	headingStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
)

type (
	viewMsg  struct{ view core.View }
	errMsg   struct{ err error }
	eventMsg struct{ event shell.Event }
	tickMsg  struct{}
	// closedMsg means the subscription ended.
	closedMsg struct{}
)

// Model is the bubbletea model for the dashboard.
type Model struct {
	shell    Shell
	events   <-chan shell.Event
	defaults session.Config
	interval time.Duration

	view   core.View
	cursor int
	err    error
	width  int
}

// NewModel creates a dashboard. defaults is the session template used when a
// device is started from the keyboard; its DeviceID is ignored.
func NewModel(s Shell, events <-chan shell.Event, defaults session.Config, interval time.Duration) *Model {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Model{
		shell:    s,
		events:   events,
		defaults: defaults,
		interval: interval,
	}
}

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, s Shell, defaults session.Config, interval time.Duration) error {
	events, unsubscribe := s.Subscribe(0)
	defer unsubscribe()

	p := tea.NewProgram(NewModel(s, events, defaults, interval),
		tea.WithContext(ctx),
		tea.WithAltScreen(),
		tea.WithReportFocus(),
	)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, m.waitEvent, m.tick())
}

func (m *Model) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	v, err := m.shell.View(ctx)
	if err != nil {
		return errMsg{err: err}
	}
	return viewMsg{view: v}
}

func (m *Model) waitEvent() tea.Msg {
	ev, ok := <-m.events
	if !ok {
		return closedMsg{}
	}
	return eventMsg{event: ev}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

// send returns a command delivering msg to the shell.
func (m *Model) send(msg core.Msg) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := m.shell.Send(ctx, msg); err != nil {
			return errMsg{err: err}
		}
		return nil
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case tea.FocusMsg:
		m.shell.SetFocused(true)
	case tea.BlurMsg:
		m.shell.SetFocused(false)

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case viewMsg:
		m.view = msg.view
		m.err = nil
		m.clampCursor()

	case errMsg:
		m.err = msg.err
		if errors.Is(msg.err, shell.ErrStopped) {
			return m, tea.Quit
		}

	case eventMsg:
		return m, tea.Batch(m.refresh, m.waitEvent)

	case tickMsg:
		return m, tea.Batch(m.refresh, m.tick())

	case closedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "ctrl+c":
		return tea.Quit
	case "up", "k":
		m.moveCursor(-1)
	case "down", "j":
		m.moveCursor(1)
	case "r":
		return m.send(core.RequestDevices{})
	case "enter", "s":
		if d, ok := m.selected(); ok && d.Online() {
			cfg := m.defaults
			cfg.DeviceID = d.Serial
			if cfg.Video != nil {
				video := *cfg.Video
				cfg.Video = &video
			}
			return m.send(core.RequestStartSession{Config: cfg})
		}
	case "x":
		if d, ok := m.selected(); ok {
			return m.send(core.RequestStopSession{DeviceID: d.Serial})
		}
	case "tab":
		page := core.PageSettings
		if m.view.Page == core.PageSettings {
			page = core.PageHome
		}
		return m.send(core.Navigate{Page: page})
	case "c":
		return m.send(core.ClearLogs{})
	}
	return nil
}

func (m *Model) moveCursor(delta int) {
	m.cursor += delta
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.view.Devices) {
		m.cursor = len(m.view.Devices) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) selected() (adb.Device, bool) {
	if m.cursor < 0 || m.cursor >= len(m.view.Devices) {
		return adb.Device{}, false
	}
	return m.view.Devices[m.cursor], true
}

func (m *Model) View() string {
	sections := []string{titleStyle.Render("screenmirror")}

	if m.err != nil {
		sections = append(sections, errorStyle.Render("Error: "+m.err.Error()))
	}

	switch m.view.Page {
	case core.PageSettings:
		sections = append(sections, panelStyle.Render(m.renderSettings()))
	default:
		sections = append(sections,
			panelStyle.Render(m.renderDevices()),
			panelStyle.Render(m.renderSessions()),
		)
	}
	sections = append(sections,
		panelStyle.Render(m.renderLogs()),
		mutedStyle.Render("[r] Refresh  [enter] Start  [x] Stop  [tab] Settings  [c] Clear logs  [q] Quit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderDevices() string {
	var b strings.Builder
	heading := "Devices"
	if m.view.Loading {
		heading += " (refreshing)"
	}
	b.WriteString(headingStyle.Render(heading) + "\n")

	if m.view.DevicesError != "" {
		b.WriteString(errorStyle.Render(m.view.DevicesError) + "\n")
	}
	if len(m.view.Devices) == 0 {
		b.WriteString(mutedStyle.Render("No devices"))
		return b.String()
	}

	running := make(map[string]bool, len(m.view.Sessions))
	for _, s := range m.view.Sessions {
		running[s.DeviceID] = true
	}

	for i, d := range m.view.Devices {
		marker := "  "
		if running[d.Serial] {
			marker = "● "
		}
		line := fmt.Sprintf("%s%-24s %-12s %s", marker, d.Serial, d.State, d.Model)
		switch {
		case i == m.cursor:
			line = selectedStyle.Render("> " + line)
		case !d.Online():
			line = mutedStyle.Render("  " + line)
		default:
			line = "  " + line
		}
		b.WriteString(line)
		if i < len(m.view.Devices)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m *Model) renderSessions() string {
	var b strings.Builder
	b.WriteString(headingStyle.Render("Sessions") + "\n")
	if len(m.view.Sessions) == 0 {
		b.WriteString(mutedStyle.Render("No sessions"))
		return b.String()
	}

	for i, s := range m.view.Sessions {
		var streams []string
		if s.Control {
			streams = append(streams, "control")
		}
		if s.Audio {
			streams = append(streams, "audio")
		}
		if s.Video {
			streams = append(streams, "video")
		}
		b.WriteString(fmt.Sprintf("%-24s %-22s up %-8s frames %d (dropped %d)",
			s.DeviceID, strings.Join(streams, ","),
			time.Since(s.StartedAt).Truncate(time.Second), s.Frames.Published, s.Frames.Dropped))
		if i < len(m.view.Sessions)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m *Model) renderSettings() string {
	var b strings.Builder
	b.WriteString(headingStyle.Render("Session defaults") + "\n")
	b.WriteString(fmt.Sprintf("control  %t\naudio    %t\n", m.defaults.Control, m.defaults.Audio))
	if v := m.defaults.Video; v != nil {
		b.WriteString(fmt.Sprintf("video    %s max %dpx %d bps %d fps hw %t",
			v.Codec, v.MaxSize, v.Bitrate, v.MaxFPS, v.HWDecoder))
	} else {
		b.WriteString("video    off")
	}
	return b.String()
}

func (m *Model) renderLogs() string {
	var b strings.Builder
	b.WriteString(headingStyle.Render("Log") + "\n")

	logs := m.view.Logs
	if len(logs) > visibleLogs {
		logs = logs[len(logs)-visibleLogs:]
	}
	if len(logs) == 0 {
		b.WriteString(mutedStyle.Render("(empty)"))
		return b.String()
	}

	for i, e := range logs {
		line := e.Timestamp.Format("15:04:05") + " " + e.Message
		switch e.Level {
		case core.LogError:
			line = errorStyle.Render(line)
		case core.LogSuccess:
			line = successStyle.Render(line)
		}
		b.WriteString(line)
		if i < len(logs)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
