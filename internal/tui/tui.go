// Package tui provides a Bubble Tea terminal user interface for media-enhancer.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/handiism/media-enhancer/internal/audio"
	"github.com/handiism/media-enhancer/internal/config"
	"github.com/handiism/media-enhancer/internal/model"
	"github.com/handiism/media-enhancer/internal/pipeline"
)

// Styles for the TUI
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#95E1A3"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFE66D"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A8DADC"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C757D"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#4ECDC4")).
			Padding(1, 2)

	modeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8B500"))
)

// maxLogs is the number of log lines kept on screen.
const maxLogs = 10

// State represents the current UI state.
type State int

const (
	StateInput State = iota
	StateStarting
	StateRunning
	StateStopping
	StateComplete
	StateError
)

// LogEntry represents a log message in the UI.
type LogEntry struct {
	Message string
	Level   pipeline.ProgressLevel
}

// Model is the Bubble Tea model for the TUI.
type Model struct {
	state     State
	textInput textinput.Model
	spinner   spinner.Model
	progress  progress.Model
	settings  *config.Settings
	creds     config.Credentials
	logger    *slog.Logger
	logs      []LogEntry
	err       error

	// Run context
	ctx    context.Context
	cancel context.CancelFunc

	// Running pipeline; nil outside StateRunning and StateStopping.
	handle *pipeline.Handle
	events chan pipeline.ProgressEvent

	// Run progress
	total    int
	stats    pipeline.Stats
	report   pipeline.ShutdownReport
	playlist string

	// Options
	createPlaylist bool
	syncMode       bool
	verbose        bool

	width  int
	height int
}

// NewModel creates a new TUI model for the given configuration.
func NewModel(settings *config.Settings, creds config.Credentials, logger *slog.Logger) Model {
	ti := textinput.New()
	ti.Placeholder = "samples"
	ti.Focus()
	ti.CharLimit = 500
	ti.Width = 60

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 50

	ctx, cancel := context.WithCancel(context.Background())

	return Model{
		state:          StateInput,
		textInput:      ti,
		spinner:        sp,
		progress:       prog,
		settings:       settings,
		creds:          creds,
		logger:         logger,
		logs:           make([]LogEntry, 0),
		ctx:            ctx,
		cancel:         cancel,
		createPlaylist: settings.CreatePlaylist,
		syncMode:       settings.CompletionMode == config.CompletionSync,
	}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

// Message types
type (
	// ProgressMsg carries one pipeline progress event.
	ProgressMsg struct {
		Event pipeline.ProgressEvent
	}

	// StartedMsg is sent once the pipeline is running and the folder has
	// been submitted.
	StartedMsg struct {
		Handle *pipeline.Handle
		Events chan pipeline.ProgressEvent
		Total  int
		Err    error
	}

	// SettledMsg is sent when every submitted item has settled.
	SettledMsg struct{}

	// StoppedMsg is sent when the pipeline has shut down.
	StoppedMsg struct {
		Report   pipeline.ShutdownReport
		Stats    pipeline.Stats
		Playlist string
		Err      error
	}

	// TickMsg is for periodic progress updates.
	TickMsg struct{}
)

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 20
		if m.progress.Width > 80 {
			m.progress.Width = 80
		}
		if m.progress.Width < 20 {
			m.progress.Width = 20
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.cancel()
			if m.handle != nil {
				m.handle.Shutdown(0)
			}
			return m, tea.Quit

		case "esc":
			if m.state == StateInput {
				return m, tea.Quit
			}
			if m.state == StateRunning {
				m.cancel()
				m.state = StateStopping
				return m, tea.Batch(m.stop(), m.spinner.Tick)
			}

		case "enter":
			if m.state == StateInput && m.textInput.Value() != "" {
				m.state = StateStarting
				return m, tea.Batch(m.start(), m.spinner.Tick)
			}

		case "p":
			if m.state == StateInput {
				m.createPlaylist = !m.createPlaylist
				return m, nil
			}

		case "s":
			if m.state == StateInput {
				m.syncMode = !m.syncMode
				return m, nil
			}

		case "v":
			if m.state == StateInput {
				m.verbose = !m.verbose
				return m, nil
			}

		case "q":
			if m.state == StateComplete || m.state == StateError {
				return m, tea.Quit
			}

		case "r":
			if m.state == StateComplete || m.state == StateError {
				// Reset for a new run
				m.state = StateInput
				m.logs = nil
				m.err = nil
				m.total = 0
				m.stats = pipeline.Stats{}
				m.report = pipeline.ShutdownReport{}
				m.playlist = ""
				m.handle = nil
				m.events = nil
				m.ctx, m.cancel = context.WithCancel(context.Background())
				m.textInput.SetValue("")
				m.textInput.Focus()
				return m, nil
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case ProgressMsg:
		if msg.Event.Level != pipeline.LevelVerbose || m.verbose {
			m.logs = append(m.logs, LogEntry{
				Message: msg.Event.Message,
				Level:   msg.Event.Level,
			})
			if len(m.logs) > maxLogs {
				m.logs = m.logs[len(m.logs)-maxLogs:]
			}
		}
		if m.events != nil {
			cmds = append(cmds, waitForEvent(m.events))
		}

	case StartedMsg:
		if msg.Err != nil {
			m.state = StateError
			m.err = msg.Err
			if msg.Handle != nil {
				m.handle = msg.Handle
				m.events = msg.Events
				m.state = StateStopping
				cmds = append(cmds, m.stop(), waitForEvent(msg.Events))
			}
			break
		}
		m.handle = msg.Handle
		m.events = msg.Events
		m.total = msg.Total
		m.state = StateRunning
		cmds = append(cmds, waitForEvent(m.events), m.waitSettled(), m.tickProgress())

	case SettledMsg:
		if m.state == StateRunning {
			m.state = StateStopping
			cmds = append(cmds, m.stop())
		}

	case StoppedMsg:
		m.report = msg.Report
		m.stats = msg.Stats
		m.playlist = msg.Playlist
		m.handle = nil
		switch {
		case m.err != nil:
			m.state = StateError
		case msg.Err != nil:
			m.state = StateError
			m.err = msg.Err
		case m.ctx.Err() != nil:
			m.state = StateError
			m.err = fmt.Errorf("cancelled by user")
		default:
			m.state = StateComplete
		}

	case TickMsg:
		if m.handle != nil && m.state == StateRunning {
			m.stats = m.handle.Stats()

			var percent float64
			if m.total > 0 {
				percent = float64(m.stats.Settled()) / float64(m.total)
			}
			cmds = append(cmds, m.progress.SetPercent(percent), m.tickProgress())
		}

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	if m.state == StateInput {
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// tickProgress returns a command to tick progress updates.
func (m Model) tickProgress() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(_ time.Time) tea.Msg {
		return TickMsg{}
	})
}

// waitForEvent turns the next progress event into a message.
func waitForEvent(events chan pipeline.ProgressEvent) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return nil
		}
		return ProgressMsg{Event: event}
	}
}

// View renders the UI.
func (m Model) View() string {
	var b strings.Builder

	// Header
	b.WriteString(titleStyle.Render("🎧 Media Enhancer"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Enhance a folder of recordings"))
	b.WriteString("\n\n")

	switch m.state {
	case StateInput:
		b.WriteString(m.viewInput())
	case StateStarting:
		b.WriteString(m.viewStarting())
	case StateRunning, StateStopping:
		b.WriteString(m.viewRunning())
	case StateComplete:
		b.WriteString(m.viewComplete())
	case StateError:
		b.WriteString(m.viewError())
	}

	// Footer
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.getHelpText()))

	return b.String()
}

func (m Model) viewInput() string {
	var b strings.Builder

	b.WriteString(subtitleStyle.Render("Enter a folder to enhance:"))
	b.WriteString("\n\n")
	b.WriteString(m.textInput.View())
	b.WriteString("\n\n")

	b.WriteString(infoStyle.Render("Options:"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s Create playlist (p)\n", checkbox(m.createPlaylist)))
	b.WriteString(fmt.Sprintf("  %s Sync completion, no webhook (s)\n", checkbox(m.syncMode)))
	b.WriteString(fmt.Sprintf("  %s Verbose/debug output (v)\n", checkbox(m.verbose)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("Output: %s (%s)", m.settings.OutputDir, m.settings.ResultFileExtension())))
	b.WriteString("\n")

	return b.String()
}

func checkbox(on bool) string {
	if on {
		return "[×]"
	}
	return "[ ]"
}

func (m Model) viewStarting() string {
	var b strings.Builder

	b.WriteString(m.spinner.View())
	b.WriteString(" ")
	b.WriteString(subtitleStyle.Render("Starting pipeline..."))
	b.WriteString("\n\n")
	b.WriteString(m.renderLogs())

	return b.String()
}

func (m Model) viewRunning() string {
	var b strings.Builder

	mode := config.CompletionWebhook
	if m.handle != nil {
		mode = m.handle.Mode()
		if addr := m.handle.ListenAddr(); addr != "" {
			mode += " on " + addr
		}
	}
	b.WriteString(modeStyle.Render(fmt.Sprintf("♪ %d file(s), %s", m.total, mode)))
	b.WriteString("\n\n")

	var percent float64
	if m.total > 0 {
		percent = float64(m.stats.Settled()) / float64(m.total)
	}
	b.WriteString(m.progress.ViewAs(percent))
	b.WriteString("\n")

	b.WriteString(infoStyle.Render(fmt.Sprintf(
		"Uploaded: %d | Completed: %d | Failed: %d | In flight: %d↑ %d↓",
		m.stats.Uploaded,
		m.stats.Completed,
		m.stats.Failed,
		m.stats.UploadsInFlight,
		m.stats.DownloadsInFlight,
	)))
	b.WriteString("\n")
	if m.state == StateStopping {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(warningStyle.Render("Shutting down..."))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.renderLogs())

	return b.String()
}

func (m Model) viewComplete() string {
	var b strings.Builder

	summary := fmt.Sprintf(
		"✨ Enhancement Complete!\n\n"+
			"Files: %d\n"+
			"Completed: %d\n"+
			"Failed: %d\n"+
			"Abandoned: %d",
		m.stats.Submitted,
		m.stats.Completed,
		m.stats.Failed,
		m.stats.Abandoned,
	)
	if m.playlist != "" {
		summary += "\nPlaylist: " + filepath.Base(m.playlist)
	}
	if m.report.Forced {
		summary += "\n\n" + warningStyle.Render("Shutdown was forced")
	}
	b.WriteString(boxStyle.Render(summary))

	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString(errorStyle.Render("❌ Error occurred:"))
	b.WriteString("\n\n")
	if m.err != nil {
		b.WriteString(fmt.Sprintf("  %s", m.err.Error()))
	}
	if m.stats.Submitted > 0 {
		b.WriteString("\n\n")
		b.WriteString(dimStyle.Render(fmt.Sprintf("%d completed, %d failed, %d abandoned",
			m.stats.Completed, m.stats.Failed, m.stats.Abandoned)))
	}

	return b.String()
}

func (m Model) renderLogs() string {
	var b strings.Builder

	for _, log := range m.logs {
		var style lipgloss.Style
		prefix := "•"
		switch log.Level {
		case pipeline.LevelError:
			style = errorStyle
			prefix = "✗"
		case pipeline.LevelWarning:
			style = warningStyle
			prefix = "!"
		case pipeline.LevelSuccess:
			style = successStyle
			prefix = "✓"
		case pipeline.LevelInfo:
			style = infoStyle
			prefix = "›"
		default:
			style = dimStyle
		}
		b.WriteString(style.Render(prefix + " " + log.Message))
		b.WriteString("\n")
	}

	return b.String()
}

func (m Model) getHelpText() string {
	switch m.state {
	case StateInput:
		return "enter: start • p: playlist • s: sync mode • v: verbose • esc: quit"
	case StateStarting, StateRunning:
		return "esc: stop"
	case StateStopping:
		return "ctrl+c: force quit"
	case StateComplete, StateError:
		return "r: new run • q: quit"
	}
	return ""
}

// runSettings applies the on-screen options to a copy of the settings.
func (m *Model) runSettings() *config.Settings {
	settings := *m.settings
	settings.CreatePlaylist = m.createPlaylist
	if m.syncMode {
		settings.CompletionMode = config.CompletionSync
	} else {
		settings.CompletionMode = config.CompletionWebhook
	}
	return &settings
}

// start launches the pipeline and submits the folder.
func (m *Model) start() tea.Cmd {
	root := strings.TrimSpace(m.textInput.Value())
	settings := m.runSettings()
	ctx := m.ctx
	creds, logger := m.creds, m.logger

	return func() tea.Msg {
		// Events are dropped rather than blocking a worker when the UI
		// falls behind.
		events := make(chan pipeline.ProgressEvent, 256)
		handle, err := pipeline.Start(ctx, pipeline.Options{
			Settings:    settings,
			Credentials: creds,
			Logger:      logger,
			OnProgress: func(event pipeline.ProgressEvent) {
				select {
				case events <- event:
				default:
				}
			},
		})
		if err != nil {
			return StartedMsg{Err: err}
		}

		total, err := handle.SubmitFolder(ctx, root, 0)
		if err == nil && total == 0 {
			err = fmt.Errorf("no files found in %s", root)
		}
		if err != nil {
			return StartedMsg{Handle: handle, Events: events, Err: err}
		}
		return StartedMsg{Handle: handle, Events: events, Total: total}
	}
}

// waitSettled reports when every submitted item has settled.
func (m *Model) waitSettled() tea.Cmd {
	handle, ctx, total := m.handle, m.ctx, int64(m.total)
	return func() tea.Msg {
		if err := handle.WaitSettled(ctx, total); err != nil {
			return nil
		}
		return SettledMsg{}
	}
}

// stop shuts the pipeline down and writes the playlist.
func (m *Model) stop() tea.Cmd {
	handle, settings := m.handle, m.runSettings()
	return func() tea.Msg {
		if handle == nil {
			return StoppedMsg{}
		}
		report := handle.Shutdown(settings.ShutdownTimeout.Std())
		results := handle.Results().Drain()
		msg := StoppedMsg{Report: report, Stats: handle.Stats()}

		if settings.CreatePlaylist && len(results) > 0 {
			msg.Playlist, msg.Err = writePlaylist(settings, results)
		}
		return msg
	}
}

func writePlaylist(settings *config.Settings, results []model.Result) (string, error) {
	creator := audio.NewPlaylistCreator(settings.ToPlaylistFormat(), settings.M3UExtended)
	return creator.WritePlaylist(settings.OutputDir, settings.PlaylistName, results)
}

// Run starts the TUI application.
func Run(settings *config.Settings, creds config.Credentials, logger *slog.Logger) error {
	p := tea.NewProgram(NewModel(settings, creds, logger), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
