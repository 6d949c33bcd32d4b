package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"skein/pkg/store"
)

const (
	defaultDashInterval = 2 * time.Second
	dashFetchTimeout    = 5 * time.Second
	dashHistoryLimit    = 20
)

// dashKeyMap holds the dashboard key bindings.
type dashKeyMap struct {
	Up        key.Binding
	Down      key.Binding
	Detail    key.Binding
	Back      key.Binding
	ToggleAll key.Binding
	Refresh   key.Binding
	Help      key.Binding
	Quit      key.Binding
}

func defaultDashKeys() dashKeyMap {
	return dashKeyMap{
		Up:        key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
		Down:      key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
		Detail:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "history")),
		Back:      key.NewBinding(key.WithKeys("esc", "backspace"), key.WithHelp("esc", "back")),
		ToggleAll: key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "toggle closed")),
		Refresh:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Help:      key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k dashKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Detail, k.ToggleAll, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k dashKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Detail, k.Back},
		{k.ToggleAll, k.Refresh, k.Help, k.Quit},
	}
}

// dashSnapshot is one refresh worth of data.
type dashSnapshot struct {
	overview
	Messages    []store.SessionMessage
	MessagesFor string
	At          time.Time
	Err         error
}

// dashSource loads a snapshot. focus names the session whose history is
// wanted, or is empty.
type dashSource func(ctx context.Context, includeClosed bool, focus string) dashSnapshot

// storeSource reads snapshots from the database and PID file.
func storeSource(s *store.Store, pidPath string) dashSource {
	return func(ctx context.Context, includeClosed bool, focus string) dashSnapshot {
		ov, err := collectOverview(ctx, s, pidPath, includeClosed)
		snap := dashSnapshot{overview: ov, At: time.Now(), Err: err}
		if err == nil && focus != "" {
			snap.Messages, snap.Err = s.Messages(ctx, focus, dashHistoryLimit)
			snap.MessagesFor = focus
		}
		return snap
	}
}

// tickMsg is sent on every refresh interval.
type tickMsg time.Time

// snapshotMsg carries a fetched snapshot.
type snapshotMsg dashSnapshot

// dashModel is the Bubble Tea model for skein dash.
type dashModel struct {
	source   dashSource
	interval time.Duration
	keys     dashKeyMap
	help     help.Model
	styles   Styles

	snap   dashSnapshot
	loaded bool

	cursor  int
	showAll bool
	detail  bool

	width  int
	height int
}

func newDashModel(source dashSource, interval time.Duration) dashModel {
	if interval <= 0 {
		interval = defaultDashInterval
	}
	return dashModel{
		source:   source,
		interval: interval,
		keys:     defaultDashKeys(),
		help:     help.New(),
		styles:   NewStyles(DefaultTheme()),
	}
}

func (m dashModel) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashModel) fetchCmd() tea.Cmd {
	source, includeClosed := m.source, m.showAll
	focus := ""
	if rec, ok := m.selected(); ok && m.detail {
		focus = rec.ID
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), dashFetchTimeout)
		defer cancel()
		return snapshotMsg(source(ctx, includeClosed, focus))
	}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), m.tickCmd())
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width

	case snapshotMsg:
		m.snap = dashSnapshot(msg)
		m.loaded = true
		if n := len(m.snap.Sessions); m.cursor >= n {
			m.cursor = max(n-1, 0)
		}

	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m dashModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchCmd()
	case key.Matches(msg, m.keys.Back):
		m.detail = false
	case key.Matches(msg, m.keys.Detail):
		if _, ok := m.selected(); ok {
			m.detail = true
			return m, m.fetchCmd()
		}
	case key.Matches(msg, m.keys.ToggleAll):
		m.showAll = !m.showAll
		m.cursor = 0
		m.detail = false
		return m, m.fetchCmd()
	case key.Matches(msg, m.keys.Up):
		if !m.detail && m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if !m.detail && m.cursor < len(m.snap.Sessions)-1 {
			m.cursor++
		}
	}
	return m, nil
}

func (m dashModel) selected() (store.SessionRecord, bool) {
	if m.cursor < 0 || m.cursor >= len(m.snap.Sessions) {
		return store.SessionRecord{}, false
	}
	return m.snap.Sessions[m.cursor], true
}

// View implements tea.Model.
func (m dashModel) View() string {
	if !m.loaded {
		return m.styles.Muted.Render("loading…") + "\n"
	}
	sections := []string{m.renderHeader()}
	if m.snap.Err != nil {
		sections = append(sections, m.styles.Error.Render("error: "+m.snap.Err.Error()))
	}
	if m.detail {
		sections = append(sections, m.renderDetail())
	} else {
		sections = append(sections, m.renderSessions())
	}
	sections = append(sections, m.help.View(m.keys))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m dashModel) renderHeader() string {
	st := m.styles
	var daemon string
	switch m.snap.Daemon {
	case StatusRunning:
		daemon = st.Healthy.Render(fmt.Sprintf("● serve running (PID %d)", m.snap.DaemonPID))
	case StatusStale:
		daemon = st.Degraded.Render("● stale PID file")
	default:
		daemon = st.Muted.Render("○ serve stopped")
	}
	title := st.Title.Render("skein") + "  " + daemon + "  " +
		st.Muted.Render("updated "+m.snap.At.Local().Format("15:04:05"))

	s := m.snap.Stats
	counts := fmt.Sprintf("sessions %d open · inbox %d pending · outbox %d due, %d backing off, %d dead",
		m.snap.Open(), s.PendingInbox, s.DueOutbox, s.WaitingOutbox, s.DeadOutbox)
	if s.DeadOutbox > 0 {
		counts = st.Degraded.Render(counts)
	} else {
		counts = st.Muted.Render(counts)
	}
	return title + "\n" + counts + "\n"
}

var dashColumns = []struct {
	title string
	width int
}{
	{"Session", 22}, {"Name", 16}, {"Status", 13}, {"Worker", 9}, {"PID", 8}, {"Task", 14}, {"Updated", 9},
}

func (m dashModel) renderSessions() string {
	st := m.styles
	if len(m.snap.Sessions) == 0 {
		if m.showAll {
			return st.Muted.Render("No sessions recorded") + "\n"
		}
		return st.Muted.Render("No open sessions (a shows closed)") + "\n"
	}

	var sb strings.Builder
	header := make([]string, 0, len(dashColumns))
	for _, c := range dashColumns {
		header = append(header, st.Header.Width(c.width).Render(c.title))
	}
	sb.WriteString("  " + strings.Join(header, " ") + "\n")

	for i, rec := range m.snap.Sessions {
		pid := "-"
		if rec.WorkerPID > 0 {
			pid = strconv.Itoa(rec.WorkerPID)
		}
		// Cell padding takes one column, so plain values are clipped to width-1.
		values := []string{
			clip(rec.ID, dashColumns[0].width-1),
			clip(orDash(rec.Name), dashColumns[1].width-1),
			st.Status(rec.Status),
			orDash(rec.WorkerState),
			pid,
			clip(orDash(rec.CurrentTaskID), dashColumns[5].width-1),
			rec.UpdatedAt.Local().Format("15:04:05"),
		}
		cells := make([]string, 0, len(values))
		for j, v := range values {
			cells = append(cells, st.Cell.Width(dashColumns[j].width).Render(v))
		}
		line := strings.Join(cells, " ")
		if i == m.cursor {
			sb.WriteString(st.Selected.Render("›") + " " + line + "\n")
		} else {
			sb.WriteString("  " + line + "\n")
		}
	}
	if rec, ok := m.selected(); ok && rec.Error != "" {
		sb.WriteString(st.Error.Render("  "+clip(rec.Error, max(m.width-4, 40))) + "\n")
	}
	return sb.String()
}

func (m dashModel) renderDetail() string {
	st := m.styles
	rec, ok := m.selected()
	if !ok {
		return st.Muted.Render("session no longer listed") + "\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %s  %s\n", st.Title.Render(rec.ID), orDash(rec.Name), st.Status(rec.Status))
	fmt.Fprintf(&sb, "type %s · worker %s · task %s\n", rec.Type, orDash(rec.WorkerState), orDash(rec.CurrentTaskID))
	if rec.Error != "" {
		sb.WriteString(st.Error.Render(rec.Error) + "\n")
	}
	sb.WriteString("\n")

	if m.snap.MessagesFor != rec.ID {
		sb.WriteString(st.Muted.Render("loading history…"))
	} else if len(m.snap.Messages) == 0 {
		sb.WriteString(st.Muted.Render("no messages"))
	} else {
		width := max(m.width-24, 40)
		for _, msg := range m.snap.Messages {
			fmt.Fprintf(&sb, "%s %s %s\n",
				st.Muted.Render(msg.CreatedAt.Local().Format("15:04:05")),
				st.Header.Render(msg.Sender+":"),
				clip(msg.Content, width))
		}
	}
	return st.Panel.Render(strings.TrimRight(sb.String(), "\n")) + "\n"
}
