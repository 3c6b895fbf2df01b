package ui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/frpc-manager/internal/appconfig"
	"github.com/treykane/frpc-manager/internal/events"
	"github.com/treykane/frpc-manager/internal/history"
	"github.com/treykane/frpc-manager/internal/model"
	"github.com/treykane/frpc-manager/internal/profiles"
	"github.com/treykane/frpc-manager/internal/security"
	"github.com/treykane/frpc-manager/internal/tunnel"
	"github.com/treykane/frpc-manager/internal/util"
)

type tickMsg time.Time

type eventMsg events.Event

type streamClosedMsg struct{}

type startDoneMsg struct {
	session model.Session
	err     error
}

type stopDoneMsg struct{ err error }

type statusMsg string

type dashboardModel struct {
	cfg      appconfig.Config
	sup      *tunnel.Supervisor
	events   <-chan events.Event
	form     *portForm
	saved    []profiles.Profile
	savedIdx int
	pending  model.ConnectionProfile
	session  model.Session
	logs     []string
	status   string
	busy     bool
	showHelp bool
	width    int
	height   int
}

func newDashboard(cfg appconfig.Config, sup *tunnel.Supervisor) dashboardModel {
	m := dashboardModel{
		cfg:     cfg,
		sup:     sup,
		events:  sup.Events(),
		form:    newPortForm(model.ServerConfigIDs),
		session: sup.Snapshot(),
		status:  "Enter ports, pick a server, then press Enter to start the tunnel.",
	}
	if last, ok, err := history.Last(); err == nil && ok {
		m.form.prefill(last.Server, last.LocalPort, last.RemotePort)
		m.status = "Prefilled the last used ports. Press Enter to start."
	}
	if saved, err := profiles.LoadAll(); err == nil {
		m.saved = saved
	}
	return m
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(evt)
	}
}

func startCmd(sup *tunnel.Supervisor, p model.ConnectionProfile) tea.Cmd {
	return func() tea.Msg {
		s, err := sup.Start(context.Background(), p)
		return startDoneMsg{session: s, err: err}
	}
}

func stopCmd(sup *tunnel.Supervisor) tea.Cmd {
	return func() tea.Msg {
		return stopDoneMsg{err: sup.Stop(context.Background())}
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(m.cfg.UI.RefreshSeconds), waitForEvent(m.events))
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.session = m.sup.Snapshot()
		return m, tickCmd(m.cfg.UI.RefreshSeconds)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case eventMsg:
		m.handleEvent(events.Event(msg))
		return m, waitForEvent(m.events)
	case streamClosedMsg:
		return m, nil
	case startDoneMsg:
		m.busy = false
		m.session = msg.session
		if msg.err != nil {
			slog.Warn("tunnel start failed", "error", security.DebugMessage(msg.err))
			m.status = "Start failed: " + m.userMessage(msg.err)
		}
		return m, nil
	case stopDoneMsg:
		m.busy = false
		m.session = m.sup.Snapshot()
		if msg.err != nil {
			slog.Warn("tunnel stop failed", "error", security.DebugMessage(msg.err))
			m.status = "Stop failed: " + m.userMessage(msg.err)
		}
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *dashboardModel) handleEvent(evt events.Event) {
	m.appendLog(formatEvent(evt))
	m.session = m.sup.Snapshot()
	switch evt.Type {
	case events.TypeSuccess:
		m.status = fmt.Sprintf("Tunnel established: %s:%d -> 127.0.0.1:%d",
			m.pending.ServerAddress, m.pending.RemotePort, m.pending.LocalServicePort)
		if err := history.RecordLast(m.pending); err != nil {
			slog.Warn("failed to record last profile", "error", err)
		}
	case events.TypeFailed:
		m.status = fmt.Sprintf("Tunnel failed (%s): %s", util.EmptyDash(string(evt.Reason)), evt.Message)
	case events.TypeStopped:
		m.status = "Tunnel stopped."
	}
}

func (m dashboardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "x":
		if m.busy {
			return m, nil
		}
		if !m.sup.State().Active() {
			m.status = "No active tunnel."
			return m, nil
		}
		m.busy = true
		m.status = "Stopping frpc..."
		return m, stopCmd(m.sup)
	case "p":
		if len(m.saved) == 0 {
			m.status = "No saved profiles. Use `frpc-manager profile save` to add one."
			return m, nil
		}
		p := m.saved[m.savedIdx%len(m.saved)]
		m.savedIdx++
		m.form.prefill(p.Server, p.LocalPort, p.RemotePort)
		m.status = "Loaded profile " + p.Name
		return m, nil
	case "c":
		m.logs = nil
		return m, nil
	case "?":
		m.showHelp = !m.showHelp
		return m, nil
	}

	res, cmd := m.form.update(msg)
	if res == nil {
		return m, cmd
	}
	if m.busy || m.sup.State().Active() {
		m.status = "A tunnel is already active; press x to stop it first."
		return m, nil
	}
	profile, err := model.NewProfile(m.cfg.ServerTable(), res.server, res.local, res.remote)
	if err != nil {
		m.status = m.userMessage(err)
		return m, nil
	}
	m.pending = profile
	m.busy = true
	m.status = fmt.Sprintf("Starting frpc for %s...", profile.ProxyName())
	return m, startCmd(m.sup, profile)
}

func (m *dashboardModel) appendLog(line string) {
	m.logs = append(m.logs, line)
	limit := m.cfg.UI.LogLines
	if limit <= 0 {
		limit = 200
	}
	if len(m.logs) > limit {
		m.logs = m.logs[len(m.logs)-limit:]
	}
}

func (m dashboardModel) userMessage(err error) string {
	return security.UserMessage(err, m.cfg.Security.RedactTokens)
}

func formatEvent(evt events.Event) string {
	prefix := ""
	switch evt.Type {
	case events.TypeSuccess:
		prefix = "[ok] "
	case events.TypeFailed:
		prefix = "[!!] "
	case events.TypeStopped:
		prefix = "[--] "
	}
	return evt.Timestamp.Local().Format("15:04:05") + " " + prefix + evt.Message
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("frpc Manager")
	subhead := fmt.Sprintf("state=%s pid=%s uptime=%ds refresh=%ds", m.session.State, pidText(m.session.PID), m.session.UptimeSec, clampRefresh(m.cfg.UI.RefreshSeconds))
	quickHelp := "Keys: Tab move | Enter start | x stop | p next profile | c clear log | ? help | q quit"

	width := m.effectiveWidth()
	form := m.renderPanel("Tunnel", m.form.view(m.cfg.ServerTable()), width, lipgloss.Color("214"))
	sess := m.renderPanel("Session", m.sessionBlock(), width, stateColor(m.session.State))
	logs := m.renderPanel("frpc output", m.logBlock(), width, lipgloss.Color("63"))
	status := m.renderPanel("Status", m.status, width, lipgloss.Color("205"))
	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", m.helpBlock(), width, lipgloss.Color("244"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, head, subhead, quickHelp, form, sess, logs, help, status)
}

func (m dashboardModel) sessionBlock() string {
	s := m.session
	if s.State == model.SessionIdle || s.State == "" {
		return "No tunnel started yet."
	}
	lines := []string{
		fmt.Sprintf("Profile: %s", s.Profile.String()),
		fmt.Sprintf("Proxy:   %s (probe port %d)", s.Profile.ProxyName(), s.ProbePort),
		fmt.Sprintf("State:   %s", s.State),
	}
	if s.Reason != model.ReasonNone {
		lines = append(lines, fmt.Sprintf("Reason:  %s", s.Reason))
	}
	if s.LastError != "" {
		lines = append(lines, "Error:   "+s.LastError)
	}
	return strings.Join(lines, "\n")
}

func (m dashboardModel) logBlock() string {
	if len(m.logs) == 0 {
		return "(no output yet)"
	}
	rows := 12
	if m.height > 30 {
		rows = m.height - 24
	}
	lines := m.logs
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}
	return strings.Join(lines, "\n")
}

func Run(cfg appconfig.Config, sup *tunnel.Supervisor) error {
	p := tea.NewProgram(newDashboard(cfg, sup), tea.WithAltScreen())
	_, err := p.Run()
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.StopTimeout())
	defer cancel()
	if closeErr := sup.Close(ctx); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func pidText(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

func stateColor(s model.SessionState) lipgloss.Color {
	switch s {
	case model.SessionRunning:
		return lipgloss.Color("42")
	case model.SessionFailed:
		return lipgloss.Color("196")
	case model.SessionStarting, model.SessionStopping:
		return lipgloss.Color("220")
	default:
		return lipgloss.Color("69")
	}
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Form: Tab/Shift-Tab move between fields; digits only in port fields.",
		"  Server: focus the Server row and press Space or Left/Right to switch.",
		"  Start: Enter validates both ports (1024-65535) and launches frpc.",
		"  Stop: x terminates frpc; it is killed if it does not exit in time.",
		"  Profiles: p cycles through profiles saved with `profile save`.",
		"  Quit: q (or Ctrl+C) stops the tunnel before exiting.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
