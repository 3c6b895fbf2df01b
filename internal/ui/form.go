package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/frpc-manager/internal/model"
	"github.com/treykane/frpc-manager/internal/util"
)

// Focus positions in the port form.
const (
	fieldLocal = iota
	fieldRemote
	fieldServer
	fieldCount
)

// formResult is what the user submitted.
type formResult struct {
	server model.ServerConfigID
	local  int
	remote int
}

// portForm holds the local/remote port inputs and the server selector.
type portForm struct {
	inputs   []textinput.Model
	servers  []model.ServerConfigID
	server   int
	focusIdx int
	errMsg   string
}

func newPortForm(servers []model.ServerConfigID) *portForm {
	if len(servers) == 0 {
		servers = model.ServerConfigIDs
	}
	f := &portForm{servers: servers}
	placeholders := []string{"local service port, e.g. 8080", "remote port on the relay, e.g. 16000"}
	f.inputs = make([]textinput.Model, 2)
	for i := range f.inputs {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = 5
		ti.Width = 36
		f.inputs[i] = ti
	}
	f.inputs[fieldLocal].Focus()
	return f
}

func digitsOnly(s string) error {
	for _, r := range s {
		if r < '0' || r > '9' {
			return fmt.Errorf("digits only")
		}
	}
	return nil
}

// prefill sets the form to a previous selection.
func (f *portForm) prefill(server model.ServerConfigID, local, remote int) {
	for i, id := range f.servers {
		if id == server {
			f.server = i
		}
	}
	if local > 0 {
		f.inputs[fieldLocal].SetValue(strconv.Itoa(local))
	}
	if remote > 0 {
		f.inputs[fieldRemote].SetValue(strconv.Itoa(remote))
	}
}

func (f *portForm) selectedServer() model.ServerConfigID {
	return f.servers[f.server]
}

func (f *portForm) toggleServer() {
	f.server = (f.server + 1) % len(f.servers)
}

func (f *portForm) focus(idx int) tea.Cmd {
	for i := range f.inputs {
		f.inputs[i].Blur()
	}
	f.focusIdx = idx
	if idx < len(f.inputs) {
		f.inputs[idx].Focus()
		return f.inputs[idx].Cursor.BlinkCmd()
	}
	return nil
}

// update handles a key; it returns a result when the user submits valid input.
func (f *portForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "down":
		return nil, f.focus((f.focusIdx + 1) % fieldCount)
	case "shift+tab", "up":
		return nil, f.focus((f.focusIdx - 1 + fieldCount) % fieldCount)
	case "enter":
		res, err := f.submit()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		f.errMsg = ""
		return res, nil
	}
	if f.focusIdx == fieldServer {
		switch msg.String() {
		case " ", "left", "right", "h", "l":
			f.toggleServer()
		}
		return nil, nil
	}
	if msg.Type == tea.KeyRunes && digitsOnly(string(msg.Runes)) != nil {
		return nil, nil
	}
	var cmd tea.Cmd
	f.inputs[f.focusIdx], cmd = f.inputs[f.focusIdx].Update(msg)
	f.errMsg = ""
	return nil, cmd
}

func (f *portForm) submit() (*formResult, error) {
	local, err := util.ParsePort(f.inputs[fieldLocal].Value())
	if err != nil {
		return nil, fmt.Errorf("local port: %w", err)
	}
	remote, err := util.ParsePort(f.inputs[fieldRemote].Value())
	if err != nil {
		return nil, fmt.Errorf("remote port: %w", err)
	}
	return &formResult{server: f.selectedServer(), local: local, remote: remote}, nil
}

func (f *portForm) view(table model.ServerTable) string {
	var b strings.Builder
	labels := []string{"Local port:", "Remote port:"}
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-13s %s\n", cursor, label, f.inputs[i].View()))
	}
	cursor := "  "
	if f.focusIdx == fieldServer {
		cursor = "> "
	}
	var opts []string
	for i, id := range f.servers {
		mark := " "
		if i == f.server {
			mark = "x"
		}
		label := string(id)
		if ep, ok := table[id]; ok {
			label = fmt.Sprintf("%s %s:%d", id, ep.Address, ep.Port)
		}
		opts = append(opts, fmt.Sprintf("(%s) %s", mark, label))
	}
	b.WriteString(fmt.Sprintf("%s%-13s %s\n", cursor, "Server:", strings.Join(opts, "  ")))

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}
	return b.String()
}
