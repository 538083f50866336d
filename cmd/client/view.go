package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/omochice/moon-chat/internal/api"
	"github.com/omochice/moon-chat/internal/chat"
	"github.com/omochice/moon-chat/internal/session"
	"github.com/omochice/moon-chat/internal/workspace"
	"github.com/omochice/moon-chat/pkg/protocol"
)

var (
	userStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	aiStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// view prints the conversation as lines. Finalized messages are printed
// once; status and typing changes are printed as they happen.
type view struct {
	mu          sync.Mutex
	out         io.Writer
	printed     map[string]bool
	status      string
	typing      bool
	banner      string
	backendLine string
}

func newView(out io.Writer) *view {
	return &view{out: out, printed: make(map[string]bool)}
}

func (v *view) render(st session.State, msgs []chat.Message, typing bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if line := statusLine(st); line != v.status {
		v.status = line
		fmt.Fprintln(v.out, line)
	}
	if st.Banner != v.banner {
		v.banner = st.Banner
		if st.Banner != "" {
			fmt.Fprintln(v.out, errorStyle.Render("! "+st.Banner+" (type /dismiss to clear)"))
		}
	}

	for _, m := range msgs {
		if m.IsStreaming || v.printed[m.ID] {
			continue
		}
		v.printed[m.ID] = true
		fmt.Fprintln(v.out, messageLine(m))
	}

	if typing && !v.typing {
		fmt.Fprintln(v.out, dimStyle.Render("AI is typing..."))
	}
	v.typing = typing
}

func (v *view) backend(st api.Status) {
	v.mu.Lock()
	defer v.mu.Unlock()

	line := "backend: connected"
	switch {
	case st.Loading:
		return
	case !st.Connected:
		line = "backend: " + st.Error
	case st.Health != nil:
		line = fmt.Sprintf("backend: %s (v%s)", st.Health.Status, st.Health.Version)
	}
	if line != v.backendLine {
		v.backendLine = line
		fmt.Fprintln(v.out, dimStyle.Render(line))
	}
}

func statusLine(st session.State) string {
	var line string
	switch st.Status {
	case session.StatusOnline:
		line = onlineStyle.Render("● online")
	case session.StatusConnecting:
		line = pendingStyle.Render("● connecting")
	default:
		line = errorStyle.Render("● offline")
	}
	if st.ConnectionError != "" {
		line += " " + errorStyle.Render(st.ConnectionError)
	}
	return line
}

func messageLine(m chat.Message) string {
	name := userStyle.Render("you")
	if m.Sender == protocol.SenderAI {
		name = aiStyle.Render("ai")
	}
	line := fmt.Sprintf("[%s] %s", name, m.Content)
	if m.Failed {
		line += " " + errorStyle.Render("(not sent)")
	}
	return line
}

func (v *view) notice(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, errorStyle.Render(text))
}

func (v *view) files(nodes []api.FileNode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(nodes) == 0 {
		fmt.Fprintln(v.out, dimStyle.Render("(empty)"))
		return
	}
	for _, n := range nodes {
		if n.IsDir() {
			fmt.Fprintln(v.out, userStyle.Render(n.Name+"/"))
			continue
		}
		fmt.Fprintf(v.out, "%s %s\n", n.Name, dimStyle.Render(string(workspace.TypeOf(n.Name))))
	}
}

func (v *view) file(fc api.FileContent, language string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, dimStyle.Render(fmt.Sprintf("── %s (%s, %d bytes)", fc.Path, language, fc.Size)))
	fmt.Fprintln(v.out, fc.Content)
}
