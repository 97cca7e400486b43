// Package ui renders the client's state events as a line-oriented terminal transcript.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/go-go-golems/agentdeck/pkg/events"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

var (
	channelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	traceStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	commStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	infoStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
)

const defaultWidth = 100

type Options struct {
	// Color enables ANSI styling.
	Color bool
	// Markdown renders assistant replies through glamour.
	Markdown bool
	Width    int
}

// DetectOptions enables styling only when f is a terminal and sizes output to it.
func DetectOptions(f *os.File) Options {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	width := defaultWidth
	if tty {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	return Options{Color: tty, Markdown: tty, Width: width}
}

// Terminal is an events.Sink that prints every state change as it happens.
type Terminal struct {
	w    io.Writer
	opts Options
	md   *glamour.TermRenderer

	mu            sync.Mutex
	lastAssistant map[string]string
	connections   map[string]events.Connection
}

var _ events.Sink = &Terminal{}

func NewTerminal(w io.Writer, opts Options) (*Terminal, error) {
	if w == nil {
		return nil, errors.New("terminal: writer is nil")
	}
	if opts.Width <= 0 {
		opts.Width = defaultWidth
	}
	t := &Terminal{
		w:             w,
		opts:          opts,
		lastAssistant: map[string]string{},
		connections:   map[string]events.Connection{},
	}
	if opts.Markdown {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(opts.Width-4),
		)
		if err != nil {
			return nil, errors.Wrap(err, "create markdown renderer")
		}
		t.md = r
	}
	return t, nil
}

func (t *Terminal) Publish(e events.StateEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Kind {
	case events.KindMessage:
		if e.Message == nil {
			return nil
		}
		if e.Message.Role == protocol.RoleAssistant {
			t.lastAssistant[e.Channel] = e.Message.Content
			return t.printf("%s %s %s\n", t.label(e.Channel), t.style(assistantStyle, "assistant:"), t.markdown(e.Message.Content))
		}
		return t.printf("%s %s %s\n", t.label(e.Channel), t.style(userStyle, "you:"), e.Message.Content)
	case events.KindTrace:
		if e.Trace == nil {
			return nil
		}
		return t.printf("%s %s\n", t.label(e.Channel), t.style(traceStyle, fmt.Sprintf("  · %s: %s", e.Trace.Agent, e.Trace.Content)))
	case events.KindComm:
		if e.Comm == nil {
			return nil
		}
		return t.printf("%s %s\n", t.label(e.Channel), t.style(commStyle, fmt.Sprintf("  ↳ %s → %s: %s", e.Comm.From, e.Comm.To, e.Comm.Content)))
	case events.KindConnection:
		if e.Connection == nil {
			return nil
		}
		prev, seen := t.connections[e.Channel]
		t.connections[e.Channel] = *e.Connection
		if seen && prev.IsConnected == e.Connection.IsConnected && prev.LastError == e.Connection.LastError {
			return nil
		}
		return t.printf("%s %s\n", t.label(e.Channel), t.badge(*e.Connection))
	case events.KindReset:
		for k := range t.lastAssistant {
			delete(t.lastAssistant, k)
		}
		return t.printf("%s\n", t.style(infoStyle, "-- conversation cleared --"))
	case events.KindNotification:
		if e.Notification == nil {
			return nil
		}
		return t.printf("%s\n", t.toast(*e.Notification))
	case events.KindStatus:
		if e.Status == nil {
			return nil
		}
		return t.printf("%s\n", t.style(infoStyle, fmt.Sprintf(
			"backend %s (service installed: %t, credential configured: %t)",
			e.Status.Status, e.Status.ServiceInstalled, e.Status.CredentialConfigured)))
	}
	return nil
}

// LastAssistant returns the most recent assistant reply shown for a channel label.
func (t *Terminal) LastAssistant(channel string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.lastAssistant[channel]
	return s, ok
}

func (t *Terminal) Println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.printf("%s\n", s)
}

func (t *Terminal) badge(c events.Connection) string {
	switch {
	case c.IsConnected:
		return t.style(okStyle, "● connected")
	case c.State == "failed":
		return t.style(errorStyle, "✗ "+c.LastError)
	case c.LastError != "":
		return t.style(errorStyle, "○ disconnected: "+c.LastError)
	default:
		return t.style(traceStyle, "○ "+c.State)
	}
}

func (t *Terminal) toast(n events.Notification) string {
	switch n.Severity {
	case "error":
		return t.style(errorStyle, "! "+n.Message)
	case "success":
		return t.style(okStyle, "✓ "+n.Message)
	default:
		return t.style(infoStyle, "i "+n.Message)
	}
}

func (t *Terminal) label(channel string) string {
	if channel == "" {
		channel = "client"
	}
	return t.style(channelStyle, "["+channel+"]")
}

func (t *Terminal) markdown(s string) string {
	if t.md == nil {
		return s
	}
	out, err := t.md.Render(s)
	if err != nil {
		return s
	}
	return "\n" + strings.TrimRight(out, "\n")
}

func (t *Terminal) style(st lipgloss.Style, s string) string {
	if !t.opts.Color {
		return s
	}
	return st.Render(s)
}

func (t *Terminal) printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(t.w, format, args...)
	return err
}
