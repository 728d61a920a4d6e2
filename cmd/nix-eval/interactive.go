package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/nix-runtime/engine"
	"github.com/wippyai/nix-runtime/eval"
	"github.com/wippyai/nix-runtime/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#5277C3")).
			Padding(0, 1)

	exprStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	kindStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// historyEntry is one evaluated expression and its outcome.
type historyEntry struct {
	expr   string
	kind   string
	result string
	err    error
}

type replModel struct {
	eng *engine.Engine
	cfg *config

	st *store.Store
	es *eval.EvalState

	input   textinput.Model
	history []historyEntry
	err     error
	loaded  bool
	counter int
}

func newReplModel(eng *engine.Engine, cfg *config) *replModel {
	ti := textinput.New()
	ti.Placeholder = `expression, e.g. "hello" or { x = 1; }`
	ti.Prompt = "nix> "
	ti.Width = 60
	ti.Focus()

	return &replModel{eng: eng, cfg: cfg, input: ti}
}

type sessionMsg struct {
	err error
	st  *store.Store
	es  *eval.EvalState
}

type evalMsg struct {
	entry historyEntry
}

func (m *replModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.openSession)
}

func (m *replModel) openSession() tea.Msg {
	st, err := store.Open(m.eng, m.cfg.StoreURI)
	if err != nil {
		return sessionMsg{err: err}
	}

	es, err := eval.NewWithConfig(st, &eval.Config{SearchPath: m.cfg.SearchPath})
	if err != nil {
		st.Close()
		return sessionMsg{err: err}
	}

	return sessionMsg{st: st, es: es}
}

func (m *replModel) closeSession() {
	if m.es != nil {
		m.es.Close()
	}
	if m.st != nil {
		m.st.Close()
	}
}

func (m *replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d":
			m.closeSession()
			return m, tea.Quit

		case "enter":
			expr := strings.TrimSpace(m.input.Value())
			if expr == "" {
				return m, nil
			}
			if expr == ":q" || expr == ":quit" {
				m.closeSession()
				return m, tea.Quit
			}
			m.input.Reset()
			return m, m.evalExpr(expr)
		}

	case sessionMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.st = msg.st
		m.es = msg.es
		m.loaded = true

	case evalMsg:
		m.history = append(m.history, msg.entry)
		if len(m.history) > 20 {
			m.history = m.history[len(m.history)-20:]
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// evalExpr evaluates one expression on a registered thread. The eval
// state lives on the bubbletea goroutine's schedule, but registration
// is taken per evaluation, so any worker thread may run it.
func (m *replModel) evalExpr(expr string) tea.Cmd {
	return func() tea.Msg {
		if m.es == nil {
			return evalMsg{entry: historyEntry{expr: expr, err: fmt.Errorf("session not ready")}}
		}
		m.counter++
		label := fmt.Sprintf("<repl:%d>", m.counter)

		entry, err := engine.WithRegisteredThread(m.eng, func() historyEntry {
			v, err := m.es.EvalFromString(expr, label)
			if err != nil {
				return historyEntry{expr: expr, err: err}
			}
			defer v.Close()

			k, err := m.es.Kind(v)
			if err != nil {
				return historyEntry{expr: expr, err: err}
			}
			rendered, err := renderValue(m.es, v)
			if err != nil {
				return historyEntry{expr: expr, err: err}
			}
			return historyEntry{expr: expr, kind: k.String(), result: rendered}
		})
		if err != nil {
			entry = historyEntry{expr: expr, err: err}
		}
		return evalMsg{entry: entry}
	}
}

func (m *replModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("nix-eval"))
	b.WriteString(" ")
	b.WriteString(m.eng.Version())
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("ctrl+c quit"))
		return b.String()
	}

	if !m.loaded {
		b.WriteString("Opening store...\n")
		return b.String()
	}

	for _, e := range m.history {
		b.WriteString(exprStyle.Render(e.expr))
		b.WriteString("\n")
		if e.err != nil {
			b.WriteString("  ")
			b.WriteString(errorStyle.Render(e.err.Error()))
		} else {
			b.WriteString("  ")
			b.WriteString(kindStyle.Render(e.kind))
			b.WriteString(" ")
			b.WriteString(resultStyle.Render(e.result))
		}
		b.WriteString("\n")
	}
	if len(m.history) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("enter evaluate • :q or ctrl+c quit"))
	return b.String()
}

func runInteractive(eng *engine.Engine, cfg *config) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("interactive mode needs a terminal")
	}
	p := tea.NewProgram(newReplModel(eng, cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
