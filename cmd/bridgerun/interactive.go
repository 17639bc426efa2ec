package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/native-bridge/bridge"
	"github.com/wippyai/native-bridge/engine"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveModel struct {
	err       error
	br        *bridge.Bridge
	eng       *engine.Engine
	worldFile string
	libsStr   string
	libName   string
	result    string
	funcs     []funcInfo
	inputs    []textinput.Model
	selected  int
	focusIdx  int
	state     modelState
}

type funcInfo struct {
	name      string
	signature string
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(worldFile, libsStr, libName string) *interactiveModel {
	return &interactiveModel{
		worldFile: worldFile,
		libsStr:   libsStr,
		libName:   libName,
		state:     stateSelectFunc,
	}
}

type loadedMsg struct {
	err     error
	br      *bridge.Bridge
	eng     *engine.Engine
	libName string
	funcs   []funcInfo
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadWorld
}

func (m *interactiveModel) loadWorld() tea.Msg {
	br, eng, names, err := setup(m.worldFile, m.libsStr)
	if err != nil {
		return loadedMsg{err: err}
	}

	libName := m.libName
	if libName == "" {
		if len(names) != 1 {
			_ = br.Stop(context.Background())
			return loadedMsg{err: fmt.Errorf("several libraries registered, pick one with -lib")}
		}
		libName = names[0]
	}

	lib, err := eng.Open(context.Background(), libName)
	if err != nil {
		_ = br.Stop(context.Background())
		return loadedMsg{err: err}
	}
	elib := lib.(*engine.Library)

	var funcs []funcInfo
	for _, name := range elib.Exports() {
		funcs = append(funcs, funcInfo{name: name, signature: elib.Signature(name)})
	}

	return loadedMsg{br: br, eng: eng, libName: libName, funcs: funcs}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state == stateInputArgs && msg.String() == "q" {
				break
			}
			if m.br != nil {
				_ = m.br.Stop(context.Background())
			}
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					break
				}
				m.prepareInputs()
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.br = msg.br
		m.eng = msg.eng
		m.libName = msg.libName
		m.funcs = msg.funcs

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	argsInput := textinput.New()
	argsInput.Placeholder = "i32:42,str:hello"
	argsInput.Prompt = "args: "
	argsInput.Width = 40
	argsInput.Focus()

	retInput := textinput.New()
	retInput.Placeholder = "void"
	retInput.Prompt = "ret:  "
	retInput.Width = 40

	m.inputs = []textinput.Model{argsInput, retInput}
	m.focusIdx = 0
}

func (m *interactiveModel) callFunction() tea.Msg {
	f := m.funcs[m.selected]

	args, err := parseArgs(m.inputs[0].Value())
	if err != nil {
		return callResultMsg{err: err}
	}
	ret, err := parseType(m.inputs[1].Value())
	if err != nil {
		return callResultMsg{err: err}
	}

	result, err := m.br.Call(bridge.CallSpec{
		Library: m.libName,
		Symbol:  f.name,
		Args:    args,
		Return:  ret,
	})
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: formatValue(result)}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.br == nil {
		return "Loading world module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Native Bridge"))
	b.WriteString(" ")
	b.WriteString(m.libName)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			line := funcStyle.Render(f.name) + typeStyle.Render(f.signature)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + f.name + f.signature))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s%s\n\n", funcStyle.Render(f.name), typeStyle.Render(f.signature)))
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func runInteractive(worldFile, libsStr, libName string) error {
	p := tea.NewProgram(newInteractiveModel(worldFile, libsStr, libName), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
