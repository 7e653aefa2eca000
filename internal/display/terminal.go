package display

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/antoniostano/stroop/internal/schedule"
	"github.com/antoniostano/stroop/internal/stimulus"
	"github.com/antoniostano/stroop/internal/task"
)

type frameMsg struct{ handles []stimulus.Handle }

type closeMsg struct{}

// Terminal renders blocks in a terminal with Bubble Tea. Terminals only
// report key presses, so ready-gate blocks cannot run here.
type Terminal struct {
	program *tea.Program
	input   *inputSlot
}

func NewTerminal(clock schedule.Clock, opts ...tea.ProgramOption) *Terminal {
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	input := &inputSlot{}
	model := terminalModel{clock: clock, input: input}
	return &Terminal{program: tea.NewProgram(model, opts...), input: input}
}

// SetInput installs the sink for key presses; nil detaches.
func (t *Terminal) SetInput(sink InputSink) {
	t.input.set(sink)
}

func (t *Terminal) Show(handles ...stimulus.Handle) {
	t.program.Send(frameMsg{handles: append([]stimulus.Handle(nil), handles...)})
}

// Close ends the Bubble Tea program; Run returns afterwards.
func (t *Terminal) Close() {
	t.program.Send(closeMsg{})
}

// Run blocks until Close is called or the program is killed.
func (t *Terminal) Run() error {
	_, err := t.program.Run()
	return err
}

// Kill stops the program without waiting for Close.
func (t *Terminal) Kill() {
	t.program.Kill()
}

type terminalModel struct {
	clock   schedule.Clock
	input   *inputSlot
	handles []stimulus.Handle
	width   int
	height  int
	closed  bool
}

func (m terminalModel) Init() tea.Cmd { return nil }

func (m terminalModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case frameMsg:
		m.handles = msg.handles
	case closeMsg:
		m.closed = true
		m.handles = nil
		return m, tea.Quit
	case tea.KeyMsg:
		at := m.clock.Now()
		name := msg.String()
		if msg.Type == tea.KeyCtrlC {
			name = "esc"
		}
		if key, ok := KeyFromName(name); ok {
			m.input.deliver(task.KeyEvent{Key: key, Action: task.Press, At: at})
		}
	}
	return m, nil
}

func (m terminalModel) View() string {
	if m.closed {
		return ""
	}
	var top, center, bottom []string
	for _, h := range m.handles {
		s := renderHandle(h)
		switch h.Slot {
		case stimulus.SlotTop:
			top = append(top, s)
		case stimulus.SlotBottom:
			bottom = append(bottom, s)
		default:
			center = append(center, s)
		}
	}
	var parts []string
	parts = append(parts, top...)
	parts = append(parts, center...)
	if len(bottom) > 0 {
		parts = append(parts, "")
		parts = append(parts, bottom...)
	}
	content := lipgloss.JoinVertical(lipgloss.Center, parts...)
	if m.width > 0 && m.height > 0 {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, content)
	}
	return content
}

func renderHandle(h stimulus.Handle) string {
	if h.Kind == stimulus.KindClassicTable {
		rows := make([]string, len(h.Table))
		for i, row := range h.Table {
			cells := make([]string, len(row))
			for j, c := range row {
				cells[j] = lipgloss.NewStyle().
					Foreground(lipgloss.Color(c.Color.Hex())).
					Bold(true).
					Width(10).
					Render(c.Text)
			}
			rows[i] = strings.Join(cells, " ")
		}
		return strings.Join(rows, "\n")
	}
	style := lipgloss.NewStyle().Foreground(lipgloss.Color(h.Color.Hex()))
	switch h.Kind {
	case stimulus.KindCongruent, stimulus.KindIncongruent, stimulus.KindNeutral, stimulus.KindBottom, stimulus.KindFixation:
		style = style.Bold(true)
	case stimulus.KindInstructions, stimulus.KindClassicInstructions:
		style = style.Width(72).Align(lipgloss.Center)
	}
	return style.Render(h.Text)
}
