package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go-anywhere/message"
	"go-anywhere/theme"
	"go-anywhere/widgets"
)

const (
	noteLength = 300 * time.Millisecond
	baseNote   = 60
	meterWidth = 12
)

// scale maps the number row to a C major scale from middle C.
var scale = [...]int32{0, 2, 4, 5, 7, 9, 11, 12}

var help = []widgets.KeyBinding{
	{Key: "jk", Desc: "param"},
	{Key: "hl/HL", Desc: "adjust"},
	{Key: "[]", Desc: "module"},
	{Key: "i/o", Desc: "device"},
	{Key: "1-8", Desc: "notes"},
	{Key: "q", Desc: "quit"},
}

// EventMsg carries an event delivered by the UI gate.
type EventMsg message.Event

type TickMsg time.Time

type noteOffMsg int32

type entry struct {
	index uint32
	name  string
}

type param struct {
	index uint32
	value message.Value
}

// Model is the terminal surface. It renders what the gate delivers and
// turns keys into UI events.
type Model struct {
	Theme *theme.Theme

	send   func(message.Event) error
	status func() string

	view       message.View
	generation uint32
	modules    []entry
	inputs     []entry
	outputs    []entry
	params     []param
	cursor     int
	module     int
	inSel      int
	outSel     int
	controller string
	failure    string
	held       map[int32]bool
	quitting   bool
	err        error
}

// NewModel creates the model. send routes an event the way a UI event is
// routed; status, if set, is polled for the header.
func NewModel(th *theme.Theme, send func(message.Event) error, status func() string) Model {
	return Model{
		Theme:  th,
		send:   send,
		status: status,
		module: -1,
		inSel:  -1,
		outSel: -1,
		held:   make(map[int32]bool),
	}
}

// Err is the send failure that ended the program, if any.
func (m Model) Err() error { return m.err }

func (m Model) tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.key(msg.String())

	case EventMsg:
		ev := message.Event(msg)
		m.apply(ev)
		if ev.Kind == message.Exit {
			m.quitting = true
			return m, tea.Quit
		}

	case noteOffMsg:
		note := int32(msg)
		delete(m.held, note)
		return m.emit(message.New(message.NoteOff, 0, message.Int(note)))

	case TickMsg:
		return m, m.tick()
	}
	return m, nil
}

func (m Model) key(k string) (tea.Model, tea.Cmd) {
	switch k {
	case "q", "ctrl+c":
		return m.emit(message.ExitEvent())

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.params)-1 {
			m.cursor++
		}

	case "left", "h":
		return m.nudge(-1, 0.01)
	case "right", "l":
		return m.nudge(1, 0.01)
	case "H":
		return m.nudge(-10, 0.1)
	case "L":
		return m.nudge(10, 0.1)

	case "[", "]":
		if len(m.modules) == 0 {
			return m, nil
		}
		step := 1
		if k == "[" {
			step = -1
		}
		m.module = wrap(m.module+step, len(m.modules))
		return m.emit(message.New(message.ModuleChange, 0, message.Int(int32(m.modules[m.module].index))))

	case "i":
		if len(m.inputs) == 0 {
			return m, nil
		}
		m.inSel = wrap(m.inSel+1, len(m.inputs))
		return m.emit(message.New(message.InputDeviceSelected, 0, message.Int(int32(m.inputs[m.inSel].index))))
	case "o":
		if len(m.outputs) == 0 {
			return m, nil
		}
		m.outSel = wrap(m.outSel+1, len(m.outputs))
		return m.emit(message.New(message.OutputDeviceSelected, 0, message.Int(int32(m.outputs[m.outSel].index))))

	case "1", "2", "3", "4", "5", "6", "7", "8":
		note := baseNote + scale[k[0]-'1']
		m.held[note] = true
		model, cmd := m.emit(message.New(message.NoteOn, 0, message.Pair(uint8(note), 100)))
		return model, tea.Batch(cmd, tea.Tick(noteLength, func(time.Time) tea.Msg { return noteOffMsg(note) }))
	}
	return m, nil
}

// nudge moves the selected parameter. Ints move by steps, floats by delta
// per step.
func (m Model) nudge(steps int32, delta float32) (tea.Model, tea.Cmd) {
	if m.cursor >= len(m.params) {
		return m, nil
	}
	p := &m.params[m.cursor]
	if i, ok := p.value.AsInt(); ok {
		p.value = message.Int(i + steps)
	} else if f, ok := p.value.AsFloat(); ok {
		if steps < 0 {
			delta = -delta
		}
		p.value = message.Float(f + delta)
	} else {
		return m, nil
	}
	return m.emit(message.Param(p.index, p.value))
}

func (m Model) emit(ev message.Event) (tea.Model, tea.Cmd) {
	if err := m.send(ev); err != nil {
		m.err = err
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

// apply folds a delivered event into the model.
func (m *Model) apply(ev message.Event) {
	switch ev.Kind {
	case message.ModuleAdded:
		m.modules = upsert(m.modules, entry{ev.Index, ev.Value.String()})
	case message.InputDeviceAdded:
		m.inputs = upsert(m.inputs, entry{ev.Index, ev.Value.String()})
	case message.OutputDeviceAdded:
		m.outputs = upsert(m.outputs, entry{ev.Index, ev.Value.String()})
	case message.ModuleChange:
		if v, ok := ev.Value.AsView(); ok {
			m.view = v
		}
		m.generation = ev.Index
		m.params = nil
		m.cursor = 0
		m.failure = ""
	case message.ParameterChange:
		m.setParam(ev.Index, ev.Value)
	case message.ControllerChange:
		m.controller = fmt.Sprintf("cc %d = %s", ev.Index, ev.Value)
	case message.Failure:
		m.failure = ev.Value.String()
	case message.UILoaded, message.Exit, message.InputDeviceSelected,
		message.OutputDeviceSelected, message.NoteOn, message.NoteOff:
	}
}

func (m *Model) setParam(index uint32, v message.Value) {
	i := sort.Search(len(m.params), func(i int) bool { return m.params[i].index >= index })
	if i < len(m.params) && m.params[i].index == index {
		m.params[i].value = v
		return
	}
	m.params = append(m.params, param{})
	copy(m.params[i+1:], m.params[i:])
	m.params[i] = param{index, v}
}

func upsert(list []entry, e entry) []entry {
	for i := range list {
		if list[i].index == e.index {
			list[i] = e
			return list
		}
	}
	return append(list, e)
}

func wrap(i, n int) int {
	return ((i % n) + n) % n
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	headerStyle := lipgloss.NewStyle().Foreground(m.Theme.Accent())
	dimStyle := lipgloss.NewStyle().Foreground(m.Theme.Muted())
	titleStyle := lipgloss.NewStyle().Foreground(m.Theme.FG()).Bold(true)
	warnStyle := lipgloss.NewStyle().Foreground(m.Theme.Warning())

	name := m.view.URL
	if m.module >= 0 && m.module < len(m.modules) {
		name = m.modules[m.module].name
	}
	if name == "" {
		name = "(waiting for module)"
	}
	status := ""
	if m.status != nil {
		status = "  " + m.status()
	}
	header := headerStyle.Render(fmt.Sprintf("go-anywhere  %s  gen:%d%s", name, m.generation, status))

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(header)
	out.WriteString("\n")
	if m.view.URL != "" {
		out.WriteString(dimStyle.Render(fmt.Sprintf("%s  %dx%d", m.view.URL, m.view.Width, m.view.Height)))
	}
	out.WriteString("\n\n")
	out.WriteString(titleStyle.Render("Parameters"))
	out.WriteString("\n")
	out.WriteString(m.paramsView())
	out.WriteString("\n")

	columns := lipgloss.JoinHorizontal(lipgloss.Top,
		m.listView("Modules", m.modules, m.module),
		m.listView("Outputs", m.outputs, m.outSel),
		m.listView("Inputs", m.inputs, m.inSel),
	)
	out.WriteString(columns)
	out.WriteString("\n")

	out.WriteString(m.keysView())
	out.WriteString("\n")
	if m.controller != "" || len(m.held) > 0 {
		notes := strings.Repeat(string(m.Theme.Symbols.Note), len(m.held))
		out.WriteString(dimStyle.Render(strings.TrimSpace(m.controller + " " + notes)))
		out.WriteString("\n")
	}
	if m.failure != "" {
		out.WriteString(warnStyle.Render("error: " + m.failure))
		out.WriteString("\n")
	}
	out.WriteString("\n")
	out.WriteString(dimStyle.Render(widgets.RenderKeyHelp(help)))
	return out.String()
}

// keysView shows the playable notes as pads, lit while held.
func (m Model) keysView() string {
	pads := make([]widgets.Pad, len(scale))
	for i, step := range scale {
		pads[i] = widgets.Pad{
			Label: fmt.Sprint(i + 1),
			Color: m.Theme.Palette.Lookup(float64(i) / float64(len(scale)-1)),
			Lit:   m.held[baseNote+step],
		}
	}
	return widgets.RenderPadRow(pads)
}

func (m Model) paramsView() string {
	if len(m.params) == 0 {
		return lipgloss.NewStyle().Foreground(m.Theme.Muted()).Render("  none") + "\n"
	}
	cursorStyle := lipgloss.NewStyle().Foreground(m.Theme.Cursor())
	meterStyle := lipgloss.NewStyle().Foreground(m.Theme.Active())

	var b strings.Builder
	for i, p := range m.params {
		marker := " "
		if i == m.cursor {
			marker = cursorStyle.Render(string(m.Theme.Symbols.Cursor))
		}
		meter := strings.Repeat(" ", meterWidth)
		if f, ok := p.value.AsFloat(); ok {
			meter = meterStyle.Render(m.meter(f))
		}
		fmt.Fprintf(&b, "%s %3d  %s  %s\n", marker, p.index, meter, p.value)
	}
	return b.String()
}

func (m Model) meter(f float32) string {
	n := int(min(max(f, 0), 1) * meterWidth)
	return strings.Repeat(string(m.Theme.Symbols.BarFull), n) +
		strings.Repeat(string(m.Theme.Symbols.BarEmpty), meterWidth-n)
}

func (m Model) listView(title string, list []entry, selected int) string {
	titleStyle := lipgloss.NewStyle().Foreground(m.Theme.FG()).Bold(true)
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	for i, e := range list {
		mark := m.Theme.Symbols.Unselected
		if i == selected {
			mark = m.Theme.Symbols.Selected
		}
		fmt.Fprintf(&b, "%c %s\n", mark, e.name)
	}
	return lipgloss.NewStyle().MarginRight(4).Render(b.String())
}

// Surface delivers gate output to a running program.
type Surface struct {
	p *tea.Program
}

func NewSurface(p *tea.Program) Surface { return Surface{p: p} }

func (s Surface) Deliver(ev message.Event) error {
	s.p.Send(EventMsg(ev))
	return nil
}
