package display

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/antoniostano/stroop/internal/config"
	"github.com/antoniostano/stroop/internal/protocol"
	"github.com/antoniostano/stroop/internal/schedule"
	"github.com/antoniostano/stroop/internal/stimulus"
	"github.com/antoniostano/stroop/internal/task"
)

var red = config.RGBA{R: 255, A: 255}

func topHandle() stimulus.Handle {
	return stimulus.Handle{Kind: stimulus.KindCongruent, Text: "red", Color: red, Slot: stimulus.SlotTop}
}

func TestCheckMode(t *testing.T) {
	if err := CheckMode(BackendTerminal, task.ModeReadyGate); !errors.Is(err, ErrNoKeyRelease) {
		t.Fatalf("CheckMode(terminal, ready_gate) error = %v, want ErrNoKeyRelease", err)
	}
	if err := CheckMode(BackendTerminal, task.ModeRandomWait); err != nil {
		t.Fatalf("CheckMode(terminal, random_wait) error = %v", err)
	}
	if err := CheckMode(BackendBrowser, task.ModeReadyGate); err != nil {
		t.Fatalf("CheckMode(browser, ready_gate) error = %v", err)
	}
}

func TestKeyFromName(t *testing.T) {
	cases := map[string]task.Key{
		"ArrowLeft":  task.KeyLeft,
		"right":      task.KeyRight,
		"ArrowDown":  task.KeyDown,
		" ":          task.KeySpace,
		"Escape":     task.KeyEscape,
		"esc":        task.KeyEscape,
		"LEFT":       task.KeyLeft,
	}
	for name, want := range cases {
		got, ok := KeyFromName(name)
		if !ok || got != want {
			t.Fatalf("KeyFromName(%q) = %q, %v; want %q", name, got, ok, want)
		}
	}
	if _, ok := KeyFromName("q"); ok {
		t.Fatalf("KeyFromName(q) ok = true")
	}
}

func TestHeadlessRecordsFrames(t *testing.T) {
	d := NewHeadless(nil)
	d.Show(topHandle())
	d.Show()
	d.Close()

	if got := len(d.Frames()); got != 2 {
		t.Fatalf("len(Frames()) = %d, want 2", got)
	}
	if len(d.Last()) != 0 {
		t.Fatalf("Last() = %v, want blank frame", d.Last())
	}
	if d.Closed() != 1 {
		t.Fatalf("Closed() = %d, want 1", d.Closed())
	}
}

func TestBrowserReplaysLatestFrame(t *testing.T) {
	b := NewBrowser(nil, nil)
	b.Show(topHandle())

	ch, detach := b.Attach(4)
	defer detach()

	msg := <-ch
	frame, ok := msg.(protocol.Frame)
	if !ok {
		t.Fatalf("first message = %T, want protocol.Frame", msg)
	}
	if frame.Seq != 1 || len(frame.Items) != 1 || frame.Items[0].Color != "#ff0000" || frame.Items[0].Slot != "top" {
		t.Fatalf("frame = %+v", frame)
	}

	b.Close()
	if _, ok := (<-ch).(protocol.DisplayClosed); !ok {
		t.Fatalf("want display_closed after Close")
	}

	late, detachLate := b.Attach(4)
	defer detachLate()
	select {
	case m := <-late:
		t.Fatalf("closed presentation replayed %T", m)
	default:
	}
}

func TestBrowserRoutesKeys(t *testing.T) {
	clock := schedule.NewFakeClock(time.Time{})
	b := NewBrowser(clock, nil)

	if b.HandleKey(protocol.KeyEvent{Key: "ArrowLeft"}) {
		t.Fatalf("HandleKey() without sink = true")
	}

	var got []task.KeyEvent
	b.SetInput(func(ev task.KeyEvent) { got = append(got, ev) })
	if !b.HandleKey(protocol.KeyEvent{Key: "ArrowDown", Action: "release"}) {
		t.Fatalf("HandleKey() = false, want routed")
	}
	if b.HandleKey(protocol.KeyEvent{Key: "F5"}) {
		t.Fatalf("HandleKey(F5) = true, want ignored")
	}
	if len(got) != 1 || got[0].Key != task.KeyDown || got[0].Action != task.Release || !got[0].At.Equal(clock.Now()) {
		t.Fatalf("routed events = %+v", got)
	}

	b.Close()
	if b.HandleKey(protocol.KeyEvent{Key: "ArrowLeft"}) {
		t.Fatalf("HandleKey() after Close = true, want sink detached")
	}
}

func TestBrowserDetach(t *testing.T) {
	b := NewBrowser(nil, nil)
	_, detach := b.Attach(1)
	if b.Viewers() != 1 {
		t.Fatalf("Viewers() = %d, want 1", b.Viewers())
	}
	detach()
	detach()
	if b.Viewers() != 0 {
		t.Fatalf("Viewers() = %d, want 0", b.Viewers())
	}
	b.Show(topHandle())
}

func TestTerminalModelForwardsPresses(t *testing.T) {
	clock := schedule.NewFakeClock(time.Time{})
	var got []task.KeyEvent
	input := &inputSlot{}
	input.set(func(ev task.KeyEvent) { got = append(got, ev) })
	var model tea.Model = terminalModel{clock: clock, input: input}

	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRight})
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyCtrlC})

	if len(got) != 2 {
		t.Fatalf("forwarded %d events, want 2: %+v", len(got), got)
	}
	if got[0].Key != task.KeyRight || got[1].Key != task.KeyEscape {
		t.Fatalf("forwarded keys = %+v", got)
	}
	_ = model
}

func TestTerminalModelRendersAndQuits(t *testing.T) {
	var model tea.Model = terminalModel{clock: schedule.SystemClock{}, input: &inputSlot{}}
	bottom := stimulus.Handle{Kind: stimulus.KindBottom, Text: "blue", Color: stimulus.White, Slot: stimulus.SlotBottom}
	model, _ = model.Update(frameMsg{handles: []stimulus.Handle{topHandle(), bottom}})

	view := model.View()
	if !strings.Contains(view, "red") || !strings.Contains(view, "blue") {
		t.Fatalf("View() = %q, want both words", view)
	}
	if strings.Index(view, "red") > strings.Index(view, "blue") {
		t.Fatalf("top word rendered below bottom word: %q", view)
	}

	model, cmd := model.Update(closeMsg{})
	if cmd == nil {
		t.Fatalf("closeMsg returned no command, want tea.Quit")
	}
	if model.View() != "" {
		t.Fatalf("View() after close = %q, want empty", model.View())
	}
}

func TestHeadlessPressRoutesToSink(t *testing.T) {
	d := NewHeadless(nil)
	ev := task.KeyEvent{Key: task.KeyLeft, Action: task.Press, At: time.Unix(10, 0)}
	if d.Press(ev) {
		t.Fatalf("Press() without sink = true")
	}

	var got []task.KeyEvent
	d.SetInput(func(ev task.KeyEvent) { got = append(got, ev) })
	if !d.Press(ev) {
		t.Fatalf("Press() = false, want delivered")
	}
	d.SetInput(nil)
	d.Press(ev)
	if len(got) != 1 || got[0] != ev {
		t.Fatalf("delivered = %+v", got)
	}
}

func TestHeadlessHoldReadyDrivesDownKey(t *testing.T) {
	d := NewHeadless(nil)
	var got []task.KeyEvent
	d.SetInput(func(ev task.KeyEvent) { got = append(got, ev) })

	fixation := stimulus.Handle{Kind: stimulus.KindFixation, Text: "+", Slot: stimulus.SlotCenter}
	bottom := stimulus.Handle{Kind: stimulus.KindBottom, Text: "red", Slot: stimulus.SlotBottom}

	d.Show(fixation)
	if len(got) != 0 {
		t.Fatalf("keys before HoldReady = %+v", got)
	}

	d.HoldReady(true)
	d.Show(fixation)
	d.Show(topHandle())
	d.Show(topHandle(), bottom)
	d.Show(fixation)

	want := []task.KeyEvent{
		{Key: task.KeyDown, Action: task.Press},
		{Key: task.KeyDown, Action: task.Release},
		{Key: task.KeyDown, Action: task.Press},
	}
	if len(got) != len(want) {
		t.Fatalf("delivered = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
