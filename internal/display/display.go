package display

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/antoniostano/stroop/internal/protocol"
	"github.com/antoniostano/stroop/internal/stimulus"
	"github.com/antoniostano/stroop/internal/task"
)

// ErrNoKeyRelease is returned for a protocol that needs key release events
// on a backend that cannot report them.
var ErrNoKeyRelease = errors.New("display backend cannot report key releases")

// InputSink receives key events from a backend. Implementations forward to
// the task loop; they must not block.
type InputSink func(task.KeyEvent)

// inputSlot holds the sink of the running block. Backends deliver from
// their own goroutines while the runner swaps sinks between blocks.
type inputSlot struct {
	mu   sync.Mutex
	sink InputSink
}

func (s *inputSlot) set(sink InputSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *inputSlot) deliver(ev task.KeyEvent) bool {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(ev)
	return true
}

const (
	BackendBrowser  = "browser"
	BackendHeadless = "headless"
	BackendTerminal = "terminal"
)

// CheckMode fails fast when backend cannot drive mode.
func CheckMode(backend string, mode task.Mode) error {
	if backend == BackendTerminal && mode == task.ModeReadyGate {
		return fmt.Errorf("%w: %s backend supports random_wait and classic blocks only", ErrNoKeyRelease, backend)
	}
	return nil
}

// KeyFromName maps browser and terminal key names onto task keys.
func KeyFromName(name string) (task.Key, bool) {
	switch strings.ToLower(name) {
	case "arrowleft", "left":
		return task.KeyLeft, true
	case "arrowright", "right":
		return task.KeyRight, true
	case "arrowdown", "down":
		return task.KeyDown, true
	case " ", "space", "spacebar":
		return task.KeySpace, true
	case "escape", "esc":
		return task.KeyEscape, true
	}
	return task.ParseKey(name)
}

// ToFrame converts handles into the wire frame sent to viewers.
func ToFrame(seq uint64, handles []stimulus.Handle) protocol.Frame {
	items := make([]protocol.FrameItem, 0, len(handles))
	for _, h := range handles {
		item := protocol.FrameItem{
			Kind:  h.Kind.String(),
			Slot:  string(h.Slot),
			Text:  h.Text,
			Color: h.Color.Hex(),
		}
		if len(h.Table) > 0 {
			item.Table = make([][]protocol.FrameCell, len(h.Table))
			for i, row := range h.Table {
				item.Table[i] = make([]protocol.FrameCell, len(row))
				for j, c := range row {
					item.Table[i][j] = protocol.FrameCell{Text: c.Text, Color: c.Color.Hex()}
				}
			}
		}
		items = append(items, item)
	}
	return protocol.Frame{Type: protocol.TypeFrame, Seq: seq, Items: items}
}
