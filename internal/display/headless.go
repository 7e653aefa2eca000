package display

import (
	"sync"

	"go.uber.org/zap"

	"github.com/antoniostano/stroop/internal/stimulus"
	"github.com/antoniostano/stroop/internal/task"
)

// Headless records frames without drawing them. It backs dry runs and
// automated blocks.
type Headless struct {
	logger *zap.Logger
	input  inputSlot

	mu        sync.Mutex
	frames    [][]stimulus.Handle
	closed    int
	holdReady bool
	held      bool
}

func NewHeadless(logger *zap.Logger) *Headless {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Headless{logger: logger.Named("display")}
}

func (d *Headless) Show(handles ...stimulus.Handle) {
	frame := append([]stimulus.Handle(nil), handles...)
	d.mu.Lock()
	d.frames = append(d.frames, frame)
	var keys []task.KeyEvent
	if d.holdReady {
		keys = d.readyKeysLocked(frame)
	}
	d.mu.Unlock()
	for _, ev := range keys {
		d.input.deliver(ev)
	}
	if ce := d.logger.Check(zap.DebugLevel, "frame"); ce != nil {
		keys := make([]string, len(frame))
		for i, h := range frame {
			keys[i] = h.Key()
		}
		ce.Write(zap.Strings("handles", keys))
	}
}

func (d *Headless) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
}

func (d *Headless) Frames() [][]stimulus.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]stimulus.Handle, len(d.frames))
	copy(out, d.frames)
	return out
}

func (d *Headless) Last() []stimulus.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil
	}
	return d.frames[len(d.frames)-1]
}

// HoldReady makes the display act as a participant for ready-gate blocks:
// DOWN goes down with every fixation cross and comes up at stimulus onset.
func (d *Headless) HoldReady(on bool) {
	d.mu.Lock()
	d.holdReady = on
	d.held = false
	d.mu.Unlock()
}

func (d *Headless) readyKeysLocked(frame []stimulus.Handle) []task.KeyEvent {
	var out []task.KeyEvent
	for _, h := range frame {
		switch h.Kind {
		case stimulus.KindFixation:
			if d.held {
				out = append(out, task.KeyEvent{Key: task.KeyDown, Action: task.Release})
			}
			d.held = true
			return append(out, task.KeyEvent{Key: task.KeyDown, Action: task.Press})
		case stimulus.KindCongruent, stimulus.KindIncongruent, stimulus.KindNeutral:
			if !d.held {
				return nil
			}
			d.held = false
			return []task.KeyEvent{{Key: task.KeyDown, Action: task.Release}}
		}
	}
	return nil
}

// SetInput installs the sink Press delivers to; nil detaches.
func (d *Headless) SetInput(sink InputSink) {
	d.input.set(sink)
}

// Press injects a key event as if a participant produced it. It reports
// false when no block listens.
func (d *Headless) Press(ev task.KeyEvent) bool {
	return d.input.deliver(ev)
}

// Closed reports how often Close was called.
func (d *Headless) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
