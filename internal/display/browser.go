package display

import (
	"sync"

	"go.uber.org/zap"

	"github.com/antoniostano/stroop/internal/protocol"
	"github.com/antoniostano/stroop/internal/schedule"
	"github.com/antoniostano/stroop/internal/stimulus"
	"github.com/antoniostano/stroop/internal/task"
)

// Browser publishes frames to websocket viewers and routes their key events
// to the running block. It outlives blocks: Close ends the current
// presentation, not the display.
type Browser struct {
	logger *zap.Logger
	clock  schedule.Clock

	mu      sync.Mutex
	seq     uint64
	last    *protocol.Frame
	viewers map[uint64]chan any
	nextID  uint64
	sink    InputSink
	dropped uint64
}

func NewBrowser(clock schedule.Clock, logger *zap.Logger) *Browser {
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{
		logger:  logger.Named("browser_display"),
		clock:   clock,
		viewers: make(map[uint64]chan any),
	}
}

func (b *Browser) Show(handles ...stimulus.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	frame := ToFrame(b.seq, handles)
	b.last = &frame
	b.broadcastLocked(frame)
}

// Close tells viewers the presentation ended and detaches the input sink.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = nil
	b.sink = nil
	b.broadcastLocked(protocol.DisplayClosed{Type: protocol.TypeDisplayClosed, Reason: "block_finished"})
}

func (b *Browser) broadcastLocked(msg any) {
	for id, ch := range b.viewers {
		select {
		case ch <- msg:
		default:
			b.dropped++
			b.logger.Warn("display viewer too slow, message dropped", zap.Uint64("viewer", id))
		}
	}
}

// Attach registers a viewer. The current frame, if any, is replayed first.
// The returned func detaches the viewer and closes the channel.
func (b *Browser) Attach(buffer int) (<-chan any, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan any, buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.viewers[id] = ch
	if b.last != nil {
		ch <- *b.last
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.viewers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Browser) Viewers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.viewers)
}

// SetInput installs the sink for viewer key events; nil detaches.
func (b *Browser) SetInput(sink InputSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// HandleKey stamps a viewer key event with the arrival time and forwards
// it. It reports false when the key is unknown or no block listens.
func (b *Browser) HandleKey(msg protocol.KeyEvent) bool {
	at := b.clock.Now()
	key, ok := KeyFromName(msg.Key)
	if !ok {
		return false
	}
	action := task.Press
	if msg.Action == "release" {
		action = task.Release
	}
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(task.KeyEvent{Key: key, Action: action, At: at})
	return true
}
