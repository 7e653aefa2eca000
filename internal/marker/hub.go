package marker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sample is one entry of the synchronized marker stream.
type Sample struct {
	Seq   uint64    `json:"seq"`
	Code  int       `json:"code"`
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// Stream receives every marker, hardware line or not.
type Stream interface {
	Push(Sample) error
}

var ErrHubClosed = errors.New("marker hub closed")

// Hub fans samples out to subscribers. Push never blocks: a subscriber whose
// buffer is full loses the sample and the drop is counted.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped uint64
}

type Subscription struct {
	id  uint64
	hub *Hub
	ch  chan Sample

	once sync.Once
}

// C delivers samples in push order until the subscription or hub closes.
func (s *Subscription) C() <-chan Sample { return s.ch }

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("marker_hub"),
		subs:   make(map[uint64]*Subscription),
	}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{id: h.nextID, hub: h, ch: make(chan Sample, buffer)}
	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}

func (h *Hub) Push(sample Sample) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- sample:
		default:
			h.dropped++
			h.logger.Warn("marker subscriber too slow, sample dropped",
				zap.Uint64("subscriber", sub.id),
				zap.Uint64("seq", sample.Seq),
				zap.String("label", sample.Label),
			)
		}
	}
	return nil
}

// Dropped reports how many samples were lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Recorder is a Stream that keeps every sample in memory.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
}

func (r *Recorder) Push(s Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func (r *Recorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Labels returns the recorded labels in order.
func (r *Recorder) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.samples))
	for i, s := range r.samples {
		out[i] = s.Label
	}
	return out
}

// Tee pushes every sample to each stream in order and returns the first error.
type Tee []Stream

func (t Tee) Push(s Sample) error {
	var first error
	for _, st := range t {
		if st == nil {
			continue
		}
		if err := st.Push(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}
