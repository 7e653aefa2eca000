package schedule

import (
	"container/heap"
	"time"
)

// Handle identifies a scheduled callback. The zero Handle is never issued.
type Handle uint64

type timer struct {
	handle Handle
	when   time.Time
	seq    uint64
	fn     func()
	index  int
}

// timerHeap orders timers by deadline, then by scheduling order so that
// timers sharing a deadline fire first-in first-out.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler holds one-shot timers for a single cooperative loop. It is not
// safe for concurrent use: every method must be called from the goroutine
// that owns the loop.
type Scheduler struct {
	clock   Clock
	timers  timerHeap
	pending map[Handle]*timer
	seq     uint64
}

func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		clock:   clock,
		pending: make(map[Handle]*timer),
	}
}

func (s *Scheduler) Clock() Clock { return s.clock }

// ScheduleOnce arranges for fn to run once delay has elapsed, measured from
// now. Negative delays are treated as zero.
func (s *Scheduler) ScheduleOnce(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	s.seq++
	t := &timer{
		handle: Handle(s.seq),
		when:   s.clock.Now().Add(delay),
		seq:    s.seq,
		fn:     fn,
	}
	heap.Push(&s.timers, t)
	s.pending[t.handle] = t
	return t.handle
}

// Cancel removes a pending timer. Canceling a fired, already canceled or
// unknown handle is a no-op and reports false.
func (s *Scheduler) Cancel(h Handle) bool {
	t, ok := s.pending[h]
	if !ok {
		return false
	}
	delete(s.pending, h)
	if t.index >= 0 {
		heap.Remove(&s.timers, t.index)
	}
	return true
}

// CancelAll drops every pending timer.
func (s *Scheduler) CancelAll() int {
	n := len(s.pending)
	s.timers = s.timers[:0]
	s.pending = make(map[Handle]*timer)
	return n
}

func (s *Scheduler) Pending() int { return len(s.pending) }

// NextDeadline reports when the earliest pending timer is due.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	if len(s.timers) == 0 {
		return time.Time{}, false
	}
	return s.timers[0].when, true
}

// RunDue invokes every timer that is due at call time, in deadline order.
// Timers scheduled by those callbacks wait for the next pass even when their
// deadline has already passed, so a callback that reschedules itself with a
// zero delay cannot starve the loop.
func (s *Scheduler) RunDue() int {
	now := s.clock.Now()
	barrier := s.seq
	fired := 0
	for len(s.timers) > 0 {
		next := s.timers[0]
		if next.when.After(now) || next.seq > barrier {
			// Timers are ordered by deadline first, so a newer timer at the
			// top can still hide an older due one behind it.
			if !s.fireOlderDue(now, barrier) {
				break
			}
			fired++
			continue
		}
		heap.Pop(&s.timers)
		delete(s.pending, next.handle)
		next.fn()
		fired++
	}
	return fired
}

// fireOlderDue handles the rare case where the heap top was scheduled during
// this pass but an older timer with a later-or-equal deadline is also due.
func (s *Scheduler) fireOlderDue(now time.Time, barrier uint64) bool {
	var pick *timer
	for _, t := range s.timers {
		if t.seq > barrier || t.when.After(now) {
			continue
		}
		if pick == nil || t.when.Before(pick.when) || (t.when.Equal(pick.when) && t.seq < pick.seq) {
			pick = t
		}
	}
	if pick == nil {
		return false
	}
	heap.Remove(&s.timers, pick.index)
	delete(s.pending, pick.handle)
	pick.fn()
	return true
}
