package schedule

import (
	"context"
	"sync"
	"time"
)

const (
	defaultLogicInterval = 500 * time.Microsecond
	defaultFrameInterval = time.Second / 60
	defaultInboxSize     = 256
)

// LoopOptions tunes the polling cadence. Logic is polled far more often than
// frames are drawn so timer jitter is bounded by LogicInterval rather than by
// the display refresh.
type LoopOptions struct {
	LogicInterval time.Duration
	FrameInterval time.Duration
	OnFrame       func()
	InboxSize     int
}

// Loop is a single-goroutine cooperative loop. Timers, posted input and the
// frame hook all run on the goroutine executing Run, never concurrently.
type Loop struct {
	clock     Clock
	sched     *Scheduler
	opts      LoopOptions
	inbox     chan func()
	done      chan struct{}
	stopOnce  sync.Once
	lastFrame time.Time
}

func NewLoop(clock Clock, opts LoopOptions) *Loop {
	if clock == nil {
		clock = SystemClock{}
	}
	if opts.LogicInterval <= 0 {
		opts.LogicInterval = defaultLogicInterval
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = defaultFrameInterval
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	return &Loop{
		clock: clock,
		sched: NewScheduler(clock),
		opts:  opts,
		inbox: make(chan func(), opts.InboxSize),
		done:  make(chan struct{}),
	}
}

func (l *Loop) Scheduler() *Scheduler { return l.sched }

func (l *Loop) Clock() Clock { return l.clock }

// Post queues fn for execution on the loop goroutine. It is safe to call from
// any goroutine and reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Stop ends Run after the current step. It may be called from inside a
// callback or from another goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Step performs one iteration: dispatch queued input, fire due timers, then
// draw a frame when the frame interval has elapsed. Queued input is handled
// before timers so a key press that arrived before this poll wins over a
// timeout that only became due during it.
func (l *Loop) Step() {
drain:
	for {
		select {
		case fn := <-l.inbox:
			fn()
		default:
			break drain
		}
	}
	l.sched.RunDue()
	if l.opts.OnFrame != nil {
		now := l.clock.Now()
		if l.lastFrame.IsZero() || now.Sub(l.lastFrame) >= l.opts.FrameInterval {
			l.lastFrame = now
			l.opts.OnFrame()
		}
	}
}

// Run steps the loop until Stop is called or ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	poll := time.NewTimer(l.opts.LogicInterval)
	defer poll.Stop()
	for {
		l.Step()
		select {
		case <-l.done:
			return nil
		default:
		}

		if !poll.Stop() {
			select {
			case <-poll.C:
			default:
			}
		}
		poll.Reset(l.opts.LogicInterval)

		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.inbox:
			fn()
		case <-poll.C:
		}
	}
}
