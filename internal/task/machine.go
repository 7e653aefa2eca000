package task

import (
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/stroop/internal/marker"
	"github.com/antoniostano/stroop/internal/observability"
	"github.com/antoniostano/stroop/internal/schedule"
	"github.com/antoniostano/stroop/internal/sequence"
	"github.com/antoniostano/stroop/internal/stimulus"
)

// Deps are the collaborators a machine drives. Display, Markers, Scheduler
// and Stimuli are required.
type Deps struct {
	Display   Display
	Markers   MarkerWriter
	Scheduler Scheduler
	Stimuli   *stimulus.Registry
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	// OnDone receives the block result after teardown.
	OnDone func(Result)
}

func (d Deps) validate() error {
	if d.Display == nil || d.Markers == nil || d.Scheduler == nil || d.Stimuli == nil {
		return fmt.Errorf("%w: display, markers, scheduler and stimuli are required", ErrInvalidConfiguration)
	}
	return nil
}

// Machine runs one block of Stroop trials. All methods must be called from
// the goroutine that runs the scheduler's loop.
type Machine struct {
	cfg    Config
	plan   sequence.BlockPlan
	deps   Deps
	clock  schedule.Clock
	logger *zap.Logger
	rng    *rand.Rand

	state    State
	trialIdx int
	downHeld bool

	tic       time.Time
	top       stimulus.Handle
	responded bool
	liftedOff bool
	liftOff   time.Duration

	phaseTimer   schedule.Handle
	readyTimer   schedule.Handle
	bottomTimer  schedule.Handle
	timeoutTimer schedule.Handle

	reactions []Reaction
	result    Result
	done      bool
}

// New validates the configuration and plan. On error nothing has been shown
// and no marker has been written.
func New(cfg Config, plan sequence.BlockPlan, deps Deps) (*Machine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Focus == "" {
		cfg.Focus = plan.Focus
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeReadyGate
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if plan.Len() == 0 {
		return nil, fmt.Errorf("%w: empty block plan", ErrInvalidConfiguration)
	}
	for i, t := range plan.Trials {
		if !t.Condition.Valid() {
			return nil, fmt.Errorf("%w: trial %d has condition %q", ErrInvalidConfiguration, i, t.Condition)
		}
	}
	if err := deps.Stimuli.Validate(plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	logger := observability.OrNop(deps.Logger).Named("task")
	return &Machine{
		cfg:    cfg,
		plan:   plan,
		deps:   deps,
		clock:  deps.Scheduler.Clock(),
		logger: logger,
		rng:    rand.New(rand.NewPCG(plan.Seed, plan.Seed^0x5bd1e995)),
		state:  StateInstructions,
	}, nil
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Done() bool { return m.done }

// Reactions returns a copy of the reactions recorded so far.
func (m *Machine) Reactions() []Reaction {
	return append([]Reaction(nil), m.reactions...)
}

// Result is valid once Done reports true.
func (m *Machine) Result() Result { return m.result }

// Start shows the instructions.
func (m *Machine) Start() {
	if !m.result.StartedAt.IsZero() {
		return
	}
	m.result.StartedAt = m.clock.Now()
	m.result.Plan = m.plan
	m.deps.Metrics.BlockEvent("started")
	m.enter(StateInstructions)
	m.deps.Display.Show(m.deps.Stimuli.Instructions(m.cfg.Focus, m.cfg.Mode == ModeReadyGate))
	if m.cfg.InstructionTime > 0 {
		m.phaseTimer = m.schedule(m.cfg.InstructionTime, m.startBlock)
	}
}

// HandleKey dispatches one input event. Escape aborts from any state.
func (m *Machine) HandleKey(ev KeyEvent) {
	if m.done {
		return
	}
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}
	if ev.Key == KeyEscape && ev.Action == Press {
		m.Abort("escape")
		return
	}

	wasHeld := m.downHeld
	if ev.Key == KeyDown {
		m.downHeld = ev.Action == Press
	}

	switch m.state {
	case StateInstructions:
		if ev.Key == KeySpace && ev.Action == Press {
			m.startBlock()
		}
	case StateFixationUntilReady:
		if ev.Key != KeyDown {
			return
		}
		switch {
		case ev.Action == Press && !wasHeld:
			m.cancel(&m.readyTimer)
			m.readyTimer = m.schedule(m.cfg.ReadyHold, m.showStimulus)
		case ev.Action == Release:
			if m.cancel(&m.readyTimer) {
				m.logger.Debug("ready key released early, waiting again")
			}
		}
	case StateStimulusShown:
		switch {
		case ev.Action == Press && (ev.Key == KeyLeft || ev.Key == KeyRight):
			m.respond(ResponseKind(ev.Key), ev.At)
		case ev.Key == KeyDown && ev.Action == Release && wasHeld && !m.liftedOff:
			m.liftedOff = true
			m.liftOff = nonNegative(ev.At.Sub(m.tic))
			m.mark(m.cfg.Markers.LiftOff, fmt.Sprintf("lift_off|rt_s=%.4f", m.liftOff.Seconds()))
		}
	}
}

// Abort tears the block down from any state.
func (m *Machine) Abort(reason string) {
	if m.done {
		return
	}
	m.logger.Info("block aborted", zap.String("reason", reason), zap.Stringer("state", m.state), zap.Int("trial", m.trialIdx))
	m.result.Aborted = true
	m.result.AbortReason = reason
	m.terminate()
}

func (m *Machine) startBlock() {
	if m.state != StateInstructions {
		return
	}
	m.cancel(&m.phaseTimer)
	m.mark(m.cfg.Markers.StartBlock, marker.LabelStartBlock)
	m.beginTrial()
}

func (m *Machine) beginTrial() {
	if m.trialIdx >= m.plan.Len() {
		m.showSummary()
		return
	}
	if m.cfg.Mode == ModeRandomWait {
		m.enter(StateInterTrialWait)
		m.deps.Display.Show(m.deps.Stimuli.Blank())
		m.phaseTimer = m.schedule(m.randomWait(), m.showFixation)
		return
	}
	m.enter(StateFixationUntilReady)
	m.mark(m.cfg.Markers.StartTrial, marker.LabelStartTrial)
	m.deps.Display.Show(m.deps.Stimuli.Fixation())
}

func (m *Machine) randomWait() time.Duration {
	span := m.cfg.WaitMax - m.cfg.WaitMin
	if span <= 0 {
		return m.cfg.WaitMin
	}
	return m.cfg.WaitMin + time.Duration(m.rng.Int64N(int64(span)+1))
}

func (m *Machine) showFixation() {
	m.enter(StateFixation)
	m.mark(m.cfg.Markers.StartTrial, marker.LabelStartTrial)
	m.deps.Display.Show(m.deps.Stimuli.Fixation())
	m.phaseTimer = m.schedule(m.cfg.PreStimulusTime, m.showStimulus)
}

func (m *Machine) showStimulus() {
	spec := m.plan.Trials[m.trialIdx]
	top, err := m.deps.Stimuli.Top(spec)
	if err != nil {
		// New validated every word; reaching this is a registry bug.
		m.logger.Error("stimulus lookup failed", zap.Int("trial", m.trialIdx), zap.Error(err))
		m.Abort("stimulus lookup failed")
		return
	}
	m.enter(StateStimulusShown)
	m.responded = false
	m.liftedOff = false
	m.liftOff = 0
	m.top = top

	m.mark(m.conditionCode(spec.Condition), spec.Label())
	m.deps.Display.Show(top)
	m.tic = m.clock.Now()

	m.bottomTimer = m.schedule(m.cfg.BottomDelay, m.showBottom)
	m.timeoutTimer = m.schedule(m.cfg.StimulusTime, m.onTimeout)
}

func (m *Machine) showBottom() {
	if m.state != StateStimulusShown {
		return
	}
	bottom, err := m.deps.Stimuli.Bottom(m.plan.Trials[m.trialIdx].Bottom)
	if err != nil {
		m.logger.Error("bottom stimulus lookup failed", zap.Error(err))
		return
	}
	m.deps.Display.Show(m.top, bottom)
}

func (m *Machine) conditionCode(c sequence.Condition) int {
	switch c {
	case sequence.Congruent:
		return m.cfg.Markers.Congruent
	case sequence.Incongruent:
		return m.cfg.Markers.Incongruent
	default:
		return m.cfg.Markers.Neutral
	}
}

func (m *Machine) respond(kind ResponseKind, at time.Time) {
	if m.responded {
		return
	}
	// Keys stamped after the deadline can still arrive before the timer
	// fires in the same poll; they count as a timeout.
	if at.Sub(m.tic) > m.cfg.StimulusTime {
		m.cancel(&m.timeoutTimer)
		m.onTimeout()
		return
	}
	m.responded = true
	m.cancel(&m.timeoutTimer)
	m.cancel(&m.bottomTimer)

	latency := nonNegative(at.Sub(m.tic))
	m.mark(m.cfg.Markers.Reaction, fmt.Sprintf("reaction_%s|rt_s=%.4f", kind, latency.Seconds()))
	m.record(kind, latency)
}

func (m *Machine) onTimeout() {
	m.timeoutTimer = 0
	if m.responded || m.state != StateStimulusShown {
		return
	}
	m.responded = true
	m.cancel(&m.bottomTimer)

	latency := m.cfg.StimulusTime
	m.mark(m.cfg.Markers.Timeout, fmt.Sprintf("timeout|rt_s=%.4f", latency.Seconds()))
	m.record(ResponseTimeout, latency)
}

func (m *Machine) record(kind ResponseKind, latency time.Duration) {
	spec := m.plan.Trials[m.trialIdx]
	r := Reaction{
		Trial:     m.trialIdx,
		Spec:      spec,
		Condition: spec.Condition,
		Kind:      kind,
		Latency:   latency,
		OnsetAt:   m.tic,
		LiftOff:   m.liftOff,
	}
	if kind != ResponseTimeout {
		r.Correct = toDirection(kind) == spec.CorrectKey(m.cfg.Focus)
	}
	m.reactions = append(m.reactions, r)
	m.deps.Metrics.ObserveReaction(string(spec.Condition), string(kind), latency)
	m.logger.Info("trial response",
		zap.Int("trial", m.trialIdx),
		zap.String("condition", string(spec.Condition)),
		zap.String("kind", string(kind)),
		zap.Duration("latency", latency),
		zap.Bool("correct", r.Correct),
	)

	m.mark(m.cfg.Markers.EndTrial, marker.LabelEndTrial)
	m.trialIdx++
	m.beginTrial()
}

func toDirection(k ResponseKind) sequence.Direction {
	if k == ResponseLeft {
		return sequence.Left
	}
	return sequence.Right
}

func (m *Machine) showSummary() {
	m.enter(StateBlockSummary)
	m.result.Mean = MeanLatency(m.reactions)
	m.deps.Display.Show(m.deps.Stimuli.Summary(m.result.Mean))
	m.phaseTimer = m.schedule(m.cfg.ResultsShowTime, m.terminate)
}

// terminate is shared by the normal end and Abort: cancel every timer,
// write end_block once, close the display once, report the result.
func (m *Machine) terminate() {
	if m.done {
		return
	}
	m.done = true
	m.cancel(&m.phaseTimer)
	m.cancel(&m.readyTimer)
	m.cancel(&m.bottomTimer)
	m.cancel(&m.timeoutTimer)
	m.enter(StateTerminated)

	m.mark(m.cfg.Markers.EndBlock, marker.LabelEndBlock)
	m.deps.Display.Close()

	m.result.Reactions = m.Reactions()
	if m.result.Mean == 0 {
		m.result.Mean = MeanLatency(m.reactions)
	}
	m.result.EndedAt = m.clock.Now()
	if m.result.Aborted {
		m.deps.Metrics.BlockEvent("aborted")
	} else {
		m.deps.Metrics.BlockEvent("completed")
	}
	m.logger.Info("block finished",
		zap.Int("trials", len(m.reactions)),
		zap.Duration("mean", m.result.Mean),
		zap.Bool("aborted", m.result.Aborted),
	)
	if m.deps.OnDone != nil {
		m.deps.OnDone(m.result)
	}
}

func (m *Machine) enter(s State) {
	if m.state != s {
		m.logger.Debug("transition", zap.Stringer("from", m.state), zap.Stringer("to", s), zap.Int("trial", m.trialIdx))
	}
	m.state = s
}

func (m *Machine) mark(code int, label string) {
	m.deps.Markers.Write(code, label)
}

func (m *Machine) schedule(d time.Duration, fn func()) schedule.Handle {
	return m.deps.Scheduler.ScheduleOnce(d, fn)
}

// cancel clears *h and reports whether a pending timer was removed.
func (m *Machine) cancel(h *schedule.Handle) bool {
	if *h == 0 {
		return false
	}
	ok := m.deps.Scheduler.Cancel(*h)
	*h = 0
	return ok
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
