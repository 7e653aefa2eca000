package task

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/antoniostano/stroop/internal/marker"
	"github.com/antoniostano/stroop/internal/observability"
	"github.com/antoniostano/stroop/internal/schedule"
	"github.com/antoniostano/stroop/internal/stimulus"
)

// Classic runs the table variant: the participant reads a table of colored
// words aloud for a fixed time. There are no per-trial reactions.
type Classic struct {
	cfg    Config
	table  stimulus.Handle
	deps   Deps
	clock  schedule.Clock
	logger *zap.Logger

	state      State
	timer      schedule.Handle
	endWritten bool
	result     Result
	done       bool
}

func NewClassic(cfg Config, table stimulus.Handle, deps Deps) (*Classic, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if table.Kind != stimulus.KindClassicTable || len(table.Table) == 0 {
		return nil, fmt.Errorf("%w: classic block needs a table", ErrInvalidConfiguration)
	}
	if cfg.ClassicTime <= 0 {
		return nil, fmt.Errorf("%w: classic time must be positive", ErrInvalidConfiguration)
	}
	if cfg.ClassicTailTime < 0 {
		return nil, fmt.Errorf("%w: negative classic tail time", ErrInvalidConfiguration)
	}
	if err := cfg.Markers.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return &Classic{
		cfg:    cfg,
		table:  table,
		deps:   deps,
		clock:  deps.Scheduler.Clock(),
		logger: observability.OrNop(deps.Logger).Named("classic"),
		state:  StateInstructions,
	}, nil
}

func (c *Classic) State() State { return c.state }

func (c *Classic) Done() bool { return c.done }

func (c *Classic) Result() Result { return c.result }

func (c *Classic) Start() {
	if !c.result.StartedAt.IsZero() {
		return
	}
	c.result.StartedAt = c.clock.Now()
	c.deps.Metrics.BlockEvent("started")
	c.deps.Markers.Write(c.cfg.Markers.StartBlock, marker.LabelStartBlock)
	c.deps.Display.Show(c.deps.Stimuli.ClassicInstructions())
}

func (c *Classic) HandleKey(ev KeyEvent) {
	if c.done || ev.Action != Press {
		return
	}
	switch {
	case ev.Key == KeyEscape:
		c.Abort("escape")
	case ev.Key == KeySpace && c.state == StateInstructions:
		c.showTable()
	}
}

func (c *Classic) Abort(reason string) {
	if c.done {
		return
	}
	c.logger.Info("classic block aborted", zap.String("reason", reason), zap.Stringer("state", c.state))
	c.result.Aborted = true
	c.result.AbortReason = reason
	c.finish()
}

func (c *Classic) showTable() {
	c.state = StateClassicTable
	c.deps.Markers.Write(c.cfg.Markers.StartBlock, marker.LabelStartBlockClassic)
	c.deps.Display.Show(c.table)
	c.timer = c.deps.Scheduler.ScheduleOnce(c.cfg.ClassicTime, c.showTail)
}

// showTail ends the block and keeps a fixation cross up briefly so the
// stop is not abrupt.
func (c *Classic) showTail() {
	c.state = StateClassicTail
	c.writeEnd()
	c.deps.Display.Show(c.deps.Stimuli.Fixation())
	c.timer = c.deps.Scheduler.ScheduleOnce(c.cfg.ClassicTailTime, c.finish)
}

func (c *Classic) writeEnd() {
	if c.endWritten {
		return
	}
	c.endWritten = true
	c.deps.Markers.Write(c.cfg.Markers.EndBlock, marker.LabelEndBlock)
}

func (c *Classic) finish() {
	if c.done {
		return
	}
	c.done = true
	if c.timer != 0 {
		c.deps.Scheduler.Cancel(c.timer)
		c.timer = 0
	}
	c.state = StateTerminated
	c.writeEnd()
	c.deps.Display.Close()
	c.result.EndedAt = c.clock.Now()
	if c.result.Aborted {
		c.deps.Metrics.BlockEvent("aborted")
	} else {
		c.deps.Metrics.BlockEvent("completed")
	}
	if c.deps.OnDone != nil {
		c.deps.OnDone(c.result)
	}
}
