package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/stroop/internal/config"
	"github.com/antoniostano/stroop/internal/marker"
	"github.com/antoniostano/stroop/internal/schedule"
	"github.com/antoniostano/stroop/internal/sequence"
	"github.com/antoniostano/stroop/internal/stimulus"
)

// ErrInvalidConfiguration is returned by New before anything is shown or
// any marker is written.
var ErrInvalidConfiguration = errors.New("invalid task configuration")

type State int

const (
	StateInstructions State = iota
	StateFixation
	StateFixationUntilReady
	StateStimulusShown
	StateInterTrialWait
	StateBlockSummary
	StateClassicTable
	StateClassicTail
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInstructions:
		return "instructions"
	case StateFixation:
		return "fixation"
	case StateFixationUntilReady:
		return "fixation_until_ready"
	case StateStimulusShown:
		return "stimulus_shown"
	case StateInterTrialWait:
		return "inter_trial_wait"
	case StateBlockSummary:
		return "block_summary"
	case StateClassicTable:
		return "classic_table"
	case StateClassicTail:
		return "classic_tail"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Key string

const (
	KeyLeft   Key = "LEFT"
	KeyRight  Key = "RIGHT"
	KeyDown   Key = "DOWN"
	KeySpace  Key = "SPACE"
	KeyEscape Key = "ESCAPE"
)

func ParseKey(v string) (Key, bool) {
	switch k := Key(strings.ToUpper(strings.TrimSpace(v))); k {
	case KeyLeft, KeyRight, KeyDown, KeySpace, KeyEscape:
		return k, true
	case "ESC":
		return KeyEscape, true
	case " ":
		return KeySpace, true
	default:
		return "", false
	}
}

type Action string

const (
	Press   Action = "press"
	Release Action = "release"
)

// KeyEvent is one input event. At is the arrival time on the task clock;
// a zero At is replaced with the time the machine handles the event.
type KeyEvent struct {
	Key    Key       `json:"key"`
	Action Action    `json:"action"`
	At     time.Time `json:"at"`
}

type ResponseKind string

const (
	ResponseLeft    ResponseKind = "LEFT"
	ResponseRight   ResponseKind = "RIGHT"
	ResponseTimeout ResponseKind = "TIMEOUT"
)

// Reaction is the outcome of one trial. Latency is measured from top
// stimulus onset; a timeout records the full stimulus time.
type Reaction struct {
	Trial     int                `json:"trial"`
	Spec      sequence.TrialSpec `json:"spec"`
	Condition sequence.Condition `json:"condition"`
	Kind      ResponseKind       `json:"kind"`
	Latency   time.Duration      `json:"latency"`
	Correct   bool               `json:"correct"`
	OnsetAt   time.Time          `json:"onset_at"`
	// LiftOff is the ready key release latency from onset; zero when the
	// key was not released during the stimulus.
	LiftOff time.Duration `json:"lift_off,omitempty"`
}

type Mode string

const (
	ModeReadyGate  Mode = "ready_gate"
	ModeRandomWait Mode = "random_wait"
)

func ParseMode(v string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(v))) {
	case ModeReadyGate, "":
		return ModeReadyGate, nil
	case ModeRandomWait:
		return ModeRandomWait, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidConfiguration, v)
	}
}

// Config is the timing and marker configuration of one block.
type Config struct {
	Mode  Mode
	Focus sequence.Focus

	StimulusTime    time.Duration
	BottomDelay     time.Duration
	ReadyHold       time.Duration
	PreStimulusTime time.Duration
	WaitMin         time.Duration
	WaitMax         time.Duration
	ResultsShowTime time.Duration
	// InstructionTime advances past the instructions automatically; zero
	// waits for the advance key.
	InstructionTime time.Duration

	ClassicTime     time.Duration
	ClassicTailTime time.Duration

	Markers marker.Codes
}

// ConfigFromTask maps the task file settings onto a block Config.
func ConfigFromTask(tc config.TaskConfig, mode Mode, focus sequence.Focus) Config {
	g := tc.General
	return Config{
		Mode:            mode,
		Focus:           focus,
		StimulusTime:    g.StimulusTime(),
		BottomDelay:     g.BottomDelay(),
		ReadyHold:       g.ReadyHold(),
		PreStimulusTime: g.PreStimulusTime(),
		WaitMin:         g.WaitMin(),
		WaitMax:         g.WaitMax(),
		ResultsShowTime: g.ResultsShowTime(),
		InstructionTime: g.InstructionTime(),
		ClassicTime:     g.ClassicTime(),
		ClassicTailTime: g.ClassicTailTime(),
		Markers:         tc.Markers,
	}
}

func (c Config) validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if _, err := sequence.ParseFocus(string(c.Focus)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if c.StimulusTime <= 0 {
		return fmt.Errorf("%w: stimulus time must be positive", ErrInvalidConfiguration)
	}
	if c.BottomDelay < 0 || c.BottomDelay >= c.StimulusTime {
		return fmt.Errorf("%w: bottom delay %s must be in [0, %s)", ErrInvalidConfiguration, c.BottomDelay, c.StimulusTime)
	}
	if c.ResultsShowTime < 0 || c.InstructionTime < 0 {
		return fmt.Errorf("%w: negative display duration", ErrInvalidConfiguration)
	}
	switch c.Mode {
	case ModeRandomWait:
		if c.WaitMin < 0 || c.WaitMax < c.WaitMin {
			return fmt.Errorf("%w: wait range [%s, %s]", ErrInvalidConfiguration, c.WaitMin, c.WaitMax)
		}
		if c.PreStimulusTime < 0 {
			return fmt.Errorf("%w: negative pre-stimulus time", ErrInvalidConfiguration)
		}
	default:
		if c.ReadyHold <= 0 {
			return fmt.Errorf("%w: ready hold must be positive", ErrInvalidConfiguration)
		}
	}
	if err := c.Markers.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}

// Display is the rendering capability the machines drive. Show replaces
// the visible set; an empty call clears the screen.
type Display interface {
	Show(handles ...stimulus.Handle)
	Close()
}

type MarkerWriter interface {
	Write(code int, label string) int
}

type Scheduler interface {
	ScheduleOnce(delay time.Duration, fn func()) schedule.Handle
	Cancel(h schedule.Handle) bool
	Clock() schedule.Clock
}

// Result is handed to OnDone exactly once per block.
type Result struct {
	Plan        sequence.BlockPlan `json:"plan"`
	Reactions   []Reaction         `json:"reactions"`
	Mean        time.Duration      `json:"mean"`
	Aborted     bool               `json:"aborted"`
	AbortReason string             `json:"abort_reason,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at"`
}

// MeanLatency averages every recorded latency, timeouts included at their
// full duration. An empty list yields zero.
func MeanLatency(reactions []Reaction) time.Duration {
	if len(reactions) == 0 {
		return 0
	}
	var sum time.Duration
	for _, r := range reactions {
		sum += r.Latency
	}
	return sum / time.Duration(len(reactions))
}
