package marker

import "fmt"

// Codes assigns an integer code to each marker kind. Values are site
// configuration; several kinds may share a code.
type Codes struct {
	StartBlock  int `yaml:"start_block" json:"start_block"`
	EndBlock    int `yaml:"end_block" json:"end_block"`
	StartTrial  int `yaml:"start_trial" json:"start_trial"`
	EndTrial    int `yaml:"end_trial" json:"end_trial"`
	Congruent   int `yaml:"congruent" json:"congruent"`
	Incongruent int `yaml:"incongruent" json:"incongruent"`
	Neutral     int `yaml:"neutral" json:"neutral"`
	Reaction    int `yaml:"reaction" json:"reaction"`
	Timeout     int `yaml:"timeout" json:"timeout"`
	LiftOff     int `yaml:"lift_off" json:"lift_off"`
}

// DefaultCodes is the reduced code set of the original recording site.
func DefaultCodes() Codes {
	return Codes{
		StartBlock:  64,
		EndBlock:    64,
		StartTrial:  2,
		EndTrial:    4,
		Congruent:   0,
		Incongruent: 0,
		Neutral:     0,
		Reaction:    16,
		Timeout:     16,
		LiftOff:     8,
	}
}

func (c Codes) Validate() error {
	for name, v := range map[string]int{
		"start_block": c.StartBlock,
		"end_block":   c.EndBlock,
		"start_trial": c.StartTrial,
		"end_trial":   c.EndTrial,
		"congruent":   c.Congruent,
		"incongruent": c.Incongruent,
		"neutral":     c.Neutral,
		"reaction":    c.Reaction,
		"timeout":     c.Timeout,
		"lift_off":    c.LiftOff,
	} {
		if v < MinCode || v > MaxCode {
			return fmt.Errorf("marker code %s=%d out of range [%d,%d]", name, v, MinCode, MaxCode)
		}
	}
	return nil
}

const (
	MinCode = 0
	MaxCode = 255
)

// Labels of the markers emitted by the task machines.
const (
	LabelStartBlock        = "start_block"
	LabelStartBlockClassic = "start_block_classic"
	LabelEndBlock          = "end_block"
	LabelStartTrial        = "start_trial"
	LabelEndTrial          = "end_trial"
)
