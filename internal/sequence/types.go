package sequence

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfiguration is returned when a block cannot be planned with
// the requested parameters. No block may start after this error.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// BalanceFactor is the trial count granularity that keeps the three
// condition classes equal and each class split evenly into matching and
// non-matching bottom words.
const BalanceFactor = 6

// NeutralText is shown in place of a word on neutral trials.
const NeutralText = "XXXX"

type Condition string

const (
	Congruent   Condition = "congruent"
	Incongruent Condition = "incongruent"
	Neutral     Condition = "neutral"
)

func (c Condition) Valid() bool {
	switch c {
	case Congruent, Incongruent, Neutral:
		return true
	default:
		return false
	}
}

// Focus selects which attribute of the top stimulus the bottom word is
// judged against.
type Focus string

const (
	FocusColor Focus = "color"
	FocusText  Focus = "text"
)

func ParseFocus(v string) (Focus, error) {
	switch Focus(strings.ToLower(strings.TrimSpace(v))) {
	case FocusColor:
		return FocusColor, nil
	case FocusText:
		return FocusText, nil
	default:
		return "", fmt.Errorf("%w: unknown focus %q (expected color|text)", ErrInvalidConfiguration, v)
	}
}

type Direction string

const (
	Left  Direction = "left"
	Right Direction = "right"
)

// TrialSpec is one planned trial. TopWord is empty on neutral trials.
type TrialSpec struct {
	TopWord   string    `json:"top_word"`
	TopColor  string    `json:"top_color"`
	Bottom    string    `json:"bottom"`
	Condition Condition `json:"condition"`
	Match     bool      `json:"match"`
}

// Focused returns the attribute of the top stimulus the participant has to
// compare with the bottom word. Neutral trials carry no readable word, so
// their color is used under both focus modes.
func (t TrialSpec) Focused(focus Focus) string {
	if focus == FocusText && t.TopWord != "" {
		return t.TopWord
	}
	return t.TopColor
}

// CorrectKey is Right when the bottom word names the focused attribute.
func (t TrialSpec) CorrectKey(focus Focus) Direction {
	if t.Bottom == t.Focused(focus) {
		return Right
	}
	return Left
}

// Label is the marker description of the top stimulus.
func (t TrialSpec) Label() string {
	word := t.TopWord
	if word == "" {
		word = NeutralText
	}
	return fmt.Sprintf("%s|%s_%s|bottom=%s", t.Condition, word, t.TopColor, t.Bottom)
}

// BlockPlan is the ordered trial list of one block.
type BlockPlan struct {
	Seed   uint64      `json:"seed"`
	Focus  Focus       `json:"focus"`
	Trials []TrialSpec `json:"trials"`
}

func (p BlockPlan) Len() int { return len(p.Trials) }

// Counts summarizes a plan per condition class.
type Counts struct {
	Total    int
	Class    map[Condition]int
	Matching map[Condition]int
}

func CountPlan(p BlockPlan) Counts {
	c := Counts{
		Class:    make(map[Condition]int, 3),
		Matching: make(map[Condition]int, 3),
	}
	for _, t := range p.Trials {
		c.Total++
		c.Class[t.Condition]++
		if t.Match {
			c.Matching[t.Condition]++
		}
	}
	return c
}
