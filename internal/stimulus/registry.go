package stimulus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/stroop/internal/config"
	"github.com/antoniostano/stroop/internal/sequence"
)

var ErrUnknownWord = errors.New("unknown stimulus word")

// Kind is the closed set of things a display can be asked to show.
type Kind int

const (
	KindFixation Kind = iota + 1
	KindBlank
	KindInstructions
	KindClassicInstructions
	KindCongruent
	KindIncongruent
	KindNeutral
	KindBottom
	KindSummary
	KindClassicTable
)

func (k Kind) String() string {
	switch k {
	case KindFixation:
		return "fixation"
	case KindBlank:
		return "blank"
	case KindInstructions:
		return "instructions"
	case KindClassicInstructions:
		return "classic_instructions"
	case KindCongruent:
		return "congruent"
	case KindIncongruent:
		return "incongruent"
	case KindNeutral:
		return "neutral"
	case KindBottom:
		return "bottom"
	case KindSummary:
		return "summary"
	case KindClassicTable:
		return "classic_table"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Slot is the screen position of a handle.
type Slot string

const (
	SlotCenter Slot = "center"
	SlotTop    Slot = "top"
	SlotBottom Slot = "bottom"
)

// Cell is one colored word of the classic table.
type Cell struct {
	Text  string      `json:"text"`
	Color config.RGBA `json:"color"`
}

// Handle is an immutable description of one visual element. Table is only
// set for KindClassicTable and must not be modified by displays.
type Handle struct {
	Kind  Kind
	Text  string
	Color config.RGBA
	Slot  Slot
	Table [][]Cell
}

// Key identifies the handle content for logs and frame diffs.
func (h Handle) Key() string {
	if h.Kind == KindClassicTable {
		return fmt.Sprintf("%s:%dx%d", h.Kind, len(h.Table), rowLen(h.Table))
	}
	return fmt.Sprintf("%s:%s:%s:%s", h.Kind, h.Slot, h.Text, h.Color.Hex())
}

func rowLen(t [][]Cell) int {
	if len(t) == 0 {
		return 0
	}
	return len(t[0])
}

var (
	White = config.RGBA{R: 255, G: 255, B: 255, A: 255}
	Black = config.RGBA{A: 255}
)

// Registry builds handles from one language's word table and messages.
type Registry struct {
	words  []string
	colors map[string]config.RGBA
	msgs   map[string]string
}

func NewRegistry(words []config.WordColor, msgs map[string]string) (*Registry, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("stimulus registry needs at least one word")
	}
	r := &Registry{
		words:  make([]string, 0, len(words)),
		colors: make(map[string]config.RGBA, len(words)),
		msgs:   make(map[string]string, len(msgs)),
	}
	for _, w := range words {
		if _, dup := r.colors[w.Word]; dup {
			return nil, fmt.Errorf("duplicate stimulus word %q", w.Word)
		}
		r.words = append(r.words, w.Word)
		r.colors[w.Word] = w.Color
	}
	for k, v := range msgs {
		r.msgs[k] = strings.TrimSpace(v)
	}
	return r, nil
}

// FromTask is NewRegistry for a loaded task configuration.
func FromTask(cfg config.TaskConfig) (*Registry, error) {
	return NewRegistry(cfg.Words, cfg.Msgs)
}

func (r *Registry) Words() []string {
	return append([]string(nil), r.words...)
}

func (r *Registry) Color(word string) (config.RGBA, error) {
	c, ok := r.colors[word]
	if !ok {
		return config.RGBA{}, fmt.Errorf("%w: %q", ErrUnknownWord, word)
	}
	return c, nil
}

func (r *Registry) msg(key string) string {
	if v, ok := r.msgs[key]; ok {
		return v
	}
	return key
}

func (r *Registry) Fixation() Handle {
	return Handle{Kind: KindFixation, Text: "+", Color: White, Slot: SlotCenter}
}

func (r *Registry) Blank() Handle {
	return Handle{Kind: KindBlank, Color: Black, Slot: SlotCenter}
}

// Instructions is the block instruction screen. The press-down line is only
// shown when trials wait for the ready key.
func (r *Registry) Instructions(focus sequence.Focus, readyGate bool) Handle {
	congruent, incongruent := "congruent_reaction_color_focus", "incongruent_reaction_color_focus"
	if focus == sequence.FocusText {
		congruent, incongruent = "congruent_reaction_text_focus", "incongruent_reaction_text_focus"
	}
	lines := []string{r.msg("instruction_headline"), r.msg(congruent), r.msg(incongruent)}
	if readyGate {
		lines = append(lines, r.msg("press_down_instruction"))
	}
	lines = append(lines, r.msg("instruction_footer"))
	return Handle{Kind: KindInstructions, Text: strings.Join(lines, "\n\n"), Color: White, Slot: SlotCenter}
}

func (r *Registry) ClassicInstructions() Handle {
	return Handle{Kind: KindClassicInstructions, Text: r.msg("classic_instruction"), Color: White, Slot: SlotCenter}
}

// Top is the upper stimulus of a trial: the word in its ink color, or the
// neutral placeholder in the trial color.
func (r *Registry) Top(t sequence.TrialSpec) (Handle, error) {
	color, err := r.Color(t.TopColor)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{Text: t.TopWord, Color: color, Slot: SlotTop}
	switch t.Condition {
	case sequence.Congruent:
		h.Kind = KindCongruent
	case sequence.Incongruent:
		h.Kind = KindIncongruent
	case sequence.Neutral:
		h.Kind = KindNeutral
		h.Text = sequence.NeutralText
	default:
		return Handle{}, fmt.Errorf("unknown condition %q", t.Condition)
	}
	if h.Kind != KindNeutral {
		if _, err := r.Color(t.TopWord); err != nil {
			return Handle{}, err
		}
	}
	return h, nil
}

// Bottom is the lower word, always drawn in white.
func (r *Registry) Bottom(word string) (Handle, error) {
	if _, err := r.Color(word); err != nil {
		return Handle{}, err
	}
	return Handle{Kind: KindBottom, Text: word, Color: White, Slot: SlotBottom}, nil
}

// Summary shows the mean reaction time with two decimals in seconds.
func (r *Registry) Summary(mean time.Duration) Handle {
	text := fmt.Sprintf("%s %.2fs", r.msg("mean_reaction_time"), mean.Seconds())
	return Handle{Kind: KindSummary, Text: text, Color: White, Slot: SlotCenter}
}

func (r *Registry) ClassicTable(table [][]sequence.Cell) (Handle, error) {
	out := make([][]Cell, len(table))
	for i, row := range table {
		out[i] = make([]Cell, len(row))
		for j, c := range row {
			color, err := r.Color(c.Color)
			if err != nil {
				return Handle{}, err
			}
			if _, err := r.Color(c.Word); err != nil {
				return Handle{}, err
			}
			out[i][j] = Cell{Text: c.Word, Color: color}
		}
	}
	return Handle{Kind: KindClassicTable, Color: White, Slot: SlotCenter, Table: out}, nil
}

// Validate checks that every word a plan references has a color.
func (r *Registry) Validate(plan sequence.BlockPlan) error {
	for i, t := range plan.Trials {
		if _, err := r.Top(t); err != nil {
			return fmt.Errorf("trial %d: %w", i, err)
		}
		if _, err := r.Bottom(t.Bottom); err != nil {
			return fmt.Errorf("trial %d: %w", i, err)
		}
	}
	return nil
}
