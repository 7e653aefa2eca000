package config

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antoniostano/stroop/internal/marker"
)

//go:embed defaults/*.yaml
var embeddedDefaults embed.FS

// General holds the timing and display parameters of task.yaml.
type General struct {
	StimulusTimeS             float64 `yaml:"stimulus_time_s"`
	BottomDelayS              float64 `yaml:"bottom_delay_s"`
	PreStimulusTimeS          float64 `yaml:"pre_stimulus_time_s"`
	WaitTimeMinS              float64 `yaml:"wait_time_min_s"`
	WaitTimeMaxS              float64 `yaml:"wait_time_max_s"`
	ArrowDownPressToContinueS float64 `yaml:"arrow_down_press_to_continue_s"`
	InstructionTimeS          float64 `yaml:"instruction_time_s"`
	ResultsShowTimeS          float64 `yaml:"results_show_time_s"`
	ClassicalTimeoutS         float64 `yaml:"classical_timeout_s"`
	ClassicalTailS            float64 `yaml:"classical_tail_s"`
	ClassicalRows             int     `yaml:"classical_rows"`
	ClassicalCols             int     `yaml:"classical_cols"`
	TutorialStimulusTimeS     float64 `yaml:"tutorial_stimulus_time_s"`
	FontSize                  int     `yaml:"font_size"`
	ScreenWidth               int     `yaml:"screen_width"`
	ScreenHeight              int     `yaml:"screen_height"`
	Fullscreen                bool    `yaml:"fullscreen"`
}

func (g General) StimulusTime() time.Duration     { return seconds(g.StimulusTimeS) }
func (g General) BottomDelay() time.Duration      { return seconds(g.BottomDelayS) }
func (g General) PreStimulusTime() time.Duration  { return seconds(g.PreStimulusTimeS) }
func (g General) WaitMin() time.Duration          { return seconds(g.WaitTimeMinS) }
func (g General) WaitMax() time.Duration          { return seconds(g.WaitTimeMaxS) }
func (g General) ReadyHold() time.Duration        { return seconds(g.ArrowDownPressToContinueS) }
func (g General) InstructionTime() time.Duration  { return seconds(g.InstructionTimeS) }
func (g General) ResultsShowTime() time.Duration  { return seconds(g.ResultsShowTimeS) }
func (g General) ClassicTime() time.Duration      { return seconds(g.ClassicalTimeoutS) }
func (g General) ClassicTailTime() time.Duration  { return seconds(g.ClassicalTailS) }
func (g General) TutorialStimulus() time.Duration { return seconds(g.TutorialStimulusTimeS) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// WordColor is one entry of a language's word table, kept in file order.
type WordColor struct {
	Word  string
	Color RGBA
}

// TaskConfig is the per-run task configuration: marker codes, timing and
// the language dependent word table and messages.
type TaskConfig struct {
	Language string
	Markers  marker.Codes
	General  General
	Words    []WordColor
	Msgs     map[string]string
}

// WordNames returns the word pool in file order.
func (t TaskConfig) WordNames() []string {
	out := make([]string, len(t.Words))
	for i, w := range t.Words {
		out[i] = w.Word
	}
	return out
}

// Msg returns a participant-facing message or the key itself when missing.
func (t TaskConfig) Msg(key string) string {
	if v, ok := t.Msgs[key]; ok {
		return strings.TrimSpace(v)
	}
	return key
}

type taskFile struct {
	Markers marker.Codes `yaml:"markers"`
	General General      `yaml:"general"`
}

type languageFile struct {
	Words yaml.Node         `yaml:"words"`
	Msgs  map[string]string `yaml:"msgs"`
}

// LoadTask reads task.yaml and <language>.yaml from dir. Files missing in
// dir fall back to the built-in defaults; dir may be empty.
func LoadTask(dir, language string) (TaskConfig, error) {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		language = "english"
	}
	if strings.ContainsAny(language, `/\.`) {
		return TaskConfig{}, fmt.Errorf("invalid language %q", language)
	}

	cfg := TaskConfig{
		Language: language,
		Markers:  marker.DefaultCodes(),
	}

	raw, err := readConfigFile(dir, "task.yaml")
	if err != nil {
		return TaskConfig{}, err
	}
	tf := taskFile{Markers: marker.DefaultCodes()}
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return TaskConfig{}, fmt.Errorf("parse task.yaml: %w", err)
	}
	cfg.Markers = tf.Markers
	cfg.General = tf.General

	raw, err = readConfigFile(dir, language+".yaml")
	if err != nil {
		return TaskConfig{}, err
	}
	var lf languageFile
	if err := yaml.Unmarshal(raw, &lf); err != nil {
		return TaskConfig{}, fmt.Errorf("parse %s.yaml: %w", language, err)
	}
	cfg.Words, err = parseWords(&lf.Words)
	if err != nil {
		return TaskConfig{}, fmt.Errorf("%s.yaml: %w", language, err)
	}
	cfg.Msgs = lf.Msgs
	if cfg.Msgs == nil {
		cfg.Msgs = map[string]string{}
	}

	if err := cfg.Validate(); err != nil {
		return TaskConfig{}, err
	}
	return cfg, nil
}

func readConfigFile(dir, name string) ([]byte, error) {
	if strings.TrimSpace(dir) != "" {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
	}
	raw, err := embeddedDefaults.ReadFile("defaults/" + name)
	if err != nil {
		return nil, fmt.Errorf("no configuration %s: %w", name, err)
	}
	return raw, nil
}

// parseWords walks the mapping node so the pool keeps the file order, which
// the seeded trial generator depends on.
func parseWords(node *yaml.Node) ([]WordColor, error) {
	if node.Kind == 0 {
		return nil, fmt.Errorf("missing words table")
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("words must be a mapping of word to color")
	}
	out := make([]WordColor, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		word := strings.TrimSpace(node.Content[i].Value)
		color, err := ParseRGBA(node.Content[i+1].Value)
		if err != nil {
			return nil, fmt.Errorf("word %q: %w", word, err)
		}
		out = append(out, WordColor{Word: word, Color: color})
	}
	return out, nil
}

// Validate checks the task configuration before any block is planned.
func (t TaskConfig) Validate() error {
	if err := t.Markers.Validate(); err != nil {
		return err
	}
	g := t.General
	positive := map[string]float64{
		"stimulus_time_s":                g.StimulusTimeS,
		"pre_stimulus_time_s":            g.PreStimulusTimeS,
		"wait_time_min_s":                g.WaitTimeMinS,
		"wait_time_max_s":                g.WaitTimeMaxS,
		"arrow_down_press_to_continue_s": g.ArrowDownPressToContinueS,
		"results_show_time_s":            g.ResultsShowTimeS,
		"classical_timeout_s":            g.ClassicalTimeoutS,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, v)
		}
	}
	if g.BottomDelayS < 0 || g.InstructionTimeS < 0 || g.ClassicalTailS < 0 || g.TutorialStimulusTimeS < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if g.BottomDelayS >= g.StimulusTimeS {
		return fmt.Errorf("bottom_delay_s (%v) must be shorter than stimulus_time_s (%v)", g.BottomDelayS, g.StimulusTimeS)
	}
	if g.WaitTimeMinS > g.WaitTimeMaxS {
		return fmt.Errorf("wait_time_min_s (%v) must not exceed wait_time_max_s (%v)", g.WaitTimeMinS, g.WaitTimeMaxS)
	}
	if g.ClassicalRows < 0 || g.ClassicalCols < 0 {
		return fmt.Errorf("classical table size must not be negative")
	}
	if len(t.Words) < 2 {
		return fmt.Errorf("language %q needs at least 2 words, got %d", t.Language, len(t.Words))
	}
	seen := make(map[string]struct{}, len(t.Words))
	for _, w := range t.Words {
		if w.Word == "" {
			return fmt.Errorf("language %q has an empty word", t.Language)
		}
		if _, dup := seen[w.Word]; dup {
			return fmt.Errorf("language %q lists %q twice", t.Language, w.Word)
		}
		seen[w.Word] = struct{}{}
	}
	return nil
}
