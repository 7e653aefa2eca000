package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.LogicInterval != 500*time.Microsecond {
		t.Fatalf("LogicInterval = %s, want 500µs", cfg.LogicInterval)
	}
	if cfg.Display != "browser" {
		t.Fatalf("Display = %q, want browser", cfg.Display)
	}
	if cfg.MarkerSerialEnabled {
		t.Fatalf("MarkerSerialEnabled = true, want opt-in default")
	}
	if got := cfg.FrameInterval(); got != time.Second/60 {
		t.Fatalf("FrameInterval() = %s, want %s", got, time.Second/60)
	}
}

func TestLoadSerialRequiresPort(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MARKER_SERIAL_ENABLED", "true")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing port error")
	}

	t.Setenv("MARKER_SERIAL_PORT", "/dev/ttyUSB0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MarkerSerialPort != "/dev/ttyUSB0" {
		t.Fatalf("MarkerSerialPort = %q", cfg.MarkerSerialPort)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"STROOP_LOGIC_INTERVAL":  "20ms",
		"STROOP_DISPLAY":         "opengl",
		"MARKER_SERIAL_ENCODING": "ascii",
		"MARKER_PULSE_WIDTH":     "1s",
		"APP_ALLOW_ANY_ORIGIN":   "maybe",
		"STROOP_FRAME_RATE":      "fast",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestParseRGBA(t *testing.T) {
	got, err := ParseRGBA("(255, 0, 0, 255)")
	if err != nil {
		t.Fatalf("ParseRGBA() error = %v", err)
	}
	if got != (RGBA{R: 255, A: 255}) {
		t.Fatalf("ParseRGBA() = %+v", got)
	}
	if got.Hex() != "#ff0000" {
		t.Fatalf("Hex() = %q, want #ff0000", got.Hex())
	}

	got, err = ParseRGBA("0,128,0")
	if err != nil {
		t.Fatalf("ParseRGBA() error = %v", err)
	}
	if got.A != 255 {
		t.Fatalf("alpha = %d, want default 255", got.A)
	}

	for _, bad := range []string{
		"",
		"(1, 2)",
		"(1, 2, 3, 4, 5)",
		"(256, 0, 0)",
		"(-1, 0, 0)",
		"(1, 2, 3",
		"__import__('os')",
		"(1.5, 0, 0)",
	} {
		if _, err := ParseRGBA(bad); err == nil {
			t.Fatalf("ParseRGBA(%q) error = nil, want error", bad)
		}
	}
}

func TestLoadTaskEmbeddedDefaults(t *testing.T) {
	cfg, err := LoadTask("", "English")
	if err != nil {
		t.Fatalf("LoadTask() error = %v", err)
	}
	if cfg.Language != "english" {
		t.Fatalf("Language = %q", cfg.Language)
	}
	want := []string{"red", "blue", "green", "yellow"}
	if got := strings.Join(cfg.WordNames(), ","); got != strings.Join(want, ",") {
		t.Fatalf("WordNames() = %s, want file order %v", got, want)
	}
	if cfg.Markers.StartTrial != 2 || cfg.Markers.Reaction != 16 {
		t.Fatalf("Markers = %+v", cfg.Markers)
	}
	if cfg.General.StimulusTime() != 3*time.Second {
		t.Fatalf("StimulusTime() = %s, want 3s", cfg.General.StimulusTime())
	}
	if cfg.General.BottomDelay() != 100*time.Millisecond {
		t.Fatalf("BottomDelay() = %s, want 100ms", cfg.General.BottomDelay())
	}
	if cfg.Msg("instruction_headline") == "instruction_headline" {
		t.Fatalf("instruction_headline message missing")
	}
	if cfg.Msg("no_such_key") != "no_such_key" {
		t.Fatalf("Msg() should fall back to the key")
	}
}

func TestLoadTaskAllLanguages(t *testing.T) {
	for _, lang := range []string{"english", "dutch", "german"} {
		if _, err := LoadTask("", lang); err != nil {
			t.Fatalf("LoadTask(%q) error = %v", lang, err)
		}
	}
	if _, err := LoadTask("", "klingon"); err == nil {
		t.Fatalf("LoadTask(klingon) error = nil, want error")
	}
	if _, err := LoadTask("", "../english"); err == nil {
		t.Fatalf("LoadTask(../english) error = nil, want error")
	}
}

func TestLoadTaskDirectoryOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "english.yaml"), `
words:
  purple: "(128, 0, 128, 255)"
  orange: "(255, 165, 0)"
msgs:
  instruction_headline: "Custom"
`)

	cfg, err := LoadTask(dir, "english")
	if err != nil {
		t.Fatalf("LoadTask() error = %v", err)
	}
	if got := strings.Join(cfg.WordNames(), ","); got != "purple,orange" {
		t.Fatalf("WordNames() = %s", got)
	}
	if cfg.Words[1].Color != (RGBA{R: 255, G: 165, A: 255}) {
		t.Fatalf("orange = %+v", cfg.Words[1].Color)
	}
	// task.yaml is not in dir, so the built-in timing applies.
	if cfg.General.ResultsShowTime() != 5*time.Second {
		t.Fatalf("ResultsShowTime() = %s", cfg.General.ResultsShowTime())
	}
}

func TestLoadTaskValidation(t *testing.T) {
	cases := map[string]string{
		"bad color": `
words:
  red: "(300, 0, 0)"
  blue: "(0, 0, 255)"
`,
		"single word": `
words:
  red: "(255, 0, 0)"
`,
		"words not a map": `
words: [red, blue]
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "english.yaml"), body)
			if _, err := LoadTask(dir, "english"); err == nil {
				t.Fatalf("LoadTask() error = nil, want error")
			}
		})
	}

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "task.yaml"), `
markers:
  start_block: 300
general:
  stimulus_time_s: 3
  bottom_delay_s: 0.1
  pre_stimulus_time_s: 1
  wait_time_min_s: 1
  wait_time_max_s: 2
  arrow_down_press_to_continue_s: 0.5
  results_show_time_s: 5
  classical_timeout_s: 45
`)
	if _, err := LoadTask(dir, "english"); err == nil {
		t.Fatalf("LoadTask() with marker 300 error = nil, want error")
	}

	writeFile(t, filepath.Join(dir, "task.yaml"), `
general:
  stimulus_time_s: 3
  bottom_delay_s: 0.1
  pre_stimulus_time_s: 1
  wait_time_min_s: 3
  wait_time_max_s: 2
  arrow_down_press_to_continue_s: 0.5
  results_show_time_s: 5
  classical_timeout_s: 45
`)
	if _, err := LoadTask(dir, "english"); err == nil {
		t.Fatalf("LoadTask() with min > max wait error = nil, want error")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_DEVELOPMENT",
		"STROOP_CONFIG_DIR",
		"STROOP_LANGUAGE",
		"STROOP_DISPLAY",
		"STROOP_LOGIC_INTERVAL",
		"STROOP_FRAME_RATE",
		"DATABASE_URL",
		"MARKER_SERIAL_ENABLED",
		"MARKER_SERIAL_PORT",
		"MARKER_SERIAL_BAUD",
		"MARKER_SERIAL_ENCODING",
		"MARKER_PULSE_WIDTH",
		"MARKER_OPEN_ATTEMPTS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
