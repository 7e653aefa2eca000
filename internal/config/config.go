package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task controller process.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel       string
	LogDevelopment bool

	TaskConfigDir string
	Language      string
	Display       string
	LogicInterval time.Duration
	FrameRate     int

	DatabaseURL string

	MarkerSerialEnabled  bool
	MarkerSerialPort     string
	MarkerSerialBaud     int
	MarkerSerialEncoding string
	MarkerPulseWidth     time.Duration
	MarkerOpenAttempts   int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "stroop"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		TaskConfigDir:    envOrDefault("STROOP_CONFIG_DIR", "./configs"),
		Language:         envOrDefault("STROOP_LANGUAGE", "english"),
		// The browser display is the only backend the server can drive remotely.
		Display:     strings.ToLower(envOrDefault("STROOP_DISPLAY", "browser")),
		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
		// Hardware markers are opt-in; most stations only record the marker stream.
		MarkerSerialEnabled:  false,
		MarkerSerialPort:     stringsTrimSpace("MARKER_SERIAL_PORT"),
		MarkerSerialBaud:     115200,
		MarkerSerialEncoding: strings.ToLower(envOrDefault("MARKER_SERIAL_ENCODING", "raw")),
		MarkerPulseWidth:     10 * time.Millisecond,
		MarkerOpenAttempts:   3,
		ShutdownTimeout:      15 * time.Second,
		LogicInterval:        500 * time.Microsecond,
		FrameRate:            60,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDevelopment, err = boolFromEnv("LOG_DEVELOPMENT", cfg.LogDevelopment)
	if err != nil {
		return Config{}, err
	}
	cfg.LogicInterval, err = durationFromEnv("STROOP_LOGIC_INTERVAL", cfg.LogicInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameRate, err = intFromEnv("STROOP_FRAME_RATE", cfg.FrameRate)
	if err != nil {
		return Config{}, err
	}
	cfg.MarkerSerialEnabled, err = boolFromEnv("MARKER_SERIAL_ENABLED", cfg.MarkerSerialEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.MarkerSerialBaud, err = intFromEnv("MARKER_SERIAL_BAUD", cfg.MarkerSerialBaud)
	if err != nil {
		return Config{}, err
	}
	cfg.MarkerPulseWidth, err = durationFromEnv("MARKER_PULSE_WIDTH", cfg.MarkerPulseWidth)
	if err != nil {
		return Config{}, err
	}
	cfg.MarkerOpenAttempts, err = intFromEnv("MARKER_OPEN_ATTEMPTS", cfg.MarkerOpenAttempts)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.LogicInterval <= 0 || c.LogicInterval > 5*time.Millisecond {
		return fmt.Errorf("STROOP_LOGIC_INTERVAL must be in (0, 5ms], got %s", c.LogicInterval)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("STROOP_FRAME_RATE must be positive")
	}
	switch c.Display {
	case "browser", "headless":
	default:
		return fmt.Errorf("invalid STROOP_DISPLAY: %q (expected browser|headless)", c.Display)
	}
	switch c.MarkerSerialEncoding {
	case "raw", "utf8":
	default:
		return fmt.Errorf("invalid MARKER_SERIAL_ENCODING: %q (expected raw|utf8)", c.MarkerSerialEncoding)
	}
	if c.MarkerSerialEnabled && c.MarkerSerialPort == "" {
		return fmt.Errorf("MARKER_SERIAL_PORT is required when MARKER_SERIAL_ENABLED is set")
	}
	if c.MarkerSerialBaud <= 0 {
		return fmt.Errorf("MARKER_SERIAL_BAUD must be positive")
	}
	if c.MarkerPulseWidth < 0 || c.MarkerPulseWidth > 50*time.Millisecond {
		return fmt.Errorf("MARKER_PULSE_WIDTH must be in [0, 50ms], got %s", c.MarkerPulseWidth)
	}
	if c.MarkerOpenAttempts <= 0 {
		return fmt.Errorf("MARKER_OPEN_ATTEMPTS must be positive")
	}
	return nil
}

// FrameInterval is the display refresh period derived from FrameRate.
func (c Config) FrameInterval() time.Duration {
	if c.FrameRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.FrameRate)
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
