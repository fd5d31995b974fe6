// Package config loads veil settings.
//
// Precedence, lowest first: built-in defaults, the YAML file named by --config
// or VEIL_CONFIG, environment variables (a .env file in the working directory
// is loaded into the environment first), then command-line flags applied by
// the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/veil/internal/policy"
)

// Config is the full runtime configuration.
type Config struct {
	// TargetFPS caps how many frames per second are classified.
	TargetFPS int `yaml:"target_fps"`

	// Workers bounds frames processed concurrently.
	Workers int `yaml:"workers"`

	// Engines is the number of classifier subprocesses.
	Engines int `yaml:"engines"`

	// WorkerCommand launches one classifier subprocess.
	WorkerCommand []string `yaml:"worker_command"`

	// FailMode is "open" (unfiltered on classifier failure) or "closed".
	FailMode string `yaml:"fail_mode"`

	// Scheme selects the decision table: nsfw5 or binary.
	Scheme string `yaml:"scheme"`

	// Style is blur or pixelate.
	Style string `yaml:"style"`

	Thresholds policy.Thresholds `yaml:"thresholds"`

	Capture CaptureConfig `yaml:"capture"`
	Overlay OverlayConfig `yaml:"overlay"`
	History HistoryConfig `yaml:"history"`

	LogLevel string `yaml:"log_level"`

	// StopTimeout bounds how long Stop waits for in-flight frames.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// CaptureConfig describes the screen source. An empty Format with a non-empty
// Input reads a video file instead of the screen.
type CaptureConfig struct {
	Format  string `yaml:"format"`
	Input   string `yaml:"input"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Density int    `yaml:"density"`
}

// OverlayConfig picks the render surface: "ffplay" or "log".
type OverlayConfig struct {
	Surface string `yaml:"surface"`
	Title   string `yaml:"title"`
}

// HistoryConfig controls the PostgreSQL event history.
type HistoryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DatabaseURL     string `yaml:"database_url"`
	Buffer          int    `yaml:"buffer"`
	ConnectAttempts uint64 `yaml:"connect_attempts"`
}

// Default returns every built-in value.
func Default() *Config {
	return &Config{
		TargetFPS:     10,
		Workers:       2,
		Engines:       1,
		WorkerCommand: []string{"python3", "-u", "python/classifier.py"},
		FailMode:      "open",
		Scheme:        policy.SchemeNSFW5,
		Style:         string(policy.StyleBlur),
		Thresholds:    policy.DefaultThresholds(),
		Capture: CaptureConfig{
			Width:   1280,
			Height:  720,
			Density: 1,
		},
		Overlay: OverlayConfig{
			Surface: "ffplay",
			Title:   "veil",
		},
		History: HistoryConfig{
			Enabled:         true,
			Buffer:          256,
			ConnectAttempts: 5,
		},
		LogLevel:    "INFO",
		StopTimeout: 5 * time.Second,
	}
}

// Load builds the configuration from defaults, path (or VEIL_CONFIG) and the
// environment.
func Load(path string) (*Config, error) {
	// A missing .env is normal; the process environment is used as is.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("VEIL_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.TargetFPS, err = getEnvInt("VEIL_TARGET_FPS", c.TargetFPS); err != nil {
		return err
	}
	if c.Workers, err = getEnvInt("VEIL_WORKERS", c.Workers); err != nil {
		return err
	}
	if c.Engines, err = getEnvInt("VEIL_ENGINES", c.Engines); err != nil {
		return err
	}
	c.FailMode = getEnv("VEIL_FAIL_MODE", c.FailMode)
	c.LogLevel = getEnv("VEIL_LOG_LEVEL", c.LogLevel)
	c.History.DatabaseURL = getEnv("VEIL_DB_URL", c.History.DatabaseURL)
	return nil
}

// Validate fails fast on values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.TargetFPS < 1 || c.TargetFPS > 120 {
		errs = append(errs, fmt.Errorf("target_fps must be between 1 and 120, got %d", c.TargetFPS))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Engines < 1 {
		errs = append(errs, fmt.Errorf("engines must be at least 1, got %d", c.Engines))
	}
	if len(c.WorkerCommand) == 0 {
		errs = append(errs, errors.New("worker_command must not be empty"))
	}
	if c.FailMode != "open" && c.FailMode != "closed" {
		errs = append(errs, fmt.Errorf("invalid fail_mode '%s'. Must be one of: open, closed", c.FailMode))
	}
	if _, err := policy.ForScheme(c.Scheme, c.Thresholds, policy.Style(c.Style)); err != nil {
		errs = append(errs, err)
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		errs = append(errs, fmt.Errorf("capture size must be positive, got %dx%d", c.Capture.Width, c.Capture.Height))
	}
	if c.Capture.Density < 1 {
		errs = append(errs, fmt.Errorf("capture density must be at least 1, got %d", c.Capture.Density))
	}
	if c.Overlay.Surface != "ffplay" && c.Overlay.Surface != "log" {
		errs = append(errs, fmt.Errorf("invalid overlay surface '%s'. Must be one of: ffplay, log", c.Overlay.Surface))
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level '%s'", c.LogLevel))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive, got %s", c.StopTimeout))
	}
	return errors.Join(errs...)
}

// DatabaseURL resolves the history connection string: explicit value, then
// POSTGRES_* variables, then the local default.
func (c *Config) DatabaseURL() string {
	if c.History.DatabaseURL != "" {
		return c.History.DatabaseURL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := getEnv("POSTGRES_PORT", "5432")
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "postgres://localhost:5432/veil"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, value)
	}
	return n, nil
}
