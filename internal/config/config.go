// Package config loads and validates the multiplexer's configuration
// document: named inputs, output PIDs, arbiter timers, and health
// thresholds, with environment-variable overrides layered on top of the
// parsed YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Sentinel errors for the fatal configuration categories: these prevent
// startup entirely and are never retried.
var (
	ErrInvalidConfig       = errors.New("config: invalid configuration")
	ErrFallbackUnavailable = errors.New("config: no fallback input configured")
	ErrNotAFIFO            = errors.New("config: output.pipe is not a named pipe")
)

// Role identifies an input's part in arbitration.
type Role string

const (
	RoleLive     Role = "live"
	RoleFallback Role = "fallback"
)

// Input describes one upstream source.
type Input struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Role   Role   `yaml:"role"`
}

// Output describes the normalized output PIDs and destination pipe.
type Output struct {
	Pipe          string `yaml:"pipe"`
	PIDVideo      uint16 `yaml:"pid_video"`
	PIDAudio      uint16 `yaml:"pid_audio"`
	PIDPMT        uint16 `yaml:"pid_pmt"`
	ProgramNumber uint16 `yaml:"program_number"`
}

// Splice holds the arbiter's dwell/tolerance timers, in milliseconds.
type Splice struct {
	MinDwellMS       int64 `yaml:"min_dwell_ms"`
	RecoveryDwellMS  int64 `yaml:"recovery_dwell_ms"`
	LossToleranceMS  int64 `yaml:"loss_tolerance_ms"`
	AllowAudioDrop   bool  `yaml:"allow_audio_drop"`
}

// Health holds the per-input liveness thresholds.
type Health struct {
	MaxDataAgeMS       int64   `yaml:"max_data_age_ms"`
	MinBitrateBPS      float64 `yaml:"min_bitrate_bps"`
	BitrateWindowSec   float64 `yaml:"bitrate_window_seconds"`
}

// Log holds logging configuration.
type Log struct {
	Level string `yaml:"level"`
}

// Config is the top-level document.
type Config struct {
	Inputs []Input `yaml:"inputs"`
	Output Output  `yaml:"output"`
	Splice Splice  `yaml:"splice"`
	Health Health  `yaml:"health"`
	Log    Log     `yaml:"log"`
}

// defaults mirrors the default values named in the timer and health
// sections; applied before env overrides and validation.
func defaults() Config {
	return Config{
		Output: Output{
			PIDVideo:      0x100,
			PIDAudio:      0x101,
			PIDPMT:        0x1000,
			ProgramNumber: 1,
		},
		Splice: Splice{
			MinDwellMS:      3000,
			RecoveryDwellMS: 2000,
			LossToleranceMS: 2000,
		},
		Health: Health{
			MaxDataAgeMS:     3000,
			BitrateWindowSec: 3,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads and parses a YAML document at path, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides layers TSSPLICE_-prefixed environment variables over
// the parsed document. Only the scalar fields an operator would reasonably
// want to flip per-deployment (without editing the file) are covered.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("TSSPLICE_OUTPUT_PIPE"); ok {
		cfg.Output.Pipe = v
	}
	if v, ok := os.LookupEnv("TSSPLICE_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := envInt64("TSSPLICE_SPLICE_MIN_DWELL_MS"); ok {
		cfg.Splice.MinDwellMS = v
	}
	if v, ok := envInt64("TSSPLICE_SPLICE_RECOVERY_DWELL_MS"); ok {
		cfg.Splice.RecoveryDwellMS = v
	}
	if v, ok := envInt64("TSSPLICE_SPLICE_LOSS_TOLERANCE_MS"); ok {
		cfg.Splice.LossToleranceMS = v
	}
	if v, ok := envInt64("TSSPLICE_HEALTH_MAX_DATA_AGE_MS"); ok {
		cfg.Health.MaxDataAgeMS = v
	}
	if v, ok := os.LookupEnv("TSSPLICE_SPLICE_ALLOW_AUDIO_DROP"); ok {
		cfg.Splice.AllowAudioDrop = v == "1" || v == "true"
	}
}

func envInt64(name string) (int64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations that would prevent startup, per the
// fatal error category: missing fallback, duplicate roles/PIDs, or
// missing paths.
func (c *Config) Validate() error {
	if c.Output.Pipe == "" {
		return fmt.Errorf("%w: output.pipe is required", ErrInvalidConfig)
	}
	if fi, err := os.Stat(c.Output.Pipe); err == nil && fi.Mode()&os.ModeNamedPipe == 0 {
		return fmt.Errorf("%w: %s", ErrNotAFIFO, c.Output.Pipe)
	}
	if len(c.Inputs) == 0 {
		return fmt.Errorf("%w: at least one input is required", ErrInvalidConfig)
	}

	var hasFallback bool
	seenNames := make(map[string]bool)
	seenRoles := make(map[Role]string)
	for _, in := range c.Inputs {
		if in.Name == "" {
			return fmt.Errorf("%w: input missing a name", ErrInvalidConfig)
		}
		if seenNames[in.Name] {
			return fmt.Errorf("%w: duplicate input name %q", ErrInvalidConfig, in.Name)
		}
		seenNames[in.Name] = true

		if in.Source == "" {
			return fmt.Errorf("%w: input %q missing a source", ErrInvalidConfig, in.Name)
		}
		switch in.Role {
		case RoleLive, RoleFallback:
		default:
			return fmt.Errorf("%w: input %q has unrecognized role %q", ErrInvalidConfig, in.Name, in.Role)
		}
		if prior, ok := seenRoles[in.Role]; ok {
			return fmt.Errorf("%w: inputs %q and %q both declare role %q; only one input per role is allowed", ErrInvalidConfig, prior, in.Name, in.Role)
		}
		seenRoles[in.Role] = in.Name
		if in.Role == RoleFallback {
			hasFallback = true
		}
	}
	if !hasFallback {
		return fmt.Errorf("%w: configuration must name exactly one fallback input", ErrFallbackUnavailable)
	}

	pids := map[uint16]string{
		c.Output.PIDVideo: "pid_video",
		c.Output.PIDAudio: "pid_audio",
		c.Output.PIDPMT:   "pid_pmt",
	}
	if len(pids) != 3 {
		return fmt.Errorf("%w: output.pid_video, output.pid_audio, output.pid_pmt must be distinct", ErrInvalidConfig)
	}

	if c.Splice.MinDwellMS < 0 || c.Splice.RecoveryDwellMS < 0 || c.Splice.LossToleranceMS < 0 {
		return fmt.Errorf("%w: splice timers must be non-negative", ErrInvalidConfig)
	}
	if c.Health.MaxDataAgeMS <= 0 {
		return fmt.Errorf("%w: health.max_data_age_ms must be positive", ErrInvalidConfig)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level must be one of debug|info|warn|error, got %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}
