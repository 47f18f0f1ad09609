// Package config loads the tfxvm TOML configuration file.
//
// Example:
//
//	data_dir = "./data"
//
//	[log]
//	level = "info"
//
//	[eval]
//	workers = 8
//	policy = "strict"
//	max_steps = 65536
//
//	[rpc]
//	enabled = true
//	addr = ":8899"
//	health_addr = ":8900"
//
//	[capture]
//	enabled = true
//
//	[externs]
//	"frame.render_time" = [12.5]
//	"view.position" = [0, 10, -5, 1]
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fortiblox/tfxvm/pkg/tfx"
	"github.com/fortiblox/tfxvm/pkg/tfx/executor"
	"github.com/fortiblox/tfxvm/pkg/tfx/externs"
)

// ErrConfigInvalid is returned when a configuration fails validation.
var ErrConfigInvalid = errors.New("invalid configuration")

// Config is the top-level configuration.
type Config struct {
	// DataDir is the root directory for the technique store and captures.
	DataDir string `toml:"data_dir"`

	Log     LogConfig     `toml:"log"`
	Eval    EvalConfig    `toml:"eval"`
	RPC     RPCConfig     `toml:"rpc"`
	Capture CaptureConfig `toml:"capture"`

	// Externs are field overrides applied to every frame's extern
	// context, addressed as "slot.field".
	Externs map[string][]float64 `toml:"externs"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of none, critical, error, warning, notice, info, debug.
	Level string `toml:"level"`

	// File is an optional log file path. Empty logs to stderr.
	File string `toml:"file"`
}

// EvalConfig configures the frame evaluator.
type EvalConfig struct {
	Workers  int    `toml:"workers"`
	Policy   string `toml:"policy"`
	MaxSteps uint64 `toml:"max_steps"`
}

// RPCConfig configures the inspector server.
type RPCConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`

	// HealthAddr is the grpc health service address. Empty disables it.
	HealthAddr string `toml:"health_addr"`

	LogRequests    bool     `toml:"log_requests"`
	MaxRequestSize int64    `toml:"max_request_size"`
	MaxBatch       int      `toml:"max_batch"`
	Timeout        Duration `toml:"timeout"`
}

// CaptureConfig configures frame capture.
type CaptureConfig struct {
	Enabled bool `toml:"enabled"`
	NoSync  bool `toml:"no_sync"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	ec := executor.DefaultConfig()
	return Config{
		DataDir: "./data",
		Log:     LogConfig{Level: "notice"},
		Eval: EvalConfig{
			Workers:  ec.Workers,
			Policy:   ec.Policy.String(),
			MaxSteps: ec.MaxSteps,
		},
		RPC: RPCConfig{
			Addr:           ":8899",
			HealthAddr:     ":8900",
			MaxRequestSize: 1 << 20,
			MaxBatch:       64,
			Timeout:        Duration{30 * time.Second},
		},
	}
}

// Load reads a configuration file on top of the defaults. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("%w: %s: unknown keys %s", ErrConfigInvalid, path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if _, err := tfx.ParsePolicy(c.Eval.Policy); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := c.Executor().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if c.RPC.Enabled && c.RPC.Addr == "" {
		return fmt.Errorf("%w: rpc address is required", ErrConfigInvalid)
	}
	if c.RPC.Enabled && c.RPC.Addr == c.RPC.HealthAddr {
		return fmt.Errorf("%w: rpc and health addresses must differ", ErrConfigInvalid)
	}
	if c.RPC.MaxRequestSize <= 0 || c.RPC.MaxBatch < 0 {
		return fmt.Errorf("%w: rpc request limits must be positive", ErrConfigInvalid)
	}
	if _, err := c.ExternContext(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

// Executor returns the frame evaluator configuration. An unparsable policy
// falls back to lenient; Validate reports it.
func (c *Config) Executor() executor.Config {
	policy, err := tfx.ParsePolicy(c.Eval.Policy)
	if err != nil {
		policy = tfx.Lenient
	}
	return executor.Config{
		Workers:  c.Eval.Workers,
		Policy:   policy,
		MaxSteps: c.Eval.MaxSteps,
	}
}

// StorePath returns the technique store directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "techniques")
}

// CapturePath returns the capture database file.
func (c *Config) CapturePath() string {
	return filepath.Join(c.DataDir, "capture", "capture.db")
}

// Verbosity returns the commonlog verbosity for the configured level.
func (c *Config) Verbosity() int {
	v, err := ParseLevel(c.Log.Level)
	if err != nil {
		return 0
	}
	return v
}

// ExternContext builds the per-frame extern context: a fresh context with
// the configured overrides applied.
func (c *Config) ExternContext() (*externs.Context, error) {
	b := externs.NewContextBuilder()
	if err := b.Apply(c.Externs); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

var levels = map[string]int{
	"none":     -4,
	"critical": -3,
	"error":    -2,
	"warning":  -1,
	"notice":   0,
	"info":     1,
	"debug":    2,
}

// ParseLevel converts a level name to a commonlog verbosity.
func ParseLevel(s string) (int, error) {
	v, ok := levels[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return v, nil
}
