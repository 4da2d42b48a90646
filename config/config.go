// Package config loads interpreter settings from TOML files.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

const (
	// DefaultThreshold is the number of invocations plus loop back-edges
	// after which a root is promoted to the cached tier.
	DefaultThreshold = 16

	// DefaultContextCheckInterval is the number of instructions between
	// checks of ctx.Done().
	DefaultContextCheckInterval = 1000
)

// Config is the contents of a bcdsl.toml file.
type Config struct {
	Tiering     Tiering     `toml:"tiering"`
	Interpreter Interpreter `toml:"interpreter"`
	Log         Log         `toml:"log"`
}

// Tiering configures promotion between interpreter tiers.
type Tiering struct {
	Threshold int `toml:"threshold"`
}

// Interpreter configures the dispatch loop.
type Interpreter struct {
	ContextCheckInterval int `toml:"context_check_interval"`
	// Trusted enables the unchecked fast path for instruction sets that
	// allow it.
	Trusted bool `toml:"trusted"`
}

// Log configures the logger built by Logger.
type Log struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Tiering:     Tiering{Threshold: DefaultThreshold},
		Interpreter: Interpreter{ContextCheckInterval: DefaultContextCheckInterval},
		Log:         Log{Level: "warn"},
	}
}

// Parse reads a configuration from TOML text. Missing keys keep their
// defaults.
func Parse(text string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports values outside their allowed range.
func (c *Config) Validate() error {
	if c.Tiering.Threshold < 0 {
		return fmt.Errorf("tiering.threshold must not be negative (got %d)", c.Tiering.Threshold)
	}
	if c.Interpreter.ContextCheckInterval < 0 {
		return fmt.Errorf("interpreter.context_check_interval must not be negative (got %d)",
			c.Interpreter.ContextCheckInterval)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) level() (zerolog.Level, error) {
	if c.Log.Level == "" {
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Logger returns a console logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	level, err := c.level()
	if err != nil {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
