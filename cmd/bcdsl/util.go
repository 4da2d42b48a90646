package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/hokaccha/go-prettyjson"
	"github.com/mattn/go-isatty"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/deepnoodle-ai/bytecodedsl/builder"
	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/config"
	"github.com/deepnoodle-ai/bytecodedsl/lang/calc"
	"github.com/deepnoodle-ai/bytecodedsl/serialization"
)

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Reads global flags from Viper and adjusts the environment accordingly.
func processGlobalFlags(v *viper.Viper) {
	if v.GetBool("no-color") || !isTerminal(os.Stdout) {
		color.NoColor = true
	}
}

// loadConfig reads the configuration file, if any, and applies flag and
// environment overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		if cfg, err = config.Load(expanded); err != nil {
			return nil, err
		}
	}
	if v.IsSet("log-level") && v.GetString("log-level") != "" {
		cfg.Log.Level = v.GetString("log-level")
	}
	if v.IsSet("threshold") {
		cfg.Tiering.Threshold = v.GetInt("threshold")
	}
	if v.IsSet("trusted") {
		cfg.Interpreter.Trusted = v.GetBool("trusted")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logger(cfg *config.Config) zerolog.Logger {
	return cfg.Logger(os.Stderr)
}

func codec(v *viper.Viper) (serialization.Codec, error) {
	switch name := strings.ToLower(v.GetString("codec")); name {
	case "", "standard":
		return serialization.StandardCodec{}, nil
	case "cbor":
		return serialization.NewCBORCodec(), nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

// readUnits deserializes the calc units stored in path.
func readUnits(ctx context.Context, v *viper.Viper, path string, cfg bytecode.ReparseConfig) (*builder.Nodes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := codec(v)
	if err != nil {
		return nil, err
	}
	opts := []builder.Option{}
	if conf, err := loadConfig(v); err == nil {
		opts = append(opts, builder.WithLogger(logger(conf)))
	}
	return builder.Deserialize(ctx, calc.Model(), cfg, func() (io.Reader, error) {
		return bytes.NewReader(data), nil
	}, c, opts...)
}

// findUnit returns the unit named by selector, which is a root name or a
// build index. An empty selector selects the last unit.
func findUnit(nodes *builder.Nodes, selector string) (*bytecode.Unit, error) {
	if selector == "" {
		return nodes.Last(), nil
	}
	if idx, err := strconv.Atoi(selector); err == nil {
		if idx < 0 || idx >= nodes.Count() {
			return nil, fmt.Errorf("unit index out of range: %d", idx)
		}
		return nodes.Unit(idx), nil
	}
	for _, u := range nodes.Units() {
		if u.Name() == selector {
			return u, nil
		}
	}
	return nil, fmt.Errorf("no unit named %q", selector)
}

// parseValue converts a command line argument to the most specific calc
// value: int64, float64, bool or string.
func parseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

func parseValues(args []string) []any {
	values := make([]any, len(args))
	for i, a := range args {
		values[i] = parseValue(a)
	}
	return values
}

func checkFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("unknown output format: %s", format)
}

func formatOutput(v any, format string, noColor bool) (string, error) {
	switch strings.ToLower(format) {
	case "", "text":
		if v == nil {
			return "", nil
		}
		return fmt.Sprintf("%v", v), nil
	case "json":
		var out []byte
		var err error
		if noColor {
			out, err = json.MarshalIndent(v, "", "  ")
		} else {
			out, err = prettyjson.Marshal(v)
		}
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown output format: %s", format)
	}
}
