package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := color.NoColor
	t.Cleanup(func() { color.NoColor = prev })

	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func build(t *testing.T, program string, extra ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), program+".bc")
	out, err := execute(t, append([]string{"build", program, "-o", path}, extra...)...)
	require.NoError(t, err)
	require.Equal(t, "wrote "+program+" to "+path+"\n", out)
	return path
}

func TestBuildAndRun(t *testing.T) {
	path := build(t, "count")
	out, err := execute(t, "run", path, "5")
	require.NoError(t, err)
	require.Equal(t, "5\n", out)
}

func TestBuildDefaultOutput(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	_, err = execute(t, "build", "sum")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "sum.bc"))
}

func TestUnknownProgram(t *testing.T) {
	_, err := execute(t, "build", "nope", "-o", filepath.Join(t.TempDir(), "x.bc"))
	require.EqualError(t, err, "unknown program nope")
}

func TestRunGenerator(t *testing.T) {
	path := build(t, "generator")

	out, err := execute(t, "run", path, "42")
	require.NoError(t, err)
	require.Equal(t, "yield 43\n", out)

	out, err = execute(t, "run", path, "42", "--resume", "58")
	require.NoError(t, err)
	require.Equal(t, "yield 43\n100\n", out)
}

func TestRunClosure(t *testing.T) {
	path := build(t, "closure")
	out, err := execute(t, "run", path, "2", "3")
	require.NoError(t, err)
	require.Equal(t, "5\n", out)
}

func TestRunJSON(t *testing.T) {
	path := build(t, "count")
	out, err := execute(t, "run", path, "3", "-O", "json", "--no-color", "--threshold", "0")
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, float64(3), result["result"])
	require.Equal(t, "cached", result["tier"])
}

func TestRunTrace(t *testing.T) {
	path := build(t, "sum")
	out, err := execute(t, "run", path, "3", "--trace")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 7)
	require.True(t, strings.HasPrefix(lines[0], "enter total bci="))
	require.Contains(t, lines[1], "value=1")
	require.Contains(t, lines[3], "value=3")
	require.Contains(t, lines[5], "value=6")
	require.Equal(t, "6", lines[6])
}

func TestRunErrors(t *testing.T) {
	path := build(t, "count")

	_, err := execute(t, "run", filepath.Join(t.TempDir(), "missing.bc"))
	require.Error(t, err)

	_, err = execute(t, "run", path, "--unit", "nope")
	require.EqualError(t, err, `no unit named "nope"`)

	_, err = execute(t, "run", path, "--unit", "7")
	require.EqualError(t, err, "unit index out of range: 7")

	_, err = execute(t, "run", path, "3", "-O", "yaml")
	require.EqualError(t, err, "unknown output format: yaml")

	_, err = execute(t, "run", path, "--codec", "gob")
	require.EqualError(t, err, "unknown codec: gob")
}

func TestCBORCodec(t *testing.T) {
	path := build(t, "trycatch", "--codec", "cbor")
	out, err := execute(t, "run", path, "--codec", "cbor")
	require.NoError(t, err)
	require.Equal(t, "2\n", out)
}

func TestDis(t *testing.T) {
	path := build(t, "count")
	out, err := execute(t, "dis", path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "unit(count#0) (locals=1, max_stack="))
	require.Contains(t, out, "LessThan")
	require.NotContains(t, out, "INSTR_ENTER")
}

func TestDisSelectsUnit(t *testing.T) {
	path := build(t, "closure")
	out, err := execute(t, "dis", path, "--unit", "add")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "unit(add#"))
	require.Contains(t, out, "LOAD_LOCAL_MAT")
	require.NotContains(t, out, "unit(makeAdder#")
}

func TestDisInstrumented(t *testing.T) {
	path := build(t, "sum")
	out, err := execute(t, "dis", path, "--instrumented")
	require.NoError(t, err)
	require.Contains(t, out, "INSTR_ENTER")
	require.Contains(t, out, "#total")
}

func TestPrograms(t *testing.T) {
	out, err := execute(t, "programs")
	require.NoError(t, err)
	require.Contains(t, out, "| NAME ")
	require.Contains(t, out, "| generator ")
	require.Contains(t, out, "| 2 3 ")
}

func benchJSON(t *testing.T, args ...string) BenchResult {
	t.Helper()
	out, err := execute(t, append(args, "-O", "json", "--no-color")...)
	require.NoError(t, err)
	var result BenchResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	return result
}

func TestBench(t *testing.T) {
	path := build(t, "count")
	result := benchJSON(t, "bench", path, "10", "--workers", "4", "--iterations", "50", "--warmup", "5")
	require.Equal(t, "unit(count#0)", result.Unit)
	require.Equal(t, 4, result.Workers)
	require.Equal(t, 50, result.Iterations)
	require.Equal(t, "cached", result.Tier)
	require.Equal(t, 1, result.Promotions)
	require.LessOrEqual(t, result.MinNs, result.MedianNs)
	require.LessOrEqual(t, result.MedianNs, result.MaxNs)
	require.Len(t, result.Sites, 2)
	require.Equal(t, "LessThan", result.Sites[0].Operation)
	require.Equal(t, "monomorphic", result.Sites[0].State)
	require.Equal(t, "LessThanInt64s", result.Sites[0].Specialization)
}

func TestBenchText(t *testing.T) {
	path := build(t, "sum")
	out, err := execute(t, "bench", path, "10", "--workers", "2", "--iterations", "10", "--warmup", "0")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "unit(sum#0): 2 workers x 10 iterations\n"))
	require.Contains(t, out, "| ops/sec ")
	require.Contains(t, out, "| SITE | OPERATION |")
}

func TestConfigFile(t *testing.T) {
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "bcdsl.toml"), []byte(`
[tiering]
threshold = 1000000000
`), 0o644))

	path := build(t, "count")
	result := benchJSON(t, "bench", path, "3", "--config", "~/bcdsl.toml", "--workers", "1", "--iterations", "5")
	require.Equal(t, "uncached", result.Tier)
	require.Equal(t, 0, result.Promotions)

	// Flags override the file.
	result = benchJSON(t, "bench", path, "3", "--config", "~/bcdsl.toml", "--threshold", "0",
		"--workers", "1", "--iterations", "5")
	require.Equal(t, "cached", result.Tier)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("BCDSL_THRESHOLD", "1000000000")
	path := build(t, "count")
	result := benchJSON(t, "bench", path, "3", "--workers", "1", "--iterations", "5")
	require.Equal(t, "uncached", result.Tier)

	t.Setenv("BCDSL_LOG_LEVEL", "verbose")
	_, err := execute(t, "run", path, "3")
	require.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(viper.New())
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Tiering.Threshold)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		input string
		want  any
	}{
		{"3", int64(3)},
		{"-7", int64(-7)},
		{"1.5", 1.5},
		{"1e3", 1000.0},
		{"true", true},
		{"false", false},
		{"True", "True"},
		{"hello", "hello"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			require.Equal(t, tt.want, parseValue(tt.input))
		})
	}
}

func TestFormatOutput(t *testing.T) {
	text, err := formatOutput(nil, "text", true)
	require.NoError(t, err)
	require.Empty(t, text)

	text, err = formatOutput(map[string]int{"a": 1}, "json", true)
	require.NoError(t, err)
	require.Equal(t, "{\n  \"a\": 1\n}", text)

	colored, err := formatOutput(map[string]int{"a": 1}, "json", false)
	require.NoError(t, err)
	require.Contains(t, colored, "\"a\"")
}
