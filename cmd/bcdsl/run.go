package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/vm"
)

// runResult is the JSON form of a run.
type runResult struct {
	Result  any      `json:"result"`
	Yielded []any    `json:"yielded,omitempty"`
	Pending bool     `json:"pending,omitempty"`
	Tier    string   `json:"tier"`
	Trace   []string `json:"trace,omitempty"`
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file> [args...]",
		Short: "Run the entry unit of a file",
		Long: `Run the last unit stored in a file, or the one selected with --unit.

Arguments are passed as int64, float64, bool or string values, whichever
parses first. When the unit yields, execution is resumed with the values
given by --resume, one per yield. A yield without a remaining resume value
ends the run and reports the pending value.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")
			if err := checkFormat(format); err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			trace, _ := cmd.Flags().GetBool("trace")
			reparse := bytecode.Default
			if trace {
				reparse = bytecode.WithInstrumentation
			}
			nodes, err := readUnits(cmd.Context(), v, args[0], reparse)
			if err != nil {
				return err
			}
			selector, _ := cmd.Flags().GetString("unit")
			unit, err := findUnit(nodes, selector)
			if err != nil {
				return err
			}

			interp := vm.New(nodes.Model(), vm.WithConfig(cfg), vm.WithLogger(logger(cfg)))
			root, err := interp.Root(unit)
			if err != nil {
				return err
			}
			var tracer *traceObserver
			if trace {
				tracer = &traceObserver{}
				if err := root.Instrument(tracer); err != nil {
					return err
				}
			}

			resume, _ := cmd.Flags().GetStringSlice("resume")
			out := runResult{}
			result, err := root.Invoke(cmd.Context(), parseValues(args[1:])...)
			for err == nil {
				cont, ok := result.(*vm.ContinuationResult)
				if !ok {
					break
				}
				out.Yielded = append(out.Yielded, cont.Result())
				if len(resume) == 0 {
					out.Pending = true
					result = cont.Result()
					break
				}
				result, err = cont.Resume(cmd.Context(), parseValue(resume[0]))
				resume = resume[1:]
			}
			if err != nil {
				return err
			}
			out.Result = result
			out.Tier = root.Tier().String()
			if tracer != nil {
				out.Trace = tracer.lines()
			}

			if format == "json" {
				text, err := formatOutput(out, format, color.NoColor)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			}
			return printRun(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().String("unit", "", "name or index of the unit to run")
	cmd.Flags().StringSlice("resume", nil, "values passed to successive yields")
	cmd.Flags().Bool("trace", false, "trace tagged operations")
	cmd.Flags().StringP("output", "O", "text", "output format (text, json)")
	return cmd
}

func printRun(w io.Writer, r runResult) error {
	for _, line := range r.Trace {
		fmt.Fprintln(w, line)
	}
	for _, y := range r.Yielded {
		fmt.Fprintf(w, "yield %v\n", y)
	}
	if r.Pending {
		return nil
	}
	text, err := formatOutput(r.Result, "text", true)
	if err != nil {
		return err
	}
	if text != "" {
		fmt.Fprintln(w, text)
	}
	return nil
}

// traceObserver records probe events of tagged operations.
type traceObserver struct {
	vm.NoOpObserver
	mu    sync.Mutex
	trace []string
}

func (t *traceObserver) OnEnter(e vm.ProbeEvent) bool {
	t.add(fmt.Sprintf("enter %s bci=%d", e.Tag, e.Bci))
	return true
}

func (t *traceObserver) OnLeave(e vm.ProbeEvent) bool {
	if e.HasValue {
		t.add(fmt.Sprintf("leave %s bci=%d value=%v", e.Tag, e.Bci, e.Value))
	} else {
		t.add(fmt.Sprintf("leave %s bci=%d", e.Tag, e.Bci))
	}
	return true
}

func (t *traceObserver) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trace = append(t.trace, line)
}

func (t *traceObserver) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.trace...)
}
