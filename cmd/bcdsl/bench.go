package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/internal/table"
	"github.com/deepnoodle-ai/bytecodedsl/vm"
)

// BenchResult holds benchmark statistics
type BenchResult struct {
	Unit          string     `json:"unit"`
	Workers       int        `json:"workers"`
	Iterations    int        `json:"iterations"`
	Warmup        int        `json:"warmup"`
	TotalNs       int64      `json:"total_ns"`
	TotalDuration string     `json:"total_duration"`
	OpsPerSec     float64    `json:"ops_per_sec"`
	MinNs         int64      `json:"min_ns"`
	MaxNs         int64      `json:"max_ns"`
	AvgNs         int64      `json:"avg_ns"`
	MedianNs      int64      `json:"median_ns"`
	P95Ns         int64      `json:"p95_ns"`
	P99Ns         int64      `json:"p99_ns"`
	Tier          string     `json:"tier"`
	Promotions    int        `json:"promotions"`
	Sites         []SiteStat `json:"sites,omitempty"`
}

// SiteStat is the cache state of one custom call site after the run.
type SiteStat struct {
	Index          int     `json:"index"`
	Operation      string  `json:"operation"`
	State          string  `json:"state"`
	Specialization string  `json:"specialization,omitempty"`
	HitRate        float64 `json:"hit_rate"`
}

func newBenchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench <file> [args...]",
		Short: "Benchmark the entry unit of a file",
		Long: `Invoke a unit repeatedly from several goroutines sharing one
interpreter and report latency statistics together with the tier and call
site caches the unit ended up with.`,
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
			nodes, err := readUnits(cmd.Context(), v, args[0], bytecode.Default)
			if err != nil {
				return err
			}
			selector, _ := cmd.Flags().GetString("unit")
			unit, err := findUnit(nodes, selector)
			if err != nil {
				return err
			}
			workers, _ := cmd.Flags().GetInt("workers")
			iterations, _ := cmd.Flags().GetInt("iterations")
			warmup, _ := cmd.Flags().GetInt("warmup")

			interp := vm.New(nodes.Model(), vm.WithConfig(cfg), vm.WithLogger(logger(cfg)))
			root, err := interp.Root(unit)
			if err != nil {
				return err
			}
			result, err := bench(cmd.Context(), root, parseValues(args[1:]), workers, iterations, warmup)
			if err != nil {
				return err
			}
			if format == "json" {
				text, err := formatOutput(result, format, color.NoColor)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			}
			printBench(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().String("unit", "", "name or index of the unit to benchmark")
	cmd.Flags().Int("workers", runtime.GOMAXPROCS(0), "number of concurrent workers")
	cmd.Flags().Int("iterations", 1000, "invocations per worker")
	cmd.Flags().Int("warmup", 100, "untimed invocations before the benchmark")
	cmd.Flags().StringP("output", "O", "text", "output format (text, json)")
	return cmd
}

func bench(ctx context.Context, root *vm.Root, args []any, workers, iterations, warmup int) (*BenchResult, error) {
	if workers <= 0 {
		workers = 1
	}
	if iterations <= 0 {
		iterations = 1000
	}
	if warmup < 0 {
		warmup = 0
	}
	for i := 0; i < warmup; i++ {
		if _, err := root.Invoke(ctx, args...); err != nil {
			return nil, fmt.Errorf("warmup: %w", err)
		}
	}
	runtime.GC()

	durations := make([][]time.Duration, workers)
	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			local := make([]time.Duration, 0, iterations)
			for i := 0; i < iterations; i++ {
				t := time.Now()
				if _, err := root.Invoke(ctx, args...); err != nil {
					return err
				}
				local = append(local, time.Since(t))
			}
			durations[w] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	wall := time.Since(start)

	all := slices.Concat(durations...)
	slices.Sort(all)
	var total time.Duration
	for _, d := range all {
		total += d
	}
	n := len(all)
	stats := root.Stats()
	result := &BenchResult{
		Unit:          root.Unit().String(),
		Workers:       workers,
		Iterations:    iterations,
		Warmup:        warmup,
		TotalNs:       wall.Nanoseconds(),
		TotalDuration: wall.Round(time.Microsecond).String(),
		OpsPerSec:     float64(n) / wall.Seconds(),
		MinNs:         all[0].Nanoseconds(),
		MaxNs:         all[n-1].Nanoseconds(),
		AvgNs:         (total / time.Duration(n)).Nanoseconds(),
		MedianNs:      all[n/2].Nanoseconds(),
		P95Ns:         all[int(float64(n)*0.95)].Nanoseconds(),
		P99Ns:         all[int(float64(n)*0.99)].Nanoseconds(),
		Tier:          stats.Tier.String(),
		Promotions:    stats.Promotions,
	}
	if code := root.Unit().Code(); code != nil {
		for i := 0; i < code.SiteCount(); i++ {
			info := root.Site(i)
			result.Sites = append(result.Sites, SiteStat{
				Index:          i,
				Operation:      code.SiteAt(i).Operation.Name,
				State:          info.State.String(),
				Specialization: info.Specialization,
				HitRate:        info.HitRate(),
			})
		}
	}
	return result, nil
}

func printBench(w io.Writer, r *BenchResult) {
	ns := func(v int64) string {
		return time.Duration(v).Round(time.Microsecond / 10).String()
	}
	fmt.Fprintf(w, "%s: %d workers x %d iterations\n", r.Unit, r.Workers, r.Iterations)
	table.NewTable(w).
		WithColumnAlignment([]table.Alignment{table.AlignLeft, table.AlignRight}).
		WithRows([][]string{
			{"total", r.TotalDuration},
			{"ops/sec", fmt.Sprintf("%.2f", r.OpsPerSec)},
			{"min", ns(r.MinNs)},
			{"max", ns(r.MaxNs)},
			{"avg", ns(r.AvgNs)},
			{"median", ns(r.MedianNs)},
			{"p95", ns(r.P95Ns)},
			{"p99", ns(r.P99Ns)},
			{"tier", r.Tier},
			{"promotions", fmt.Sprintf("%d", r.Promotions)},
		}).
		Render()
	if len(r.Sites) == 0 {
		return
	}
	var rows [][]string
	for _, s := range r.Sites {
		rows = append(rows, []string{
			fmt.Sprintf("%d", s.Index),
			s.Operation,
			s.State,
			s.Specialization,
			fmt.Sprintf("%.1f%%", s.HitRate),
		})
	}
	table.NewTable(w).
		WithHeader([]string{"SITE", "OPERATION", "STATE", "SPECIALIZATION", "HITS"}).
		WithColumnAlignment([]table.Alignment{
			table.AlignRight,
			table.AlignLeft,
			table.AlignLeft,
			table.AlignLeft,
			table.AlignRight,
		}).
		WithRows(rows).
		Render()
}
