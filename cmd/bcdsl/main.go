// Command bcdsl builds, inspects and runs serialized bytecode units of the
// calc instruction set.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

var red = color.New(color.FgRed).SprintFunc()

// newRootCmd assembles the command tree. Every tree owns its viper
// instance so commands can be executed repeatedly in one process.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BCDSL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "bcdsl",
		Short:         "Build, disassemble and run bytecode units",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			processGlobalFlags(v)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a TOML configuration file")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.Int("threshold", 0, "invocations before a root is promoted to the cached tier")
	flags.Bool("trusted", false, "skip operand checks in the dispatch loop")
	flags.String("codec", "standard", "constant codec of serialized units (standard, cbor)")
	flags.Bool("no-color", false, "disable colored output")
	for _, name := range []string{"config", "log-level", "threshold", "trusted", "codec", "no-color"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		newBuildCmd(v),
		newDisCmd(v),
		newRunCmd(v),
		newBenchCmd(v),
		newProgramsCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}
