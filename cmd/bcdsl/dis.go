package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/dis"
)

func newDisCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dis <file>",
		Short: "Disassemble serialized units",
		Long: `Print the bytecode of every unit stored in a file.

With --unit only the unit with the given name or build index is printed.
With --instrumented the units are built with instrumentation probes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := bytecode.Default
			if instrumented, _ := cmd.Flags().GetBool("instrumented"); instrumented {
				cfg = bytecode.WithInstrumentation
			}
			nodes, err := readUnits(cmd.Context(), v, args[0], cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if selector, _ := cmd.Flags().GetString("unit"); selector != "" {
				unit, err := findUnit(nodes, selector)
				if err != nil {
					return err
				}
				return dis.Fprint(out, unit)
			}
			for i, unit := range nodes.Units() {
				if i > 0 {
					fmt.Fprintln(out)
				}
				if err := dis.Fprint(out, unit); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().String("unit", "", "name or index of the unit to print")
	cmd.Flags().Bool("instrumented", false, "include instrumentation probes")
	return cmd
}
