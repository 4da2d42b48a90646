package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deepnoodle-ai/bytecodedsl/builder"
	"github.com/deepnoodle-ai/bytecodedsl/internal/table"
	"github.com/deepnoodle-ai/bytecodedsl/lang/calc"
)

func newBuildCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <program>",
		Short: "Serialize a sample program",
		Long: `Serialize the units of a sample program to a file.

The file records the builder calls of the program and can be loaded by the
dis, run and bench commands. Use "bcdsl programs" to list the programs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok := calc.Lookup(args[0])
			if !ok {
				return &calc.UnknownProgramError{Name: args[0]}
			}
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = p.Name + ".bc"
			}
			c, err := codec(v)
			if err != nil {
				return err
			}
			if dir := filepath.Dir(output); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := builder.Serialize(cmd.Context(), calc.Model(), f, c, p.Parser); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s to %s\n", p.Name, output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output file (default <program>.bc)")
	return cmd
}

func newProgramsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "programs",
		Short: "List the sample programs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			var rows [][]string
			for _, name := range calc.Names() {
				p, _ := calc.Lookup(name)
				rows = append(rows, []string{name, formatArgs(p.Args), p.Description})
			}
			table.NewTable(cmd.OutOrStdout()).
				WithHeader([]string{"NAME", "ARGS", "DESCRIPTION"}).
				WithRows(rows).
				Render()
		},
	}
}

func formatArgs(args []any) string {
	s := ""
	for i, a := range args {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%v", a)
	}
	return s
}
