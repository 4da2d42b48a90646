// Package dis disassembles bytecode units into a readable listing. It
// decodes the instruction stream with the opcode table from the op package
// and resolves immediates against the code's side tables.
package dis

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/bytecodedsl/bytecode"
	"github.com/deepnoodle-ai/bytecodedsl/internal/table"
	"github.com/deepnoodle-ai/bytecodedsl/op"
)

// Instruction represents a single bytecode instruction and its operands.
type Instruction struct {
	Offset     int
	Name       string
	Opcode     op.Code
	Operands   []int
	Annotation string
	Constant   any
	HasConst   bool
}

// Disassemble returns a parsed representation of the given bytecode.
func Disassemble(code *bytecode.Code) ([]Instruction, error) {
	var instructions []Instruction
	var err error
	code.Walk(func(bci int, opcode op.Code, info op.Info) bool {
		if !info.Valid() {
			err = fmt.Errorf("unknown opcode %d at offset %d", opcode, bci)
			return false
		}
		if bci+info.Length() > code.InstructionCount() {
			err = fmt.Errorf("truncated %s at offset %d", info.Name, bci)
			return false
		}
		instr := Instruction{
			Offset: bci,
			Name:   info.Name,
			Opcode: opcode,
		}
		for i := range info.Immediates {
			instr.Operands = append(instr.Operands, code.ImmediateAt(bci, i))
		}
		if err = annotate(code, &instr, info); err != nil {
			return false
		}
		instructions = append(instructions, instr)
		return true
	})
	if err != nil {
		return nil, err
	}
	return instructions, nil
}

func annotate(code *bytecode.Code, instr *Instruction, info op.Info) error {
	var notes []string
	for i, kind := range info.Immediates {
		v := instr.Operands[i]
		switch kind {
		case op.ImmConstant:
			if v >= code.ConstantCount() {
				return fmt.Errorf("constant index out of range: %d", v)
			}
			instr.Constant = code.ConstantAt(v)
			instr.HasConst = true
		case op.ImmLocal:
			name, err := localName(code, v)
			if err != nil {
				return err
			}
			notes = append(notes, name)
		case op.ImmFrameLocal:
			notes = append(notes, fmt.Sprintf("outer.local_%d", v))
		case op.ImmArgument:
			notes = append(notes, fmt.Sprintf("arg_%d", v))
		case op.ImmBranchTarget:
			notes = append(notes, fmt.Sprintf("-> %d", v))
		case op.ImmSite:
			if v >= code.SiteCount() {
				return fmt.Errorf("site index out of range: %d", v)
			}
			notes = append(notes, code.SiteAt(v).Operation.Name)
		case op.ImmProbe:
			if v >= code.ProbeCount() {
				return fmt.Errorf("probe index out of range: %d", v)
			}
			notes = append(notes, "#"+code.ProbeAt(v).Tag)
		}
	}
	instr.Annotation = strings.Join(notes, " ")
	return nil
}

func localName(code *bytecode.Code, index int) (string, error) {
	if code.LocalCount() <= index {
		return "", fmt.Errorf("local variable index out of range: %d", index)
	}
	if name := code.LocalNameAt(index); name != "" {
		return name, nil
	}
	return fmt.Sprintf("local_%d", index), nil
}

var (
	bold    = color.New(color.Bold).SprintFunc()
	italic  = color.New(color.Italic).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
	cyan    = color.New(color.FgHiCyan).SprintFunc()
)

func formatConstant(c any) string {
	switch c := c.(type) {
	case nil:
		return italic("nil")
	case int64:
		return yellow(fmt.Sprintf("%d", c))
	case float64:
		return yellow(fmt.Sprintf("%g", c))
	case string:
		if len(c) > 80 {
			c = c[:77] + "..."
		}
		return green(fmt.Sprintf("%q", c))
	case *bytecode.Unit:
		name := c.Name()
		if name == "" {
			name = italic("<anonymous>")
		}
		return magenta(fmt.Sprintf("unit:%s", name))
	default:
		return bold(fmt.Sprintf("%v", c))
	}
}

// Print a string representation of the given instructions to the given writer.
func Print(instructions []Instruction, writer io.Writer) {
	var lines [][]string
	for _, instr := range instructions {
		values := []string{
			fmt.Sprintf("%d", instr.Offset),
			bold(instr.Name),
			formatOperands(instr.Operands),
		}
		switch {
		case instr.HasConst:
			values = append(values, formatConstant(instr.Constant))
		case instr.Annotation != "":
			values = append(values, cyan(instr.Annotation))
		default:
			values = append(values, "")
		}
		lines = append(lines, values)
	}

	table.NewTable(writer).
		WithHeader([]string{"OFFSET", "OPCODE", "OPERANDS", "INFO"}).
		WithColumnAlignment([]table.Alignment{
			table.AlignRight,
			table.AlignLeft,
			table.AlignRight,
			table.AlignLeft,
		}).
		WithHeaderAlignment([]table.Alignment{
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
		}).
		WithRows(lines).
		Render()
}

// PrintHandlers writes the exception handler table of code. Nothing is
// written when the code has no handlers.
func PrintHandlers(code *bytecode.Code, writer io.Writer) {
	if code.HandlerCount() == 0 {
		return
	}
	var lines [][]string
	for i := 0; i < code.HandlerCount(); i++ {
		h := code.HandlerAt(i)
		local, err := localName(code, h.ExceptionLocal)
		if err != nil {
			local = fmt.Sprintf("local_%d", h.ExceptionLocal)
		}
		lines = append(lines, []string{
			fmt.Sprintf("%d", h.Start),
			fmt.Sprintf("%d", h.End),
			fmt.Sprintf("%d", h.Handler),
			fmt.Sprintf("%d", h.StackDepth),
			local,
		})
	}
	table.NewTable(writer).
		WithHeader([]string{"START", "END", "HANDLER", "DEPTH", "LOCAL"}).
		WithColumnAlignment([]table.Alignment{
			table.AlignRight,
			table.AlignRight,
			table.AlignRight,
			table.AlignRight,
			table.AlignLeft,
		}).
		WithRows(lines).
		Render()
}

// Fprint writes the listing of a unit: its name, the instructions and the
// handler table.
func Fprint(writer io.Writer, unit *bytecode.Unit) error {
	code := unit.Code()
	if code == nil {
		return fmt.Errorf("%s has no code", unit)
	}
	instructions, err := Disassemble(code)
	if err != nil {
		return fmt.Errorf("%s: %w", unit, err)
	}
	stats := bytecode.GetStats(code)
	fmt.Fprintf(writer, "%s (locals=%d, max_stack=%d, instructions=%d, constants=%d, sites=%d)\n",
		unit, code.LocalCount(), code.MaxStack(), stats.InstructionCount, stats.ConstantCount, stats.SiteCount)
	Print(instructions, writer)
	PrintHandlers(code, writer)
	return nil
}

func formatOperands(ops []int) string {
	var sb strings.Builder
	for i, op := range ops {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%d", op))
	}
	return sb.String()
}
