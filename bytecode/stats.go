package bytecode

import "github.com/deepnoodle-ai/bytecodedsl/op"

// Stats contains statistics about built bytecode.
// This is useful for auditing programs before execution.
type Stats struct {
	// InstructionCount is the number of instructions (not words).
	InstructionCount int

	// WordCount is the length of the instruction stream.
	WordCount int

	// ConstantCount is the number of constants in the constant pool.
	ConstantCount int

	// HandlerCount is the number of exception handler entries.
	HandlerCount int

	// SiteCount is the number of custom operation call sites.
	SiteCount int

	// UnitCount is the number of nested units referenced as constants.
	UnitCount int

	// FrameSize is the number of value slots a frame needs.
	FrameSize int
}

// GetStats returns statistics about the given code.
func GetStats(c *Code) Stats {
	stats := Stats{
		WordCount:     c.InstructionCount(),
		ConstantCount: c.ConstantCount(),
		HandlerCount:  c.HandlerCount(),
		SiteCount:     c.SiteCount(),
		FrameSize:     c.FrameSize(),
	}
	c.Walk(func(int, op.Code, op.Info) bool {
		stats.InstructionCount++
		return true
	})
	for _, k := range c.constants {
		if _, ok := k.(*Unit); ok {
			stats.UnitCount++
		}
	}
	return stats
}
