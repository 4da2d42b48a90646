package bytecode

import (
	"fmt"
	"strings"
)

// SourceLocation represents a position in source code.
type SourceLocation struct {
	Line   int // 1-based line number
	Column int // 1-based column number
}

// String returns a formatted string representation of the source location.
func (s SourceLocation) String() string {
	return fmt.Sprintf("%d:%d", s.Line, s.Column)
}

// IsZero returns true if the location has not been set.
func (s SourceLocation) IsZero() bool {
	return s.Line == 0 && s.Column == 0
}

// Source is a named guest source text.
type Source struct {
	Name    string
	Content string
}

// NewSource creates a source.
func NewSource(name, content string) *Source {
	return &Source{Name: name, Content: content}
}

// LocationOf converts a character offset into a line and column.
func (s *Source) LocationOf(offset int) SourceLocation {
	if s == nil || offset < 0 || offset > len(s.Content) {
		return SourceLocation{}
	}
	prefix := s.Content[:offset]
	line := strings.Count(prefix, "\n") + 1
	col := offset - strings.LastIndex(prefix, "\n")
	return SourceLocation{Line: line, Column: col}
}

// SourceSection is a character range in a source.
type SourceSection struct {
	Source *Source
	Start  int
	Length int
}

// Text returns the covered text, or an empty string when unavailable.
func (s SourceSection) Text() string {
	if s.Source == nil || s.Start < 0 || s.Start+s.Length > len(s.Source.Content) {
		return ""
	}
	return s.Source.Content[s.Start : s.Start+s.Length]
}

// Location returns the start position of the section.
func (s SourceSection) Location() SourceLocation {
	return s.Source.LocationOf(s.Start)
}

// String returns "name:line:column".
func (s SourceSection) String() string {
	name := "<unknown>"
	if s.Source != nil {
		name = s.Source.Name
	}
	return fmt.Sprintf("%s:%s", name, s.Location())
}

// SourceMapEntry maps the bytecode range [Start, End) to a source section.
type SourceMapEntry struct {
	Start       int
	End         int
	SourceIndex int
	CharStart   int
	CharLength  int
}
