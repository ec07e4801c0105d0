package pySource

import (
	"fmt"

	"github.com/pkg/errors"
)

// ParseError is returned for source that cannot be understood: broken tokens,
// inconsistent indentation or a missing/invalid migration header.
type ParseError struct {
	File   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s (line %d): %s", e.File, e.Line, e.Reason)
	}
	return fmt.Sprintf("parse error in %s: %s", e.File, e.Reason)
}

func NewParseError(file string, line int, format string, args ...interface{}) *ParseError {
	return &ParseError{File: file, Line: line, Reason: fmt.Sprintf(format, args...)}
}

func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
