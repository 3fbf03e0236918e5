package descriptor

import (
	"errors"
	"fmt"
)

// ErrSchema is wrapped by ParseError when the document does not match Schema
var ErrSchema = errors.New("schema validation failed")

// ReasonRead is the ParseError reason for sources that could not be read
const ReasonRead = "failed to read source"

// ParseError reports a descriptor source that could not be turned into a
// Descriptor. The tool it describes is not registered.
type ParseError struct {
	Source string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	source := e.Source
	if source == "" {
		source = "<inline>"
	}
	if e.Err != nil {
		return fmt.Sprintf("descriptor %s: %s: %v", source, e.Reason, e.Err)
	}
	return fmt.Sprintf("descriptor %s: %s", source, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
