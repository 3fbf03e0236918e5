package compiler

import (
	"fmt"

	"github.com/harun/exprtools/pkg/descriptor"
)

// CompileError reports a descriptor whose expression could not be compiled.
// Err is the underlying *expr.SyntaxError, *expr.UnknownReferenceError or
// *descriptor.ParseError.
type CompileError struct {
	Tool   string
	Source string
	Err    error
}

func (e *CompileError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("compile tool %q (%s): %v", e.Tool, e.Source, e.Err)
	}
	return fmt.Sprintf("compile tool %q: %v", e.Tool, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// TypeMismatchError reports an argument that cannot be coerced to the
// declared parameter type
type TypeMismatchError struct {
	Tool     string
	Param    string
	Expected descriptor.Type
	Actual   interface{}
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("tool %q: parameter %q expects %s, got %s", e.Tool, e.Param, e.Expected, describe(e.Actual))
}

// ArgumentError reports a missing or unexpected argument. Param is empty
// when the argument count is wrong.
type ArgumentError struct {
	Tool   string
	Param  string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("tool %q: %s %q", e.Tool, e.Reason, e.Param)
}

func describe(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("string %q", x)
	default:
		return fmt.Sprintf("%T %v", v, v)
	}
}
