package expr

import (
	"errors"
	"fmt"
)

var (
	// ErrDivisionByZero is returned when the right operand of /, // or % is zero
	ErrDivisionByZero = errors.New("division by zero")

	// ErrOverflow is returned when an integer result does not fit in 64 bits
	ErrOverflow = errors.New("integer overflow")

	// ErrDomain is returned when a math function is called outside its domain
	ErrDomain = errors.New("math domain error")

	// ErrNotFinite is returned when a number result is NaN or infinite
	ErrNotFinite = errors.New("result is not a finite number")

	// ErrOperand is returned when an operator or function receives a value of the wrong kind
	ErrOperand = errors.New("invalid operand")

	// ErrUnbound is returned when Eval is called without a value for a referenced parameter
	ErrUnbound = errors.New("unbound parameter")
)

// SyntaxError reports a malformed expression
type SyntaxError struct {
	Expr  string
	Pos   int
	Token string
	Msg   string
}

func (e *SyntaxError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("syntax error at position %d: %s", e.Pos+1, e.Msg)
	}
	return fmt.Sprintf("syntax error at position %d near %q: %s", e.Pos+1, e.Token, e.Msg)
}

// UnknownReferenceError reports an identifier that is neither a declared
// parameter nor an allow-listed function
type UnknownReferenceError struct {
	Name string
	Pos  int
	Hint string
}

func (e *UnknownReferenceError) Error() string {
	msg := fmt.Sprintf("unknown reference %q at position %d", e.Name, e.Pos+1)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// EvaluationError reports a runtime fault while evaluating a Program
type EvaluationError struct {
	Pos int
	Op  string
	Err error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %s at position %d: %v", e.Op, e.Pos+1, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

func evalErr(pos int, op string, err error) *EvaluationError {
	return &EvaluationError{Pos: pos, Op: op, Err: err}
}

func operandErr(pos int, op string, format string, args ...interface{}) *EvaluationError {
	return evalErr(pos, op, fmt.Errorf("%w: %s", ErrOperand, fmt.Sprintf(format, args...)))
}
