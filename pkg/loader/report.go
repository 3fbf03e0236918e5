package loader

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/harun/exprtools/pkg/compiler"
	"github.com/harun/exprtools/pkg/descriptor"
	"github.com/harun/exprtools/pkg/expr"
)

// Failure kinds reported by SourceError.Kind
const (
	KindRead             = "read"
	KindParse            = "parse"
	KindSchema           = "schema"
	KindSyntax           = "syntax"
	KindUnknownReference = "unknown_reference"
	KindInternal         = "internal"
)

// SourceError is a descriptor source that was not registered. Err is a
// *descriptor.ParseError or *compiler.CompileError and already names the
// source.
type SourceError struct {
	Source string
	Tool   string
	Err    error
}

func (e *SourceError) Error() string {
	return e.Err.Error()
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Kind classifies the failure for logs and metrics
func (e *SourceError) Kind() string {
	var (
		synErr   *expr.SyntaxError
		refErr   *expr.UnknownReferenceError
		parseErr *descriptor.ParseError
	)

	switch {
	case errors.As(e.Err, &synErr):
		return KindSyntax
	case errors.As(e.Err, &refErr):
		return KindUnknownReference
	case errors.Is(e.Err, descriptor.ErrSchema):
		return KindSchema
	case errors.As(e.Err, &parseErr):
		if parseErr.Reason == descriptor.ReasonRead {
			return KindRead
		}
		return KindParse
	default:
		return KindInternal
	}
}

// Warning is a non-fatal load finding
type Warning interface {
	error
	Kind() string
}

// TypeFallbackWarning reports a parameter whose declared type was unknown and
// was typed as string
type TypeFallbackWarning struct {
	Source       string
	Tool         string
	Param        string
	DeclaredType string
}

func (w *TypeFallbackWarning) Error() string {
	declared := w.DeclaredType
	if declared == "" {
		declared = "<none>"
	}
	return fmt.Sprintf("%s: tool %q parameter %q declares unknown type %q, using string",
		w.Source, w.Tool, w.Param, declared)
}

func (w *TypeFallbackWarning) Kind() string { return "type_fallback" }

// DuplicateNameWarning reports a tool name registered more than once. The
// later registration wins.
type DuplicateNameWarning struct {
	Tool           string
	Source         string
	PreviousSource string
}

func (w *DuplicateNameWarning) Error() string {
	return fmt.Sprintf("tool %q from %s replaces the one from %s", w.Tool, w.Source, w.PreviousSource)
}

func (w *DuplicateNameWarning) Kind() string { return "duplicate_name" }

// Report summarizes one load pass
type Report struct {
	// Generation identifies the pass in logs
	Generation string
	Sources    []string
	// Registered lists tool names in registration order
	Registered []string
	Failures   []*SourceError
	Warnings   []Warning
	Duration   time.Duration
	// Version is the registry snapshot version published by the pass
	Version uint64
}

// Err combines all failures, or returns nil
func (r *Report) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, f)
	}
	return err
}

// OK reports whether every source was registered
func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

func (r *Report) failureKinds() map[string]int {
	kinds := make(map[string]int)
	for _, f := range r.Failures {
		kinds[f.Kind()]++
	}
	return kinds
}

func (r *Report) warningKinds() map[string]int {
	kinds := make(map[string]int)
	for _, w := range r.Warnings {
		kinds[w.Kind()]++
	}
	return kinds
}

func toolName(err error) string {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return compileErr.Tool
	}
	return ""
}
