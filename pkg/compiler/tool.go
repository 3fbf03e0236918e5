package compiler

import (
	"context"
	"fmt"
	"sort"

	"github.com/harun/exprtools/pkg/descriptor"
	"github.com/harun/exprtools/pkg/expr"
)

// Tool is a compiled descriptor. It is immutable and safe for concurrent use.
type Tool struct {
	name        string
	description string
	source      string
	params      []descriptor.Parameter
	program     *expr.Program
}

// Compile validates d and compiles its expression against the declared
// parameters. Any failure is a *CompileError.
func Compile(d *descriptor.Descriptor) (*Tool, error) {
	if d == nil {
		return nil, &CompileError{Err: fmt.Errorf("nil descriptor")}
	}
	if err := d.Validate(); err != nil {
		return nil, &CompileError{Tool: d.Name, Source: d.Source, Err: err}
	}

	program, err := expr.Compile(d.Expression, d.ParameterNames())
	if err != nil {
		return nil, &CompileError{Tool: d.Name, Source: d.Source, Err: err}
	}

	params := make([]descriptor.Parameter, len(d.Parameters))
	copy(params, d.Parameters)

	return &Tool{
		name:        d.Name,
		description: d.Description,
		source:      d.Source,
		params:      params,
		program:     program,
	}, nil
}

// MustCompile is like Compile but panics on error
func MustCompile(d *descriptor.Descriptor) *Tool {
	t, err := Compile(d)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tool) Name() string        { return t.name }
func (t *Tool) Description() string { return t.description }
func (t *Tool) Source() string      { return t.source }
func (t *Tool) Expression() string  { return t.program.Source() }

// Parameters returns the declared parameters in order
func (t *Tool) Parameters() []descriptor.Parameter {
	out := make([]descriptor.Parameter, len(t.params))
	copy(out, t.params)
	return out
}

// References returns the parameters the expression actually uses
func (t *Tool) References() []string {
	return t.program.References()
}

// Invoke binds args by name, coerces them to the declared types and
// evaluates the expression. The result is an int64, float64, string or bool.
//
// Errors are *ArgumentError, *TypeMismatchError or an error wrapping
// *expr.EvaluationError.
func (t *Tool) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if extra := t.unexpected(args); extra != "" {
		return nil, &ArgumentError{Tool: t.name, Param: extra, Reason: "unexpected argument"}
	}

	env := make(map[string]expr.Value, len(t.params))
	for _, p := range t.params {
		raw, ok := args[p.Name]
		if !ok {
			return nil, &ArgumentError{Tool: t.name, Param: p.Name, Reason: "missing required argument"}
		}
		v, err := coerce(p.Type, raw)
		if err != nil {
			return nil, &TypeMismatchError{Tool: t.name, Param: p.Name, Expected: p.Type, Actual: raw}
		}
		env[p.Name] = v
	}

	result, err := t.program.Eval(env)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", t.name, err)
	}
	return result.Interface(), nil
}

// Call invokes the tool with positional arguments in declared order
func (t *Tool) Call(args ...interface{}) (interface{}, error) {
	if len(args) != len(t.params) {
		return nil, &ArgumentError{
			Tool:   t.name,
			Reason: fmt.Sprintf("takes %d positional arguments, got %d", len(t.params), len(args)),
		}
	}

	named := make(map[string]interface{}, len(args))
	for i, p := range t.params {
		named[p.Name] = args[i]
	}
	return t.Invoke(context.Background(), named)
}

// InputSchema returns the JSON Schema of the tool arguments. Every parameter
// is required and no other properties are allowed.
func (t *Tool) InputSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(t.params))
	required := make([]string, 0, len(t.params))

	for _, p := range t.params {
		prop := map[string]interface{}{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		required = append(required, p.Name)
	}

	return map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

// unexpected returns the first argument name, in sorted order, that is not
// a declared parameter
func (t *Tool) unexpected(args map[string]interface{}) string {
	var extra []string
	for name := range args {
		if !t.declares(name) {
			extra = append(extra, name)
		}
	}
	if len(extra) == 0 {
		return ""
	}
	sort.Strings(extra)
	return extra[0]
}

func (t *Tool) declares(name string) bool {
	for _, p := range t.params {
		if p.Name == name {
			return true
		}
	}
	return false
}
