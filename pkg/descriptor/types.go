package descriptor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harun/exprtools/pkg/expr"
)

var (
	// nameRegex matches tool names accepted by MCP clients
	nameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

	// paramRegex matches identifiers usable inside expressions
	paramRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Type is a declared parameter type
type Type string

const (
	TypeInteger Type = "integer"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
)

// ParseType maps a declared type name to a Type. Unknown names map to
// TypeString and report false.
func ParseType(s string) (Type, bool) {
	switch t := Type(s); t {
	case TypeInteger, TypeString, TypeNumber, TypeBoolean:
		return t, true
	default:
		return TypeString, false
	}
}

// Parameter is one declared tool input
type Parameter struct {
	Name        string
	Type        Type
	Description string

	// DeclaredType is the type text as written in the source, empty when
	// the property had no type.
	DeclaredType string
}

// Fallback reports whether the declared type was unknown and Type was
// defaulted to string.
func (p Parameter) Fallback() bool {
	return p.DeclaredType != string(p.Type)
}

// Descriptor describes one tool loaded from a source document
type Descriptor struct {
	Name        string
	Description string
	Parameters  []Parameter
	Expression  string
	Source      string
	Warnings    []string
}

// ParameterNames returns the parameter names in declared order
func (d *Descriptor) ParameterNames() []string {
	names := make([]string, len(d.Parameters))
	for i, p := range d.Parameters {
		names[i] = p.Name
	}
	return names
}

// Validate checks the invariants Parse enforces. It is used for
// descriptors built in code.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return &ParseError{Source: d.Source, Reason: "name is required"}
	}
	if !nameRegex.MatchString(d.Name) {
		return &ParseError{
			Source: d.Source,
			Reason: fmt.Sprintf("invalid tool name %q (letters, digits, _ and -, at most 64 characters)", d.Name),
		}
	}
	if strings.TrimSpace(d.Expression) == "" {
		return &ParseError{Source: d.Source, Reason: "operation.expression is required"}
	}

	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if err := validateParameterName(p.Name); err != nil {
			return &ParseError{Source: d.Source, Reason: err.Error()}
		}
		if seen[p.Name] {
			return &ParseError{Source: d.Source, Reason: fmt.Sprintf("duplicate parameter %q", p.Name)}
		}
		seen[p.Name] = true

		if _, ok := ParseType(string(p.Type)); !ok {
			return &ParseError{
				Source: d.Source,
				Reason: fmt.Sprintf("parameter %q has unsupported type %q", p.Name, p.Type),
			}
		}
	}

	return nil
}

func validateParameterName(name string) error {
	if !paramRegex.MatchString(name) {
		return fmt.Errorf("invalid parameter name %q (must be an identifier)", name)
	}
	if expr.ReservedWords[name] {
		return fmt.Errorf("parameter name %q is a reserved word", name)
	}
	return nil
}
