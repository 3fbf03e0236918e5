package expr

import (
	"fmt"
	"sort"
)

// Program is a parsed and checked expression
type Program struct {
	src  string
	root node
	refs []string
}

// Compile parses src and checks that every identifier is one of params or an
// allow-listed function call.
func Compile(src string, params []string) (*Program, error) {
	root, err := parse(src)
	if err != nil {
		return nil, err
	}

	declared := make(map[string]bool, len(params))
	for _, p := range params {
		declared[p] = true
	}

	seen := make(map[string]bool)
	err = walk(root, func(n node) error {
		switch t := n.(type) {
		case *ident:
			if declared[t.name] {
				seen[t.name] = true
				return nil
			}
			hint := ""
			if IsFunction(t.name) {
				hint = "functions must be called"
			}
			return &UnknownReferenceError{Name: t.name, Pos: t.pos, Hint: hint}

		case *call:
			b, ok := builtins[t.fn]
			if !ok {
				hint := "not an allowed function"
				if declared[t.fn] {
					hint = "parameters are not callable"
				}
				return &UnknownReferenceError{Name: t.fn, Pos: t.pos, Hint: hint}
			}
			if len(t.args) < b.minArgs || (b.maxArgs >= 0 && len(t.args) > b.maxArgs) {
				return &SyntaxError{
					Expr:  src,
					Pos:   t.pos,
					Token: t.fn,
					Msg:   fmt.Sprintf("%s takes %s, got %d", t.fn, arity(b), len(t.args)),
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	sort.Strings(refs)

	return &Program{src: src, root: root, refs: refs}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// static expressions.
func MustCompile(src string, params []string) *Program {
	p, err := Compile(src, params)
	if err != nil {
		panic(err)
	}
	return p
}

// Eval evaluates the program against env
func (p *Program) Eval(env map[string]Value) (Value, error) {
	return eval(p.root, env)
}

// Source returns the expression text
func (p *Program) Source() string {
	return p.src
}

// References returns the sorted parameter names the expression uses
func (p *Program) References() []string {
	out := make([]string, len(p.refs))
	copy(out, p.refs)
	return out
}

func arity(b builtin) string {
	switch {
	case b.maxArgs < 0:
		return fmt.Sprintf("at least %d argument(s)", b.minArgs)
	case b.minArgs == b.maxArgs:
		return fmt.Sprintf("%d argument(s)", b.minArgs)
	default:
		return fmt.Sprintf("%d to %d arguments", b.minArgs, b.maxArgs)
	}
}
