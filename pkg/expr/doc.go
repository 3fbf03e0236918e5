// Package expr implements the restricted expression language used by tool
// descriptors.
//
// Expressions are parsed into a small AST, checked against the declared
// parameter names and evaluated against bound values. There is no access to
// anything outside the bound parameters and a fixed set of pure functions.
//
// Invariants:
// - Every identifier in a compiled Program is a parameter or an allow-listed function.
// - A Program is immutable and safe for concurrent Eval calls.
// - Runtime faults surface as *EvaluationError, never as panics.
//
// Usage:
//
//	prog, err := expr.Compile("a + b * 2", []string{"a", "b"})
//	if err != nil {
//		return err
//	}
//	v, err := prog.Eval(map[string]expr.Value{"a": expr.Int(1), "b": expr.Int(2)})
package expr
