package expr

import (
	"fmt"
)

func eval(n node, env map[string]Value) (Value, error) {
	switch t := n.(type) {
	case *literal:
		return t.val, nil

	case *ident:
		v, ok := env[t.name]
		if !ok {
			return Value{}, evalErr(t.pos, t.name, fmt.Errorf("%w %q", ErrUnbound, t.name))
		}
		return v, nil

	case *unary:
		return evalUnary(t, env)

	case *binary:
		return evalBinary(t, env)

	case *call:
		return evalCall(t, env)
	}

	return Value{}, evalErr(n.position(), "expression", fmt.Errorf("unsupported node %T", n))
}

func evalUnary(n *unary, env map[string]Value) (Value, error) {
	x, err := eval(n.x, env)
	if err != nil {
		return Value{}, err
	}

	switch n.op {
	case "not":
		if x.kind != KindBool {
			return Value{}, operandErr(n.pos, "not", "expected a boolean, got %s", x.kind)
		}
		return Bool(!x.b), nil

	case "-":
		switch x.kind {
		case KindInt:
			v, ok := checkedSub(0, x.i)
			if !ok {
				return Value{}, evalErr(n.pos, "-", ErrOverflow)
			}
			return Int(v), nil
		case KindNumber:
			return Number(-x.f), nil
		}

	case "+":
		if x.IsNumeric() {
			return x, nil
		}
	}

	return Value{}, operandErr(n.pos, n.op, "unsupported operand kind %s", x.kind)
}

func evalBinary(n *binary, env map[string]Value) (Value, error) {
	l, err := eval(n.l, env)
	if err != nil {
		return Value{}, err
	}

	if n.op == "and" || n.op == "or" {
		if l.kind != KindBool {
			return Value{}, operandErr(n.pos, n.op, "expected a boolean, got %s", l.kind)
		}
		if (n.op == "and" && !l.b) || (n.op == "or" && l.b) {
			return l, nil
		}
		r, err := eval(n.r, env)
		if err != nil {
			return Value{}, err
		}
		if r.kind != KindBool {
			return Value{}, operandErr(n.pos, n.op, "expected a boolean, got %s", r.kind)
		}
		return r, nil
	}

	r, err := eval(n.r, env)
	if err != nil {
		return Value{}, err
	}

	if comparisonOps[n.op] {
		return compare(n.pos, n.op, l, r)
	}
	return arithmetic(n.pos, n.op, l, r)
}

func evalCall(n *call, env map[string]Value) (Value, error) {
	if n.fn == ifFunc {
		cond, err := eval(n.args[0], env)
		if err != nil {
			return Value{}, err
		}
		if cond.kind != KindBool {
			return Value{}, operandErr(n.pos, ifFunc, "condition must be a boolean, got %s", cond.kind)
		}
		if cond.b {
			return eval(n.args[1], env)
		}
		return eval(n.args[2], env)
	}

	b, ok := builtins[n.fn]
	if !ok {
		return Value{}, evalErr(n.pos, n.fn, fmt.Errorf("unknown function %q", n.fn))
	}

	args := make([]Value, len(n.args))
	for i, arg := range n.args {
		v, err := eval(arg, env)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}
	return b.fn(n.pos, n.fn, args)
}
