package expr

import (
	"math"
	"strings"
)

// maxStringLen caps string results so repetition cannot exhaust memory
const maxStringLen = 1 << 20

func checkedAdd(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func checkedSub(a, b int64) (int64, bool) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, false
	}
	return a - b, true
}

func checkedMul(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	c := a * b
	if c/b != a {
		return 0, false
	}
	return c, true
}

func checkedPow(base, exp int64) (int64, bool) {
	result := int64(1)
	for exp > 0 {
		if exp&1 == 1 {
			var ok bool
			if result, ok = checkedMul(result, base); !ok {
				return 0, false
			}
		}
		exp >>= 1
		if exp > 0 {
			var ok bool
			if base, ok = checkedMul(base, base); !ok {
				return 0, false
			}
		}
	}
	return result, true
}

// floorDiv and floorMod round toward negative infinity, so the remainder
// takes the sign of the divisor.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	r := a % b
	if r != 0 && ((r < 0) != (b < 0)) {
		r += b
	}
	return r
}

func floatMod(a, b float64) float64 {
	r := math.Mod(a, b)
	if r != 0 && ((r < 0) != (b < 0)) {
		r += b
	}
	return r
}

func finite(pos int, op string, f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, evalErr(pos, op, ErrNotFinite)
	}
	return Number(f), nil
}

func arithmetic(pos int, op string, l, r Value) (Value, error) {
	switch {
	case l.IsNumeric() && r.IsNumeric():
		if l.kind == KindInt && r.kind == KindInt {
			return intArithmetic(pos, op, l.i, r.i)
		}
		return floatArithmetic(pos, op, l.AsFloat(), r.AsFloat())

	case op == "+" && l.kind == KindString && r.kind == KindString:
		if len(l.s)+len(r.s) > maxStringLen {
			return Value{}, evalErr(pos, op, ErrOverflow)
		}
		return String(l.s + r.s), nil

	case op == "*" && l.kind == KindString && r.kind == KindInt:
		return repeat(pos, l.s, r.i)

	case op == "*" && l.kind == KindInt && r.kind == KindString:
		return repeat(pos, r.s, l.i)
	}

	return Value{}, operandErr(pos, op, "unsupported operand kinds %s and %s", l.kind, r.kind)
}

func intArithmetic(pos int, op string, a, b int64) (Value, error) {
	var (
		v  int64
		ok = true
	)

	switch op {
	case "+":
		v, ok = checkedAdd(a, b)
	case "-":
		v, ok = checkedSub(a, b)
	case "*":
		v, ok = checkedMul(a, b)
	case "/":
		if b == 0 {
			return Value{}, evalErr(pos, op, ErrDivisionByZero)
		}
		return finite(pos, op, float64(a)/float64(b))
	case "//":
		if b == 0 {
			return Value{}, evalErr(pos, op, ErrDivisionByZero)
		}
		if a == math.MinInt64 && b == -1 {
			return Value{}, evalErr(pos, op, ErrOverflow)
		}
		v = floorDiv(a, b)
	case "%":
		if b == 0 {
			return Value{}, evalErr(pos, op, ErrDivisionByZero)
		}
		if b == -1 {
			return Int(0), nil
		}
		v = floorMod(a, b)
	case "**":
		if b < 0 {
			if a == 0 {
				return Value{}, evalErr(pos, op, ErrDivisionByZero)
			}
			return finite(pos, op, math.Pow(float64(a), float64(b)))
		}
		v, ok = checkedPow(a, b)
	default:
		return Value{}, operandErr(pos, op, "unknown operator")
	}

	if !ok {
		return Value{}, evalErr(pos, op, ErrOverflow)
	}
	return Int(v), nil
}

func floatArithmetic(pos int, op string, a, b float64) (Value, error) {
	switch op {
	case "+":
		return finite(pos, op, a+b)
	case "-":
		return finite(pos, op, a-b)
	case "*":
		return finite(pos, op, a*b)
	case "/":
		if b == 0 {
			return Value{}, evalErr(pos, op, ErrDivisionByZero)
		}
		return finite(pos, op, a/b)
	case "//":
		if b == 0 {
			return Value{}, evalErr(pos, op, ErrDivisionByZero)
		}
		return finite(pos, op, math.Floor(a/b))
	case "%":
		if b == 0 {
			return Value{}, evalErr(pos, op, ErrDivisionByZero)
		}
		return finite(pos, op, floatMod(a, b))
	case "**":
		if a == 0 && b < 0 {
			return Value{}, evalErr(pos, op, ErrDivisionByZero)
		}
		if a < 0 && b != math.Trunc(b) {
			return Value{}, evalErr(pos, op, ErrDomain)
		}
		return finite(pos, op, math.Pow(a, b))
	default:
		return Value{}, operandErr(pos, op, "unknown operator")
	}
}

func repeat(pos int, s string, n int64) (Value, error) {
	if n <= 0 || s == "" {
		return String(""), nil
	}
	if n > int64(maxStringLen/len(s)) {
		return Value{}, evalErr(pos, "*", ErrOverflow)
	}
	return String(strings.Repeat(s, int(n))), nil
}

func equal(l, r Value) bool {
	switch {
	case l.kind == KindInt && r.kind == KindInt:
		return l.i == r.i
	case l.IsNumeric() && r.IsNumeric():
		c, ok := cmpNumeric(l, r)
		return ok && c == 0
	case l.kind == KindString && r.kind == KindString:
		return l.s == r.s
	case l.kind == KindBool && r.kind == KindBool:
		return l.b == r.b
	default:
		return false
	}
}

func compare(pos int, op string, l, r Value) (Value, error) {
	switch op {
	case "==":
		return Bool(equal(l, r)), nil
	case "!=":
		return Bool(!equal(l, r)), nil
	}

	var c int
	switch {
	case l.kind == KindInt && r.kind == KindInt:
		c = cmpOrdered(l.i, r.i)
	case l.IsNumeric() && r.IsNumeric():
		var ok bool
		if c, ok = cmpNumeric(l, r); !ok {
			return Bool(false), nil
		}
	case l.kind == KindString && r.kind == KindString:
		c = strings.Compare(l.s, r.s)
	default:
		return Value{}, operandErr(pos, op, "cannot order %s and %s", l.kind, r.kind)
	}

	switch op {
	case "<":
		return Bool(c < 0), nil
	case "<=":
		return Bool(c <= 0), nil
	case ">":
		return Bool(c > 0), nil
	case ">=":
		return Bool(c >= 0), nil
	}
	return Value{}, operandErr(pos, op, "unknown comparison")
}

// cmpNumeric orders two numeric values without rounding the integer side
// through float64. ok is false when either side is NaN.
func cmpNumeric(l, r Value) (c int, ok bool) {
	switch {
	case l.kind == KindInt && r.kind == KindInt:
		return cmpOrdered(l.i, r.i), true
	case l.kind == KindInt:
		c, ok = cmpIntFloat(l.i, r.f)
		return c, ok
	case r.kind == KindInt:
		c, ok = cmpIntFloat(r.i, l.f)
		return -c, ok
	}
	if math.IsNaN(l.f) || math.IsNaN(r.f) {
		return 0, false
	}
	return cmpOrdered(l.f, r.f), true
}

func cmpIntFloat(i int64, f float64) (int, bool) {
	switch {
	case math.IsNaN(f):
		return 0, false
	case f >= 1<<63:
		return -1, true
	case f < -(1 << 63):
		return 1, true
	}

	t := math.Trunc(f)
	if c := cmpOrdered(i, int64(t)); c != 0 {
		return c, true
	}
	// integer parts match; the fraction decides
	return cmpOrdered(0, f-t), true
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
