package expr

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// builtin is an allow-listed pure function. maxArgs < 0 means variadic.
type builtin struct {
	minArgs int
	maxArgs int
	fn      func(pos int, name string, args []Value) (Value, error)
}

// ifFunc is evaluated lazily by the evaluator and only arity-checked here
const ifFunc = "if"

var builtins = map[string]builtin{
	"abs":    {1, 1, builtinAbs},
	"min":    {1, -1, builtinMinMax},
	"max":    {1, -1, builtinMinMax},
	"round":  {1, 2, builtinRound},
	"floor":  {1, 1, builtinFloorCeil},
	"ceil":   {1, 1, builtinFloorCeil},
	"sqrt":   {1, 1, builtinSqrt},
	"pow":    {2, 2, builtinPow},
	"concat": {1, -1, builtinConcat},
	"len":    {1, 1, builtinLen},
	"upper":  {1, 1, builtinCase},
	"lower":  {1, 1, builtinCase},
	"str":    {1, 1, builtinStr},
	"int":    {1, 1, builtinInt},
	"float":  {1, 1, builtinFloat},
	ifFunc:   {3, 3, nil},
}

// Functions returns the sorted names of the allow-listed functions
func Functions() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsFunction reports whether name is an allow-listed function
func IsFunction(name string) bool {
	_, ok := builtins[name]
	return ok
}

func builtinAbs(pos int, name string, args []Value) (Value, error) {
	v := args[0]
	switch v.kind {
	case KindInt:
		if v.i == math.MinInt64 {
			return Value{}, evalErr(pos, name, ErrOverflow)
		}
		if v.i < 0 {
			return Int(-v.i), nil
		}
		return v, nil
	case KindNumber:
		return Number(math.Abs(v.f)), nil
	}
	return Value{}, operandErr(pos, name, "expected a number, got %s", v.kind)
}

func builtinMinMax(pos int, name string, args []Value) (Value, error) {
	best := args[0]
	if !best.IsNumeric() && best.kind != KindString {
		return Value{}, operandErr(pos, name, "cannot order %s", best.kind)
	}

	for _, v := range args[1:] {
		res, err := compare(pos, "<", v, best)
		if err != nil {
			return Value{}, operandErr(pos, name, "cannot order %s and %s", v.kind, best.kind)
		}
		less := res.b
		if (name == "min" && less) || (name == "max" && !less && !equal(v, best)) {
			best = v
		}
	}
	return best, nil
}

func builtinRound(pos int, name string, args []Value) (Value, error) {
	v := args[0]
	if !v.IsNumeric() {
		return Value{}, operandErr(pos, name, "expected a number, got %s", v.kind)
	}

	if len(args) == 1 {
		if v.kind == KindInt {
			return v, nil
		}
		return toInt(pos, name, math.RoundToEven(v.f))
	}

	digits := args[1]
	if digits.kind != KindInt {
		return Value{}, operandErr(pos, name, "digits must be an integer, got %s", digits.kind)
	}
	if v.kind == KindInt && digits.i >= 0 {
		return v, nil
	}
	if digits.i > 308 || digits.i < -308 {
		return Value{}, evalErr(pos, name, ErrDomain)
	}

	if digits.i >= 0 {
		// round the exact decimal expansion, half to even
		rounded, err := strconv.ParseFloat(strconv.FormatFloat(v.AsFloat(), 'f', int(digits.i), 64), 64)
		if err != nil {
			return Value{}, evalErr(pos, name, err)
		}
		return finite(pos, name, rounded)
	}

	scale := math.Pow10(int(digits.i))
	rounded := math.RoundToEven(v.AsFloat()*scale) / scale
	if math.IsNaN(rounded) || math.IsInf(rounded, 0) {
		// scaling overflowed; the value has no digits at that precision
		rounded = v.AsFloat()
	}
	return finite(pos, name, rounded)
}

func builtinFloorCeil(pos int, name string, args []Value) (Value, error) {
	v := args[0]
	switch v.kind {
	case KindInt:
		return v, nil
	case KindNumber:
		if name == "floor" {
			return toInt(pos, name, math.Floor(v.f))
		}
		return toInt(pos, name, math.Ceil(v.f))
	}
	return Value{}, operandErr(pos, name, "expected a number, got %s", v.kind)
}

func builtinSqrt(pos int, name string, args []Value) (Value, error) {
	v := args[0]
	if !v.IsNumeric() {
		return Value{}, operandErr(pos, name, "expected a number, got %s", v.kind)
	}
	if v.AsFloat() < 0 {
		return Value{}, evalErr(pos, name, ErrDomain)
	}
	return finite(pos, name, math.Sqrt(v.AsFloat()))
}

func builtinPow(pos int, name string, args []Value) (Value, error) {
	if !args[0].IsNumeric() || !args[1].IsNumeric() {
		return Value{}, operandErr(pos, name, "expected numbers, got %s and %s", args[0].kind, args[1].kind)
	}
	return arithmetic(pos, "**", args[0], args[1])
}

func builtinConcat(pos int, name string, args []Value) (Value, error) {
	var b strings.Builder
	for _, v := range args {
		s := v.String()
		if b.Len()+len(s) > maxStringLen {
			return Value{}, evalErr(pos, name, ErrOverflow)
		}
		b.WriteString(s)
	}
	return String(b.String()), nil
}

func builtinLen(pos int, name string, args []Value) (Value, error) {
	if args[0].kind != KindString {
		return Value{}, operandErr(pos, name, "expected a string, got %s", args[0].kind)
	}
	return Int(int64(utf8.RuneCountInString(args[0].s))), nil
}

func builtinCase(pos int, name string, args []Value) (Value, error) {
	if args[0].kind != KindString {
		return Value{}, operandErr(pos, name, "expected a string, got %s", args[0].kind)
	}
	if name == "upper" {
		return String(strings.ToUpper(args[0].s)), nil
	}
	return String(strings.ToLower(args[0].s)), nil
}

func builtinStr(_ int, _ string, args []Value) (Value, error) {
	return String(args[0].String()), nil
}

func builtinInt(pos int, name string, args []Value) (Value, error) {
	v := args[0]
	switch v.kind {
	case KindInt:
		return v, nil
	case KindNumber:
		return toInt(pos, name, math.Trunc(v.f))
	case KindBool:
		if v.b {
			return Int(1), nil
		}
		return Int(0), nil
	case KindString:
		i, err := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64)
		if err != nil {
			return Value{}, operandErr(pos, name, "invalid integer literal %q", v.s)
		}
		return Int(i), nil
	}
	return Value{}, operandErr(pos, name, "cannot convert %s", v.kind)
}

func builtinFloat(pos int, name string, args []Value) (Value, error) {
	v := args[0]
	switch v.kind {
	case KindInt, KindNumber:
		return Number(v.AsFloat()), nil
	case KindBool:
		if v.b {
			return Number(1), nil
		}
		return Number(0), nil
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return Value{}, operandErr(pos, name, "invalid number literal %q", v.s)
		}
		return finite(pos, name, f)
	}
	return Value{}, operandErr(pos, name, "cannot convert %s", v.kind)
}

// toInt converts an integral float to an integer value, failing when it does
// not fit in 64 bits.
func toInt(pos int, name string, f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < math.MinInt64 || f >= math.MaxInt64 {
		return Value{}, evalErr(pos, name, ErrOverflow)
	}
	return Int(int64(f)), nil
}
