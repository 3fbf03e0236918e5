package expr

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalString(t *testing.T, src string, env map[string]Value) (Value, error) {
	t.Helper()

	params := make([]string, 0, len(env))
	for name := range env {
		params = append(params, name)
	}
	prog, err := Compile(src, params)
	require.NoError(t, err, "compile %q", src)
	return prog.Eval(env)
}

func TestEval_Arithmetic(t *testing.T) {
	env := map[string]Value{
		"a": Int(7),
		"b": Int(2),
		"x": Number(1.5),
		"s": String("ab"),
	}

	tests := []struct {
		src  string
		want interface{}
	}{
		{"a + b", int64(9)},
		{"a - b", int64(5)},
		{"a * b", int64(14)},
		{"a / b", 3.5},
		{"a // b", int64(3)},
		{"a % b", int64(1)},
		{"-a // b", int64(-4)},
		{"-a % b", int64(1)},
		{"a % -b", int64(-1)},
		{"a ** b", int64(49)},
		{"2 ** 3 ** 2", int64(512)},
		{"-2 ** 2", int64(-4)},
		{"2 ** -1", 0.5},
		{"a + x", 8.5},
		{"x * 2", 3.0},
		{"7.5 // 2", 3.0},
		{"-7.5 % 2", 0.5},
		{"(a + b) * 2", int64(18)},
		{"a + b * 2", int64(11)},
		{"s + 'cd'", "abcd"},
		{"s * 3", "ababab"},
		{"2 * s", "abab"},
		{"1e3 + .5", 1000.5},
		{"+a", int64(7)},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			v, err := evalString(t, tt.src, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Interface())
		})
	}
}

func TestEval_ComparisonAndLogic(t *testing.T) {
	env := map[string]Value{
		"a":   Int(3),
		"f":   Number(3.0),
		"s":   String("apple"),
		"ok":  Bool(true),
		"big": Int(9007199254740993),
		"bf":  Number(9007199254740992.0),
	}

	tests := []struct {
		src  string
		want bool
	}{
		{"a == f", true},
		{"big == bf", false},
		{"big != bf", true},
		{"big > bf", true},
		{"bf < big", true},
		{"bf >= big", false},
		{"big - 1 == bf", true},
		{"-3 > -3.5", true},
		{"a <= 3.0", true},
		{"a != f", false},
		{"a < 4", true},
		{"a >= 3.5", false},
		{"s < 'banana'", true},
		{"s == 'apple'", true},
		{"s == 1", false},
		{"s != 1", true},
		{"ok and a > 1", true},
		{"ok && a > 5", false},
		{"not ok or a == 3", true},
		{"!ok || false", false},
		{"True and not False", true},
		{"a > 1 and a < 5", true},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			v, err := evalString(t, tt.src, env)
			require.NoError(t, err)
			assert.Equal(t, KindBool, v.Kind())
			assert.Equal(t, tt.want, v.AsBool())
		})
	}
}

func TestEval_ShortCircuit(t *testing.T) {
	env := map[string]Value{"b": Int(0)}

	v, err := evalString(t, "false and 1 / b > 0", env)
	require.NoError(t, err)
	assert.False(t, v.AsBool())

	v, err = evalString(t, "true or 1 / b > 0", env)
	require.NoError(t, err)
	assert.True(t, v.AsBool())

	v, err = evalString(t, "if(b == 0, 0, 10 / b)", env)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Interface())
}

func TestEval_Builtins(t *testing.T) {
	env := map[string]Value{
		"n":    Int(-4),
		"x":    Number(2.5),
		"name": String("Ada"),
	}

	tests := []struct {
		src  string
		want interface{}
	}{
		{"abs(n)", int64(4)},
		{"abs(-x)", 2.5},
		{"min(3, n, 10)", int64(-4)},
		{"max(3, x, 1)", int64(3)},
		{"max(1, x)", 2.5},
		{"min('b', 'a')", "a"},
		{"round(x)", int64(2)},
		{"round(3.5)", int64(4)},
		{"round(2.675, 2)", 2.67},
		{"round(0.125, 2)", 0.12},
		{"round(1.005, 2)", 1.0},
		{"round(x, 0)", 2.0},
		{"round(1234.5, -2)", 1200.0},
		{"round(n, 2)", int64(-4)},
		{"floor(x)", int64(2)},
		{"ceil(x)", int64(3)},
		{"floor(-x)", int64(-3)},
		{"sqrt(16)", 4.0},
		{"pow(2, 10)", int64(1024)},
		{"concat('Hello, ', name, '!')", "Hello, Ada!"},
		{"concat(name, n, x, true)", "Ada-42.5true"},
		{"len(name)", int64(3)},
		{"upper(name)", "ADA"},
		{"lower(name)", "ada"},
		{"str(2.0)", "2.0"},
		{"str(n)", "-4"},
		{"int('42')", int64(42)},
		{"int(x)", int64(2)},
		{"int(-x)", int64(-2)},
		{"float('1.25')", 1.25},
		{"float(n)", -4.0},
		{"if(n < 0, 'neg', 'pos')", "neg"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			v, err := evalString(t, tt.src, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Interface())
		})
	}
}

func TestEval_RuntimeErrors(t *testing.T) {
	env := map[string]Value{
		"a": Int(1),
		"z": Int(0),
		"f": Number(0),
		"s": String("x"),
		"b": Bool(true),
	}

	tests := []struct {
		src    string
		target error
	}{
		{"a / z", ErrDivisionByZero},
		{"a // z", ErrDivisionByZero},
		{"a % z", ErrDivisionByZero},
		{"1.0 / f", ErrDivisionByZero},
		{"z ** -1", ErrDivisionByZero},
		{"9223372036854775807 + a", ErrOverflow},
		{"3037000500 * 3037000500", ErrOverflow},
		{"2 ** 64", ErrOverflow},
		{"sqrt(-1)", ErrDomain},
		{"(-8.0) ** 0.5", ErrDomain},
		{"1e308 * 10", ErrNotFinite},
		{"s + a", ErrOperand},
		{"s - s", ErrOperand},
		{"b + a", ErrOperand},
		{"not a", ErrOperand},
		{"a and b", ErrOperand},
		{"s < a", ErrOperand},
		{"len(a)", ErrOperand},
		{"int('2.5')", ErrOperand},
		{"if(a, 1, 2)", ErrOperand},
		{"s * 9223372036854775807", ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := evalString(t, tt.src, env)
			require.Error(t, err)

			var evalErr *EvaluationError
			require.True(t, errors.As(err, &evalErr), "expected *EvaluationError, got %T", err)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestCompile_SyntaxErrors(t *testing.T) {
	tests := []struct {
		src   string
		token string
	}{
		{"", ""},
		{"   ", ""},
		{"a +", ""},
		{"(a + b", ""},
		{"a + b)", ")"},
		{"a $ b", "$"},
		{"'unterminated", "'unterminated"},
		{"1 < a < 3", "<"},
		{"12abc", "12abc"},
		{"1e+", "1e+"},
		{"abs()", "abs"},
		{"pow(1)", "pow"},
		{"if(a, b)", "if"},
		{"a b", "b"},
		{"max(a,)", ")"},
		{"'bad \\q escape'", "\\q"},
		{"and", "and"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := Compile(tt.src, []string{"a", "b"})
			require.Error(t, err)

			var synErr *SyntaxError
			require.True(t, errors.As(err, &synErr), "expected *SyntaxError, got %T: %v", err, err)
			assert.Equal(t, tt.token, synErr.Token)
		})
	}
}

func TestCompile_UnknownReferences(t *testing.T) {
	tests := []struct {
		src  string
		name string
		hint string
	}{
		{"a + c", "c", ""},
		{"__import__('os')", "__import__", "not an allowed function"},
		{"exec('x')", "exec", "not an allowed function"},
		{"max", "max", "functions must be called"},
		{"a(1)", "a", "parameters are not callable"},
		{"open", "open", ""},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := Compile(tt.src, []string{"a", "b"})
			require.Error(t, err)

			var refErr *UnknownReferenceError
			require.True(t, errors.As(err, &refErr), "expected *UnknownReferenceError, got %T: %v", err, err)
			assert.Equal(t, tt.name, refErr.Name)
			assert.Equal(t, tt.hint, refErr.Hint)
		})
	}
}

func TestCompile_NestingLimit(t *testing.T) {
	src := strings.Repeat("(", maxDepth+1) + "1" + strings.Repeat(")", maxDepth+1)
	_, err := Compile(src, nil)

	var synErr *SyntaxError
	require.True(t, errors.As(err, &synErr))
	assert.Contains(t, synErr.Msg, "nested too deeply")
}

func TestProgram_References(t *testing.T) {
	prog, err := Compile("b * 2 + a + b", []string{"a", "b", "unused"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, prog.References())
	assert.Equal(t, "b * 2 + a + b", prog.Source())
}

func TestProgram_ParameterShadowsFunctionName(t *testing.T) {
	prog, err := Compile("max(max, 10)", []string{"max"})
	require.NoError(t, err)

	v, err := prog.Eval(map[string]Value{"max": Int(12)})
	require.NoError(t, err)
	assert.Equal(t, int64(12), v.Interface())
}

func TestProgram_UnboundParameter(t *testing.T) {
	prog := MustCompile("a + 1", []string{"a"})

	_, err := prog.Eval(map[string]Value{})
	assert.ErrorIs(t, err, ErrUnbound)
}

func TestProgram_ConcurrentEval(t *testing.T) {
	prog := MustCompile("a * b + 1", []string{"a", "b"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			v, err := prog.Eval(map[string]Value{"a": Int(i), "b": Int(2)})
			assert.NoError(t, err)
			assert.Equal(t, i*2+1, v.AsInt())
		}(int64(i))
	}
	wg.Wait()
}

func TestValue_String(t *testing.T) {
	assert.Equal(t, "2.0", Number(2).String())
	assert.Equal(t, "0.1", Number(0.1).String())
	assert.Equal(t, "1e+21", Number(1e21).String())
	assert.Equal(t, "+Inf", Number(math.Inf(1)).String())
	assert.Equal(t, "true", Bool(true).String())
	assert.Equal(t, "integer", KindInt.String())
	assert.Equal(t, "number", KindNumber.String())
}

func TestFunctions(t *testing.T) {
	names := Functions()
	assert.Contains(t, names, "min")
	assert.Contains(t, names, "concat")
	assert.True(t, IsFunction("if"))
	assert.False(t, IsFunction("eval"))
}
