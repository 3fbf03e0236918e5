package toolexecutor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/exprtools/internal/metrics"
	"github.com/harun/exprtools/internal/tracing"
	"github.com/harun/exprtools/pkg/compiler"
	"github.com/harun/exprtools/pkg/descriptor"
	"github.com/harun/exprtools/pkg/expr"
	"github.com/harun/exprtools/pkg/registry"
)

func mustTool(t *testing.T, name, expression string, params ...string) *compiler.Tool {
	t.Helper()
	d := &descriptor.Descriptor{Name: name, Expression: expression, Source: name + ".yaml"}
	for i := 0; i+1 < len(params); i += 2 {
		typ, _ := descriptor.ParseType(params[i+1])
		d.Parameters = append(d.Parameters, descriptor.Parameter{
			Name:         params[i],
			Type:         typ,
			DeclaredType: params[i+1],
		})
	}
	tool, err := compiler.Compile(d)
	require.NoError(t, err)
	return tool
}

func newTestExecutor(t *testing.T, opts ...Option) *ToolExecutor {
	t.Helper()
	reg := registry.New(registry.WithLogger(zerolog.Nop()))
	reg.Replace([]*compiler.Tool{
		mustTool(t, "add", "a + b", "a", "integer", "b", "integer"),
		mustTool(t, "div", "a / b", "a", "number", "b", "number"),
		mustTool(t, "repeat", "s * n", "s", "string", "n", "integer"),
		mustTool(t, "pi", "3.14159"),
	})

	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	te := New(reg, opts...)
	t.Cleanup(te.Close)
	return te
}

func TestToolExecutor_Execute(t *testing.T) {
	te := newTestExecutor(t)

	t.Run("returns the tool output", func(t *testing.T) {
		res := te.Execute(context.Background(), "add", map[string]interface{}{"a": 2, "b": 3})
		require.True(t, res.Success, res.Error)
		assert.Equal(t, int64(5), res.Output)
		assert.Empty(t, res.ErrorType)
		assert.Equal(t, "add.yaml", res.Metadata["source"])
		assert.Contains(t, res.Metadata, "duration")
	})

	t.Run("accepts nil arguments for parameterless tools", func(t *testing.T) {
		res := te.Execute(context.Background(), "pi", nil)
		require.True(t, res.Success, res.Error)
		assert.Equal(t, 3.14159, res.Output)
	})

	t.Run("coerces JSON style arguments", func(t *testing.T) {
		res := te.Execute(context.Background(), "add", map[string]interface{}{"a": 2.0, "b": "3"})
		require.True(t, res.Success, res.Error)
		assert.Equal(t, int64(5), res.Output)
	})
}

func TestToolExecutor_Failures(t *testing.T) {
	te := newTestExecutor(t)

	tests := []struct {
		name      string
		tool      string
		args      map[string]interface{}
		errorType string
		contains  string
	}{
		{
			name:      "unknown tool",
			tool:      "missing",
			args:      map[string]interface{}{},
			errorType: ErrorNotFound,
			contains:  "tool not found: missing",
		},
		{
			name:      "missing argument",
			tool:      "add",
			args:      map[string]interface{}{"a": 1},
			errorType: ErrorInvalidArguments,
			contains:  "b is required",
		},
		{
			name:      "unexpected argument",
			tool:      "add",
			args:      map[string]interface{}{"a": 1, "b": 2, "c": 3},
			errorType: ErrorInvalidArguments,
			contains:  "Additional property c is not allowed",
		},
		{
			name:      "type mismatch",
			tool:      "add",
			args:      map[string]interface{}{"a": 1, "b": "two"},
			errorType: ErrorTypeMismatch,
			contains:  `parameter "b" expects integer`,
		},
		{
			name:      "division by zero",
			tool:      "div",
			args:      map[string]interface{}{"a": 1, "b": 0},
			errorType: ErrorEvaluation,
			contains:  "division by zero",
		},
		{
			name:      "null argument",
			tool:      "add",
			args:      map[string]interface{}{"a": 1, "b": nil},
			errorType: ErrorTypeMismatch,
			contains:  "got null",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := te.Execute(context.Background(), tt.tool, tt.args)
			assert.False(t, res.Success)
			assert.Nil(t, res.Output)
			assert.Equal(t, tt.errorType, res.ErrorType)
			assert.Contains(t, res.Error, tt.contains)
		})
	}
}

func TestToolExecutor_Timeout(t *testing.T) {
	te := newTestExecutor(t)

	t.Run("expired deadline", func(t *testing.T) {
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()

		res := te.Execute(ctx, "add", map[string]interface{}{"a": 1, "b": 2})
		assert.False(t, res.Success)
		assert.Equal(t, ErrorTimeout, res.ErrorType)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := te.Execute(ctx, "add", map[string]interface{}{"a": 1, "b": 2})
		assert.False(t, res.Success)
		assert.Equal(t, ErrorCancelled, res.ErrorType)
	})
}

func TestToolExecutor_Policy(t *testing.T) {
	te := newTestExecutor(t, WithPolicy(&ToolPolicy{Allow: []string{"*"}, Deny: []string{"div"}}))

	res := te.Execute(context.Background(), "div", map[string]interface{}{"a": 1, "b": 2})
	assert.False(t, res.Success)
	assert.Equal(t, ErrorForbidden, res.ErrorType)

	res = te.Execute(context.Background(), "add", map[string]interface{}{"a": 1, "b": 2})
	assert.True(t, res.Success)

	t.Run("execution context overrides the default policy", func(t *testing.T) {
		ctx := ContextWithExecContext(context.Background(), &ExecutionContext{
			Caller:     "client-1",
			ToolPolicy: &ToolPolicy{Allow: []string{"div"}},
		})

		res := te.Execute(ctx, "div", map[string]interface{}{"a": 1, "b": 2})
		require.True(t, res.Success, res.Error)
		assert.Equal(t, 0.5, res.Output)

		res = te.Execute(ctx, "add", map[string]interface{}{"a": 1, "b": 2})
		assert.Equal(t, ErrorForbidden, res.ErrorType)
	})
}

func TestToolPolicy_IsToolAllowed(t *testing.T) {
	var nilPolicy *ToolPolicy
	assert.True(t, nilPolicy.IsToolAllowed("anything"))

	p := &ToolPolicy{Allow: []string{"add", "sub"}}
	assert.True(t, p.IsToolAllowed("add"))
	assert.False(t, p.IsToolAllowed("mul"))

	p = &ToolPolicy{Allow: []string{"*"}, Deny: []string{"*"}}
	assert.False(t, p.IsToolAllowed("add"))
}

func TestToolExecutor_TruncatesLongOutput(t *testing.T) {
	te := newTestExecutor(t, WithMaxOutputSize(16))

	res := te.Execute(context.Background(), "repeat", map[string]interface{}{"s": "ab", "n": 100})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Truncated)

	out, ok := res.Output.(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(out, strings.Repeat("ab", 8)))
	assert.Contains(t, out, "[output truncated]")

	res = te.Execute(context.Background(), "repeat", map[string]interface{}{"s": "ab", "n": 2})
	assert.False(t, res.Truncated)
	assert.Equal(t, "abab", res.Output)
}

func TestToolExecutor_SeesReloads(t *testing.T) {
	te := newTestExecutor(t)

	res := te.Execute(context.Background(), "add", map[string]interface{}{"a": 1, "b": 2})
	require.True(t, res.Success)
	assert.Equal(t, int64(3), res.Output)

	te.Registry().Register(mustTool(t, "add", "a + b + c", "a", "integer", "b", "integer", "c", "integer"))

	res = te.Execute(context.Background(), "add", map[string]interface{}{"a": 1, "b": 2})
	assert.Equal(t, ErrorInvalidArguments, res.ErrorType)

	res = te.Execute(context.Background(), "add", map[string]interface{}{"a": 1, "b": 2, "c": 3})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(6), res.Output)
}

func TestToolExecutor_Metrics(t *testing.T) {
	m := metrics.NewMetrics()
	te := newTestExecutor(t, WithMetrics(m))

	te.Execute(context.Background(), "add", map[string]interface{}{"a": 1, "b": 2})
	te.Execute(context.Background(), "div", map[string]interface{}{"a": 1, "b": 0})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("add", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("div", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutionErrorsTotal.WithLabelValues("div", ErrorEvaluation)))
}

func TestToolExecutor_Concurrent(t *testing.T) {
	te := newTestExecutor(t)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := te.Execute(context.Background(), "add", map[string]interface{}{"a": i, "b": i})
			if !res.Success || res.Output != int64(2*i) {
				errs <- fmt.Errorf("call %d: %+v", i, res)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorInvalidArguments, classify(&compiler.ArgumentError{Tool: "t", Reason: "x"}))
	assert.Equal(t, ErrorTypeMismatch, classify(&compiler.TypeMismatchError{Tool: "t"}))
	assert.Equal(t, ErrorEvaluation, classify(fmt.Errorf("tool: %w", &expr.EvaluationError{Op: "/", Err: expr.ErrDivisionByZero})))
	assert.Equal(t, ErrorTimeout, classify(context.DeadlineExceeded))
	assert.Equal(t, ErrorCancelled, classify(context.Canceled))
	assert.Equal(t, ErrorInternal, classify(errors.New("boom")))
}

func TestToolExecutor_LogsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	te := newTestExecutor(t, WithLogger(zerolog.New(&buf)))

	ctx := tracing.NewRequestContext(context.Background(), "mcp", "7")
	res := te.Execute(ctx, "add", map[string]interface{}{"a": 1, "b": 1})
	require.True(t, res.Success, res.Error)

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"`+tracing.GetTraceID(ctx)+`"`)
	assert.Contains(t, out, `"request_id":"7"`)
	assert.Contains(t, out, `"tool":"add"`)
}
