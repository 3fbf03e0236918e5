package toolexecutor

import (
	"context"
	"time"
)

// ExecutionContext carries per-call settings from a front-end to the executor
type ExecutionContext struct {
	// Caller identifies the client in logs
	Caller     string
	Timeout    time.Duration
	ToolPolicy *ToolPolicy
}

type execContextKey struct{}

// ContextWithExecContext attaches the execution context to a context.Context.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext extracts the execution context from a context.Context.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(execContextKey{}); v != nil {
		if execCtx, ok := v.(*ExecutionContext); ok {
			return execCtx
		}
	}
	return nil
}
