package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/exprtools/internal/metrics"
	"github.com/harun/exprtools/internal/tracing"
	"github.com/harun/exprtools/pkg/compiler"
	"github.com/harun/exprtools/pkg/expr"
	"github.com/harun/exprtools/pkg/registry"
)

// Error types reported in ToolResult.ErrorType
const (
	ErrorNotFound         = "not_found"
	ErrorForbidden        = "forbidden"
	ErrorInvalidArguments = "invalid_arguments"
	ErrorTypeMismatch     = "type_mismatch"
	ErrorEvaluation       = "evaluation"
	ErrorTimeout          = "timeout"
	ErrorCancelled        = "cancelled"
	ErrorInternal         = "internal"
)

const (
	// DefaultTimeout bounds a single execution
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutputSize is the longest string output returned untruncated
	DefaultMaxOutputSize = 10 * 1024
)

// ToolPolicy defines which tools a caller can use
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny" mapstructure:"deny"`   // List of denied tools (overrides allow)
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		// No policy means allow all
		return true
	}

	// Check deny list first (overrides allow list)
	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	// If no explicit allow, deny by default
	return false
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorType string                 `json:"error_type,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToolExecutor resolves tools in a registry and executes them
type ToolExecutor struct {
	registry      *registry.Registry
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	timeout       time.Duration
	maxOutputSize int
	policy        *ToolPolicy

	// schemas caches argument schemas per compiled tool. It is cleared
	// whenever the registry publishes a new snapshot.
	mu          sync.RWMutex
	schemas     map[*compiler.Tool]*gojsonschema.Schema
	unsubscribe func()
}

// Option configures a ToolExecutor
type Option func(*ToolExecutor)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(te *ToolExecutor) {
		te.logger = logger.With().Str("component", "executor").Logger()
	}
}

// WithMetrics records executions in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(te *ToolExecutor) {
		te.metrics = m
	}
}

// WithTimeout sets the default execution timeout
func WithTimeout(d time.Duration) Option {
	return func(te *ToolExecutor) {
		if d > 0 {
			te.timeout = d
		}
	}
}

// WithMaxOutputSize sets the longest string output returned untruncated
func WithMaxOutputSize(n int) Option {
	return func(te *ToolExecutor) {
		if n > 0 {
			te.maxOutputSize = n
		}
	}
}

// WithPolicy applies p to every execution that does not carry its own policy
func WithPolicy(p *ToolPolicy) Option {
	return func(te *ToolExecutor) {
		te.policy = p
	}
}

// New creates a ToolExecutor over reg. A nil reg uses registry.Default().
func New(reg *registry.Registry, opts ...Option) *ToolExecutor {
	if reg == nil {
		reg = registry.Default()
	}

	te := &ToolExecutor{
		registry:      reg,
		logger:        log.With().Str("component", "executor").Logger(),
		timeout:       DefaultTimeout,
		maxOutputSize: DefaultMaxOutputSize,
		schemas:       make(map[*compiler.Tool]*gojsonschema.Schema),
	}
	for _, opt := range opts {
		opt(te)
	}

	te.unsubscribe = reg.OnChange(func(*registry.Snapshot) {
		te.mu.Lock()
		te.schemas = make(map[*compiler.Tool]*gojsonschema.Schema)
		te.mu.Unlock()
	})

	te.logger.Debug().Dur("timeout", te.timeout).Msg("Tool executor initialized")

	return te
}

// Close detaches the executor from its registry
func (te *ToolExecutor) Close() {
	if te.unsubscribe != nil {
		te.unsubscribe()
	}
}

// Registry returns the registry tools are resolved in
func (te *ToolExecutor) Registry() *registry.Registry {
	return te.registry
}

// Execute runs the named tool with args. It never panics and never returns
// an error: every failure is reported in the ToolResult. An ExecutionContext
// attached to ctx overrides the executor's timeout and policy.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, args map[string]interface{}) ToolResult {
	startTime := time.Now()

	execCtx := ExecContextFromContext(ctx)
	logger := tracing.LoggerFromContext(ctx, te.logger).With().Str("tool", toolName).Logger()
	if execCtx != nil && execCtx.Caller != "" {
		logger = logger.With().Str("caller", execCtx.Caller).Logger()
	}

	policy := te.policy
	if execCtx != nil && execCtx.ToolPolicy != nil {
		policy = execCtx.ToolPolicy
	}
	if !policy.IsToolAllowed(toolName) {
		logger.Warn().Msg("Tool execution blocked by policy")
		return te.fail(toolName, startTime, ErrorForbidden,
			fmt.Errorf("tool %q is not allowed by policy", toolName))
	}

	tool, ok := te.registry.Get(toolName)
	if !ok {
		logger.Debug().Msg("Tool not found")
		return te.fail(toolName, startTime, ErrorNotFound, fmt.Errorf("tool not found: %s", toolName))
	}

	if args == nil {
		args = map[string]interface{}{}
	}

	schema, err := te.schemaFor(tool)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build argument schema")
		return te.fail(toolName, startTime, ErrorInternal, err)
	}
	if err := te.validateParameters(schema, args); err != nil {
		logger.Debug().Err(err).Msg("Parameter validation failed")
		return te.fail(toolName, startTime, ErrorInvalidArguments,
			fmt.Errorf("parameter validation failed: %w", err))
	}

	timeout := te.timeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Tool execution panicked")
				errChan <- fmt.Errorf("tool %q panicked: %v", toolName, r)
			}
		}()

		result, err := tool.Invoke(timeoutCtx, args)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		duration := time.Since(startTime)
		output, truncated := te.truncateOutput(result)

		logger.Debug().
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")

		te.metrics.ObserveToolExecution(toolName, "", duration)

		return ToolResult{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
				"source":   tool.Source(),
			},
		}

	case err := <-errChan:
		errorType := classify(err)
		if errorType == ErrorInternal {
			logger.Error().Err(err).Msg("Tool execution failed")
		} else {
			logger.Debug().Err(err).Str("error_type", errorType).Msg("Tool execution failed")
		}
		return te.fail(toolName, startTime, errorType, err)

	case <-timeoutCtx.Done():
		err := timeoutCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Dur("timeout", timeout).Msg("Tool execution timeout")
			return te.fail(toolName, startTime, ErrorTimeout,
				fmt.Errorf("tool execution timeout after %v", timeout))
		}
		return te.fail(toolName, startTime, ErrorCancelled, fmt.Errorf("tool execution cancelled: %w", err))
	}
}

func (te *ToolExecutor) fail(toolName string, startTime time.Time, errorType string, err error) ToolResult {
	duration := time.Since(startTime)
	te.metrics.ObserveToolExecution(toolName, errorType, duration)

	return ToolResult{
		Success:   false,
		Error:     err.Error(),
		ErrorType: errorType,
		Metadata: map[string]interface{}{
			"duration": duration.Milliseconds(),
		},
	}
}

// classify maps an invocation error to a ToolResult error type
func classify(err error) string {
	var (
		argErr      *compiler.ArgumentError
		mismatchErr *compiler.TypeMismatchError
		evalErr     *expr.EvaluationError
	)

	switch {
	case errors.As(err, &argErr):
		return ErrorInvalidArguments
	case errors.As(err, &mismatchErr):
		return ErrorTypeMismatch
	case errors.As(err, &evalErr):
		return ErrorEvaluation
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	default:
		return ErrorInternal
	}
}

func (te *ToolExecutor) schemaFor(tool *compiler.Tool) (*gojsonschema.Schema, error) {
	te.mu.RLock()
	schema, ok := te.schemas[tool]
	te.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := generateJSONSchema(tool)
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	te.schemas[tool] = schema
	te.mu.Unlock()

	return schema, nil
}

// generateJSONSchema builds the argument schema for a tool. Only argument
// names are checked here; values are coerced and type checked by the tool.
func generateJSONSchema(tool *compiler.Tool) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range tool.Parameters() {
		properties[param.Name] = map[string]interface{}{
			"description": param.Description,
		}
		required = append(required, param.Name)
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateParameters validates parameters against a JSON Schema
func (te *ToolExecutor) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			errs = append(errs, re.String())
		}
		sort.Strings(errs)
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

// truncateOutput truncates string output that exceeds the size limit
func (te *ToolExecutor) truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok || len(str) <= te.maxOutputSize {
		return output, false
	}

	te.logger.Warn().
		Int("original", len(str)).
		Int("truncated", te.maxOutputSize).
		Msg("Output truncated")

	return str[:te.maxOutputSize] + "\n... [output truncated]", true
}
