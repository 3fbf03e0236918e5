package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/exprtools/pkg/loader"
	"github.com/harun/exprtools/pkg/toolexecutor"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("tools.list", s.handleToolsList)
	_ = s.RegisterMethod("tools.get", s.handleToolsGet)
	_ = s.RegisterMethod("tools.call", s.handleToolsCall)
	_ = s.RegisterMethod("gateway.clients", s.handleGatewayClients)

	if s.reloader != nil {
		_ = s.RegisterMethod("tools.reload", s.handleToolsReload)
	}
}

// handleToolsList handles tools.list RPC method
func (s *Server) handleToolsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	snap := s.registry.All()
	return map[string]interface{}{
		"tools":   s.registry.Describe(),
		"version": snap.Version(),
	}, nil
}

// handleToolsGet handles tools.get RPC method
func (s *Server) handleToolsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}

	tool, ok := s.registry.Get(name)
	if !ok {
		return nil, &RPCError{Code: ToolNotFound, Message: fmt.Sprintf("tool not found: %s", name)}
	}

	return map[string]interface{}{
		"name":        tool.Name(),
		"description": tool.Description(),
		"inputSchema": tool.InputSchema(),
		"expression":  tool.Expression(),
		"source":      tool.Source(),
	}, nil
}

// handleToolsCall handles tools.call RPC method. Tool failures are returned as
// a result with success false; only an unknown tool is an RPC error.
func (s *Server) handleToolsCall(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}

	var args map[string]interface{}
	switch raw := params["arguments"].(type) {
	case nil:
		args = map[string]interface{}{}
	case map[string]interface{}:
		args = raw
	default:
		return nil, &RPCError{Code: InvalidParams, Message: "arguments must be an object"}
	}

	result := s.executor.Execute(ctx, name, args)
	if result.ErrorType == toolexecutor.ErrorNotFound {
		return nil, &RPCError{Code: ToolNotFound, Message: result.Error}
	}

	return result, nil
}

// handleToolsReload handles tools.reload RPC method
func (s *Server) handleToolsReload(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	report, err := s.reloader.Reload(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload failed: %w", err)
	}

	return newReloadResult(report), nil
}

// handleGatewayClients handles gateway.clients RPC method
func (s *Server) handleGatewayClients(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients": s.clients.Infos(),
	}, nil
}

type reloadFailure struct {
	Source string `json:"source"`
	Tool   string `json:"tool,omitempty"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

type reloadWarning struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type reloadResult struct {
	Generation string          `json:"generation"`
	Version    uint64          `json:"version"`
	Registered []string        `json:"registered"`
	Failures   []reloadFailure `json:"failures"`
	Warnings   []reloadWarning `json:"warnings"`
	DurationMs int64           `json:"durationMs"`
}

func newReloadResult(report *loader.Report) reloadResult {
	result := reloadResult{
		Generation: report.Generation,
		Version:    report.Version,
		Registered: report.Registered,
		Failures:   make([]reloadFailure, 0, len(report.Failures)),
		Warnings:   make([]reloadWarning, 0, len(report.Warnings)),
		DurationMs: report.Duration.Milliseconds(),
	}
	if result.Registered == nil {
		result.Registered = []string{}
	}

	for _, f := range report.Failures {
		result.Failures = append(result.Failures, reloadFailure{
			Source: f.Source,
			Tool:   f.Tool,
			Kind:   f.Kind(),
			Error:  f.Error(),
		})
	}
	for _, w := range report.Warnings {
		result.Warnings = append(result.Warnings, reloadWarning{
			Kind:    w.Kind(),
			Message: w.Error(),
		})
	}

	return result
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("%s parameter is required and must be a string", key),
		}
	}
	return value, nil
}
