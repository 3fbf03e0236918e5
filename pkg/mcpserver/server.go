package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/harun/exprtools/internal/metrics"
	"github.com/harun/exprtools/internal/tracing"
	"github.com/harun/exprtools/pkg/expr"
	"github.com/harun/exprtools/pkg/registry"
	"github.com/harun/exprtools/pkg/toolexecutor"
)

const maxMessageSize = 4 * 1024 * 1024

// Server serves the registry's tools over newline-delimited JSON-RPC 2.0, the
// MCP stdio transport
type Server struct {
	executor    *toolexecutor.ToolExecutor
	registry    *registry.Registry
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	info        implementation
	concurrency int

	initialized atomic.Bool
	listChanged chan struct{}

	writeMu sync.Mutex
	enc     *json.Encoder
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger. Logs must not go to the transport's stdout.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With().Str("component", "mcp").Logger()
	}
}

// WithMetrics records requests in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithServerInfo sets the name and version reported by initialize
func WithServerInfo(name, version string) Option {
	return func(s *Server) {
		s.info = implementation{Name: name, Version: version}
	}
}

// WithConcurrency bounds the number of requests handled in parallel
func WithConcurrency(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a server executing tools with exec
func New(exec *toolexecutor.ToolExecutor, opts ...Option) *Server {
	s := &Server{
		executor:    exec,
		registry:    exec.Registry(),
		logger:      log.With().Str("component", "mcp").Logger(),
		info:        implementation{Name: "exprtools", Version: "dev"},
		concurrency: 4,
		listChanged: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx is done
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.enc = json.NewEncoder(w)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// OnChange runs under the registry writer lock, so it only signals
	unsubscribe := s.registry.OnChange(func(*registry.Snapshot) {
		select {
		case s.listChanged <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	go s.notifyLoop(ctx)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	s.logger.Info().Str("server", s.info.Name).Msg("MCP server started")

	p := pool.New().WithMaxGoroutines(s.concurrency)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-scanErr
				s.logger.Info().Msg("MCP input closed")
				if err != nil {
					return fmt.Errorf("failed to read request: %w", err)
				}
				return nil
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			p.Go(func() {
				s.handleMessage(ctx, line)
			})
		}
	}
}

func (s *Server) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.listChanged:
			if !s.initialized.Load() {
				continue
			}
			s.write(notification{JSONRPC: "2.0", Method: "notifications/tools/list_changed"})
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to unmarshal MCP request")
		s.write(response{JSONRPC: "2.0", Error: newError(CodeParseError, "parse error"), ID: json.RawMessage("null")})
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		if !req.isNotification() {
			s.write(response{JSONRPC: "2.0", Error: newError(CodeInvalidRequest, "invalid request"), ID: req.ID})
		}
		return
	}

	result, rpcErr := s.dispatch(ctx, &req)
	s.metrics.ObserveRPC(req.Method, rpcErr == nil)

	if req.isNotification() {
		return
	}

	resp := response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else if result != nil {
		resp.Result = result
	} else {
		resp.Result = struct{}{}
	}
	s.write(resp)
}

func (s *Server) dispatch(ctx context.Context, req *request) (interface{}, *rpcError) {
	ctx = tracing.NewRequestContext(ctx, "mcp", strings.Trim(string(req.ID), `"`))
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("method", req.Method).Msg("MCP request")

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "notifications/initialized":
		s.initialized.Store(true)
		return nil, nil
	case "notifications/cancelled":
		return nil, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return s.handleListTools()
	case "tools/call":
		return s.handleCallTool(ctx, req.Params)
	default:
		return nil, newError(CodeMethodNotFound, "method not found: %s", req.Method)
	}
}

func (s *Server) handleInitialize(raw json.RawMessage) (interface{}, *rpcError) {
	var params initializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, newError(CodeInvalidParams, "invalid initialize params: %v", err)
		}
	}

	version := SupportedProtocolVersions[0]
	for _, v := range SupportedProtocolVersions {
		if v == params.ProtocolVersion {
			version = v
			break
		}
	}

	s.logger.Info().
		Str("client", params.ClientInfo.Name).
		Str("client_version", params.ClientInfo.Version).
		Str("protocol", version).
		Msg("MCP client connected")

	return initializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{"listChanged": true},
		},
		ServerInfo: s.info,
	}, nil
}

func (s *Server) handleListTools() (interface{}, *rpcError) {
	infos := s.registry.Describe()
	tools := make([]toolInfo, 0, len(infos))
	for _, info := range infos {
		tools = append(tools, toolInfo{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.InputSchema,
		})
	}
	return listToolsResult{Tools: tools}, nil
}

func (s *Server) handleCallTool(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var params callToolParams
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, newError(CodeInvalidParams, "invalid tools/call params: %v", err)
	}
	if params.Name == "" {
		return nil, newError(CodeInvalidParams, "tool name is required")
	}

	res := s.executor.Execute(ctx, params.Name, params.Arguments)
	if res.ErrorType == toolexecutor.ErrorNotFound {
		return nil, newError(CodeInvalidParams, "unknown tool: %s", params.Name)
	}

	if !res.Success {
		return callToolResult{
			Content: []content{{Type: "text", Text: res.Error}},
			IsError: true,
		}, nil
	}

	return callToolResult{
		Content:           []content{{Type: "text", Text: formatOutput(res.Output)}},
		StructuredContent: map[string]interface{}{"result": res.Output},
	}, nil
}

func (s *Server) write(msg interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.enc.Encode(msg); err != nil {
		if !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Error().Err(err).Msg("Failed to write MCP message")
		}
	}
}

// formatOutput renders a tool result the way the expression language's str()
// does
func formatOutput(output interface{}) string {
	if v, ok := expr.FromInterface(output); ok {
		return v.String()
	}
	return fmt.Sprint(output)
}
