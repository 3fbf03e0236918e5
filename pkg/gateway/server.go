package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/exprtools/internal/metrics"
	"github.com/harun/exprtools/internal/tracing"
	"github.com/harun/exprtools/pkg/loader"
	"github.com/harun/exprtools/pkg/registry"
	"github.com/harun/exprtools/pkg/toolexecutor"
)

// SecretHeader carries the shared secret on HTTP requests
const SecretHeader = "X-Exprtools-Secret"

const maxRequestSize = 1 << 20

// Reloader republishes the tool set. *loader.Loader implements it.
type Reloader interface {
	Reload(ctx context.Context) (*loader.Report, error)
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address, host:port
	Addr string
	// SharedSecret enables authentication when set
	SharedSecret   string
	RateLimit      RateLimit
	AllowedOrigins []string
	Executor       *toolexecutor.ToolExecutor
	// Reloader enables the tools.reload method
	Reloader Reloader
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Server is the JSON-RPC gateway over HTTP and WebSocket
type Server struct {
	addr        string
	rateLimit   RateLimit
	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	executor    *toolexecutor.ToolExecutor
	registry    *registry.Registry
	reloader    Reloader
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	httpLimiters *HostRateLimiters

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup

	changes     chan *registry.Snapshot
	unsubscribe func()
	eventsDone  chan struct{}
	stopOnce    sync.Once
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		addr:         cfg.Addr,
		rateLimit:    cfg.RateLimit,
		clients:      clients,
		router:       NewRPCRouter(),
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		broadcaster:  NewEventBroadcaster(clients, logger),
		executor:     cfg.Executor,
		registry:     cfg.Executor.Registry(),
		reloader:     cfg.Reloader,
		metrics:      cfg.Metrics,
		logger:       logger,
		httpLimiters: NewHostRateLimiters(cfg.RateLimit),
		changes:      make(chan *registry.Snapshot, 1),
		eventsDone:   make(chan struct{}),
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(cfg.AllowedOrigins),
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Handler returns the HTTP handler serving /rpc, /ws, /healthz and /metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.unsubscribe = s.registry.OnChange(s.queueChange)
	go s.eventLoop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server, waiting for in-flight requests until ctx
// is done
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.All() {
		_ = client.Conn.Close()
	}

	s.stopOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.eventsDone)
	})

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// queueChange runs under the registry writer lock. It keeps only the newest
// snapshot so a slow client never blocks registry writers.
func (s *Server) queueChange(snap *registry.Snapshot) {
	select {
	case s.changes <- snap:
	default:
		select {
		case <-s.changes:
		default:
		}
		s.changes <- snap
	}
}

func (s *Server) eventLoop() {
	for {
		select {
		case <-s.eventsDone:
			return
		case snap := <-s.changes:
			s.broadcaster.Broadcast("tools.changed", map[string]interface{}{
				"version": snap.Version(),
				"tools":   snap.Names(),
			})
		}
	}
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"state":   s.registry.State().String(),
		"tools":   s.registry.Len(),
		"clients": s.clients.Count(),
	})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxRequestSize)

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}

	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.rateLimit),
	}

	s.clients.Add(client)
	s.metrics.ConnectionOpened()

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.greet(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to greet client")
		s.disconnect(client)
		return
	}

	go s.handleClient(client)
}

// greet sends an authentication challenge, or accepts the client directly
// when no secret is configured
func (s *Server) greet(client *Client) error {
	if !s.authHandler.Enabled() {
		client.setState(StateAuthenticated)
		return client.WriteJSON(AuthResult{Event: "auth.success", Success: true, ClientID: client.ID})
	}

	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.setState(StateAuthenticating)

	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
		ClientID:  client.ID,
	})
}

func (s *Server) disconnect(client *Client) {
	client.setState(StateDisconnected)
	_ = client.Conn.Close()
	s.clients.Remove(client.ID)
	s.metrics.ConnectionClosed()
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer func() {
		s.disconnect(client)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)

		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage handles a single message from a client and reports whether
// the connection stays open
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.IsAuthenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	if err := client.RateLimiter.Acquire(); err != nil {
		s.metrics.ObserveRateLimited()
		s.sendError(client, req.ID, rateLimitCode(err), err.Error())
		return true
	}

	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.Release()
		defer s.inFlightReqs.Done()

		response := s.route("ws", client.ID, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()

	return true
}

func (s *Server) route(transport, caller string, req *RPCRequest) *RPCResponse {
	ctx := tracing.NewRequestContext(context.Background(), transport, req.ID)
	ctx = toolexecutor.ContextWithExecContext(ctx, &toolexecutor.ExecutionContext{
		Caller: caller,
	})

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("caller", caller).
		Str("method", req.Method).
		Msg("Gateway received RPC request")

	resp := s.router.RouteRequest(ctx, req)
	s.metrics.ObserveRPC(req.Method, resp.Error == nil)
	return resp
}

// handleRPC handles single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr := &RPCError{Code: ParseError, Message: err.Error()}
		errors.As(err, &rpcErr)
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	limiter := s.httpLimiters.Get(remoteHost(r.RemoteAddr))
	if err := limiter.Acquire(); err != nil {
		s.metrics.ObserveRateLimited()
		writeJSON(w, http.StatusTooManyRequests, RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: rateLimitCode(err), Message: err.Error()},
		})
		return
	}
	defer limiter.Release()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	writeJSON(w, http.StatusOK, s.route("http", r.RemoteAddr, req))
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if result.Success {
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return true
	}

	s.logger.Warn().
		Str("clientId", client.ID).
		Str("reason", result.Message).
		Msg("Authentication failed")

	return client.AuthAttempts < MaxAuthAttempts
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast broadcasts an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) int {
	return s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods lists the registered RPC methods
func (s *Server) Methods() []string {
	return s.router.Methods()
}

func rateLimitCode(err error) int {
	if errors.Is(err, ErrTooManyConcurrent) {
		return TooManyConcurrent
	}
	return RateLimitExceeded
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
