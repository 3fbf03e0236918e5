package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/exprtools/internal/metrics"
	"github.com/harun/exprtools/pkg/compiler"
	"github.com/harun/exprtools/pkg/descriptor"
	"github.com/harun/exprtools/pkg/loader"
	"github.com/harun/exprtools/pkg/registry"
	"github.com/harun/exprtools/pkg/toolexecutor"
)

type stubReloader struct {
	report *loader.Report
	calls  int
}

func (r *stubReloader) Reload(ctx context.Context) (*loader.Report, error) {
	r.calls++
	return r.report, nil
}

func mustTool(t *testing.T, name, expression string, params ...string) *compiler.Tool {
	t.Helper()
	d := &descriptor.Descriptor{Name: name, Expression: expression, Source: name + ".yaml"}
	for _, p := range params {
		d.Parameters = append(d.Parameters, descriptor.Parameter{
			Name:         p,
			Type:         descriptor.TypeInteger,
			DeclaredType: "integer",
		})
	}
	tool, err := compiler.Compile(d)
	require.NoError(t, err)
	return tool
}

func newTestServer(t *testing.T, cfg Config) (*Server, *registry.Registry) {
	t.Helper()

	reg := registry.New(registry.WithLogger(zerolog.Nop()))
	reg.Replace([]*compiler.Tool{
		mustTool(t, "add", "a + b", "a", "b"),
		mustTool(t, "double", "x * 2", "x"),
	})

	exec := toolexecutor.New(reg, toolexecutor.WithLogger(zerolog.Nop()))
	t.Cleanup(exec.Close)

	cfg.Addr = "127.0.0.1:0"
	cfg.Executor = exec
	cfg.Logger = zerolog.Nop()

	s, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	return s, reg
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func postRPC(t *testing.T, s *Server, secret string, body string) (*http.Response, RPCResponse) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, "http://"+s.Addr()+"/rpc", bytes.NewBufferString(body))
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpcResp RPCResponse
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	}
	return resp, rpcResp
}

func TestNewServer(t *testing.T) {
	t.Run("should require an executor", func(t *testing.T) {
		_, err := NewServer(Config{})
		assert.Error(t, err)
	})

	t.Run("should register reload only with a reloader", func(t *testing.T) {
		reg := registry.New(registry.WithLogger(zerolog.Nop()))
		exec := toolexecutor.New(reg, toolexecutor.WithLogger(zerolog.Nop()))
		defer exec.Close()

		s, err := NewServer(Config{Executor: exec, Logger: zerolog.Nop()})
		require.NoError(t, err)
		assert.Equal(t, []string{"gateway.clients", "tools.call", "tools.get", "tools.list"}, s.Methods())

		s, err = NewServer(Config{Executor: exec, Reloader: &stubReloader{}, Logger: zerolog.Nop()})
		require.NoError(t, err)
		assert.Contains(t, s.Methods(), "tools.reload")
	})
}

func TestServer_WebSocket(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	conn := dial(t, s)

	t.Run("should accept the client without a secret", func(t *testing.T) {
		msg := readMessage(t, conn)
		assert.Equal(t, "auth.success", msg["event"])
		assert.Equal(t, true, msg["success"])
		assert.NotEmpty(t, msg["clientId"])
	})

	t.Run("should call a tool", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"id":     "1",
			"method": "tools.call",
			"params": map[string]interface{}{
				"name":      "add",
				"arguments": map[string]interface{}{"a": 2, "b": 3},
			},
		}))

		msg := readMessage(t, conn)
		assert.Equal(t, "1", msg["id"])
		require.Nil(t, msg["error"])

		result, ok := msg["result"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, true, result["success"])
		assert.Equal(t, float64(5), result["output"])
	})

	t.Run("should report tool failures as results", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"id":     "2",
			"method": "tools.call",
			"params": map[string]interface{}{
				"name":      "add",
				"arguments": map[string]interface{}{"a": 2},
			},
		}))

		msg := readMessage(t, conn)
		result, ok := msg["result"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, false, result["success"])
		assert.Equal(t, toolexecutor.ErrorInvalidArguments, result["error_type"])
	})

	t.Run("should return an RPC error for unknown tools", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"id":     "3",
			"method": "tools.call",
			"params": map[string]interface{}{"name": "missing"},
		}))

		msg := readMessage(t, conn)
		rpcErr, ok := msg["error"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(ToolNotFound), rpcErr["code"])
	})

	t.Run("should report parse errors", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"method":`)))

		msg := readMessage(t, conn)
		rpcErr, ok := msg["error"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(ParseError), rpcErr["code"])
	})

	t.Run("should list connected clients", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"id": "4", "method": "gateway.clients"}))

		msg := readMessage(t, conn)
		result, ok := msg["result"].(map[string]interface{})
		require.True(t, ok)
		clients, ok := result["clients"].([]interface{})
		require.True(t, ok)
		assert.Len(t, clients, 1)
	})
}

func TestServer_ToolsChanged(t *testing.T) {
	s, reg := newTestServer(t, Config{})
	conn := dial(t, s)

	msg := readMessage(t, conn)
	require.Equal(t, "auth.success", msg["event"])

	reg.Register(mustTool(t, "triple", "x * 3", "x"))

	msg = readMessage(t, conn)
	assert.Equal(t, "event", msg["type"])
	assert.Equal(t, "tools.changed", msg["event"])

	data, ok := msg["data"].(map[string]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []interface{}{"add", "double", "triple"}, data["tools"])
}

func TestServer_Authentication(t *testing.T) {
	const secret = "test-secret"
	s, _ := newTestServer(t, Config{SharedSecret: secret})

	t.Run("should authenticate with a signed challenge", func(t *testing.T) {
		conn := dial(t, s)

		msg := readMessage(t, conn)
		require.Equal(t, "auth.challenge", msg["event"])
		challenge, _ := msg["challenge"].(string)
		require.NotEmpty(t, challenge)

		require.NoError(t, conn.WriteJSON(map[string]interface{}{"id": "1", "method": "tools.list"}))
		msg = readMessage(t, conn)
		rpcErr, ok := msg["error"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(AuthenticationRequired), rpcErr["code"])

		require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: Sign(challenge, secret)}))
		msg = readMessage(t, conn)
		assert.Equal(t, "auth.success", msg["event"])

		require.NoError(t, conn.WriteJSON(map[string]interface{}{"id": "2", "method": "tools.list"}))
		msg = readMessage(t, conn)
		result, ok := msg["result"].(map[string]interface{})
		require.True(t, ok)
		assert.Len(t, result["tools"], 2)
	})

	t.Run("should disconnect after too many failures", func(t *testing.T) {
		conn := dial(t, s)
		readMessage(t, conn)

		for i := 0; i < MaxAuthAttempts; i++ {
			require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bad"}))
			msg := readMessage(t, conn)
			assert.Equal(t, "auth.failure", msg["event"])
		}

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	})
}

func TestServer_HTTP(t *testing.T) {
	const secret = "test-secret"
	reloader := &stubReloader{report: &loader.Report{
		Generation: "gen",
		Version:    7,
		Registered: []string{"add"},
		Failures: []*loader.SourceError{{
			Source: "broken.yaml",
			Err:    &descriptor.ParseError{Source: "broken.yaml", Reason: descriptor.ReasonRead},
		}},
	}}
	m := metrics.NewMetrics()
	s, _ := newTestServer(t, Config{
		SharedSecret: secret,
		Reloader:     reloader,
		Metrics:      m,
		RateLimit:    RateLimit{RequestsPerMinute: 4},
	})

	t.Run("should call a tool", func(t *testing.T) {
		resp, rpcResp := postRPC(t, s, secret,
			`{"id":"1","method":"tools.call","params":{"name":"double","arguments":{"x":21}}}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Nil(t, rpcResp.Error)

		result, ok := rpcResp.Result.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(42), result["output"])
	})

	t.Run("should describe a tool", func(t *testing.T) {
		_, rpcResp := postRPC(t, s, secret, `{"id":"2","method":"tools.get","params":{"name":"add"}}`)
		require.Nil(t, rpcResp.Error)

		result, ok := rpcResp.Result.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "a + b", result["expression"])
		assert.Equal(t, "add.yaml", result["source"])
	})

	t.Run("should reload", func(t *testing.T) {
		_, rpcResp := postRPC(t, s, secret, `{"id":"3","method":"tools.reload"}`)
		require.Nil(t, rpcResp.Error)
		assert.Equal(t, 1, reloader.calls)

		result, ok := rpcResp.Result.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(7), result["version"])
		failures, ok := result["failures"].([]interface{})
		require.True(t, ok)
		require.Len(t, failures, 1)
		assert.Equal(t, loader.KindRead, failures[0].(map[string]interface{})["kind"])
	})

	t.Run("should reject a missing secret", func(t *testing.T) {
		resp, _ := postRPC(t, s, "", `{"id":"4","method":"tools.list"}`)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should reject other methods", func(t *testing.T) {
		resp, err := http.Get("http://" + s.Addr() + "/rpc")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("should rate limit", func(t *testing.T) {
		resp, _ := postRPC(t, s, secret, `{"id":"5","method":"tools.list"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, rpcResp := postRPC(t, s, secret, `{"id":"6","method":"tools.list"}`)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		require.NotNil(t, rpcResp.Error)
		assert.Equal(t, RateLimitExceeded, rpcResp.Error.Code)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitedTotal))
	})

	t.Run("should count requests", func(t *testing.T) {
		assert.Equal(t, float64(1), testutil.ToFloat64(m.RPCRequestsTotal.WithLabelValues("tools.call", "success")))
	})

	t.Run("should serve health and metrics", func(t *testing.T) {
		resp, err := http.Get("http://" + s.Addr() + "/healthz")
		require.NoError(t, err)
		var health map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		resp.Body.Close()
		assert.Equal(t, "ok", health["status"])
		assert.Equal(t, float64(2), health["tools"])

		resp, err = http.Get("http://" + s.Addr() + "/metrics")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Contains(t, string(body), "rpc_requests_total")
	})
}

func TestEventBroadcaster_NoClients(t *testing.T) {
	b := NewEventBroadcaster(NewClientRegistry(), zerolog.Nop())
	assert.Equal(t, 0, b.Broadcast("tools.changed", nil))
}
