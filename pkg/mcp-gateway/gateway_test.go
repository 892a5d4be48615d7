package mcpgateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/registry"
)

func echoInvoker(prefix string) registry.Invoker {
	return registry.InvokerFunc(func(_ context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: prefix + string(args)}}}, nil
	})
}

func connectClient(t *testing.T, url string) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "gateway-test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: url}, nil)
	if err != nil {
		t.Fatalf("connect to gateway: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func listToolNames(t *testing.T, session *mcp.ClientSession) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestGatewayMirrorsRegistry(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	echo, err := reg.RegisterTool(registry.ToolData{
		ID:                "mcp_alpha_echo",
		ToolReferenceName: "mcp_alpha_echo",
		Description:       "Echo arguments",
		Source:            registry.Source{CollectionID: "ws", ServerID: "alpha"},
	}, echoInvoker("echo:"))
	if err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	gateway, err := NewGateway(reg, &Options{Path: "/mcp"})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	t.Cleanup(gateway.Close)
	server := httptest.NewServer(gateway.Handler())
	t.Cleanup(server.Close)

	session := connectClient(t, server.URL+"/mcp")
	if names := listToolNames(t, session); len(names) != 1 || names[0] != "mcp_alpha_echo" {
		t.Fatalf("advertised tools = %v", names)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "mcp_alpha_echo", Arguments: map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok || text.Text != `echo:{"x":1}` {
		t.Fatalf("CallTool result = %#v", res.Content)
	}

	if _, err := reg.RegisterTool(registry.ToolData{ID: "mcp_beta_ping", ToolReferenceName: "mcp_beta_ping"}, echoInvoker("")); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	echo.Dispose()
	if names := listToolNames(t, session); len(names) != 1 {
		t.Fatalf("tools changed before flush: %v", names)
	}
	reg.FlushToolUpdates()
	if names := listToolNames(t, session); len(names) != 1 || names[0] != "mcp_beta_ping" {
		t.Fatalf("tools after flush = %v", names)
	}
}

func TestGatewayStopsMirroringAfterClose(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	gateway, err := NewGateway(reg, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	gateway.Close()

	if _, err := reg.RegisterTool(registry.ToolData{ID: "late"}, echoInvoker("")); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	reg.FlushToolUpdates()
	if n := gateway.features.Len(); n != 0 {
		t.Fatalf("closed gateway mirrored %d tools", n)
	}
}

func TestGatewayRequiresRegistry(t *testing.T) {
	t.Parallel()
	if _, err := NewGateway(nil, nil); err == nil {
		t.Fatalf("expected error without registry")
	}
}

// Verifies that consumers can add custom routes through Options.Routes and
// the exposed router.
func TestGatewayRouterAllowsCustomRoutes(t *testing.T) {
	gateway, err := NewGateway(registry.New(nil), &Options{
		Path: "/mcp",
		Routes: func(r chi.Router) {
			r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("ok"))
			})
		},
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	gateway.Router().Get("/late", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ready"))
	})

	for path, want := range map[string]string{"/healthz": "ok", "/late": "ready"} {
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode != http.StatusOK || string(body) != want {
			t.Fatalf("GET %s = %d %q, want 200 %q", path, res.StatusCode, body, want)
		}
	}
}

func TestGatewayStatusAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	m.SetConnections(2)

	gateway, err := NewGateway(registry.New(m), &Options{
		Metrics: promReg,
		Status: func() any {
			return map[string]int{"servers": 2}
		},
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var status map[string]int
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	res.Body.Close()
	if status["servers"] != 2 {
		t.Fatalf("status = %v", status)
	}

	res, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(body), "mcphost_connections 2") {
		t.Fatalf("metrics output missing connections gauge:\n%s", body)
	}
}

func TestGatewayOptionalRoutesAbsentByDefault(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(registry.New(nil), nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	for _, path := range []string{"/status", "/metrics", protectedResourcePath} {
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s = %d, want 404", path, res.StatusCode)
		}
	}
}

func TestGatewayCORS(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(registry.New(nil), &Options{AllowedOrigins: []string{"https://app.example"}})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected Access-Control-Allow-Origin for foreign origin: %q", got)
	}
}
