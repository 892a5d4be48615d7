package host

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/autostart"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/elicitation"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/registry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fleet serves one in-memory MCP server per declared server id.
type fleet struct {
	mu      sync.Mutex
	servers map[string]*mcp.Server
}

func newFleet() *fleet { return &fleet{servers: make(map[string]*mcp.Server)} }

func (f *fleet) add(id string, tools ...string) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: id, Version: "0.0.1"}, nil)
	for _, name := range tools {
		s.AddTool(&mcp.Tool{Name: name, InputSchema: &jsonschema.Schema{Type: "object"}},
			func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: id + ":" + name}}}, nil
			})
	}
	f.mu.Lock()
	f.servers[id] = s
	f.mu.Unlock()
	return s
}

func (f *fleet) configure(def mcphost.ServerDefinition) (mcpmgr.ServerConfig, error) {
	f.mu.Lock()
	s := f.servers[def.ID]
	f.mu.Unlock()
	clientT, serverT := mcp.NewInMemoryTransports()
	if _, err := s.Connect(context.Background(), serverT, nil); err != nil {
		return nil, err
	}
	return &mcpmgr.TransportServerConfig{Transport: clientT}, nil
}

func newHost(t *testing.T, f *fleet, opts Options) *Host {
	t.Helper()
	opts.Connections.Configure = f.configure
	opts.Connections.ConnectAttempts = 1
	opts.Connections.DefaultTimeout = 5 * time.Second
	opts.Logger = discard
	h, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func server(id, label string) mcphost.ServerDefinition {
	return mcphost.ServerDefinition{
		ID:     id,
		Label:  label,
		Launch: mcphost.LaunchConfig{Type: mcphost.TransportStdio, Command: id},
	}
}

func collection(id string, scope mcphost.Scope, servers ...mcphost.ServerDefinition) mcphost.Collection {
	return mcphost.Collection{
		Definition: mcphost.CollectionDefinition{ID: id, Label: id, Scope: scope},
		Servers:    servers,
	}
}

func toolIDs(r *registry.Registry) []string {
	var ids []string
	for _, tool := range r.Tools() {
		ids = append(ids, tool.ID)
	}
	sort.Strings(ids)
	return ids
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content %#v", res.Content[0])
	return text.Text
}

func TestAutostartRegistersToolsUnderDistinctPrefixes(t *testing.T) {
	t.Parallel()

	f := newFleet()
	f.add("alpha", "echo")
	f.add("beta", "echo")
	h := newHost(t, f, Options{Policy: autostart.PolicyOnlyNew})

	res := h.Apply(testCtx(t), []mcphost.Collection{
		collection("user", mcphost.ScopeProfile, server("alpha", "Files")),
		collection("ws", mcphost.ScopeWorkspace, server("beta", "Files")),
	})
	require.Len(t, res.Created, 2)
	assert.Empty(t, toolIDs(h.Registry()))

	st, err := h.Autostart(testCtx(t)).Wait(testCtx(t))
	require.NoError(t, err)
	assert.False(t, st.Working)
	assert.Empty(t, st.ServersRequiringInteraction)

	require.Eventually(t, func() bool { return len(h.Registry().Tools()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"mcp_files_2echo", "mcp_files_echo"}, toolIDs(h.Registry()))

	for _, tool := range h.Registry().Tools() {
		out, err := h.Registry().Invoke(testCtx(t), tool.ID, json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Equal(t, tool.Source.ServerID+":echo", textOf(t, out))
	}

	status := h.Status()
	assert.Equal(t, "only-new", status.Policy)
	assert.Equal(t, 2, status.Tools)
	require.Len(t, status.Servers, 2)
	for _, s := range status.Servers {
		assert.Equal(t, mcphost.StateRunning.String(), s.State)
		assert.Equal(t, mcphost.CacheLive.String(), s.Cache)
		assert.Equal(t, 1, s.Tools)
	}
}

func TestRemovedDeclarationsDisposeTools(t *testing.T) {
	t.Parallel()

	f := newFleet()
	f.add("alpha", "echo", "ping")
	h := newHost(t, f, Options{})

	h.Apply(testCtx(t), []mcphost.Collection{collection("ws", mcphost.ScopeWorkspace, server("alpha", "Alpha"))})
	conn := h.Servers()[0]
	_, err := conn.Start(testCtx(t), mcphost.StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.Registry().Tools()) == 2 }, 5*time.Second, 10*time.Millisecond)

	res := h.Apply(testCtx(t), nil)
	assert.Equal(t, []mcphost.ServerKey{{CollectionID: "ws", ServerID: "alpha"}}, res.Disposed)
	assert.Empty(t, h.Servers())
	assert.Empty(t, h.Registry().Tools())
	assert.False(t, conn.State().Get().State.IsLive())
}

func TestUntrustedServerRequiresInteraction(t *testing.T) {
	t.Parallel()

	f := newFleet()
	f.add("alpha", "echo")
	f.add("beta", "echo")
	h := newHost(t, f, Options{
		Policy: autostart.PolicyNewAndOutdated,
		Connections: mcpmgr.Options{
			Trust: func(_ context.Context, _ mcphost.CollectionDefinition, def mcphost.ServerDefinition, _ bool) (bool, error) {
				return def.ID != "beta", nil
			},
		},
	})
	h.Apply(testCtx(t), []mcphost.Collection{
		collection("ws", mcphost.ScopeWorkspace, server("alpha", "Alpha"), server("beta", "Beta")),
	})

	st, err := h.Autostart(testCtx(t)).Wait(testCtx(t))
	require.NoError(t, err)
	require.Len(t, st.ServersRequiringInteraction, 1)
	assert.Equal(t, "beta", st.ServersRequiringInteraction[0].ID)
	assert.Equal(t, "ws", st.ServersRequiringInteraction[0].CollectionID)

	require.Eventually(t, func() bool { return len(h.Registry().Tools()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"mcp_alpha_echo"}, toolIDs(h.Registry()))
}

func TestProfileToolsSurviveRestartThroughSQLiteCache(t *testing.T) {
	t.Parallel()

	f := newFleet()
	f.add("alpha", "echo")
	path := filepath.Join(t.TempDir(), "tools.db")
	decls := []mcphost.Collection{collection("user", mcphost.ScopeProfile, server("alpha", "Alpha"))}

	first, err := New(context.Background(), Options{
		CachePath: path,
		Logger:    discard,
		Connections: mcpmgr.Options{
			Configure:       f.configure,
			ConnectAttempts: 1,
		},
	})
	require.NoError(t, err)
	first.Apply(testCtx(t), decls)
	_, err = first.Servers()[0].Start(testCtx(t), mcphost.StartOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newHost(t, f, Options{CachePath: path})
	second.Apply(testCtx(t), decls)
	conn := second.Servers()[0]
	assert.Equal(t, mcphost.StateStopped, conn.State().Get().State)
	assert.Equal(t, mcphost.CacheFromCache, conn.CacheState().Get())
	assert.Equal(t, []string{"mcp_alpha_echo"}, toolIDs(second.Registry()))

	// A cached tool starts its server on first use.
	out, err := second.Registry().Invoke(testCtx(t), "mcp_alpha_echo", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "alpha:echo", textOf(t, out))
	assert.Equal(t, mcphost.StateRunning, conn.State().Get().State)
}

type acceptingSurface struct{}

func (acceptingSurface) Show(context.Context, elicitation.Prompt) (elicitation.Choice, error) {
	return elicitation.ChoiceAccept, nil
}

type fixedPrompter struct{ text string }

func (p fixedPrompter) Pick(context.Context, elicitation.Question) (elicitation.Step, error) {
	return elicitation.Step{Kind: elicitation.StepCancel}, nil
}

func (p fixedPrompter) Input(context.Context, elicitation.Question) (elicitation.Step, error) {
	return elicitation.Step{Kind: elicitation.StepValue, Text: p.text}, nil
}

func TestElicitationReachesPrompter(t *testing.T) {
	t.Parallel()

	f := newFleet()
	srv := f.add("alpha")
	srv.AddTool(&mcp.Tool{Name: "whoami", InputSchema: &jsonschema.Schema{Type: "object"}},
		func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			res, err := req.Session.Elicit(ctx, &mcp.ElicitParams{
				Message: "Who are you?",
				RequestedSchema: &jsonschema.Schema{
					Type:       "object",
					Properties: map[string]*jsonschema.Schema{"name": {Type: "string"}},
					Required:   []string{"name"},
				},
			})
			if err != nil {
				return nil, err
			}
			name, _ := res.Content["name"].(string)
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: res.Action + ":" + name}}}, nil
		})

	h := newHost(t, f, Options{Notifier: acceptingSurface{}, Prompter: fixedPrompter{text: "Ann"}})
	h.Apply(testCtx(t), []mcphost.Collection{collection("ws", mcphost.ScopeWorkspace, server("alpha", "Alpha"))})

	_, err := h.Servers()[0].Start(testCtx(t), mcphost.StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.Registry().Tools()) == 1 }, 5*time.Second, 10*time.Millisecond)

	out, err := h.Registry().Invoke(testCtx(t), "mcp_alpha_whoami", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "accept:Ann", textOf(t, out))
	assert.Empty(t, h.Status().Elicitations)
}
