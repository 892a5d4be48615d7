package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/modelcontextprotocol/go-sdk/oauthex"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/registry"
)

const protectedResourcePath = "/.well-known/oauth-protected-resource"

// Gateway exposes a Streamable MCP server that advertises every tool in a
// registry under a single HTTP endpoint.
type Gateway struct {
	registry *registry.Registry
	opts     Options

	features *featureIndex

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	router        chi.Router
	httpHandler   http.Handler

	serverMu     sync.Mutex
	httpServerMu sync.Mutex
	httpServer   *http.Server

	unsubscribe func()
}

// NewGateway builds a Gateway, mirrors the current registry contents and keeps
// mirroring them after every registry flush.
func NewGateway(reg *registry.Registry, opts *Options) (*Gateway, error) {
	if reg == nil {
		return nil, fmt.Errorf("mcpgateway: registry is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("mcpgateway: TokenOptions requires a TokenVerifier")
	}
	g := &Gateway{
		registry: reg,
		opts:     options,
		features: newFeatureIndex(),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	g.unsubscribe = reg.OnFlush(g.Sync)
	g.Sync()
	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint and the
// auxiliary routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// Router exposes the underlying router so callers can add routes.
func (g *Gateway) Router() chi.Router {
	return g.router
}

// Server exposes the MCP server that downstream clients talk to.
func (g *Gateway) Server() *mcp.Server {
	return g.server
}

// Sync mirrors the registry into the MCP server.
func (g *Gateway) Sync() {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	removed, added := g.features.UpdateTools(g.registry.Tools())
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	for _, reg := range added {
		g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target))
	}
	if len(removed) > 0 || len(added) > 0 {
		g.opts.Logger.Debug("gateway tools mirrored", "added", len(added), "removed", len(removed), "total", g.features.Len())
	}
}

// Close stops mirroring the registry.
func (g *Gateway) Close() {
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.opts.Logger.Info("gateway listening", "addr", g.opts.Addr, "path", g.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		return g.registry.Invoke(ctx, target.ToolID, args)
	}
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	g.router = r

	var mcpHandler http.Handler = g.streamHandler
	if g.opts.TokenVerifier != nil {
		mcpHandler = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(mcpHandler)
		r.Handle(protectedResourcePath, http.HandlerFunc(g.serveProtectedResource))
	}
	if g.opts.Metrics != nil {
		r.Handle("/metrics", metrics.Handler(g.opts.Metrics))
	}
	if g.opts.Status != nil {
		r.Get("/status", g.serveStatus)
	}
	if g.opts.Routes != nil {
		g.opts.Routes(r)
	}
	r.Handle(path, mcpHandler)
	if !strings.HasSuffix(path, "/") {
		r.Handle(path+"/*", mcpHandler)
	}

	if len(g.opts.AllowedOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: g.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id", "WWW-Authenticate"},
	}).Handler(r)
}

// serveProtectedResource describes the MCP endpoint as seen by the caller,
// so the resource identifier follows the host the client used.
func (g *Gateway) serveProtectedResource(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	meta := &oauthex.ProtectedResourceMetadata{
		Resource:               scheme + "://" + r.Host + g.opts.Path,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           g.opts.Implementation.Title,
	}
	if g.opts.AuthorizationServer != "" {
		meta.AuthorizationServers = []string{g.opts.AuthorizationServer}
	}
	if g.opts.TokenOptions != nil {
		meta.ScopesSupported = g.opts.TokenOptions.Scopes
	}
	auth.ProtectedResourceMetadataHandler(meta).ServeHTTP(w, r)
}

func (g *Gateway) serveStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, g.opts.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
