package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful shutdown in ListenAndServe.
	ShutdownTimeout time.Duration

	// TokenVerifier enables bearer-token auth on the MCP endpoint.
	TokenVerifier auth.TokenVerifier
	// TokenOptions tune the bearer-token middleware. Requires TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// AuthorizationServer is advertised from
	// /.well-known/oauth-protected-resource when auth is enabled.
	AuthorizationServer string

	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string
	// Metrics serves /metrics from the gatherer when set.
	Metrics prometheus.Gatherer
	// Status serves its JSON-encoded result from /status when set.
	Status func() any
	// Routes registers extra routes on the router before the MCP handler.
	Routes func(chi.Router)
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcptoolhost",
			Title:   "MCP Tool Host",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return opts
}
