package mcpmgr

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/toolcache"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// HTTPAuthProvider dynamically supplies an Authorization header (for example,
// "Bearer <token>") for outbound HTTP requests.
type HTTPAuthProvider func(context.Context) (string, error)

// HTTPRequestInit carries headers added to every Streamable HTTP request.
type HTTPRequestInit struct {
	Headers http.Header
}

// SSERequestInit carries headers added to every SSE request.
type SSERequestInit struct {
	Headers http.Header
}

// StreamableReconnectionOptions configures the reconnect strategy for the
// Streamable HTTP transport.
type StreamableReconnectionOptions struct {
	MaxRetries int
}

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	ClientOptions mcp.ClientOptions
	Timeout       time.Duration
	Version       string
	OnError       func(error)
	LogJSONRPC    bool
	RPCLogger     RPCLogger
}

// StdioServerConfig describes an MCP server launched via stdio.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// HTTPServerConfig describes an MCP server reachable over HTTP transports.
type HTTPServerConfig struct {
	BaseServerConfig
	Endpoint   string
	HTTPClient *http.Client
	MaxRetries int

	RequestInit         *HTTPRequestInit
	EventSourceInit     *SSERequestInit
	AuthProvider        HTTPAuthProvider
	ReconnectionOptions *StreamableReconnectionOptions
	SessionID           string
	PreferSSE           *bool
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// TransportServerConfig connects over a transport built by the caller, such
// as one half of mcp.NewInMemoryTransports. A transport can be connected
// once, so Configure hooks must return a fresh one per start.
type TransportServerConfig struct {
	BaseServerConfig
	Transport mcp.Transport
}

func (c *TransportServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
}

// ElicitationHandler mirrors the MCP client elicitation handler signature.
type ElicitationHandler func(context.Context, *mcp.ElicitRequest) (*mcp.ElicitResult, error)

// TrustFunc decides whether a server may be started. interactive reports
// whether the user may be asked; when it is false and the server is not yet
// trusted, return false so Start can report that interaction is required.
type TrustFunc func(ctx context.Context, coll mcphost.CollectionDefinition, def mcphost.ServerDefinition, interactive bool) (bool, error)

// Options configure every Connection built by a Factory.
type Options struct {
	// ClientName overrides the client name advertised during initialization.
	// When empty, the server ID is used.
	ClientName string
	// ClientVersion controls the semantic version reported to servers.
	ClientVersion string
	// DefaultTimeout is applied whenever a server configuration omits an
	// explicit timeout.
	DefaultTimeout time.Duration
	// DefaultClientOptions are merged into each server's BaseServerConfig
	// options prior to connection.
	DefaultClientOptions mcp.ClientOptions
	// DefaultLogJSONRPC logs JSON-RPC traffic for all servers unless
	// overridden per server.
	DefaultLogJSONRPC bool
	// RPCLogger provides a custom logger for JSON-RPC traffic; it takes
	// precedence over DefaultLogJSONRPC.
	RPCLogger RPCLogger
	// ConnectAttempts bounds connection retries per Start. Zero means 3.
	ConnectAttempts uint
	Trust           TrustFunc
	// Configure maps a definition to a ServerConfig. FromLaunch is used when
	// nil.
	Configure func(mcphost.ServerDefinition) (ServerConfig, error)
	Logger    *slog.Logger
}

func (o Options) normalized() Options {
	if o.ClientVersion == "" {
		o.ClientVersion = "1.0.0"
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = 3
	}
	if o.Configure == nil {
		o.Configure = FromLaunch
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Params identify the server a Connection talks to.
type Params struct {
	Collection mcphost.CollectionDefinition
	Definition mcphost.ServerDefinition
	// Cache holds the last tool list seen for this server. Nil disables
	// caching.
	Cache toolcache.Store
}
