package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const sessionIDHeaderName = "Mcp-Session-Id"

// dialer opens client sessions for one server. A new client is built per
// attempt so a failed handshake leaves no state behind.
type dialer struct {
	serverID   string
	impl       *mcp.Implementation
	clientOpts mcp.ClientOptions
	middleware mcp.Middleware
	rpcLogger  RPCLogger
	tracker    *sessionIDTracker
}

func (d *dialer) attempt(ctx context.Context, transport mcp.Transport) (*mcp.ClientSession, error) {
	opts := d.clientOpts
	client := mcp.NewClient(d.impl, &opts)
	if d.middleware != nil {
		client.AddReceivingMiddleware(d.middleware)
	}
	wrapped := transport
	if d.rpcLogger != nil {
		wrapped = &loggingTransport{serverID: d.serverID, delegate: transport, logger: d.rpcLogger}
	}
	return client.Connect(ctx, wrapped, nil)
}

func (d *dialer) dial(ctx context.Context, cfg ServerConfig, timeout time.Duration) (*mcp.ClientSession, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	switch cfg := cfg.(type) {
	case *StdioServerConfig:
		transport, err := buildStdioTransport(d.serverID, cfg)
		if err != nil {
			return nil, err
		}
		return d.attempt(ctx, transport)
	case *HTTPServerConfig:
		return d.dialHTTP(ctx, cfg)
	case *TransportServerConfig:
		if cfg.Transport == nil {
			return nil, fmt.Errorf("mcpmgr: transport missing for %q", d.serverID)
		}
		return d.attempt(ctx, cfg.Transport)
	default:
		return nil, fmt.Errorf("mcpmgr: unsupported config for %q", d.serverID)
	}
}

func (d *dialer) dialHTTP(ctx context.Context, cfg *HTTPServerConfig) (*mcp.ClientSession, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("mcpmgr: endpoint missing for %q", d.serverID)
	}
	if d.tracker == nil {
		d.tracker = newSessionIDTracker(cfg.SessionID)
	} else {
		d.tracker.Reset(cfg.SessionID)
	}

	streamHeaders := headersFromRequestInit(cfg.RequestInit)
	streamableTransport := &mcp.StreamableClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: decorateHTTPClient(cfg.HTTPClient, streamHeaders, d.tracker, cfg.AuthProvider),
		MaxRetries: resolveMaxRetries(cfg),
	}
	sseHeaders := mergeHeaders(streamHeaders, headersFromSSEInit(cfg.EventSourceInit))
	sseTransport := &mcp.SSEClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: decorateHTTPClient(cfg.HTTPClient, sseHeaders, d.tracker, cfg.AuthProvider),
	}

	var streamErr error
	if !shouldPreferSSE(cfg) {
		session, err := d.attempt(ctx, streamableTransport)
		if err == nil {
			d.tracker.Set(session.ID())
			return session, nil
		}
		streamErr = err
	}
	session, err := d.attempt(ctx, sseTransport)
	if err != nil {
		if streamErr != nil {
			return nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
		}
		return nil, err
	}
	d.tracker.Set(session.ID())
	return session, nil
}

func buildStdioTransport(serverID string, cfg *StdioServerConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcpmgr: command missing for %q", serverID)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.Dir = cfg.Dir
	return &mcp.CommandTransport{Command: cmd}, nil
}

func mergeClientOptions(dst, src *mcp.ClientOptions) {
	if src == nil {
		return
	}
	if src.CreateMessageHandler != nil {
		dst.CreateMessageHandler = src.CreateMessageHandler
	}
	if src.ElicitationHandler != nil {
		dst.ElicitationHandler = src.ElicitationHandler
	}
	if src.ToolListChangedHandler != nil {
		dst.ToolListChangedHandler = src.ToolListChangedHandler
	}
	if src.PromptListChangedHandler != nil {
		dst.PromptListChangedHandler = src.PromptListChangedHandler
	}
	if src.ResourceListChangedHandler != nil {
		dst.ResourceListChangedHandler = src.ResourceListChangedHandler
	}
	if src.ResourceUpdatedHandler != nil {
		dst.ResourceUpdatedHandler = src.ResourceUpdatedHandler
	}
	if src.LoggingMessageHandler != nil {
		dst.LoggingMessageHandler = src.LoggingMessageHandler
	}
	if src.ProgressNotificationHandler != nil {
		dst.ProgressNotificationHandler = src.ProgressNotificationHandler
	}
	if src.KeepAlive != 0 {
		dst.KeepAlive = src.KeepAlive
	}
}

// slogRPCLogger writes JSON-RPC traffic at debug level.
func slogRPCLogger(logger *slog.Logger) RPCLogger {
	return func(event RPCLogEvent) {
		logger.Debug("jsonrpc",
			"server", event.ServerID,
			"direction", strings.ToUpper(string(event.Direction)),
			"message", string(event.Message))
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

type loggingTransport struct {
	serverID string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{serverID: t.serverID, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	serverID string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	if c.logger == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}

// isMethodUnavailableError reports whether err says the server does not
// implement a method. Servers word this inconsistently, so any of the common
// phrasings counts.
func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")
}

type sessionIDTracker struct {
	mu    sync.RWMutex
	value string
}

func newSessionIDTracker(initial string) *sessionIDTracker {
	return &sessionIDTracker{value: initial}
}

func (s *sessionIDTracker) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *sessionIDTracker) Reset(value string) { s.Set(value) }

func (s *sessionIDTracker) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func shouldPreferSSE(cfg *HTTPServerConfig) bool {
	if cfg.PreferSSE != nil {
		return *cfg.PreferSSE
	}
	return strings.HasSuffix(strings.TrimSpace(cfg.Endpoint), "/sse")
}

func headersFromRequestInit(init *HTTPRequestInit) http.Header {
	if init == nil {
		return nil
	}
	return cloneHeader(init.Headers)
}

func headersFromSSEInit(init *SSERequestInit) http.Header {
	if init == nil {
		return nil
	}
	return cloneHeader(init.Headers)
}

func decorateHTTPClient(base *http.Client, headers http.Header, tracker *sessionIDTracker, provider HTTPAuthProvider) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:         defaultRoundTripper(base.Transport),
		headers:      cloneHeader(headers),
		tracker:      tracker,
		authProvider: provider,
	}
	return &clone
}

func resolveMaxRetries(cfg *HTTPServerConfig) int {
	if cfg.ReconnectionOptions != nil && cfg.ReconnectionOptions.MaxRetries != 0 {
		return cfg.ReconnectionOptions.MaxRetries
	}
	return cfg.MaxRetries
}

func mergeHeaders(headers ...http.Header) http.Header {
	result := http.Header{}
	for _, hdr := range headers {
		for k, values := range hdr {
			result[k] = append([]string(nil), values...)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

type headerDecorator struct {
	next         http.RoundTripper
	headers      http.Header
	tracker      *sessionIDTracker
	authProvider HTTPAuthProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.tracker != nil {
		if sessionID := d.tracker.Value(); sessionID != "" {
			req.Header.Set(sessionIDHeaderName, sessionID)
		}
	}
	if d.authProvider != nil && req.Header.Get("Authorization") == "" {
		token, err := d.authProvider(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
