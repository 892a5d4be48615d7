package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/elicitation"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/observable"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/toolcache"
)

const elicitationCompleteMethod = "notifications/elicitation/complete"

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("mcpmgr: connection closed")

// Connection manages the client session of a single declared server and
// publishes its status and tool list.
type Connection struct {
	opts   Options
	coll   mcphost.CollectionDefinition
	cache  toolcache.Store
	logger *slog.Logger

	state      *observable.Value[mcphost.Status]
	tools      *observable.Value[[]*mcp.Tool]
	cacheState *observable.Value[mcphost.CacheState]

	// refreshMu serializes tool listings so the last one published is the
	// last one fetched.
	refreshMu sync.Mutex

	mu             sync.Mutex
	def            mcphost.ServerDefinition
	session        *mcp.ClientSession
	connecting     bool
	connectCh      chan struct{}
	toolsFrom      string // fingerprint the published tools were listed under
	elicit         ElicitationHandler
	completions    map[uint64]func(string)
	nextCompletion uint64
	tracker        *sessionIDTracker
	closed         bool
}

var _ mcphost.ServerConnection = (*Connection)(nil)

// New builds a stopped connection. Tools cached for the server are published
// immediately.
func New(ctx context.Context, p Params, opts Options) *Connection {
	opts = opts.normalized()
	c := &Connection{
		opts:        opts,
		coll:        p.Collection,
		cache:       p.Cache,
		def:         p.Definition,
		logger:      opts.Logger.With("server", mcphost.ServerKey{CollectionID: p.Collection.ID, ServerID: p.Definition.ID}.String()),
		state:       observable.NewValue(mcphost.Status{State: mcphost.StateStopped}),
		tools:       observable.NewValue[[]*mcp.Tool](nil),
		cacheState:  observable.NewValue(mcphost.CacheUnknown),
		completions: make(map[uint64]func(string)),
		tracker:     newSessionIDTracker(""),
	}
	if c.cache == nil {
		return c
	}
	entry, found, err := c.cache.Load(ctx, c.cacheKey())
	if err != nil {
		c.logger.Warn("failed to load cached tools", "error", err)
		return c
	}
	if found {
		c.tools.Set(entry.Tools)
		c.toolsFrom = entry.Fingerprint
	}
	c.cacheState.Set(toolcache.StateFor(entry, found, p.Definition.Fingerprint()))
	return c
}

func (c *Connection) cacheKey() string {
	return toolcache.Key(mcphost.KeyOf(c))
}

func (c *Connection) Collection() mcphost.CollectionDefinition { return c.coll }

func (c *Connection) Definition() mcphost.ServerDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.def
}

// UpdateDefinition swaps the definition used by the next Start. A running
// session keeps its original launch parameters. A connection in Error with
// no session returns to Stopped when the definition actually changes.
func (c *Connection) UpdateDefinition(def mcphost.ServerDefinition) {
	c.mu.Lock()
	changed := !c.def.Equal(def)
	c.def = def
	idle := c.session == nil
	c.mu.Unlock()
	if changed && idle {
		c.state.Update(func(cur mcphost.Status) mcphost.Status {
			if cur.State == mcphost.StateError {
				return mcphost.Status{State: mcphost.StateStopped}
			}
			return cur
		})
	}
	c.settleCacheState()
}

func (c *Connection) State() *observable.Value[mcphost.Status]          { return c.state }
func (c *Connection) Tools() *observable.Value[[]*mcp.Tool]             { return c.tools }
func (c *Connection) CacheState() *observable.Value[mcphost.CacheState] { return c.cacheState }

// SetElicitationHandler routes elicitation requests from the server to h.
func (c *Connection) SetElicitationHandler(h ElicitationHandler) {
	c.mu.Lock()
	c.elicit = h
	c.mu.Unlock()
}

// SessionID returns the transport session id of the current session, if any.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if v := c.tracker.Value(); v != "" {
		return v
	}
	if session != nil {
		return session.ID()
	}
	return ""
}

// Start connects to the server unless a session is already open. Concurrent
// callers share one connection attempt.
func (c *Connection) Start(ctx context.Context, so mcphost.StartOptions) (mcphost.Status, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return c.state.Get(), ErrClosed
		}
		if c.session != nil {
			c.mu.Unlock()
			return c.state.Get(), nil
		}
		if c.connecting {
			ch := c.connectCh
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return c.state.Get(), ctx.Err()
			case <-ch:
				continue
			}
		}
		c.connecting = true
		c.connectCh = make(chan struct{})
		def := c.def
		c.mu.Unlock()

		status, err := c.start(ctx, def, so)

		c.mu.Lock()
		c.connecting = false
		close(c.connectCh)
		c.mu.Unlock()
		return status, err
	}
}

func (c *Connection) start(ctx context.Context, def mcphost.ServerDefinition, so mcphost.StartOptions) (mcphost.Status, error) {
	if c.opts.Trust != nil {
		trusted, err := c.opts.Trust(ctx, c.coll, def, !so.ErrorOnUserInteraction)
		if err != nil {
			return c.fail(fmt.Errorf("trust check: %w", err))
		}
		if !trusted {
			if so.ErrorOnUserInteraction {
				return c.state.Get(), &mcphost.InteractionRequiredError{
					ServerID: def.ID,
					Label:    def.Label,
					Reason:   "server is not trusted",
				}
			}
			status := mcphost.Status{State: mcphost.StateStopped, Message: "server is not trusted"}
			c.state.Set(status)
			return status, nil
		}
	}

	cfg, err := c.opts.Configure(def)
	if err != nil {
		return c.fail(err)
	}
	base := cfg.base()
	timeout := base.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}

	c.state.Set(mcphost.Status{State: mcphost.StateStarting})
	d := c.dialer(def, base)
	session, err := backoff.Retry(ctx, func() (*mcp.ClientSession, error) {
		s, err := d.dial(ctx, cfg, timeout)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("connect attempt failed", "error", err)
		return nil, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.opts.ConnectAttempts),
	)
	if err != nil {
		if base.OnError != nil {
			base.OnError(err)
		}
		return c.fail(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = session.Close()
		return c.state.Get(), ErrClosed
	}
	c.session = session
	c.mu.Unlock()

	c.state.Set(mcphost.Status{State: mcphost.StateRunning})
	go c.monitor(session, base)

	if err := c.refreshTools(ctx, session, def.Fingerprint()); err != nil {
		c.mu.Lock()
		if c.session == session {
			c.session = nil
		}
		c.mu.Unlock()
		_ = session.Close()
		return c.fail(fmt.Errorf("list tools: %w", err))
	}
	c.logger.Info("server started", "tools", len(c.tools.Get()))
	return c.state.Get(), nil
}

func (c *Connection) fail(err error) (mcphost.Status, error) {
	c.logger.Error("server failed", "error", err)
	status := mcphost.Status{State: mcphost.StateError, Message: err.Error()}
	c.state.Set(status)
	c.settleCacheState()
	return status, err
}

func (c *Connection) dialer(def mcphost.ServerDefinition, base *BaseServerConfig) *dialer {
	name := c.opts.ClientName
	if name == "" {
		name = def.ID
	}
	version := base.Version
	if version == "" {
		version = c.opts.ClientVersion
	}
	return &dialer{
		serverID:   def.ID,
		impl:       &mcp.Implementation{Name: name, Version: version},
		clientOpts: c.composeClientOptions(base, def.Fingerprint()),
		middleware: c.completionMiddleware(),
		rpcLogger:  c.resolveRPCLogger(base),
		tracker:    c.tracker,
	}
}

func (c *Connection) composeClientOptions(base *BaseServerConfig, fingerprint string) mcp.ClientOptions {
	opts := c.opts.DefaultClientOptions
	mergeClientOptions(&opts, &base.ClientOptions)

	originalTool := opts.ToolListChangedHandler
	opts.ToolListChangedHandler = func(ctx context.Context, req *mcp.ToolListChangedRequest) {
		if originalTool != nil {
			originalTool(ctx, req)
		}
		session := req.Session
		go func() {
			if err := c.refreshTools(context.Background(), session, fingerprint); err != nil {
				c.logger.Warn("failed to refresh tools", "error", err)
			}
		}()
	}

	fallback := opts.ElicitationHandler
	opts.ElicitationHandler = func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
		c.mu.Lock()
		h := c.elicit
		c.mu.Unlock()
		if h == nil {
			h = fallback
		}
		if h == nil {
			return nil, fmt.Errorf("mcpmgr: no elicitation handler for %q", c.Definition().ID)
		}
		return h(ctx, req)
	}
	return opts
}

func (c *Connection) resolveRPCLogger(base *BaseServerConfig) RPCLogger {
	if base.RPCLogger != nil {
		return base.RPCLogger
	}
	if c.opts.RPCLogger != nil {
		return c.opts.RPCLogger
	}
	if base.LogJSONRPC || c.opts.DefaultLogJSONRPC {
		return slogRPCLogger(c.logger)
	}
	return nil
}

// completionMiddleware fans "elicitation complete" notifications out to
// OnElicitationComplete subscribers before the client handles them.
func (c *Connection) completionMiddleware() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method == elicitationCompleteMethod {
				if id, ok := elicitation.CompletionID(req.GetParams()); ok {
					c.dispatchCompletion(id)
				}
			}
			return next(ctx, method, req)
		}
	}
}

func (c *Connection) dispatchCompletion(id string) {
	c.mu.Lock()
	fns := make([]func(string), 0, len(c.completions))
	for _, fn := range c.completions {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

// OnElicitationComplete registers fn for completion notifications.
func (c *Connection) OnElicitationComplete(fn func(string)) func() {
	c.mu.Lock()
	id := c.nextCompletion
	c.nextCompletion++
	c.completions[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.completions, id)
		c.mu.Unlock()
	}
}

// refreshTools lists every tool page, writes the cache and then publishes the
// list. Results from a session that is no longer current are dropped.
func (c *Connection) refreshTools(ctx context.Context, session *mcp.ClientSession, fingerprint string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	ctx, cancel := withTimeout(ctx, c.opts.DefaultTimeout)
	defer cancel()

	tools := []*mcp.Tool{}
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				tools = []*mcp.Tool{}
				break
			}
			return err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}

	c.mu.Lock()
	current := c.session == session
	c.mu.Unlock()
	if !current {
		return nil
	}
	if c.cache != nil {
		entry := toolcache.Entry{Fingerprint: fingerprint, Tools: tools, UpdatedAt: time.Now()}
		if err := c.cache.Save(ctx, c.cacheKey(), entry); err != nil {
			c.logger.Warn("failed to cache tools", "error", err)
		}
	}
	c.mu.Lock()
	c.toolsFrom = fingerprint
	c.mu.Unlock()
	c.tools.Set(tools)
	c.cacheState.Set(mcphost.CacheLive)
	return nil
}

func (c *Connection) monitor(session *mcp.ClientSession, base *BaseServerConfig) {
	err := session.Wait()
	c.mu.Lock()
	current := c.session == session
	if current {
		c.session = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	if err != nil && base.OnError != nil {
		base.OnError(err)
	}
	status := mcphost.Status{State: mcphost.StateStopped, Message: "server exited"}
	if err != nil {
		status = mcphost.Status{State: mcphost.StateError, Message: fmt.Sprintf("server exited: %v", err)}
	}
	c.logger.Warn("server connection lost", "error", err)
	c.state.Set(status)
	c.settleCacheState()
}

// settleCacheState derives the cache state once tools are no longer live.
func (c *Connection) settleCacheState() {
	c.mu.Lock()
	live := c.session != nil
	toolsFrom := c.toolsFrom
	fingerprint := c.def.Fingerprint()
	c.mu.Unlock()
	if live {
		return
	}
	c.cacheState.Update(func(cur mcphost.CacheState) mcphost.CacheState {
		switch {
		case cur == mcphost.CacheUnknown:
			return cur
		case toolsFrom != fingerprint:
			return mcphost.CacheOutdated
		default:
			return mcphost.CacheFromCache
		}
	})
}

// Stop closes the current session. It returns ctx.Err() if ctx ends before
// the transport has shut down.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	c.state.Set(mcphost.Status{State: mcphost.StateStopped})
	c.settleCacheState()
	if session == nil {
		return nil
	}
	done := make(chan struct{})
	var closeErr error
	go func() {
		closeErr = session.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return closeErr
	}
}

func (c *Connection) currentSession() (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, fmt.Errorf("mcpmgr: server %q is not running", c.def.ID)
	}
	return c.session, nil
}

// CallTool invokes a tool on the running server.
func (c *Connection) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return session.CallTool(ctx, params)
}

// ReadResource reads uri from the running server.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, c.opts.DefaultTimeout)
	defer cancel()
	return session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
}

// Close stops the server and rejects later starts.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.completions = make(map[uint64]func(string))
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DefaultTimeout)
	defer cancel()
	return c.Stop(ctx)
}
