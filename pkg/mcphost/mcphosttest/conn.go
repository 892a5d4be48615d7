// Package mcphosttest provides an in-memory mcphost.ServerConnection for
// tests.
package mcphosttest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/observable"
)

// Conn is a scriptable connection. The zero hooks start instantly and echo
// tool calls.
type Conn struct {
	// StartFunc replaces the default start behaviour when set.
	StartFunc func(ctx context.Context, c *Conn, opts mcphost.StartOptions) (mcphost.Status, error)
	// CallFunc replaces the default tool call behaviour when set.
	CallFunc func(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)

	mu   sync.Mutex
	coll mcphost.CollectionDefinition
	def  mcphost.ServerDefinition

	state *observable.Value[mcphost.Status]
	tools *observable.Value[[]*mcp.Tool]
	cache *observable.Value[mcphost.CacheState]

	completions map[uint64]func(string)
	nextSub     uint64

	starts atomic.Int32
	stops  atomic.Int32
	calls  atomic.Int32
	closed atomic.Bool
}

var _ mcphost.ServerConnection = (*Conn)(nil)

// New returns a stopped connection with no tools and an unknown cache.
func New(coll mcphost.CollectionDefinition, def mcphost.ServerDefinition) *Conn {
	return &Conn{
		coll:        coll,
		def:         def,
		state:       observable.NewValue(mcphost.Status{State: mcphost.StateStopped}),
		tools:       observable.NewValue[[]*mcp.Tool](nil),
		cache:       observable.NewValue(mcphost.CacheUnknown),
		completions: make(map[uint64]func(string)),
	}
}

func (c *Conn) Collection() mcphost.CollectionDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coll
}

func (c *Conn) Definition() mcphost.ServerDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.def
}

func (c *Conn) UpdateDefinition(def mcphost.ServerDefinition) {
	c.mu.Lock()
	c.def = def
	c.mu.Unlock()
}

func (c *Conn) State() *observable.Value[mcphost.Status] { return c.state }
func (c *Conn) Tools() *observable.Value[[]*mcp.Tool] { return c.tools }
func (c *Conn) CacheState() *observable.Value[mcphost.CacheState] { return c.cache }

func (c *Conn) Start(ctx context.Context, opts mcphost.StartOptions) (mcphost.Status, error) {
	c.starts.Add(1)
	if c.StartFunc != nil {
		return c.StartFunc(ctx, c, opts)
	}
	c.state.Set(mcphost.Status{State: mcphost.StateStarting})
	st := mcphost.Status{State: mcphost.StateRunning}
	c.state.Set(st)
	c.cache.Set(mcphost.CacheLive)
	return st, nil
}

func (c *Conn) Stop(context.Context) error {
	c.stops.Add(1)
	c.state.Set(mcphost.Status{State: mcphost.StateStopped})
	return nil
}

func (c *Conn) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	c.calls.Add(1)
	if c.CallFunc != nil {
		return c.CallFunc(ctx, params)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: params.Name}}}, nil
}

func (c *Conn) OnElicitationComplete(fn func(string)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.completions[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.completions, id)
		c.mu.Unlock()
	}
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

// SetTools publishes a new tool list.
func (c *Conn) SetTools(tools ...*mcp.Tool) { c.tools.Set(tools) }

// SetState publishes a new connection state.
func (c *Conn) SetState(s mcphost.ConnectionState, msg string) {
	c.state.Set(mcphost.Status{State: s, Message: msg})
}

// SetCache publishes a new cache state.
func (c *Conn) SetCache(s mcphost.CacheState) { c.cache.Set(s) }

// CompleteElicitation delivers an "elicitation complete" notification.
func (c *Conn) CompleteElicitation(id string) {
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

// Subscribers reports how many elicitation-complete listeners are attached.
func (c *Conn) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completions)
}

func (c *Conn) Starts() int { return int(c.starts.Load()) }
func (c *Conn) Stops() int { return int(c.stops.Load()) }
func (c *Conn) Calls() int { return int(c.calls.Load()) }
func (c *Conn) Closed() bool { return c.closed.Load() }
