// Package toolsync mirrors a server connection's live tool list into the
// central registry.
package toolsync

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/registry"
)

// Options configure an Engine.
type Options struct {
	// Prefix namespaces every tool of the connection.
	Prefix   string
	Registry *registry.Registry
	Confirm  Confirmation
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

type registered struct {
	data   registry.ToolData
	tool   *registry.Registration
	member *registry.Registration
}

// Engine keeps the registry equal to one connection's tool list.
type Engine struct {
	conn mcphost.ServerConnection
	opts Options

	mu          sync.Mutex
	collection  mcphost.CollectionDefinition
	set         *registry.ToolSet
	setReg      *registry.Registration
	tools       map[string]*registered
	unsubscribe func()
	closed      bool
}

// New creates the connection's tool set, performs an initial sync and follows
// every later change to the connection's tool list.
func New(conn mcphost.ServerConnection, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("toolsync: registry is required")
	}
	options := opts.withDefaults()
	def := conn.Definition()
	coll := conn.Collection()
	set, setReg, err := options.Registry.CreateToolSet(options.Prefix, def.Label, registry.Source{
		CollectionID: coll.ID,
		ServerID:     def.ID,
		Label:        def.Label,
	})
	if err != nil {
		return nil, fmt.Errorf("toolsync: tool set for %s: %w", mcphost.KeyOf(conn), err)
	}
	e := &Engine{
		conn:       conn,
		opts:       options,
		collection: coll,
		set:        set,
		setReg:     setReg,
		tools:      make(map[string]*registered),
	}
	e.unsubscribe = conn.Tools().Subscribe(func([]*mcp.Tool) { e.refresh() })
	e.refresh()
	return e, nil
}

// SetCollection re-projects the current tools after collection metadata
// changed.
func (e *Engine) SetCollection(coll mcphost.CollectionDefinition) {
	e.mu.Lock()
	e.collection = coll
	e.mu.Unlock()
	e.refresh()
}

// refresh applies the connection's tool list as read under the engine lock,
// so a late notification never reinstates a superseded list.
func (e *Engine) refresh() {
	e.apply(e.conn.Tools().Get)
}

// Sync applies one tool list: removals first, then registrations, then a
// registry flush.
func (e *Engine) Sync(tools []*mcp.Tool) {
	e.apply(func() []*mcp.Tool { return tools })
}

func (e *Engine) apply(list func() []*mcp.Tool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	tools := list()
	def := e.conn.Definition()
	desired := make([]Desired, 0, len(tools))
	for _, tool := range tools {
		if tool == nil || tool.Name == "" {
			e.opts.Logger.Warn("skip unnamed tool", "server", def.ID)
			continue
		}
		desired = append(desired, Desired{
			Data:     Project(tool, e.opts.Prefix, e.collection, def),
			ToolName: tool.Name,
		})
	}
	current := make(map[string]registry.ToolData, len(e.tools))
	for id, r := range e.tools {
		current[id] = r.data
	}
	plan := Diff(current, desired)
	for _, name := range plan.Skipped {
		e.opts.Logger.Warn("skip duplicate tool", "server", def.ID, "tool", name)
	}

	for _, id := range plan.Remove {
		if r, ok := e.tools[id]; ok {
			r.member.Dispose()
			r.tool.Dispose()
			delete(e.tools, id)
		}
	}
	for _, d := range plan.Add {
		exec := NewExecutor(e.conn, d.Data, d.ToolName, e.opts.Confirm, e.opts.Metrics)
		toolReg, err := e.opts.Registry.RegisterTool(d.Data, exec)
		if err != nil {
			e.opts.Logger.Warn("register tool", "server", def.ID, "tool", d.ToolName, "error", err)
			continue
		}
		member, err := e.set.AddTool(d.Data.ID)
		if err != nil {
			e.opts.Logger.Warn("add tool to set", "server", def.ID, "tool", d.ToolName, "error", err)
		}
		e.tools[d.Data.ID] = &registered{data: d.Data, tool: toolReg, member: member}
	}
	e.mu.Unlock()

	e.opts.Registry.FlushToolUpdates()
}

// ToolIDs returns the ids currently registered by this engine.
func (e *Engine) ToolIDs() []string {
	return e.set.Tools()
}

// Close removes every tool and the tool set. It is safe to call twice.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	for id, r := range e.tools {
		r.member.Dispose()
		r.tool.Dispose()
		delete(e.tools, id)
	}
	e.setReg.Dispose()
	e.mu.Unlock()

	e.opts.Registry.FlushToolUpdates()
}
