// Package registry holds the central set of tools exposed to the host. Each
// server's tool sync engine is the only writer for that server's tools.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/observable"
)

var (
	ErrDuplicateTool = errors.New("registry: duplicate tool id")
	ErrUnknownTool   = errors.New("registry: unknown tool")
	ErrDuplicateSet  = errors.New("registry: duplicate tool set id")
)

// Source identifies the server and collection that own a tool.
type Source struct {
	CollectionID string
	ServerID     string
	Label        string
}

// ToolData is the descriptive half of a registered tool.
type ToolData struct {
	ID                     string
	ToolReferenceName      string
	DisplayName            string
	Description            string
	InputSchema            any
	Source                 Source
	CanRequestPreApproval  bool
	CanRequestPostApproval bool
	RunsInWorkspace        bool
}

// Invoker is the executable half of a registered tool.
type Invoker interface {
	Invoke(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
	return f(ctx, args)
}

// Registration undoes a registry mutation. Dispose is idempotent.
type Registration struct {
	once    sync.Once
	dispose func()
}

func (r *Registration) Dispose() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if r.dispose != nil {
			r.dispose()
		}
	})
}

type entry struct {
	data  ToolData
	impl  Invoker
	token uint64
}

// Registry stores tools by id.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*entry
	sets      map[string]*ToolSet
	nextToken uint64

	flushes *observable.Value[uint64]
	metrics *metrics.Metrics
}

// New returns an empty registry. m may be nil.
func New(m *metrics.Metrics) *Registry {
	return &Registry{
		tools:   make(map[string]*entry),
		sets:    make(map[string]*ToolSet),
		flushes: observable.NewValue[uint64](0),
		metrics: m,
	}
}

// RegisterTool adds a tool and its implementation. A second registration for
// an id that is still live fails with ErrDuplicateTool.
func (r *Registry) RegisterTool(data ToolData, impl Invoker) (*Registration, error) {
	if data.ID == "" {
		return nil, fmt.Errorf("registry: tool id is required")
	}
	if impl == nil {
		return nil, fmt.Errorf("registry: tool %q has no implementation", data.ID)
	}
	r.mu.Lock()
	if _, ok := r.tools[data.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTool, data.ID)
	}
	r.nextToken++
	token := r.nextToken
	r.tools[data.ID] = &entry{data: data, impl: impl, token: token}
	r.mu.Unlock()
	r.metrics.AddRegisteredTools(1)

	id := data.ID
	return &Registration{dispose: func() { r.unregister(id, token) }}, nil
}

func (r *Registry) unregister(id string, token uint64) {
	r.mu.Lock()
	e, ok := r.tools[id]
	if !ok || e.token != token {
		r.mu.Unlock()
		return
	}
	delete(r.tools, id)
	for _, set := range r.sets {
		set.removeLocked(id)
	}
	r.mu.Unlock()
	r.metrics.AddRegisteredTools(-1)
}

// Tool returns the data registered under id.
func (r *Registry) Tool(id string) (ToolData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[id]
	if !ok {
		return ToolData{}, false
	}
	return e.data, true
}

// Tools returns every registered tool sorted by id.
func (r *Registry) Tools() []ToolData {
	r.mu.RLock()
	out := make([]ToolData, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.data)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke runs the implementation registered under id.
func (r *Registry) Invoke(ctx context.Context, id string, args json.RawMessage) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	e, ok := r.tools[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, id)
	}
	return e.impl.Invoke(ctx, args)
}

// FlushToolUpdates signals that a batch of mutations is complete.
func (r *Registry) FlushToolUpdates() {
	r.flushes.Update(func(n uint64) uint64 { return n + 1 })
}

// OnFlush registers fn to run after every FlushToolUpdates.
func (r *Registry) OnFlush(fn func()) (unsubscribe func()) {
	return r.flushes.Subscribe(func(uint64) { fn() })
}

// FlushCount reports how many flushes happened so far.
func (r *Registry) FlushCount() uint64 { return r.flushes.Get() }
