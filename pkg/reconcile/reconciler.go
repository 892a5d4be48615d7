// Package reconcile keeps the set of live server connections equal to the
// declared collections.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/naming"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/toolcache"
)

// DefaultDebounce coalesces bursts of declaration changes.
const DefaultDebounce = 500 * time.Millisecond

// FactoryParams describe the connection a Factory must build.
type FactoryParams struct {
	Collection mcphost.CollectionDefinition
	Definition mcphost.ServerDefinition
	Prefix     string
	Cache      toolcache.Store
}

// Factory builds a connection for a newly declared server.
type Factory func(FactoryParams) (mcphost.ServerConnection, error)

// Attachment is state that lives and dies with a connection.
type Attachment interface {
	CollectionChanged(mcphost.CollectionDefinition)
	Close()
}

// AttachFunc is called once for every created connection.
type AttachFunc func(conn mcphost.ServerConnection, prefix string) (Attachment, error)

// Options configure a Reconciler.
type Options struct {
	Factory Factory
	Attach  AttachFunc
	// Allocator is shared with anything else that needs prefixes. A fresh
	// one is used when nil.
	Allocator *naming.Allocator
	// Caches selects the cache tier per collection scope. Missing tiers get
	// an in-memory store.
	Caches   map[mcphost.Scope]toolcache.Store
	Debounce time.Duration
	// PassTimeout bounds debounced passes, which have no caller context.
	PassTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Allocator == nil {
		opts.Allocator = naming.NewAllocator()
	}
	caches := make(map[mcphost.Scope]toolcache.Store, 2)
	for scope, store := range opts.Caches {
		caches[scope] = store
	}
	for _, scope := range []mcphost.Scope{mcphost.ScopeProfile, mcphost.ScopeWorkspace} {
		if caches[scope] == nil {
			caches[scope] = toolcache.NewMemoryStore()
		}
	}
	opts.Caches = caches
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Server is a live connection and the declaration it was last reconciled
// against.
type Server struct {
	Target     Target
	Conn       mcphost.ServerConnection
	attachment Attachment
}

// Result summarises one reconciliation pass.
type Result struct {
	Created  []mcphost.ServerKey
	Disposed []mcphost.ServerKey
	Stopped  []mcphost.ServerKey
	Skipped  int
}

// Changed reports whether the pass touched any connection.
func (r Result) Changed() bool {
	return len(r.Created)+len(r.Disposed)+len(r.Stopped) > 0
}

// ServerInfo is a read-only view of a live server.
type ServerInfo struct {
	Key    mcphost.ServerKey
	Label  string
	Prefix string
	Status mcphost.Status
	Cache  mcphost.CacheState
	Tools  int
}

// Reconciler owns the live connection set.
type Reconciler struct {
	opts Options

	pendingMu sync.Mutex
	latest    []mcphost.Collection
	gen       uint64
	loaded    map[string]loadedServers
	timer     *time.Timer

	mu      sync.Mutex
	servers map[identity]*Server
	closed  bool
}

// loadedServers is the result of a lazy collection's Load and the
// declaration generation it was loaded for.
type loadedServers struct {
	servers []mcphost.ServerDefinition
	gen     uint64
}

// New returns a Reconciler with no declarations.
func New(opts Options) (*Reconciler, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("reconcile: factory is required")
	}
	return &Reconciler{
		opts:    opts.withDefaults(),
		loaded:  make(map[string]loadedServers),
		servers: make(map[identity]*Server),
	}, nil
}

// Allocator returns the prefix allocator in use.
func (r *Reconciler) Allocator() *naming.Allocator { return r.opts.Allocator }

// Update records the current declarations and schedules a debounced pass.
// Lazy collections that are declared again keep their loaded servers until
// the next ActivateCollections reloads them; vanished ones are forgotten.
func (r *Reconciler) Update(collections []mcphost.Collection) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.latest = collections
	r.gen++
	declared := make(map[string]bool, len(collections))
	for _, c := range collections {
		if c.Definition.Lazy {
			declared[c.Definition.ID] = true
		}
	}
	for id := range r.loaded {
		if !declared[id] {
			delete(r.loaded, id)
		}
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.opts.Debounce, r.fire)
		return
	}
	r.timer.Reset(r.opts.Debounce)
}

func (r *Reconciler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PassTimeout)
	defer cancel()
	res := r.ReconcileNow(ctx)
	if res.Changed() {
		r.opts.Logger.Info("reconciled servers",
			"created", len(res.Created), "disposed", len(res.Disposed), "stopped", len(res.Stopped))
	}
}

// ReconcileNow cancels any pending debounced pass and reconciles the latest
// declarations immediately. It never fails; problems are logged and skipped.
func (r *Reconciler) ReconcileNow(ctx context.Context) Result {
	r.pendingMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	collections := r.latest
	loaded := make(map[string][]mcphost.ServerDefinition, len(r.loaded))
	for k, v := range r.loaded {
		loaded[k] = v.servers
	}
	r.pendingMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Result{}
	}

	targets, skipped := BuildTargets(collections, loaded, r.opts.Allocator, r.opts.Logger)
	plan := Diff(r.currentLocked(), targets)
	res := Result{Skipped: skipped}

	for _, s := range plan.Dispose {
		delete(r.servers, s.Target.identity())
		res.Disposed = append(res.Disposed, s.Target.Key())
	}
	if err := r.disposeAll(plan.Dispose); err != nil {
		r.opts.Logger.Warn("dispose servers", "error", err)
	}

	for _, k := range plan.Keep {
		if k.DefinitionChanged {
			k.Server.Conn.UpdateDefinition(k.Next.Definition)
			switch k.Server.Conn.State().Get().State {
			case mcphost.StateStarting, mcphost.StateRunning:
				if err := k.Server.Conn.Stop(ctx); err != nil {
					r.opts.Logger.Warn("stop changed server", "server", k.Next.Key().String(), "error", err)
				}
				res.Stopped = append(res.Stopped, k.Next.Key())
			case mcphost.StateError:
				// A failed server may be retried once its definition changes.
				if err := k.Server.Conn.Stop(ctx); err != nil {
					r.opts.Logger.Warn("reset failed server", "server", k.Next.Key().String(), "error", err)
				}
			}
		}
		if k.CollectionChanged && k.Server.attachment != nil {
			k.Server.attachment.CollectionChanged(k.Next.Collection)
		}
		k.Server.Target = k.Next
	}

	for _, t := range plan.Create {
		s, err := r.create(t)
		if err != nil {
			r.opts.Logger.Warn("skip server", "server", t.Key().String(), "error", err)
			res.Skipped++
			continue
		}
		r.servers[t.identity()] = s
		res.Created = append(res.Created, t.Key())
	}

	r.opts.Metrics.ReconcileOp("create", len(res.Created))
	r.opts.Metrics.ReconcileOp("dispose", len(res.Disposed))
	r.opts.Metrics.ReconcileOp("stop", len(res.Stopped))
	r.opts.Metrics.ReconcileOp("skip", res.Skipped)
	r.opts.Metrics.SetConnections(len(r.servers))
	return res
}

func (r *Reconciler) create(t Target) (*Server, error) {
	conn, err := r.opts.Factory(FactoryParams{
		Collection: t.Collection,
		Definition: t.Definition,
		Prefix:     t.Prefix,
		Cache:      r.opts.Caches[t.Collection.Scope],
	})
	if err != nil {
		return nil, err
	}
	s := &Server{Target: t, Conn: conn}
	if r.opts.Attach != nil {
		a, err := r.opts.Attach(conn, t.Prefix)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("reconcile: attach %s: %w", t.Key(), err)
		}
		s.attachment = a
	}
	return s, nil
}

func (r *Reconciler) disposeAll(servers []*Server) error {
	var g errgroup.Group
	for _, s := range servers {
		g.Go(func() error {
			if s.attachment != nil {
				s.attachment.Close()
			}
			if err := s.Conn.Close(); err != nil {
				return fmt.Errorf("reconcile: close %s: %w", s.Target.Key(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) currentLocked() []*Server {
	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Target.Key().String() < out[j].Target.Key().String()
	})
	return out
}

// Servers returns the live connections ordered by key.
func (r *Reconciler) Servers() []mcphost.ServerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.currentLocked()
	out := make([]mcphost.ServerConnection, 0, len(current))
	for _, s := range current {
		out = append(out, s.Conn)
	}
	return out
}

// Snapshot describes every live server.
func (r *Reconciler) Snapshot() []ServerInfo {
	r.mu.Lock()
	current := r.currentLocked()
	r.mu.Unlock()
	out := make([]ServerInfo, 0, len(current))
	for _, s := range current {
		out = append(out, ServerInfo{
			Key:    s.Target.Key(),
			Label:  s.Target.Definition.Label,
			Prefix: s.Target.Prefix,
			Status: s.Conn.State().Get(),
			Cache:  s.Conn.CacheState().Get(),
			Tools:  len(s.Conn.Tools().Get()),
		})
	}
	return out
}

// ActivateCollections loads every lazy collection that has not been loaded
// since it was last declared and reconciles the result. Load failures are returned joined but do not
// prevent the other collections from being reconciled.
func (r *Reconciler) ActivateCollections(ctx context.Context) error {
	r.pendingMu.Lock()
	gen := r.gen
	var pending []mcphost.Collection
	for _, c := range r.latest {
		if !c.Definition.Lazy || c.Load == nil {
			continue
		}
		if l, ok := r.loaded[c.Definition.ID]; ok && l.gen == gen {
			continue
		}
		pending = append(pending, c)
	}
	r.pendingMu.Unlock()

	var errs []error
	for _, c := range pending {
		servers, err := c.Load(ctx)
		if err != nil {
			r.opts.Logger.Warn("activate collection", "collection", c.Definition.ID, "error", err)
			errs = append(errs, fmt.Errorf("reconcile: activate %q: %w", c.Definition.ID, err))
			continue
		}
		r.pendingMu.Lock()
		if r.gen == gen {
			r.loaded[c.Definition.ID] = loadedServers{servers: servers, gen: gen}
		}
		r.pendingMu.Unlock()
	}
	r.ReconcileNow(ctx)
	return errors.Join(errs...)
}

// Close disposes every connection. Later updates are ignored.
func (r *Reconciler) Close() error {
	r.pendingMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.pendingMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	current := r.currentLocked()
	r.servers = make(map[identity]*Server)
	r.mu.Unlock()

	r.opts.Metrics.SetConnections(0)
	return r.disposeAll(current)
}
