// Package host wires the server lifecycle packages into one unit: declared
// collections are reconciled into mcpmgr connections, each connection's tools
// are mirrored into a shared registry, elicitation requests are routed to the
// user, and autostart runs start eligible servers.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/autostart"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/elicitation"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/naming"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/reconcile"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/registry"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/toolcache"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/toolsync"
)

// Options configure a Host.
type Options struct {
	// Connections configure every server connection.
	Connections mcpmgr.Options
	// CachePath stores profile-scope tool caches in SQLite. Empty keeps them
	// in memory.
	CachePath string
	Policy    autostart.Policy
	Confirm   toolsync.Confirmation

	// Notifier shows elicitation prompts when no conversation is active.
	Notifier elicitation.Surface
	Prompter elicitation.Prompter
	Opener   elicitation.URLOpener
	// Conversation returns the conversation an elicitation should be shown
	// in, or nil.
	Conversation func() elicitation.Conversation
	// CompletionTimeout bounds how long an accepted URL elicitation waits for
	// the server's completion notice.
	CompletionTimeout time.Duration

	Debounce time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Connections.Logger == nil {
		opts.Connections.Logger = opts.Logger
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = 10 * time.Minute
	}
	return opts
}

// Host owns the registry and every component feeding it.
type Host struct {
	opts Options

	allocator    *naming.Allocator
	registry     *registry.Registry
	reconciler   *reconcile.Reconciler
	orchestrator *autostart.Orchestrator
	coordinator  *elicitation.Coordinator
	closers      []io.Closer
}

// New builds a Host with no declarations.
func New(ctx context.Context, opts Options) (*Host, error) {
	options := opts.withDefaults()
	h := &Host{
		opts:      options,
		allocator: naming.NewAllocator(),
		registry:  registry.New(options.Metrics),
	}

	caches := map[mcphost.Scope]toolcache.Store{
		mcphost.ScopeWorkspace: toolcache.NewMemoryStore(),
		mcphost.ScopeProfile:   toolcache.NewMemoryStore(),
	}
	if options.CachePath != "" {
		store, err := toolcache.OpenSQLite(ctx, options.CachePath)
		if err != nil {
			return nil, fmt.Errorf("host: %w", err)
		}
		caches[mcphost.ScopeProfile] = store
		h.closers = append(h.closers, store)
	}

	h.coordinator = elicitation.NewCoordinator(elicitation.Options{
		Notifier:  options.Notifier,
		Prompter:  options.Prompter,
		Opener:    options.Opener,
		Resources: readResource,
		Logger:    options.Logger,
		Metrics:   options.Metrics,
	})

	rec, err := reconcile.New(reconcile.Options{
		Factory:   h.newConnection,
		Attach:    h.attach,
		Allocator: h.allocator,
		Caches:    caches,
		Debounce:  options.Debounce,
		Logger:    options.Logger,
		Metrics:   options.Metrics,
	})
	if err != nil {
		_ = h.closeStores()
		return nil, err
	}
	h.reconciler = rec

	h.orchestrator = autostart.New(autostart.Options{
		Source:    rec,
		Activator: rec,
		Policy:    options.Policy,
		Logger:    options.Logger,
		Metrics:   options.Metrics,
	})
	return h, nil
}

func (h *Host) Registry() *registry.Registry          { return h.registry }
func (h *Host) Reconciler() *reconcile.Reconciler     { return h.reconciler }
func (h *Host) Orchestrator() *autostart.Orchestrator { return h.orchestrator }
func (h *Host) Coordinator() *elicitation.Coordinator { return h.coordinator }
func (h *Host) Allocator() *naming.Allocator          { return h.allocator }
func (h *Host) Servers() []mcphost.ServerConnection   { return h.reconciler.Servers() }
func (h *Host) Snapshot() []reconcile.ServerInfo      { return h.reconciler.Snapshot() }

// Autostart launches a run under the current policy.
func (h *Host) Autostart(ctx context.Context) *autostart.Run { return h.orchestrator.Autostart(ctx) }

// Update schedules a debounced reconciliation against collections.
func (h *Host) Update(collections []mcphost.Collection) {
	h.reconciler.Update(collections)
}

// Apply reconciles collections immediately.
func (h *Host) Apply(ctx context.Context, collections []mcphost.Collection) reconcile.Result {
	h.reconciler.Update(collections)
	return h.reconciler.ReconcileNow(ctx)
}

// Close cancels autostart runs, disposes every connection and closes the
// persistent caches.
func (h *Host) Close() error {
	h.orchestrator.CancelAll()
	err := h.reconciler.Close()
	return errors.Join(err, h.closeStores())
}

func (h *Host) closeStores() error {
	var errs []error
	for _, c := range h.closers {
		errs = append(errs, c.Close())
	}
	h.closers = nil
	return errors.Join(errs...)
}

func (h *Host) newConnection(p reconcile.FactoryParams) (mcphost.ServerConnection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return mcpmgr.New(ctx, mcpmgr.Params{
		Collection: p.Collection,
		Definition: p.Definition,
		Cache:      p.Cache,
	}, h.opts.Connections), nil
}

// elicitationTarget is implemented by connections that accept an
// elicitation handler.
type elicitationTarget interface {
	SetElicitationHandler(mcpmgr.ElicitationHandler)
}

type attachment struct {
	engine *toolsync.Engine
	target elicitationTarget
}

func (a *attachment) CollectionChanged(c mcphost.CollectionDefinition) {
	a.engine.SetCollection(c)
}

func (a *attachment) Close() {
	if a.target != nil {
		a.target.SetElicitationHandler(nil)
	}
	a.engine.Close()
}

func (h *Host) attach(conn mcphost.ServerConnection, prefix string) (reconcile.Attachment, error) {
	engine, err := toolsync.New(conn, toolsync.Options{
		Prefix:   prefix,
		Registry: h.registry,
		Confirm:  h.opts.Confirm,
		Logger:   h.opts.Logger,
		Metrics:  h.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	a := &attachment{engine: engine}
	if t, ok := conn.(elicitationTarget); ok {
		t.SetElicitationHandler(h.elicitationHandler(conn))
		a.target = t
	}
	return a, nil
}
