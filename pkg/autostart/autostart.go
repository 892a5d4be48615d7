// Package autostart starts eligible servers in the background and reports
// progress as an observable snapshot.
package autostart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/metrics"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/observable"
)

// Policy decides which servers a run starts.
type Policy string

const (
	PolicyNever          Policy = "never"
	PolicyOnlyNew        Policy = "only-new"
	PolicyNewAndOutdated Policy = "new-and-outdated"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyNever, PolicyOnlyNew, PolicyNewAndOutdated:
		return p, nil
	default:
		return "", fmt.Errorf("autostart: unknown policy %q", s)
	}
}

// Admits reports whether a server with the given cache state is started
// under p.
func (p Policy) Admits(c mcphost.CacheState) bool {
	switch p {
	case PolicyOnlyNew:
		return c == mcphost.CacheUnknown
	case PolicyNewAndOutdated:
		return c == mcphost.CacheUnknown || c == mcphost.CacheOutdated
	default:
		return false
	}
}

// Interaction records a server that needs the user before it can start.
type Interaction struct {
	CollectionID string
	ID           string
	Label        string
	ErrorMessage string
}

// State is the snapshot a run publishes.
type State struct {
	Working                     bool
	Starting                    []mcphost.ServerDefinition
	ServersRequiringInteraction []Interaction
}

// Source lists the live connections.
type Source interface {
	Servers() []mcphost.ServerConnection
}

// Activator resolves lazy collections before candidates are picked.
type Activator interface {
	ActivateCollections(ctx context.Context) error
}

// Options configure an Orchestrator.
type Options struct {
	Source    Source
	Activator Activator
	Policy    Policy
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Orchestrator launches autostart runs.
type Orchestrator struct {
	source    Source
	activator Activator
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	policy Policy
	runs   map[*Run]struct{}
}

// New returns an Orchestrator. A zero Policy means PolicyNever.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyNever
	}
	return &Orchestrator{
		source:    opts.Source,
		activator: opts.Activator,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		policy:    opts.Policy,
		runs:      make(map[*Run]struct{}),
	}
}

// Policy returns the current policy.
func (o *Orchestrator) Policy() Policy {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.policy
}

// SetPolicy changes the policy used by later runs.
func (o *Orchestrator) SetPolicy(p Policy) {
	o.mu.Lock()
	o.policy = p
	o.mu.Unlock()
}

// Autostart begins a run. The run ends when every candidate has settled or
// ctx is cancelled, whichever happens first.
func (o *Orchestrator) Autostart(ctx context.Context) *Run {
	policy := o.Policy()
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:       ulid.Make(),
		state:    observable.NewValue(State{}),
		cancel:   cancel,
		done:     make(chan struct{}),
		inflight: make(map[mcphost.ServerConnection]struct{}),
	}
	if policy == PolicyNever || o.source == nil {
		run.settled = true
		cancel()
		close(run.done)
		o.metrics.AutostartRun("never")
		return run
	}

	o.mu.Lock()
	o.runs[run] = struct{}{}
	o.mu.Unlock()

	go func() {
		defer close(run.done)
		defer o.forget(run)
		defer cancel()
		o.execute(runCtx, run, policy)
	}()
	return run
}

// CancelAll cancels every outstanding run.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	runs := make([]*Run, 0, len(o.runs))
	for r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()
	for _, r := range runs {
		r.Cancel()
	}
}

func (o *Orchestrator) forget(r *Run) {
	o.mu.Lock()
	delete(o.runs, r)
	o.mu.Unlock()
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, policy Policy) {
	logger := o.logger.With("run", run.ID.String(), "policy", string(policy))

	if o.activator != nil {
		if err := o.activator.ActivateCollections(ctx); err != nil {
			logger.Warn("activate collections", "error", err)
		}
	}
	if ctx.Err() != nil {
		run.settle(State{})
		o.metrics.AutostartRun("cancelled")
		return
	}

	candidates := Candidates(o.source.Servers(), policy)
	if len(candidates) == 0 {
		run.settle(State{})
		o.metrics.AutostartRun("empty")
		return
	}
	logger.Info("autostarting servers", "count", len(candidates))

	run.begin(candidates)
	cancelled := func() {
		if run.settle(State{}) {
			o.metrics.AutostartRun("cancelled")
		}
	}
	stop := context.AfterFunc(ctx, cancelled)
	defer stop()

	var g errgroup.Group
	for _, conn := range candidates {
		g.Go(func() error {
			ir := o.startAndAwait(ctx, conn, logger)
			run.complete(conn, ir)
			return nil
		})
	}
	waited := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		if run.finish() {
			o.metrics.AutostartRun("completed")
		}
	case <-ctx.Done():
		cancelled()
	}
}

// startAndAwait starts conn and waits until it has live tools or fails. A
// non-nil result means the server asked for user interaction.
func (o *Orchestrator) startAndAwait(ctx context.Context, conn mcphost.ServerConnection, logger *slog.Logger) *Interaction {
	def := conn.Definition()
	st, err := conn.Start(context.WithoutCancel(ctx), mcphost.StartOptions{ErrorOnUserInteraction: true})
	var ir *mcphost.InteractionRequiredError
	switch {
	case errors.As(err, &ir):
		o.metrics.InteractionRequired()
		logger.Info("server requires interaction", "server", def.ID, "reason", ir.Reason)
		return &Interaction{
			CollectionID: conn.Collection().ID,
			ID:           def.ID,
			Label:        def.Label,
			ErrorMessage: err.Error(),
		}
	case err != nil:
		logger.Warn("autostart server", "server", def.ID, "error", err)
		return nil
	case st.State == mcphost.StateError:
		logger.Warn("autostart server", "server", def.ID, "error", st.Message)
		return nil
	}
	if err := awaitLiveTools(ctx, conn); err != nil {
		logger.Debug("stopped waiting for server", "server", def.ID, "error", err)
	}
	return nil
}

// awaitLiveTools blocks until conn reports live tools or leaves the live
// states.
func awaitLiveTools(ctx context.Context, conn mcphost.ServerConnection) error {
	wake := make(chan struct{}, 1)
	poke := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	unsubCache := conn.CacheState().Subscribe(func(mcphost.CacheState) { poke() })
	defer unsubCache()
	unsubState := conn.State().Subscribe(func(mcphost.Status) { poke() })
	defer unsubState()

	for {
		if conn.CacheState().Get() == mcphost.CacheLive || !conn.State().Get().State.IsLive() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Candidates filters servers by connection state and policy.
func Candidates(servers []mcphost.ServerConnection, policy Policy) []mcphost.ServerConnection {
	var out []mcphost.ServerConnection
	for _, s := range servers {
		if s.State().Get().State == mcphost.StateError {
			continue
		}
		if !policy.Admits(s.CacheState().Get()) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Run is one autostart pass.
type Run struct {
	ID ulid.ULID

	state  *observable.Value[State]
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	settled      bool
	order        []mcphost.ServerConnection
	inflight     map[mcphost.ServerConnection]struct{}
	interactions []Interaction
}

// State returns the observable snapshot.
func (r *Run) State() *observable.Value[State] { return r.state }

// Done is closed once the run has published its final snapshot.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel ends the run. In-flight starts keep going but are ignored.
func (r *Run) Cancel() { r.cancel() }

// Wait blocks until the run is done or ctx ends and returns the last
// snapshot.
func (r *Run) Wait(ctx context.Context) (State, error) {
	select {
	case <-r.done:
		return r.state.Get(), nil
	case <-ctx.Done():
		return r.state.Get(), ctx.Err()
	}
}

func (r *Run) begin(candidates []mcphost.ServerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	r.order = candidates
	for _, c := range candidates {
		r.inflight[c] = struct{}{}
	}
	r.state.Set(r.snapshotLocked(true))
}

func (r *Run) complete(conn mcphost.ServerConnection, ir *Interaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	delete(r.inflight, conn)
	if ir != nil {
		r.interactions = append(r.interactions, *ir)
	}
	r.state.Set(r.snapshotLocked(true))
}

func (r *Run) finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	r.settled = true
	r.state.Set(r.snapshotLocked(false))
	return true
}

// settle publishes s as the terminal snapshot unless one was already
// published.
func (r *Run) settle(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	r.settled = true
	r.state.Set(s)
	return true
}

func (r *Run) snapshotLocked(working bool) State {
	s := State{Working: working}
	for _, c := range r.order {
		if _, ok := r.inflight[c]; ok {
			s.Starting = append(s.Starting, c.Definition())
		}
	}
	if len(r.interactions) > 0 {
		s.ServersRequiringInteraction = append([]Interaction(nil), r.interactions...)
	}
	return s
}
