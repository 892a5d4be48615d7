package autostart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost/mcphosttest"
)

type servers []*mcphosttest.Conn

func (s servers) Servers() []mcphost.ServerConnection {
	out := make([]mcphost.ServerConnection, 0, len(s))
	for _, c := range s {
		out = append(out, c)
	}
	return out
}

type countingActivator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *countingActivator) ActivateCollections(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.err
}

func conn(id string, cache mcphost.CacheState) *mcphosttest.Conn {
	c := mcphosttest.New(
		mcphost.CollectionDefinition{ID: "A", Scope: mcphost.ScopeProfile},
		mcphost.ServerDefinition{ID: id, Label: id},
	)
	c.SetCache(cache)
	return c
}

func newOrchestrator(src Source, policy Policy) *Orchestrator {
	return New(Options{
		Source: src,
		Policy: policy,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func waitDone(t *testing.T, r *Run) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := r.Wait(ctx)
	require.NoError(t, err)
	return st
}

func ids(defs []mcphost.ServerDefinition) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.ID)
	}
	return out
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"never", "only-new", "new-and-outdated"} {
		p, err := ParsePolicy(s)
		require.NoError(t, err)
		assert.Equal(t, Policy(s), p)
	}
	_, err := ParsePolicy("always")
	require.Error(t, err)
}

func TestNeverSettlesImmediately(t *testing.T) {
	t.Parallel()
	c := conn("s1", mcphost.CacheUnknown)
	act := &countingActivator{}
	o := New(Options{Source: servers{c}, Activator: act, Policy: PolicyNever})

	run := o.Autostart(context.Background())
	select {
	case <-run.Done():
	default:
		t.Fatal("never policy should settle synchronously")
	}
	assert.Equal(t, State{}, run.State().Get())
	assert.Zero(t, c.Starts())
	assert.Zero(t, act.calls)
}

func TestOnlyNewStartsUnknownOnly(t *testing.T) {
	t.Parallel()
	outdated := conn("outdated", mcphost.CacheOutdated)
	fresh := conn("fresh", mcphost.CacheUnknown)
	o := newOrchestrator(servers{outdated, fresh}, PolicyOnlyNew)

	st := waitDone(t, o.Autostart(context.Background()))
	assert.False(t, st.Working)
	assert.Empty(t, st.Starting)
	assert.Equal(t, 1, fresh.Starts())
	assert.Zero(t, outdated.Starts())
}

func TestNewAndOutdatedSkipsErroredAndCached(t *testing.T) {
	t.Parallel()
	outdated := conn("outdated", mcphost.CacheOutdated)
	fresh := conn("fresh", mcphost.CacheUnknown)
	cached := conn("cached", mcphost.CacheFromCache)
	broken := conn("broken", mcphost.CacheUnknown)
	broken.SetState(mcphost.StateError, "exit 1")
	o := newOrchestrator(servers{outdated, fresh, cached, broken}, PolicyNewAndOutdated)

	waitDone(t, o.Autostart(context.Background()))
	assert.Equal(t, 1, outdated.Starts())
	assert.Equal(t, 1, fresh.Starts())
	assert.Zero(t, cached.Starts())
	assert.Zero(t, broken.Starts())
}

func TestEmptyCandidateSet(t *testing.T) {
	t.Parallel()
	act := &countingActivator{err: errors.New("lazy load failed")}
	o := New(Options{Source: servers{conn("s1", mcphost.CacheLive)}, Activator: act, Policy: PolicyNewAndOutdated})

	st := waitDone(t, o.Autostart(context.Background()))
	assert.Equal(t, State{}, st)
	assert.Equal(t, 1, act.calls)
}

func TestConvergenceCapturesInteraction(t *testing.T) {
	t.Parallel()
	ok := conn("ok", mcphost.CacheUnknown)
	needsAuth := conn("auth", mcphost.CacheUnknown)
	needsAuth.StartFunc = func(_ context.Context, c *mcphosttest.Conn, opts mcphost.StartOptions) (mcphost.Status, error) {
		assert.True(t, opts.ErrorOnUserInteraction)
		return mcphost.Status{State: mcphost.StateStopped}, &mcphost.InteractionRequiredError{ServerID: "auth", Label: "auth", Reason: "trust"}
	}
	failing := conn("failing", mcphost.CacheOutdated)
	failing.StartFunc = func(_ context.Context, c *mcphosttest.Conn, _ mcphost.StartOptions) (mcphost.Status, error) {
		c.SetState(mcphost.StateError, "spawn failed")
		return mcphost.Status{State: mcphost.StateError, Message: "spawn failed"}, nil
	}
	o := newOrchestrator(servers{ok, needsAuth, failing}, PolicyNewAndOutdated)

	st := waitDone(t, o.Autostart(context.Background()))
	assert.False(t, st.Working)
	assert.Empty(t, st.Starting)
	require.Len(t, st.ServersRequiringInteraction, 1)
	assert.Equal(t, "auth", st.ServersRequiringInteraction[0].ID)
	assert.Equal(t, "A", st.ServersRequiringInteraction[0].CollectionID)
	assert.NotEmpty(t, st.ServersRequiringInteraction[0].ErrorMessage)
}

func TestRunWaitsForLiveTools(t *testing.T) {
	t.Parallel()
	slow := conn("slow", mcphost.CacheUnknown)
	slow.StartFunc = func(_ context.Context, c *mcphosttest.Conn, _ mcphost.StartOptions) (mcphost.Status, error) {
		c.SetState(mcphost.StateRunning, "")
		return mcphost.Status{State: mcphost.StateRunning}, nil
	}
	o := newOrchestrator(servers{slow}, PolicyOnlyNew)

	run := o.Autostart(context.Background())
	require.Eventually(t, func() bool { return slow.Starts() == 1 }, time.Second, 5*time.Millisecond)

	st := run.State().Get()
	assert.True(t, st.Working)
	assert.Equal(t, []string{"slow"}, ids(st.Starting))

	slow.SetCache(mcphost.CacheLive)
	st = waitDone(t, run)
	assert.False(t, st.Working)
	assert.Empty(t, st.Starting)
}

func TestPartialProgressIsPublished(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	quick := conn("quick", mcphost.CacheUnknown)
	blocked := conn("blocked", mcphost.CacheUnknown)
	blocked.StartFunc = func(_ context.Context, c *mcphosttest.Conn, _ mcphost.StartOptions) (mcphost.Status, error) {
		<-release
		c.SetState(mcphost.StateRunning, "")
		c.SetCache(mcphost.CacheLive)
		return mcphost.Status{State: mcphost.StateRunning}, nil
	}
	o := newOrchestrator(servers{quick, blocked}, PolicyOnlyNew)

	run := o.Autostart(context.Background())
	require.Eventually(t, func() bool {
		st := run.State().Get()
		return st.Working && len(st.Starting) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"blocked"}, ids(run.State().Get().Starting))

	close(release)
	st := waitDone(t, run)
	assert.False(t, st.Working)
}

func TestCancelPublishesEmptyState(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	hung := conn("hung", mcphost.CacheUnknown)
	hung.StartFunc = func(ctx context.Context, c *mcphosttest.Conn, _ mcphost.StartOptions) (mcphost.Status, error) {
		assert.NoError(t, ctx.Err())
		<-release
		return mcphost.Status{State: mcphost.StateRunning}, &mcphost.InteractionRequiredError{ServerID: "hung"}
	}
	o := newOrchestrator(servers{hung}, PolicyOnlyNew)

	run := o.Autostart(context.Background())
	require.Eventually(t, func() bool { return run.State().Get().Working }, time.Second, 5*time.Millisecond)

	run.Cancel()
	assert.Equal(t, State{}, waitDone(t, run))

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, State{}, run.State().Get())
}

func TestCancelAll(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	hang := func(_ context.Context, _ *mcphosttest.Conn, _ mcphost.StartOptions) (mcphost.Status, error) {
		<-release
		return mcphost.Status{State: mcphost.StateRunning}, nil
	}
	a := conn("a", mcphost.CacheUnknown)
	a.StartFunc = hang
	b := conn("b", mcphost.CacheUnknown)
	b.StartFunc = hang
	o := newOrchestrator(servers{a, b}, PolicyOnlyNew)

	first := o.Autostart(context.Background())
	second := o.Autostart(context.Background())
	require.Eventually(t, func() bool {
		return first.State().Get().Working && second.State().Get().Working
	}, time.Second, 5*time.Millisecond)

	o.CancelAll()
	assert.Equal(t, State{}, waitDone(t, first))
	assert.Equal(t, State{}, waitDone(t, second))
}

func TestParentContextCancelsRun(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	c := conn("c", mcphost.CacheUnknown)
	c.StartFunc = func(_ context.Context, _ *mcphosttest.Conn, _ mcphost.StartOptions) (mcphost.Status, error) {
		<-release
		return mcphost.Status{State: mcphost.StateRunning}, nil
	}
	o := newOrchestrator(servers{c}, PolicyOnlyNew)

	ctx, cancel := context.WithCancel(context.Background())
	run := o.Autostart(ctx)
	require.Eventually(t, func() bool { return run.State().Get().Working }, time.Second, 5*time.Millisecond)
	cancel()
	assert.Equal(t, State{}, waitDone(t, run))
}

func TestSetPolicy(t *testing.T) {
	t.Parallel()
	c := conn("s1", mcphost.CacheUnknown)
	o := newOrchestrator(servers{c}, PolicyNever)
	waitDone(t, o.Autostart(context.Background()))
	assert.Zero(t, c.Starts())

	o.SetPolicy(PolicyOnlyNew)
	assert.Equal(t, PolicyOnlyNew, o.Policy())
	waitDone(t, o.Autostart(context.Background()))
	assert.Equal(t, 1, c.Starts())
}
