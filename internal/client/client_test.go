package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/evagent/agent"
	"github.com/briangreenhill/evagent/cache"
	"github.com/briangreenhill/evagent/coordinator"
	"github.com/briangreenhill/evagent/internal/config"
	"github.com/briangreenhill/evagent/internal/http/routes"
	"github.com/briangreenhill/evagent/internal/jobs"
)

type agentFixture struct {
	container *agent.Container
	agentURL  string
	script    atomic.Pointer[agent.Script]
}

func newAgent(t *testing.T, token string, register bool) *agentFixture {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("page " + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)
	base, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	f := &agentFixture{}
	f.script.Store(&agent.Script{Version: "v1", Manifest: []string{"/"}})
	f.container = agent.NewContainer(cache.NewMemoryStorage(), upstream.Client(), agent.WithBaseURL(base))
	if register {
		_, err = f.container.Register(context.Background(), "/", *f.script.Load())
		require.NoError(t, err)
	}

	s, err := routes.New(routes.ServerOptions{
		Agent:   f.container,
		Network: upstream.Client(),
		Checker: &jobs.Checker{
			Agent: f.container,
			Scope: "/",
			Load:  func(string) (agent.Script, error) { return *f.script.Load(), nil },
			Log:   zerolog.Nop(),
		},
		Cfg:    &config.Config{Upstream: upstream.URL, Scope: "/", AdminToken: token},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router)
	t.Cleanup(srv.Close)
	f.agentURL = srv.URL
	return f
}

// park installs v2 on the agent side so it waits behind v1
func (f *agentFixture) park(t *testing.T) {
	t.Helper()
	reg, ok := f.container.Registration("/")
	require.True(t, ok)
	next := agent.Script{Version: "v2", Manifest: []string{"/", "/app.js"}}
	f.script.Store(&next)
	require.NoError(t, reg.Update(context.Background(), next))
	require.NotNil(t, reg.Waiting())
}

type page struct {
	reloads atomic.Int32
}

func (p *page) Reload()       { p.reloads.Add(1) }
func (p *page) Visible() bool { return true }

func TestClient_Info(t *testing.T) {
	f := newAgent(t, "", true)
	c := New(f.agentURL)

	info, err := c.Info(context.Background())
	require.NoError(t, err)
	require.NotNil(t, info.Active)
	assert.Equal(t, "v1", info.Active.Version)
	assert.Equal(t, agent.StateActive, info.Active.State)
	assert.Nil(t, info.Waiting)

	caches, err := c.Caches(context.Background())
	require.NoError(t, err)
	require.Len(t, caches, 1)
	assert.Equal(t, CacheInfo{Name: "evagent-precache-v1", Entries: 1}, caches[0])
}

func TestClient_SkipWaitingWithoutUpdate(t *testing.T) {
	f := newAgent(t, "", true)
	err := New(f.agentURL).SkipWaiting(context.Background())
	assert.ErrorIs(t, err, agent.ErrNoWaiting)
}

func TestClient_TokenRequired(t *testing.T) {
	f := newAgent(t, "s3cret", true)

	_, err := New(f.agentURL).Update(context.Background())
	require.Error(t, err)
	assert.True(t, statusIs(err, http.StatusUnauthorized))

	_, err = New(f.agentURL, WithToken("s3cret")).Update(context.Background())
	assert.NoError(t, err)
}

func TestClient_RegisterInstallsWhenUnregistered(t *testing.T) {
	f := newAgent(t, "", false)
	c := New(f.agentURL, WithPollInterval(time.Hour))
	defer c.Close()

	reg, err := c.Register(context.Background())
	require.NoError(t, err)
	id, ok := reg.Active()
	assert.True(t, ok)
	assert.NotEmpty(t, id)

	_, ok = f.container.Registration("/")
	assert.True(t, ok)
}

func TestRegistration_RefreshNotifiesChanges(t *testing.T) {
	ctx := context.Background()
	f := newAgent(t, "", true)
	c := New(f.agentURL, WithPollInterval(time.Hour))
	defer c.Close()

	creg, err := c.Register(ctx)
	require.NoError(t, err)
	reg := creg.(*Registration)

	var waiting, takeOvers []string
	reg.OnWaiting(func(id string) { waiting = append(waiting, id) })
	reg.OnControllerChange(func(id string) { takeOvers = append(takeOvers, id) })

	require.NoError(t, reg.Refresh(ctx))
	assert.Empty(t, waiting)
	assert.Empty(t, takeOvers)

	f.park(t)
	require.NoError(t, reg.Refresh(ctx))
	require.NoError(t, reg.Refresh(ctx))
	require.Len(t, waiting, 1)
	wid, ok := reg.Waiting()
	require.True(t, ok)
	assert.Equal(t, wid, waiting[0])

	require.NoError(t, reg.SkipWaiting(ctx))
	require.Eventually(t, func() bool {
		return reg.Refresh(ctx) == nil && len(takeOvers) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, wid, takeOvers[0])
	_, ok = reg.Waiting()
	assert.False(t, ok)
}

func TestClient_UnregisterAll(t *testing.T) {
	ctx := context.Background()
	f := newAgent(t, "", true)
	c := New(f.agentURL, WithPollInterval(time.Hour))
	defer c.Close()

	co := coordinator.New(c, &page{}, coordinator.Options{Production: true})
	co.RegisterAndWatch(ctx, nil)
	co.UnregisterAll(ctx)

	_, err := c.Info(ctx)
	assert.ErrorIs(t, err, ErrNotRegistered)
	regs, err := c.Registrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestCoordinatorOverHTTP(t *testing.T) {
	ctx := context.Background()
	f := newAgent(t, "", true)
	c := New(f.agentURL, WithPollInterval(10*time.Millisecond))
	defer c.Close()

	p := &page{}
	co := coordinator.New(c, p, coordinator.Options{Production: true, FallbackDelay: time.Hour})

	var updates atomic.Int32
	co.RegisterAndWatch(ctx, func() { updates.Add(1) })
	require.NotNil(t, co.Registration())

	f.park(t)
	require.Eventually(t, func() bool { return updates.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	co.ActivateUpdate(ctx)
	require.Eventually(t, func() bool { return p.reloads.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", info.Active.Version)
	assert.True(t, co.Guard().Reloaded())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), p.reloads.Load())
	assert.Equal(t, int32(1), updates.Load())
}
