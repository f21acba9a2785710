// Package coordinator runs in the page context: it watches the agent
// registration for a waiting update, lets the UI shell decide when to apply
// it, and reloads the page exactly once when the new generation takes over.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultFallbackDelay is how long ActivateUpdate waits for the take-over
// notification before reloading a visible page anyway.
const DefaultFallbackDelay = 1500 * time.Millisecond

// Registration is the coordinator's view of one agent registration
type Registration interface {
	// Waiting returns the id of the worker waiting to take over
	Waiting() (id string, ok bool)
	// Active returns the id of the worker currently in control
	Active() (id string, ok bool)
	// SkipWaiting sends the waiting worker the "become active now" message
	SkipWaiting(ctx context.Context) error
	// OnWaiting subscribes to workers parking as waiting
	OnWaiting(fn func(id string)) (cancel func())
	// OnControllerChange subscribes to take-overs
	OnControllerChange(fn func(id string)) (cancel func())
}

// Container registers the agent and enumerates registrations
type Container interface {
	Register(ctx context.Context) (Registration, error)
	Registrations(ctx context.Context) ([]Registration, error)
	Unregister(ctx context.Context, reg Registration) error
}

// Page is the UI shell surface the coordinator needs
type Page interface {
	Reload()
	Visible() bool
}

// Options configures a Coordinator
type Options struct {
	// Production enables ActivateUpdate; elsewhere it is a no-op
	Production bool
	// FallbackDelay defaults to DefaultFallbackDelay
	FallbackDelay time.Duration
	Logger        *zerolog.Logger
}

// ReloadGuard tracks the reload of one page. Once Reloaded is true the page
// is never reloaded again; Reloading stops duplicate activations.
type ReloadGuard struct {
	mu        sync.Mutex
	reloading bool
	reloaded  bool
}

// Reloading reports whether an activation has been started
func (g *ReloadGuard) Reloading() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reloading
}

// Reloaded reports whether the page has been reloaded
func (g *ReloadGuard) Reloaded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reloaded
}

// begin sets reloading and reports whether this call set it
func (g *ReloadGuard) begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reloading {
		return false
	}
	g.reloading = true
	return true
}

// markReloaded sets reloaded and reports whether this call set it
func (g *ReloadGuard) markReloaded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reloaded {
		return false
	}
	g.reloaded = true
	return true
}

// Coordinator drives update activation for one page. Construct one per
// page load.
type Coordinator struct {
	container Container
	page      Page
	opts      Options
	log       zerolog.Logger
	guard     ReloadGuard

	// afterFunc schedules the fallback reload; replaced in tests
	afterFunc func(time.Duration, func()) *time.Timer

	mu             sync.Mutex
	reg            Registration
	lastNotified   string
	cancelWaiting  func()
	cancelTakeOver func()
}

// New creates a coordinator for page
func New(container Container, page Page, opts Options) *Coordinator {
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = DefaultFallbackDelay
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Coordinator{
		container: container,
		page:      page,
		opts:      opts,
		log:       log.With().Str("component", "coordinator").Logger(),
		afterFunc: time.AfterFunc,
	}
}

// Guard exposes the page's reload state
func (c *Coordinator) Guard() *ReloadGuard { return &c.guard }

// Registration returns the watched registration, nil before a successful
// RegisterAndWatch
func (c *Coordinator) Registration() Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg
}

// RegisterAndWatch registers the agent and calls onUpdateAvailable whenever
// an update is waiting behind an active generation, including one already
// waiting at registration time. If registration fails the coordinator stays
// inert.
func (c *Coordinator) RegisterAndWatch(ctx context.Context, onUpdateAvailable func()) {
	reg, err := c.container.Register(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("agent registration failed, offline support disabled")
		return
	}

	c.mu.Lock()
	if c.cancelWaiting != nil {
		c.cancelWaiting()
	}
	c.reg = reg
	c.lastNotified = ""
	c.mu.Unlock()

	notify := func(id string) {
		if _, ok := reg.Active(); !ok {
			// first install, not an update
			return
		}
		c.mu.Lock()
		if c.reg != reg || id == c.lastNotified {
			c.mu.Unlock()
			return
		}
		c.lastNotified = id
		c.mu.Unlock()

		c.log.Info().Str("worker", id).Msg("update available")
		if onUpdateAvailable != nil {
			onUpdateAvailable()
		}
	}

	cancel := reg.OnWaiting(notify)
	c.mu.Lock()
	c.cancelWaiting = cancel
	c.mu.Unlock()

	if id, ok := reg.Waiting(); ok {
		notify(id)
	}
}

// ActivateUpdate tells the waiting generation to take over and reloads the
// page once it has. Only the first call does anything, and only in
// production.
func (c *Coordinator) ActivateUpdate(ctx context.Context) {
	if !c.opts.Production {
		c.log.Debug().Msg("activate update skipped outside production")
		return
	}
	reg := c.Registration()
	if reg == nil {
		return
	}
	if !c.guard.begin() {
		return
	}

	cancel := reg.OnControllerChange(func(id string) {
		c.reload("controllerchange")
	})
	c.mu.Lock()
	c.cancelTakeOver = cancel
	c.mu.Unlock()

	if id, ok := reg.Waiting(); ok {
		if err := reg.SkipWaiting(ctx); err != nil {
			c.log.Warn().Err(err).Str("worker", id).Msg("skip waiting failed")
		}
	}

	c.afterFunc(c.opts.FallbackDelay, func() {
		if c.page.Visible() {
			c.reload("fallback")
		}
	})
}

func (c *Coordinator) reload(source string) {
	if !c.guard.markReloaded() {
		return
	}
	c.mu.Lock()
	cancel := c.cancelTakeOver
	c.cancelTakeOver = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.log.Info().Str("trigger", source).Msg("reloading page")
	c.page.Reload()
}

// UnregisterAll removes every agent registration known to the container
func (c *Coordinator) UnregisterAll(ctx context.Context) {
	regs, err := c.container.Registrations(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("list registrations failed")
		return
	}
	for _, reg := range regs {
		if err := c.container.Unregister(ctx, reg); err != nil {
			c.log.Warn().Err(err).Msg("unregister failed")
		}
	}

	c.mu.Lock()
	if c.cancelWaiting != nil {
		c.cancelWaiting()
		c.cancelWaiting = nil
	}
	c.reg = nil
	c.mu.Unlock()
}
