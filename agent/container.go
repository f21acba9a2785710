// Package agent is the background network-interception agent: it serves
// requests from versioned cache generations, installs new releases,
// activates them on request and collects stale generations.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/evagent/cache"
)

// ErrUnsupported is returned by Register when the container has no storage
// or network to work with.
var ErrUnsupported = errors.New("agent: caching not supported in this runtime")

// Container owns every registration, keyed by scope
type Container struct {
	storage cache.Storage
	network Fetcher
	base    *url.URL
	log     zerolog.Logger

	mu   sync.Mutex
	regs map[string]*Registration
}

// Option configures a Container
type Option func(*Container)

// WithLogger sets the logger used by the container and its workers
func WithLogger(l zerolog.Logger) Option {
	return func(c *Container) { c.log = l }
}

// WithBaseURL resolves relative manifest entries against base
func WithBaseURL(base *url.URL) Option {
	return func(c *Container) { c.base = base }
}

// NewContainer creates a container. A nil storage or network yields a
// container whose Register always fails with ErrUnsupported.
func NewContainer(storage cache.Storage, network Fetcher, opts ...Option) *Container {
	c := &Container{
		storage: storage,
		network: network,
		log:     zerolog.Nop(),
		regs:    make(map[string]*Registration),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Storage returns the cache storage shared by all registrations
func (c *Container) Storage() cache.Storage { return c.storage }

func normalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "/"
	}
	if !strings.HasPrefix(scope, "/") {
		scope = "/" + scope
	}
	return scope
}

// ValidateScript checks that script can name its cache generations
func ValidateScript(script Script) error {
	if strings.TrimSpace(script.Version) == "" {
		return fmt.Errorf("script version required: %w", cache.ErrInvalidName)
	}
	if err := cache.ValidateName(script.PrecacheName()); err != nil {
		return fmt.Errorf("script version %q: %w", script.Version, err)
	}
	return nil
}

// Register installs script for scope, creating the registration on first
// use. When a registration already has an active worker a failed update is
// logged and the registration is still returned, since the previous
// generation keeps serving. A first install that fails leaves nothing
// registered.
func (c *Container) Register(ctx context.Context, scope string, script Script) (*Registration, error) {
	if c.storage == nil || c.network == nil {
		return nil, ErrUnsupported
	}
	if err := ValidateScript(script); err != nil {
		return nil, err
	}
	scope = normalizeScope(scope)

	c.mu.Lock()
	reg, ok := c.regs[scope]
	if !ok {
		reg = newRegistration(scope, c.storage, c.network, c.base, c.log)
		c.regs[scope] = reg
	}
	c.mu.Unlock()

	if err := reg.Update(ctx, script); err != nil {
		if reg.Active() != nil {
			c.log.Warn().Err(err).Str("scope", scope).Str("version", script.Version).Msg("update failed, previous generation keeps serving")
			return reg, nil
		}
		if reg.Waiting() == nil {
			c.mu.Lock()
			if c.regs[scope] == reg {
				delete(c.regs, scope)
			}
			c.mu.Unlock()
			reg.unregister()
		}
		return nil, fmt.Errorf("register %s: %w", scope, err)
	}
	return reg, nil
}

// Registration returns the registration for scope
func (c *Container) Registration(scope string) (*Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.regs[normalizeScope(scope)]
	return reg, ok
}

// Registrations lists every registration ordered by scope
func (c *Container) Registrations() []*Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Registration, 0, len(c.regs))
	for _, r := range c.regs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].scope < out[j].scope })
	return out
}

// Unregister removes the registration for scope and retires its workers.
// Cache generations are left in place.
func (c *Container) Unregister(scope string) bool {
	scope = normalizeScope(scope)
	c.mu.Lock()
	reg, ok := c.regs[scope]
	delete(c.regs, scope)
	c.mu.Unlock()
	if !ok {
		return false
	}
	reg.unregister()
	c.log.Info().Str("scope", scope).Msg("unregistered")
	return true
}
