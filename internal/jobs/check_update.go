package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/evagent/agent"
	"github.com/briangreenhill/evagent/cache"
	"github.com/briangreenhill/evagent/internal/manifest"
)

// Checker re-reads the precache manifest and installs it when its version
// is new. It backs both the scheduled job and POST /_agent/update.
type Checker struct {
	Agent        *agent.Container
	Scope        string
	ManifestPath string
	// Load defaults to manifest.Load
	Load func(path string) (agent.Script, error)
	Log  zerolog.Logger
}

// Check installs the current manifest for the checker's scope. An existing
// registration is updated in place, so a newer version parks as waiting;
// otherwise the scope is registered afresh.
func (c *Checker) Check(ctx context.Context) (*agent.Registration, error) {
	load := c.Load
	if load == nil {
		load = manifest.Load
	}
	script, err := load(c.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	if reg, ok := c.Agent.Registration(c.Scope); ok {
		if err := reg.Update(ctx, script); err != nil {
			return reg, fmt.Errorf("update %s to %s: %w", reg.Scope(), script.Version, err)
		}
		return reg, nil
	}
	return c.Agent.Register(ctx, c.Scope, script)
}

// CheckUpdateHandler runs TaskCheckUpdate
type CheckUpdateHandler struct {
	Checker *Checker
}

// ProcessTask implements asynq.Handler
func (h *CheckUpdateHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p CheckUpdatePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
	}

	c := *h.Checker
	if p.Scope != "" {
		c.Scope = p.Scope
	}
	log := c.Log.With().Str("task", TaskCheckUpdate).Str("scope", c.Scope).Logger()

	start := time.Now()
	reg, err := c.Check(ctx)
	duration := time.Since(start)
	if err != nil {
		if isRetryableError(err) {
			log.Warn().Err(err).Dur("duration", duration).Msg("update check failed, will retry")
			return err
		}
		log.Error().Err(err).Dur("duration", duration).Msg("update check failed permanently")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	ev := log.Info().Dur("duration", duration)
	if w := reg.Waiting(); w != nil {
		ev = ev.Str("waiting", w.Script().Version)
	}
	if w := reg.Active(); w != nil {
		ev = ev.Str("active", w.Script().Version)
	}
	ev.Msg("update check done")
	return nil
}

// isRetryableError reports whether a later attempt might succeed. Install
// failures are usually the network; a bad manifest or a runtime without
// storage will fail the same way every time.
func isRetryableError(err error) bool {
	switch {
	case errors.Is(err, cache.ErrInvalidName),
		errors.Is(err, agent.ErrUnsupported),
		errors.Is(err, agent.ErrUnregistered):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}
