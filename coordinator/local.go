package coordinator

import (
	"context"
	"fmt"

	"github.com/briangreenhill/evagent/agent"
)

// LocalContainer runs the coordinator against an in-process agent
type LocalContainer struct {
	Agent  *agent.Container
	Scope  string
	Script agent.Script
}

// Register implements Container
func (l LocalContainer) Register(ctx context.Context) (Registration, error) {
	reg, err := l.Agent.Register(ctx, l.Scope, l.Script)
	if err != nil {
		return nil, err
	}
	return localRegistration{reg: reg}, nil
}

// Registrations implements Container
func (l LocalContainer) Registrations(context.Context) ([]Registration, error) {
	regs := l.Agent.Registrations()
	out := make([]Registration, len(regs))
	for i, r := range regs {
		out[i] = localRegistration{reg: r}
	}
	return out, nil
}

// Unregister implements Container
func (l LocalContainer) Unregister(_ context.Context, reg Registration) error {
	lr, ok := reg.(localRegistration)
	if !ok {
		return fmt.Errorf("unregister: foreign registration %T", reg)
	}
	l.Agent.Unregister(lr.reg.Scope())
	return nil
}

type localRegistration struct {
	reg *agent.Registration
}

func (r localRegistration) Waiting() (string, bool) {
	if w := r.reg.Waiting(); w != nil {
		return w.ID(), true
	}
	return "", false
}

func (r localRegistration) Active() (string, bool) {
	if w := r.reg.Active(); w != nil {
		return w.ID(), true
	}
	return "", false
}

func (r localRegistration) SkipWaiting(ctx context.Context) error {
	return r.reg.SkipWaiting(ctx)
}

func (r localRegistration) OnWaiting(fn func(string)) func() {
	return r.reg.OnWaiting(func(w *agent.Worker) { fn(w.ID()) })
}

func (r localRegistration) OnControllerChange(fn func(string)) func() {
	return r.reg.OnControllerChange(func(w *agent.Worker) { fn(w.ID()) })
}
