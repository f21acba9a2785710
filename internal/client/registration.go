package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/briangreenhill/evagent/agent"
)

// Registration is a polled view of the remote agent's registration. Slot
// changes seen between polls are delivered to OnWaiting and
// OnControllerChange listeners.
type Registration struct {
	client *Client

	mu         sync.Mutex
	info       agent.Info
	nextID     int
	onWaiting  map[int]func(string)
	onTakeOver map[int]func(string)

	quit     chan struct{}
	stopOnce sync.Once
}

func newRegistration(c *Client, info agent.Info) *Registration {
	return &Registration{
		client:     c,
		info:       info,
		onWaiting:  map[int]func(string){},
		onTakeOver: map[int]func(string){},
		quit:       make(chan struct{}),
	}
}

func workerID(w *agent.WorkerInfo) string {
	if w == nil {
		return ""
	}
	return w.ID
}

// Info returns the last polled snapshot
func (r *Registration) Info() agent.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

func (r *Registration) Waiting() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := workerID(r.info.Waiting)
	return id, id != ""
}

func (r *Registration) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := workerID(r.info.Active)
	return id, id != ""
}

func (r *Registration) SkipWaiting(ctx context.Context) error {
	return r.client.SkipWaiting(ctx)
}

func (r *Registration) OnWaiting(fn func(string)) func() {
	return r.subscribe(r.onWaiting, fn)
}

func (r *Registration) OnControllerChange(fn func(string)) func() {
	return r.subscribe(r.onTakeOver, fn)
}

func (r *Registration) subscribe(set map[int]func(string), fn func(string)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	set[id] = fn
	return func() {
		r.mu.Lock()
		delete(set, id)
		r.mu.Unlock()
	}
}

// Refresh polls the agent once and notifies listeners of slot changes
func (r *Registration) Refresh(ctx context.Context) error {
	info, err := r.client.Info(ctx)
	if errors.Is(err, ErrNotRegistered) {
		info = agent.Info{}
	} else if err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.info
	r.info = info
	var waiting, takeOver []func(string)
	if id := workerID(info.Waiting); id != "" && id != workerID(prev.Waiting) {
		for _, fn := range r.onWaiting {
			waiting = append(waiting, fn)
		}
	}
	if id := workerID(info.Active); id != "" && id != workerID(prev.Active) {
		for _, fn := range r.onTakeOver {
			takeOver = append(takeOver, fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range waiting {
		fn(workerID(info.Waiting))
	}
	for _, fn := range takeOver {
		fn(workerID(info.Active))
	}
	return nil
}

func (r *Registration) run(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval*5)
			if err := r.Refresh(ctx); err != nil {
				r.client.log.Debug().Err(err).Msg("poll registration")
			}
			cancel()
		}
	}
}

// Close stops polling
func (r *Registration) Close() {
	r.stopOnce.Do(func() { close(r.quit) })
}
