package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidTransition = errors.New("agent: invalid state transition")
	ErrNotActive         = errors.New("agent: worker is not active")
	ErrStopped           = errors.New("agent: worker stopped")
	ErrInstallFailed     = errors.New("agent: install failed")
)

// Message is a control message posted to a worker from another context
type Message string

// MessageSkipWaiting asks a waiting worker to become active now
const MessageSkipWaiting Message = "skip-waiting"

type eventKind int

const (
	eventInstall eventKind = iota
	eventActivate
	eventFetch
	eventMessage
)

type event struct {
	kind  eventKind
	ctx   context.Context
	req   *http.Request
	msg   Message
	reply chan result
}

type result struct {
	resp *http.Response
	err  error
}

// Worker is one installed generation of the agent. It runs as an actor:
// lifecycle events and messages are handled one at a time on its own
// goroutine, fetches are handed off so a slow network does not block the
// lifecycle.
type Worker struct {
	id      string
	script  Script
	manager *Manager
	log     zerolog.Logger

	// onMessage delivers control messages to the owning registration
	onMessage func(*Worker, Message)

	mu    sync.RWMutex
	state State

	inbox    chan event
	quit     chan struct{}
	stopOnce sync.Once
}

func newWorker(script Script, manager *Manager, log zerolog.Logger, onMessage func(*Worker, Message)) *Worker {
	id := uuid.NewString()
	w := &Worker{
		id:        id,
		script:    script,
		manager:   manager,
		log:       log.With().Str("worker", id).Str("version", script.Version).Logger(),
		onMessage: onMessage,
		state:     StateNone,
		inbox:     make(chan event),
		quit:      make(chan struct{}),
	}
	go w.loop()
	return w
}

// ID returns the worker's unique identity
func (w *Worker) ID() string { return w.id }

// Script returns the release this worker runs
func (w *Worker) Script() Script { return w.script }

// State returns the current lifecycle state
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) transition(to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !CanTransition(w.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.state, to)
	}
	w.log.Debug().Str("from", w.state.String()).Str("to", to.String()).Msg("state change")
	w.state = to
	return nil
}

func (w *Worker) loop() {
	for {
		select {
		case <-w.quit:
			return
		case ev := <-w.inbox:
			w.handle(ev)
		}
	}
}

func (w *Worker) handle(ev event) {
	select {
	case <-w.quit:
		ev.reply <- result{err: ErrStopped}
		return
	default:
	}

	switch ev.kind {
	case eventInstall:
		ev.reply <- result{err: w.runInstall(ev.ctx)}
	case eventActivate:
		ev.reply <- result{err: w.runActivate(ev.ctx)}
	case eventMessage:
		w.log.Debug().Str("message", string(ev.msg)).Msg("message received")
		if w.onMessage != nil {
			go w.onMessage(w, ev.msg)
		}
		ev.reply <- result{}
	case eventFetch:
		if w.State() != StateActive {
			ev.reply <- result{err: ErrNotActive}
			return
		}
		go func() {
			ev.reply <- result{resp: w.manager.Fetch(ev.ctx, ev.req)}
		}()
	}
}

func (w *Worker) runInstall(ctx context.Context) error {
	if err := w.transition(StateInstalling); err != nil {
		return err
	}
	if err := w.manager.Install(ctx); err != nil {
		w.log.Error().Err(err).Msg("install failed, discarding generation")
		_ = w.transition(StateNone)
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	w.log.Info().Str("cache", w.script.PrecacheName()).Msg("installed")
	return w.transition(StateInstalled)
}

func (w *Worker) runActivate(ctx context.Context) error {
	if err := w.transition(StateActivating); err != nil {
		return err
	}
	if err := w.manager.Activate(ctx); err != nil {
		// stale generations left behind are collected on the next activation
		w.log.Warn().Err(err).Msg("cache cleanup incomplete")
	}
	w.log.Info().Msg("activated")
	return w.transition(StateActive)
}

// send delivers ev to the actor and waits for its reply
func (w *Worker) send(ctx context.Context, ev event) (result, error) {
	ev.ctx = ctx
	ev.reply = make(chan result, 1)
	select {
	case <-w.quit:
		return result{}, ErrStopped
	default:
	}
	select {
	case w.inbox <- ev:
	case <-w.quit:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case r := <-ev.reply:
		return r, nil
	case <-ctx.Done():
		// nobody will read the late reply, so release its body here
		go func() {
			if r := <-ev.reply; r.resp != nil && r.resp.Body != nil {
				_ = r.resp.Body.Close()
			}
		}()
		return result{}, ctx.Err()
	}
}

// Install runs the install phase
func (w *Worker) Install(ctx context.Context) error {
	r, err := w.send(ctx, event{kind: eventInstall})
	if err != nil {
		return err
	}
	return r.err
}

// Activate runs the activation phase
func (w *Worker) Activate(ctx context.Context) error {
	r, err := w.send(ctx, event{kind: eventActivate})
	if err != nil {
		return err
	}
	return r.err
}

// Fetch asks the worker to answer req. Only active workers serve fetches.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	r, err := w.send(ctx, event{kind: eventFetch, req: req})
	if err != nil {
		return nil, err
	}
	return r.resp, r.err
}

// PostMessage delivers a control message. It returns once the worker has
// received it, not when the message has been acted on.
func (w *Worker) PostMessage(ctx context.Context, msg Message) error {
	r, err := w.send(ctx, event{kind: eventMessage, msg: msg})
	if err != nil {
		return err
	}
	return r.err
}

// retire marks the worker redundant (if allowed) and stops its actor
func (w *Worker) retire() {
	if w.manager != nil {
		w.manager.seal()
	}
	if err := w.transition(StateRedundant); err != nil && w.State() != StateRedundant {
		w.log.Debug().Err(err).Msg("retire")
	}
	w.stop()
}

// discard stops a worker that never finished installing
func (w *Worker) discard() {
	w.stop()
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
	})
}
