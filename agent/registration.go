package agent

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/evagent/cache"
)

var (
	ErrNoWaiting     = errors.New("agent: no waiting worker")
	ErrUnregistered  = errors.New("agent: registration removed")
	errStaleActivate = errors.New("agent: worker is no longer waiting")
)

type listenerKind int

const (
	listenWaiting listenerKind = iota
	listenControllerChange
)

type listener struct {
	kind listenerKind
	fn   func(*Worker)
}

// Registration tracks the workers installed for one scope: at most one
// installing, one waiting and one active.
type Registration struct {
	scope   string
	storage cache.Storage
	network Fetcher
	base    *url.URL
	log     zerolog.Logger

	// serializes Update calls
	updateMu sync.Mutex

	mu           sync.Mutex
	installing   *Worker
	waiting      *Worker
	promoting    *Worker
	active       *Worker
	unregistered bool
	listeners    map[int]listener
	nextID       int
}

func newRegistration(scope string, storage cache.Storage, network Fetcher, base *url.URL, log zerolog.Logger) *Registration {
	return &Registration{
		scope:     scope,
		storage:   storage,
		network:   network,
		base:      base,
		log:       log.With().Str("scope", scope).Logger(),
		listeners: make(map[int]listener),
	}
}

// Scope returns the scope the registration controls
func (r *Registration) Scope() string { return r.scope }

// Installing returns the worker currently installing, if any
func (r *Registration) Installing() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Waiting returns the installed worker waiting to take over, if any
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Active returns the worker serving fetches, if any
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) knows(version string) bool {
	for _, w := range []*Worker{r.active, r.promoting, r.waiting} {
		if w != nil && w.Script().Version == version {
			return true
		}
	}
	return false
}

// Update installs script as a new generation unless a worker already runs
// that version. Without an active worker the new one is activated at once;
// otherwise it parks as the waiting worker until SkipWaiting.
func (r *Registration) Update(ctx context.Context, script Script) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	if r.unregistered {
		r.mu.Unlock()
		return ErrUnregistered
	}
	if r.knows(script.Version) {
		r.mu.Unlock()
		return nil
	}
	manager := NewManager(r.storage, r.network, r.base, script, r.log)
	w := newWorker(script, manager, r.log, r.handleMessage)
	r.installing = w
	r.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		r.mu.Lock()
		r.installing = nil
		r.mu.Unlock()
		w.discard()
		return err
	}

	r.mu.Lock()
	r.installing = nil
	if r.unregistered {
		r.mu.Unlock()
		w.retire()
		return ErrUnregistered
	}
	if r.active == nil && r.promoting == nil {
		r.promoting = w
		r.mu.Unlock()
		return r.promote(ctx, w)
	}
	prev := r.waiting
	r.waiting = w
	r.mu.Unlock()

	if prev != nil {
		r.log.Info().Str("worker", prev.ID()).Msg("waiting worker superseded")
		prev.retire()
	}
	r.log.Info().Str("worker", w.ID()).Str("version", script.Version).Msg("update waiting")
	r.emit(listenWaiting, w)
	return nil
}

// SkipWaiting sends the waiting worker the "become active now" message.
// It returns once the message is delivered; take-over is announced through
// OnControllerChange.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	w := r.Waiting()
	if w == nil {
		return ErrNoWaiting
	}
	return w.PostMessage(ctx, MessageSkipWaiting)
}

func (r *Registration) handleMessage(w *Worker, msg Message) {
	if msg != MessageSkipWaiting {
		r.log.Debug().Str("message", string(msg)).Msg("ignored message")
		return
	}

	r.mu.Lock()
	if r.waiting != w {
		r.mu.Unlock()
		r.log.Debug().Err(errStaleActivate).Str("worker", w.ID()).Msg("skip waiting ignored")
		return
	}
	r.waiting = nil
	r.promoting = w
	r.mu.Unlock()

	if err := r.promote(context.Background(), w); err != nil {
		r.log.Error().Err(err).Str("worker", w.ID()).Msg("activation failed")
	}
}

// promote activates w, which the caller has already moved into the
// promoting slot. The previous active worker keeps serving until w is
// active.
func (r *Registration) promote(ctx context.Context, w *Worker) error {
	// the outgoing worker may still be finishing fetches; its runtime
	// generation must not reappear after the cleanup below deletes it
	r.mu.Lock()
	prev := r.active
	r.mu.Unlock()
	if prev != nil && prev.manager != nil {
		prev.manager.seal()
	}

	if err := w.Activate(ctx); err != nil {
		if prev != nil && prev.manager != nil {
			prev.manager.unseal()
		}
		r.mu.Lock()
		r.promoting = nil
		r.mu.Unlock()
		w.retire()
		return err
	}

	r.mu.Lock()
	r.promoting = nil
	if r.unregistered {
		r.mu.Unlock()
		w.retire()
		return ErrUnregistered
	}
	old := r.active
	r.active = w
	r.mu.Unlock()

	if old != nil {
		old.retire()
	}
	r.log.Info().Str("worker", w.ID()).Str("version", w.Script().Version).Msg("controller changed")
	r.emit(listenControllerChange, w)
	return nil
}

// Fetch routes req through the active worker. Requests the agent does not
// intercept, or that arrive while nothing is active, go straight to the
// network and may fail with its error.
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if Intercepts(req) {
		for attempt := 0; attempt < 2; attempt++ {
			w := r.Active()
			if w == nil {
				break
			}
			resp, err := w.Fetch(ctx, req)
			if errors.Is(err, ErrNotActive) || errors.Is(err, ErrStopped) {
				// retired between lookup and delivery
				continue
			}
			return resp, err
		}
	}
	return r.network.Do(req.WithContext(ctx))
}

// Intercepts reports whether the agent handles req at all. Only GET
// requests are served from or written to the cache.
func Intercepts(req *http.Request) bool {
	return req.Method == http.MethodGet
}

// OnWaiting calls fn whenever a newly installed worker parks as waiting
// behind an active one. The returned func removes the listener.
func (r *Registration) OnWaiting(fn func(*Worker)) func() {
	return r.subscribe(listenWaiting, fn)
}

// OnControllerChange calls fn whenever a worker takes over as active.
// The returned func removes the listener.
func (r *Registration) OnControllerChange(fn func(*Worker)) func() {
	return r.subscribe(listenControllerChange, fn)
}

func (r *Registration) subscribe(kind listenerKind, fn func(*Worker)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = listener{kind: kind, fn: fn}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

func (r *Registration) emit(kind listenerKind, w *Worker) {
	r.mu.Lock()
	var fns []func(*Worker)
	for _, l := range r.listeners {
		if l.kind == kind {
			fns = append(fns, l.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(w)
	}
}

// unregister retires every worker; an install in flight is discarded when
// it completes.
func (r *Registration) unregister() {
	r.mu.Lock()
	r.unregistered = true
	workers := []*Worker{r.waiting, r.active}
	r.waiting = nil
	r.active = nil
	r.mu.Unlock()

	for _, w := range workers {
		if w != nil {
			w.retire()
		}
	}
}

// WorkerInfo is a point-in-time view of one worker
type WorkerInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	State   State  `json:"state"`
}

// Info describes a registration for status endpoints
type Info struct {
	Scope      string      `json:"scope"`
	Installing *WorkerInfo `json:"installing"`
	Waiting    *WorkerInfo `json:"waiting"`
	Active     *WorkerInfo `json:"active"`
}

// Info returns a snapshot of the registration's worker slots
func (r *Registration) Info() Info {
	r.mu.Lock()
	installing, waiting, active := r.installing, r.waiting, r.active
	r.mu.Unlock()

	return Info{
		Scope:      r.scope,
		Installing: workerInfo(installing),
		Waiting:    workerInfo(waiting),
		Active:     workerInfo(active),
	}
}

func workerInfo(w *Worker) *WorkerInfo {
	if w == nil {
		return nil
	}
	return &WorkerInfo{ID: w.ID(), Version: w.Script().Version, State: w.State()}
}
