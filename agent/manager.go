package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/evagent/cache"
)

// HeaderOffline marks the synthetic response served when neither the cache
// nor the network can answer.
const HeaderOffline = "X-Evagent-Offline"

// installConcurrency bounds parallel precache fetches
const installConcurrency = 6

// Fetcher is the network. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager implements the fetch strategy and cache maintenance for one
// generation.
type Manager struct {
	storage cache.Storage
	network Fetcher
	base    *url.URL
	script  Script
	log     zerolog.Logger

	// mu orders runtime writes against seal
	mu     sync.Mutex
	sealed bool
}

// NewManager creates a cache manager for script. Manifest entries are
// resolved against base.
func NewManager(storage cache.Storage, network Fetcher, base *url.URL, script Script, log zerolog.Logger) *Manager {
	return &Manager{
		storage: storage,
		network: network,
		base:    base,
		script:  script,
		log:     log,
	}
}

// ManifestURLs returns the absolute precache URLs, deduplicated, in
// manifest order.
func (m *Manager) ManifestURLs() ([]string, error) {
	seen := make(map[string]bool, len(m.script.Manifest))
	out := make([]string, 0, len(m.script.Manifest))
	for _, raw := range m.script.Manifest {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("manifest url %q: %w", raw, err)
		}
		abs := ref
		if m.base != nil {
			abs = m.base.ResolveReference(ref)
		}
		if !abs.IsAbs() {
			return nil, fmt.Errorf("manifest url %q is not absolute", raw)
		}
		s := abs.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

// Install fetches every manifest asset and stores them in the precache
// generation. Nothing is written unless all fetches succeed.
func (m *Manager) Install(ctx context.Context) error {
	urls, err := m.ManifestURLs()
	if err != nil {
		return err
	}

	entries := make([]*cache.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			entry, err := m.precacheOne(gctx, u)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	store, err := m.storage.Open(ctx, m.script.PrecacheName())
	if err != nil {
		return fmt.Errorf("open precache: %w", err)
	}
	for _, entry := range entries {
		if err := store.Put(ctx, entry.Key, entry); err != nil {
			if _, derr := m.storage.Delete(context.WithoutCancel(ctx), m.script.PrecacheName()); derr != nil {
				m.log.Warn().Err(derr).Str("cache", m.script.PrecacheName()).Msg("discard partial precache failed")
			}
			return fmt.Errorf("store %s: %w", entry.URL, err)
		}
	}
	return nil
}

func (m *Manager) precacheOne(ctx context.Context, rawURL string) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.network.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	entry, _, err := cache.Snapshot(cache.KeyFor(req), req, resp)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return entry, nil
}

// Fetch answers a GET request. It never returns an error: when both the
// cache and the network fail the caller gets a synthetic 503. Requests
// Intercepts rejects never reach a Manager; Registration.Fetch passes them
// straight to the network.
func (m *Manager) Fetch(ctx context.Context, req *http.Request) *http.Response {
	req = req.WithContext(ctx)

	key := cache.KeyFor(req)
	if entry, ok, err := cache.Match(ctx, m.storage, key); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("cache lookup failed")
	} else if ok {
		return entry.Response(req)
	}

	resp, err := m.network.Do(req)
	if err != nil {
		m.log.Debug().Err(err).Str("url", req.URL.String()).Msg("network unavailable")
		return OfflineResponse(req)
	}
	if resp.StatusCode != http.StatusOK {
		return resp
	}

	entry, out, err := cache.Snapshot(key, req, resp)
	if err != nil {
		m.log.Warn().Err(err).Str("url", req.URL.String()).Msg("read network response failed")
		return OfflineResponse(req)
	}
	if err := m.putRuntime(ctx, key, entry); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("runtime cache write failed")
	}
	return out
}

func (m *Manager) putRuntime(ctx context.Context, key string, entry *cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		m.log.Debug().Str("key", key).Msg("runtime cache sealed, response not stored")
		return nil
	}
	// the client may be gone already; the entry is still worth keeping
	ctx = context.WithoutCancel(ctx)
	store, err := m.storage.Open(ctx, m.script.RuntimeName())
	if err != nil {
		return err
	}
	return store.Put(ctx, key, entry)
}

// seal stops runtime writes. It waits for a write already in progress, so
// once it returns this generation's runtime cache can be deleted without a
// late response recreating it.
func (m *Manager) seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

func (m *Manager) unseal() {
	m.mu.Lock()
	m.sealed = false
	m.mu.Unlock()
}

// Activate deletes every generation other than this script's precache and
// runtime generations. Failed deletions are reported but the survivors are
// never touched; calling it again retries what is left.
func (m *Manager) Activate(ctx context.Context) error {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}

	keep := map[string]bool{
		m.script.PrecacheName(): true,
		m.script.RuntimeName():  true,
	}
	var errs []error
	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		m.log.Info().Str("cache", name).Msg("deleted stale generation")
	}
	return errors.Join(errs...)
}

// OfflineResponse is the synthetic reply for a request nothing could answer
func OfflineResponse(req *http.Request) *http.Response {
	body := "Service Unavailable: offline and no cached copy of " + req.URL.Path + "\n"
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
			HeaderOffline:  []string{"1"},
		},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
