package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/evagent/cache"
)

var errOffline = errors.New("dial tcp: network is unreachable")

// upstream is a fake origin serving fixed pages
type upstream struct {
	*httptest.Server
	mu    sync.Mutex
	pages map[string]string
	hits  map[string]int
}

func newUpstream(t *testing.T, pages map[string]string) *upstream {
	t.Helper()
	u := &upstream{pages: pages, hits: make(map[string]int)}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.Method+" "+r.URL.Path]++
		body, ok := u.pages[r.URL.Path]
		u.mu.Unlock()

		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusCreated)
			_, _ = fmt.Fprintf(w, "%s accepted", r.Method)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) setPage(path, body string) {
	u.mu.Lock()
	u.pages[path] = body
	u.mu.Unlock()
}

func (u *upstream) hitCount(key string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[key]
}

func (u *upstream) baseURL(t *testing.T) *url.URL {
	t.Helper()
	base, err := url.Parse(u.URL)
	require.NoError(t, err)
	return base
}

// network wraps an http.Client and can be switched offline
type network struct {
	client  *http.Client
	offline atomic.Bool
	calls   atomic.Int32
}

func newNetwork(client *http.Client) *network {
	return &network{client: client}
}

func (n *network) Do(req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.offline.Load() || n.client == nil {
		return nil, errOffline
	}
	return n.client.Do(req)
}

// spyStorage counts every call that reaches the wrapped storage
type spyStorage struct {
	cache.Storage
	calls atomic.Int32
}

func (s *spyStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	s.calls.Add(1)
	return s.Storage.Open(ctx, name)
}

func (s *spyStorage) Lookup(ctx context.Context, name string) (cache.Store, error) {
	s.calls.Add(1)
	return s.Storage.Lookup(ctx, name)
}

func (s *spyStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.calls.Add(1)
	return s.Storage.Delete(ctx, name)
}

func (s *spyStorage) Names(ctx context.Context) ([]string, error) {
	s.calls.Add(1)
	return s.Storage.Names(ctx)
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.WarnLevel)
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req
}

func storeKeys(t *testing.T, s cache.Storage, name string) []string {
	t.Helper()
	store, err := s.Lookup(context.Background(), name)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

var errDiskFull = errors.New("no space left on device")

// faultyStorage fails deletes of chosen generations, and every put past
// putLimit when putLimit is set
type faultyStorage struct {
	cache.Storage
	undeletable map[string]bool
	putLimit    int32
	puts        atomic.Int32
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyStore{Store: store, owner: s}, nil
}

func (s *faultyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.undeletable[name] {
		return false, errDiskFull
	}
	return s.Storage.Delete(ctx, name)
}

type faultyStore struct {
	cache.Store
	owner *faultyStorage
}

func (s *faultyStore) Put(ctx context.Context, key string, entry *cache.Entry) error {
	if n := s.owner.puts.Add(1); s.owner.putLimit > 0 && n > s.owner.putLimit {
		return errDiskFull
	}
	return s.Store.Put(ctx, key, entry)
}

// closeRecorder is a response body that remembers being closed
type closeRecorder struct {
	io.Reader
	closed atomic.Bool
}

func (b *closeRecorder) Close() error {
	b.closed.Store(true)
	return nil
}

// gatedNetwork holds every request until release is closed, then answers
// with a 404 carrying body
type gatedNetwork struct {
	entered chan struct{}
	release chan struct{}
	body    *closeRecorder
}

func (n *gatedNetwork) Do(req *http.Request) (*http.Response, error) {
	n.entered <- struct{}{}
	<-n.release
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     http.Header{},
		Body:       n.body,
		Request:    req,
	}, nil
}
