package cache

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(url, body string) *Entry {
	return &Entry{
		URL:       url,
		Status:    http.StatusOK,
		Header:    http.Header{"Content-Type": []string{"text/plain"}},
		Body:      []byte(body),
		FetchedAt: time.Now().UTC(),
	}
}

// runStorageSuite checks the behaviour every backend must share
func runStorageSuite(t *testing.T, s Storage) {
	ctx := context.Background()

	t.Run("open put get", func(t *testing.T) {
		store, err := s.Open(ctx, "suite-precache-v1")
		require.NoError(t, err)
		require.Equal(t, "suite-precache-v1", store.Name())

		key := KeyForURL(http.MethodGet, "http://app.test/index.html")
		require.NoError(t, store.Put(ctx, key, testEntry("http://app.test/index.html", "hello")))

		got, ok, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, key, got.Key)
		assert.Equal(t, []byte("hello"), got.Body)
		assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))

		_, ok, err = store.Get(ctx, KeyForURL(http.MethodGet, "http://app.test/missing"))
		require.NoError(t, err)
		assert.False(t, ok)

		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{key}, keys)
	})

	t.Run("names lookup delete", func(t *testing.T) {
		_, err := s.Open(ctx, "suite-runtime-v1")
		require.NoError(t, err)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, "suite-precache-v1")
		assert.Contains(t, names, "suite-runtime-v1")

		_, err = s.Lookup(ctx, "suite-never-opened")
		assert.ErrorIs(t, err, ErrNotFound)

		deleted, err := s.Delete(ctx, "suite-runtime-v1")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.Delete(ctx, "suite-runtime-v1")
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = s.Lookup(ctx, "suite-runtime-v1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("match across generations", func(t *testing.T) {
		key := KeyForURL(http.MethodGet, "http://app.test/api/stations")
		runtime, err := s.Open(ctx, "suite-runtime-v2")
		require.NoError(t, err)
		require.NoError(t, runtime.Put(ctx, key, testEntry("http://app.test/api/stations", "[]")))

		got, ok, err := Match(ctx, s, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("[]"), got.Body)

		_, ok, err = Match(ctx, s, KeyForURL(http.MethodGet, "http://app.test/nothing"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid name", func(t *testing.T) {
		_, err := s.Open(ctx, "../escape")
		assert.ErrorIs(t, err, ErrInvalidName)
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, NewMemoryStorage())
}

func TestMemoryStorage_NamesInCreationOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	for _, n := range []string{"c", "a", "b"} {
		_, err := s.Open(ctx, n)
		require.NoError(t, err)
	}
	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

func TestMemoryStorage_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStorage().Open(ctx, "gen")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "k", testEntry("http://app.test/", "original")))

	got, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	got.Body[0] = 'X'

	again, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(again.Body))
}

func TestFileStorage(t *testing.T) {
	s, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	runStorageSuite(t, s)
}

func TestFileStorage_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewFileStorage(dir)
	require.NoError(t, err)
	store, err := s1.Open(ctx, "evagent-precache-v1")
	require.NoError(t, err)
	key := KeyForURL(http.MethodGet, "http://app.test/?q=a&b=c")
	require.NoError(t, store.Put(ctx, key, testEntry("http://app.test/?q=a&b=c", "persisted")))

	s2, err := NewFileStorage(dir)
	require.NoError(t, err)
	got, ok, err := Match(ctx, s2, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(got.Body))
}

func TestFileStorage_WritesDoNotReorderGenerations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	require.NoError(t, err)

	older, err := s.Open(ctx, "z-older")
	require.NoError(t, err)
	_, err = s.Open(ctx, "a-newer")
	require.NoError(t, err)

	// entry writes touch the older directory last
	require.NoError(t, older.Put(ctx, "k", testEntry("http://app.test/", "late")))
	_, err = s.Open(ctx, "z-older")
	require.NoError(t, err)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"z-older", "a-newer"}, names)

	reopened, err := NewFileStorage(dir)
	require.NoError(t, err)
	names, err = reopened.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"z-older", "a-newer"}, names)

	keys, err := older.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

func TestPostgresStorage(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping postgres storage test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	defer pool.Close()

	s, err := NewPostgresStorage(ctx, pool)
	require.NoError(t, err)
	cleanup := func() {
		names, _ := s.Names(ctx)
		for _, n := range names {
			_, _ = s.Delete(ctx, n)
		}
	}
	cleanup()
	defer cleanup()

	runStorageSuite(t, s)
}

func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis storage test")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	s := NewRedisStorage(rdb, fmt.Sprintf("evagent-test-%d", time.Now().UnixNano()))
	defer func() {
		names, _ := s.Names(ctx)
		for _, n := range names {
			_, _ = s.Delete(ctx, n)
		}
	}()

	runStorageSuite(t, s)
}
