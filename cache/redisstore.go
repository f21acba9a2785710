package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps the generation index in a sorted set scored by
// creation time and each generation's entries in a hash.
type RedisStorage struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStorage creates a storage using rdb. Keys are namespaced by prefix
// (defaults to "evagent").
func NewRedisStorage(rdb redis.UniversalClient, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "evagent"
	}
	return &RedisStorage{rdb: rdb, prefix: prefix}
}

func (r *RedisStorage) indexKey() string { return r.prefix + ":generations" }

func (r *RedisStorage) genKey(name string) string { return r.prefix + ":gen:" + name }

// Open implements Storage
func (r *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	err := r.rdb.ZAddNX(ctx, r.indexKey(), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("open generation %s: %w", name, err)
	}
	return &redisStore{rdb: r.rdb, name: name, key: r.genKey(name)}, nil
}

// Lookup implements Storage
func (r *RedisStorage) Lookup(ctx context.Context, name string) (Store, error) {
	err := r.rdb.ZScore(ctx, r.indexKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup generation %s: %w", name, err)
	}
	return &redisStore{rdb: r.rdb, name: name, key: r.genKey(name)}, nil
}

// Delete implements Storage
func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.indexKey(), name)
		pipe.Del(ctx, r.genKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

// Names implements Storage
func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := r.rdb.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	return names, nil
}

type redisStore struct {
	rdb  redis.UniversalClient
	name string
	key  string
}

func (s *redisStore) Name() string { return s.name }

func (s *redisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return &entry, true, nil
}

func (s *redisStore) Put(ctx context.Context, key string, entry *Entry) error {
	stored := *entry
	stored.Key = key
	raw, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, s.key, key, raw).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
