// Package l1cache decorates a kvs.Storage with a local, non-authoritative
// read cache. It never answers a read the backend hasn't confirmed at least
// once; every local mutation invalidates its own key immediately so a
// writer always observes its own write on the next read through this cache.
package l1cache

import (
	"bytes"
	"context"
	"time"

	"github.com/solarisdb/relaycoord/golibs/container/iterable"
	"github.com/solarisdb/relaycoord/golibs/container/lru"
	"github.com/solarisdb/relaycoord/kvs"
)

const (
	// DefaultTTL is how long a cached record is trusted before the next
	// Get falls through to the backend again.
	DefaultTTL     = 10 * time.Second
	defaultMaxSize = 10000
)

type (
	item = lru.ExpirableItem[kvs.Record]

	// Storage wraps a kvs.Storage with an in-process LRU read cache.
	Storage struct {
		backend kvs.Storage
		ttl     time.Duration
		cache   *lru.ExpirableCache[string, item]
	}

	ctxKey struct{}
)

// SkipCache returns a context that bypasses the cache entirely for any
// Storage call made with it; used by distlock and coordinator so lock
// reads and instance-liveness checks never see a stale cached value.
func SkipCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, true)
}

func skipCache(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKey{}).(bool)
	return v
}

// New wraps backend with a read cache of maxSize entries, each trusted for
// ttl. maxSize <= 0 defaults to 10000; ttl <= 0 defaults to DefaultTTL.
func New(backend kvs.Storage, maxSize int, ttl time.Duration) (*Storage, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &Storage{backend: backend, ttl: ttl}
	createF := func(key string) (item, error) {
		r, err := backend.Get(context.Background(), key)
		if err != nil {
			return item{}, err
		}
		return lru.NewCacheItem(r, time.Now().Add(s.ttl)), nil
	}
	c, err := lru.NewExpirableCache[string, item](maxSize, createF, nil)
	if err != nil {
		return nil, err
	}
	s.cache = c
	return s, nil
}

func (s *Storage) invalidate(key string) {
	s.cache.Remove(key)
}

func (s *Storage) Create(ctx context.Context, record kvs.Record) (string, error) {
	v, err := s.backend.Create(ctx, record)
	s.invalidate(record.Key)
	return v, err
}

func (s *Storage) Get(ctx context.Context, key string) (kvs.Record, error) {
	if skipCache(ctx) {
		return s.backend.Get(ctx, key)
	}
	it, err := s.cache.GetOrCreate(key)
	if err != nil {
		return kvs.Record{}, err
	}
	return it.Value, nil
}

func (s *Storage) GetMany(ctx context.Context, keys ...string) ([]*kvs.Record, error) {
	if skipCache(ctx) {
		return s.backend.GetMany(ctx, keys...)
	}
	res := make([]*kvs.Record, len(keys))
	for idx, key := range keys {
		r, err := s.Get(ctx, key)
		if err != nil {
			continue
		}
		res[idx] = &r
	}
	return res, nil
}

// Put elides the remote write and returns the cached record as-is when the
// supplied value is byte-for-byte identical to what's already cached for
// this key: skipCache callers (locks, instance records) always write through,
// since they need a fresh version/ExpiresAt out of the backend regardless of
// value equality.
func (s *Storage) Put(ctx context.Context, record kvs.Record) (kvs.Record, error) {
	if !skipCache(ctx) {
		if cur, ok := s.cache.Peek(record.Key); ok && bytes.Equal(cur.Value.Value, record.Value) {
			return cur.Value, nil
		}
	}
	r, err := s.backend.Put(ctx, record)
	s.invalidate(record.Key)
	return r, err
}

func (s *Storage) PutMany(ctx context.Context, records []kvs.Record) error {
	err := s.backend.PutMany(ctx, records)
	for _, r := range records {
		s.invalidate(r.Key)
	}
	return err
}

func (s *Storage) CasByVersion(ctx context.Context, record kvs.Record) (kvs.Record, error) {
	r, err := s.backend.CasByVersion(ctx, record)
	s.invalidate(record.Key)
	return r, err
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	err := s.backend.Delete(ctx, key)
	s.invalidate(key)
	return err
}

// WaitForVersionChange always hits the backend: caching a blocking wait
// makes no sense and the cache must not serve a version this call observed
// changing underneath it.
func (s *Storage) WaitForVersionChange(ctx context.Context, key, ver string) error {
	err := s.backend.WaitForVersionChange(ctx, key, ver)
	s.invalidate(key)
	return err
}

// ListKeys always hits the backend: the cache only ever holds individual
// records, never key listings.
func (s *Storage) ListKeys(ctx context.Context, pattern string) (iterable.Iterator[string], error) {
	return s.backend.ListKeys(ctx, pattern)
}
