// Package discovery implements the service-discovery table spec.md §6
// describes: row key `hsm_id(16B)`, column `f:a` holding the agent's URL,
// cell timestamp the registration time, with rows older than a fixed TTL
// treated as absent. That's a Bigtable-shaped row/column/timestamp model;
// Redis's native key TTL collapses it to one value per key without a
// hand-rolled sweep, so RedisTable stores the URL directly under the TTL
// rather than modelling columns, grounded on
// jamie-anson-Project-Beacon/runner-app/internal/cache/redis_cache.go's
// Cache interface and RedisCache wrapper.
package discovery

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/juicebox-realm/realmcore/ids"
)

// ErrNotFound is returned by Lookup when hsmId has no live (unexpired)
// registration.
var ErrNotFound = errors.New("discovery: no live registration")

// Table is the service-discovery capability the agent's heartbeat writes to
// and request routing reads from.
type Table interface {
	// Register publishes url for hsmId with a fresh registration timestamp,
	// valid for ttl. A ttl of zero means the registration does not expire.
	Register(ctx context.Context, hsmId ids.HsmId, url string, ttl time.Duration) error
	// Lookup returns the URL most recently registered for hsmId, or
	// ErrNotFound if it has none or its TTL has elapsed.
	Lookup(ctx context.Context, hsmId ids.HsmId) (string, error)
}

// RedisTable is the production Table, one string key per HSM under prefix,
// expiring via Redis's own key TTL.
type RedisTable struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisTable wraps an existing client; prefix namespaces keys the way
// RedisCache's pfx does.
func NewRedisTable(rdb *redis.Client, prefix string) *RedisTable {
	return &RedisTable{rdb: rdb, prefix: prefix}
}

// NewRedisTableFromEnv connects using REDIS_URL (defaulting to
// redis://localhost:6379), matching
// runner-app/internal/cache/redis_cache.go's NewRedisCacheFromEnv.
func NewRedisTableFromEnv(prefix string) (*RedisTable, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisTable{rdb: redis.NewClient(opt), prefix: prefix}, nil
}

func (t *RedisTable) key(hsmId ids.HsmId) string {
	return t.prefix + hsmId.String()
}

func (t *RedisTable) Register(ctx context.Context, hsmId ids.HsmId, url string, ttl time.Duration) error {
	return t.rdb.Set(ctx, t.key(hsmId), url, ttl).Err()
}

func (t *RedisTable) Lookup(ctx context.Context, hsmId ids.HsmId) (string, error) {
	url, err := t.rdb.Get(ctx, t.key(hsmId)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return url, nil
}

// row is one in-memory registration: the URL and the instant it expires.
type row struct {
	url     string
	expires time.Time
}

// MemTable is an in-memory Table for tests and single-process deployments,
// checking expiry against the wall clock the same way RedisTable relies on
// Redis's own clock.
type MemTable struct {
	mu   sync.Mutex
	rows map[ids.HsmId]row
	now  func() time.Time
}

// NewMemTable creates an empty MemTable.
func NewMemTable() *MemTable {
	return &MemTable{rows: make(map[ids.HsmId]row), now: time.Now}
}

func (t *MemTable) Register(_ context.Context, hsmId ids.HsmId, url string, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := row{url: url}
	if ttl > 0 {
		r.expires = t.now().Add(ttl)
	}
	t.rows[hsmId] = r
	return nil
}

func (t *MemTable) Lookup(_ context.Context, hsmId ids.HsmId) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rows[hsmId]
	if !ok || (!r.expires.IsZero() && t.now().After(r.expires)) {
		return "", ErrNotFound
	}
	return r.url, nil
}
