// Package cache is the receiver's adapter over the shared Redis instance.
//
// Redis owns every piece of cross-replica state: endpoint metadata, quota
// counters, circuit breaker records, and the per-slug capture buffers. All
// mutual exclusion happens server-side in Lua scripts, so no in-process lock
// guards any of these keys.
//
// Key layout:
//
//	endpoint:{slug}     JSON EndpointInfo, endpoint TTL
//	quota:{slug}        hash (counter for ephemeral slugs, pointer otherwise)
//	quota:user:{uid}    hash shared by all of a user's slugs
//	buffer:{slug}       list of JSON BufferedRequest records
//	cb:*                circuit breaker state (see the breaker package)
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"webhooks.cc/receiver/internal/types"
)

const (
	endpointPrefix  = "endpoint:"
	quotaSlugPrefix = "quota:"
	quotaUserPrefix = "quota:user:"
	bufferPrefix    = "buffer:"

	scanPageSize = 100
)

// Store wraps the Redis client together with the configured cache TTLs.
// It is cheap to share; the underlying client multiplexes onto a pool.
type Store struct {
	rdb         *redis.Client
	endpointTTL time.Duration
	quotaTTL    time.Duration
}

// New connects to Redis and verifies the connection with a ping.
func New(addr, password string, db int, endpointTTL, quotaTTL time.Duration) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return NewWithClient(rdb, endpointTTL, quotaTTL), nil
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(rdb *redis.Client, endpointTTL, quotaTTL time.Duration) *Store {
	return &Store{rdb: rdb, endpointTTL: endpointTTL, quotaTTL: quotaTTL}
}

// Client exposes the underlying Redis client for components that share the
// connection, such as the circuit breaker.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Close shuts down the underlying Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// GetEndpoint returns the cached endpoint entry for slug, or nil on a miss.
// A cached entry may be a negative one (Error == "not_found").
func (s *Store) GetEndpoint(ctx context.Context, slug string) (*types.EndpointInfo, error) {
	data, err := s.rdb.Get(ctx, endpointPrefix+slug).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET endpoint: %w", err)
	}

	var info types.EndpointInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("corrupt endpoint entry for %s: %w", slug, err)
	}
	return &info, nil
}

// SetEndpoint caches an endpoint entry with the endpoint TTL.
func (s *Store) SetEndpoint(ctx context.Context, slug string, info *types.EndpointInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal endpoint entry: %w", err)
	}
	if err := s.rdb.Set(ctx, endpointPrefix+slug, data, s.endpointTTL).Err(); err != nil {
		return fmt.Errorf("redis SET endpoint: %w", err)
	}
	return nil
}

// EvictEndpoint removes the cached endpoint entry for slug.
func (s *Store) EvictEndpoint(ctx context.Context, slug string) error {
	return s.rdb.Del(ctx, endpointPrefix+slug).Err()
}

// EndpointTTL returns the seconds remaining on the endpoint entry, or ok=false
// when the key is absent or has no expiry.
func (s *Store) EndpointTTL(ctx context.Context, slug string) (int64, bool) {
	ttl, err := s.rdb.TTL(ctx, endpointPrefix+slug).Result()
	if err != nil || ttl < 0 {
		return 0, false
	}
	return int64(ttl / time.Second), true
}

// ActiveSlugs lists every slug with a live endpoint entry. Uses SCAN with a
// bounded page size so it never blocks Redis on a full keyspace sweep.
func (s *Store) ActiveSlugs(ctx context.Context) ([]string, error) {
	return s.scanSuffixes(ctx, endpointPrefix)
}

// BufferedSlugs lists every slug with pending captures on its buffer list.
func (s *Store) BufferedSlugs(ctx context.Context) ([]string, error) {
	return s.scanSuffixes(ctx, bufferPrefix)
}

func (s *Store) scanSuffixes(ctx context.Context, prefix string) ([]string, error) {
	var (
		slugs  []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", scanPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("redis SCAN %s*: %w", prefix, err)
		}
		for _, key := range keys {
			suffix := strings.TrimPrefix(key, prefix)
			// quota:user:* also matches the quota: prefix; skip sub-namespaces.
			if !strings.Contains(suffix, ":") {
				slugs = append(slugs, suffix)
			}
		}
		cursor = next
		if cursor == 0 {
			return slugs, nil
		}
	}
}

// PushRequest appends one captured request to the slug's buffer list. The
// flusher drains these in batches; ordering across concurrent producers is
// not guaranteed.
func (s *Store) PushRequest(ctx context.Context, slug string, req *types.BufferedRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal buffered request: %w", err)
	}
	if err := s.rdb.RPush(ctx, bufferPrefix+slug, data).Err(); err != nil {
		return fmt.Errorf("redis RPUSH buffer: %w", err)
	}
	return nil
}

// PopRequests removes and returns up to n requests from the head of the
// slug's buffer list. Returns an empty slice when the buffer is drained.
func (s *Store) PopRequests(ctx context.Context, slug string, n int) ([]types.BufferedRequest, error) {
	items, err := s.rdb.LPopCount(ctx, bufferPrefix+slug, n).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis LPOP buffer: %w", err)
	}

	reqs := make([]types.BufferedRequest, 0, len(items))
	for _, item := range items {
		var req types.BufferedRequest
		if err := json.Unmarshal([]byte(item), &req); err != nil {
			log.Printf("Dropping corrupt buffered request for %s: %v", slug, err)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// RequeueRequests puts requests back at the head of the buffer list in their
// original order, used when a capture batch fails to post.
func (s *Store) RequeueRequests(ctx context.Context, slug string, reqs []types.BufferedRequest) error {
	for i := len(reqs) - 1; i >= 0; i-- {
		data, err := json.Marshal(&reqs[i])
		if err != nil {
			return fmt.Errorf("marshal buffered request: %w", err)
		}
		if err := s.rdb.LPush(ctx, bufferPrefix+slug, data).Err(); err != nil {
			return fmt.Errorf("redis LPUSH buffer: %w", err)
		}
	}
	return nil
}
