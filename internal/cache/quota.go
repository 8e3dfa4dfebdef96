package cache

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuotaResult is the outcome of an atomic quota check.
type QuotaResult int

const (
	// QuotaAllowed means the request is within quota (and the counter was
	// decremented unless the quota is unlimited).
	QuotaAllowed QuotaResult = iota
	// QuotaExceeded means the remaining budget is exhausted.
	QuotaExceeded
	// QuotaNotFound means no cached quota exists; callers warm the cache in
	// the background and fail open.
	QuotaNotFound
)

// quotaCheckScript atomically checks and decrements a quota hash.
// Returns: 1 = allowed, 0 = denied, -1 = not found. This script is the only
// place a quota counter is ever decremented.
var quotaCheckScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
if exists == 0 then return -1 end

local isUnlimited = redis.call('HGET', KEYS[1], 'isUnlimited')
if isUnlimited == '1' then return 1 end

local remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining'))
if remaining == nil then return -1 end
if remaining <= 0 then return 0 end

redis.call('HINCRBY', KEYS[1], 'remaining', -1)
return 1
`)

// CheckQuota runs the atomic check-and-decrement script. When userID is
// non-empty the per-user key is used so all of the user's slugs share one
// budget; ephemeral endpoints fall back to the per-slug key. Redis errors
// report QuotaNotFound so the caller fails open.
func (s *Store) CheckQuota(ctx context.Context, slug, userID string) QuotaResult {
	key := quotaSlugPrefix + slug
	if userID != "" {
		key = quotaUserPrefix + userID
	}

	n, err := quotaCheckScript.Run(ctx, s.rdb, []string{key}).Int64()
	if err != nil {
		log.Printf("Quota check failed for %s: %v", slug, err)
		return QuotaNotFound
	}

	switch n {
	case 1:
		return QuotaAllowed
	case 0:
		return QuotaExceeded
	default:
		return QuotaNotFound
	}
}

// SetQuota writes quota data fetched from Convex.
//
// When userID is non-empty the counter lives under quota:user:{uid}. An
// existing user hash is never overwritten: another slug may have warmed it
// already and concurrent requests may have decremented it since. The
// slug-level pointer entry is always rewritten with a fresh TTL so the
// warmer can resolve slugs to users.
func (s *Store) SetQuota(ctx context.Context, slug string, remaining, limit, periodEnd int64, isUnlimited bool, userID string) {
	unlimited := "0"
	if isUnlimited {
		unlimited = "1"
	}

	if userID != "" {
		userKey := quotaUserPrefix + userID
		exists, err := s.rdb.Exists(ctx, userKey).Result()
		if err == nil && exists == 0 {
			pipe := s.rdb.Pipeline()
			pipe.HSet(ctx, userKey,
				"remaining", remaining,
				"limit", limit,
				"periodEnd", periodEnd,
				"isUnlimited", unlimited,
				"userId", userID,
			)
			pipe.Expire(ctx, userKey, s.quotaTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				log.Printf("Failed to set user quota for %s (user %s): %v", slug, userID, err)
			}
		}

		slugKey := quotaSlugPrefix + slug
		pipe := s.rdb.Pipeline()
		pipe.HSet(ctx, slugKey, "userId", userID)
		pipe.Expire(ctx, slugKey, s.quotaTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("Failed to set quota pointer for %s: %v", slug, err)
		}
		return
	}

	slugKey := quotaSlugPrefix + slug
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, slugKey,
		"remaining", remaining,
		"limit", limit,
		"periodEnd", periodEnd,
		"isUnlimited", unlimited,
		"userId", "",
	)
	pipe.Expire(ctx, slugKey, s.quotaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("Failed to set slug quota for %s: %v", slug, err)
	}
}

// QuotaTTL returns the seconds remaining on the quota entry that governs
// slug, following the slug-to-user pointer when one exists.
func (s *Store) QuotaTTL(ctx context.Context, slug string) (int64, bool) {
	slugKey := quotaSlugPrefix + slug
	key := slugKey
	if userID, err := s.rdb.HGet(ctx, slugKey, "userId").Result(); err == nil && userID != "" {
		key = quotaUserPrefix + userID
	}

	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		return 0, false
	}
	return int64(ttl / time.Second), true
}
