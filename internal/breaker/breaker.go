// Package breaker implements a circuit breaker for the Convex control plane.
//
// Breaker state lives in Redis, not in process memory: every receiver
// replica reads and writes the same cb:* keys, so one replica observing
// Convex failures protects the whole cluster. The state machine transitions
// happen inside Lua scripts to stay atomic across replicas.
package breaker

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateKey    = "cb:state"
	failuresKey = "cb:failures"
	probeKey    = "cb:probe"

	// threshold is the failure count that opens the circuit.
	threshold = 5
	// cooldown is the TTL of the open state. When it lapses the state key is
	// gone, so admission reads as closed again; no half-open probe follows.
	cooldown = 30 * time.Second
	// failuresExpire is the sliding window for the failure counter.
	failuresExpire = 5 * time.Minute
)

// State is the circuit position as recorded in Redis. An absent key reads
// as Closed.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// allowScript atomically decides whether a request may go out.
// Returns 1 = allowed, 0 = rejected.
//
//	closed     -> always allow
//	open       -> reject while the key has a TTL left; an open key with no
//	              TTL flips to half-open, plants the probe lock, and lets this
//	              caller through (an open key set with the cooldown TTL simply
//	              expires and then reads as closed)
//	half-open  -> SETNX on cb:probe admits exactly one probe per window
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if state == false or state == 'closed' then
    return 1
end

if state == 'open' then
    local ttl = redis.call('TTL', KEYS[1])
    if ttl <= 0 then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[2], '1', 'EX', 30, 'NX')
        return 1
    end
    return 0
end

if state == 'half-open' then
    local probe = redis.call('SET', KEYS[2], '1', 'EX', 30, 'NX')
    if probe then
        return 1
    end
    return 0
end

return 1
`)

// Breaker gates outbound Convex calls on the shared circuit state.
type Breaker struct {
	rdb *redis.Client
}

// New returns a breaker backed by the shared Redis client.
func New(rdb *redis.Client) *Breaker {
	return &Breaker{rdb: rdb}
}

// Allow reports whether an outbound request may proceed. Redis errors fail
// open: an unreachable cache must not take down the request path.
func (b *Breaker) Allow(ctx context.Context) bool {
	n, err := allowScript.Run(ctx, b.rdb, []string{stateKey, probeKey}).Int64()
	if err != nil {
		log.Printf("Circuit breaker check failed, failing open: %v", err)
		return true
	}
	return n != 0
}

// RecordSuccess closes the circuit. Any reachable response from Convex,
// including 4xx, counts: the peer is alive.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, stateKey, string(Closed), 0)
	pipe.Del(ctx, failuresKey, probeKey)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("Circuit breaker success update failed: %v", err)
	}
}

// RecordFailure bumps the failure counter within its sliding window, frees
// the probe lock, and opens the circuit when the threshold is reached or a
// half-open probe just failed.
func (b *Breaker) RecordFailure(ctx context.Context) {
	count, err := b.rdb.Incr(ctx, failuresKey).Result()
	if err != nil {
		log.Printf("Circuit breaker failure update failed: %v", err)
		return
	}
	b.rdb.Expire(ctx, failuresKey, failuresExpire)
	b.rdb.Del(ctx, probeKey)

	if count >= threshold {
		if err := b.rdb.Set(ctx, stateKey, string(Open), cooldown).Err(); err != nil {
			log.Printf("Circuit breaker open failed: %v", err)
		} else {
			log.Printf("Circuit breaker opened after %d consecutive failures", count)
		}
	}

	// A failed half-open probe re-opens the circuit regardless of the count.
	state, err := b.rdb.Get(ctx, stateKey).Result()
	if err == nil && State(state) == HalfOpen {
		if err := b.rdb.Set(ctx, stateKey, string(Open), cooldown).Err(); err != nil {
			log.Printf("Circuit breaker re-open failed: %v", err)
		} else {
			log.Printf("Half-open probe failed, re-opening circuit")
		}
	}
}

// CurrentState reads the circuit position. An absent or unreadable key
// reports Closed.
func (b *Breaker) CurrentState(ctx context.Context) State {
	state, err := b.rdb.Get(ctx, stateKey).Result()
	if err != nil {
		return Closed
	}
	switch State(state) {
	case Open:
		return Open
	case HalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}
