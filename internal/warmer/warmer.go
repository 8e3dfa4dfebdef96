// Package warmer keeps hot cache entries from expiring under load. Without
// it, a TTL expiry on a busy slug would funnel a burst of requests through
// the optimistic fail-open path at once.
package warmer

import (
	"context"
	"log"
	"time"

	"webhooks.cc/receiver/internal/types"
)

const (
	interval = 5 * time.Second

	// Refresh thresholds in seconds of TTL remaining.
	endpointRefreshThreshold = 10
	quotaRefreshThreshold    = 5
)

// TTLStore is the slice of the cache adapter the warmer reads.
type TTLStore interface {
	ActiveSlugs(ctx context.Context) ([]string, error)
	EndpointTTL(ctx context.Context, slug string) (int64, bool)
	QuotaTTL(ctx context.Context, slug string) (int64, bool)
}

// Fetcher refreshes cache entries from the control plane.
type Fetcher interface {
	FetchAndCacheEndpoint(ctx context.Context, slug string) (*types.EndpointInfo, error)
	FetchAndCacheQuota(ctx context.Context, slug string) error
}

// Run loops until ctx is cancelled, refreshing entries that are close to
// expiry. Fetch failures are logged and retried on the next tick; the
// warmer itself never stalls.
func Run(ctx context.Context, store TTLStore, fetcher Fetcher) {
	log.Printf("Cache warmer started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		warm(ctx, store, fetcher)

		select {
		case <-ctx.Done():
			log.Printf("Cache warmer shutting down")
			return
		case <-ticker.C:
		}
	}
}

func warm(ctx context.Context, store TTLStore, fetcher Fetcher) {
	slugs, err := store.ActiveSlugs(ctx)
	if err != nil {
		log.Printf("Cache warmer slug scan failed: %v", err)
		return
	}

	for _, slug := range slugs {
		if ttl, ok := store.EndpointTTL(ctx, slug); ok && ttl < endpointRefreshThreshold {
			if _, err := fetcher.FetchAndCacheEndpoint(ctx, slug); err != nil {
				log.Printf("Cache warmer endpoint fetch failed for %s: %v", slug, err)
			}
		}

		if ttl, ok := store.QuotaTTL(ctx, slug); ok && ttl < quotaRefreshThreshold {
			if err := fetcher.FetchAndCacheQuota(ctx, slug); err != nil {
				log.Printf("Cache warmer quota fetch failed for %s: %v", slug, err)
			}
		}
	}
}
