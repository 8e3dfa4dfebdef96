// Package flusher drains the per-slug capture buffers into Convex batch
// posts. A small worker pool keeps drain throughput independent of how many
// slugs are active at once.
package flusher

import (
	"context"
	"log"
	"sync"
	"time"

	"webhooks.cc/receiver/internal/types"
)

// BufferStore is the slice of the cache adapter the flusher drains.
type BufferStore interface {
	BufferedSlugs(ctx context.Context) ([]string, error)
	PopRequests(ctx context.Context, slug string, n int) ([]types.BufferedRequest, error)
	RequeueRequests(ctx context.Context, slug string, reqs []types.BufferedRequest) error
}

// Batcher posts capture batches upstream.
type Batcher interface {
	CaptureBatch(ctx context.Context, slug string, requests []types.BufferedRequest) (*types.CaptureResponse, error)
}

// Flusher scans for buffered slugs on an interval and hands each to a
// worker. Failed batches go back to the head of their buffer so capture is
// retried rather than dropped.
type Flusher struct {
	store    BufferStore
	batcher  Batcher
	workers  int
	batchMax int
	interval time.Duration

	onFailure func() // optional metrics hook

	wg   sync.WaitGroup
	jobs chan string
}

// New builds a Flusher. onFailure may be nil.
func New(store BufferStore, batcher Batcher, workers, batchMax int, interval time.Duration, onFailure func()) *Flusher {
	if workers < 1 {
		workers = 1
	}
	if batchMax < 1 {
		batchMax = 50
	}
	return &Flusher{
		store:     store,
		batcher:   batcher,
		workers:   workers,
		batchMax:  batchMax,
		interval:  interval,
		onFailure: onFailure,
		jobs:      make(chan string, 256),
	}
}

// Run starts the worker pool and the scan loop, blocking until ctx is
// cancelled and the workers have drained their current jobs.
func (f *Flusher) Run(ctx context.Context) {
	log.Printf("Flusher started with %d workers", f.workers)

	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for slug := range f.jobs {
				f.drainSlug(slug)
			}
		}()
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(f.jobs)
			f.wg.Wait()
			log.Printf("Flusher shut down")
			return
		case <-ticker.C:
			f.scan(ctx)
		}
	}
}

func (f *Flusher) scan(ctx context.Context) {
	slugs, err := f.store.BufferedSlugs(ctx)
	if err != nil {
		log.Printf("Flusher buffer scan failed: %v", err)
		return
	}
	for _, slug := range slugs {
		select {
		case f.jobs <- slug:
		default:
			// Pool is saturated; the next tick picks the slug up again.
		}
	}
}

// drainSlug empties one slug's buffer in batchMax-sized chunks. Uses its
// own context: a drain in flight should finish even while shutting down.
func (f *Flusher) drainSlug(slug string) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
		reqs, err := f.store.PopRequests(ctx, slug, f.batchMax)
		if err != nil {
			cancel()
			log.Printf("Flusher pop failed for %s: %v", slug, err)
			return
		}
		if len(reqs) == 0 {
			cancel()
			return
		}

		resp, err := f.batcher.CaptureBatch(ctx, slug, reqs)
		if err == nil && resp.Error != "" {
			log.Printf("Capture batch error for %s: %s", slug, resp.Error)
		}
		if err != nil {
			log.Printf("Capture batch failed for %s (%d requests): %v", slug, len(reqs), err)
			if f.onFailure != nil {
				f.onFailure()
			}
			if rqErr := f.store.RequeueRequests(ctx, slug, reqs); rqErr != nil {
				log.Printf("Requeue failed for %s, %d requests lost: %v", slug, len(reqs), rqErr)
			}
			cancel()
			return
		}
		cancel()
	}
}

// FlushAll synchronously drains every buffered slug once, used on shutdown.
func (f *Flusher) FlushAll(ctx context.Context) {
	slugs, err := f.store.BufferedSlugs(ctx)
	if err != nil {
		log.Printf("Flusher final scan failed: %v", err)
		return
	}
	for _, slug := range slugs {
		f.drainSlug(slug)
	}
}
