// Package convex is the HTTP client for the Convex control plane: endpoint
// metadata, quota state, and capture batches. Every outbound call passes
// through the cluster-shared circuit breaker, and fetched metadata is
// written through to the Redis cache.
package convex

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"webhooks.cc/receiver/internal/breaker"
	"webhooks.cc/receiver/internal/cache"
	"webhooks.cc/receiver/internal/types"
)

const (
	httpTimeout     = 30 * time.Second
	maxResponseSize = 1024 * 1024 // 1MB cap on Convex responses
)

// Client talks to Convex. Safe for concurrent use; the HTTP connection pool
// and breaker are shared across all requests.
type Client struct {
	http    *http.Client
	baseURL string
	secret  string
	circuit *breaker.Breaker
	store   *cache.Store
}

// New builds a Client with the pooled transport the receiver shares across
// all background fetches.
func New(baseURL, secret string, store *cache.Store, circuit *breaker.Breaker) *Client {
	return &Client{
		http: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: baseURL,
		secret:  secret,
		circuit: circuit,
		store:   store,
	}
}

// Circuit exposes the breaker, mainly for state reporting.
func (c *Client) Circuit() *breaker.Breaker {
	return c.circuit
}

// FetchAndCacheEndpoint fetches endpoint metadata for slug and caches it.
// Returns (nil, nil) when Convex reports the slug as not_found; the negative
// result is deliberately not cached so freshly provisioned slugs start
// working without waiting out a TTL.
func (c *Client) FetchAndCacheEndpoint(ctx context.Context, slug string) (*types.EndpointInfo, error) {
	status, body, err := c.roundTrip(ctx, http.MethodGet, "/endpoint-info?slug="+url.QueryEscape(slug), nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &Error{Kind: KindClient, Status: status, Body: string(body)}
	}

	var info types.EndpointInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &Error{Kind: KindParse, cause: err}
	}

	if info.Error == "" {
		if err := c.store.SetEndpoint(ctx, slug, &info); err != nil {
			log.Printf("Failed to cache endpoint info for %s: %v", slug, err)
		}
	}
	if info.Error == "not_found" {
		return nil, nil
	}

	return &info, nil
}

// FetchAndCacheQuota fetches the quota governing slug and writes it through
// to the cache. Free users whose billing period has not started yet are
// initialized via /check-period first.
func (c *Client) FetchAndCacheQuota(ctx context.Context, slug string) error {
	status, body, err := c.roundTrip(ctx, http.MethodGet, "/quota?slug="+url.QueryEscape(slug), nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &Error{Kind: KindClient, Status: status, Body: string(body)}
	}

	var quota types.QuotaResponse
	if err := json.Unmarshal(body, &quota); err != nil {
		return &Error{Kind: KindParse, cause: err}
	}

	if quota.Error == "not_found" {
		return nil
	}

	if quota.NeedsPeriodStart && quota.UserID != "" {
		period, err := c.callCheckPeriod(ctx, quota.UserID)
		if err != nil {
			log.Printf("Failed to start period for user %s: %v", quota.UserID, err)
			// Fall through to the original quota payload.
		} else if period.Error == "" {
			c.store.SetQuota(ctx, slug, period.Remaining, period.Limit, int64Value(period.PeriodEnd), false, quota.UserID)
			return nil
		} else if period.Error == "quota_exceeded" {
			c.store.SetQuota(ctx, slug, 0, period.Limit, int64Value(period.PeriodEnd), false, quota.UserID)
			return nil
		} else {
			log.Printf("Unexpected error from check-period for user %s: %s", quota.UserID, period.Error)
			// Fall through to the original quota payload.
		}
	}

	isUnlimited := quota.Remaining == -1
	c.store.SetQuota(ctx, slug, quota.Remaining, quota.Limit, int64Value(quota.PeriodEnd), isUnlimited, quota.UserID)
	return nil
}

// callCheckPeriod starts a free user's billing period. A 429 response is a
// valid quota_exceeded body, not a failure.
func (c *Client) callCheckPeriod(ctx context.Context, userID string) (*types.CheckPeriodResponse, error) {
	status, body, err := c.roundTrip(ctx, http.MethodPost, "/check-period", map[string]string{"userId": userID})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusTooManyRequests {
		return nil, &Error{Kind: KindClient, Status: status, Body: string(body)}
	}

	var period types.CheckPeriodResponse
	if err := json.Unmarshal(body, &period); err != nil {
		return nil, &Error{Kind: KindParse, cause: err}
	}
	return &period, nil
}

// CaptureBatch posts a batch of buffered requests for permanent storage.
func (c *Client) CaptureBatch(ctx context.Context, slug string, requests []types.BufferedRequest) (*types.CaptureResponse, error) {
	payload := types.BatchPayload{Slug: slug, Requests: requests}
	status, body, err := c.roundTrip(ctx, http.MethodPost, "/capture-batch", payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &Error{Kind: KindClient, Status: status, Body: string(body)}
	}

	var result types.CaptureResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &Error{Kind: KindParse, cause: err}
	}
	return &result, nil
}

// roundTrip performs one breaker-gated request and classifies the transport
// outcome. 5xx and unreachable peers record a breaker failure; any reachable
// response, 4xx included, records a success.
func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	if !c.circuit.Allow(ctx) {
		return 0, nil, &Error{Kind: KindCircuitOpen}
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, &Error{Kind: KindParse, cause: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, &Error{Kind: KindNetwork, cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure()
		return 0, nil, &Error{Kind: KindNetwork, cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		c.recordFailure()
		return 0, nil, &Error{Kind: KindNetwork, cause: err}
	}
	if len(body) > maxResponseSize {
		c.recordFailure()
		return 0, nil, &Error{Kind: KindTooLarge}
	}

	if resp.StatusCode >= 500 {
		c.recordFailure()
		return 0, nil, &Error{Kind: KindServer, Status: resp.StatusCode, Body: string(body)}
	}

	c.recordSuccess()
	return resp.StatusCode, body, nil
}

// Breaker updates run detached so they never extend request-path latency.
func (c *Client) recordFailure() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.circuit.RecordFailure(ctx)
	}()
}

func (c *Client) recordSuccess() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.circuit.RecordSuccess(ctx)
	}()
}

func int64Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
