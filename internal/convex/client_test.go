package convex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"webhooks.cc/receiver/internal/breaker"
	"webhooks.cc/receiver/internal/cache"
	"webhooks.cc/receiver/internal/types"
)

type testEnv struct {
	client *Client
	store  *cache.Store
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T, handler http.Handler) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := cache.NewWithClient(rdb, 60*time.Second, 30*time.Second)
	client := New(server.URL, "test-secret", store, breaker.New(rdb))
	return &testEnv{client: client, store: store, mr: mr}
}

// waitFor polls cond until it holds or the deadline passes. Needed because
// breaker updates are fire-and-forget goroutines.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Endpoint fetch
// ---------------------------------------------------------------------------

func TestFetchAndCacheEndpointSuccess(t *testing.T) {
	var gotAuth atomic.Value
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/endpoint-info" || r.URL.Query().Get("slug") != "s1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(types.EndpointInfo{EndpointID: "ep-1"})
	}))

	info, err := env.client.FetchAndCacheEndpoint(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FetchAndCacheEndpoint: %v", err)
	}
	if info == nil || info.EndpointID != "ep-1" {
		t.Fatalf("info = %+v, want endpoint ep-1", info)
	}
	if gotAuth.Load() != "Bearer test-secret" {
		t.Errorf("Authorization = %v, want Bearer test-secret", gotAuth.Load())
	}

	cached, err := env.store.GetEndpoint(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if cached == nil || cached.EndpointID != "ep-1" {
		t.Errorf("cached entry = %+v, want endpoint ep-1", cached)
	}
}

func TestFetchAndCacheEndpointNotFoundNotCached(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.EndpointInfo{Error: "not_found"})
	}))

	info, err := env.client.FetchAndCacheEndpoint(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("FetchAndCacheEndpoint: %v", err)
	}
	if info != nil {
		t.Fatalf("info = %+v, want nil for not_found", info)
	}

	// Negative results are not cached so fresh slugs start working fast.
	cached, err := env.store.GetEndpoint(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if cached != nil {
		t.Errorf("not_found was cached: %+v", cached)
	}
}

func TestFetchAndCacheEndpointServerError(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := env.client.FetchAndCacheEndpoint(context.Background(), "s1")
	var ce *Error
	if !asError(err, &ce) || ce.Kind != KindServer || ce.Status != 500 {
		t.Fatalf("err = %v, want server error 500", err)
	}

	waitFor(t, "failure recorded", func() bool {
		v, err := env.mr.Get("cb:failures")
		return err == nil && v == "1"
	})
}

func TestFetchAndCacheEndpointClientErrorCountsAsSuccess(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	env.mr.Set("cb:failures", "3")

	_, err := env.client.FetchAndCacheEndpoint(context.Background(), "s1")
	var ce *Error
	if !asError(err, &ce) || ce.Kind != KindClient || ce.Status != 403 {
		t.Fatalf("err = %v, want client error 403", err)
	}

	// A reachable peer closes the circuit even on 4xx.
	waitFor(t, "success recorded", func() bool {
		state, err := env.mr.Get("cb:state")
		return !env.mr.Exists("cb:failures") && err == nil && state == "closed"
	})
}

func TestFetchAndCacheEndpointCircuitOpen(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach Convex while the circuit is open")
	}))
	env.mr.Set("cb:state", "open")
	env.mr.SetTTL("cb:state", 30*time.Second)

	_, err := env.client.FetchAndCacheEndpoint(context.Background(), "s1")
	if !IsCircuitOpen(err) {
		t.Fatalf("err = %v, want circuit open", err)
	}
}

func TestFetchAndCacheEndpointResponseTooLarge(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", maxResponseSize+1)))
	}))

	_, err := env.client.FetchAndCacheEndpoint(context.Background(), "s1")
	var ce *Error
	if !asError(err, &ce) || ce.Kind != KindTooLarge {
		t.Fatalf("err = %v, want response too large", err)
	}

	waitFor(t, "failure recorded", func() bool {
		return env.mr.Exists("cb:failures")
	})
}

func TestFetchAndCacheEndpointParseError(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json{{{"))
	}))

	_, err := env.client.FetchAndCacheEndpoint(context.Background(), "s1")
	var ce *Error
	if !asError(err, &ce) || ce.Kind != KindParse {
		t.Fatalf("err = %v, want parse error", err)
	}
}

// ---------------------------------------------------------------------------
// Quota fetch
// ---------------------------------------------------------------------------

func TestFetchAndCacheQuotaWritesThrough(t *testing.T) {
	periodEnd := int64(1900000000000)
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.QuotaResponse{
			UserID:    "u1",
			Remaining: 100,
			Limit:     500,
			PeriodEnd: &periodEnd,
		})
	}))

	if err := env.client.FetchAndCacheQuota(context.Background(), "s1"); err != nil {
		t.Fatalf("FetchAndCacheQuota: %v", err)
	}

	if got := env.mr.HGet("quota:user:u1", "remaining"); got != "100" {
		t.Errorf("remaining = %q, want 100", got)
	}
	if got := env.mr.HGet("quota:user:u1", "isUnlimited"); got != "0" {
		t.Errorf("isUnlimited = %q, want 0", got)
	}
	if got := env.mr.HGet("quota:s1", "userId"); got != "u1" {
		t.Errorf("pointer userId = %q, want u1", got)
	}
}

func TestFetchAndCacheQuotaUnlimited(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.QuotaResponse{
			UserID:    "u1",
			Remaining: -1,
			Limit:     -1,
		})
	}))

	if err := env.client.FetchAndCacheQuota(context.Background(), "s1"); err != nil {
		t.Fatalf("FetchAndCacheQuota: %v", err)
	}
	if got := env.mr.HGet("quota:user:u1", "isUnlimited"); got != "1" {
		t.Errorf("isUnlimited = %q, want 1", got)
	}
}

func TestFetchAndCacheQuotaNotFound(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.QuotaResponse{Error: "not_found"})
	}))

	if err := env.client.FetchAndCacheQuota(context.Background(), "ghost"); err != nil {
		t.Fatalf("FetchAndCacheQuota: %v", err)
	}
	if env.mr.Exists("quota:ghost") {
		t.Error("not_found quota was cached")
	}
}

func TestFetchAndCacheQuotaPeriodStart(t *testing.T) {
	periodEnd := int64(1900000000000)
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quota":
			_ = json.NewEncoder(w).Encode(types.QuotaResponse{
				UserID:           "u1",
				Remaining:        0,
				Limit:            100,
				NeedsPeriodStart: true,
			})
		case "/check-period":
			var payload map[string]string
			_ = json.NewDecoder(r.Body).Decode(&payload)
			if payload["userId"] != "u1" {
				t.Errorf("check-period userId = %q, want u1", payload["userId"])
			}
			_ = json.NewEncoder(w).Encode(types.CheckPeriodResponse{
				Remaining: 100,
				Limit:     100,
				PeriodEnd: &periodEnd,
			})
		default:
			http.NotFound(w, r)
		}
	}))

	if err := env.client.FetchAndCacheQuota(context.Background(), "s1"); err != nil {
		t.Fatalf("FetchAndCacheQuota: %v", err)
	}

	if got := env.mr.HGet("quota:user:u1", "remaining"); got != "100" {
		t.Errorf("remaining = %q, want 100 from check-period", got)
	}
	if got := env.mr.HGet("quota:user:u1", "periodEnd"); got != "1900000000000" {
		t.Errorf("periodEnd = %q, want 1900000000000", got)
	}
}

func TestFetchAndCacheQuotaPeriodExceeded(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quota":
			_ = json.NewEncoder(w).Encode(types.QuotaResponse{
				UserID:           "u1",
				Remaining:        50,
				Limit:            100,
				NeedsPeriodStart: true,
			})
		case "/check-period":
			// 429 bodies are valid quota_exceeded payloads.
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(types.CheckPeriodResponse{
				Error: "quota_exceeded",
				Limit: 100,
			})
		default:
			http.NotFound(w, r)
		}
	}))

	if err := env.client.FetchAndCacheQuota(context.Background(), "s1"); err != nil {
		t.Fatalf("FetchAndCacheQuota: %v", err)
	}
	if got := env.mr.HGet("quota:user:u1", "remaining"); got != "0" {
		t.Errorf("remaining = %q, want 0 after quota_exceeded", got)
	}
}

func TestFetchAndCacheQuotaPeriodErrorFallsBack(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quota":
			_ = json.NewEncoder(w).Encode(types.QuotaResponse{
				UserID:           "u1",
				Remaining:        42,
				Limit:            100,
				NeedsPeriodStart: true,
			})
		case "/check-period":
			_ = json.NewEncoder(w).Encode(types.CheckPeriodResponse{Error: "internal_error"})
		default:
			http.NotFound(w, r)
		}
	}))

	if err := env.client.FetchAndCacheQuota(context.Background(), "s1"); err != nil {
		t.Fatalf("FetchAndCacheQuota: %v", err)
	}
	// Unexpected check-period errors fall back to the original payload.
	if got := env.mr.HGet("quota:user:u1", "remaining"); got != "42" {
		t.Errorf("remaining = %q, want 42 from original quota", got)
	}
}

// ---------------------------------------------------------------------------
// Capture batch
// ---------------------------------------------------------------------------

func TestCaptureBatch(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/capture-batch" {
			http.NotFound(w, r)
			return
		}
		var payload types.BatchPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode batch payload: %v", err)
		}
		if payload.Slug != "s1" || len(payload.Requests) != 2 {
			t.Errorf("payload = %+v, want slug s1 with 2 requests", payload)
		}
		_ = json.NewEncoder(w).Encode(types.CaptureResponse{Success: true, Inserted: 2})
	}))

	resp, err := env.client.CaptureBatch(context.Background(), "s1", []types.BufferedRequest{
		{Method: "POST", Path: "/a"},
		{Method: "GET", Path: "/b"},
	})
	if err != nil {
		t.Fatalf("CaptureBatch: %v", err)
	}
	if !resp.Success || resp.Inserted != 2 {
		t.Errorf("resp = %+v, want success with 2 inserted", resp)
	}
}

func asError(err error, target **Error) bool {
	if err == nil {
		return false
	}
	ce, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = ce
	return true
}
