package handlers

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"

	"webhooks.cc/receiver/internal/cache"
	"webhooks.cc/receiver/internal/metrics"
	"webhooks.cc/receiver/internal/types"
)

const (
	maxHeaderKeyLen   = 256  // Maximum length for mock response header keys
	maxHeaderValueLen = 8192 // Maximum length for mock response header values
)

// blockedHeaders must never be forwarded from user-configured mock responses.
var blockedHeaders = map[string]struct{}{
	"set-cookie":                {},
	"strict-transport-security": {},
	"content-security-policy":   {},
	"x-frame-options":           {},
}

// HandleWebhook processes incoming webhook requests at ANY /w/:slug/*.
//
// The request never waits on Convex: missing metadata means accept now and
// warm the cache from detached background fetches while the caller gets an
// immediate 200. Only deterministic policy decisions (invalid slug, not
// found, expired, quota) reach the sender as errors.
func (a *App) HandleWebhook(c *fiber.Ctx) error {
	slug := c.Params("slug")
	if !isValidSlug(slug) {
		a.metrics.Admissions.WithLabelValues(metrics.OutcomeInvalidSlug).Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_slug"})
	}
	a.debugf("[HandleWebhook] Processing request for slug=%s", slug)

	path := c.Params("*")
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	endpoint, err := a.store.GetEndpoint(c.UserContext(), slug)
	if err != nil {
		log.Printf("Endpoint cache read failed for %s: %v", slug, err)
	}
	if endpoint == nil {
		// Cache miss: warm endpoint and quota in the background, buffer the
		// request, and accept optimistically.
		a.warmEndpoint(slug)
		a.warmQuota(slug)
		a.bufferRequest(c, slug, path)
		a.metrics.Admissions.WithLabelValues(metrics.OutcomeOptimistic).Inc()
		return c.SendString("OK")
	}
	if endpoint.Error == "not_found" {
		a.metrics.Admissions.WithLabelValues(metrics.OutcomeNotFound).Inc()
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	}

	if endpoint.IsExpired() {
		a.metrics.Admissions.WithLabelValues(metrics.OutcomeExpired).Inc()
		return c.Status(fiber.StatusGone).JSON(fiber.Map{"error": "expired"})
	}

	switch a.store.CheckQuota(c.UserContext(), slug, endpoint.UserIDValue()) {
	case cache.QuotaAllowed:
	case cache.QuotaExceeded:
		a.debugf("[HandleWebhook] QUOTA_EXCEEDED for slug=%s", slug)
		a.metrics.Admissions.WithLabelValues(metrics.OutcomeQuotaDenied).Inc()
		// Minimal 429 response - don't leak usage details to webhook senders
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "quota_exceeded"})
	case cache.QuotaNotFound:
		a.warmQuota(slug)
	}

	a.bufferRequest(c, slug, path)

	if endpoint.MockResponse != nil {
		a.metrics.Admissions.WithLabelValues(metrics.OutcomeMock).Inc()
		return a.sendMockResponse(c, endpoint.MockResponse)
	}

	a.metrics.Admissions.WithLabelValues(metrics.OutcomeOK).Inc()
	return c.SendString("OK")
}

// bufferRequest appends the captured request to the slug's Redis buffer.
func (a *App) bufferRequest(c *fiber.Ctx, slug, path string) {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		if utf8.Valid(value) {
			headers[string(key)] = string(value)
		}
	})

	queryParams := make(map[string]string)
	c.Request().URI().QueryArgs().VisitAll(func(key, value []byte) {
		queryParams[string(key)] = string(value)
	})

	body := append([]byte(nil), c.Body()...)

	req := &types.BufferedRequest{
		Method:      c.Method(),
		Path:        path,
		Headers:     headers,
		Body:        body,
		QueryParams: queryParams,
		IP:          realIP(c),
		ReceivedAt:  time.Now().UnixMilli(),
	}

	if err := a.store.PushRequest(c.UserContext(), slug, req); err != nil {
		log.Printf("Failed to buffer request for %s: %v", slug, err)
		return
	}
	a.metrics.BufferedTotal.Inc()
}

// sendMockResponse synthesizes the user-configured response. Status is
// clamped to the valid HTTP range; headers pass through the filter.
func (a *App) sendMockResponse(c *fiber.Ctx, mock *types.MockResponse) error {
	for key, value := range mock.Headers {
		// Skip headers that exceed length limits
		if len(key) > maxHeaderKeyLen || len(value) > maxHeaderValueLen {
			continue
		}
		if _, blocked := blockedHeaders[strings.ToLower(key)]; blocked {
			continue
		}
		if strings.ContainsAny(key, "\r\n") || strings.ContainsAny(value, "\r\n") {
			continue
		}
		c.Set(key, value)
	}

	status := mock.Status
	if status < 100 || status > 599 {
		status = fiber.StatusOK
	}
	return c.Status(status).SendString(mock.Body)
}

// warmEndpoint fetches endpoint metadata detached from the request. The
// fetch outlives client disconnects; it serves the cache, not the caller.
func (a *App) warmEndpoint(slug string) {
	go func() {
		if _, err := a.convex.FetchAndCacheEndpoint(context.Background(), slug); err != nil {
			log.Printf("Background endpoint fetch failed for %s: %v", slug, err)
		}
	}()
}

func (a *App) warmQuota(slug string) {
	go func() {
		if err := a.convex.FetchAndCacheQuota(context.Background(), slug); err != nil {
			log.Printf("Background quota fetch failed for %s: %v", slug, err)
		}
	}()
}

// realIP extracts the client IP from proxy headers.
func realIP(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	return ""
}
