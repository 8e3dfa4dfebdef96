// Package handlers contains the receiver's HTTP surface: the public webhook
// capture route and the trusted admin routes (cache invalidation, search).
package handlers

import (
	"crypto/sha256"
	"crypto/subtle"
	"log"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"

	"webhooks.cc/receiver/internal/cache"
	"webhooks.cc/receiver/internal/clickhouse"
	"webhooks.cc/receiver/internal/convex"
	"webhooks.cc/receiver/internal/metrics"
)

// App holds the handler dependencies. All fields are immutable after New;
// per-request state lives in Redis only.
type App struct {
	store      *cache.Store
	convex     *convex.Client
	clickhouse *clickhouse.Conn // nil disables /search
	secret     string
	metrics    *metrics.Metrics
	debugf     func(format string, args ...any)
}

// New wires the handler set. ch may be nil when ClickHouse is not
// configured; /search then answers 503.
func New(store *cache.Store, cv *convex.Client, ch *clickhouse.Conn, secret string, m *metrics.Metrics, debug bool) *App {
	debugf := func(string, ...any) {} // no-op
	if debug {
		debugf = func(format string, args ...any) {
			log.Printf("[DEBUG] "+format, args...)
		}
	}
	return &App{
		store:      store,
		convex:     cv,
		clickhouse: ch,
		secret:     secret,
		metrics:    m,
		debugf:     debugf,
	}
}

// Register mounts all routes on the fiber app.
func (a *App) Register(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(a.metrics.Handler()))

	app.Post("/cache/invalidate/:slug", a.HandleCacheInvalidate)
	app.Get("/search", a.HandleSearch)

	app.All("/w/:slug/*", a.HandleWebhook)
}

// isValidSlug validates that slug matches [A-Za-z0-9_-]{1,64}.
func isValidSlug(slug string) bool {
	if len(slug) == 0 || len(slug) > 64 {
		return false
	}
	for _, r := range slug {
		isLower := r >= 'a' && r <= 'z'
		isUpper := r >= 'A' && r <= 'Z'
		isDigit := r >= '0' && r <= '9'
		isSpecial := r == '-' || r == '_'
		if isLower || isUpper || isDigit || isSpecial {
			continue
		}
		return false
	}
	return true
}

// authorized compares the Authorization header against the shared secret.
// Both sides fold through SHA-256 first so the comparison is constant-time
// even when the lengths differ.
func (a *App) authorized(c *fiber.Ctx) bool {
	got := sha256.Sum256([]byte(c.Get("Authorization")))
	want := sha256.Sum256([]byte("Bearer " + a.secret))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}
