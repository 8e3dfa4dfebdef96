package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"
)

// HandleCacheInvalidate evicts the endpoint cache entry for a slug. Called
// by the control plane when an endpoint is edited or deleted, so the change
// takes effect before the TTL would have expired it.
func (a *App) HandleCacheInvalidate(c *fiber.Ctx) error {
	if !a.authorized(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	slug := c.Params("slug")
	if !isValidSlug(slug) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_slug"})
	}

	if err := a.store.EvictEndpoint(c.UserContext(), slug); err != nil {
		log.Printf("Cache invalidation failed for %s: %v", slug, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}

	a.debugf("[HandleCacheInvalidate] Evicted endpoint cache for slug=%s", slug)
	return c.JSON(fiber.Map{"ok": true})
}
