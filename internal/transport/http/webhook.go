// internal/transport/http/webhook.go
package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"

	"mirror-service/internal/store"
	"mirror-service/internal/sync"

	"github.com/gofiber/fiber/v2"
)

// HandleWebhookNotify receives a change notification from the remote source
// and applies its diff to the active slot. The webhook id must be registered
// and the secret header must match; otherwise the notification is rejected
// without touching the cache.
func (h *Handler) HandleWebhookNotify(c *fiber.Ctx) error {
	webhookID := c.Params("id")

	cfg, err := h.store.GetWebhookConfig(c.Context(), webhookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("⚠️ [WEBHOOK] Notification for unknown webhook %q rejected", webhookID)
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown webhook"})
		}
		log.Printf("❌ [WEBHOOK] Config lookup failed for %q: %v", webhookID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to verify webhook"})
	}

	secret := c.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(cfg.Secret)) != 1 {
		log.Printf("⚠️ [WEBHOOK] Bad secret for webhook %q | IP=%s", webhookID, c.IP())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid webhook secret"})
	}

	var diff sync.Diff
	if err := json.Unmarshal(c.Body(), &diff); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid diff payload"})
	}
	if len(diff) == 0 {
		return c.JSON(fiber.Map{"status": "noop"})
	}

	log.Printf("🔔 [WEBHOOK] %q delivered a diff covering %d tables", webhookID, len(diff))

	stats, err := h.reconciler.Apply(c.Context(), diff)
	if err != nil {
		log.Printf("❌ [WEBHOOK] Reconciliation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reconciliation failed"})
	}
	return c.JSON(fiber.Map{"status": "applied", "result": stats})
}
