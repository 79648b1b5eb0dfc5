// internal/transport/http/handlers.go
package http

import (
	"errors"
	"log"
	"strconv"

	"mirror-service/internal/store"
	"mirror-service/internal/sync"
	"mirror-service/internal/version"

	"github.com/gofiber/fiber/v2"
)

// Handler serves the cached data. Every read resolves the active slot at
// request time, so an in-progress full refresh is invisible until its flip.
type Handler struct {
	store      *store.Store
	versions   *version.Manager
	worker     *sync.Worker
	reconciler *sync.Reconciler
}

func NewHandler(st *store.Store, vm *version.Manager, w *sync.Worker, rc *sync.Reconciler) *Handler {
	return &Handler{store: st, versions: vm, worker: w, reconciler: rc}
}

func (h *Handler) ListTables(c *fiber.Ctx) error {
	tables, err := h.store.ListTables(c.Context(), h.versions.Active())
	if err != nil {
		log.Printf("❌ [ListTables] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list tables"})
	}
	return c.JSON(fiber.Map{"tables": tables})
}

func (h *Handler) ListRecords(c *fiber.Ctx) error {
	table := c.Params("table")
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	records, err := h.store.ListRecords(c.Context(), h.versions.Active(), table, limit, offset)
	if err != nil {
		log.Printf("❌ [ListRecords] table=%s: %v", table, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list records"})
	}
	return c.JSON(fiber.Map{"table": table, "records": records, "count": len(records)})
}

func (h *Handler) GetRecord(c *fiber.Ctx) error {
	table := c.Params("table")
	id := c.Params("id")

	record, err := h.store.GetRecord(c.Context(), h.versions.Active(), table, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "record not found"})
		}
		log.Printf("❌ [GetRecord] %s/%s: %v", table, id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch record"})
	}
	return c.JSON(record)
}

func (h *Handler) GetStats(c *fiber.Ctx) error {
	stats, err := h.store.Stats(c.Context(), h.versions.Active())
	if err != nil {
		log.Printf("❌ [GetStats] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to compute stats"})
	}
	return c.JSON(stats)
}

// TriggerRefresh queues a full refresh through the worker actor. A refresh
// already in flight (or a stopped worker) is reported, not errored.
func (h *Handler) TriggerRefresh(c *fiber.Ctx) error {
	outcome, err := h.worker.TriggerRefresh(c.Context())
	if err != nil {
		log.Printf("❌ [TriggerRefresh] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to reach refresh worker"})
	}
	if !outcome.Queued {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"status": "skipped", "reason": outcome.Reason})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued"})
}

func (h *Handler) GetRefreshStatus(c *fiber.Ctx) error {
	status, err := h.worker.Status(c.Context())
	if err != nil {
		log.Printf("❌ [GetRefreshStatus] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to reach refresh worker"})
	}
	return c.JSON(status)
}

// GetAttachment streams a downloaded attachment from local disk.
func (h *Handler) GetAttachment(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid attachment id"})
	}

	att, err := h.store.GetAttachment(c.Context(), uint(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "attachment not found"})
		}
		log.Printf("❌ [GetAttachment] id=%d: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch attachment"})
	}
	if !att.Downloaded || att.LocalPath == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "attachment not downloaded yet"})
	}

	c.Set("Content-Disposition", `inline; filename="`+att.Filename+`"`)
	return c.SendFile(*att.LocalPath)
}
