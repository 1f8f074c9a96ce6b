package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/pkg/logger"
)

// ReadyFunc reports whether the dependencies behind the API are reachable.
type ReadyFunc func(ctx context.Context) error

type HealthHandler struct {
	ready ReadyFunc
	mode  string
}

// NewHealthHandler reports mode on every response. ready may be nil.
func NewHealthHandler(mode string, ready ReadyFunc) *HealthHandler {
	return &HealthHandler{ready: ready, mode: mode}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"mode":   h.mode,
		"time":   time.Now().Unix(),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	if h.ready != nil {
		if err := h.ready(c.UserContext()); err != nil {
			logger.Warn("Readiness check failed", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ready", "mode": h.mode})
}
