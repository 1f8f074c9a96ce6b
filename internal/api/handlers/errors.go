package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/pipeline"
	"github.com/rag-eval/backend/internal/scoring"
	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/pkg/logger"
)

const defaultListLimit = 20

// respondError maps pipeline errors to status codes. Unclassified errors
// are logged and hidden behind a generic message.
func respondError(c *fiber.Ctx, err error) error {
	var (
		ve *pipeline.ValidationError
		pf *pipeline.PartialFailureError
		ce *scoring.CollaboratorError
	)

	switch {
	case errors.As(err, &ve):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ve.Error(), "field": ve.Field})
	case errors.As(err, &pf):
		body := fiber.Map{"error": pf.Error(), "run_id": pf.RunID}
		if pf.TraceID != nil {
			body["trace_id"] = *pf.TraceID
		}
		return c.Status(fiber.StatusBadGateway).JSON(body)
	case errors.Is(err, storage.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, storage.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &ce):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": ce.Error(), "op": ce.Op})
	default:
		logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal service error"})
	}
}

func badBody(c *fiber.Ctx, err error) error {
	logger.Debug("Failed to parse request body", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
}

func paramID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &pipeline.ValidationError{Field: "id", Message: "id must be a positive integer"}
	}
	return id, nil
}

func queryLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
