package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/middleware/requestid"
	"github.com/rag-eval/backend/internal/pipeline"
	"github.com/rag-eval/backend/pkg/logger"
)

type QueryHandler struct {
	orch *pipeline.Orchestrator
}

func NewQueryHandler(orch *pipeline.Orchestrator) *QueryHandler {
	return &QueryHandler{orch: orch}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req pipeline.QueryInput
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	view, err := h.orch.Answer(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}

	logger.Debug("Query handled",
		zap.Int64("trace_id", view.ID),
		zap.String("diagnosis", string(view.Diagnosis)),
		zap.String("request_id", requestid.FromCtx(c)),
	)
	return c.JSON(fiber.Map{"trace": view})
}

func (h *QueryHandler) ListTraces(c *fiber.Ctx) error {
	views, err := h.orch.ListTraces(c.UserContext(), queryLimit(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"traces": views})
}

func (h *QueryHandler) GetTrace(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return respondError(c, err)
	}
	view, err := h.orch.TraceView(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"trace": view})
}
