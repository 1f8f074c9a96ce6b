package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rag-eval/backend/internal/pipeline"
)

type EvalHandler struct {
	orch *pipeline.Orchestrator
}

func NewEvalHandler(orch *pipeline.Orchestrator) *EvalHandler {
	return &EvalHandler{orch: orch}
}

func (h *EvalHandler) RunOffline(c *fiber.Ctx) error {
	res, err := h.orch.RunOffline(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (h *EvalHandler) ListRuns(c *fiber.Ctx) error {
	runs, err := h.orch.ListRuns(c.UserContext(), c.Query("kind"), queryLimit(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"runs": runs})
}

func (h *EvalHandler) GetRun(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return respondError(c, err)
	}
	view, err := h.orch.GetRun(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}
