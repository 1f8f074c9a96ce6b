package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rag-eval/backend/internal/pipeline"
)

// DemoHandler serves the small unversioned surface of the demo service.
type DemoHandler struct {
	orch *pipeline.Orchestrator
	mode string
}

func NewDemoHandler(orch *pipeline.Orchestrator, mode string) *DemoHandler {
	return &DemoHandler{orch: orch, mode: mode}
}

func (h *DemoHandler) Query(c *fiber.Ctx) error {
	var req struct {
		Query string `json:"query"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	view, err := h.orch.Answer(c.UserContext(), pipeline.QueryInput{Query: req.Query})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"trace": view})
}

func (h *DemoHandler) Traces(c *fiber.Ctx) error {
	views, err := h.orch.ListTraces(c.UserContext(), queryLimit(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"traces": views, "mode": h.mode})
}
