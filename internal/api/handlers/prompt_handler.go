package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rag-eval/backend/internal/pipeline"
)

type PromptHandler struct {
	orch *pipeline.Orchestrator
}

func NewPromptHandler(orch *pipeline.Orchestrator) *PromptHandler {
	return &PromptHandler{orch: orch}
}

func (h *PromptHandler) CreatePrompt(c *fiber.Ctx) error {
	var req pipeline.PromptInput
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	tpl, err := h.orch.CreatePrompt(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(tpl)
}

func (h *PromptHandler) ListPrompts(c *fiber.Ctx) error {
	prompts, err := h.orch.ListPrompts(c.UserContext(), c.Query("name"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"prompts": prompts})
}

func (h *PromptHandler) ActivatePrompt(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return respondError(c, err)
	}
	tpl, err := h.orch.ActivatePrompt(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(tpl)
}
