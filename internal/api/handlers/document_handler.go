package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rag-eval/backend/internal/pipeline"
)

type DocumentHandler struct {
	orch *pipeline.Orchestrator
}

func NewDocumentHandler(orch *pipeline.Orchestrator) *DocumentHandler {
	return &DocumentHandler{orch: orch}
}

func (h *DocumentHandler) CreateDocument(c *fiber.Ctx) error {
	var req pipeline.IngestInput
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	res, err := h.orch.Ingest(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.orch.ListDocuments(c.UserContext(), queryLimit(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"documents": docs})
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return respondError(c, err)
	}
	view, err := h.orch.GetDocument(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := h.orch.DeleteDocument(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *DocumentHandler) RebuildIndex(c *fiber.Ctx) error {
	res, err := h.orch.RebuildIndex(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}
