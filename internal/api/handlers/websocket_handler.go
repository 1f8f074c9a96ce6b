package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/pipeline"
	"github.com/rag-eval/backend/pkg/logger"
)

const wsQueryTimeout = 60 * time.Second

type WebSocketHandler struct {
	orch *pipeline.Orchestrator
}

func NewWebSocketHandler(orch *pipeline.Orchestrator) *WebSocketHandler {
	return &WebSocketHandler{orch: orch}
}

// Upgrade rejects plain HTTP requests on the websocket route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

type wsRequest struct {
	Type             string `json:"type"`
	Content          string `json:"content"`
	PromptTemplateID *int64 `json:"prompt_template_id,omitempty"`
}

// HandleConnection answers "query" messages by streaming the answer word by
// word, then sending the full trace.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsRequest
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			return
		}

		if msg.Type != "query" {
			continue
		}

		logger.Info("Processing WebSocket query", zap.Int("query_length", len(msg.Content)))

		if err := h.streamResponse(c, msg); err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			h.sendError(c, err)
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, msg wsRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsQueryTimeout)
	defer cancel()

	if err := h.send(c, fiber.Map{"type": "status", "content": "Processing query..."}); err != nil {
		return err
	}

	view, err := h.orch.Answer(ctx, pipeline.QueryInput{Query: msg.Content, PromptTemplateID: msg.PromptTemplateID})
	if err != nil {
		return err
	}

	words := strings.Fields(view.ResponseText)
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		if err := h.send(c, fiber.Map{"type": "chunk", "content": word}); err != nil {
			return err
		}
	}

	return h.send(c, fiber.Map{"type": "complete", "trace": view})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msg fiber.Map) error {
	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, err error) {
	text := "Failed to process query"
	var ve *pipeline.ValidationError
	if errors.As(err, &ve) {
		text = ve.Error()
	}
	if werr := h.send(c, fiber.Map{"type": "error", "error": text}); werr != nil {
		logger.Debug("Failed to send WebSocket error", zap.Error(werr))
	}
}
