package scoring

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/pkg/logger"
)

// Server exposes a Collaborator over HTTP with the JSON contract Remote speaks.
type Server struct {
	collab Collaborator
}

func NewServer(collab Collaborator) *Server {
	return &Server{collab: collab}
}

// Register mounts the scoring routes on r.
func (s *Server) Register(r fiber.Router) {
	r.Post("/chunk", s.handleChunk)
	r.Post("/embed", s.handleEmbed)
	r.Post("/index", s.handleIndex)
	r.Post("/unindex", s.handleUnindex)
	r.Post("/retrieve", s.handleRetrieve)
	r.Post("/generate", s.handleGenerate)
	r.Post("/eval/online", s.handleEvalOnline)
	r.Post("/eval/offline", s.handleEvalOffline)
	r.Get("/health", s.handleHealth)
}

// App returns a fiber app serving only the scoring routes.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	s.Register(app)
	return app
}

func (s *Server) handleChunk(c *fiber.Ctx) error {
	var req ChunkRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	resp, err := s.collab.Chunk(c.UserContext(), req)
	return reply(c, OpChunk, resp, err)
}

func (s *Server) handleEmbed(c *fiber.Ctx) error {
	var req EmbedRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	resp, err := s.collab.Embed(c.UserContext(), req)
	return reply(c, OpEmbed, resp, err)
}

func (s *Server) handleIndex(c *fiber.Ctx) error {
	var req IndexRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	resp, err := s.collab.Index(c.UserContext(), req)
	return reply(c, OpIndex, resp, err)
}

func (s *Server) handleUnindex(c *fiber.Ctx) error {
	var req UnindexRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	resp, err := s.collab.Unindex(c.UserContext(), req)
	return reply(c, OpUnindex, resp, err)
}

func (s *Server) handleRetrieve(c *fiber.Ctx) error {
	req := RetrieveRequest{TopK: 5, Rerank: true}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	resp, err := s.collab.Retrieve(c.UserContext(), req)
	return reply(c, OpRetrieve, resp, err)
}

func (s *Server) handleGenerate(c *fiber.Ctx) error {
	var req GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	resp, err := s.collab.Generate(c.UserContext(), req)
	return reply(c, OpGenerate, resp, err)
}

func (s *Server) handleEvalOnline(c *fiber.Ctx) error {
	var req OnlineEvalRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	resp, err := s.collab.EvalOnline(c.UserContext(), req)
	return reply(c, OpEvalOnline, resp, err)
}

func (s *Server) handleEvalOffline(c *fiber.Ctx) error {
	req := OfflineEvalRequest{TopK: 5}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	resp, err := s.collab.EvalOffline(c.UserContext(), req)
	return reply(c, OpEvalOffline, resp, err)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp, err := s.collab.Health(c.UserContext())
	return reply(c, OpHealth, resp, err)
}

func badRequest(c *fiber.Ctx, err error) error {
	logger.Debug("Invalid scoring request", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "Invalid request body",
	})
}

func reply(c *fiber.Ctx, op string, resp any, err error) error {
	if err != nil {
		logger.Error("Scoring operation failed", zap.String("op", op), zap.Error(err))

		status := fiber.StatusInternalServerError
		var ce *CollaboratorError
		if errors.As(err, &ce) {
			status = fiber.StatusBadGateway
		}
		return c.Status(status).JSON(fiber.Map{
			"error": err.Error(),
			"op":    op,
		})
	}
	return c.JSON(resp)
}
