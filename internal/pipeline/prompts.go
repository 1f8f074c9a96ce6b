package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/internal/storage/models"
	"github.com/rag-eval/backend/pkg/logger"
)

type PromptInput struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Template string `json:"template"`
	Active   bool   `json:"active"`
}

func (o *Orchestrator) CreatePrompt(ctx context.Context, in PromptInput) (*models.PromptTemplate, error) {
	tpl := &models.PromptTemplate{
		Name:     strings.TrimSpace(in.Name),
		Version:  strings.TrimSpace(in.Version),
		Template: strings.TrimSpace(in.Template),
		Active:   in.Active,
	}
	switch {
	case tpl.Name == "":
		return nil, &ValidationError{Field: "name", Message: "prompt name is required"}
	case tpl.Version == "":
		return nil, &ValidationError{Field: "version", Message: "prompt version is required"}
	case tpl.Template == "":
		return nil, &ValidationError{Field: "template", Message: "prompt template text is required"}
	}

	if err := o.store.CreatePromptTemplate(ctx, tpl); err != nil {
		return nil, err
	}

	logger.Info("Prompt template created",
		zap.Int64("prompt_template_id", tpl.ID),
		zap.String("name", tpl.Name),
		zap.String("version", tpl.Version),
		zap.Bool("active", tpl.Active),
	)
	return tpl, nil
}

func (o *Orchestrator) ListPrompts(ctx context.Context, name string) ([]models.PromptTemplate, error) {
	return o.store.ListPromptTemplates(ctx, strings.TrimSpace(name))
}

// ActivatePrompt makes id the only active template among those sharing its name.
func (o *Orchestrator) ActivatePrompt(ctx context.Context, id int64) (*models.PromptTemplate, error) {
	tpl, err := o.store.ActivatePromptTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Info("Prompt template activated",
		zap.Int64("prompt_template_id", tpl.ID),
		zap.String("name", tpl.Name),
		zap.String("version", tpl.Version),
	)
	return tpl, nil
}

// ResolvePrompt picks the template for a query: the explicit id when it
// exists, else the active template of the default name, else the most
// recently created template, else the built-in fallback (ID 0).
func (o *Orchestrator) ResolvePrompt(ctx context.Context, id *int64) (*models.PromptTemplate, error) {
	if id != nil {
		tpl, err := o.store.GetPromptTemplate(ctx, *id)
		switch {
		case err == nil:
			return tpl, nil
		case errors.Is(err, storage.ErrNotFound):
			logger.Debug("Requested prompt template not found, falling back", zap.Int64("prompt_template_id", *id))
		default:
			return nil, fmt.Errorf("failed to load prompt template: %w", err)
		}
	}

	tpl, err := o.store.ActivePromptTemplate(ctx, o.cfg.DefaultPromptName)
	if err == nil {
		return tpl, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load active prompt template: %w", err)
	}

	tpl, err = o.store.LatestPromptTemplate(ctx)
	if err == nil {
		return tpl, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load latest prompt template: %w", err)
	}

	return BuiltinPrompt(), nil
}

func BuiltinPrompt() *models.PromptTemplate {
	return &models.PromptTemplate{
		Name:     DefaultPromptName,
		Version:  DefaultPromptVersion,
		Template: DefaultPromptTemplate,
		Active:   true,
	}
}
