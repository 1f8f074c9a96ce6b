// Package seed loads the demo corpus and evaluation questions into a store.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rag-eval/backend/internal/pipeline"
	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/internal/storage/models"
	"github.com/rag-eval/backend/pkg/logger"
)

//go:embed corpus.yaml
var defaultCorpus []byte

type Prompt struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Template string `yaml:"template"`
	Active   bool   `yaml:"active"`
}

type Document struct {
	Title    string   `yaml:"title"`
	Source   string   `yaml:"source"`
	Passages []string `yaml:"passages"`
}

// Question is an evaluation question. Phrase locates the gold passage by a
// case-insensitive substring match against stored chunk content.
type Question struct {
	Question       string `yaml:"question"`
	ExpectedAnswer string `yaml:"expected_answer"`
	Phrase         string `yaml:"phrase"`
}

type Corpus struct {
	Prompts   []Prompt   `yaml:"prompts"`
	Documents []Document `yaml:"documents"`
	Questions []Question `yaml:"questions"`
}

// Result counts what a run added. Skipped items already existed.
type Result struct {
	Prompts   int `json:"prompts"`
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Questions int `json:"questions"`
	Skipped   int `json:"skipped"`
	// Unresolved counts questions stored without gold chunks.
	Unresolved int `json:"unresolved"`
}

// Default returns the built-in demo corpus.
func Default() (*Corpus, error) {
	return Parse(defaultCorpus)
}

func Parse(data []byte) (*Corpus, error) {
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse corpus: %w", err)
	}
	for i, d := range c.Documents {
		if strings.TrimSpace(d.Title) == "" {
			return nil, fmt.Errorf("document %d has no title", i)
		}
		if len(d.Passages) == 0 {
			return nil, fmt.Errorf("document %q has no passages", d.Title)
		}
	}
	for i, q := range c.Questions {
		if strings.TrimSpace(q.Question) == "" {
			return nil, fmt.Errorf("question %d has no text", i)
		}
	}
	return &c, nil
}

func LoadFile(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return Parse(data)
}

// LoadQuestions reads a YAML file holding either a bare list of questions or
// a corpus with a questions key.
func LoadQuestions(path string) ([]Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}

	var list []Question
	if err := yaml.Unmarshal(data, &list); err == nil {
		return validQuestions(list)
	}

	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}
	return validQuestions(c.Questions)
}

func validQuestions(qs []Question) ([]Question, error) {
	if len(qs) == 0 {
		return nil, errors.New("no questions found")
	}
	for i, q := range qs {
		if strings.TrimSpace(q.Question) == "" {
			return nil, fmt.Errorf("question %d has no text", i)
		}
	}
	return qs, nil
}

type Seeder struct {
	orch *pipeline.Orchestrator
}

func NewSeeder(orch *pipeline.Orchestrator) *Seeder {
	return &Seeder{orch: orch}
}

// Run loads c. Prompts that already exist by name and version, documents that
// already exist by title and source, and questions that already exist by
// normalized text are left as they are, so running twice adds nothing.
func (s *Seeder) Run(ctx context.Context, c *Corpus) (*Result, error) {
	res := &Result{}

	if err := s.seedPrompts(ctx, c.Prompts, res); err != nil {
		return nil, err
	}
	if err := s.seedDocuments(ctx, c.Documents, res); err != nil {
		return nil, err
	}
	if err := s.SeedQuestions(ctx, c.Questions, res); err != nil {
		return nil, err
	}

	logger.Info("Seed completed",
		zap.Int("prompts", res.Prompts),
		zap.Int("documents", res.Documents),
		zap.Int("chunks", res.Chunks),
		zap.Int("questions", res.Questions),
		zap.Int("skipped", res.Skipped),
		zap.Int("unresolved", res.Unresolved),
	)
	return res, nil
}

func (s *Seeder) seedPrompts(ctx context.Context, prompts []Prompt, res *Result) error {
	for _, p := range prompts {
		_, err := s.orch.CreatePrompt(ctx, pipeline.PromptInput{
			Name:     p.Name,
			Version:  p.Version,
			Template: p.Template,
			Active:   p.Active,
		})
		switch {
		case err == nil:
			res.Prompts++
		case errors.Is(err, storage.ErrConflict):
			res.Skipped++
		default:
			return fmt.Errorf("seed prompt %s/%s: %w", p.Name, p.Version, err)
		}
	}
	return nil
}

func (s *Seeder) seedDocuments(ctx context.Context, docs []Document, res *Result) error {
	existing, err := s.orch.Store().ListDocuments(ctx, 0)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, d := range existing {
		seen[d.Title+"\x00"+d.Source] = true
	}

	for _, d := range docs {
		if seen[d.Title+"\x00"+d.Source] {
			res.Skipped++
			continue
		}
		out, err := s.orch.IngestPassages(ctx, d.Title, d.Source, d.Passages)
		if err != nil {
			return fmt.Errorf("seed document %q: %w", d.Title, err)
		}
		if out.IndexError != "" {
			logger.Warn("Seeded document is not indexed yet",
				zap.Int64("document_id", out.Document.ID),
				zap.String("error", out.IndexError),
			)
		}
		res.Documents++
		res.Chunks += len(out.Chunks)
	}
	return nil
}

// SeedQuestions resolves gold chunks for each question against every stored
// chunk and upserts it by question text. res may be nil.
func (s *Seeder) SeedQuestions(ctx context.Context, qs []Question, res *Result) error {
	if res == nil {
		res = &Result{}
	}
	store := s.orch.Store()

	chunks, err := store.ListAllChunks(ctx)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}

	for _, q := range qs {
		if _, err := store.FindEvalQuestion(ctx, q.Question); err == nil {
			res.Skipped++
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("look up question: %w", err)
		}

		gold := ResolveGold(chunks, q.Phrase)
		if len(gold) == 0 {
			res.Unresolved++
			logger.Warn("No chunk matches question phrase", zap.String("question", q.Question))
		}

		if err := store.UpsertEvalQuestion(ctx, &models.EvalQuestion{
			Question:       strings.TrimSpace(q.Question),
			ExpectedAnswer: strings.TrimSpace(q.ExpectedAnswer),
			GoldChunkIDs:   gold,
		}); err != nil {
			return fmt.Errorf("seed question %q: %w", q.Question, err)
		}
		res.Questions++
	}
	return nil
}

// ResolveGold returns the id of the first chunk whose content contains phrase,
// ignoring case. A blank phrase or no match yields an empty slice.
func ResolveGold(chunks []models.Chunk, phrase string) []int64 {
	needle := strings.ToLower(strings.TrimSpace(phrase))
	if needle == "" {
		return []int64{}
	}
	for _, ch := range chunks {
		if strings.Contains(strings.ToLower(ch.Content), needle) {
			return []int64{ch.ID}
		}
	}
	return []int64{}
}
