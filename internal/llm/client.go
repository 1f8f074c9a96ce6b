package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/metrics"
	"github.com/rag-eval/backend/internal/rag/generation"
	"github.com/rag-eval/backend/pkg/circuitbreaker"
	"github.com/rag-eval/backend/pkg/logger"
	"github.com/rag-eval/backend/pkg/retry"
)

const defaultInstruction = "Answer only from retrieved context and cite chunk ids used."

type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
}

// Client answers queries with an OpenAI-compatible chat model. It satisfies
// generation.Generator.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

var _ generation.Generator = (*Client)(nil)

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg Config) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized", zap.String("model", cfg.Model))

	return &Client{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// SetRetryDelay overrides the initial backoff.
func (c *Client) SetRetryDelay(d time.Duration) {
	c.retryConfig.InitialDelay = d
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)

			if err != nil {
				err = fmt.Errorf("failed to create completion: %w", err)
				if !retryable(err) {
					return retry.Permanent(err)
				}
				return err
			}
			if len(resp.Choices) == 0 {
				return retry.Permanent(errors.New("completion returned no choices"))
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)
			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// Generate answers from the supplied contexts only. The prompt template is
// the system instruction; cited ids are taken from "[chunk N]" markers that
// name a supplied context.
func (c *Client) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	modelName := req.ModelName
	if modelName == "" {
		modelName = c.model
	}
	resp := &generation.Response{
		ModelName:     modelName,
		PromptVersion: req.PromptVersion,
		CitedChunkIDs: []int64{},
	}

	if len(req.Contexts) == 0 {
		resp.Answer = generation.NoContextAnswer
		return resp, nil
	}

	instruction := strings.TrimSpace(req.PromptTemplate)
	if instruction == "" {
		instruction = defaultInstruction
	}
	systemPrompt := instruction + "\nCite every passage you use as [chunk N]. If the context does not answer the question, say so."

	completion, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   BuildUserPrompt(req.Query, req.Contexts),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	resp.Answer = strings.TrimSpace(completion.Content)
	resp.CitedChunkIDs = ParseCitations(resp.Answer, req.Contexts)

	logger.Info("Answer generated",
		zap.String("model", modelName),
		zap.Int("contexts", len(req.Contexts)),
		zap.Int("cited", len(resp.CitedChunkIDs)),
	)
	return resp, nil
}

func BuildUserPrompt(query string, contexts []generation.Context) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, passage := range contexts {
		fmt.Fprintf(&b, "%s %s\n", generation.Cite(passage.ChunkID), passage.Content)
	}
	fmt.Fprintf(&b, "\nQuestion: %s", query)
	return b.String()
}

// ParseCitations returns the distinct cited ids in order of first mention,
// keeping only ids present in contexts.
func ParseCitations(answer string, contexts []generation.Context) []int64 {
	known := make(map[int64]struct{}, len(contexts))
	for _, passage := range contexts {
		known[passage.ChunkID] = struct{}{}
	}

	cited := []int64{}
	seen := map[int64]struct{}{}
	for _, m := range generation.CitationPattern.FindAllStringSubmatch(answer, -1) {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if _, ok := known[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cited = append(cited, id)
	}
	return cited
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= http.StatusInternalServerError || apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= http.StatusInternalServerError || reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return true
}
