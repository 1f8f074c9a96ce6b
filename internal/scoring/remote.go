package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/metrics"
	"github.com/rag-eval/backend/pkg/circuitbreaker"
	"github.com/rag-eval/backend/pkg/logger"
	"github.com/rag-eval/backend/pkg/retry"
)

type RemoteConfig struct {
	BaseURL string
	// Timeout bounds each attempt, not the whole retried call.
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

// StatusError is a non-2xx answer from the scoring service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scoring service returned status %d: %s", e.StatusCode, e.Body)
}

// Remote calls a scoring service over HTTP. Every call runs under a circuit
// breaker and a bounded retry with backoff, with a timeout per attempt.
type Remote struct {
	baseURL     string
	timeout     time.Duration
	httpClient  *http.Client
	retryConfig retry.Config
	cb          *circuitbreaker.CircuitBreaker
}

var _ Collaborator = (*Remote)(nil)

func NewRemote(cfg RemoteConfig) *Remote {
	return NewRemoteWithClient(cfg, &http.Client{})
}

func NewRemoteWithClient(cfg RemoteConfig, httpClient *http.Client) *Remote {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 50 * time.Millisecond
	}

	cb := circuitbreaker.NewCircuitBreaker("scoring", circuitbreaker.Config{
		MaxRequests:      2,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		IsFailure:        isServiceFailure,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    cfg.MaxRetries + 1,
		InitialDelay:   cfg.InitialBackoff,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Remote scoring client initialized",
		zap.String("url", cfg.BaseURL),
		zap.Duration("timeout", cfg.Timeout),
		zap.Int("max_retries", cfg.MaxRetries),
	)

	return &Remote{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		timeout:     cfg.Timeout,
		httpClient:  httpClient,
		retryConfig: retryConfig,
		cb:          cb,
	}
}

// isServiceFailure keeps client errors from tripping the breaker.
func isServiceFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}

func (r *Remote) Chunk(ctx context.Context, req ChunkRequest) (*ChunkResponse, error) {
	return postJSON[ChunkResponse](ctx, r, OpChunk, "/chunk", req)
}

func (r *Remote) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	return postJSON[EmbedResponse](ctx, r, OpEmbed, "/embed", req)
}

func (r *Remote) Index(ctx context.Context, req IndexRequest) (*IndexResponse, error) {
	return postJSON[IndexResponse](ctx, r, OpIndex, "/index", req)
}

func (r *Remote) Unindex(ctx context.Context, req UnindexRequest) (*UnindexResponse, error) {
	return postJSON[UnindexResponse](ctx, r, OpUnindex, "/unindex", req)
}

func (r *Remote) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	return postJSON[RetrieveResponse](ctx, r, OpRetrieve, "/retrieve", req)
}

func (r *Remote) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	return postJSON[GenerateResponse](ctx, r, OpGenerate, "/generate", req)
}

func (r *Remote) EvalOnline(ctx context.Context, req OnlineEvalRequest) (*OnlineEvalResponse, error) {
	return postJSON[OnlineEvalResponse](ctx, r, OpEvalOnline, "/eval/online", req)
}

func (r *Remote) EvalOffline(ctx context.Context, req OfflineEvalRequest) (*OfflineEvalResponse, error) {
	return postJSON[OfflineEvalResponse](ctx, r, OpEvalOffline, "/eval/offline", req)
}

func (r *Remote) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := r.do(ctx, OpHealth, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func postJSON[T any](ctx context.Context, r *Remote, op, path string, in any) (*T, error) {
	var out T
	if err := r.post(ctx, op, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return wrap(op, fmt.Errorf("failed to encode request: %w", err))
	}
	return r.do(ctx, op, http.MethodPost, path, body, out)
}

func (r *Remote) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	err := r.cb.Execute(func() error {
		return retry.Do(ctx, r.retryConfig, func() error {
			return r.attempt(ctx, method, path, body, out)
		})
	})

	metrics.CollaboratorCalls.WithLabelValues(op, metrics.Status(err)).Inc()
	if err != nil {
		logger.Warn("Scoring call failed", zap.String("op", op), zap.Error(err))
		return wrap(op, err)
	}
	return nil
}

func (r *Remote) attempt(ctx context.Context, method, path string, body []byte, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, r.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call scoring service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if resp.StatusCode < 500 {
			return retry.Permanent(se)
		}
		return se
	}

	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}
