// Package completion calls the external chat-completion endpoint. The
// client retries transient failures, walks an ordered model fallback list
// when a model is rejected, and bounds concurrent in-flight requests with
// a semaphore so saturation surfaces as a typed Overloaded error instead
// of unbounded queueing.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
	"github.com/fundlens-ai/knowledge-service/internal/prompt"
)

// FinishReason reports how generation ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Request is one completion call.
type Request struct {
	Messages    []prompt.Message
	Model       string // optional override; empty uses the configured list
	MaxTokens   int
	Temperature float64
}

// Result is the generated message with usage metadata.
type Result struct {
	Text         string
	FinishReason FinishReason
	Model        string
	TokensUsed   int
}

// Completer is the contract the orchestrator depends on.
type Completer interface {
	Complete(ctx context.Context, req *Request) (*Result, error)
}

// Config holds completion client settings. Models is an ordered
// preference list; later entries are fallbacks.
type Config struct {
	BaseURL     string
	APIKey      string
	Models      []string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	MaxInFlight int
	QueueWait   time.Duration
}

// Client is an OpenAI-compatible chat-completion client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	models     []string
	maxTokens  int
	temp       float64
	maxRetries int
	sem        *semaphore.Weighted
	queueWait  time.Duration
	logger     *observability.Logger

	// onRetry is invoked once per retry attempt; wired to metrics.
	onRetry func()
}

// NewClient creates a completion client.
func NewClient(cfg Config, logger *observability.Logger) (*Client, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("completion requires at least one model")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = 5 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		models:     cfg.Models,
		maxTokens:  cfg.MaxTokens,
		temp:       cfg.Temperature,
		maxRetries: cfg.MaxRetries,
		sem:        semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		queueWait:  cfg.QueueWait,
		logger:     logger.WithComponent("completion"),
	}, nil
}

// OnRetry registers a hook called once per retry attempt.
func (c *Client) OnRetry(fn func()) { c.onRetry = fn }

type apiRequest struct {
	Model       string           `json:"model"`
	Messages    []prompt.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature"`
}

type apiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Complete generates a message for the request. When the requested model
// is rejected as unavailable, the next model in the configured list is
// tried; if every model is rejected the last typed error is returned.
func (c *Client) Complete(ctx context.Context, req *Request) (*Result, error) {
	// Admission control: wait for an in-flight slot up to the queueing
	// deadline, then reject with Overloaded.
	acquireCtx, cancel := context.WithTimeout(ctx, c.queueWait)
	defer cancel()
	if err := c.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "completion request cancelled", ctx.Err())
		}
		return nil, fault.New(fault.KindOverloaded, "completion client at capacity")
	}
	defer c.sem.Release(1)

	models := c.candidateModels(req.Model)
	var lastErr error
	for _, model := range models {
		result, err := c.completeWithModel(ctx, req, model)
		if err == nil {
			return result, nil
		}
		if fault.Is(err, fault.KindModelUnavailable) {
			c.logger.Warn().Str("model", model).Msg("model unavailable, trying fallback")
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// candidateModels returns the ordered models to try. An explicit override
// is tried first, then the configured list (skipping a duplicate).
func (c *Client) candidateModels(override string) []string {
	if override == "" {
		return c.models
	}
	models := []string{override}
	for _, m := range c.models {
		if m != override {
			models = append(models, m)
		}
	}
	return models
}

func (c *Client) completeWithModel(ctx context.Context, req *Request, model string) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temp
	}

	body, err := json.Marshal(apiRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: temp,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "marshal completion request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if c.onRetry != nil {
				c.onRetry()
			}
			if err := backoff(ctx, attempt); err != nil {
				return nil, fault.Wrap(fault.KindTimeout, "completion retry interrupted", err)
			}
		}

		result, err := c.doRequest(ctx, body)
		if err == nil {
			result.Model = model
			return result, nil
		}
		if !fault.Retryable(err) {
			return nil, err
		}
		lastErr = err
		c.logger.Debug().Err(err).Int("attempt", attempt).Msg("completion attempt failed")
	}
	return nil, fault.Wrap(fault.KindTransient, "completion exhausted retries", lastErr)
}

func (c *Client) doRequest(ctx context.Context, body []byte) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "create completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "completion request", ctx.Err())
		}
		return nil, fault.Wrap(fault.KindTransient, "completion request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "read completion response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "parse completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fault.New(fault.KindInternal, "completion response has no choices")
	}

	choice := parsed.Choices[0]
	return &Result{
		Text:         choice.Message.Content,
		FinishReason: parseFinishReason(choice.FinishReason),
		Model:        parsed.Model,
		TokensUsed:   parsed.Usage.TotalTokens,
	}, nil
}

func parseFinishReason(s string) FinishReason {
	switch s {
	case "stop", "":
		return FinishStop
	case "length":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	default:
		return FinishError
	}
}

func classifyStatus(status int, body []byte) error {
	var parsed apiResponse
	msg := fmt.Sprintf("status %d", status)
	code := ""
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		msg = parsed.Error.Message
		code = parsed.Error.Code
	}

	switch {
	case status == http.StatusNotFound || code == "model_not_found":
		return fault.Newf(fault.KindModelUnavailable, "completion model rejected: %s", msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Newf(fault.KindUnauthorized, "completion provider rejected credentials: %s", msg)
	case status == http.StatusTooManyRequests && code == "insufficient_quota":
		return fault.Newf(fault.KindQuotaExceeded, "completion quota exhausted: %s", msg)
	case code == "content_filter":
		return fault.Newf(fault.KindContentFiltered, "completion blocked by provider filter: %s", msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.Newf(fault.KindTransient, "completion provider error: %s", msg)
	default:
		return fault.Newf(fault.KindInternal, "completion provider error: %s", msg)
	}
}

// backoff waits 2^attempt * 200ms with up to 50% jitter, capped at ten
// seconds, or returns early when ctx is done.
func backoff(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Completer = (*Client)(nil)
