// Package embedding produces fixed-dimension vectors for text via an
// external embeddings endpoint. Results are cached by content hash and
// model so repeated queries skip the network.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
)

// Embedder is the contract the retriever and ingest pipeline depend on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// Config holds embedding client settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	CacheSize  int
	MaxRetries int
	Timeout    time.Duration
}

// Client calls an OpenAI-compatible embeddings endpoint. Safe for
// concurrent use; the cache is shared across requests.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	maxRetries int
	cache      *lru.Cache[string, []float32]
	logger     *observability.Logger
}

// NewClient creates an embedding client.
func NewClient(cfg Config, logger *observability.Logger) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
		cache:      cache,
		logger:     logger.WithComponent("embedding"),
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Dimension returns the configured vector dimension.
func (c *Client) Dimension() int { return c.dimension }

type apiRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type apiResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Embed returns the vector for a single text. Cache hits skip the
// external call.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return nil, fault.New(fault.KindInvalidQuery, "embedding input is empty")
	}

	key := c.cacheKey(normalized)
	if vec, ok := c.cache.Get(key); ok {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}

	vecs, err := c.call(ctx, []string{normalized})
	if err != nil {
		return nil, err
	}
	vec := vecs[0]
	c.cache.Add(key, vec)

	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// EmbedBatch embeds texts in order. Cached entries are reused; only the
// misses go over the wire, in a single request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var misses []string
	var missIdx []int

	for i, text := range texts {
		normalized := strings.TrimSpace(text)
		if normalized == "" {
			return nil, fault.Newf(fault.KindInvalidQuery, "embedding input %d is empty", i)
		}
		if vec, ok := c.cache.Get(c.cacheKey(normalized)); ok {
			cp := make([]float32, len(vec))
			copy(cp, vec)
			out[i] = cp
			continue
		}
		misses = append(misses, normalized)
		missIdx = append(missIdx, i)
	}

	if len(misses) > 0 {
		vecs, err := c.call(ctx, misses)
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			c.cache.Add(c.cacheKey(misses[j]), vec)
			cp := make([]float32, len(vec))
			copy(cp, vec)
			out[missIdx[j]] = cp
		}
	}
	return out, nil
}

// call performs the HTTP request with jittered exponential backoff on
// transient failures. Auth and quota errors fail immediately.
func (c *Client) call(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(apiRequest{Input: inputs, Model: c.model})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "marshal embedding request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, fault.Wrap(fault.KindTimeout, "embedding retry interrupted", err)
			}
			c.logger.Debug().Int("attempt", attempt).Msg("retrying embedding request")
		}

		vecs, err := c.doRequest(ctx, body, len(inputs))
		if err == nil {
			return vecs, nil
		}
		if !fault.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fault.Wrap(fault.KindTransient, "embedding request exhausted retries", lastErr)
}

func (c *Client) doRequest(ctx context.Context, body []byte, want int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "create embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "embedding request", ctx.Err())
		}
		return nil, fault.Wrap(fault.KindTransient, "embedding request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "read embedding response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp.StatusCode, respBody)
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "parse embedding response", err)
	}
	if len(parsed.Data) != want {
		return nil, fault.Newf(fault.KindInternal,
			"embedding response has %d vectors, want %d", len(parsed.Data), want)
	}

	out := make([][]float32, want)
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= want {
			return nil, fault.Newf(fault.KindInternal, "embedding response index %d out of range", d.Index)
		}
		if err := c.validateVector(d.Embedding); err != nil {
			return nil, err
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// validateVector enforces the exact dimension and finite components. A
// wrong-sized vector is never returned, even partially.
func (c *Client) validateVector(vec []float32) error {
	if len(vec) != c.dimension {
		return fault.Newf(fault.KindDimensionMismatch,
			"model %s returned %d dimensions, want %d", c.model, len(vec), c.dimension)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fault.Newf(fault.KindInternal, "embedding component %d is not finite", i)
		}
	}
	return nil
}

func (c *Client) classifyStatus(status int, body []byte) error {
	var parsed apiResponse
	msg := fmt.Sprintf("status %d", status)
	code := ""
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		msg = parsed.Error.Message
		code = parsed.Error.Code
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Newf(fault.KindUnauthorized, "embedding provider rejected credentials: %s", msg)
	case status == http.StatusTooManyRequests && code == "insufficient_quota":
		return fault.Newf(fault.KindQuotaExceeded, "embedding quota exhausted: %s", msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.Newf(fault.KindTransient, "embedding provider error: %s", msg)
	default:
		return fault.Newf(fault.KindInternal, "embedding provider error: %s", msg)
	}
}

func (c *Client) cacheKey(normalized string) string {
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:]) + "|" + c.model
}

// sleepBackoff waits 2^attempt * 100ms with up to 50% jitter, capped at
// five seconds, or returns early when ctx is done.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if base > 5*time.Second {
		base = 5 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Embedder = (*Client)(nil)
