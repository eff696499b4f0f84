package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
)

func newEmbeddingServer(t *testing.T, dimension int, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := apiResponse{}
		for i := range req.Input {
			vec := make([]float32, dimension)
			vec[0] = 1
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: vec})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(url string, dimension int) Config {
	return Config{
		BaseURL:    url,
		APIKey:     "test-key",
		Model:      "test-model",
		Dimension:  dimension,
		MaxRetries: 2,
	}
}

func TestEmbedReturnsVector(t *testing.T) {
	var calls atomic.Int64
	srv := newEmbeddingServer(t, 8, &calls)
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, 8), observability.Nop())
	require.NoError(t, err)

	vec, err := client.Embed(context.Background(), "what is a fund")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
}

func TestEmbedCacheHitSkipsCall(t *testing.T) {
	var calls atomic.Int64
	srv := newEmbeddingServer(t, 8, &calls)
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, 8), observability.Nop())
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "repeat query")
	require.NoError(t, err)
	_, err = client.Embed(context.Background(), "  repeat query  ") // trims to same key
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load())
}

func TestEmbedEmptyInput(t *testing.T) {
	client, err := NewClient(testConfig("http://localhost:1", 8), observability.Nop())
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "   ")
	assert.True(t, fault.Is(err, fault.KindInvalidQuery))
}

func TestEmbedDimensionMismatch(t *testing.T) {
	var calls atomic.Int64
	srv := newEmbeddingServer(t, 4, &calls) // serves 4, client expects 8
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, 8), observability.Nop())
	require.NoError(t, err)

	vec, err := client.Embed(context.Background(), "mismatched")
	assert.True(t, fault.Is(err, fault.KindDimensionMismatch))
	assert.Nil(t, vec)
}

func TestEmbedRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		vec := make([]float32, 8)
		resp := apiResponse{}
		resp.Data = append(resp.Data, struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}{Index: 0, Embedding: vec})
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, 8), observability.Nop())
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "eventually works")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestEmbedUnauthorizedFailsImmediately(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","code":"invalid_api_key"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, 8), observability.Nop())
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "no auth")
	assert.True(t, fault.Is(err, fault.KindUnauthorized))
	assert.Equal(t, int64(1), calls.Load())
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	var calls atomic.Int64
	srv := newEmbeddingServer(t, 8, &calls)
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, 8), observability.Nop())
	require.NoError(t, err)

	vecs, err := client.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 8)
	}
}

func TestEmbedBatchCacheHitIsNotAliased(t *testing.T) {
	var calls atomic.Int64
	srv := newEmbeddingServer(t, 8, &calls)
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL, 8), observability.Nop())
	require.NoError(t, err)

	first, err := client.EmbedBatch(context.Background(), []string{"shared text"})
	require.NoError(t, err)
	first[0][0] = -42

	second, err := client.EmbedBatch(context.Background(), []string{"shared text"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, float32(1), second[0][0])

	second[0][0] = -7
	third, err := client.Embed(context.Background(), "shared text")
	require.NoError(t, err)
	assert.Equal(t, float32(1), third[0])
}

func TestMockIsDeterministic(t *testing.T) {
	m := NewMock(16)
	a, err := m.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := m.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}
