package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlens-ai/knowledge-service/internal/cache"
	"github.com/fundlens-ai/knowledge-service/internal/config"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
)

func newAdminRouter(configs *config.Store, cacheClient cache.Client) http.Handler {
	h := NewAdminHandler(observability.Nop(), configs, cacheClient)
	r := chi.NewRouter()
	r.Get("/admin/rag/config", h.GetConfig)
	r.Put("/admin/rag/config", h.UpdateConfig)
	return r
}

func TestGetConfigReturnsActiveSettings(t *testing.T) {
	configs := config.NewStore(config.DefaultConfig())
	router := newAdminRouter(configs, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/rag/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view RAGConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 5, view.Retrieval.MaxChunks)
	assert.Equal(t, 0.35, view.Confidence.RetrievalWeight)
}

func TestUpdateConfigSwapsSnapshot(t *testing.T) {
	configs := config.NewStore(config.DefaultConfig())
	cacheClient := cache.NewMemoryClient(16)
	require.NoError(t, cacheClient.Set(context.Background(), "stale", []byte("x"), 0))
	router := newAdminRouter(configs, cacheClient)

	before := configs.Snapshot()
	body := `{"retrieval":{"MaxChunks":8}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/rag/config", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	after := configs.Snapshot()
	assert.Equal(t, 8, after.Retrieval.MaxChunks)
	// Untouched fields survive a partial update.
	assert.Equal(t, before.Retrieval.MinQuality, after.Retrieval.MinQuality)
	assert.Equal(t, before.Prompt.MaxPromptTokens, after.Prompt.MaxPromptTokens)
	// The previous snapshot object is unchanged.
	assert.Equal(t, 5, before.Retrieval.MaxChunks)

	// A swap flushes cached retrieval results.
	_, ok, err := cacheClient.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateConfigRejectsInvalidSettings(t *testing.T) {
	configs := config.NewStore(config.DefaultConfig())
	router := newAdminRouter(configs, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/rag/config",
		strings.NewReader(`{"retrieval":{"MaxChunks":0}}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The active snapshot is untouched after a rejected update.
	assert.Equal(t, 5, configs.Snapshot().Retrieval.MaxChunks)
}

func TestUpdateConfigRejectsBadBody(t *testing.T) {
	router := newAdminRouter(config.NewStore(config.DefaultConfig()), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/rag/config",
		strings.NewReader("{broken")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateConfigDoesNotMutateSharedModelConfidence(t *testing.T) {
	cfg := config.DefaultConfig()
	configs := config.NewStore(cfg)
	router := newAdminRouter(configs, nil)

	body := `{"confidence":{"ModelConfidence":{"gpt-4o":0.5}}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/rag/config", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 0.85, cfg.Confidence.ModelConfidence["gpt-4o"])
	assert.Equal(t, 0.5, configs.Snapshot().Confidence.ModelConfidence["gpt-4o"])
}
