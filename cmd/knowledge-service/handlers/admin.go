package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fundlens-ai/knowledge-service/internal/cache"
	"github.com/fundlens-ai/knowledge-service/internal/config"
	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
)

// AdminHandler exposes the runtime-tunable retrieval and scoring settings.
// Updates swap the whole configuration snapshot; in-flight requests keep
// the snapshot they captured.
type AdminHandler struct {
	logger  *observability.Logger
	configs *config.Store
	cache   cache.Client
}

// NewAdminHandler creates an AdminHandler. cacheClient may be nil.
func NewAdminHandler(logger *observability.Logger, configs *config.Store, cacheClient cache.Client) *AdminHandler {
	return &AdminHandler{
		logger:  logger.WithComponent("admin"),
		configs: configs,
		cache:   cacheClient,
	}
}

// RAGConfig is the admin view of the tunable sections. Secrets and
// connection settings are not exposed here.
type RAGConfig struct {
	Retrieval    config.RetrievalConfig    `json:"retrieval"`
	Prompt       config.PromptConfig       `json:"prompt"`
	Confidence   config.ConfidenceConfig   `json:"confidence"`
	Conversation config.ConversationConfig `json:"conversation"`
}

// GetConfig handles GET /admin/rag/config.
func (h *AdminHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	snap := h.configs.Snapshot()
	writeJSON(w, http.StatusOK, ragConfigView(snap))
}

// UpdateConfig handles PUT /admin/rag/config. The body is merged over the
// active settings, validated, and installed atomically; the retrieval
// cache is flushed so stale results never serve under new settings.
func (h *AdminHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	snap := h.configs.Snapshot()
	body := ragConfigView(snap)

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, fault.Wrap(fault.KindInvalidQuery, "invalid request body", err))
		return
	}

	next := *snap
	next.Retrieval = body.Retrieval
	next.Prompt = body.Prompt
	next.Confidence = body.Confidence
	next.Conversation = body.Conversation

	if _, err := h.configs.Swap(&next); err != nil {
		writeError(w, h.logger, fault.Wrap(fault.KindInvalidQuery, "configuration rejected", err))
		return
	}

	if h.cache != nil {
		if err := h.cache.Flush(r.Context()); err != nil {
			h.logger.Warn().Err(err).Msg("retrieval cache flush failed after config swap")
		}
	}

	h.logger.Info().Msg("configuration updated")
	writeJSON(w, http.StatusOK, ragConfigView(&next))
}

// ragConfigView copies the tunable sections, detaching shared maps so a
// decode merge never mutates the active snapshot.
func ragConfigView(cfg *config.Config) RAGConfig {
	view := RAGConfig{
		Retrieval:    cfg.Retrieval,
		Prompt:       cfg.Prompt,
		Confidence:   cfg.Confidence,
		Conversation: cfg.Conversation,
	}
	modelConfidence := make(map[string]float64, len(cfg.Confidence.ModelConfidence))
	for k, v := range cfg.Confidence.ModelConfidence {
		modelConfidence[k] = v
	}
	view.Confidence.ModelConfidence = modelConfidence
	return view
}
