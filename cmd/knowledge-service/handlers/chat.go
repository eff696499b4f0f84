package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fundlens-ai/knowledge-service/internal/fault"
	"github.com/fundlens-ai/knowledge-service/internal/observability"
	"github.com/fundlens-ai/knowledge-service/internal/rag"
	"github.com/fundlens-ai/knowledge-service/internal/storage"
)

// ChatHandler serves the chat message, history, and feedback endpoints.
type ChatHandler struct {
	logger        *observability.Logger
	orchestrator  *rag.Orchestrator
	conversations storage.ConversationStore
	feedback      storage.FeedbackStore
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(logger *observability.Logger, orchestrator *rag.Orchestrator, conversations storage.ConversationStore, feedback storage.FeedbackStore) *ChatHandler {
	return &ChatHandler{
		logger:        logger.WithComponent("api"),
		orchestrator:  orchestrator,
		conversations: conversations,
		feedback:      feedback,
	}
}

// Message handles POST /chat/message.
func (h *ChatHandler) Message(w http.ResponseWriter, r *http.Request) {
	var req rag.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, fault.Wrap(fault.KindInvalidQuery, "invalid request body", err))
		return
	}

	resp, err := h.orchestrator.Answer(r.Context(), &req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyMetadata struct {
	SessionID string `json:"sessionId"`
}

type historyResponse struct {
	Conversation []storage.Turn   `json:"conversation"`
	MessageCount int              `json:"messageCount"`
	Metadata     *historyMetadata `json:"metadata,omitempty"`
}

// History handles GET /chat/history/{sessionID}.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, h.logger, fault.New(fault.KindInvalidQuery, "session id is required"))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, h.logger, fault.New(fault.KindInvalidQuery, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	includeMetadata := false
	if v := r.URL.Query().Get("includeMetadata"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, h.logger, fault.New(fault.KindInvalidQuery, "includeMetadata must be a boolean"))
			return
		}
		includeMetadata = b
	}

	turns, err := h.conversations.History(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if turns == nil {
		turns = []storage.Turn{}
	}
	resp := historyResponse{Conversation: turns, MessageCount: len(turns)}
	if includeMetadata {
		resp.Metadata = &historyMetadata{SessionID: sessionID}
	} else {
		for i := range turns {
			turns[i].Metadata = nil
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearHistory handles DELETE /chat/history/{sessionID}.
func (h *ChatHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, h.logger, fault.New(fault.KindInvalidQuery, "session id is required"))
		return
	}
	if err := h.conversations.Clear(r.Context(), sessionID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type feedbackRequest struct {
	SessionID    string   `json:"sessionId"`
	MessageID    string   `json:"messageId"`
	Rating       int      `json:"rating"`
	FeedbackText string   `json:"feedbackText,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	QualityScore float64  `json:"qualityScore,omitempty"`
}

type feedbackResponse struct {
	FeedbackID string `json:"feedbackId"`
}

// Feedback handles POST /chat/feedback.
func (h *ChatHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, fault.Wrap(fault.KindInvalidQuery, "invalid request body", err))
		return
	}
	if req.SessionID == "" || req.MessageID == "" {
		writeError(w, h.logger, fault.New(fault.KindInvalidQuery, "sessionId and messageId are required"))
		return
	}
	if req.Rating != -1 && req.Rating != 1 {
		writeError(w, h.logger, fault.New(fault.KindInvalidQuery, "rating must be -1 or 1"))
		return
	}
	if req.QualityScore < 0 || req.QualityScore > 1 {
		writeError(w, h.logger, fault.New(fault.KindInvalidQuery, "qualityScore must be between 0 and 1"))
		return
	}

	id, err := h.feedback.InsertFeedback(r.Context(), &storage.Feedback{
		SessionID:    req.SessionID,
		MessageID:    req.MessageID,
		Rating:       req.Rating,
		FeedbackText: req.FeedbackText,
		Categories:   req.Categories,
		QualityScore: req.QualityScore,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, feedbackResponse{FeedbackID: id})
}
