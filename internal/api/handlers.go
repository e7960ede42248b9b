package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/impulso-labs/impulso/internal/flow"
	"github.com/impulso-labs/impulso/internal/models"
)

type queryRequest struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Question       string `json:"question"`
	Source         string `json:"source,omitempty"`
}

type queryResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

type documentRequest struct {
	TenantID string `json:"tenant_id"`
	Text     string `json:"text"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.queryHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// The conversation id is minted here when the caller starts a new
	// conversation, so the client can thread follow-up turns.
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	answer, err := s.orchestrator.HandleTurn(r.Context(), flow.TurnRequest{
		TenantID:       req.TenantID,
		ConversationID: conversationID,
		Question:       req.Question,
		Source:         req.Source,
	})
	if err != nil {
		if errors.Is(err, models.ErrEmptyQuestion) || errors.Is(err, models.ErrEmptyTenantID) {
			slog.Warn("Server.queryHandler: invalid request", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.queryHandler: turn failed", "tenant", req.TenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process query"))
		return
	}

	slog.Info("Server.queryHandler: turn completed", "tenant", req.TenantID, "conversation", conversationID)
	writeJSONResponse(w, http.StatusOK, models.Success(queryResponse{
		Answer:         answer,
		ConversationID: conversationID,
	}))
}

func (s *Server) addDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if s.documents == nil {
		slog.Warn("Server.addDocumentHandler: no document store configured")
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Document ingestion is not configured"))
		return
	}
	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.addDocumentHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.TenantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyTenantID.Error()))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("document text cannot be empty"))
		return
	}

	id, err := s.documents.AddDocument(r.Context(), req.Text, req.TenantID)
	if err != nil {
		slog.Error("Server.addDocumentHandler: ingestion failed", "tenant", req.TenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store document"))
		return
	}

	slog.Info("Server.addDocumentHandler: document stored", "tenant", req.TenantID, "id", id)
	writeJSONResponse(w, http.StatusCreated, models.Recorded(map[string]string{"id": id}))
}

func (s *Server) usageHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if tenantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyTenantID.Error()))
		return
	}

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("days must be a positive integer"))
			return
		}
		days = parsed
	}

	stats, err := s.usage.TenantUsageStats(r.Context(), tenantID, days)
	if err != nil {
		slog.Error("Server.usageHandler: stats query failed", "tenant", tenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read usage"))
		return
	}
	bySource, err := s.usage.UsageBySource(r.Context(), tenantID, days)
	if err != nil {
		slog.Error("Server.usageHandler: by-source query failed", "tenant", tenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read usage"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"stats":     stats,
		"by_source": bySource,
	}))
}
