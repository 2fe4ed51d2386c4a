package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"docqa/internal/answer"
	"docqa/internal/embed"
	"docqa/internal/index"
	"docqa/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var q Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "Invalid JSON body", http.StatusBadRequest)
		return
	}

	ans, err := h.service.Ask(ctx, q)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidQuery):
			h.writeError(ctx, w, "BAD_REQUEST", err.Error(), http.StatusBadRequest)
		case errors.Is(err, embed.ErrDimensionMismatch), errors.Is(err, index.ErrDimensionMismatch):
			slog.ErrorContext(ctx, "cannot answer, embedding misconfigured", "error", err)
			h.writeError(ctx, w, "CONFIGURATION_ERROR", "Cannot answer: the embedding model does not match the index", http.StatusServiceUnavailable)
		case errors.Is(err, embed.ErrEmbeddingUnavailable):
			slog.ErrorContext(ctx, "cannot answer, embedding unavailable", "error", err)
			h.writeError(ctx, w, "EMBEDDING_UNAVAILABLE", "Cannot answer right now: the embedding service is unavailable", http.StatusServiceUnavailable)
		case errors.Is(err, answer.ErrGenerationUnavailable):
			slog.ErrorContext(ctx, "cannot answer, generation unavailable", "error", err)
			h.writeError(ctx, w, "GENERATION_UNAVAILABLE", "Cannot answer right now: the generation service is unavailable", http.StatusServiceUnavailable)
		case errors.Is(err, context.DeadlineExceeded):
			h.writeError(ctx, w, "TIMEOUT", "Cannot answer: the request timed out", http.StatusGatewayTimeout)
		default:
			slog.ErrorContext(ctx, "query failed", "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", "Cannot answer: internal error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": ans}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
