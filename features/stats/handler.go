package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"docqa/features/document"
	"docqa/internal/middleware"
)

type DocumentRepo interface {
	CountByStatus(ctx context.Context) (map[document.Status]int, error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type VectorIndex interface {
	Len() int
}

type Handler struct {
	docs  DocumentRepo
	jobs  JobRepo
	index VectorIndex
}

func NewHandler(d DocumentRepo, j JobRepo, v VectorIndex) *Handler {
	return &Handler{docs: d, jobs: j, index: v}
}

type StatsResponse struct {
	Documents  int                     `json:"documents"`
	ByStatus   map[document.Status]int `json:"by_status"`
	Chunks     int                     `json:"chunks"`
	FailedJobs int                     `json:"failed_jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	byStatus, err := h.docs.CountByStatus(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count documents", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count documents", http.StatusInternalServerError)
		return
	}

	jCount, err := h.jobs.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		ByStatus:   make(map[document.Status]int, 4),
		Chunks:     h.index.Len(),
		FailedJobs: jCount,
	}
	for _, s := range []document.Status{document.StatusPending, document.StatusExtracting, document.StatusIndexed, document.StatusFailed} {
		resp.ByStatus[s] = byStatus[s]
		resp.Documents += byStatus[s]
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
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
		slog.Error("failed to encode error response", "error", err)
	}
}
