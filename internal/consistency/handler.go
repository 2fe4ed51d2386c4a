package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"docqa/internal/middleware"
)

type Handler struct {
	checker *Checker
}

func NewHandler(c *Checker) *Handler {
	return &Handler{checker: c}
}

// Check reports drift; with ?repair=true it also repairs what it found.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rep, err := h.checker.Check(ctx)
	if err != nil && !errors.Is(err, ErrIndexInconsistency) {
		slog.ErrorContext(ctx, "consistency check failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"consistent": rep.Consistent(),
		"report":     rep,
	}
	if r.URL.Query().Get("repair") == "true" && !rep.Consistent() {
		res, rerr := h.checker.Repair(ctx, rep)
		if rerr != nil {
			slog.ErrorContext(ctx, "consistency repair failed", "error", rerr)
			h.writeError(ctx, w, "INTERNAL_ERROR", rerr.Error(), http.StatusInternalServerError)
			return
		}
		data["repair"] = res
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
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
