package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditHandler serves the engine event trail.
type AuditHandler struct {
	store  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(store domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{store: store, logger: logger}
}

// ListAudit returns the newest events.
// GET /api/audit?strategy=trend_btc&limit=50
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultAuditLimit)
	if limit == 0 || limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	strategy := r.URL.Query().Get("strategy")

	entries, err := h.store.List(r.Context(), strategy, limit)
	if err != nil {
		h.logger.Error("handler: list audit", slog.String("strategy", strategy), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "audit log unavailable")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
