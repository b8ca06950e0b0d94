package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/docket-ai/docket/internal/api/middlewares"
	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

// Searcher is the retrieval entry point the search endpoint calls.
type Searcher interface {
	Search(ctx context.Context, scope core.TenantScope, query string, limit int, threshold float64) (*models.SearchResponse, error)
}

type SearchHandler struct {
	searcher Searcher
	logger   *slog.Logger
}

func NewSearchHandler(searcher Searcher, logger *slog.Logger) *SearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchHandler{searcher: searcher, logger: logger}
}

type searchRequest struct {
	Query     string  `json:"query"`
	Limit     int     `json:"limit"`
	Threshold float64 `json:"threshold"`
	MatterID  string  `json:"matter_id"`
}

// Search runs a hybrid query over the caller's corpus. A degraded answer
// (one retriever down) still returns 200 with the partial flag set.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	identity, ok := middlewares.TenantFrom(r.Context())
	if !ok {
		http.Error(w, "tenant identity missing", http.StatusUnauthorized)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	scope := core.TenantScope{TenantID: identity.TenantID, MatterID: req.MatterID}
	if scope.MatterID == "" {
		scope.MatterID = identity.MatterID
	}

	resp, err := h.searcher.Search(r.Context(), scope, req.Query, req.Limit, req.Threshold)
	if err != nil {
		h.logger.Error("search failed", "tenant_id", identity.TenantID, "error", err)
		http.Error(w, "search unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
