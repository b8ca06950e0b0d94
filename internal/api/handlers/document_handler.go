package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docket-ai/docket/internal/api/middlewares"
	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

// Ingestor is the slice of the orchestrator the ingest endpoint needs.
type Ingestor interface {
	Enqueue(ctx context.Context, documentID string) error
}

type DocumentHandler struct {
	docs     core.DocumentStore
	ingestor Ingestor
	logger   *slog.Logger
}

func NewDocumentHandler(docs core.DocumentStore, ingestor Ingestor, logger *slog.Logger) *DocumentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentHandler{docs: docs, ingestor: ingestor, logger: logger}
}

type ingestRequest struct {
	ID          string `json:"id"`
	StorageURL  string `json:"storage_url"`
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	MatterID    string `json:"matter_id"`
}

type ingestResponse struct {
	ID     string                  `json:"id"`
	Status models.ProcessingStatus `json:"status"`
}

// Ingest registers an uploaded document and queues it for processing.
// Supplying the same document id twice is a no-op, so clients can retry
// safely; the server generates the id when omitted.
func (h *DocumentHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	identity, ok := middlewares.TenantFrom(r.Context())
	if !ok {
		http.Error(w, "tenant identity missing", http.StatusUnauthorized)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.StorageURL == "" || req.Title == "" || req.ContentType == "" {
		http.Error(w, "storage_url, title and content_type are required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	matterID := req.MatterID
	if matterID == "" {
		matterID = identity.MatterID
	}

	doc := &models.Document{
		ID:          req.ID,
		TenantID:    identity.TenantID,
		MatterID:    matterID,
		Title:       req.Title,
		StorageURL:  req.StorageURL,
		ContentType: req.ContentType,
		Status:      models.StatusPending,
	}
	if err := h.docs.CreateDocument(r.Context(), doc); err != nil {
		h.logger.Error("create document", "document_id", doc.ID, "error", err)
		http.Error(w, "failed to register document", http.StatusInternalServerError)
		return
	}

	// A duplicate id leaves the stored row untouched, so re-read it and
	// verify ownership before queueing: another tenant's id must not let
	// the caller re-trigger processing of a document it cannot see.
	stored, err := h.docs.GetDocument(r.Context(), doc.ID)
	if err != nil {
		h.logger.Error("load document", "document_id", doc.ID, "error", err)
		http.Error(w, "failed to register document", http.StatusInternalServerError)
		return
	}
	if stored.TenantID != identity.TenantID {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	if err := h.ingestor.Enqueue(r.Context(), stored.ID); err != nil {
		h.logger.Error("enqueue document", "document_id", stored.ID, "error", err)
		http.Error(w, "failed to queue document", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{ID: stored.ID, Status: stored.Status})
}

type statusResponse struct {
	ID             string                  `json:"id"`
	Status         models.ProcessingStatus `json:"status"`
	PageCount      int                     `json:"page_count"`
	ChunkCount     int                     `json:"chunk_count"`
	FailureReason  string                  `json:"failure_reason,omitempty"`
	FailureMessage string                  `json:"failure_message,omitempty"`
}

// Status reports where a document is in the pipeline. Documents of other
// tenants are indistinguishable from missing ones.
func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	identity, ok := middlewares.TenantFrom(r.Context())
	if !ok {
		http.Error(w, "tenant identity missing", http.StatusUnauthorized)
		return
	}

	doc, err := h.docs.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get document", "error", err)
		http.Error(w, "failed to load document", http.StatusInternalServerError)
		return
	}
	if doc.TenantID != identity.TenantID {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ID:             doc.ID,
		Status:         doc.Status,
		PageCount:      doc.PageCount,
		ChunkCount:     doc.ChunkCount,
		FailureReason:  doc.FailureReason,
		FailureMessage: doc.FailureMessage,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
