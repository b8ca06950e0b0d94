package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docket-ai/docket/internal/chunker"
	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
)

// TextEmbedder is the batching embedding client the embed stage calls.
type TextEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Runner executes one claimed task. It performs the stage's work and
// nothing else; advancing or retrying the task is the orchestrator's job.
type Runner struct {
	store     core.Store
	objects   core.ObjectClient
	extractor core.DocumentExtractor
	embedder  TextEmbedder
	chunkCfg  chunker.Config
	logger    *slog.Logger
}

func NewRunner(store core.Store, objects core.ObjectClient, extractor core.DocumentExtractor, embedder TextEmbedder, chunkCfg chunker.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     store,
		objects:   objects,
		extractor: extractor,
		embedder:  embedder,
		chunkCfg:  chunkCfg,
		logger:    logger,
	}
}

// Run moves the document into the stage's running status and executes the
// stage body.
func (r *Runner) Run(ctx context.Context, task *models.ProcessingTask) error {
	doc, err := r.store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.Permanent(core.ReasonInternal, fmt.Errorf("document %s gone: %w", task.DocumentID, err))
		}
		return err
	}
	if err := r.store.UpdateDocumentStatus(ctx, doc.ID, task.Stage.RunningStatus()); err != nil {
		return err
	}

	switch task.Stage {
	case models.StageExtract:
		return r.runExtract(ctx, doc)
	case models.StageChunk:
		return r.runChunk(ctx, doc)
	case models.StageEmbed:
		return r.runEmbed(ctx, doc)
	}
	return core.Permanent(core.ReasonInternal, fmt.Errorf("unknown stage %q", task.Stage))
}

func (r *Runner) runExtract(ctx context.Context, doc *models.Document) error {
	data, err := r.objects.GetFile(ctx, doc.StorageURL)
	if err != nil {
		return fmt.Errorf("fetch object: %w", core.ClassifyProviderError(err))
	}

	ext, err := r.extractor.Extract(ctx, data, doc.ContentType)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	if err := r.store.SaveDocumentText(ctx, &models.DocumentText{
		DocumentID:  doc.ID,
		Text:        ext.Text,
		PageOffsets: ext.PageOffsets,
		Extractor:   ext.Extractor,
	}); err != nil {
		return fmt.Errorf("save extraction: %w", err)
	}
	if err := r.store.SetPageCount(ctx, doc.ID, len(ext.PageOffsets)); err != nil {
		return err
	}
	r.logger.Info("extracted document",
		"document_id", doc.ID, "pages", len(ext.PageOffsets), "runes", len([]rune(ext.Text)))
	return nil
}

func (r *Runner) runChunk(ctx context.Context, doc *models.Document) error {
	text, err := r.store.GetDocumentText(ctx, doc.ID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.Permanent(core.ReasonInternal, fmt.Errorf("cached extraction missing for %s", doc.ID))
		}
		return err
	}

	pieces := chunker.Split(text.Text, text.PageOffsets, r.chunkCfg)
	if len(pieces) == 0 {
		return core.Permanent(core.ReasonEmptyDocument, errors.New("no chunkable content"))
	}

	chunks := make([]models.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = models.Chunk{
			DocumentID:     doc.ID,
			TenantID:       doc.TenantID,
			OrdinalIndex:   i,
			Text:           p.Text,
			TokenCount:     p.TokenCount,
			FirstPage:      p.FirstPage,
			LastPage:       p.LastPage,
			SectionHeading: p.SectionHeading,
		}
	}
	if err := r.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("replace chunks: %w", err)
	}
	r.logger.Info("chunked document", "document_id", doc.ID, "chunks", len(chunks))
	return nil
}

func (r *Runner) runEmbed(ctx context.Context, doc *models.Document) error {
	chunks, err := r.store.GetChunksByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return core.Permanent(core.ReasonEmptyDocument, errors.New("no chunks to embed"))
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := r.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
	}
	if err := r.store.UpdateChunkEmbeddings(ctx, chunks, r.embedder.Model()); err != nil {
		return fmt.Errorf("store embeddings: %w", err)
	}
	r.logger.Info("embedded document",
		"document_id", doc.ID, "chunks", len(chunks), "model", r.embedder.Model())
	return nil
}
