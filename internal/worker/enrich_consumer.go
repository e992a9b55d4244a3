package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"shelfd/backend/internal/middleware"
	"shelfd/backend/internal/store/metadata"
)

const enrichTimeout = 60 * time.Second

// maxTagContent bounds how much document text the tagging prompt sees.
const maxTagContent = 8 << 10

// EnrichPayload rides the enrich topic. Published fire-and-forget by the
// ingestion path; a lost message means untagged chunks, never a failed
// ingestion.
type EnrichPayload struct {
	DocID         string `json:"doc_id"`
	UserID        string `json:"user_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type ChunkStore interface {
	Get(ctx context.Context, userID, docID string) (*metadata.Document, error)
	ListChunksByDoc(ctx context.Context, docID string) ([]metadata.Chunk, error)
	SetChunkTags(ctx context.Context, chunkID string, tags []string) error
	UpdateChunkFormattingStatus(ctx context.Context, chunkID, status string) error
	UpdateChunkTagStatus(ctx context.Context, chunkID, status string) error
}

type ContentStore interface {
	Get(ctx context.Context, bucket, path string) ([]byte, error)
}

type Tagger interface {
	Tags(ctx context.Context, content string) ([]string, error)
}

// EnrichConsumer runs the tagging and formatting pass over a document's
// chunks after ingestion has committed.
type EnrichConsumer struct {
	chunks ChunkStore
	blobs  ContentStore
	tagger Tagger
}

func NewEnrichConsumer(chunks ChunkStore, blobs ContentStore, tagger Tagger) *EnrichConsumer {
	return &EnrichConsumer{
		chunks: chunks,
		blobs:  blobs,
		tagger: tagger,
	}
}

func (h *EnrichConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload EnrichPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison pill: invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if payload.DocID == "" || payload.UserID == "" {
		slog.Error("poison pill: missing doc or user id", "doc_id", payload.DocID)
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}
	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	return h.enrich(ctx, payload.UserID, payload.DocID)
}

func (h *EnrichConsumer) enrich(ctx context.Context, userID, docID string) error {
	doc, err := h.chunks.Get(ctx, userID, docID)
	if err != nil {
		slog.ErrorContext(ctx, "load document failed", "doc_id", docID, "error", err)
		return err // Retry
	}

	chunks, err := h.chunks.ListChunksByDoc(ctx, docID)
	if err != nil {
		slog.ErrorContext(ctx, "list chunks failed", "doc_id", docID, "error", err)
		return err // Retry
	}
	if len(chunks) == 0 {
		return nil
	}

	content, err := h.blobs.Get(ctx, doc.StorageBucket, doc.StoragePath)
	if err != nil {
		slog.ErrorContext(ctx, "load document content failed", "doc_id", docID, "error", err)
		return err // Retry
	}

	tags, err := h.tagger.Tags(ctx, tagContent(doc, content))
	if err != nil {
		slog.ErrorContext(ctx, "tagging failed", "doc_id", docID, "error", err)
		for _, c := range chunks {
			if uerr := h.chunks.UpdateChunkTagStatus(ctx, c.ID, metadata.ChunkStatusFailed); uerr != nil {
				slog.ErrorContext(ctx, "tag status update failed", "chunk_id", c.ID, "error", uerr)
			}
		}
		return err // Retry
	}

	for _, c := range chunks {
		if err := h.chunks.SetChunkTags(ctx, c.ID, tags); err != nil {
			slog.ErrorContext(ctx, "store tags failed", "chunk_id", c.ID, "error", err)
			return err // Retry
		}
		if err := h.chunks.UpdateChunkFormattingStatus(ctx, c.ID, metadata.ChunkStatusComplete); err != nil {
			slog.ErrorContext(ctx, "formatting status update failed", "chunk_id", c.ID, "error", err)
			return err // Retry
		}
	}

	slog.InfoContext(ctx, "document enriched", "doc_id", docID, "chunks", len(chunks), "tags", len(tags))
	return nil
}

// tagContent builds the prompt body: filename for context, then the
// leading slice of the document text.
func tagContent(doc *metadata.Document, content []byte) string {
	text := string(content)
	if len(text) > maxTagContent {
		text = text[:maxTagContent]
	}
	var b strings.Builder
	b.WriteString("Filename: ")
	b.WriteString(doc.Filename)
	b.WriteString("\n---\n")
	b.WriteString(text)
	return b.String()
}
