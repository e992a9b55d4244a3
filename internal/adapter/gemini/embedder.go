package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Embed kinds. clip_text goes through the same text path but is kept
// distinct so callers can route cross-modal queries differently later.
const (
	KindText     = "text"
	KindImage    = "image"
	KindClipText = "clip_text"
)

type Embedder struct {
	client *genai.Client
	model  string
}

func NewEmbedder(ctx context.Context, apiKey string) (*Embedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: "gemini-embedding-001"}, nil
}

func (e *Embedder) Embed(ctx context.Context, kind string, payload []byte) ([]float32, error) {
	slog.DebugContext(ctx, "embedding content", "model", e.model, "kind", kind, "length", len(payload))
	em := e.client.EmbeddingModel(e.model)

	var part genai.Part
	switch kind {
	case KindText, KindClipText:
		part = genai.Text(payload)
	case KindImage:
		part = genai.ImageData("png", payload)
	default:
		return nil, fmt.Errorf("unsupported embed kind %q", kind)
	}

	res, err := em.EmbedContent(ctx, part)
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "kind", kind, "error", err)
		return nil, err
	}
	return embeddingValues(res, kind)
}

// A nil vector must never reach the index, so an empty response fails
// the chunk instead of landing as an unqueryable object.
func embeddingValues(res *genai.EmbedContentResponse, kind string) ([]float32, error) {
	if res == nil || res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding for kind %q", kind)
	}
	return res.Embedding.Values, nil
}

func (e *Embedder) Model() string { return e.model }

func (e *Embedder) Close() error { return e.client.Close() }
