package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
)

const tagPrompt = `Extract up to 5 short topic tags for the following content.
Respond with a JSON array of lowercase strings and nothing else.

Content:
%s`

// Tagger derives topic tags from chunk content with a generative model.
type Tagger struct {
	client *genai.Client
	model  string
}

func NewTagger(client *genai.Client, model string) *Tagger {
	return &Tagger{client: client, model: model}
}

// TaggerFromEmbedder reuses the embedder's client so one API connection
// serves both concerns.
func TaggerFromEmbedder(e *Embedder, model string) *Tagger {
	return &Tagger{client: e.client, model: model}
}

func (t *Tagger) Tags(ctx context.Context, content string) ([]string, error) {
	model := t.client.GenerativeModel(t.model)
	res, err := model.GenerateContent(ctx, genai.Text(fmt.Sprintf(tagPrompt, content)))
	if err != nil {
		return nil, err
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return nil, nil
	}

	var raw strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			raw.WriteString(string(txt))
		}
	}
	return parseTags(raw.String())
}

// parseTags tolerates models that wrap the JSON in a code fence.
func parseTags(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("parse tag response: %w", err)
	}
	return tags, nil
}
