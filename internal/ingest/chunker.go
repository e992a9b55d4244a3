package ingest

import (
	"strings"

	"shelfd/backend/internal/store/metadata"
)

const maxChunkBytes = 4000

// BuildChunks splits raw content into coordinator inputs. Images become
// a single image chunk; text content is windowed on paragraph
// boundaries where possible.
func BuildChunks(mimeType string, data []byte) []ChunkInput {
	if strings.HasPrefix(mimeType, "image/") {
		return []ChunkInput{{Index: 0, Modality: metadata.ModalityImage, MimeType: mimeType, Payload: data}}
	}

	var chunks []ChunkInput
	text := string(data)
	index := 0
	for len(text) > 0 {
		size := len(text)
		if size > maxChunkBytes {
			size = maxChunkBytes
			if cut := strings.LastIndex(text[:size], "\n\n"); cut > maxChunkBytes/2 {
				size = cut
			}
		}
		piece := strings.TrimSpace(text[:size])
		text = text[size:]
		if piece == "" {
			continue
		}
		chunks = append(chunks, ChunkInput{
			Index:    index,
			Modality: metadata.ModalityText,
			MimeType: mimeType,
			Payload:  []byte(piece),
		})
		index++
	}
	return chunks
}
