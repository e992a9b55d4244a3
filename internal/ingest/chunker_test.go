package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"shelfd/backend/internal/store/metadata"
)

func TestBuildChunks_TextWindowsOnParagraphs(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		for j := 0; j < 200; j++ {
			b.WriteString("some sentence here. ")
		}
		b.WriteString("\n\n")
	}

	chunks := BuildChunks("text/plain", []byte(b.String()))

	assert.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, metadata.ModalityText, c.Modality)
		assert.LessOrEqual(t, len(c.Payload), maxChunkBytes)
	}
}

func TestBuildChunks_ImageIsSingleChunk(t *testing.T) {
	chunks := BuildChunks("image/png", []byte{0x89, 0x50, 0x4e, 0x47})
	assert.Len(t, chunks, 1)
	assert.Equal(t, metadata.ModalityImage, chunks[0].Modality)
	assert.Equal(t, "image/png", chunks[0].MimeType)
}

func TestBuildChunks_EmptyContent(t *testing.T) {
	assert.Empty(t, BuildChunks("text/plain", nil))
	assert.Empty(t, BuildChunks("text/plain", []byte("   \n\n  ")))
}
