package vector

import "shelfd/backend/internal/store/metadata"

// Partition is one modality-specific Weaviate class. Namespacing inside
// a partition is by the userId property, so tenant filters apply to
// every call.
type Partition string

const (
	PartitionText            Partition = "TextChunk"
	PartitionImage           Partition = "ImageChunk"
	PartitionVideoFrame      Partition = "VideoFrame"
	PartitionVideoTranscript Partition = "VideoTranscript"
)

var Partitions = []Partition{PartitionText, PartitionImage, PartitionVideoFrame, PartitionVideoTranscript}

func PartitionFor(m metadata.Modality) Partition {
	switch m {
	case metadata.ModalityText:
		return PartitionText
	case metadata.ModalityImage:
		return PartitionImage
	case metadata.ModalityVideoFrame:
		return PartitionVideoFrame
	case metadata.ModalityVideoTranscript:
		return PartitionVideoTranscript
	}
	return PartitionText
}

// DocOnly reports whether this partition joins against the metadata
// store on doc_id alone. Video-derived vectors carry no chunk-level
// granularity.
func (p Partition) DocOnly() bool {
	return p == PartitionVideoFrame || p == PartitionVideoTranscript
}

// Record is one vector heading into the index.
type Record struct {
	VectorID string
	DocID    string
	ChunkID  string // empty on doc-only partitions
	Vector   []float32
}

// StoredRecord is the join-key view of a vector already in the index,
// as read back by the orphan sweep.
type StoredRecord struct {
	ObjectID  string // Weaviate object uuid
	VectorID  string
	DocID     string
	ChunkID   string
	Namespace string // owning userId, read back as a field
}

// Match is a nearest-neighbor query hit.
type Match struct {
	VectorID string
	DocID    string
	ChunkID  string
	Score    float32
}
