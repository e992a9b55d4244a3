package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"shelfd/backend/internal/adapter/gemini"
	"shelfd/backend/internal/config"
	"shelfd/backend/internal/middleware"
	"shelfd/backend/internal/store/metadata"
	"shelfd/backend/internal/store/vector"
)

// chunkNamespace seeds deterministic chunk ids so a retried ingestion
// maps onto the same rows and vector ids as the first attempt.
var chunkNamespace = uuid.MustParse("4b825dc6-42fb-4d29-b6ce-1e0ee8b8a94e")

const (
	maxAttempts   = 3
	retryBaseWait = 500 * time.Millisecond
)

func ChunkID(docID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d", docID, index))).String()
}

type BlobStore interface {
	Put(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
	Remove(ctx context.Context, bucket string, paths []string) error
}

type MetadataStore interface {
	Upsert(ctx context.Context, doc *metadata.Document) error
	Get(ctx context.Context, userID, docID string) (*metadata.Document, error)
	UpdateStatus(ctx context.Context, userID, docID, status string) error
	Delete(ctx context.Context, userID, docID string) error
	InsertChunks(ctx context.Context, chunks []metadata.Chunk) error
	DeleteChunksByDoc(ctx context.Context, docID string) error
	InsertRegistryEntries(ctx context.Context, entries []metadata.VectorRegistryEntry) error
}

type VectorIndex interface {
	Upsert(ctx context.Context, partition vector.Partition, namespace string, records []vector.Record) error
	DeleteByDoc(ctx context.Context, partition vector.Partition, namespace, docID string) error
}

type Embedder interface {
	Embed(ctx context.Context, kind string, payload []byte) ([]float32, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// ChunkInput is one pre-extracted unit of content heading into the
// saga. KnownVector skips the embedding gateway; folder sync uses it to
// reuse embeddings it already holds.
type ChunkInput struct {
	Index       int
	Modality    metadata.Modality
	MimeType    string
	Payload     []byte
	StoragePath string
	KnownVector []float32
}

type Request struct {
	DocID      string
	UserID     string
	GroupID    string
	Filename   string
	MimeType   string
	Source     string
	ExternalID string
	Content    []byte
	Chunks     []ChunkInput
}

type ChunkFailure struct {
	ChunkIndex int               `json:"chunk_index"`
	Modality   metadata.Modality `json:"modality"`
	Error      string            `json:"error"`
}

type Result struct {
	State        State
	VectorCount  int
	ChunksFailed []ChunkFailure
}

// Coordinator drives one document's write path across blob storage, the
// metadata store and the vector index as a forward-only saga: each
// step's success is the precondition advertised to the next, and
// failures compensate instead of rolling back atomically.
type Coordinator struct {
	blobs    BlobStore
	meta     MetadataStore
	index    VectorIndex
	embedder Embedder
	pub      EventPublisher

	bucket           string
	embeddingModel   string
	embeddingVersion string
	retryWait        time.Duration
}

func NewCoordinator(blobs BlobStore, meta MetadataStore, index VectorIndex, embedder Embedder, pub EventPublisher, bucket, embeddingModel, embeddingVersion string) *Coordinator {
	return &Coordinator{
		blobs:            blobs,
		meta:             meta,
		index:            index,
		embedder:         embedder,
		pub:              pub,
		bucket:           bucket,
		embeddingModel:   embeddingModel,
		embeddingVersion: embeddingVersion,
		retryWait:        retryBaseWait,
	}
}

// Ingest runs the saga. Storage and metadata failures are fatal to the
// whole document; per-chunk embedding and vector failures are isolated
// to their chunk and reported in the result, never silently dropped.
func (c *Coordinator) Ingest(ctx context.Context, req *Request) (*Result, error) {
	res := &Result{State: StateNone}

	// Step 1: blob first. If this fails nothing has been written.
	path := fmt.Sprintf("%s/%s/%s", req.UserID, req.DocID, req.Filename)
	storagePath, err := c.putBlobWithRetry(ctx, path, req)
	if err != nil {
		return res, fmt.Errorf("store blob: %w", err)
	}
	res.State = StateBlobStored

	// Step 2: document row, status pending.
	doc := &metadata.Document{
		ID:            req.DocID,
		UserID:        req.UserID,
		GroupID:       req.GroupID,
		Filename:      req.Filename,
		MimeType:      req.MimeType,
		SizeBytes:     int64(len(req.Content)),
		StorageBucket: c.bucket,
		StoragePath:   storagePath,
		Source:        req.Source,
		ExternalID:    req.ExternalID,
		Status:        metadata.DocStatusPending,
	}
	if err := c.meta.Upsert(ctx, doc); err != nil {
		// The blob object is now unreferenced garbage. Reclaimable
		// out-of-band; it cannot affect query results.
		slog.WarnContext(ctx, "document insert failed, blob object unreferenced", "doc_id", req.DocID, "path", storagePath)
		return res, fmt.Errorf("insert document: %w", err)
	}
	res.State = StateCreated

	// Step 3: chunk rows in one batch.
	chunks := make([]metadata.Chunk, 0, len(req.Chunks))
	for _, in := range req.Chunks {
		chunks = append(chunks, metadata.Chunk{
			ID:          ChunkID(req.DocID, in.Index),
			DocID:       req.DocID,
			ChunkIndex:  in.Index,
			Modality:    in.Modality,
			StoragePath: in.StoragePath,
			Bucket:      c.bucket,
			MimeType:    in.MimeType,
			SizeBytes:   int64(len(in.Payload)),
		})
	}
	if err := c.meta.InsertChunks(ctx, chunks); err != nil {
		// No vectors exist yet, so the only compensation is the single
		// cascading delete keyed by doc_id.
		if derr := c.meta.DeleteChunksByDoc(ctx, req.DocID); derr != nil {
			slog.ErrorContext(ctx, "chunk cleanup after failed insert also failed", "doc_id", req.DocID, "error", derr)
		}
		return res, fmt.Errorf("insert chunks: %w", err)
	}
	res.State = StateChunksInserted

	// Steps 4-5: embed and upsert, partitioned by modality. One
	// modality failing must not roll back another.
	byPartition := make(map[vector.Partition][]vector.Record)
	for _, in := range req.Chunks {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		vec := in.KnownVector
		if vec == nil {
			vec, err = c.embedder.Embed(ctx, embedKind(in.Modality), in.Payload)
			if err != nil {
				slog.ErrorContext(ctx, "embedding failed, chunk isolated", "doc_id", req.DocID, "chunk_index", in.Index, "modality", in.Modality, "error", err)
				res.ChunksFailed = append(res.ChunksFailed, ChunkFailure{ChunkIndex: in.Index, Modality: in.Modality, Error: err.Error()})
				continue
			}
		}

		chunkID := ChunkID(req.DocID, in.Index)
		partition := vector.PartitionFor(in.Modality)
		rec := vector.Record{
			VectorID: metadata.VectorID(chunkID, c.embeddingVersion),
			DocID:    req.DocID,
			Vector:   vec,
		}
		if !partition.DocOnly() {
			rec.ChunkID = chunkID
		}
		byPartition[partition] = append(byPartition[partition], rec)
	}

	indexByVectorID := make(map[string]int)
	for _, in := range req.Chunks {
		indexByVectorID[metadata.VectorID(ChunkID(req.DocID, in.Index), c.embeddingVersion)] = in.Index
	}

	registryComplete := true
	for partition, records := range byPartition {
		if err := c.upsertWithRetry(ctx, partition, req.UserID, records); err != nil {
			slog.ErrorContext(ctx, "vector upsert failed, partition isolated", "doc_id", req.DocID, "partition", partition, "count", len(records), "error", err)
			for _, rec := range records {
				res.ChunksFailed = append(res.ChunksFailed, ChunkFailure{
					ChunkIndex: indexByVectorID[rec.VectorID],
					Modality:   modalityFor(partition),
					Error:      err.Error(),
				})
			}
			registryComplete = false
			continue
		}
		if res.State < StateVectorsUpserted {
			res.State = StateVectorsUpserted
		}

		// Registry rows only after the index call returned success. A
		// speculative row would be indistinguishable from true
		// orphaning on the index side.
		entries := make([]metadata.VectorRegistryEntry, 0, len(records))
		for _, rec := range records {
			entries = append(entries, metadata.VectorRegistryEntry{
				VectorID:         rec.VectorID,
				ChunkID:          ChunkID(req.DocID, indexByVectorID[rec.VectorID]),
				EmbeddingModel:   c.embeddingModel,
				EmbeddingVersion: c.embeddingVersion,
			})
		}
		if err := c.meta.InsertRegistryEntries(ctx, entries); err != nil {
			slog.ErrorContext(ctx, "registry insert failed after upsert, retry will converge", "doc_id", req.DocID, "partition", partition, "error", err)
			for _, rec := range records {
				res.ChunksFailed = append(res.ChunksFailed, ChunkFailure{
					ChunkIndex: indexByVectorID[rec.VectorID],
					Modality:   modalityFor(partition),
					Error:      err.Error(),
				})
			}
			registryComplete = false
			continue
		}
		res.VectorCount += len(records)
	}
	if res.VectorCount > 0 && registryComplete {
		res.State = StateRegistryComplete
	}

	// Step 6 compensation rule: failed chunks keep their rows. They are
	// legitimate retry targets; re-running the embed and upsert steps
	// converges because vector ids are deterministic.

	// Step 7: status and best-effort downstream work.
	status := statusFor(len(req.Chunks), len(res.ChunksFailed))
	if err := c.meta.UpdateStatus(ctx, req.UserID, req.DocID, status); err != nil {
		return res, fmt.Errorf("update document status: %w", err)
	}
	c.publishEnrich(ctx, req)

	return res, nil
}

// Delete tears a document down in reverse-derivation order: the
// source-of-truth row first, so that a crash mid-delete leaves only
// index orphans that the sweep reclaims and blob garbage that is
// reclaimable out-of-band.
func (c *Coordinator) Delete(ctx context.Context, userID, docID string) error {
	doc, err := c.meta.Get(ctx, userID, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	paths := []string{doc.StoragePath}

	if err := c.meta.Delete(ctx, userID, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	for _, partition := range vector.Partitions {
		if err := c.index.DeleteByDoc(ctx, partition, userID, docID); err != nil {
			// Now orphans; the next sweep reclaims them.
			slog.WarnContext(ctx, "vector delete failed, sweep will reclaim", "doc_id", docID, "partition", partition, "error", err)
		}
	}

	if err := c.blobs.Remove(ctx, doc.StorageBucket, paths); err != nil {
		slog.WarnContext(ctx, "blob delete failed, object unreferenced", "doc_id", docID, "error", err)
	}

	return nil
}

func (c *Coordinator) putBlobWithRetry(ctx context.Context, path string, req *Request) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		storagePath, err := c.blobs.Put(ctx, c.bucket, path, req.Content, req.MimeType)
		if err == nil {
			return storagePath, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt < maxAttempts {
			time.Sleep(c.retryWait * time.Duration(attempt))
		}
	}
	return "", lastErr
}

func (c *Coordinator) upsertWithRetry(ctx context.Context, partition vector.Partition, namespace string, records []vector.Record) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.index.Upsert(ctx, partition, namespace, records); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < maxAttempts {
			time.Sleep(c.retryWait * time.Duration(attempt))
		}
	}
	return lastErr
}

func (c *Coordinator) publishEnrich(ctx context.Context, req *Request) {
	payload, _ := json.Marshal(map[string]interface{}{
		"doc_id":         req.DocID,
		"user_id":        req.UserID,
		"correlation_id": middleware.GetCorrelationID(ctx),
	})
	if err := c.pub.Publish(config.TopicEnrich, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish enrich event", "doc_id", req.DocID, "error", err)
	} else {
		slog.InfoContext(ctx, "published enrich event", "doc_id", req.DocID)
	}
}

func embedKind(m metadata.Modality) string {
	switch m {
	case metadata.ModalityImage, metadata.ModalityVideoFrame:
		return gemini.KindImage
	default:
		return gemini.KindText
	}
}

func modalityFor(p vector.Partition) metadata.Modality {
	switch p {
	case vector.PartitionImage:
		return metadata.ModalityImage
	case vector.PartitionVideoFrame:
		return metadata.ModalityVideoFrame
	case vector.PartitionVideoTranscript:
		return metadata.ModalityVideoTranscript
	default:
		return metadata.ModalityText
	}
}

func statusFor(total, failed int) string {
	switch {
	case total == 0 || failed == 0:
		return metadata.DocStatusComplete
	case failed < total:
		return metadata.DocStatusPartial
	default:
		// Nothing made it into the index; the document stays a retry
		// target rather than being marked failed.
		return metadata.DocStatusPending
	}
}
