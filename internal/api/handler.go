package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"shelfd/backend/internal/fault"
	"shelfd/backend/internal/foldersync"
	"shelfd/backend/internal/ingest"
	"shelfd/backend/internal/middleware"
	"shelfd/backend/internal/store/metadata"
	"shelfd/backend/internal/store/vector"
	"shelfd/backend/internal/sweep"
)

const maxUploadBytes = 100 << 20

type Ingestor interface {
	Ingest(ctx context.Context, req *ingest.Request) (*ingest.Result, error)
	Delete(ctx context.Context, userID, docID string) error
}

type Reconciler interface {
	Run(ctx context.Context, syncConfigID string) (*foldersync.Result, error)
	RunIncremental(ctx context.Context, syncConfigID string) (*foldersync.Result, error)
}

type OrphanSweeper interface {
	Sweep(ctx context.Context, partition vector.Partition, dryRun bool) (sweep.PartitionReport, error)
	SweepAll(ctx context.Context, dryRun bool) (sweep.Report, error)
}

type URLSigner interface {
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
}

type Handler struct {
	ingestor   Ingestor
	reconciler Reconciler
	sweeper    OrphanSweeper
	signer     URLSigner
	docs       DocLoader
}

// DocLoader resolves the blob location of a document for signed URLs.
type DocLoader interface {
	Load(ctx context.Context, userID, docID string) (bucket, path string, err error)
}

func NewHandler(ingestor Ingestor, reconciler Reconciler, sweeper OrphanSweeper, signer URLSigner, docs DocLoader) *Handler {
	return &Handler{
		ingestor:   ingestor,
		reconciler: reconciler,
		sweeper:    sweeper,
		signer:     signer,
		docs:       docs,
	}
}

// Upload ingests one file for the calling user. Multipart form with a
// "file" field; the user comes from the X-User-ID header until a real
// auth layer fronts this service.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "file too large", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(content)
	}

	req := &ingest.Request{
		DocID:    uploadDocID(userID, header.Filename, content),
		UserID:   userID,
		GroupID:  r.FormValue("group_id"),
		Filename: header.Filename,
		MimeType: mimeType,
		Source:   metadata.SourceUpload,
		Content:  content,
		Chunks:   ingest.BuildChunks(mimeType, content),
	}

	res, err := h.ingestor.Ingest(r.Context(), req)
	if err != nil {
		slog.ErrorContext(r.Context(), "ingestion failed", "doc_id", req.DocID, "state", res.State, "error", err)
		h.writeFault(r.Context(), w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data": map[string]interface{}{
			"doc_id":        req.DocID,
			"vector_count":  res.VectorCount,
			"chunks_failed": res.ChunksFailed,
		},
	})
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	docID := r.PathValue("id")
	if userID == "" || docID == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "user and document id are required", http.StatusBadRequest)
		return
	}

	if err := h.ingestor.Delete(r.Context(), userID, docID); err != nil {
		h.writeFault(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DocumentURL(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	docID := r.PathValue("id")
	if userID == "" || docID == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "user and document id are required", http.StatusBadRequest)
		return
	}

	bucket, path, err := h.docs.Load(r.Context(), userID, docID)
	if err != nil {
		h.writeError(r.Context(), w, "NOT_FOUND", "document not found", http.StatusNotFound)
		return
	}

	url, err := h.signer.SignedURL(r.Context(), bucket, path, 15*time.Minute)
	if err != nil {
		h.writeFault(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]string{"url": url}})
}

func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	syncConfigID := r.PathValue("id")
	if syncConfigID == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "sync config id is required", http.StatusBadRequest)
		return
	}

	run := h.reconciler.Run
	if r.URL.Query().Get("mode") == "incremental" {
		run = h.reconciler.RunIncremental
	}

	res, err := run(r.Context(), syncConfigID)
	if err != nil {
		if fault.IsKind(err, fault.KindValidation) {
			// Another run holds the lock.
			h.writeError(r.Context(), w, "CONFLICT", err.Error(), http.StatusConflict)
			return
		}
		h.writeFault(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"data": res})
}

func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"

	if name := r.URL.Query().Get("partition"); name != "" {
		partition := vector.Partition(name)
		if !validPartition(partition) {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "unknown partition "+name, http.StatusBadRequest)
			return
		}
		report, err := h.sweeper.Sweep(r.Context(), partition, dryRun)
		if err != nil {
			h.writeFault(r.Context(), w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"data": sweep.Report{partition: report}})
		return
	}

	report, err := h.sweeper.SweepAll(r.Context(), dryRun)
	if err != nil {
		h.writeFault(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"data": report})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// uploadDocNamespace seeds deterministic upload doc ids so retrying
// the same upload converges on one document instead of duplicating.
var uploadDocNamespace = uuid.MustParse("c1f6a3e0-7b92-4dd7-9f05-6a8e2d4b1c37")

func uploadDocID(userID, filename string, content []byte) string {
	sum := sha256.Sum256(content)
	return uuid.NewSHA1(uploadDocNamespace, []byte(fmt.Sprintf("%s:%s:%x", userID, filename, sum))).String()
}

func validPartition(p vector.Partition) bool {
	for _, known := range vector.Partitions {
		if p == known {
			return true
		}
	}
	return false
}

// writeFault maps the error taxonomy onto status codes.
func (h *Handler) writeFault(ctx context.Context, w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		slog.ErrorContext(ctx, "operation failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	switch fe.Kind {
	case fault.KindValidation:
		h.writeError(ctx, w, "VALIDATION_ERROR", fe.Error(), http.StatusBadRequest)
	case fault.KindAuth:
		h.writeError(ctx, w, "AUTH_ERROR", fe.Error(), http.StatusUnauthorized)
	case fault.KindQuota:
		h.writeError(ctx, w, "QUOTA_EXCEEDED", fe.Error(), http.StatusTooManyRequests)
	default:
		slog.ErrorContext(ctx, "operation failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
