package metadata

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

type DocumentRepo struct {
	db *sql.DB
}

func NewDocumentRepo(db *sql.DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func (r *DocumentRepo) Upsert(ctx context.Context, doc *Document) error {
	query := `INSERT INTO documents (doc_id, user_id, group_id, filename, mime_type, size_bytes, storage_bucket, storage_path, source, external_id, status)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (doc_id) DO UPDATE SET
			filename = EXCLUDED.filename,
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			storage_path = EXCLUDED.storage_path,
			status = EXCLUDED.status,
			updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.UserID, doc.GroupID, doc.Filename, doc.MimeType, doc.SizeBytes,
		doc.StorageBucket, doc.StoragePath, doc.Source, doc.ExternalID, doc.Status)
	return err
}

func (r *DocumentRepo) Get(ctx context.Context, userID, docID string) (*Document, error) {
	d := &Document{}
	var groupID, externalID sql.NullString
	query := `SELECT doc_id, user_id, group_id, filename, mime_type, size_bytes, storage_bucket, storage_path, source, external_id, status, updated_at
		FROM documents WHERE doc_id = $1 AND user_id = $2`
	err := r.db.QueryRowContext(ctx, query, docID, userID).Scan(
		&d.ID, &d.UserID, &groupID, &d.Filename, &d.MimeType, &d.SizeBytes,
		&d.StorageBucket, &d.StoragePath, &d.Source, &externalID, &d.Status, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.GroupID = groupID.String
	d.ExternalID = externalID.String
	return d, nil
}

func (r *DocumentRepo) Exists(ctx context.Context, userID, docID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM documents WHERE doc_id = $1 AND user_id = $2)`
	err := r.db.QueryRowContext(ctx, query, docID, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *DocumentRepo) UpdateStatus(ctx context.Context, userID, docID, status string) error {
	query := `UPDATE documents SET status = $1, updated_at = NOW() WHERE doc_id = $2 AND user_id = $3`
	_, err := r.db.ExecContext(ctx, query, status, docID, userID)
	return err
}

// Delete removes the document row. Chunks and registry entries go with
// it via ON DELETE CASCADE; synced_files references are set to NULL so
// the reconciler can tell "deleted out-of-band" from "never synced".
func (r *DocumentRepo) Delete(ctx context.Context, userID, docID string) error {
	query := `DELETE FROM documents WHERE doc_id = $1 AND user_id = $2`
	_, err := r.db.ExecContext(ctx, query, docID, userID)
	return err
}

// SumSizeBytes returns the user's total ingested bytes, for quota
// enforcement before a download is started.
func (r *DocumentRepo) SumSizeBytes(ctx context.Context, userID string) (int64, error) {
	var total sql.NullInt64
	query := `SELECT SUM(size_bytes) FROM documents WHERE user_id = $1`
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (r *DocumentRepo) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (chunk_id, doc_id, chunk_index, modality, storage_path, bucket, mime_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (doc_id, chunk_index) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocID, c.ChunkIndex, c.Modality, c.StoragePath, c.Bucket, c.MimeType, c.SizeBytes); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	return tx.Commit()
}

func (r *DocumentRepo) ListChunksByDoc(ctx context.Context, docID string) ([]Chunk, error) {
	query := `SELECT chunk_id, doc_id, chunk_index, modality, storage_path, bucket, mime_type, size_bytes, formatting_status, tag_status
		FROM chunks WHERE doc_id = $1 ORDER BY chunk_index`
	rows, err := r.db.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocID, &c.ChunkIndex, &c.Modality, &c.StoragePath, &c.Bucket, &c.MimeType, &c.SizeBytes, &c.FormattingStatus, &c.TagStatus); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *DocumentRepo) DeleteChunksByDoc(ctx context.Context, docID string) error {
	query := `DELETE FROM chunks WHERE doc_id = $1`
	_, err := r.db.ExecContext(ctx, query, docID)
	return err
}

func (r *DocumentRepo) UpdateChunkFormattingStatus(ctx context.Context, chunkID, status string) error {
	query := `UPDATE chunks SET formatting_status = $1 WHERE chunk_id = $2`
	_, err := r.db.ExecContext(ctx, query, status, chunkID)
	return err
}

func (r *DocumentRepo) UpdateChunkTagStatus(ctx context.Context, chunkID, status string) error {
	query := `UPDATE chunks SET tag_status = $1 WHERE chunk_id = $2`
	_, err := r.db.ExecContext(ctx, query, status, chunkID)
	return err
}

func (r *DocumentRepo) SetChunkTags(ctx context.Context, chunkID string, tags []string) error {
	query := `UPDATE chunks SET tags = $1, tag_status = $2 WHERE chunk_id = $3`
	_, err := r.db.ExecContext(ctx, query, pq.Array(tags), ChunkStatusComplete, chunkID)
	return err
}

// InsertRegistryEntries records vector ids after the index upsert has
// succeeded. Never called speculatively: a registry row without its
// vector is indistinguishable from true orphaning on the index side.
func (r *DocumentRepo) InsertRegistryEntries(ctx context.Context, entries []VectorRegistryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO vector_registry (vector_id, chunk_id, embedding_model, embedding_version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vector_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.VectorID, e.ChunkID, e.EmbeddingModel, e.EmbeddingVersion); err != nil {
			return fmt.Errorf("insert registry entry %s: %w", e.VectorID, err)
		}
	}

	return tx.Commit()
}

func (r *DocumentRepo) RegistryEntryExists(ctx context.Context, vectorID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM vector_registry WHERE vector_id = $1)`
	err := r.db.QueryRowContext(ctx, query, vectorID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ListDocIDs pages through every live document id. afterID is the last
// id of the previous page, empty for the first.
func (r *DocumentRepo) ListDocIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	query := `SELECT doc_id FROM documents WHERE doc_id > $1 ORDER BY doc_id LIMIT $2`
	return r.listIDs(ctx, query, afterID, limit)
}

func (r *DocumentRepo) ListChunkIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	query := `SELECT chunk_id FROM chunks WHERE chunk_id > $1 ORDER BY chunk_id LIMIT $2`
	return r.listIDs(ctx, query, afterID, limit)
}

// ListVideoDocIDs returns ids of documents that own video-derived
// chunks. Video index partitions join on doc_id alone.
func (r *DocumentRepo) ListVideoDocIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	query := `SELECT DISTINCT doc_id FROM chunks WHERE modality IN ('video_frame', 'video_transcript') AND doc_id > $1 ORDER BY doc_id LIMIT $2`
	return r.listIDs(ctx, query, afterID, limit)
}

func (r *DocumentRepo) listIDs(ctx context.Context, query, afterID string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
