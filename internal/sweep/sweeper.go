package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"shelfd/backend/internal/store/vector"
)

const idPageSize = 1000

// MetadataSource supplies the valid id sets the sweep joins against.
type MetadataSource interface {
	ListDocIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	ListVideoDocIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	ListChunkIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// VectorSource is the index surface the sweep reads and prunes. The
// cursor scan covers a whole partition; each record carries its owning
// namespace, and deletes stay namespace-scoped.
type VectorSource interface {
	ListRecords(ctx context.Context, partition vector.Partition, afterObjectID string, limit int) ([]vector.StoredRecord, error)
	DeleteByIDs(ctx context.Context, partition vector.Partition, namespace string, vectorIDs []string) (int64, error)
}

// PartitionReport counts one partition's pass.
type PartitionReport struct {
	Found   int   `json:"found"`
	Deleted int64 `json:"deleted"`
}

type Report map[vector.Partition]PartitionReport

// Sweeper deletes vectors whose join key no longer resolves to a live
// metadata row. It never writes metadata, so running it repeatedly or
// alongside live ingestion is safe. A vector upserted moments before
// its registry row lands can be swept in that window; the next
// ingestion retry restores it, so the window self-heals.
type Sweeper struct {
	meta  MetadataSource
	index VectorSource
}

func NewSweeper(meta MetadataSource, index VectorSource) *Sweeper {
	return &Sweeper{meta: meta, index: index}
}

// SweepAll runs every partition and aggregates per-partition counts.
func (s *Sweeper) SweepAll(ctx context.Context, dryRun bool) (Report, error) {
	report := Report{}
	for _, partition := range vector.Partitions {
		pr, err := s.Sweep(ctx, partition, dryRun)
		if err != nil {
			return report, fmt.Errorf("sweep %s: %w", partition, err)
		}
		report[partition] = pr
	}
	return report, nil
}

// Sweep scans one partition across all namespaces. dryRun reports what
// would be deleted without touching the index.
func (s *Sweeper) Sweep(ctx context.Context, partition vector.Partition, dryRun bool) (PartitionReport, error) {
	var report PartitionReport

	validDocs, err := s.validDocSet(ctx, partition)
	if err != nil {
		return report, err
	}
	var validChunks map[string]struct{}
	if !partition.DocOnly() {
		validChunks, err = s.loadIDs(ctx, s.meta.ListChunkIDs)
		if err != nil {
			return report, fmt.Errorf("load chunk ids: %w", err)
		}
	}

	orphans, err := s.findOrphans(ctx, partition, validDocs, validChunks)
	if err != nil {
		return report, err
	}

	for namespace, ids := range orphans {
		report.Found += len(ids)
		if dryRun {
			continue
		}

		deleted, err := s.index.DeleteByIDs(ctx, partition, namespace, ids)
		report.Deleted += deleted
		if err != nil {
			return report, fmt.Errorf("delete orphans in %s/%s: %w", partition, namespace, err)
		}
		slog.InfoContext(ctx, "orphaned vectors reclaimed", "partition", partition, "namespace", namespace, "count", deleted)
	}

	slog.InfoContext(ctx, "sweep pass finished", "partition", partition, "found", report.Found, "deleted", report.Deleted, "dry_run", dryRun)
	return report, nil
}

// findOrphans scans the whole partition once and buckets orphaned
// vector ids by their owning namespace.
func (s *Sweeper) findOrphans(ctx context.Context, partition vector.Partition, validDocs, validChunks map[string]struct{}) (map[string][]string, error) {
	orphans := make(map[string][]string)
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := s.index.ListRecords(ctx, partition, after, idPageSize)
		if err != nil {
			return nil, fmt.Errorf("list vectors in %s: %w", partition, err)
		}
		if len(records) == 0 {
			return orphans, nil
		}

		for _, rec := range records {
			if s.isOrphan(partition, rec, validDocs, validChunks) {
				orphans[rec.Namespace] = append(orphans[rec.Namespace], rec.VectorID)
			}
		}
		after = records[len(records)-1].ObjectID
	}
}

// isOrphan flags a vector when either join key fails to resolve. Both
// checks matter: a cascade can drop chunks while the document lives,
// and a document row can vanish while a stray chunk reference lingers.
func (s *Sweeper) isOrphan(partition vector.Partition, rec vector.StoredRecord, validDocs, validChunks map[string]struct{}) bool {
	if _, ok := validDocs[rec.DocID]; !ok {
		return true
	}
	if partition.DocOnly() {
		return false
	}
	_, ok := validChunks[rec.ChunkID]
	return !ok
}

// validDocSet joins video-derived partitions on video documents only,
// since their vectors carry no chunk-level key.
func (s *Sweeper) validDocSet(ctx context.Context, partition vector.Partition) (map[string]struct{}, error) {
	if partition.DocOnly() {
		ids, err := s.loadIDs(ctx, s.meta.ListVideoDocIDs)
		if err != nil {
			return nil, fmt.Errorf("load video doc ids: %w", err)
		}
		return ids, nil
	}
	ids, err := s.loadIDs(ctx, s.meta.ListDocIDs)
	if err != nil {
		return nil, fmt.Errorf("load doc ids: %w", err)
	}
	return ids, nil
}

func (s *Sweeper) loadIDs(ctx context.Context, list func(ctx context.Context, afterID string, limit int) ([]string, error)) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	after := ""
	for {
		ids, err := list(ctx, after, idPageSize)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return set, nil
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
		after = ids[len(ids)-1]
	}
}
