package sweep

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"shelfd/backend/internal/store/vector"
)

// fakeMetadata pages id lists the way the repository does.
type fakeMetadata struct {
	docIDs      []string
	videoDocIDs []string
	chunkIDs    []string
}

func pageAfter(ids []string, afterID string, limit int) []string {
	start := 0
	if afterID != "" {
		for i, id := range ids {
			if id == afterID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[start:end]
}

func (f *fakeMetadata) ListDocIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return pageAfter(f.docIDs, afterID, limit), nil
}

func (f *fakeMetadata) ListVideoDocIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return pageAfter(f.videoDocIDs, afterID, limit), nil
}

func (f *fakeMetadata) ListChunkIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return pageAfter(f.chunkIDs, afterID, limit), nil
}

// fakeIndex holds records per partition and applies namespace-scoped
// deletes, mirroring the store's contract.
type fakeIndex struct {
	records     map[vector.Partition][]vector.StoredRecord
	deleteCalls int
	deletedIn   []string
}

func (f *fakeIndex) ListRecords(ctx context.Context, partition vector.Partition, afterObjectID string, limit int) ([]vector.StoredRecord, error) {
	all := f.records[partition]
	start := 0
	if afterObjectID != "" {
		for i, rec := range all {
			if rec.ObjectID == afterObjectID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (f *fakeIndex) DeleteByIDs(ctx context.Context, partition vector.Partition, namespace string, vectorIDs []string) (int64, error) {
	f.deleteCalls++
	f.deletedIn = append(f.deletedIn, namespace)
	drop := make(map[string]bool, len(vectorIDs))
	for _, id := range vectorIDs {
		drop[id] = true
	}
	var kept []vector.StoredRecord
	var deleted int64
	for _, rec := range f.records[partition] {
		if rec.Namespace == namespace && drop[rec.VectorID] {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	f.records[partition] = kept
	return deleted, nil
}

func (f *fakeIndex) count(partition vector.Partition) int {
	return len(f.records[partition])
}

func newFixture() (*fakeMetadata, *fakeIndex) {
	meta := &fakeMetadata{
		docIDs:      []string{"d1", "d2"},
		videoDocIDs: []string{"d2"},
		chunkIDs:    []string{"c1", "c2"},
	}
	index := &fakeIndex{
		records: map[vector.Partition][]vector.StoredRecord{
			vector.PartitionText: {
				{ObjectID: "o1", VectorID: "c1:v1", DocID: "d1", ChunkID: "c1", Namespace: "u1"},
				{ObjectID: "o2", VectorID: "c2:v1", DocID: "d1", ChunkID: "c2", Namespace: "u1"},
				{ObjectID: "o3", VectorID: "c9:v1", DocID: "d1", ChunkID: "c9", Namespace: "u1"}, // chunk gone
				{ObjectID: "o4", VectorID: "c3:v1", DocID: "d9", ChunkID: "c3", Namespace: "u1"}, // doc gone
			},
			vector.PartitionVideoFrame: {
				{ObjectID: "o5", VectorID: "vf1:v1", DocID: "d2", Namespace: "u1"},
				{ObjectID: "o6", VectorID: "vf2:v1", DocID: "d7", Namespace: "u1"}, // doc gone
			},
		},
	}
	return meta, index
}

func TestSweep_ClassifiesByEitherJoinKey(t *testing.T) {
	meta, index := newFixture()
	s := NewSweeper(meta, index)

	report, err := s.Sweep(context.Background(), vector.PartitionText, false)

	assert.NoError(t, err)
	assert.Equal(t, 2, report.Found)
	assert.Equal(t, int64(2), report.Deleted)
	assert.Equal(t, 2, index.count(vector.PartitionText))
	for _, rec := range index.records[vector.PartitionText] {
		assert.NotEqual(t, "c9:v1", rec.VectorID)
		assert.NotEqual(t, "c3:v1", rec.VectorID)
	}
}

func TestSweep_VideoPartitionJoinsOnDocOnly(t *testing.T) {
	meta, index := newFixture()
	s := NewSweeper(meta, index)

	report, err := s.Sweep(context.Background(), vector.PartitionVideoFrame, false)

	assert.NoError(t, err)
	assert.Equal(t, 1, report.Found)
	assert.Equal(t, int64(1), report.Deleted)
	// d2 is a valid video doc, so its frame vector survives even with
	// no chunk id on the record.
	assert.Equal(t, 1, index.count(vector.PartitionVideoFrame))
	assert.Equal(t, "vf1:v1", index.records[vector.PartitionVideoFrame][0].VectorID)
}

func TestSweep_DryRunReportsWithoutDeleting(t *testing.T) {
	meta, index := newFixture()
	s := NewSweeper(meta, index)

	before := index.count(vector.PartitionText)
	report, err := s.Sweep(context.Background(), vector.PartitionText, true)

	assert.NoError(t, err)
	assert.Equal(t, 2, report.Found)
	assert.Zero(t, report.Deleted)
	assert.Zero(t, index.deleteCalls)
	assert.Equal(t, before, index.count(vector.PartitionText))
}

func TestSweep_SecondRunFindsNothing(t *testing.T) {
	meta, index := newFixture()
	s := NewSweeper(meta, index)

	_, err := s.Sweep(context.Background(), vector.PartitionText, false)
	assert.NoError(t, err)

	report, err := s.Sweep(context.Background(), vector.PartitionText, false)
	assert.NoError(t, err)
	assert.Zero(t, report.Found)
	assert.Zero(t, report.Deleted)
}

func TestSweepAll_AggregatesPartitions(t *testing.T) {
	meta, index := newFixture()
	s := NewSweeper(meta, index)

	report, err := s.SweepAll(context.Background(), true)

	assert.NoError(t, err)
	assert.Len(t, report, len(vector.Partitions))
	assert.Equal(t, 2, report[vector.PartitionText].Found)
	assert.Equal(t, 1, report[vector.PartitionVideoFrame].Found)
	assert.Zero(t, report[vector.PartitionImage].Found)
}

func TestSweep_PaginatesLargeIDSets(t *testing.T) {
	meta := &fakeMetadata{}
	for i := 0; i < idPageSize+50; i++ {
		meta.docIDs = append(meta.docIDs, fmtDocID(i))
		meta.chunkIDs = append(meta.chunkIDs, fmtChunkID(i))
	}
	index := &fakeIndex{
		records: map[vector.Partition][]vector.StoredRecord{
			vector.PartitionText: {
				// References an id beyond the first metadata page.
				{ObjectID: "o1", VectorID: "x:v1", DocID: fmtDocID(idPageSize + 10), ChunkID: fmtChunkID(idPageSize + 10), Namespace: "u1"},
			},
		},
	}
	s := NewSweeper(meta, index)

	report, err := s.Sweep(context.Background(), vector.PartitionText, false)

	assert.NoError(t, err)
	assert.Zero(t, report.Found)
}

func TestSweep_GroupsDeletesByNamespace(t *testing.T) {
	meta := &fakeMetadata{docIDs: []string{"d1"}, chunkIDs: []string{"c1"}}
	index := &fakeIndex{
		records: map[vector.Partition][]vector.StoredRecord{
			vector.PartitionText: {
				{ObjectID: "o1", VectorID: "c1:v1", DocID: "d1", ChunkID: "c1", Namespace: "u1"},
				{ObjectID: "o2", VectorID: "x1:v1", DocID: "gone", ChunkID: "x1", Namespace: "u1"},
				// u2 has no documents left at all; the record's own
				// namespace still routes the delete.
				{ObjectID: "o3", VectorID: "x2:v1", DocID: "gone", ChunkID: "x2", Namespace: "u2"},
			},
		},
	}
	s := NewSweeper(meta, index)

	report, err := s.Sweep(context.Background(), vector.PartitionText, false)

	assert.NoError(t, err)
	assert.Equal(t, 2, report.Found)
	assert.Equal(t, int64(2), report.Deleted)
	assert.Equal(t, 2, index.deleteCalls)
	assert.ElementsMatch(t, []string{"u1", "u2"}, index.deletedIn)
	assert.Equal(t, 1, index.count(vector.PartitionText))
}

func fmtDocID(i int) string   { return "doc-" + pad(i) }
func fmtChunkID(i int) string { return "chunk-" + pad(i) }

func pad(i int) string {
	const digits = "0123456789"
	s := make([]byte, 6)
	for p := 5; p >= 0; p-- {
		s[p] = digits[i%10]
		i /= 10
	}
	return string(s)
}
