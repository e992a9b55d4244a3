package metadata_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfd/backend/internal/store/metadata"
	"shelfd/backend/internal/testutils"
)

func TestMetadataRepos_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.SetupPostgres()
	defer s.Teardown()

	ctx := context.Background()
	docs := metadata.NewDocumentRepo(s.DB)
	syncs := metadata.NewSyncRepo(s.DB)

	// Document lifecycle
	doc := &metadata.Document{
		ID:            "doc-1",
		UserID:        "u1",
		Filename:      "report.pdf",
		MimeType:      "application/pdf",
		SizeBytes:     1024,
		StorageBucket: "bucket",
		StoragePath:   "u1/doc-1/report.pdf",
		Source:        metadata.SourceUpload,
		Status:        metadata.DocStatusPending,
	}
	require.NoError(t, docs.Upsert(ctx, doc))

	// Upsert is idempotent on doc_id.
	doc.Status = metadata.DocStatusComplete
	require.NoError(t, docs.Upsert(ctx, doc))

	loaded, err := docs.Get(ctx, "u1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, metadata.DocStatusComplete, loaded.Status)

	// Tenant isolation: another user cannot see the row.
	_, err = docs.Get(ctx, "u2", "doc-1")
	assert.Error(t, err)

	used, err := docs.SumSizeBytes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), used)

	// Chunks and registry
	chunks := []metadata.Chunk{
		{ID: "c1", DocID: "doc-1", ChunkIndex: 0, Modality: metadata.ModalityText, Bucket: "bucket", MimeType: "text/plain"},
		{ID: "c2", DocID: "doc-1", ChunkIndex: 1, Modality: metadata.ModalityImage, Bucket: "bucket", MimeType: "image/png"},
	}
	require.NoError(t, docs.InsertChunks(ctx, chunks))
	// Conflicting indices are dropped, not duplicated.
	require.NoError(t, docs.InsertChunks(ctx, chunks))

	listed, err := docs.ListChunksByDoc(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, docs.InsertRegistryEntries(ctx, []metadata.VectorRegistryEntry{
		{VectorID: metadata.VectorID("c1", "v1"), ChunkID: "c1", EmbeddingModel: "gemini-embedding-001", EmbeddingVersion: "v1"},
	}))
	exists, err := docs.RegistryEntryExists(ctx, metadata.VectorID("c1", "v1"))
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, docs.SetChunkTags(ctx, "c1", []string{"finance", "reporting"}))

	ids, err := docs.ListChunkIDs(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	// Sync config and single-flight guard
	cfg := &metadata.SyncConfig{
		ID:             "sc-1",
		UserID:         "u1",
		Provider:       metadata.SourceGoogleDrive,
		FolderID:       "folder-1",
		FolderName:     "Reports",
		AccessToken:    "sealed-a",
		RefreshToken:   "sealed-r",
		TokenExpiresAt: time.Now().Add(time.Hour),
		SyncEnabled:    true,
		LastSyncStatus: metadata.SyncStatusPending,
	}
	require.NoError(t, syncs.Save(ctx, cfg))

	acquired, err := syncs.TryBeginRun(ctx, "sc-1")
	require.NoError(t, err)
	assert.True(t, acquired)

	// A second overlapping run must be refused.
	acquired, err = syncs.TryBeginRun(ctx, "sc-1")
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, syncs.FinishRun(ctx, "sc-1", metadata.SyncStatusSuccess, ""))

	acquired, err = syncs.TryBeginRun(ctx, "sc-1")
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, syncs.FinishRun(ctx, "sc-1", metadata.SyncStatusSuccess, ""))

	// Synced files and dangling detection
	require.NoError(t, syncs.UpsertSyncedFile(ctx, &metadata.SyncedFile{
		SyncConfigID: "sc-1",
		RemoteFileID: "f1",
		DocID:        "doc-1",
		Checksum:     "h1",
		SyncStatus:   metadata.FileStatusReady,
	}))

	files, err := syncs.ListSyncedFiles(ctx, "sc-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].DocExists)

	// Deleting the document out-of-band leaves a dangling record with
	// doc_id cleared, visible as a re-sync candidate.
	require.NoError(t, docs.Delete(ctx, "u1", "doc-1"))

	files, err = syncs.ListSyncedFiles(ctx, "sc-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, files[0].DocExists)

	// The chunk cascade also emptied the registry.
	exists, err = docs.RegistryEntryExists(ctx, metadata.VectorID("c1", "v1"))
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, syncs.DeleteSyncedFile(ctx, "sc-1", "f1"))
	files, err = syncs.ListSyncedFiles(ctx, "sc-1")
	require.NoError(t, err)
	assert.Empty(t, files)
}
