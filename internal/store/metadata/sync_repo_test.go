package metadata_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"shelfd/backend/internal/store/metadata"
)

func TestSyncRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := metadata.NewSyncRepo(db)

	rows := sqlmock.NewRows([]string{"sync_config_id", "user_id", "provider", "folder_id", "folder_name", "group_id", "access_token_sealed", "refresh_token_sealed", "token_expires_at", "page_token", "sync_enabled", "last_sync_status", "last_error"}).
		AddRow("sc1", "u1", "google_drive", "folder-9", "Research", nil, "sealed-a", "sealed-r", time.Now().Add(time.Hour), "", true, "success", nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sync_configs WHERE sync_config_id = $1")).
		WithArgs("sc1").
		WillReturnRows(rows)

	c, err := repo.Get(context.Background(), "sc1")
	assert.NoError(t, err)
	assert.Equal(t, "folder-9", c.FolderID)
	assert.True(t, c.SyncEnabled)
	assert.Empty(t, c.LastError)
}

func TestSyncRepo_TryBeginRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := metadata.NewSyncRepo(db)

	t.Run("Acquired", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE sync_configs SET last_sync_status = 'syncing', updated_at = NOW() WHERE sync_config_id = $1 AND last_sync_status <> 'syncing'")).
			WithArgs("sc1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.TryBeginRun(context.Background(), "sc1")
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("AlreadyRunning", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE sync_configs")).
			WithArgs("sc1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.TryBeginRun(context.Background(), "sc1")
		assert.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSyncRepo_ListSyncedFiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := metadata.NewSyncRepo(db)

	rows := sqlmock.NewRows([]string{"sync_config_id", "remote_file_id", "doc_id", "checksum", "sync_status", "doc_exists"}).
		AddRow("sc1", "f1", "doc-1", "md5-1", "ready", true).
		AddRow("sc1", "f2", "", "md5-2", "ready", false)

	mock.ExpectQuery(regexp.QuoteMeta("LEFT JOIN documents d ON d.doc_id = sf.doc_id")).
		WithArgs("sc1").
		WillReturnRows(rows)

	files, err := repo.ListSyncedFiles(context.Background(), "sc1")
	assert.NoError(t, err)
	assert.Len(t, files, 2)
	assert.True(t, files[0].DocExists)
	// Dangling reference: record survived an out-of-band document delete.
	assert.False(t, files[1].DocExists)
	assert.Empty(t, files[1].DocID)
}

func TestSyncRepo_UpsertSyncedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := metadata.NewSyncRepo(db)

	f := &metadata.SyncedFile{
		SyncConfigID: "sc1",
		RemoteFileID: "f1",
		DocID:        "doc-1",
		Checksum:     "md5-1",
		SyncStatus:   metadata.FileStatusReady,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO synced_files")).
		WithArgs("sc1", "f1", "doc-1", "md5-1", "ready").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.UpsertSyncedFile(context.Background(), f))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncRepo_DeleteSyncedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := metadata.NewSyncRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM synced_files WHERE sync_config_id = $1 AND remote_file_id = $2")).
		WithArgs("sc1", "f1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.DeleteSyncedFile(context.Background(), "sc1", "f1"))
}
