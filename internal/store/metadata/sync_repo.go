package metadata

import (
	"context"
	"database/sql"
	"time"
)

type SyncRepo struct {
	db *sql.DB
}

func NewSyncRepo(db *sql.DB) *SyncRepo {
	return &SyncRepo{db: db}
}

func (r *SyncRepo) Get(ctx context.Context, syncConfigID string) (*SyncConfig, error) {
	c := &SyncConfig{}
	var groupID, lastError sql.NullString
	query := `SELECT sync_config_id, user_id, provider, folder_id, folder_name, group_id, access_token_sealed, refresh_token_sealed, token_expires_at, page_token, sync_enabled, last_sync_status, last_error
		FROM sync_configs WHERE sync_config_id = $1`
	err := r.db.QueryRowContext(ctx, query, syncConfigID).Scan(
		&c.ID, &c.UserID, &c.Provider, &c.FolderID, &c.FolderName, &groupID,
		&c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt, &c.PageToken,
		&c.SyncEnabled, &c.LastSyncStatus, &lastError)
	if err != nil {
		return nil, err
	}
	c.GroupID = groupID.String
	c.LastError = lastError.String
	return c, nil
}

func (r *SyncRepo) Save(ctx context.Context, c *SyncConfig) error {
	query := `INSERT INTO sync_configs (sync_config_id, user_id, provider, folder_id, folder_name, group_id, access_token_sealed, refresh_token_sealed, token_expires_at, page_token, sync_enabled, last_sync_status)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			folder_id = EXCLUDED.folder_id,
			folder_name = EXCLUDED.folder_name,
			access_token_sealed = EXCLUDED.access_token_sealed,
			refresh_token_sealed = EXCLUDED.refresh_token_sealed,
			token_expires_at = EXCLUDED.token_expires_at,
			sync_enabled = EXCLUDED.sync_enabled,
			updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.UserID, c.Provider, c.FolderID, c.FolderName, c.GroupID,
		c.AccessToken, c.RefreshToken, c.TokenExpiresAt, c.PageToken,
		c.SyncEnabled, c.LastSyncStatus)
	return err
}

// TryBeginRun flips the status to "syncing" only if no run is already in
// flight. The status column is the advisory single-flight lock: the
// conditional UPDATE makes the check-and-set atomic, so two overlapping
// triggers cannot both start.
func (r *SyncRepo) TryBeginRun(ctx context.Context, syncConfigID string) (bool, error) {
	query := `UPDATE sync_configs SET last_sync_status = 'syncing', updated_at = NOW()
		WHERE sync_config_id = $1 AND last_sync_status <> 'syncing'`
	res, err := r.db.ExecContext(ctx, query, syncConfigID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SyncRepo) FinishRun(ctx context.Context, syncConfigID, status, lastError string) error {
	query := `UPDATE sync_configs SET last_sync_status = $1, last_error = NULLIF($2, ''), updated_at = NOW() WHERE sync_config_id = $3`
	_, err := r.db.ExecContext(ctx, query, status, lastError, syncConfigID)
	return err
}

func (r *SyncRepo) SaveTokens(ctx context.Context, syncConfigID, accessSealed, refreshSealed string, expiresAt time.Time) error {
	query := `UPDATE sync_configs SET access_token_sealed = $1, refresh_token_sealed = $2, token_expires_at = $3, updated_at = NOW() WHERE sync_config_id = $4`
	_, err := r.db.ExecContext(ctx, query, accessSealed, refreshSealed, expiresAt, syncConfigID)
	return err
}

func (r *SyncRepo) SavePageToken(ctx context.Context, syncConfigID, pageToken string) error {
	query := `UPDATE sync_configs SET page_token = $1, updated_at = NOW() WHERE sync_config_id = $2`
	_, err := r.db.ExecContext(ctx, query, pageToken, syncConfigID)
	return err
}

// ListSyncedFiles loads the local sync records with a liveness flag on
// the referenced document, so the caller can spot dangling references
// without a query per record.
func (r *SyncRepo) ListSyncedFiles(ctx context.Context, syncConfigID string) ([]SyncedFile, error) {
	query := `SELECT sf.sync_config_id, sf.remote_file_id, COALESCE(sf.doc_id, ''), sf.checksum, sf.sync_status, (d.doc_id IS NOT NULL)
		FROM synced_files sf
		LEFT JOIN documents d ON d.doc_id = sf.doc_id
		WHERE sf.sync_config_id = $1`
	rows, err := r.db.QueryContext(ctx, query, syncConfigID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []SyncedFile
	for rows.Next() {
		var f SyncedFile
		if err := rows.Scan(&f.SyncConfigID, &f.RemoteFileID, &f.DocID, &f.Checksum, &f.SyncStatus, &f.DocExists); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *SyncRepo) UpsertSyncedFile(ctx context.Context, f *SyncedFile) error {
	query := `INSERT INTO synced_files (sync_config_id, remote_file_id, doc_id, checksum, sync_status)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (sync_config_id, remote_file_id) DO UPDATE SET
			doc_id = EXCLUDED.doc_id,
			checksum = EXCLUDED.checksum,
			sync_status = EXCLUDED.sync_status,
			updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, query, f.SyncConfigID, f.RemoteFileID, f.DocID, f.Checksum, f.SyncStatus)
	return err
}

func (r *SyncRepo) DeleteSyncedFile(ctx context.Context, syncConfigID, remoteFileID string) error {
	query := `DELETE FROM synced_files WHERE sync_config_id = $1 AND remote_file_id = $2`
	_, err := r.db.ExecContext(ctx, query, syncConfigID, remoteFileID)
	return err
}
