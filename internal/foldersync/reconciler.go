package foldersync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"shelfd/backend/internal/adapter/drive"
	"shelfd/backend/internal/fault"
	"shelfd/backend/internal/ingest"
	"shelfd/backend/internal/store/metadata"
)

// docNamespace seeds deterministic document ids per remote file, so a
// dangling-record re-sync lands on the same doc id it had before.
var docNamespace = uuid.MustParse("9d2a7c58-5e11-4f3a-8a6c-0b4f4c1d9e21")

const tokenRefreshMargin = 5 * time.Minute

// sizeTolerance is the fraction by which a download may exceed the
// declared size before it is treated as corrupt.
const sizeTolerance = 0.10

func DocID(syncConfigID, remoteFileID string) string {
	return uuid.NewSHA1(docNamespace, []byte(syncConfigID+":"+remoteFileID)).String()
}

type SyncStore interface {
	Get(ctx context.Context, syncConfigID string) (*metadata.SyncConfig, error)
	TryBeginRun(ctx context.Context, syncConfigID string) (bool, error)
	FinishRun(ctx context.Context, syncConfigID, status, lastError string) error
	SaveTokens(ctx context.Context, syncConfigID, accessSealed, refreshSealed string, expiresAt time.Time) error
	SavePageToken(ctx context.Context, syncConfigID, pageToken string) error
	ListSyncedFiles(ctx context.Context, syncConfigID string) ([]metadata.SyncedFile, error)
	UpsertSyncedFile(ctx context.Context, f *metadata.SyncedFile) error
	DeleteSyncedFile(ctx context.Context, syncConfigID, remoteFileID string) error
}

type DocumentStore interface {
	SumSizeBytes(ctx context.Context, userID string) (int64, error)
}

// Ingestor is the write path a classified file is routed through.
type Ingestor interface {
	Ingest(ctx context.Context, req *ingest.Request) (*ingest.Result, error)
	Delete(ctx context.Context, userID, docID string) error
}

type FolderProvider interface {
	RefreshToken(ctx context.Context, refreshToken string) (string, time.Time, error)
	ListFiles(ctx context.Context, accessToken, folderID string) ([]drive.RemoteFile, error)
	StartPageToken(ctx context.Context, accessToken string) (string, error)
	Changes(ctx context.Context, accessToken, pageToken string) ([]drive.Change, string, error)
	Download(ctx context.Context, accessToken, remoteID, mimeType string) ([]byte, error)
}

type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(encoded string) (string, error)
}

// FailedFile is one per-file failure surfaced in the run result.
type FailedFile struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type Result struct {
	FilesProcessed int          `json:"files_processed"`
	FilesFailed    int          `json:"files_failed"`
	FailedFiles    []FailedFile `json:"failed_files,omitempty"`
	Removed        int          `json:"removed"`
	Unchanged      int          `json:"unchanged"`
}

// Reconciler drives one watched remote folder toward the local store.
// Each run is a full reconciliation: it re-lists the folder instead of
// trusting an incremental feed, because feeds miss deleted+re-added
// files. The incremental path exists separately for cheap interim runs.
type Reconciler struct {
	store    SyncStore
	docs     DocumentStore
	ingestor Ingestor
	provider FolderProvider
	sealer   TokenSealer

	maxFileSize int64
	quotaBytes  int64
}

func NewReconciler(store SyncStore, docs DocumentStore, ingestor Ingestor, provider FolderProvider, sealer TokenSealer, maxFileSize, quotaBytes int64) *Reconciler {
	return &Reconciler{
		store:       store,
		docs:        docs,
		ingestor:    ingestor,
		provider:    provider,
		sealer:      sealer,
		maxFileSize: maxFileSize,
		quotaBytes:  quotaBytes,
	}
}

// Run executes one full reconciliation for a sync config. It refuses to
// start when another run holds the status lock.
func (r *Reconciler) Run(ctx context.Context, syncConfigID string) (*Result, error) {
	acquired, err := r.store.TryBeginRun(ctx, syncConfigID)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		return nil, fault.New(fault.KindValidation, "sync already in progress for %s", syncConfigID)
	}

	cfg, err := r.store.Get(ctx, syncConfigID)
	if err != nil {
		r.finish(ctx, syncConfigID, metadata.SyncStatusError, err)
		return nil, fmt.Errorf("load sync config: %w", err)
	}

	accessToken, err := r.freshAccessToken(ctx, cfg)
	if err != nil {
		// Stale credentials would turn every download into noise.
		r.finish(ctx, syncConfigID, metadata.SyncStatusError, err)
		return nil, err
	}

	remote, err := r.provider.ListFiles(ctx, accessToken, cfg.FolderID)
	if err != nil {
		r.finish(ctx, syncConfigID, metadata.SyncStatusError, err)
		return nil, fmt.Errorf("list remote folder: %w", err)
	}

	local, err := r.store.ListSyncedFiles(ctx, syncConfigID)
	if err != nil {
		r.finish(ctx, syncConfigID, metadata.SyncStatusError, err)
		return nil, fmt.Errorf("list synced files: %w", err)
	}

	plan := classify(remote, local)
	slog.InfoContext(ctx, "reconciliation plan computed",
		"sync_config_id", syncConfigID,
		"remote", len(remote), "local", len(local),
		"to_sync", len(plan.toSync), "to_remove", len(plan.toRemove), "unchanged", plan.unchanged)

	res := &Result{Unchanged: plan.unchanged}

	for _, rec := range plan.toRemove {
		if err := r.removeFile(ctx, cfg, rec); err != nil {
			res.FilesFailed++
			res.FailedFiles = append(res.FailedFiles, FailedFile{Name: rec.RemoteFileID, Error: err.Error()})
			continue
		}
		res.Removed++
	}

	for _, item := range plan.toSync {
		if err := ctx.Err(); err != nil {
			r.finish(ctx, syncConfigID, metadata.SyncStatusError, err)
			return res, err
		}
		if err := r.syncFile(ctx, cfg, accessToken, item); err != nil {
			slog.ErrorContext(ctx, "file sync failed", "sync_config_id", syncConfigID, "file", item.file.Name, "error", err)
			res.FilesFailed++
			res.FailedFiles = append(res.FailedFiles, FailedFile{Name: item.file.Name, Error: err.Error()})
			continue
		}
		res.FilesProcessed++
	}

	// Per-file failures do not fail the run; only listing and auth do.
	r.finish(ctx, syncConfigID, metadata.SyncStatusSuccess, nil)
	return res, nil
}

// RunIncremental drains the provider's change feed instead of
// re-listing the folder. Removed entries only drop the sync record, so
// a later restore re-syncs cleanly instead of duplicating.
func (r *Reconciler) RunIncremental(ctx context.Context, syncConfigID string) (*Result, error) {
	acquired, err := r.store.TryBeginRun(ctx, syncConfigID)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		return nil, fault.New(fault.KindValidation, "sync already in progress for %s", syncConfigID)
	}

	cfg, err := r.store.Get(ctx, syncConfigID)
	if err != nil {
		r.finish(ctx, syncConfigID, metadata.SyncStatusError, err)
		return nil, fmt.Errorf("load sync config: %w", err)
	}

	accessToken, err := r.freshAccessToken(ctx, cfg)
	if err != nil {
		r.finish(ctx, syncConfigID, metadata.SyncStatusError, err)
		return nil, err
	}

	pageToken := cfg.PageToken
	if pageToken == "" {
		pageToken, err = r.provider.StartPageToken(ctx, accessToken)
		if err != nil {
			r.finish(ctx, syncConfigID, metadata.SyncStatusError, err)
			return nil, fmt.Errorf("start change feed: %w", err)
		}
	}

	changes, nextToken, err := r.provider.Changes(ctx, accessToken, pageToken)
	if err != nil {
		r.finish(ctx, syncConfigID, metadata.SyncStatusError, err)
		return nil, fmt.Errorf("list changes: %w", err)
	}

	res := &Result{}
	for _, ch := range changes {
		if ch.Removed {
			if err := r.store.DeleteSyncedFile(ctx, syncConfigID, ch.File.ID); err != nil {
				res.FilesFailed++
				res.FailedFiles = append(res.FailedFiles, FailedFile{Name: ch.File.ID, Error: err.Error()})
				continue
			}
			res.Removed++
			continue
		}
		if ch.File.MimeType == drive.MimeTypeFolder {
			continue
		}
		// The change feed is account-wide; only files under the
		// watched folder belong to this config.
		if !slices.Contains(ch.File.Parents, cfg.FolderID) {
			continue
		}
		if err := r.syncFile(ctx, cfg, accessToken, syncItem{file: ch.File}); err != nil {
			res.FilesFailed++
			res.FailedFiles = append(res.FailedFiles, FailedFile{Name: ch.File.Name, Error: err.Error()})
			continue
		}
		res.FilesProcessed++
	}

	if nextToken != "" {
		if err := r.store.SavePageToken(ctx, syncConfigID, nextToken); err != nil {
			slog.WarnContext(ctx, "failed to persist change cursor", "sync_config_id", syncConfigID, "error", err)
		}
	}

	r.finish(ctx, syncConfigID, metadata.SyncStatusSuccess, nil)
	return res, nil
}

// syncItem is one to-sync candidate. priorRecord is set when a stale
// record must be dropped before re-ingestion.
type syncItem struct {
	file        drive.RemoteFile
	priorRecord *metadata.SyncedFile
}

type plan struct {
	toSync    []syncItem
	toRemove  []metadata.SyncedFile
	unchanged int
}

// classify outer-joins the remote listing against local records on the
// remote file id. Every file lands in exactly one set.
func classify(remote []drive.RemoteFile, local []metadata.SyncedFile) plan {
	byRemoteID := make(map[string]*metadata.SyncedFile, len(local))
	for i := range local {
		byRemoteID[local[i].RemoteFileID] = &local[i]
	}

	var p plan
	for _, f := range remote {
		rec, tracked := byRemoteID[f.ID]
		if !tracked {
			p.toSync = append(p.toSync, syncItem{file: f})
			continue
		}
		delete(byRemoteID, f.ID)
		switch {
		case !rec.DocExists:
			// The document vanished out-of-band. The record dangles and
			// the file must come back.
			p.toSync = append(p.toSync, syncItem{file: f, priorRecord: rec})
		case rec.Checksum != "" && f.MD5 != "" && rec.Checksum != f.MD5:
			p.toSync = append(p.toSync, syncItem{file: f, priorRecord: rec})
		default:
			p.unchanged++
		}
	}

	// Whatever is left in the map no longer exists remotely. A file
	// deleted and re-created under the same name got a new remote id, so
	// it shows up here and in toSync at once, which is the correct
	// outcome.
	for _, rec := range byRemoteID {
		p.toRemove = append(p.toRemove, *rec)
	}
	return p
}

func (r *Reconciler) removeFile(ctx context.Context, cfg *metadata.SyncConfig, rec metadata.SyncedFile) error {
	if rec.DocID != "" && rec.DocExists {
		if err := r.ingestor.Delete(ctx, cfg.UserID, rec.DocID); err != nil {
			return fmt.Errorf("delete document %s: %w", rec.DocID, err)
		}
	}
	return r.store.DeleteSyncedFile(ctx, cfg.ID, rec.RemoteFileID)
}

func (r *Reconciler) syncFile(ctx context.Context, cfg *metadata.SyncConfig, accessToken string, item syncItem) error {
	f := item.file

	if err := r.validate(f); err != nil {
		return err
	}

	// Quota is enforced before the download so a file that cannot land
	// never costs bandwidth.
	used, err := r.docs.SumSizeBytes(ctx, cfg.UserID)
	if err != nil {
		return fmt.Errorf("check storage usage: %w", err)
	}
	if used+f.Size > r.quotaBytes {
		return fault.New(fault.KindQuota, "storage quota exceeded: %d of %d bytes used", used, r.quotaBytes)
	}

	data, err := r.provider.Download(ctx, accessToken, f.ID, f.MimeType)
	if err != nil {
		return fmt.Errorf("download %s: %w", f.Name, err)
	}
	// Workspace exports declare no size; skip the tolerance check then.
	if f.Size > 0 && int64(len(data)) > f.Size+int64(float64(f.Size)*sizeTolerance) {
		return fault.New(fault.KindValidation, "downloaded size %d exceeds declared %d beyond tolerance", len(data), f.Size)
	}

	if item.priorRecord != nil {
		if err := r.store.DeleteSyncedFile(ctx, cfg.ID, f.ID); err != nil {
			return fmt.Errorf("drop stale sync record: %w", err)
		}
	}

	docID := DocID(cfg.ID, f.ID)
	req := &ingest.Request{
		DocID:      docID,
		UserID:     cfg.UserID,
		GroupID:    cfg.GroupID,
		Filename:   f.Name,
		MimeType:   effectiveMime(f.MimeType),
		Source:     metadata.SourceGoogleDrive,
		ExternalID: f.ID,
		Content:    data,
		Chunks:     ingest.BuildChunks(effectiveMime(f.MimeType), data),
	}
	if _, err := r.ingestor.Ingest(ctx, req); err != nil {
		return fmt.Errorf("ingest %s: %w", f.Name, err)
	}

	// The record is the idempotency key, written only once the document
	// is confirmed. If the record write fails the document must go too,
	// or every following run re-ingests the file.
	rec := &metadata.SyncedFile{
		SyncConfigID: cfg.ID,
		RemoteFileID: f.ID,
		DocID:        docID,
		Checksum:     f.MD5,
		SyncStatus:   metadata.FileStatusReady,
	}
	if err := r.store.UpsertSyncedFile(ctx, rec); err != nil {
		if derr := r.ingestor.Delete(ctx, cfg.UserID, docID); derr != nil {
			slog.ErrorContext(ctx, "rollback of untracked document failed", "doc_id", docID, "error", derr)
		}
		return fmt.Errorf("record synced file: %w", err)
	}
	return nil
}

func (r *Reconciler) validate(f drive.RemoteFile) error {
	if !supportedMime(f.MimeType) {
		return fault.New(fault.KindValidation, "unsupported mime type %s", f.MimeType)
	}
	if f.Size > r.maxFileSize {
		return fault.New(fault.KindValidation, "file size %d exceeds limit %d", f.Size, r.maxFileSize)
	}
	return nil
}

// freshAccessToken unseals the stored credentials and refreshes them
// when expiry is inside the safety margin, persisting the new pair.
func (r *Reconciler) freshAccessToken(ctx context.Context, cfg *metadata.SyncConfig) (string, error) {
	if time.Until(cfg.TokenExpiresAt) > tokenRefreshMargin {
		return r.sealer.Open(cfg.AccessToken)
	}

	refreshToken, err := r.sealer.Open(cfg.RefreshToken)
	if err != nil {
		return "", fault.Wrap(fault.KindAuth, err)
	}
	accessToken, expiresAt, err := r.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		return "", err
	}

	accessSealed, err := r.sealer.Seal(accessToken)
	if err != nil {
		return "", err
	}
	refreshSealed, err := r.sealer.Seal(refreshToken)
	if err != nil {
		return "", err
	}
	if err := r.store.SaveTokens(ctx, cfg.ID, accessSealed, refreshSealed, expiresAt); err != nil {
		slog.WarnContext(ctx, "failed to persist refreshed tokens", "sync_config_id", cfg.ID, "error", err)
	}
	return accessToken, nil
}

func (r *Reconciler) finish(ctx context.Context, syncConfigID, status string, cause error) {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if err := r.store.FinishRun(ctx, syncConfigID, status, lastError); err != nil {
		slog.ErrorContext(ctx, "failed to finalize sync status", "sync_config_id", syncConfigID, "error", err)
	}
}

func supportedMime(mimeType string) bool {
	switch mimeType {
	case drive.MimeTypeGoogleDoc, drive.MimeTypeGoogleSheet, drive.MimeTypeGoogleSlides:
		return true
	case "text/plain", "text/csv", "text/markdown", "application/pdf":
		return true
	}
	return strings.HasPrefix(mimeType, "image/")
}

// effectiveMime maps Workspace types to the format they export as.
func effectiveMime(mimeType string) string {
	switch mimeType {
	case drive.MimeTypeGoogleDoc, drive.MimeTypeGoogleSlides:
		return drive.ExportMimeText
	case drive.MimeTypeGoogleSheet:
		return drive.ExportMimeCSV
	default:
		return mimeType
	}
}
