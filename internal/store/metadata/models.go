package metadata

import "time"

// Document statuses. The coordinator advances pending → complete, or
// pending → partial when only a subset of chunks made it into the index.
const (
	DocStatusPending  = "pending"
	DocStatusPartial  = "partial"
	DocStatusComplete = "complete"
	DocStatusFailed   = "failed"
)

// Sync run statuses, stored on the sync config row. "syncing" doubles as
// the single-flight guard for a run.
const (
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// Synced file statuses.
const (
	FileStatusReady  = "ready"
	FileStatusFailed = "failed"
)

// Chunk enrichment statuses, tracked separately for the formatting and
// tagging passes.
const (
	ChunkStatusPending  = "pending"
	ChunkStatusComplete = "complete"
	ChunkStatusFailed   = "failed"
)

// Document sources.
const (
	SourceUpload      = "upload"
	SourceGoogleDrive = "google_drive"
	SourceOneDrive    = "onedrive"
)

type Modality string

const (
	ModalityText            Modality = "text"
	ModalityImage           Modality = "image"
	ModalityVideoFrame      Modality = "video_frame"
	ModalityVideoTranscript Modality = "video_transcript"
)

// Document is the source-of-truth row for an ingested file. Blob objects
// and index vectors reference it but never prove its existence.
type Document struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	GroupID       string    `json:"group_id,omitempty"`
	Filename      string    `json:"filename"`
	MimeType      string    `json:"mime_type"`
	SizeBytes     int64     `json:"size_bytes"`
	StorageBucket string    `json:"storage_bucket"`
	StoragePath   string    `json:"storage_path"`
	Source        string    `json:"source"`
	ExternalID    string    `json:"external_id,omitempty"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Chunk is one unit of extracted content. chunk_index is unique per
// document; later deep-embed passes extend the sequence without
// renumbering existing indices.
type Chunk struct {
	ID               string   `json:"id"`
	DocID            string   `json:"doc_id"`
	ChunkIndex       int      `json:"chunk_index"`
	Modality         Modality `json:"modality"`
	StoragePath      string   `json:"storage_path"`
	Bucket           string   `json:"bucket"`
	MimeType         string   `json:"mime_type"`
	SizeBytes        int64    `json:"size_bytes,omitempty"`
	FormattingStatus string   `json:"formatting_status"`
	TagStatus        string   `json:"tag_status"`
}

// VectorRegistryEntry joins a chunk to its vector in the index. A row
// exists iff the vector with VectorID exists in the correct partition;
// the orphan sweep repairs violations of that invariant.
type VectorRegistryEntry struct {
	VectorID         string `json:"vector_id"`
	ChunkID          string `json:"chunk_id"`
	EmbeddingModel   string `json:"embedding_model"`
	EmbeddingVersion string `json:"embedding_version"`
}

// VectorID builds the join key between the registry and the index.
func VectorID(chunkID, embeddingVersion string) string {
	return chunkID + ":" + embeddingVersion
}

// SyncConfig is one watched remote folder for one user. Tokens are
// stored AES-GCM sealed.
type SyncConfig struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Provider       string    `json:"provider"`
	FolderID       string    `json:"folder_id"`
	FolderName     string    `json:"folder_name"`
	GroupID        string    `json:"group_id,omitempty"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	PageToken      string    `json:"page_token"`
	SyncEnabled    bool      `json:"sync_enabled"`
	LastSyncStatus string    `json:"last_sync_status"`
	LastError      string    `json:"last_error,omitempty"`
}

// SyncedFile records that one remote file has been reconciled into
// exactly one document. It is the idempotency key that keeps a remote
// file from being ingested twice. DocExists is derived at load time; a
// record whose document vanished out-of-band is a re-sync candidate,
// not an error.
type SyncedFile struct {
	SyncConfigID string `json:"sync_config_id"`
	RemoteFileID string `json:"remote_file_id"`
	DocID        string `json:"doc_id,omitempty"`
	Checksum     string `json:"checksum"`
	SyncStatus   string `json:"sync_status"`
	DocExists    bool   `json:"-"`
}
