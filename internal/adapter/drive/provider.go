package drive

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"shelfd/backend/internal/fault"
)

// Google Workspace MIME types that need export instead of download.
const (
	MimeTypeGoogleDoc    = "application/vnd.google-apps.document"
	MimeTypeGoogleSheet  = "application/vnd.google-apps.spreadsheet"
	MimeTypeGoogleSlides = "application/vnd.google-apps.presentation"
	MimeTypeFolder       = "application/vnd.google-apps.folder"
)

const (
	ExportMimeText = "text/plain"
	ExportMimeCSV  = "text/csv"
)

const listFields = "nextPageToken, files(id, name, mimeType, size, md5Checksum, modifiedTime, trashed)"

// RemoteFile is one entry of a folder listing. Parents is only
// populated from the change feed; folder listings are already scoped
// by the query.
type RemoteFile struct {
	ID           string
	Name         string
	MimeType     string
	Size         int64
	MD5          string
	ModifiedTime string
	Trashed      bool
	Parents      []string
}

// Change is one entry of the incremental change feed. Removed covers
// both trashed and permanently deleted files.
type Change struct {
	File    RemoteFile
	Removed bool
}

// Provider talks to Google Drive on behalf of one user's tokens. The
// reconciler refreshes credentials first and passes the fresh access
// token into every call.
type Provider struct {
	oauth oauth2.Config
	// maxFiles and maxPages bound a single listing pass.
	maxFiles int
	maxPages int
}

func NewProvider(clientID, clientSecret string, maxFiles, maxPages int) *Provider {
	return &Provider{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{drive.DriveReadonlyScope},
		},
		maxFiles: maxFiles,
		maxPages: maxPages,
	}
}

func (p *Provider) service(ctx context.Context, accessToken string) (*drive.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	return drive.NewService(ctx, option.WithTokenSource(src))
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (string, time.Time, error) {
	src := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", time.Time{}, fault.Wrap(fault.KindAuth, err)
	}
	return tok.AccessToken, tok.Expiry, nil
}

// ListFiles returns the current non-trashed contents of a folder. The
// listing is paginated and bounded by the provider's file and page caps
// so it always terminates.
func (p *Provider) ListFiles(ctx context.Context, accessToken, folderID string) ([]RemoteFile, error) {
	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var files []RemoteFile
	pageToken := ""
	for page := 0; page < p.maxPages; page++ {
		call := svc.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed = false", folderID)).
			Fields(listFields).
			PageSize(200).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		res, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list folder %s: %w", folderID, err)
		}

		for _, f := range res.Files {
			if f.MimeType == MimeTypeFolder {
				continue
			}
			files = append(files, toRemoteFile(f))
			if len(files) >= p.maxFiles {
				return files, nil
			}
		}

		pageToken = res.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return files, nil
}

// StartPageToken returns the cursor for a fresh change feed.
func (p *Provider) StartPageToken(ctx context.Context, accessToken string) (string, error) {
	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	res, err := svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return res.StartPageToken, nil
}

// Changes drains the incremental change feed from pageToken and returns
// the next cursor to persist.
func (p *Provider) Changes(ctx context.Context, accessToken, pageToken string) ([]Change, string, error) {
	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return nil, "", err
	}

	var changes []Change
	for page := 0; page < p.maxPages; page++ {
		res, err := svc.Changes.List(pageToken).
			Fields("nextPageToken, newStartPageToken, changes(removed, fileId, file(id, name, mimeType, size, md5Checksum, modifiedTime, trashed, parents))").
			PageSize(200).
			Context(ctx).
			Do()
		if err != nil {
			return nil, "", fmt.Errorf("list changes: %w", err)
		}

		for _, c := range res.Changes {
			change := Change{Removed: c.Removed}
			if c.File != nil {
				change.File = toRemoteFile(c.File)
				if c.File.Trashed {
					change.Removed = true
				}
			} else {
				change.File = RemoteFile{ID: c.FileId}
			}
			changes = append(changes, change)
		}

		if res.NewStartPageToken != "" {
			return changes, res.NewStartPageToken, nil
		}
		pageToken = res.NextPageToken
	}
	return changes, pageToken, nil
}

// Download fetches file content. Google Workspace files are exported to
// a plain format since they have no native binary representation.
func (p *Provider) Download(ctx context.Context, accessToken, remoteID, mimeType string) ([]byte, error) {
	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var body io.ReadCloser
	switch mimeType {
	case MimeTypeGoogleDoc, MimeTypeGoogleSlides:
		resp, err := svc.Files.Export(remoteID, ExportMimeText).Context(ctx).Download()
		if err != nil {
			return nil, fmt.Errorf("export file %s: %w", remoteID, err)
		}
		body = resp.Body
	case MimeTypeGoogleSheet:
		resp, err := svc.Files.Export(remoteID, ExportMimeCSV).Context(ctx).Download()
		if err != nil {
			return nil, fmt.Errorf("export file %s: %w", remoteID, err)
		}
		body = resp.Body
	default:
		resp, err := svc.Files.Get(remoteID).Context(ctx).Download()
		if err != nil {
			return nil, fmt.Errorf("download file %s: %w", remoteID, err)
		}
		body = resp.Body
	}
	defer body.Close()

	return io.ReadAll(body)
}

func toRemoteFile(f *drive.File) RemoteFile {
	return RemoteFile{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		Size:         f.Size,
		MD5:          f.Md5Checksum,
		ModifiedTime: f.ModifiedTime,
		Trashed:      f.Trashed,
		Parents:      f.Parents,
	}
}
