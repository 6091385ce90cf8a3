// Package gdrive implements remote.Drive on the Google Drive v3 API.
package gdrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/roach88/librarian/internal/remote"
)

// AppDataFolder is the hidden per-application space.
const AppDataFolder = "appDataFolder"

const listFields = "nextPageToken, files(id, name, mimeType, appProperties, modifiedTime, size)"

// Drive is a remote.Drive backed by Google Drive.
type Drive struct {
	svc   *drive.Service
	space string
	root  string
}

var _ remote.Drive = (*Drive)(nil)

// Option configures a Drive.
type Option func(*Drive)

// WithAppDataFolder keeps every file in the hidden application data
// folder instead of the user's visible drive.
func WithAppDataFolder() Option {
	return func(d *Drive) {
		d.space = AppDataFolder
		d.root = AppDataFolder
	}
}

// New creates a Drive. Credentials come from clientOpts, typically
// option.WithTokenSource or option.WithHTTPClient.
func New(ctx context.Context, clientOpts []option.ClientOption, opts ...Option) (*Drive, error) {
	svc, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return NewFromService(svc, opts...), nil
}

// NewFromService wraps an existing service.
func NewFromService(svc *drive.Service, opts ...Option) *Drive {
	d := &Drive{svc: svc, space: "drive", root: "root"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Drive) parent(id remote.FileID) string {
	if id == "" {
		return d.root
	}
	return string(id)
}

// quote escapes a value for a Drive query string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, `'`, `\'`) + "'"
}

func (d *Drive) FindOrCreateFolder(ctx context.Context, name string, parent remote.FileID) (remote.FileID, error) {
	q := fmt.Sprintf("name = %s and mimeType = %s and %s in parents and trashed = false",
		quote(name), quote(remote.FolderMimeType), quote(d.parent(parent)))

	list, err := d.svc.Files.List().
		Q(q).
		Spaces(d.space).
		Fields("files(id)").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", classify("find folder", err)
	}
	if len(list.Files) > 0 {
		return remote.FileID(list.Files[0].Id), nil
	}

	f, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: remote.FolderMimeType,
		Parents:  []string{d.parent(parent)},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", classify("create folder", err)
	}
	return remote.FileID(f.Id), nil
}

func (d *Drive) FindFileByAppProperty(ctx context.Context, key, value string, within []remote.FileID) (remote.FileID, bool, error) {
	q := fmt.Sprintf("appProperties has { key=%s and value=%s } and trashed = false", quote(key), quote(value))
	if len(within) > 0 {
		parents := make([]string, len(within))
		for i, id := range within {
			parents[i] = quote(d.parent(id)) + " in parents"
		}
		q += " and (" + strings.Join(parents, " or ") + ")"
	}

	list, err := d.svc.Files.List().
		Q(q).
		Spaces(d.space).
		Fields("files(id)").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", false, classify("find file", err)
	}
	if len(list.Files) == 0 {
		return "", false, nil
	}
	return remote.FileID(list.Files[0].Id), true, nil
}

func (d *Drive) UploadFile(ctx context.Context, id remote.FileID, meta remote.Metadata, content []byte) (remote.FileID, error) {
	file := &drive.File{
		Name:          meta.Name,
		MimeType:      meta.MimeType,
		AppProperties: meta.AppProperties,
	}

	var (
		f   *drive.File
		err error
	)
	if id == "" {
		file.Parents = []string{d.parent(meta.Parent)}
		f, err = d.svc.Files.Create(file).
			Media(bytes.NewReader(content)).
			Fields("id").
			Context(ctx).
			Do()
	} else {
		f, err = d.svc.Files.Update(string(id), file).
			Media(bytes.NewReader(content)).
			Fields("id").
			Context(ctx).
			Do()
	}
	if err != nil {
		return "", classify("upload", err)
	}
	return remote.FileID(f.Id), nil
}

func (d *Drive) ListFilesModifiedSince(ctx context.Context, dir remote.FileID, since time.Time) ([]remote.File, error) {
	q := fmt.Sprintf("%s in parents and mimeType != %s and trashed = false",
		quote(d.parent(dir)), quote(remote.FolderMimeType))
	if !since.IsZero() {
		q += fmt.Sprintf(" and modifiedTime >= %s", quote(since.UTC().Format(time.RFC3339Nano)))
	}

	files := []remote.File{}
	call := d.svc.Files.List().
		Q(q).
		Spaces(d.space).
		Fields(listFields).
		OrderBy("modifiedTime").
		PageSize(1000)
	err := call.Pages(ctx, func(page *drive.FileList) error {
		for _, f := range page.Files {
			modified, err := time.Parse(time.RFC3339Nano, f.ModifiedTime)
			if err != nil {
				return fmt.Errorf("file %s: modifiedTime %q: %w", f.Id, f.ModifiedTime, err)
			}
			files = append(files, remote.File{
				ID:            remote.FileID(f.Id),
				Name:          f.Name,
				MimeType:      f.MimeType,
				AppProperties: f.AppProperties,
				ModifiedTime:  modified,
				Size:          f.Size,
			})
		}
		return nil
	})
	if err != nil {
		return nil, classify("list", err)
	}
	return files, nil
}

func (d *Drive) DeleteFile(ctx context.Context, id remote.FileID) error {
	err := d.svc.Files.Delete(string(id)).Context(ctx).Do()
	if err != nil {
		if err := classify("delete", err); !errors.Is(err, remote.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (d *Drive) GetFileContent(ctx context.Context, id remote.FileID) ([]byte, error) {
	resp, err := d.svc.Files.Get(string(id)).Context(ctx).Download()
	if err != nil {
		return nil, classify("download", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &remote.NetworkError{Op: "download", Err: err}
	}
	return data, nil
}

// rateLimitReasons are 403 reasons that mean "slow down", not "forbidden".
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// classify maps Drive API errors onto the remote error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &remote.NetworkError{Op: op, Err: err}
	}

	switch gerr.Code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w: %v", op, remote.ErrUnauthorized, err)
	case http.StatusForbidden:
		for _, item := range gerr.Errors {
			if rateLimitReasons[item.Reason] {
				return &remote.NetworkError{Op: op, Err: err}
			}
		}
		return fmt.Errorf("%s: %w: %v", op, remote.ErrUnauthorized, err)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w: %v", op, remote.ErrNotFound, err)
	default:
		return &remote.NetworkError{Op: op, Err: err}
	}
}
