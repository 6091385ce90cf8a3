package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FolderMimeType marks folders, following Google Drive.
const FolderMimeType = "application/vnd.google-apps.folder"

var (
	// ErrUnauthorized means the session's credentials were rejected. The
	// sync engine treats it as a sign-out.
	ErrUnauthorized = errors.New("remote: unauthorized")

	// ErrNetwork is matched by every *NetworkError.
	ErrNetwork = errors.New("remote: network error")

	// ErrNotFound means the file does not exist on the remote.
	ErrNotFound = errors.New("remote: file not found")
)

// NetworkError wraps a transport or server failure of one drive call.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrNetwork and the cause.
func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}

// FileID identifies a remote file or folder. Empty means "new file" in
// UploadFile and "root" as a parent.
type FileID string

// Metadata is what the engine sets on an uploaded file.
type Metadata struct {
	Name          string
	MimeType      string
	Parent        FileID
	AppProperties map[string]string
}

// File is a listed remote file.
type File struct {
	ID            FileID
	Name          string
	MimeType      string
	AppProperties map[string]string
	ModifiedTime  time.Time
	Size          int64
}

// Drive is the remote storage the sync engine talks to. Implementations
// attach credentials themselves and report rejected credentials as
// ErrUnauthorized.
type Drive interface {
	// FindOrCreateFolder returns the folder called name under parent,
	// creating it if needed.
	FindOrCreateFolder(ctx context.Context, name string, parent FileID) (FileID, error)

	// FindFileByAppProperty looks for a file carrying key=value within any
	// of the given folders.
	FindFileByAppProperty(ctx context.Context, key, value string, within []FileID) (FileID, bool, error)

	// UploadFile creates a file when id is empty and replaces its content
	// and metadata otherwise.
	UploadFile(ctx context.Context, id FileID, meta Metadata, content []byte) (FileID, error)

	// ListFilesModifiedSince lists the files in dir modified at or after
	// since. A zero since lists everything.
	ListFilesModifiedSince(ctx context.Context, dir FileID, since time.Time) ([]File, error)

	// DeleteFile removes a file. Deleting a missing file is not an error.
	DeleteFile(ctx context.Context, id FileID) error

	// GetFileContent downloads a file.
	GetFileContent(ctx context.Context, id FileID) ([]byte, error)
}

// NameFinder is implemented by drives that can fetch one file by name
// without scanning its folder.
type NameFinder interface {
	// FindFileByName returns the file called name directly in dir.
	FindFileByName(ctx context.Context, dir FileID, name string) (File, bool, error)
}

// IsUnauthorized reports whether err is or wraps ErrUnauthorized.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNetworkError reports whether err is or wraps a *NetworkError.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork)
}
