// Package gcs implements remote.Drive on a Google Cloud Storage bucket.
//
// GCS has no folders, so a folder is an object name prefix ending in "/"
// and a FileID is a full object name. App properties are stored as object
// metadata and Updated serves as the modified time.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/roach88/librarian/internal/remote"
)

// Drive is a remote.Drive backed by one bucket.
type Drive struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

var (
	_ remote.Drive      = (*Drive)(nil)
	_ remote.NameFinder = (*Drive)(nil)
)

// New opens bucket. Every object lives under prefix, which may be empty.
func New(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*Drive, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &Drive{client: client, bucket: client.Bucket(bucket), prefix: folderName(prefix)}, nil
}

// Close releases the storage client.
func (d *Drive) Close() error {
	return d.client.Close()
}

// folderName normalizes p to a prefix ending in "/", or "" for the root.
func folderName(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func (d *Drive) dir(id remote.FileID) string {
	if id == "" {
		return d.prefix
	}
	return string(id)
}

// FindOrCreateFolder returns the prefix for name under parent. Prefixes
// need no object, so nothing is created.
func (d *Drive) FindOrCreateFolder(_ context.Context, name string, parent remote.FileID) (remote.FileID, error) {
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid folder name %q", name)
	}
	return remote.FileID(d.dir(parent) + name + "/"), nil
}

// FindFileByAppProperty scans the given folders for an object whose
// metadata holds key=value. GCS cannot query metadata server side.
func (d *Drive) FindFileByAppProperty(ctx context.Context, key, value string, within []remote.FileID) (remote.FileID, bool, error) {
	for _, dir := range within {
		it := d.bucket.Objects(ctx, &storage.Query{Prefix: d.dir(dir), Delimiter: "/"})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return "", false, classify("find file", err)
			}
			if attrs.Prefix != "" {
				continue
			}
			if attrs.Metadata[key] == value {
				return remote.FileID(attrs.Name), true, nil
			}
		}
	}
	return "", false, nil
}

// FindFileByName reads the attributes of one object, so a lookup costs a
// single request however many objects share the folder.
func (d *Drive) FindFileByName(ctx context.Context, dir remote.FileID, name string) (remote.File, bool, error) {
	attrs, err := d.bucket.Object(path.Join(d.dir(dir), name)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return remote.File{}, false, nil
	}
	if err != nil {
		return remote.File{}, false, classify("find file", err)
	}
	return fileOf(attrs), true, nil
}

func (d *Drive) UploadFile(ctx context.Context, id remote.FileID, meta remote.Metadata, content []byte) (remote.FileID, error) {
	name := string(id)
	if name == "" {
		name = path.Join(d.dir(meta.Parent), meta.Name)
	}

	w := d.bucket.Object(name).NewWriter(ctx)
	w.ContentType = meta.MimeType
	w.Metadata = meta.AppProperties
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := w.Write(content); err != nil {
		w.Close()
		return "", classify("upload", err)
	}
	if err := w.Close(); err != nil {
		return "", classify("upload", err)
	}
	return remote.FileID(name), nil
}

func (d *Drive) ListFilesModifiedSince(ctx context.Context, dir remote.FileID, since time.Time) ([]remote.File, error) {
	files := []remote.File{}
	it := d.bucket.Objects(ctx, &storage.Query{Prefix: d.dir(dir), Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify("list", err)
		}
		if attrs.Prefix != "" || attrs.Updated.Before(since) {
			continue
		}
		files = append(files, fileOf(attrs))
	}
	return files, nil
}

func (d *Drive) DeleteFile(ctx context.Context, id remote.FileID) error {
	err := d.bucket.Object(string(id)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return classify("delete", err)
	}
	return nil
}

func (d *Drive) GetFileContent(ctx context.Context, id remote.FileID) ([]byte, error) {
	r, err := d.bucket.Object(string(id)).NewReader(ctx)
	if err != nil {
		return nil, classify("download", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify("download", err)
	}
	return data, nil
}

func fileOf(attrs *storage.ObjectAttrs) remote.File {
	return remote.File{
		ID:            remote.FileID(attrs.Name),
		Name:          path.Base(attrs.Name),
		MimeType:      attrs.ContentType,
		AppProperties: attrs.Metadata,
		ModifiedTime:  attrs.Updated,
		Size:          attrs.Size,
	}
}

// classify maps storage errors onto the remote error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%s: %w: %v", op, remote.ErrNotFound, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", op, remote.ErrUnauthorized, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, remote.ErrNotFound, err)
		}
	}
	return &remote.NetworkError{Op: op, Err: err}
}
