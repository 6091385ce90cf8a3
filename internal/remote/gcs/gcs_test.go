package gcs

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/roach88/librarian/internal/remote"
)

func TestFolderName(t *testing.T) {
	assert.Equal(t, "", folderName(""))
	assert.Equal(t, "", folderName("/"))
	assert.Equal(t, "librarian/", folderName("librarian"))
	assert.Equal(t, "a/b/", folderName("/a/b/"))
}

func TestFindOrCreateFolderBuildsPrefixes(t *testing.T) {
	ctx := context.Background()
	d := &Drive{prefix: "accounts/alice/"}

	root, err := d.FindOrCreateFolder(ctx, "librarian", "")
	require.NoError(t, err)
	assert.Equal(t, remote.FileID("accounts/alice/librarian/"), root)

	child, err := d.FindOrCreateFolder(ctx, "resources", root)
	require.NoError(t, err)
	assert.Equal(t, remote.FileID("accounts/alice/librarian/resources/"), child)

	_, err = d.FindOrCreateFolder(ctx, "a/b", root)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify("get", storage.ErrObjectNotExist), remote.ErrNotFound)
	assert.ErrorIs(t, classify("get", &googleapi.Error{Code: 403}), remote.ErrUnauthorized)
	assert.ErrorIs(t, classify("get", &googleapi.Error{Code: 503}), remote.ErrNetwork)
	assert.ErrorIs(t, classify("get", errors.New("EOF")), remote.ErrNetwork)
	assert.ErrorIs(t, classify("get", context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestFileOf(t *testing.T) {
	updated := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f := fileOf(&storage.ObjectAttrs{
		Name:        "librarian/resources/abc",
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"hash": "h"},
		Updated:     updated,
		Size:        3,
	})
	assert.Equal(t, remote.FileID("librarian/resources/abc"), f.ID)
	assert.Equal(t, "abc", f.Name)
	assert.Equal(t, "h", f.AppProperties["hash"])
	assert.True(t, f.ModifiedTime.Equal(updated))
	assert.EqualValues(t, 3, f.Size)
}
