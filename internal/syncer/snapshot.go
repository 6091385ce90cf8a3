package syncer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/remote"
	"github.com/roach88/librarian/internal/store"
)

// Remote folder names under the root folder.
const (
	ResourcesFolder  = "resources"
	LinkedDataFolder = "linked-data"
)

// App properties set on uploaded files.
const (
	propHash  = "hash"
	propKind  = "kind"
	propFloor = "floor"
)

// Values of the kind app property.
const (
	fileResource = "resource"
	fileFragment = "fragment"
	fileSnapshot = "snapshot"
)

const (
	resourceMimeType   = "application/octet-stream"
	linkedDataMimeType = "application/ld+json"
	snapshotMimeType   = "application/x-ndjson"
)

// folders are the remote folder ids of one session.
type folders struct {
	root       remote.FileID
	resources  remote.FileID
	linkedData remote.FileID
}

func resolveFolders(ctx context.Context, d remote.Drive, cfg Config) (folders, error) {
	var f folders
	var err error
	if f.root, err = d.FindOrCreateFolder(ctx, cfg.root(), ""); err != nil {
		return folders{}, err
	}
	if f.resources, err = d.FindOrCreateFolder(ctx, ResourcesFolder, f.root); err != nil {
		return folders{}, err
	}
	if f.linkedData, err = d.FindOrCreateFolder(ctx, LinkedDataFolder, f.root); err != nil {
		return folders{}, err
	}
	return f, nil
}

// encodeSnapshot writes every stored record as one canonical JSON line,
// in hash order. Canonical JSON escapes control characters, so a record
// never spans lines.
func encodeSnapshot(ctx context.Context, lds *store.LinkedDataStore) ([]byte, int, error) {
	var buf bytes.Buffer
	n := 0
	cursor := ""
	for {
		page, err := lds.Iterate(ctx, cursor, store.DefaultPageSize)
		if err != nil {
			return nil, 0, err
		}
		for _, e := range page.Entries {
			buf.Write(e.Value)
			buf.WriteByte('\n')
			n++
		}
		if page.Done {
			return buf.Bytes(), n, nil
		}
		cursor = page.Next
	}
}

// snapshotLine is one record read back from a snapshot.
type snapshotLine struct {
	Hash hash.ContentHash
	Data []byte
}

func decodeSnapshot(data []byte) []snapshotLine {
	var out []snapshotLine
	for line := range bytes.Lines(data) {
		line = bytes.TrimSuffix(line, []byte{'\n'})
		if len(line) == 0 {
			continue
		}
		out = append(out, snapshotLine{Hash: hash.Of(line), Data: line})
	}
	return out
}

func snapshotName(floor time.Time) string {
	return fmt.Sprintf("snapshot-%s.ndjson", floor.UTC().Format("20060102T150405.000000000Z"))
}

func fragmentName(h hash.ContentHash) string {
	return h.Hex() + ".jsonld"
}

func formatFloor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseFloor(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
