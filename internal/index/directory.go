package index

import (
	"context"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/repo"
)

// DirectoryStore is the kv store of the directory index.
const DirectoryStore = "index_directory"

// DirectoryEntry describes one resource.
type DirectoryEntry struct {
	Name           string   `json:"name"`
	Types          []string `json:"types"`
	EncodingFormat string   `json:"encodingFormat,omitempty"`
}

// DirectoryQuery selects directory entries. Zero fields match everything.
type DirectoryQuery struct {
	// Name matches entries whose name contains it, ignoring case.
	Name string

	// Types matches entries carrying at least one of these @type values.
	Types []string

	// Limit caps the number of results when positive.
	Limit int
}

// Directory indexes resource-describing records by the hash of the
// resource they describe. When several records describe one resource the
// latest dateCreated wins.
type Directory struct {
	*Temporal[DirectoryEntry]
}

// NewDirectory returns the directory index of r.
func NewDirectory(r *repo.Repository, opts ...Option) *Directory {
	o := buildOptions(opts)
	// Resource descriptions are not events, so losers are never pruned.
	return &Directory{Temporal: NewTemporal(r, DirectoryStore, deriveDirectory, false, o.logger)}
}

func deriveDirectory(rec ld.Record, h hash.ContentHash) (string, DirectoryEntry, time.Time, bool) {
	if rec.IsEvent() || rec.Type() == "" {
		return "", DirectoryEntry{}, time.Time{}, false
	}

	key := h
	if ref, ok := rec.Ref(ld.PropIdentifier); ok {
		key = ref
	}

	entry := DirectoryEntry{Types: recordTypes(rec)}
	entry.Name, _ = rec.Str(ld.PropName)
	entry.EncodingFormat, _ = rec.Str(ld.PropEncodingFormat)

	ts, _ := rec.Time(ld.PropDateCreated)
	return key.String(), entry, ts, true
}

func recordTypes(rec ld.Record) []string {
	switch v := rec[ld.PropType].(type) {
	case ld.String:
		return []string{string(v)}
	case ld.Array:
		var types []string
		for _, elem := range v {
			if s, ok := elem.(ld.String); ok {
				types = append(types, string(s))
			}
		}
		return types
	}
	return nil
}

// Search returns matching entries ordered by resource hash.
func (d *Directory) Search(ctx context.Context, q DirectoryQuery) ([]Record[DirectoryEntry], error) {
	// A Caser is stateful and must not be shared between goroutines.
	fold := cases.Fold()
	needle := fold.String(q.Name)

	results := []Record[DirectoryEntry]{}
	err := d.Scan(ctx, "", func(r Record[DirectoryEntry]) bool {
		if needle != "" && !strings.Contains(fold.String(r.Props.Name), needle) {
			return true
		}
		if len(q.Types) > 0 && !slices.ContainsFunc(r.Props.Types, func(t string) bool {
			return slices.Contains(q.Types, t)
		}) {
			return true
		}
		results = append(results, r)
		return q.Limit <= 0 || len(results) < q.Limit
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
