package index

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/repo"
)

// SettingsStore is the kv store of the settings index.
const SettingsStore = "index_settings"

// SettingsCollection is the targetCollection of settings updates.
const SettingsCollection = "settings"

// Setting is the current value of one named setting, as canonical JSON.
type Setting struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// Settings indexes UpdateAction records that target the settings
// collection, keyed by setting name.
type Settings struct {
	*Temporal[Setting]
}

// NewSettings returns the settings index of r.
func NewSettings(r *repo.Repository, opts ...Option) *Settings {
	o := buildOptions(opts)
	return &Settings{Temporal: NewTemporal(r, SettingsStore, deriveSetting, o.prune, o.logger)}
}

func deriveSetting(rec ld.Record, _ hash.ContentHash) (string, Setting, time.Time, bool) {
	if rec.Type() != ld.TypeUpdateAction {
		return "", Setting{}, time.Time{}, false
	}
	if coll, _ := rec.Str(ld.PropTargetCollection); coll != SettingsCollection {
		return "", Setting{}, time.Time{}, false
	}
	obj, ok := rec.Obj(ld.PropObject)
	if !ok {
		return "", Setting{}, time.Time{}, false
	}
	name, ok := obj[ld.PropName].(ld.String)
	if !ok || name == "" {
		return "", Setting{}, time.Time{}, false
	}
	value, err := ld.MarshalCanonical(obj[ld.PropValue])
	if err != nil {
		return "", Setting{}, time.Time{}, false
	}
	ts, ok := rec.Timestamp()
	if !ok {
		return "", Setting{}, time.Time{}, false
	}
	return string(name), Setting{Name: string(name), Value: value}, ts, true
}

// Search returns the settings with the given names. With no names it
// returns every setting.
func (s *Settings) Search(ctx context.Context, names ...string) ([]Record[Setting], error) {
	results := []Record[Setting]{}
	if len(names) == 0 {
		err := s.Scan(ctx, "", func(r Record[Setting]) bool {
			results = append(results, r)
			return true
		})
		if err != nil {
			return nil, err
		}
		return results, nil
	}

	for _, name := range names {
		r, found, err := s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if found {
			results = append(results, r)
		}
	}
	return results, nil
}

// Lookup decodes the current value of name into v. It reports false when
// the setting has never been set.
func (s *Settings) Lookup(ctx context.Context, name string, v any) (bool, error) {
	r, found, err := s.Get(ctx, name)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(r.Props.Value, v); err != nil {
		return false, err
	}
	return true, nil
}
