package ld

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/librarian/internal/hash"
)

// Well-known property names.
const (
	PropType             = "@type"
	PropIdentifier       = "identifier"
	PropName             = "name"
	PropObject           = "object"
	PropStartTime        = "startTime"
	PropEndTime          = "endTime"
	PropPublished        = "published"
	PropPosition         = "position"
	PropTargetCollection = "targetCollection"
	PropActionStatus     = "actionStatus"
	PropValue            = "value"
	PropEncodingFormat   = "encodingFormat"
	PropDateCreated      = "dateCreated"
)

// Record types the indexers understand. Any other @type describes a
// resource (Article, Book, VideoObject, ...).
const (
	TypeWatchAction  = "WatchAction"
	TypeUpdateAction = "UpdateAction"
	TypeCheckAction  = "CheckAction"
)

// ErrMissingType is returned when a record has no usable @type.
var ErrMissingType = errors.New("record has no @type")

// Record is a linked-data document: a JSON object with an @type
// discriminant. A Record is identified by the ContentHash of its canonical
// serialization.
type Record map[string]Value

func (Record) ldValue() {}

// NewRecord builds a record of the given type.
func NewRecord(typ string, pairs ...Pair) Record {
	r := Record(NewObject(pairs...))
	r[PropType] = String(typ)
	return r
}

// ParseRecord decodes JSON into a record and checks it has a type.
func ParseRecord(data []byte) (Record, error) {
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	r := Record(obj)
	if r.Type() == "" {
		return nil, ErrMissingType
	}
	return r, nil
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	return Object(r).MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = Record(obj)
	return nil
}

// Canonical returns the canonical bytes and content hash of r.
func (r Record) Canonical() ([]byte, hash.ContentHash, error) {
	data, err := MarshalCanonical(r)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize record: %w", err)
	}
	return data, hash.Of(data), nil
}

// Hash returns the content hash of r.
func (r Record) Hash() (hash.ContentHash, error) {
	_, h, err := r.Canonical()
	return h, err
}

// Type returns the @type discriminant. When @type is an array, the first
// string element is used.
func (r Record) Type() string {
	switch v := r[PropType].(type) {
	case String:
		return string(v)
	case Array:
		for _, elem := range v {
			if s, ok := elem.(String); ok {
				return string(s)
			}
		}
	}
	return ""
}

// IsEvent reports whether r is one of the action types tracked by the
// temporal indexes.
func (r Record) IsEvent() bool {
	switch r.Type() {
	case TypeWatchAction, TypeUpdateAction, TypeCheckAction:
		return true
	}
	return false
}

// Str returns a string property.
func (r Record) Str(key string) (string, bool) {
	s, ok := r[key].(String)
	return string(s), ok
}

// Int returns an integer property.
func (r Record) Int(key string) (int64, bool) {
	n, ok := r[key].(Int)
	return int64(n), ok
}

// Obj returns a nested object property.
func (r Record) Obj(key string) (Object, bool) {
	switch v := r[key].(type) {
	case Object:
		return v, true
	case Record:
		return Object(v), true
	}
	return nil, false
}

// Time returns an RFC 3339 timestamp property.
func (r Record) Time(key string) (time.Time, bool) {
	s, ok := r.Str(key)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Timestamp returns the time used for last-writer-wins ordering:
// startTime, falling back to published.
func (r Record) Timestamp() (time.Time, bool) {
	if t, ok := r.Time(PropStartTime); ok {
		return t, true
	}
	return r.Time(PropPublished)
}

// Ref returns a ContentHash stored under key, either as a plain string or
// as an object carrying an identifier.
func (r Record) Ref(key string) (hash.ContentHash, bool) {
	var raw string
	switch v := r[key].(type) {
	case String:
		raw = string(v)
	case Object:
		s, ok := v[PropIdentifier].(String)
		if !ok {
			return "", false
		}
		raw = string(s)
	default:
		return "", false
	}
	h, err := hash.Parse(raw)
	if err != nil {
		return "", false
	}
	return h, true
}

// With returns a copy of r with key set to v.
func (r Record) With(key string, v Value) Record {
	out := Record(Object(r).Clone())
	out[key] = v
	return out
}

// FormatTime renders t the way records store timestamps.
func FormatTime(t time.Time) String {
	return String(t.UTC().Format(time.RFC3339Nano))
}
