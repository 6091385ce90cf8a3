package library

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/syncer"
)

// Item is what a content processor hands over: the bytes of a resource
// and a record describing it.
type Item struct {
	Content    []byte
	LinkedData ld.Record

	// Name is used as the record's name when it has none, and as the
	// remote file title.
	Name string
}

// Ingested holds the hashes an Ingest stored.
type Ingested struct {
	Resource hash.ContentHash
	Record   hash.ContentHash
}

var errNoContent = errors.New("item has no content")

// Ingest stores item's content and its record, indexes the record and
// queues both for upload. The record's identifier is set to the content
// hash; name and dateCreated are filled in when missing.
func (l *Library) Ingest(ctx context.Context, item Item) (Ingested, error) {
	if len(item.Content) == 0 {
		return Ingested{}, errNoContent
	}
	if item.LinkedData.Type() == "" {
		return Ingested{}, ld.ErrMissingType
	}

	l.mu.Lock()
	r, e, err := l.repo, l.engine, l.check()
	l.mu.Unlock()
	if err != nil {
		return Ingested{}, err
	}

	h, err := r.Content().Write(ctx, item.Content)
	if err != nil {
		return Ingested{}, fmt.Errorf("ingest content: %w", err)
	}

	rec := item.LinkedData.With(ld.PropIdentifier, ld.String(h.String()))
	if _, ok := rec.Str(ld.PropName); !ok && item.Name != "" {
		rec = rec.With(ld.PropName, ld.String(item.Name))
	}
	if _, ok := rec.Time(ld.PropDateCreated); !ok {
		rec = rec.With(ld.PropDateCreated, ld.FormatTime(l.now()))
	}
	name, _ := rec.Str(ld.PropName)

	rh, err := l.store(ctx, rec)
	if err != nil {
		return Ingested{}, err
	}

	if _, err := e.Enqueue(ctx, syncer.Record{Kind: syncer.KindResource, Hash: h, Name: name}); err != nil {
		return Ingested{}, err
	}
	if _, err := e.Enqueue(ctx, syncer.Record{Kind: syncer.KindLinkedData, Hash: rh}); err != nil {
		return Ingested{}, err
	}
	l.logger.Debug("ingested", "resource", h.Short(), "record", rh.Short(), "type", rec.Type())
	return Ingested{Resource: h, Record: rh}, nil
}

// Record stores a standalone record such as a watch, settings or habit
// event, indexes it and queues it for upload.
func (l *Library) Record(ctx context.Context, rec ld.Record) (hash.ContentHash, error) {
	rh, err := l.store(ctx, rec)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	e, err := l.engine, l.check()
	l.mu.Unlock()
	if err != nil {
		return "", err
	}
	if _, err := e.Enqueue(ctx, syncer.Record{Kind: syncer.KindLinkedData, Hash: rh}); err != nil {
		return "", err
	}
	return rh, nil
}

// store writes rec and feeds it to the indexes.
func (l *Library) store(ctx context.Context, rec ld.Record) (hash.ContentHash, error) {
	l.mu.Lock()
	r, set, err := l.repo, l.indexes, l.check()
	l.mu.Unlock()
	if err != nil {
		return "", err
	}

	rh, err := r.LinkedData().Write(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("store record: %w", err)
	}
	if err := set.Update(ctx, rec, rh); err != nil {
		return "", fmt.Errorf("index record %s: %w", rh.Short(), err)
	}
	return rh, nil
}
