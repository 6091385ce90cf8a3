package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/kv"
	"github.com/roach88/librarian/internal/remote"
)

// drain uploads queued records while the engine is ready. It runs only
// on the upload goroutine.
func (e *Engine) drain() {
	for {
		s := e.readySession()
		if s == nil {
			return
		}
		_, ok, err := e.queue.head(s.ctx)
		if err != nil {
			e.uploadFailed(s, Record{}, failure(CodeLocalReadFailed, err))
			return
		}
		if !ok {
			return
		}
		f, ok := e.startUpload(s)
		if !ok {
			return
		}
		e.uploadQueue(s, f)
	}
}

// readySession returns the current session if the engine is ready.
func (e *Engine) readySession() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.state.(Ready); !ok {
		return nil
	}
	return e.session
}

// startUpload moves s from ready to uploading.
func (e *Engine) startUpload(s *session) (folders, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != s {
		return folders{}, false
	}
	if _, ok := e.state.(Ready); !ok {
		return folders{}, false
	}
	e.setState(Uploading{Config: s.cfg})
	return s.folders, true
}

// uploadQueue uploads from the queue head until the queue is empty or a
// step fails. A failed record stays at the head.
func (e *Engine) uploadQueue(s *session, f folders) {
	ctx, span := tracer.Start(s.ctx, "sync.upload")
	defer span.End()
	span.SetAttributes(attribute.String("sync.session", s.id.String()))

	uploaded := 0
	for {
		rec, ok, err := e.queue.head(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.uploadFailed(s, Record{}, failure(CodeLocalReadFailed, err))
			return
		}
		if !ok {
			span.SetAttributes(attribute.Int("sync.uploaded", uploaded))
			e.transition(s, Ready{Config: s.cfg})
			return
		}
		if err := e.uploadOne(ctx, f, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.uploadFailed(s, rec, err)
			return
		}
		uploaded++
	}
}

func (e *Engine) uploadFailed(s *session, rec Record, err error) {
	if e.stale(s) {
		return
	}
	if remote.IsUnauthorized(err) {
		e.endSession(s, ErrorInfo{Code: CodeRemoteUnauthorized, Message: err.Error()})
		return
	}
	e.logger.Error("upload failed", "seq", rec.Seq, "hash", rec.Hash.Short(), "error", err)
	e.fail(s, phaseUpload, Error{
		Config:    s.cfg,
		Info:      ErrorInfo{Code: codeOf(err, CodeRemoteUploadFailed), Message: err.Error()},
		FailedKey: rec.Hash.String(),
	})
}

// uploadOne uploads rec and removes it from the queue.
func (e *Engine) uploadOne(ctx context.Context, f folders, rec Record) error {
	switch rec.Kind {
	case KindResource:
		return e.uploadResource(ctx, f, rec)
	case KindLinkedData:
		return e.uploadLinkedData(ctx, f, rec)
	default:
		e.logger.Warn("dropping queued record of unknown kind", "seq", rec.Seq, "kind", rec.Kind)
		return e.dequeue(ctx, rec.Seq)
	}
}

func (e *Engine) dequeue(ctx context.Context, seqs ...uint64) error {
	if err := e.queue.remove(ctx, seqs...); err != nil {
		return failure(CodeLocalWriteFailed, err)
	}
	return nil
}

func (e *Engine) uploadResource(ctx context.Context, f folders, rec Record) error {
	data, err := e.content.Read(ctx, rec.Hash)
	if kv.IsNotFound(err) {
		e.logger.Info("queued resource no longer stored, dropping", "hash", rec.Hash.Short())
		return e.dequeue(ctx, rec.Seq)
	}
	if err != nil {
		return failure(CodeLocalReadFailed, err)
	}

	props := map[string]string{propHash: rec.Hash.String(), propKind: fileResource}
	if rec.Name != "" {
		props["title"] = rec.Name
	}
	uploaded, err := e.putOnce(ctx, f.resources, rec.Hash, remote.Metadata{
		Name:          rec.Hash.Hex(),
		MimeType:      resourceMimeType,
		Parent:        f.resources,
		AppProperties: props,
	}, data)
	if err != nil {
		uploadsTotal.WithLabelValues(fileResource, "error").Inc()
		return err
	}
	uploadsTotal.WithLabelValues(fileResource, result(uploaded)).Inc()
	return e.dequeue(ctx, rec.Seq)
}

func (e *Engine) uploadLinkedData(ctx context.Context, f folders, rec Record) error {
	data, err := e.linked.ReadRaw(ctx, rec.Hash)
	if kv.IsNotFound(err) {
		// Superseded events are pruned by the indexes.
		e.logger.Info("queued record was pruned, dropping", "hash", rec.Hash.Short())
		return e.dequeue(ctx, rec.Seq)
	}
	if err != nil {
		return failure(CodeLocalReadFailed, err)
	}

	count, err := e.meta.fragments(ctx)
	if err != nil {
		return failure(CodeLocalReadFailed, err)
	}
	if count >= e.fragmentLimit {
		return e.uploadSnapshot(ctx, f)
	}

	uploaded, err := e.putOnce(ctx, f.linkedData, rec.Hash, remote.Metadata{
		Name:          fragmentName(rec.Hash),
		MimeType:      linkedDataMimeType,
		Parent:        f.linkedData,
		AppProperties: map[string]string{propHash: rec.Hash.String(), propKind: fileFragment},
	}, data)
	if err != nil {
		uploadsTotal.WithLabelValues(fileFragment, "error").Inc()
		return err
	}
	uploadsTotal.WithLabelValues(fileFragment, result(uploaded)).Inc()
	if uploaded {
		if err := e.meta.setFragments(ctx, count+1); err != nil {
			return failure(CodeLocalWriteFailed, err)
		}
	}
	return e.dequeue(ctx, rec.Seq)
}

// putOnce uploads content unless dir already holds a file for h. It
// reports whether it uploaded.
func (e *Engine) putOnce(ctx context.Context, dir remote.FileID, h hash.ContentHash, meta remote.Metadata, content []byte) (bool, error) {
	found, err := e.uploaded(ctx, dir, h, meta.Name)
	if err != nil {
		return false, fmt.Errorf("look up %s: %w", h.Short(), err)
	}
	if found {
		return false, nil
	}
	if _, err := e.drive.UploadFile(ctx, "", meta, content); err != nil {
		return false, fmt.Errorf("upload %s: %w", h.Short(), err)
	}
	return true, nil
}

// uploaded reports whether dir holds the file for h. Files are named by
// their hash, so drives that look files up by name answer without the
// folder scan of FindFileByAppProperty.
func (e *Engine) uploaded(ctx context.Context, dir remote.FileID, h hash.ContentHash, name string) (bool, error) {
	if nf, ok := e.drive.(remote.NameFinder); ok {
		f, found, err := nf.FindFileByName(ctx, dir, name)
		if !errors.Is(err, errors.ErrUnsupported) {
			if err != nil {
				return false, err
			}
			return found && f.AppProperties[propHash] == h.String(), nil
		}
	}
	_, found, err := e.drive.FindFileByAppProperty(ctx, propHash, h.String(), []remote.FileID{dir})
	return found, err
}

// uploadSnapshot replaces the remote fragments with one file holding the
// whole linked-data store. The snapshot's floor is the watermark: every
// fragment or snapshot modified before it is deleted, newer ones stay so
// that devices synced past the floor can keep catching up from them.
// Queued linked-data records are covered by the snapshot and dequeued.
func (e *Engine) uploadSnapshot(ctx context.Context, f folders) error {
	floor, err := e.meta.watermark(ctx)
	if err != nil {
		return failure(CodeLocalReadFailed, err)
	}

	// Records are written before they are queued, so everything queued
	// now is in the store read below.
	pending, err := e.queue.list(ctx)
	if err != nil {
		return failure(CodeLocalReadFailed, err)
	}
	var covered []uint64
	for _, rec := range pending {
		if rec.Kind == KindLinkedData {
			covered = append(covered, rec.Seq)
		}
	}

	data, n, err := encodeSnapshot(ctx, e.linked)
	if err != nil {
		return failure(CodeLocalReadFailed, err)
	}

	// A snapshot with the same floor is replaced rather than duplicated.
	existing, found, err := e.drive.FindFileByAppProperty(ctx, propFloor, formatFloor(floor), []remote.FileID{f.linkedData})
	if err != nil {
		return fmt.Errorf("look up snapshot: %w", err)
	}
	if !found {
		existing = ""
	}
	id, err := e.drive.UploadFile(ctx, existing, remote.Metadata{
		Name:     snapshotName(floor),
		MimeType: snapshotMimeType,
		Parent:   f.linkedData,
		AppProperties: map[string]string{
			propKind:  fileSnapshot,
			propFloor: formatFloor(floor),
			propHash:  hash.Of(data).String(),
		},
	}, data)
	if err != nil {
		uploadsTotal.WithLabelValues(fileSnapshot, "error").Inc()
		return fmt.Errorf("upload snapshot: %w", err)
	}
	uploadsTotal.WithLabelValues(fileSnapshot, "uploaded").Inc()
	snapshotsTotal.Inc()

	deleted, err := e.deleteBefore(ctx, f.linkedData, floor, id)
	if err != nil {
		return err
	}
	if err := e.meta.setFragments(ctx, 0); err != nil {
		return failure(CodeLocalWriteFailed, err)
	}
	e.logger.Info("uploaded snapshot", "records", n, "floor", floor, "deleted", deleted, "dequeued", len(covered))
	return e.dequeue(ctx, covered...)
}

// deleteBefore deletes fragments and snapshots in dir modified before
// floor, except keep.
func (e *Engine) deleteBefore(ctx context.Context, dir remote.FileID, floor time.Time, keep remote.FileID) (int, error) {
	if floor.IsZero() {
		return 0, nil
	}
	files, err := e.drive.ListFilesModifiedSince(ctx, dir, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("list superseded files: %w", err)
	}

	deleted := 0
	for _, file := range files {
		if file.ID == keep || !file.ModifiedTime.Before(floor) {
			continue
		}
		switch file.AppProperties[propKind] {
		case fileFragment, fileSnapshot:
		default:
			continue
		}
		if err := e.drive.DeleteFile(ctx, file.ID); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", file.ID, err)
		}
		deleted++
		remoteDeletedTotal.Inc()
	}
	return deleted, nil
}

func result(uploaded bool) string {
	if uploaded {
		return "uploaded"
	}
	return "skipped"
}
