package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/remote"
	"github.com/roach88/librarian/internal/store"
)

// fetchJob is one remote file the local repository lacks.
type fetchJob struct {
	file remote.File
	kind string
	hash hash.ContentHash
}

// download runs a pass for s and applies its outcome to the state.
func (e *Engine) download(ctx context.Context, s *session) error {
	// Sign-out does not cancel the pass: fetches in flight finish and the
	// stale checks discard what they return.
	ctx, span := tracer.Start(ctx, "sync.download")
	defer span.End()
	span.SetAttributes(attribute.String("sync.session", s.id.String()))

	start := e.now()
	fetched, err := e.downloadPass(ctx, s)
	span.SetAttributes(attribute.Int("sync.fetched", fetched))

	if err == nil && e.stale(s) {
		err = ErrSessionEnded
	}
	if err == nil {
		if err = e.meta.setWatermark(ctx, start); err != nil {
			err = failure(CodeLocalWriteFailed, err)
		}
	}
	if err == nil {
		passDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		e.logger.Info("download pass complete", "session", s.id, "fetched", fetched, "watermark", start)
		if e.transition(s, Ready{Config: s.cfg}) {
			e.queue.notify()
		}
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case errors.Is(err, ErrSessionEnded) || e.stale(s):
		passDuration.WithLabelValues("discarded").Observe(time.Since(start).Seconds())
		e.logger.Info("download pass discarded", "session", s.id)
		return ErrSessionEnded
	case remote.IsUnauthorized(err):
		passDuration.WithLabelValues("unauthorized").Observe(time.Since(start).Seconds())
		e.endSession(s, ErrorInfo{Code: CodeRemoteUnauthorized, Message: err.Error()})
		return err
	default:
		passDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		e.logger.Error("download pass failed", "session", s.id, "error", err)
		e.fail(s, phaseDownload, Error{
			Config: s.cfg,
			Info:   ErrorInfo{Code: codeOf(err, CodeRemoteDownloadFailed), Message: err.Error()},
		})
		return err
	}
}

// downloadPass lists what changed since the watermark, fetches what is
// missing and writes it locally. It reports how many files it fetched.
func (e *Engine) downloadPass(ctx context.Context, s *session) (int, error) {
	f, err := e.remoteFolders(ctx, s)
	if err != nil {
		return 0, err
	}
	wm, err := e.meta.watermark(ctx)
	if err != nil {
		return 0, failure(CodeLocalReadFailed, err)
	}

	var jobs []fetchJob
	for _, dir := range []remote.FileID{f.resources, f.linkedData} {
		files, err := e.drive.ListFilesModifiedSince(ctx, dir, wm)
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, file := range files {
			job, ok, err := e.plan(ctx, s, file, wm)
			if err != nil {
				return 0, err
			}
			if ok {
				jobs = append(jobs, job)
			}
		}
	}

	var discarded atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			return e.fetch(gctx, s, job, &discarded)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if discarded.Load() {
		return 0, ErrSessionEnded
	}
	return len(jobs), nil
}

// remoteFolders returns the session's remote folders, resolving them on first
// use.
func (e *Engine) remoteFolders(ctx context.Context, s *session) (folders, error) {
	e.mu.Lock()
	f := s.folders
	e.mu.Unlock()
	if f.root != "" {
		return f, nil
	}

	f, err := resolveFolders(ctx, e.drive, s.cfg)
	if err != nil {
		return folders{}, fmt.Errorf("resolve remote folders: %w", err)
	}
	e.mu.Lock()
	s.folders = f
	e.mu.Unlock()
	return f, nil
}

// plan decides whether file must be fetched.
func (e *Engine) plan(ctx context.Context, s *session, file remote.File, wm time.Time) (fetchJob, bool, error) {
	if e.stale(s) {
		return fetchJob{}, false, ErrSessionEnded
	}
	kind := file.AppProperties[propKind]
	job := fetchJob{file: file, kind: kind}

	switch kind {
	case fileResource, fileFragment:
		h, err := hash.Parse(file.AppProperties[propHash])
		if err != nil {
			e.logger.Warn("skipping remote file without a valid hash", "file", file.ID, "error", err)
			return fetchJob{}, false, nil
		}
		job.hash = h

		var has bool
		if kind == fileResource {
			has, err = e.content.Has(ctx, h)
		} else {
			has, err = e.linked.Has(ctx, h)
		}
		if err != nil {
			return fetchJob{}, false, failure(CodeLocalReadFailed, err)
		}
		if has && kind == fileFragment {
			// A failed pass may have stored the record without indexing it.
			if err := e.reindex(ctx, h); err != nil {
				return fetchJob{}, false, err
			}
		}
		return job, !has, nil

	case fileSnapshot:
		floor, err := parseFloor(file.AppProperties[propFloor])
		if err != nil {
			e.logger.Warn("skipping snapshot with a bad floor", "file", file.ID, "error", err)
			return fetchJob{}, false, nil
		}
		// Everything a snapshot holds beyond its floor is still in
		// fragments listed by this pass.
		if !floor.After(wm) {
			return fetchJob{}, false, nil
		}
		if raw := file.AppProperties[propHash]; raw != "" {
			if job.hash, err = hash.Parse(raw); err != nil {
				e.logger.Warn("skipping snapshot with a bad hash", "file", file.ID, "error", err)
				return fetchJob{}, false, nil
			}
		}
		return job, true, nil

	default:
		e.logger.Debug("skipping unknown remote file", "file", file.ID, "name", file.Name)
		return fetchJob{}, false, nil
	}
}

func (e *Engine) fetch(ctx context.Context, s *session, job fetchJob, discarded *atomic.Bool) error {
	data, err := e.drive.GetFileContent(ctx, job.file.ID)
	if err != nil {
		downloadsTotal.WithLabelValues(job.kind, "error").Inc()
		return fmt.Errorf("fetch %s: %w", job.file.ID, err)
	}
	if e.stale(s) {
		discarded.Store(true)
		return nil
	}

	switch job.kind {
	case fileResource:
		err = e.content.WriteVerified(ctx, job.hash, data)
	case fileFragment:
		err = e.applyRecord(ctx, job.hash, data)
	case fileSnapshot:
		err = e.applySnapshot(ctx, s, job, data, discarded)
	}
	if err != nil {
		downloadsTotal.WithLabelValues(job.kind, "error").Inc()
		if errors.Is(err, store.ErrIntegrity) {
			return failure(CodeRemoteDownloadFailed, fmt.Errorf("verify %s: %w", job.file.ID, err))
		}
		return failure(codeOf(err, CodeLocalWriteFailed), err)
	}
	downloadsTotal.WithLabelValues(job.kind, "ok").Inc()
	return nil
}

// applyRecord stores one downloaded record and indexes it.
func (e *Engine) applyRecord(ctx context.Context, h hash.ContentHash, data []byte) error {
	rec, err := e.linked.WriteCanonical(ctx, h, data)
	if err != nil {
		return err
	}
	if e.indexes == nil {
		return nil
	}
	if err := e.indexes.Update(ctx, rec, h); err != nil {
		return fmt.Errorf("index %s: %w", h.Short(), err)
	}
	return nil
}

// reindex feeds an already stored record to the indexes again. Indexes
// that hold it already report it unchanged.
func (e *Engine) reindex(ctx context.Context, h hash.ContentHash) error {
	if e.indexes == nil {
		return nil
	}
	rec, err := e.linked.Read(ctx, h)
	if err != nil {
		return failure(CodeLocalReadFailed, err)
	}
	if err := e.indexes.Update(ctx, rec, h); err != nil {
		return failure(CodeLocalWriteFailed, fmt.Errorf("index %s: %w", h.Short(), err))
	}
	return nil
}

func (e *Engine) applySnapshot(ctx context.Context, s *session, job fetchJob, data []byte, discarded *atomic.Bool) error {
	if !job.hash.IsZero() && !job.hash.Verify(data) {
		return fmt.Errorf("snapshot %s: %w", job.file.ID, store.ErrIntegrity)
	}

	applied := 0
	for _, line := range decodeSnapshot(data) {
		if e.stale(s) {
			discarded.Store(true)
			return nil
		}
		has, err := e.linked.Has(ctx, line.Hash)
		if err != nil {
			return failure(CodeLocalReadFailed, err)
		}
		if has {
			if err := e.reindex(ctx, line.Hash); err != nil {
				return err
			}
			continue
		}
		if err := e.applyRecord(ctx, line.Hash, line.Data); err != nil {
			return err
		}
		applied++
	}
	e.logger.Info("applied snapshot", "file", job.file.ID, "records", applied)
	return nil
}
