package remote

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Limited wraps a Drive so that every call first waits on a rate limiter.
type Limited struct {
	next    Drive
	limiter *rate.Limiter
}

var (
	_ Drive      = (*Limited)(nil)
	_ NameFinder = (*Limited)(nil)
)

// Limit returns d behind limiter.
func Limit(d Drive, limiter *rate.Limiter) *Limited {
	return &Limited{next: d, limiter: limiter}
}

// NewLimiter returns a limiter allowing perSecond calls with the given
// burst.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (l *Limited) FindOrCreateFolder(ctx context.Context, name string, parent FileID) (FileID, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.next.FindOrCreateFolder(ctx, name, parent)
}

func (l *Limited) FindFileByAppProperty(ctx context.Context, key, value string, within []FileID) (FileID, bool, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", false, err
	}
	return l.next.FindFileByAppProperty(ctx, key, value, within)
}

func (l *Limited) UploadFile(ctx context.Context, id FileID, meta Metadata, content []byte) (FileID, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.next.UploadFile(ctx, id, meta, content)
}

func (l *Limited) ListFilesModifiedSince(ctx context.Context, dir FileID, since time.Time) ([]File, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.ListFilesModifiedSince(ctx, dir, since)
}

func (l *Limited) DeleteFile(ctx context.Context, id FileID) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.next.DeleteFile(ctx, id)
}

func (l *Limited) GetFileContent(ctx context.Context, id FileID) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.GetFileContent(ctx, id)
}

// FindFileByName delegates to the wrapped drive. It returns
// errors.ErrUnsupported, without waiting, when that drive is not a
// NameFinder.
func (l *Limited) FindFileByName(ctx context.Context, dir FileID, name string) (File, bool, error) {
	nf, ok := l.next.(NameFinder)
	if !ok {
		return File{}, false, errors.ErrUnsupported
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return File{}, false, err
	}
	return nf.FindFileByName(ctx, dir, name)
}
