package library

import (
	"context"
	"fmt"
	"io"
	"time"

	"google.golang.org/api/option"

	"github.com/roach88/librarian/internal/config"
	"github.com/roach88/librarian/internal/remote"
	"github.com/roach88/librarian/internal/remote/gcs"
	"github.com/roach88/librarian/internal/remote/gdrive"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewDrive builds the remote drive named by cfg. The Closer releases its
// client and must be called after the library is closed. now is only
// used by the in-memory drive.
func NewDrive(ctx context.Context, cfg config.RemoteConfig, now func() time.Time) (remote.Drive, io.Closer, error) {
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	switch cfg.Kind {
	case config.RemoteMemory:
		if now == nil {
			now = time.Now
		}
		return remote.NewMemory(now), nopCloser{}, nil

	case config.RemoteGDrive:
		var opts []gdrive.Option
		if cfg.AppDataFolder {
			opts = append(opts, gdrive.WithAppDataFolder())
		}
		d, err := gdrive.New(ctx, clientOpts, opts...)
		if err != nil {
			return nil, nil, err
		}
		return d, nopCloser{}, nil

	case config.RemoteGCS:
		d, err := gcs.New(ctx, cfg.Bucket, cfg.Prefix, clientOpts...)
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil

	default:
		return nil, nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
}
