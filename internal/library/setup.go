package library

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/roach88/librarian/internal/config"
	"github.com/roach88/librarian/internal/logging"
)

// OpenFile loads the config file at path and opens account with the
// logger and drive it describes. Closing the library also closes both.
func OpenFile(ctx context.Context, path, account string, opts ...Option) (*Library, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	drive, driveCloser, err := NewDrive(ctx, cfg.Remote, nil)
	if err != nil {
		return nil, errors.Join(err, logCloser.Close())
	}

	opts = append([]Option{WithLogger(logger)}, opts...)
	l, err := Open(ctx, cfg, account, drive, opts...)
	if err != nil {
		return nil, errors.Join(err, driveCloser.Close(), logCloser.Close())
	}
	l.closers = []io.Closer{driveCloser, logCloser}
	return l, nil
}
