package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/roach88/librarian/internal/hash"
	"github.com/roach88/librarian/internal/ld"
	"github.com/roach88/librarian/internal/remote"
	"github.com/roach88/librarian/internal/repo"
	"github.com/roach88/librarian/internal/store"
)

const (
	// DefaultFragmentLimit is how many linked-data fragments are uploaded
	// before the next linked-data upload becomes a full snapshot.
	DefaultFragmentLimit = 32

	// DefaultDownloadConcurrency bounds parallel fetches in a download
	// pass.
	DefaultDownloadConcurrency = 6
)

var (
	// ErrNotSignedIn is returned by operations that need a session.
	ErrNotSignedIn = errors.New("sync: not signed in")

	// ErrSessionEnded is returned by a download pass whose session was
	// signed out or replaced while it ran. Its results were discarded.
	ErrSessionEnded = errors.New("sync: session ended")

	// ErrBusy is returned by Refresh while a pass or an upload runs.
	ErrBusy = errors.New("sync: engine busy")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sync: engine closed")
)

var (
	tracer   = otel.Tracer("librarian.sync")
	validate = validator.New()
)

// Indexer receives every linked-data record a download pass writes.
// *index.Set implements it.
type Indexer interface {
	Update(ctx context.Context, rec ld.Record, h hash.ContentHash) error
}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	FragmentLimit       int
	DownloadConcurrency int

	// Limiter, when set, paces every remote call.
	Limiter *rate.Limiter

	// Indexes is fed downloaded records. Nil skips indexing.
	Indexes Indexer

	Now    func() time.Time
	Logger *slog.Logger
}

type phase int

const (
	phaseDownload phase = iota + 1
	phaseUpload
)

// session is one signed-in period. Sign-out or a new sign-in replaces
// it, and work started under an old session must not touch local state.
type session struct {
	id     uuid.UUID
	cfg Config

	// ctx ends with the session. Uploads run under it; download passes
	// do not, so their fetches finish after a sign-out.
	ctx    context.Context
	cancel context.CancelFunc

	// folders is guarded by Engine.mu.
	folders folders
}

// Engine reconciles one repository with a remote drive.
//
// Uploads are drained by a single goroutine, oldest first, one at a time.
// Download passes run on the caller's goroutine in SignIn, Refresh and
// Retry. All state changes go through mu.
type Engine struct {
	content *store.ContentStore
	linked  *store.LinkedDataStore
	drive   remote.Drive
	indexes Indexer
	queue   *queue
	meta    meta

	fragmentLimit int
	concurrency   int
	now           func() time.Time
	logger        *slog.Logger

	mu       sync.Mutex
	state    State
	session  *session
	failedIn phase
	subs     map[int]chan State
	nextSub  int
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New returns an idle engine for r and starts its upload goroutine.
// r must carry the QueueStore and MetaStore stores.
func New(r *repo.Repository, d remote.Drive, opts Options) *Engine {
	if opts.FragmentLimit <= 0 {
		opts.FragmentLimit = DefaultFragmentLimit
	}
	if opts.DownloadConcurrency <= 0 {
		opts.DownloadConcurrency = DefaultDownloadConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limiter != nil {
		d = remote.Limit(d, opts.Limiter)
	}

	db := r.Substrate()
	e := &Engine{
		content:       r.Content(),
		linked:        r.LinkedData(),
		drive:         d,
		indexes:       opts.Indexes,
		queue:         newQueue(db),
		meta:          meta{db: db},
		fragmentLimit: opts.FragmentLimit,
		concurrency:   opts.DownloadConcurrency,
		now:           opts.Now,
		logger:        opts.Logger.With("repo", r.Name()),
		state:         Idle{},
		subs:          make(map[int]chan State),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.queue.wait():
			e.drain()
		}
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe returns a channel that receives the current state and then
// every change. A subscriber that falls more than a few dozen states
// behind misses states. Call the returned func to unsubscribe.
func (e *Engine) Subscribe() (<-chan State, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan State, 64)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	ch <- e.state

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

// setState publishes st. e.mu must be held.
func (e *Engine) setState(st State) {
	e.state = st
	stateTransitions.WithLabelValues(stateName(st)).Inc()
	e.logger.Debug("sync state", "state", st.String())
	for id, ch := range e.subs {
		select {
		case ch <- st:
		default:
			e.logger.Warn("sync subscriber lagging, state dropped", "subscriber", id, "state", st.String())
		}
	}
}

// transition sets st if s is still the current session.
func (e *Engine) transition(s *session, st State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != s {
		return false
	}
	e.setState(st)
	return true
}

func (e *Engine) stale(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != s
}

// SignIn starts a session for cfg and runs its first download pass.
// Any previous session ends first. The returned error is the pass's
// error; the engine state reflects it as well.
func (e *Engine) SignIn(ctx context.Context, cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("sign in: invalid config: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.session != nil {
		e.session.cancel()
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{id: uuid.Must(uuid.NewV7()), cfg: cfg, ctx: sctx, cancel: cancel}
	e.session = s
	e.setState(Downloading{Config: cfg})
	e.mu.Unlock()

	e.logger.Info("sync session started", "account", cfg.Account, "session", s.id)
	return e.download(ctx, s)
}

// SignOut ends the session. In-flight work finishes but its results are
// discarded; queued records stay queued.
func (e *Engine) SignOut() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return
	}
	e.logger.Info("sync session ended", "session", e.session.id)
	e.session.cancel()
	e.session = nil
	e.setState(Idle{})
}

// endSession signs s out because of cause.
func (e *Engine) endSession(s *session, cause ErrorInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != s {
		return
	}
	e.logger.Warn("sync session ended", "session", s.id, "cause", cause.String())
	s.cancel()
	e.session = nil
	e.setState(Idle{Cause: &cause})
}

// fail moves s to the error state.
func (e *Engine) fail(s *session, p phase, st Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != s {
		return
	}
	e.failedIn = p
	e.setState(st)
}

// Enqueue records an object for upload and wakes the uploader. The
// object must already be in its local store.
func (e *Engine) Enqueue(ctx context.Context, rec Record) (Record, error) {
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = e.now().UTC()
	}
	rec, err := e.queue.push(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	enqueuedTotal.WithLabelValues(string(rec.Kind)).Inc()
	return rec, nil
}

// Queue returns the records not yet uploaded, oldest first.
func (e *Engine) Queue(ctx context.Context) ([]Record, error) {
	return e.queue.list(ctx)
}

// Watermark returns the start time of the last successful download
// pass, or the zero time.
func (e *Engine) Watermark(ctx context.Context) (time.Time, error) {
	return e.meta.watermark(ctx)
}

// Retry resumes after an error. A failed upload resumes from the same
// queue head; a failed download pass runs again and its error is
// returned. Retry does nothing outside the error state.
func (e *Engine) Retry(ctx context.Context) error {
	e.mu.Lock()
	if _, ok := e.state.(Error); !ok {
		e.mu.Unlock()
		return nil
	}
	s := e.session
	if e.failedIn == phaseUpload {
		e.setState(Ready{Config: s.cfg})
		e.mu.Unlock()
		e.queue.notify()
		return nil
	}
	e.setState(Downloading{Config: s.cfg})
	e.mu.Unlock()

	return e.download(ctx, s)
}

// Refresh runs a download pass from the ready state.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrNotSignedIn
	}
	if _, ok := e.state.(Ready); !ok {
		e.mu.Unlock()
		return ErrBusy
	}
	s := e.session
	e.setState(Downloading{Config: s.cfg})
	e.mu.Unlock()

	return e.download(ctx, s)
}

// Close signs out, stops the upload goroutine and closes subscriber
// channels. The repository is not closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.session != nil {
		e.session.cancel()
		e.session = nil
	}
	e.setState(Idle{})
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
	return nil
}

// stepError tags a failure with the code shown to the user.
type stepError struct {
	code ErrorCode
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func failure(code ErrorCode, err error) error {
	return &stepError{code: code, err: err}
}

func codeOf(err error, fallback ErrorCode) ErrorCode {
	var se *stepError
	if errors.As(err, &se) {
		return se.code
	}
	return fallback
}
