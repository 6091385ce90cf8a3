package syncer

import "fmt"

// DefaultRootFolder is the remote folder that holds everything the engine
// uploads.
const DefaultRootFolder = "librarian"

// Config identifies the remote account a session is bound to.
type Config struct {
	// Account names the signed-in remote account.
	Account string `validate:"required"`

	// RootFolder is the top-level remote folder. Empty means
	// DefaultRootFolder.
	RootFolder string
}

func (c Config) root() string {
	if c.RootFolder == "" {
		return DefaultRootFolder
	}
	return c.RootFolder
}

// ErrorCode classifies a sync failure for display.
type ErrorCode string

const (
	CodeLocalReadFailed      ErrorCode = "local_read_failed"
	CodeLocalWriteFailed     ErrorCode = "local_write_failed"
	CodeRemoteUploadFailed   ErrorCode = "remote_upload_failed"
	CodeRemoteDownloadFailed ErrorCode = "remote_download_failed"
	CodeRemoteUnauthorized   ErrorCode = "remote_unauthorized"
)

// ErrorInfo is what a caller shows for a failed step.
type ErrorInfo struct {
	Code    ErrorCode
	Message string
}

func (i ErrorInfo) String() string {
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

// State is the engine's observable state. The variants are Idle,
// Downloading, Ready, Uploading and Error; no other type implements it.
type State interface {
	syncState()
	String() string
}

// Idle means no remote session. Cause is set when the session ended
// because the remote rejected its credentials.
type Idle struct {
	Cause *ErrorInfo
}

// Downloading means a download pass is running.
type Downloading struct {
	Config Config
}

// Ready means the session is up and the upload queue is empty or about
// to be drained.
type Ready struct {
	Config Config
}

// Uploading means the queue is being drained.
type Uploading struct {
	Config Config
}

// Error means a step failed. FailedKey is the hash of the queued record
// that failed, or empty when a download pass failed.
type Error struct {
	Config    Config
	Info      ErrorInfo
	FailedKey string
}

func (Idle) syncState()        {}
func (Downloading) syncState() {}
func (Ready) syncState()       {}
func (Uploading) syncState()   {}
func (Error) syncState()       {}

func (s Idle) String() string {
	if s.Cause != nil {
		return "idle (" + s.Cause.String() + ")"
	}
	return "idle"
}

func (Downloading) String() string { return "downloading" }
func (Ready) String() string       { return "ready" }
func (Uploading) String() string   { return "uploading" }

func (s Error) String() string {
	return "error (" + s.Info.String() + ")"
}

// Match calls the function for the variant s holds. Every variant must
// be handled.
func Match[T any](s State,
	idle func(Idle) T,
	downloading func(Downloading) T,
	ready func(Ready) T,
	uploading func(Uploading) T,
	failed func(Error) T,
) T {
	switch v := s.(type) {
	case Idle:
		return idle(v)
	case Downloading:
		return downloading(v)
	case Ready:
		return ready(v)
	case Uploading:
		return uploading(v)
	case Error:
		return failed(v)
	default:
		panic(fmt.Sprintf("syncer: unknown state %T", s))
	}
}

// stateName is the metrics label of s.
func stateName(s State) string {
	return Match(s,
		func(Idle) string { return "idle" },
		func(Downloading) string { return "downloading" },
		func(Ready) string { return "ready" },
		func(Uploading) string { return "uploading" },
		func(Error) string { return "error" },
	)
}
