// Package download drives resumable, integrity-checked chunked downloads of model
// files and keeps track of which downloads are in flight.
package download

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shepherd-project/modelfetch/internal/session"
)

// State is the lifecycle state reported for a download
type State string

const (
	StateNone        State = "none"
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StateValidating  State = "validating"
	StateCompleted   State = "completed"
	StateErrored     State = "errored"
)

// Active reports whether the state belongs to a running engine
func (s State) Active() bool {
	return s == StateDownloading || s == StateValidating
}

// FromSession maps an at-rest session status to a State
func FromSession(s *session.Session) State {
	switch s.Status() {
	case session.StatusCompleted:
		return StateCompleted
	case session.StatusErrored:
		return StateErrored
	case session.StatusIdle:
		return StateIdle
	default:
		return StateNone
	}
}

// Target describes what to download and where to put it
type Target struct {
	ModelID   string `json:"modelId"`
	URL       string `json:"url"`
	Directory string `json:"directory"`
	FileName  string `json:"fileName"`
	// Signature is the expected hex SHA-256. Empty skips validation.
	Signature string `json:"signature,omitempty"`
}

// Path is the destination file path
func (t Target) Path() string {
	return filepath.Join(t.Directory, t.FileName)
}

// Validate checks the target before any I/O
func (t Target) Validate() error {
	switch {
	case strings.TrimSpace(t.ModelID) == "":
		return argumentError("model id is required")
	case strings.TrimSpace(t.URL) == "":
		return argumentError("download url is required")
	case strings.TrimSpace(t.FileName) == "":
		return argumentError("file name is required")
	case strings.TrimSpace(t.Directory) == "":
		return argumentError("destination directory is required")
	case strings.ContainsAny(t.FileName, `/\`) || t.FileName == "." || t.FileName == "..":
		return argumentError("file name must not contain path separators")
	}
	return nil
}

// Config contains configuration for downloads
type Config struct {
	ChunkSize     int64         // Size of each ranged request
	MaxConcurrent int           // Maximum sessions downloading at once
	Timeout       time.Duration // Per-request timeout of the HTTP client
	UserAgent     string
	MinFreeSpace  uint64 // Bytes that must stay free after the download
	DiscardStale  bool   // Restart from scratch instead of failing on a stale resume
}

// DefaultChunkSize is 10 MiB
const DefaultChunkSize int64 = 10 * 1024 * 1024

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.UserAgent == "" {
		c.UserAgent = "modelfetch"
	}
	return c
}

// Result is the outcome of one engine run
type Result struct {
	ModelID string
	State   State
	// Session is the persisted record after the run; nil when the download was cancelled
	Session *session.Session
	// Fetched lists the chunk indexes requested during this run
	Fetched []int64
}

type signal int32

const (
	signalNone signal = iota
	signalPause
	signalCancel
)

// Control carries the cooperative pause/cancel request for one run. The engine
// reads it once per chunk boundary.
type Control struct {
	v atomic.Int32

	mu   sync.Mutex
	wake chan struct{}
	woke bool
}

// Pause asks the run to stop after the current chunk and keep its progress
func (c *Control) Pause() {
	c.v.CompareAndSwap(int32(signalNone), int32(signalPause))
	c.notify()
}

// Cancel asks the run to stop and delete its file and session. It overrides a pending pause.
func (c *Control) Cancel() {
	c.v.Store(int32(signalCancel))
	c.notify()
}

// Signalled is closed once Pause or Cancel has been called
func (c *Control) Signalled() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wake == nil {
		c.wake = make(chan struct{})
		if c.woke {
			close(c.wake)
		}
	}
	return c.wake
}

func (c *Control) notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.woke {
		return
	}
	c.woke = true
	if c.wake != nil {
		close(c.wake)
	}
}

func (c *Control) load() signal {
	if c == nil {
		return signalNone
	}
	return signal(c.v.Load())
}
