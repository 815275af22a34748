package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shepherd-project/modelfetch/internal/fetch"
	"github.com/shepherd-project/modelfetch/internal/hasher"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/progress"
	"github.com/shepherd-project/modelfetch/internal/session"
)

// Fetcher issues the remote requests of a download
type Fetcher interface {
	Head(ctx context.Context, url string) (*fetch.RemoteInfo, error)
	GetRange(ctx context.Context, url string, start, end int64) ([]byte, error)
}

// SessionStore persists session checkpoints
type SessionStore interface {
	SaveSession(ctx context.Context, s *session.Session) error
	DeleteSession(ctx context.Context, id string) error
}

// SpaceFunc returns the free bytes on the filesystem holding dir
type SpaceFunc func(dir string) (uint64, error)

// Engine runs single download sessions. One Engine serves any number of
// sessions; each Run call owns its own file handle and hasher.
type Engine struct {
	fetcher Fetcher
	store   SessionStore
	space   SpaceFunc
	config  Config
}

// NewEngine creates an engine. space may be nil to skip the free-space check.
func NewEngine(fetcher Fetcher, store SessionStore, space SpaceFunc, config Config) *Engine {
	return &Engine{
		fetcher: fetcher,
		store:   store,
		space:   space,
		config:  config.withDefaults(),
	}
}

// Request is the input of one engine run
type Request struct {
	Target Target
	// Previous is the stored session for the target, nil if none
	Previous *session.Session
	Resume   bool
	Control  *Control
	Progress progress.Channel
}

// run is the state of one engine run
type run struct {
	e       *Engine
	ctx     context.Context
	target  Target
	sess    *session.Session
	hash    *hasher.Hasher
	rehash  bool
	file    *os.File
	emit    progress.Channel
	fetched []int64
}

func (r *run) state(s State) {
	r.emit.Emit(progress.StateEvent(r.target.ModelID, string(s)))
}

func (r *run) percent(p int) {
	r.emit.Emit(progress.ProgressEvent(r.target.ModelID, p))
}

func (r *run) result(s State) *Result {
	return &Result{ModelID: r.target.ModelID, State: s, Session: r.sess.Clone(), Fetched: r.fetched}
}

// persistCtx outlives a cancelled run context so the last checkpoint is still written
func (r *run) persistCtx() context.Context {
	return context.WithoutCancel(r.ctx)
}

func (r *run) checkpoint() error {
	if err := r.e.store.SaveSession(r.persistCtx(), r.sess); err != nil {
		return fileSystemError("persist session", err)
	}
	return nil
}

// fail reports the errored state and returns err
func (r *run) fail(err error) (*Result, error) {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	logger.WithFields(map[string]interface{}{
		"model": r.target.ModelID,
		"chunk": r.sess.LastCompletedChunkIndex,
	}).WithError(err).Error("download failed")
	r.state(StateErrored)
	return r.result(StateErrored), err
}

// Run downloads req.Target, starting fresh or from the stored cursor, until it
// completes, is paused, is cancelled or fails. A cancelled ctx is handled like a pause.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Target.Validate(); err != nil {
		return nil, err
	}

	r := &run{
		e:      e,
		ctx:    ctx,
		target: req.Target,
		emit:   req.Progress,
	}
	if r.emit == nil {
		r.emit = progress.Discard
	}
	r.sess = req.Previous.Clone()
	if r.sess == nil {
		r.sess = session.New(session.Options{ID: req.Target.ModelID, SavePath: req.Target.Path()})
	}

	r.state(StateDownloading)

	info, err := e.fetcher.Head(ctx, req.Target.URL)
	if err != nil {
		if ctx.Err() != nil {
			return r.pause()
		}
		return r.fail(networkError(err))
	}

	resume := req.Resume && req.Previous.Resumable()
	if resume {
		if info.LastModified != req.Previous.Modified || info.Size != req.Previous.Size {
			return r.fail(staleRemoteError(req.Previous.Modified, info.LastModified, req.Previous.Size, info.Size))
		}
		if err := r.openResume(); err != nil {
			return r.fail(err)
		}
	} else {
		if err := r.openFresh(info); err != nil {
			return r.fail(err)
		}
	}

	logger.WithFields(map[string]interface{}{
		"model":  r.target.ModelID,
		"size":   humanize.IBytes(uint64(r.sess.Size)),
		"chunk":  r.sess.LastCompletedChunkIndex,
		"total":  r.sess.TotalChunks(),
		"resume": resume,
	}).Info("download started")

	total := r.sess.TotalChunks()
	for idx := r.sess.LastCompletedChunkIndex; idx < total; idx++ {
		switch req.Control.load() {
		case signalPause:
			return r.pause()
		case signalCancel:
			return r.cancel()
		}
		if ctx.Err() != nil {
			return r.pause()
		}

		if err := r.chunk(idx); err != nil {
			if ctx.Err() != nil {
				return r.pause()
			}
			return r.fail(err)
		}
	}

	// Cancel requested while the last chunk was in flight
	if req.Control.load() == signalCancel {
		return r.cancel()
	}

	if err := r.file.Close(); err != nil {
		r.file = nil
		return r.fail(fileSystemError("close file", err))
	}
	r.file = nil

	return r.finish()
}

// openFresh truncates the destination and starts a new cursor
func (r *run) openFresh(info *fetch.RemoteInfo) error {
	chunkSize := r.e.config.ChunkSize
	r.sess = session.Merge(r.sess, session.Partial{
		SavePath:                session.Ptr(r.target.Path()),
		Modified:                session.Ptr(info.LastModified),
		Size:                    session.Ptr(info.Size),
		ChunkSize:               session.Ptr(chunkSize),
		LastCompletedChunkIndex: session.Ptr(int64(0)),
		ProgressPercent:         session.Ptr(0),
		Validation:              session.Ptr(session.ValidationNone),
		Checksum:                session.Ptr(""),
		ClearHashState:          true,
	})

	if err := os.MkdirAll(r.target.Directory, 0755); err != nil {
		return fileSystemError("create directory", err)
	}
	if err := r.e.checkSpace(r.target.Directory, info.Size); err != nil {
		return err
	}

	f, err := os.OpenFile(r.sess.SavePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fileSystemError("open file", err)
	}
	r.file = f

	if r.target.Signature != "" {
		r.hash = hasher.New()
	}
	return r.checkpoint()
}

// openResume reopens the destination at the cursor. Bytes past the cursor are
// dropped since they were never acknowledged by a checkpoint.
func (r *run) openResume() error {
	if r.sess.ChunkSize <= 0 {
		r.sess.ChunkSize = r.e.config.ChunkSize
	}
	offset := r.sess.Offset()

	st, err := os.Stat(r.sess.SavePath)
	if err != nil {
		return fileSystemError("stat partial file", err)
	}
	if st.Size() < offset {
		return fileSystemError("partial file is shorter than its cursor",
			fmt.Errorf("have %d bytes, cursor at %d", st.Size(), offset))
	}
	if err := r.e.checkSpace(filepath.Dir(r.sess.SavePath), r.sess.Size-offset); err != nil {
		return err
	}

	f, err := os.OpenFile(r.sess.SavePath, os.O_WRONLY, 0644)
	if err != nil {
		return fileSystemError("open file", err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return fileSystemError("truncate file", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return fileSystemError("seek file", err)
	}
	r.file = f

	if r.target.Signature == "" {
		return nil
	}
	if len(r.sess.HashState) > 0 {
		h, err := hasher.Restore(r.sess.HashState)
		if err == nil {
			r.hash = h
			return nil
		}
		logger.WithField("model", r.target.ModelID).WithError(err).Warn("discarding saved hash state")
	}
	r.rehash = true
	return nil
}

// chunk fetches, writes and checkpoints chunk idx
func (r *run) chunk(idx int64) error {
	start, end := session.ChunkRange(idx, r.sess.Size, r.sess.ChunkSize)
	r.fetched = append(r.fetched, idx)

	data, err := r.e.fetcher.GetRange(r.ctx, r.target.URL, start, end)
	if err != nil {
		return networkError(err)
	}

	if _, err := r.file.Write(data); err != nil {
		return fileSystemError("write chunk", err)
	}
	if err := r.file.Sync(); err != nil {
		return fileSystemError("sync file", err)
	}

	var state []byte
	if r.hash != nil {
		if err := r.hash.Update(data); err != nil {
			return fmt.Errorf("hash chunk %d: %w", idx, err)
		}
		state, err = r.hash.State()
		if err != nil {
			return fmt.Errorf("export hash state: %w", err)
		}
	}

	next := idx + 1
	pct := session.Percent(next, r.sess.Size, r.sess.ChunkSize)
	r.sess = session.Merge(r.sess, session.Partial{
		LastCompletedChunkIndex: session.Ptr(next),
		ProgressPercent:         session.Ptr(pct),
		HashState:               state,
	})
	if err := r.checkpoint(); err != nil {
		return err
	}

	r.percent(pct)
	return nil
}

// finish validates a fully written file
func (r *run) finish() (*Result, error) {
	if r.target.Signature == "" {
		r.sess = session.Merge(r.sess, session.Partial{
			ProgressPercent: session.Ptr(100),
			Validation:      session.Ptr(session.ValidationSuccess),
			ClearHashState:  true,
		})
		if err := r.checkpoint(); err != nil {
			return r.fail(err)
		}
		logger.WithField("model", r.target.ModelID).Info("download completed without signature")
		r.state(StateCompleted)
		return r.result(StateCompleted), nil
	}

	r.state(StateValidating)
	started := time.Now()

	var sum string
	var err error
	if r.hash != nil && !r.rehash {
		sum, err = r.hash.Finalize()
	} else {
		sum, err = hasher.HashFile(r.ctx, r.sess.SavePath)
	}
	if err != nil {
		if r.ctx.Err() != nil {
			return r.pause()
		}
		return r.fail(fileSystemError("hash file", err))
	}

	ok := hasher.Equal(sum, r.target.Signature)
	verdict := session.ValidationFail
	if ok {
		verdict = session.ValidationSuccess
	}
	r.sess = session.Merge(r.sess, session.Partial{
		ProgressPercent: session.Ptr(100),
		Validation:      session.Ptr(verdict),
		Checksum:        session.Ptr(sum),
		ClearHashState:  true,
	})
	if err := r.checkpoint(); err != nil {
		return r.fail(err)
	}

	entry := logger.WithFields(map[string]interface{}{
		"model":    r.target.ModelID,
		"checksum": sum,
		"rehash":   r.rehash,
		"took":     time.Since(started).Round(time.Millisecond),
	})
	if !ok {
		entry.Warn("checksum mismatch")
		r.state(StateErrored)
		return r.result(StateErrored), integrityError(sum, hasher.Normalize(r.target.Signature))
	}
	entry.Info("download completed")
	r.state(StateCompleted)
	return r.result(StateCompleted), nil
}

// pause stops at the last durable chunk boundary
func (r *run) pause() (*Result, error) {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	logger.WithFields(map[string]interface{}{
		"model":    r.target.ModelID,
		"chunk":    r.sess.LastCompletedChunkIndex,
		"progress": r.sess.ProgressPercent,
	}).Info("download paused")
	r.state(StateIdle)
	return r.result(StateIdle), nil
}

// cancel removes the file and the session
func (r *run) cancel() (*Result, error) {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	if err := r.e.Discard(r.persistCtx(), r.target.ModelID, r.sess.SavePath); err != nil {
		return r.fail(err)
	}
	logger.WithField("model", r.target.ModelID).Info("download cancelled")
	r.percent(0)
	r.state(StateNone)
	r.sess = nil
	return r.result(StateNone), nil
}

// Discard deletes the file at path and the session of modelID
func (e *Engine) Discard(ctx context.Context, modelID, path string) error {
	if path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fileSystemError("remove file", err)
		}
	}
	if err := e.store.DeleteSession(ctx, modelID); err != nil {
		return fileSystemError("delete session", err)
	}
	return nil
}

// Import records an existing file as a finished download of target without
// touching the network. The file stays where it is.
func (e *Engine) Import(ctx context.Context, target Target, path string, previous *session.Session) (*session.Session, error) {
	if target.ModelID == "" {
		return nil, argumentError("model id is required")
	}
	if path == "" {
		return nil, argumentError("import path is required")
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, fileSystemError("stat import file", err)
	}
	if st.IsDir() {
		return nil, argumentError("import path is a directory")
	}

	sum, err := hasher.HashFile(ctx, path)
	if err != nil {
		return nil, fileSystemError("hash import file", err)
	}
	if target.Signature != "" && !hasher.Equal(sum, target.Signature) {
		return nil, integrityError(sum, hasher.Normalize(target.Signature))
	}

	chunkSize := e.config.ChunkSize
	sess := session.Merge(previous, session.Partial{
		SavePath:                session.Ptr(path),
		Modified:                session.Ptr(time.Now().UTC().Format(httpTimeFormat)),
		Size:                    session.Ptr(st.Size()),
		ChunkSize:               session.Ptr(chunkSize),
		LastCompletedChunkIndex: session.Ptr(session.ChunkCount(st.Size(), chunkSize)),
		ProgressPercent:         session.Ptr(100),
		Validation:              session.Ptr(session.ValidationSuccess),
		Checksum:                session.Ptr(sum),
		ClearHashState:          true,
		NumTimesRun:             session.Ptr(0),
		IsFavorited:             session.Ptr(false),
	})
	sess.ID = target.ModelID

	if err := e.store.SaveSession(ctx, sess); err != nil {
		return nil, fileSystemError("persist session", err)
	}

	logger.WithFields(map[string]interface{}{
		"model": target.ModelID,
		"path":  path,
		"size":  humanize.IBytes(uint64(st.Size())),
	}).Info("imported existing file")
	return sess, nil
}

// httpTimeFormat matches the Last-Modified layout servers send
const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

func (e *Engine) checkSpace(dir string, need int64) error {
	if e.space == nil || need <= 0 {
		return nil
	}
	free, err := e.space(dir)
	if err != nil {
		logger.WithField("dir", dir).WithError(err).Warn("free space check failed")
		return nil
	}
	if free < uint64(need)+e.config.MinFreeSpace {
		return fileSystemError("insufficient disk space",
			fmt.Errorf("need %s, %s free", humanize.IBytes(uint64(need)+e.config.MinFreeSpace), humanize.IBytes(free)))
	}
	return nil
}
