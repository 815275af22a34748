package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/modelfetch/internal/fetch"
	"github.com/shepherd-project/modelfetch/internal/hasher"
	"github.com/shepherd-project/modelfetch/internal/progress"
	"github.com/shepherd-project/modelfetch/internal/session"
	"github.com/shepherd-project/modelfetch/internal/storage"
)

const testChunk = 10 * 1024

// remote serves one file with range support and records what it was asked for
type remote struct {
	mu       sync.Mutex
	data     []byte
	modified time.Time
	ranges   int
	status   int
	// corrupt flips one byte inside the second chunk of every response
	corrupt bool

	gate    chan struct{}
	entered chan struct{}

	srv *httptest.Server
}

func newRemote(t *testing.T, data []byte) *remote {
	r := &remote{
		data:     data,
		modified: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		entered:  make(chan struct{}, 64),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *remote) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	data, modified, status, gate := r.data, r.modified, r.status, r.gate
	if req.Method == http.MethodGet && req.Header.Get("Range") != "" {
		r.ranges++
	}
	if r.corrupt && len(data) > testChunk {
		data = append([]byte(nil), data...)
		data[testChunk+17] ^= 0xff
	}
	r.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if req.Method == http.MethodGet && gate != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
		<-gate
	}
	http.ServeContent(w, req, "model.gguf", modified, bytes.NewReader(data))
}

func (r *remote) url() string {
	return r.srv.URL + "/model.gguf"
}

func (r *remote) rangeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ranges
}

func (r *remote) replace(data []byte, modified time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = data
	r.modified = modified
}

func (r *remote) hold() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	return r.gate
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// recorder collects every emitted event and can act on them
type recorder struct {
	mu     sync.Mutex
	events []progress.Event
	onEmit func(progress.Event)
}

func (r *recorder) Emit(e progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	fn := r.onEmit
	r.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func (r *recorder) percents() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, e := range r.events {
		if e.Kind == progress.KindProgress {
			out = append(out, e.Progress)
		}
	}
	return out
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == progress.KindState {
			out = append(out, e.State)
		}
	}
	return out
}

// pauseAt pauses ctl once progress reaches pct
func pauseAt(ctl *Control, pct int) *recorder {
	return &recorder{onEmit: func(e progress.Event) {
		if e.Kind == progress.KindProgress && e.Progress >= pct {
			ctl.Pause()
		}
	}}
}

type fixture struct {
	remote *remote
	store  *storage.MemoryStore
	engine *Engine
	target Target
	data   []byte
}

func newFixture(t *testing.T, size int, signed bool) *fixture {
	data := randomBytes(size, int64(size))
	rm := newRemote(t, data)
	store, err := storage.NewMemoryStore()
	require.NoError(t, err)

	target := Target{
		ModelID:   "llama-test",
		URL:       rm.url(),
		Directory: t.TempDir(),
		FileName:  "llama-test.gguf",
	}
	if signed {
		target.Signature = sha(data)
	}

	client := fetch.NewClient(fetch.Config{UserAgent: "modelfetch-test", Timeout: 5 * time.Second}, nil)
	return &fixture{
		remote: rm,
		store:  store,
		engine: NewEngine(client, store, nil, Config{ChunkSize: testChunk}),
		target: target,
		data:   data,
	}
}

func (f *fixture) stored(t *testing.T) *session.Session {
	sess, err := f.store.GetSession(context.Background(), f.target.ModelID)
	require.NoError(t, err)
	return sess
}

func (f *fixture) fileBytes(t *testing.T) []byte {
	b, err := os.ReadFile(f.target.Path())
	require.NoError(t, err)
	return b
}

func TestEngineFreshDownload(t *testing.T) {
	f := newFixture(t, 25*1024, true)
	rec := &recorder{}

	res, err := f.engine.Run(context.Background(), Request{Target: f.target, Progress: rec})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []int64{0, 1, 2}, res.Fetched)
	assert.Equal(t, 3, f.remote.rangeCount())
	assert.Equal(t, f.data, f.fileBytes(t))

	sess := f.stored(t)
	assert.Equal(t, session.ValidationSuccess, sess.Validation)
	assert.Equal(t, 100, sess.ProgressPercent)
	assert.Equal(t, int64(3), sess.LastCompletedChunkIndex)
	assert.Equal(t, sha(f.data), sess.Checksum)
	assert.Equal(t, "Wed, 01 May 2024 12:00:00 GMT", sess.Modified)
	assert.Nil(t, sess.HashState)

	assert.Equal(t, []int{40, 80, 100}, rec.percents())
	assert.Equal(t, []string{"downloading", "validating", "completed"}, rec.states())
}

func TestEngineWithoutSignature(t *testing.T) {
	f := newFixture(t, 25*1024, false)
	rec := &recorder{}

	res, err := f.engine.Run(context.Background(), Request{Target: f.target, Progress: rec})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, session.ValidationSuccess, res.Session.Validation)
	assert.Empty(t, res.Session.Checksum)
	assert.NotContains(t, rec.states(), "validating")
}

func TestEngineProgressMonotonic(t *testing.T) {
	f := newFixture(t, 97*1024+13, true)
	rec := &recorder{}

	_, err := f.engine.Run(context.Background(), Request{Target: f.target, Progress: rec})
	require.NoError(t, err)

	pcts := rec.percents()
	require.NotEmpty(t, pcts)
	for i := 1; i < len(pcts); i++ {
		assert.GreaterOrEqual(t, pcts[i], pcts[i-1])
	}
	assert.Equal(t, 100, pcts[len(pcts)-1])
}

func TestEnginePauseAndResume(t *testing.T) {
	f := newFixture(t, 25*1024, true)
	ctx := context.Background()

	ctl := &Control{}
	res, err := f.engine.Run(ctx, Request{Target: f.target, Control: ctl, Progress: pauseAt(ctl, 80)})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, []int64{0, 1}, res.Fetched)

	sess := f.stored(t)
	assert.Equal(t, int64(2), sess.LastCompletedChunkIndex)
	assert.Equal(t, 80, sess.ProgressPercent)
	assert.NotEmpty(t, sess.HashState)
	assert.Equal(t, session.StatusIdle, sess.Status())
	assert.Equal(t, f.data[:2*testChunk], f.fileBytes(t))

	rec := &recorder{}
	res, err = f.engine.Run(ctx, Request{Target: f.target, Previous: sess, Resume: true, Progress: rec})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []int64{2}, res.Fetched)
	assert.Equal(t, []int{100}, rec.percents())
	assert.Equal(t, f.data, f.fileBytes(t))
	assert.Equal(t, session.ValidationSuccess, f.stored(t).Validation)
}

func TestEngineResumeDropsUnacknowledgedBytes(t *testing.T) {
	f := newFixture(t, 25*1024, true)
	ctx := context.Background()

	ctl := &Control{}
	_, err := f.engine.Run(ctx, Request{Target: f.target, Control: ctl, Progress: pauseAt(ctl, 40)})
	require.NoError(t, err)

	// Bytes written after the last checkpoint
	fh, err := os.OpenFile(f.target.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = fh.Write([]byte("garbage past the cursor"))
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	res, err := f.engine.Run(ctx, Request{Target: f.target, Previous: f.stored(t), Resume: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []int64{1, 2}, res.Fetched)
	assert.Equal(t, f.data, f.fileBytes(t))
}

func TestEngineRepeatedPauseResume(t *testing.T) {
	f := newFixture(t, 10*testChunk+300, true)
	ctx := context.Background()

	var fetched []int64
	var prev *session.Session
	for runs := 0; ; runs++ {
		require.Less(t, runs, 20, "download never completed")

		ctl := &Control{}
		// Pause right after the first chunk of every run
		rec := &recorder{onEmit: func(e progress.Event) {
			if e.Kind == progress.KindProgress {
				ctl.Pause()
			}
		}}
		res, err := f.engine.Run(ctx, Request{Target: f.target, Previous: prev, Resume: prev != nil, Control: ctl, Progress: rec})
		require.NoError(t, err)
		fetched = append(fetched, res.Fetched...)

		if res.State == StateCompleted {
			break
		}
		require.Equal(t, StateIdle, res.State)
		prev = f.stored(t)
	}

	want := make([]int64, 11)
	for i := range want {
		want[i] = int64(i)
	}
	assert.Equal(t, want, fetched)
	assert.Equal(t, f.data, f.fileBytes(t))
	assert.Equal(t, sha(f.data), f.stored(t).Checksum)
}

func TestEngineStaleResume(t *testing.T) {
	f := newFixture(t, 25*1024, true)
	ctx := context.Background()

	ctl := &Control{}
	_, err := f.engine.Run(ctx, Request{Target: f.target, Control: ctl, Progress: pauseAt(ctl, 80)})
	require.NoError(t, err)
	before := f.fileBytes(t)
	ranges := f.remote.rangeCount()

	f.remote.replace(f.data, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	rec := &recorder{}
	res, err := f.engine.Run(ctx, Request{Target: f.target, Previous: f.stored(t), Resume: true, Progress: rec})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleRemote)
	assert.Equal(t, StateErrored, res.State)
	assert.Equal(t, []string{"downloading", "errored"}, rec.states())

	assert.Equal(t, ranges, f.remote.rangeCount())
	assert.Equal(t, before, f.fileBytes(t))
	assert.Equal(t, int64(2), f.stored(t).LastCompletedChunkIndex)
}

func TestEngineStaleResumeOnSizeChange(t *testing.T) {
	f := newFixture(t, 25*1024, false)
	ctx := context.Background()

	ctl := &Control{}
	_, err := f.engine.Run(ctx, Request{Target: f.target, Control: ctl, Progress: pauseAt(ctl, 40)})
	require.NoError(t, err)

	f.remote.mu.Lock()
	modified := f.remote.modified
	f.remote.mu.Unlock()
	f.remote.replace(randomBytes(30*1024, 7), modified)

	_, err = f.engine.Run(ctx, Request{Target: f.target, Previous: f.stored(t), Resume: true})
	assert.ErrorIs(t, err, ErrStaleRemote)
}

func TestEngineIntegrityFailure(t *testing.T) {
	f := newFixture(t, 25*1024, false)
	f.target.Signature = sha([]byte("something else"))
	rec := &recorder{}

	res, err := f.engine.Run(context.Background(), Request{Target: f.target, Progress: rec})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, StateErrored, res.State)
	assert.Equal(t, "errored", rec.states()[len(rec.states())-1])

	sess := f.stored(t)
	assert.Equal(t, session.ValidationFail, sess.Validation)
	assert.Equal(t, sha(f.data), sess.Checksum)
	assert.Equal(t, session.StatusErrored, sess.Status())
	// The file is kept for inspection
	assert.Equal(t, f.data, f.fileBytes(t))
}

func TestEngineCorruptTransfer(t *testing.T) {
	f := newFixture(t, 25*1024, true)
	ctx := context.Background()

	t.Run("Corrupted bytes fail validation", func(t *testing.T) {
		f.remote.mu.Lock()
		f.remote.corrupt = true
		f.remote.mu.Unlock()

		res, err := f.engine.Run(ctx, Request{Target: f.target})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIntegrity)
		assert.Equal(t, StateErrored, res.State)

		sess := f.stored(t)
		assert.Equal(t, session.ValidationFail, sess.Validation)
		assert.NotEqual(t, f.target.Signature, sess.Checksum)
		assert.Equal(t, sha(f.fileBytes(t)), sess.Checksum)
		assert.NotEqual(t, f.data, f.fileBytes(t))
	})

	t.Run("Clean bytes validate", func(t *testing.T) {
		f.remote.mu.Lock()
		f.remote.corrupt = false
		f.remote.mu.Unlock()
		require.NoError(t, f.engine.Discard(ctx, f.target.ModelID, f.target.Path()))

		res, err := f.engine.Run(ctx, Request{Target: f.target})
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, res.State)

		sess := f.stored(t)
		assert.Equal(t, session.ValidationSuccess, sess.Validation)
		assert.Equal(t, f.target.Signature, sess.Checksum)
		assert.Equal(t, f.data, f.fileBytes(t))
	})
}

func TestEngineHashUpdateError(t *testing.T) {
	f := newFixture(t, 25*1024, true)

	file, err := os.Create(f.target.Path())
	require.NoError(t, err)
	defer file.Close()

	h := hasher.New()
	_, err = h.Finalize()
	require.NoError(t, err)

	r := &run{
		e:      f.engine,
		ctx:    context.Background(),
		target: f.target,
		sess: &session.Session{
			ID:        f.target.ModelID,
			SavePath:  f.target.Path(),
			Size:      int64(len(f.data)),
			ChunkSize: testChunk,
		},
		hash: h,
		file: file,
		emit: progress.Discard,
	}

	err = r.chunk(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, hasher.ErrFinalized)
	assert.Equal(t, int64(0), r.sess.LastCompletedChunkIndex)

	// No checkpoint may claim a chunk the digest never saw
	_, err = f.store.GetSession(context.Background(), f.target.ModelID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestEngineSignatureNormalized(t *testing.T) {
	f := newFixture(t, 12*1024, false)
	f.target.Signature = "SHA256:" + string(bytes.ToUpper([]byte(sha(f.data))))

	res, err := f.engine.Run(context.Background(), Request{Target: f.target})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
}

func TestEngineRehashFallback(t *testing.T) {
	tests := []struct {
		name  string
		state []byte
	}{
		{name: "missing hash state", state: nil},
		{name: "corrupt hash state", state: []byte("not a sha256 state")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 25*1024, true)
			ctx := context.Background()

			ctl := &Control{}
			_, err := f.engine.Run(ctx, Request{Target: f.target, Control: ctl, Progress: pauseAt(ctl, 40)})
			require.NoError(t, err)

			prev := f.stored(t)
			prev.HashState = tt.state

			res, err := f.engine.Run(ctx, Request{Target: f.target, Previous: prev, Resume: true})
			require.NoError(t, err)
			assert.Equal(t, StateCompleted, res.State)
			assert.Equal(t, []int64{1, 2}, res.Fetched)
			assert.Equal(t, sha(f.data), res.Session.Checksum)
		})
	}
}

func TestEngineCancel(t *testing.T) {
	f := newFixture(t, 25*1024, true)
	ctl := &Control{}
	rec := &recorder{onEmit: func(e progress.Event) {
		if e.Kind == progress.KindProgress && e.Progress == 40 {
			ctl.Cancel()
		}
	}}

	res, err := f.engine.Run(context.Background(), Request{Target: f.target, Control: ctl, Progress: rec})
	require.NoError(t, err)
	assert.Equal(t, StateNone, res.State)
	assert.Nil(t, res.Session)

	_, err = os.Stat(f.target.Path())
	assert.True(t, os.IsNotExist(err))
	_, err = f.store.GetSession(context.Background(), f.target.ModelID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	pcts := rec.percents()
	assert.Equal(t, 0, pcts[len(pcts)-1])
	states := rec.states()
	assert.Equal(t, "none", states[len(states)-1])
}

func TestEngineCancelOverridesPause(t *testing.T) {
	ctl := &Control{}
	ctl.Pause()
	ctl.Cancel()
	assert.Equal(t, signalCancel, ctl.load())

	ctl = &Control{}
	ctl.Cancel()
	ctl.Pause()
	assert.Equal(t, signalCancel, ctl.load())

	var nilCtl *Control
	assert.Equal(t, signalNone, nilCtl.load())
}

func TestEngineContextCancelPauses(t *testing.T) {
	f := newFixture(t, 25*1024, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{onEmit: func(e progress.Event) {
		if e.Kind == progress.KindProgress {
			cancel()
		}
	}}

	res, err := f.engine.Run(ctx, Request{Target: f.target, Progress: rec})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)

	sess := f.stored(t)
	assert.Equal(t, int64(1), sess.LastCompletedChunkIndex)
	assert.Equal(t, 40, sess.ProgressPercent)
	assert.True(t, sess.Resumable())
}

func TestEngineResumeWithoutProgressStartsFresh(t *testing.T) {
	f := newFixture(t, 25*1024, false)
	prev := session.New(session.Options{ID: f.target.ModelID, SavePath: f.target.Path()})

	res, err := f.engine.Run(context.Background(), Request{Target: f.target, Previous: prev, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, res.Fetched)
}

func TestEngineResumeMissingFile(t *testing.T) {
	f := newFixture(t, 25*1024, false)
	ctx := context.Background()

	ctl := &Control{}
	_, err := f.engine.Run(ctx, Request{Target: f.target, Control: ctl, Progress: pauseAt(ctl, 40)})
	require.NoError(t, err)
	require.NoError(t, os.Remove(f.target.Path()))

	res, err := f.engine.Run(ctx, Request{Target: f.target, Previous: f.stored(t), Resume: true})
	assert.ErrorIs(t, err, ErrFileSystem)
	assert.Equal(t, StateErrored, res.State)
}

func TestEngineNetworkError(t *testing.T) {
	f := newFixture(t, 25*1024, false)
	f.remote.mu.Lock()
	f.remote.status = http.StatusNotFound
	f.remote.mu.Unlock()

	res, err := f.engine.Run(context.Background(), Request{Target: f.target})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StateErrored, res.State)

	var se *fetch.StatusError
	assert.ErrorAs(t, err, &se)
}

func TestEngineInsufficientSpace(t *testing.T) {
	f := newFixture(t, 25*1024, false)
	client := fetch.NewClient(fetch.Config{}, nil)
	engine := NewEngine(client, f.store, func(string) (uint64, error) { return 1024, nil }, Config{ChunkSize: testChunk})

	_, err := engine.Run(context.Background(), Request{Target: f.target})
	assert.ErrorIs(t, err, ErrFileSystem)
	assert.Contains(t, err.Error(), "insufficient disk space")

	_, err = os.Stat(f.target.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestEngineInvalidTarget(t *testing.T) {
	f := newFixture(t, 1024, false)

	tests := []struct {
		name   string
		mutate func(t *Target)
	}{
		{"missing id", func(t *Target) { t.ModelID = "" }},
		{"missing url", func(t *Target) { t.URL = " " }},
		{"missing file name", func(t *Target) { t.FileName = "" }},
		{"file name with separator", func(t *Target) { t.FileName = "../escape.gguf" }},
		{"missing directory", func(t *Target) { t.Directory = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := f.target
			tt.mutate(&target)
			res, err := f.engine.Run(context.Background(), Request{Target: target})
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrArgument)
		})
	}
}

func TestEngineImport(t *testing.T) {
	f := newFixture(t, 1024, false)
	ctx := context.Background()

	data := randomBytes(25*1024, 99)
	path := filepath.Join(t.TempDir(), "local.gguf")
	require.NoError(t, os.WriteFile(path, data, 0644))

	t.Run("Mismatch persists nothing", func(t *testing.T) {
		target := f.target
		target.Signature = sha([]byte("other"))
		_, err := f.engine.Import(ctx, target, path, nil)
		assert.ErrorIs(t, err, ErrIntegrity)

		_, err = f.store.GetSession(ctx, target.ModelID)
		assert.ErrorIs(t, err, storage.ErrSessionNotFound)
	})

	t.Run("Matching file is recorded as completed", func(t *testing.T) {
		target := f.target
		target.Signature = sha(data)
		prev := &session.Session{ID: target.ModelID, NumTimesRun: 4, IsFavorited: true, TokenizerPath: "tok.json"}

		sess, err := f.engine.Import(ctx, target, path, prev)
		require.NoError(t, err)
		assert.Equal(t, path, sess.SavePath)
		assert.Equal(t, int64(len(data)), sess.Size)
		assert.Equal(t, 100, sess.ProgressPercent)
		assert.Equal(t, int64(3), sess.LastCompletedChunkIndex)
		assert.Equal(t, session.ValidationSuccess, sess.Validation)
		assert.Equal(t, sha(data), sess.Checksum)
		assert.Equal(t, 0, sess.NumTimesRun)
		assert.False(t, sess.IsFavorited)
		assert.Equal(t, "tok.json", sess.TokenizerPath)

		_, err = time.Parse(http.TimeFormat, sess.Modified)
		assert.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, f.stored(t).Status())
	})

	t.Run("Directory is rejected", func(t *testing.T) {
		_, err := f.engine.Import(ctx, f.target, t.TempDir(), nil)
		assert.ErrorIs(t, err, ErrArgument)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := f.engine.Import(ctx, f.target, filepath.Join(t.TempDir(), "nope"), nil)
		assert.ErrorIs(t, err, ErrFileSystem)
	})
}

func TestErrorIs(t *testing.T) {
	err := fileSystemError("write chunk", os.ErrPermission)
	assert.ErrorIs(t, err, ErrFileSystem)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "FILESYSTEM_ERROR: write chunk")
}
