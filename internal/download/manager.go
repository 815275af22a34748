package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/progress"
	"github.com/shepherd-project/modelfetch/internal/session"
	"github.com/shepherd-project/modelfetch/internal/storage"
)

// Job is one running (or finished) engine run owned by the Manager
type Job struct {
	ModelID   string
	Target    Target
	StartedAt time.Time

	control Control
	done    chan struct{}

	mu      sync.RWMutex
	prev    *session.Session
	started bool
	state   State
	pct     int
	result  *Result
	err     error
}

// Emit records the job's live state. It implements progress.Channel.
func (j *Job) Emit(e progress.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch e.Kind {
	case progress.KindState:
		j.state = State(e.State)
	case progress.KindProgress:
		j.pct = e.Progress
	}
}

// State returns the last state the job reported
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Progress returns the last percentage the job reported
func (j *Job) Progress() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.pct
}

// Done is closed when the job has finished
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes and returns its outcome
func (j *Job) Wait() (*Result, error) {
	<-j.done
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result, j.err
}

// begin marks the job as running unless it was paused or cancelled while queued
func (j *Job) begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.control.load() != signalNone {
		return false
	}
	j.started = true
	return true
}

func (j *Job) finish(res *Result, err error) {
	j.mu.Lock()
	j.result = res
	j.err = err
	if res != nil {
		j.state = res.State
	}
	j.mu.Unlock()
	close(j.done)
}

// Status is a snapshot of one download
type Status struct {
	ModelID  string           `json:"modelId"`
	State    State            `json:"state"`
	Progress int              `json:"progress"`
	Active   bool             `json:"active"`
	Session  *session.Session `json:"session,omitempty"`
}

// Manager owns the set of active downloads. At most one job per model id runs
// at a time; the number of concurrently downloading jobs is bounded.
type Manager struct {
	engine   *Engine
	store    storage.Store
	config   Config
	progress progress.Channel

	mu        sync.Mutex
	jobs      map[string]*Job
	semaphore chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new download manager. ch receives every event of every job.
func NewManager(fetcher Fetcher, store storage.Store, space SpaceFunc, ch progress.Channel, config Config) *Manager {
	config = config.withDefaults()
	if ch == nil {
		ch = progress.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		engine:    NewEngine(fetcher, store, space, config),
		store:     store,
		config:    config,
		progress:  ch,
		jobs:      make(map[string]*Job),
		semaphore: make(chan struct{}, config.MaxConcurrent),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Get returns the active job for modelID
func (m *Manager) Get(modelID string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[modelID]
	return job, ok
}

// Active returns the ids of all active jobs
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) remove(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs[job.ModelID] == job {
		delete(m.jobs, job.ModelID)
	}
}

// loadSession returns the stored session or nil if there is none
func (m *Manager) loadSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fileSystemError("load session", err)
	}
	return sess, nil
}

// Start launches a download of target in the background. With resume set a
// stored partial download is continued; otherwise the file is fetched from scratch.
func (m *Manager) Start(target Target, resume bool) (*Job, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if m.ctx.Err() != nil {
		return nil, stateError("manager is closed")
	}

	job := &Job{
		ModelID:   target.ModelID,
		Target:    target,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
		state:     StateDownloading,
	}

	// Registered before the session is read so metadata updates cannot slip in between.
	m.mu.Lock()
	if _, exists := m.jobs[target.ModelID]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	m.jobs[target.ModelID] = job
	m.mu.Unlock()

	prev, err := m.loadSession(m.ctx, target.ModelID)
	if err == nil && prev.Status() == session.StatusCompleted {
		err = stateError("download %s is completed; delete it first", target.ModelID)
	}
	if err != nil {
		m.remove(job)
		job.finish(nil, err)
		return nil, err
	}

	job.mu.Lock()
	job.prev = prev
	if prev != nil {
		job.pct = prev.ProgressPercent
	}
	job.mu.Unlock()

	m.wg.Add(1)
	go m.execute(job, prev, resume)

	return job, nil
}

func (m *Manager) execute(job *Job, prev *session.Session, resume bool) {
	defer m.wg.Done()
	defer m.remove(job)

	ch := progress.Multi{job, m.progress}

	select {
	case m.semaphore <- struct{}{}:
	case <-job.control.Signalled():
		m.abandon(job, prev, ch)
		return
	case <-m.ctx.Done():
		ch.Emit(progress.StateEvent(job.ModelID, string(FromSession(prev))))
		job.finish(&Result{ModelID: job.ModelID, State: FromSession(prev), Session: prev}, nil)
		return
	}
	if !job.begin() {
		<-m.semaphore
		m.abandon(job, prev, ch)
		return
	}
	defer func() { <-m.semaphore }()

	req := Request{
		Target:   job.Target,
		Previous: prev,
		Resume:   resume,
		Control:  &job.control,
		Progress: ch,
	}
	res, err := m.engine.Run(m.ctx, req)

	if errors.Is(err, ErrStaleRemote) && m.config.DiscardStale {
		logger.WithField("model", job.ModelID).Warn("remote changed, restarting download from scratch")
		if derr := m.engine.Discard(m.ctx, job.ModelID, prev.SavePath); derr != nil {
			job.finish(res, derr)
			return
		}
		prev.LastCompletedChunkIndex = 0
		prev.HashState = nil
		req.Previous = prev
		req.Resume = false
		res, err = m.engine.Run(m.ctx, req)
	}

	job.finish(res, err)
}

// abandon settles a job that was paused or cancelled before it got a slot
func (m *Manager) abandon(job *Job, prev *session.Session, ch progress.Channel) {
	if job.control.load() != signalCancel {
		state := FromSession(prev)
		ch.Emit(progress.StateEvent(job.ModelID, string(state)))
		job.finish(&Result{ModelID: job.ModelID, State: state, Session: prev}, nil)
		return
	}

	path := job.Target.Path()
	if prev != nil && prev.SavePath != "" {
		path = prev.SavePath
	}
	if err := m.engine.Discard(context.WithoutCancel(m.ctx), job.ModelID, path); err != nil {
		job.finish(&Result{ModelID: job.ModelID, State: FromSession(prev), Session: prev}, err)
		return
	}
	ch.Emit(progress.ProgressEvent(job.ModelID, 0))
	ch.Emit(progress.StateEvent(job.ModelID, string(StateNone)))
	logger.WithField("model", job.ModelID).Info("queued download cancelled")
	job.finish(&Result{ModelID: job.ModelID, State: StateNone}, nil)
}

// Pause asks the active download of modelID to stop at the next chunk boundary
// and returns the state it is heading to.
func (m *Manager) Pause(modelID string) (State, error) {
	job, ok := m.Get(modelID)
	if !ok {
		sess, err := m.loadSession(m.ctx, modelID)
		if err != nil {
			return StateNone, err
		}
		return FromSession(sess), ErrNotActive
	}
	if st := job.State(); st != StateDownloading {
		return st, stateError("cannot pause a download in state %s", st)
	}

	job.mu.Lock()
	started, prev := job.started, job.prev
	job.control.Pause()
	job.mu.Unlock()

	if !started {
		// Still queued: it stops before touching the file
		return FromSession(prev), nil
	}
	return StateIdle, nil
}

// Cancel stops the download of modelID if it is running and deletes its file
// and session. A completed download is refused; use Delete for that.
func (m *Manager) Cancel(ctx context.Context, modelID string) (bool, error) {
	return m.discard(ctx, modelID, false)
}

// Delete removes the file and session of modelID in any state
func (m *Manager) Delete(ctx context.Context, modelID string) (bool, error) {
	return m.discard(ctx, modelID, true)
}

func (m *Manager) discard(ctx context.Context, modelID string, allowCompleted bool) (bool, error) {
	if job, ok := m.Get(modelID); ok {
		job.control.Cancel()
		select {
		case <-job.Done():
		case <-ctx.Done():
			return false, ctx.Err()
		}
		res, _ := job.Wait()
		if res != nil && res.State == StateNone && res.Session == nil {
			return true, nil
		}
		// The job finished before it saw the cancel request; fall through.
	}

	sess, err := m.loadSession(ctx, modelID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	if !allowCompleted && sess.Status() == session.StatusCompleted {
		return false, stateError("download %s is completed; delete it instead", modelID)
	}

	if err := m.engine.Discard(ctx, modelID, sess.SavePath); err != nil {
		return false, err
	}
	m.progress.Emit(progress.ProgressEvent(modelID, 0))
	m.progress.Emit(progress.StateEvent(modelID, string(StateNone)))
	logger.WithField("model", modelID).Info("download removed")
	return true, nil
}

// Import records an existing file as the finished download of target
func (m *Manager) Import(ctx context.Context, target Target, path string) (*session.Session, error) {
	if _, ok := m.Get(target.ModelID); ok {
		return nil, ErrAlreadyActive
	}
	prev, err := m.loadSession(ctx, target.ModelID)
	if err != nil {
		return nil, err
	}
	sess, err := m.engine.Import(ctx, target, path, prev)
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			m.progress.Emit(progress.StateEvent(target.ModelID, string(StateErrored)))
		}
		return nil, err
	}
	m.progress.Emit(progress.ProgressEvent(target.ModelID, 100))
	m.progress.Emit(progress.StateEvent(target.ModelID, string(StateCompleted)))
	return sess, nil
}

// Status returns the live state of modelID, falling back to the stored session
func (m *Manager) Status(ctx context.Context, modelID string) (*Status, error) {
	sess, err := m.loadSession(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if job, ok := m.Get(modelID); ok {
		return &Status{ModelID: modelID, State: job.State(), Progress: job.Progress(), Active: true, Session: sess}, nil
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return &Status{ModelID: modelID, State: FromSession(sess), Progress: sess.ProgressPercent, Session: sess}, nil
}

// List returns the status of every stored or active download
func (m *Manager) List(ctx context.Context) ([]*Status, error) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, fileSystemError("list sessions", err)
	}

	seen := make(map[string]bool, len(sessions))
	out := make([]*Status, 0, len(sessions))
	for _, sess := range sessions {
		seen[sess.ID] = true
		st := &Status{ModelID: sess.ID, State: FromSession(sess), Progress: sess.ProgressPercent, Session: sess}
		if job, ok := m.Get(sess.ID); ok {
			st.State, st.Progress, st.Active = job.State(), job.Progress(), true
		}
		out = append(out, st)
	}
	for _, id := range m.Active() {
		if seen[id] {
			continue
		}
		if job, ok := m.Get(id); ok {
			out = append(out, &Status{ModelID: id, State: job.State(), Progress: job.Progress(), Active: true})
		}
	}
	return out, nil
}

// SetFavourite updates the favourite flag of a stored download
func (m *Manager) SetFavourite(ctx context.Context, modelID string, favourite bool) (*session.Session, error) {
	return m.update(ctx, modelID, session.Partial{IsFavorited: &favourite})
}

// RecordRun increments the run counter of a completed download
func (m *Manager) RecordRun(ctx context.Context, modelID string) (*session.Session, error) {
	sess, err := m.loadSession(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	if sess.Status() != session.StatusCompleted {
		return nil, stateError("download %s is not completed", modelID)
	}
	return m.update(ctx, modelID, session.Partial{NumTimesRun: session.Ptr(sess.NumTimesRun + 1)})
}

// update merges usage metadata into a stored session. Engine-owned fields are
// never touched here.
func (m *Manager) update(ctx context.Context, modelID string, p session.Partial) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, active := m.jobs[modelID]; active {
		return nil, ErrAlreadyActive
	}
	sess, err := m.loadSession(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	updated := session.Merge(sess, session.Partial{
		NumTimesRun:   p.NumTimesRun,
		IsFavorited:   p.IsFavorited,
		TokenizerPath: p.TokenizerPath,
	})
	if err := m.store.SaveSession(ctx, updated); err != nil {
		return nil, fileSystemError("persist session", err)
	}
	return updated, nil
}

// Close stops every active download at its next chunk boundary, keeping
// progress, and waits for them to exit.
func (m *Manager) Close() error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for downloads to stop")
	}
}
