// Package shutdown runs ordered cleanup hooks when the process is asked to stop.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/shepherd-project/modelfetch/internal/logger"
)

// ShutdownHook represents a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// HookPriority defines the order in which hooks are executed
type HookPriority int

const (
	// PriorityCritical hooks run first (stop accepting requests)
	PriorityCritical HookPriority = 0
	// PriorityHigh hooks run second (pause downloads at a chunk boundary)
	PriorityHigh HookPriority = 1
	// PriorityNormal hooks run third (close the session store)
	PriorityNormal HookPriority = 2
	// PriorityLow hooks run last (flush logs)
	PriorityLow HookPriority = 3
)

type shutdownHook struct {
	name     string
	hook     ShutdownHook
	priority HookPriority
}

// Manager manages graceful shutdown
type Manager struct {
	mu       sync.Mutex
	hooks    []shutdownHook
	timeout  time.Duration
	sigChan  chan os.Signal
	stopChan chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	shutdown bool
}

// NewManager creates a new shutdown manager. timeout bounds each hook.
func NewManager(timeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		timeout:  timeout,
		sigChan:  make(chan os.Signal, 1),
		stopChan: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register registers a new shutdown hook with the given name and priority
func (m *Manager) Register(name string, hook ShutdownHook, priority HookPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, shutdownHook{name: name, hook: hook, priority: priority})
	logger.Debugf("registered shutdown hook %s (priority %d)", name, priority)
}

// Start begins listening for SIGINT and SIGTERM
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)

	m.wg.Add(1)
	go m.waitForShutdown()
}

func (m *Manager) waitForShutdown() {
	defer m.wg.Done()
	defer signal.Stop(m.sigChan)

	select {
	case sig := <-m.sigChan:
		logger.Infof("received signal %v", sig)
	case <-m.stopChan:
		logger.Info("shutdown requested")
	}
	m.performShutdown()
}

// performShutdown executes all hooks in priority order. Hooks of equal
// priority run in registration order.
func (m *Manager) performShutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	hooks := make([]shutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].priority < hooks[j].priority })

	logger.Info("shutting down")
	for _, h := range hooks {
		m.runHook(h)
	}
	logger.Info("shutdown complete")

	m.cancel()
}

func (m *Manager) runHook(h shutdownHook) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.hook(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("shutdown hook %s failed: %v", h.name, err)
			return
		}
		logger.Debugf("shutdown hook %s done", h.name)
	case <-ctx.Done():
		logger.Errorf("shutdown hook %s timed out after %v", h.name, m.timeout)
	}
}

// Stop triggers graceful shutdown programmatically
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}

	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

// Done returns a channel that's closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Wait blocks until shutdown is complete
func (m *Manager) Wait() {
	m.wg.Wait()
}
