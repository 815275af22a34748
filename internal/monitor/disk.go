// Package monitor samples the disk holding the download directory and basic
// host facts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/shepherd-project/modelfetch/internal/logger"
)

// DiskInfo is the usage of the filesystem holding a directory
type DiskInfo struct {
	Path        string    `json:"path"`
	Total       uint64    `json:"total"`
	Free        uint64    `json:"free"`
	Used        uint64    `json:"used"`
	UsedPercent float64   `json:"usedPercent"`
	FreeHuman   string    `json:"freeHuman"`
	TotalHuman  string    `json:"totalHuman"`
	SampledAt   time.Time `json:"sampledAt"`
}

// existingDir walks up from dir to the nearest directory that exists, so a
// download directory can be checked before it is created.
func existingDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if st, err := os.Stat(abs); err == nil && st.IsDir() {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no existing parent for %s", dir)
		}
		abs = parent
	}
}

// Usage samples the filesystem holding dir
func Usage(dir string) (*DiskInfo, error) {
	p, err := existingDir(dir)
	if err != nil {
		return nil, err
	}
	st, err := disk.Usage(p)
	if err != nil {
		return nil, fmt.Errorf("disk usage of %s: %w", p, err)
	}
	return &DiskInfo{
		Path:        dir,
		Total:       st.Total,
		Free:        st.Free,
		Used:        st.Used,
		UsedPercent: st.UsedPercent,
		FreeHuman:   humanize.IBytes(st.Free),
		TotalHuman:  humanize.IBytes(st.Total),
		SampledAt:   time.Now(),
	}, nil
}

// FreeSpace returns the free bytes on the filesystem holding dir. It matches
// download.SpaceFunc.
func FreeSpace(dir string) (uint64, error) {
	info, err := Usage(dir)
	if err != nil {
		return 0, err
	}
	return info.Free, nil
}

// HostInfo describes the machine the service runs on
type HostInfo struct {
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	CPUs        int    `json:"cpus"`
	MemoryTotal uint64 `json:"memoryTotal"`
	MemoryFree  uint64 `json:"memoryFree"`
	Uptime      uint64 `json:"uptime"`
}

// Host returns host facts; fields that cannot be read are left empty
func Host() *HostInfo {
	info := &HostInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
	}
	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform + " " + h.PlatformVersion
		info.Uptime = h.Uptime
	} else {
		logger.WithError(err).Debug("host info unavailable")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryFree = vm.Available
	}
	return info
}

// DiskMonitorConfig configures a DiskMonitor
type DiskMonitorConfig struct {
	Directory string
	Interval  time.Duration // default 30s
	// LowWater triggers a warning when free space drops below it
	LowWater uint64
}

// DiskMonitor samples the download directory's filesystem periodically
type DiskMonitor struct {
	config    DiskMonitorConfig
	callbacks []func(*DiskInfo)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	last    *DiskInfo
}

// NewDiskMonitor creates a disk monitor
func NewDiskMonitor(config DiskMonitorConfig) *DiskMonitor {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	return &DiskMonitor{config: config}
}

// Start begins sampling
func (m *DiskMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("disk monitor already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.monitorLoop()

	logger.WithFields(map[string]interface{}{
		"dir":      m.config.Directory,
		"interval": m.config.Interval,
	}).Info("disk monitor started")
	return nil
}

// Stop stops sampling
func (m *DiskMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Watch adds a callback invoked after every sample
func (m *DiskMonitor) Watch(callback func(*DiskInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Last returns the most recent sample, sampling now if there is none
func (m *DiskMonitor) Last() (*DiskInfo, error) {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	if last != nil {
		c := *last
		return &c, nil
	}
	return m.sample()
}

func (m *DiskMonitor) monitorLoop() {
	defer m.wg.Done()

	m.sample()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *DiskMonitor) sample() (*DiskInfo, error) {
	info, err := Usage(m.config.Directory)
	if err != nil {
		logger.WithField("dir", m.config.Directory).WithError(err).Warn("disk sample failed")
		return nil, err
	}
	if m.config.LowWater > 0 && info.Free < m.config.LowWater {
		logger.WithFields(map[string]interface{}{
			"dir":  m.config.Directory,
			"free": info.FreeHuman,
		}).Warn("download directory is low on space")
	}

	m.mu.Lock()
	m.last = info
	callbacks := append([]func(*DiskInfo){}, m.callbacks...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		c := *info
		cb(&c)
	}
	return info, nil
}
