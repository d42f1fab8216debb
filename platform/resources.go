// Package platform samples host resource pressure. Adapted from the
// teacher's internal/single/platform/cgroup_cpu.go, which used gopsutil to
// reject new server-side connections above a CPU threshold; a client
// runtime has no inbound connections to reject, so here the runtime's
// maintenance loop logs a warning when memory use crosses a threshold.
// perf.Pool does not read the sampler.
package platform

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sample is a point-in-time resource reading.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	At            time.Time
}

// Sampler periodically samples host CPU and memory usage via gopsutil and
// caches the last reading so callers on the hot path never block on a
// syscall.
type Sampler struct {
	interval time.Duration

	mu   sync.RWMutex
	last Sample

	startOnce sync.Once
	started   atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// NewSampler builds a Sampler. Call Start to begin background sampling.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start begins the background sampling loop. Safe to call once; later
// calls are no-ops.
func (s *Sampler) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.sample() // prime an initial reading synchronously
		go s.loop()
	})
}

func (s *Sampler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stop:
			return
		}
	}
}

func (s *Sampler) sample() {
	var cpuPct float64
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}

	var memPct float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}

	s.mu.Lock()
	s.last = Sample{CPUPercent: cpuPct, MemoryPercent: memPct, At: time.Now()}
	s.mu.Unlock()
}

// Last returns the most recent sample without blocking.
func (s *Sampler) Last() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// UnderPressure reports whether memory usage is at or above
// memPctThreshold. The runtime's maintenance loop logs a warning when it
// is true; perf.Pool does not consult it.
func (s *Sampler) UnderPressure(memPctThreshold float64) bool {
	return s.Last().MemoryPercent >= memPctThreshold
}

// Stop halts the background loop and waits for it to exit. A no-op if
// Start was never called.
func (s *Sampler) Stop() {
	if !s.started.Load() {
		return
	}
	close(s.stop)
	<-s.done
}
