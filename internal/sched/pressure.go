package sched

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// Sample is one resource pressure observation, as fractions of capacity.
type Sample struct {
	CPU    float64
	Memory float64
}

// SampleFunc produces pressure observations. Deployments supply their
// own (cgroup or host-level); the default watches the process heap.
type SampleFunc func() Sample

// HeapSampler reports process heap usage against a fixed budget in
// bytes. CPU is not observable from inside the process without OS
// support, so it reports zero.
func HeapSampler(memBudgetBytes uint64) SampleFunc {
	return func() Sample {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if memBudgetBytes == 0 {
			return Sample{}
		}
		return Sample{Memory: float64(ms.HeapAlloc) / float64(memBudgetBytes)}
	}
}

// Monitor samples resource pressure and preempts low-priority tasks
// when utilization crosses the high-water mark.
type Monitor struct {
	sched     *Scheduler
	sample    SampleFunc
	highWater float64
	interval  time.Duration
	logger    *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a pressure monitor.
func NewMonitor(s *Scheduler, sample SampleFunc, highWater float64, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sched:     s,
		sample:    sample,
		highWater: highWater,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check(context.Background())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Check takes one sample and preempts if over the high-water mark.
func (m *Monitor) Check(ctx context.Context) {
	s := m.sample()
	resource := ""
	level := 0.0
	switch {
	case s.CPU >= m.highWater:
		resource, level = "cpu", s.CPU
	case s.Memory >= m.highWater:
		resource, level = "memory", s.Memory
	default:
		return
	}

	preempted := m.sched.Preempt(ctx, "resource_pressure", resource, m.highWater, 1)
	m.logger.Warn("resource pressure preemption",
		"resource", resource, "level", level,
		"high_water", m.highWater, "preempted", len(preempted))
}
