package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ideamine/conductor/internal/events"
)

// DefaultMissedBeats is how many intervals may elapse without a beat
// before a task counts as stalled.
const DefaultMissedBeats = 3

// StallFunc is invoked once per stalled task, outside the monitor lock.
type StallFunc func(runID, taskID, phase string, lastBeat time.Time)

type beat struct {
	runID string
	phase string
	last  time.Time
}

// HeartbeatMonitor tracks per-task heartbeats and raises phase.stalled
// after too many missed beats. Stalls fire once per task; a later beat
// re-arms the watch.
type HeartbeatMonitor struct {
	interval time.Duration
	missed   int
	pub      events.Publisher
	logger   *slog.Logger
	onStall  StallFunc

	mu    sync.Mutex
	beats map[string]*beat

	stop chan struct{}
	done chan struct{}
}

// NewHeartbeatMonitor creates a monitor checking every interval.
func NewHeartbeatMonitor(interval time.Duration, pub events.Publisher, logger *slog.Logger, onStall StallFunc) *HeartbeatMonitor {
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatMonitor{
		interval: interval,
		missed:   DefaultMissedBeats,
		pub:      pub,
		logger:   logger,
		onStall:  onStall,
		beats:    make(map[string]*beat),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Beat records progress for a task and publishes a heartbeat event.
func (m *HeartbeatMonitor) Beat(runID, taskID, phase string) {
	now := time.Now()
	m.mu.Lock()
	m.beats[runID+"/"+taskID] = &beat{runID: runID, phase: phase, last: now}
	m.mu.Unlock()
	m.pub.Publish(events.NewEvent(events.EventHeartbeat, runID, events.HeartbeatData{
		RunID:     runID,
		TaskID:    taskID,
		Phase:     phase,
		Timestamp: now,
	}))
}

// Forget stops watching a task, typically on completion.
func (m *HeartbeatMonitor) Forget(runID, taskID string) {
	m.mu.Lock()
	delete(m.beats, runID+"/"+taskID)
	m.mu.Unlock()
}

// Start launches the watch loop.
func (m *HeartbeatMonitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				m.Check(now)
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop terminates the watch loop and waits for it to exit.
func (m *HeartbeatMonitor) Stop() {
	close(m.stop)
	<-m.done
}

// Check sweeps for tasks past the missed-beat deadline. Exported so
// tests can drive the sweep without the ticker.
func (m *HeartbeatMonitor) Check(now time.Time) {
	deadline := time.Duration(m.missed) * m.interval

	type stalled struct {
		taskID string
		b      beat
	}
	var hits []stalled
	m.mu.Lock()
	for key, b := range m.beats {
		if now.Sub(b.last) < deadline {
			continue
		}
		taskID := key[len(b.runID)+1:]
		hits = append(hits, stalled{taskID: taskID, b: *b})
		delete(m.beats, key)
	}
	m.mu.Unlock()

	for _, h := range hits {
		stall := now.Sub(h.b.last)
		m.logger.Warn("task stalled",
			"run_id", h.b.runID, "task", h.taskID, "phase", h.b.phase,
			"stalled_for", stall)
		m.pub.Publish(events.NewEvent(events.EventPhaseStalled, h.b.runID, events.PhaseStalled{
			RunID:           h.b.runID,
			Phase:           h.b.phase,
			StallDurationMs: stall.Milliseconds(),
			LastProgress:    h.b.last,
			SuspectedCause:  "heartbeat_timeout",
			UnstickerAction: "self_execution",
		}))
		if m.onStall != nil {
			m.onStall(h.b.runID, h.taskID, h.b.phase, h.b.last)
		}
	}
}
