package sched

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/metrics"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

// Admitter gates a task admission. Quota and budget enforcement plug in
// here.
type Admitter interface {
	Admit(ctx context.Context, t *task.Spec) error
}

// AdmitterFunc adapts a function to Admitter.
type AdmitterFunc func(ctx context.Context, t *task.Spec) error

// Admit implements Admitter.
func (f AdmitterFunc) Admit(ctx context.Context, t *task.Spec) error { return f(ctx, t) }

// Scheduler is the priority scheduler. Strictly-higher-priority tasks
// are admitted before lower ones once both are ready; within a class
// the order is FIFO by enqueue time, with preempted re-entries first.
type Scheduler struct {
	db        *storage.DB
	pub       events.Publisher
	logger    *slog.Logger
	admitters []Admitter

	workers int

	mu        sync.Mutex
	q         queue
	seq       uint64
	running   map[string]*task.Spec // key runID/taskID
	completed map[string]bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithPublisher sets the event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(s *Scheduler) { s.pub = pub }
}

// WithAdmitters sets the admission chain, evaluated in order.
func WithAdmitters(admitters ...Admitter) Option {
	return func(s *Scheduler) { s.admitters = admitters }
}

// New creates a scheduler with the given worker slot count.
func New(db *storage.DB, workers int, opts ...Option) *Scheduler {
	if workers < 1 {
		workers = 4
	}
	s := &Scheduler{
		db:        db,
		pub:       events.NewNopPublisher(),
		logger:    slog.Default(),
		workers:   workers,
		running:   make(map[string]*task.Spec),
		completed: make(map[string]bool),
	}
	heap.Init(&s.q)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(t *task.Spec) string { return t.RunID + "/" + t.ID }

// Enqueue adds a task to the ready queue and persists its queued state.
func (s *Scheduler) Enqueue(ctx context.Context, t *task.Spec) error {
	if t.State == task.StatePending {
		if err := t.Transition(task.StateQueued); err != nil {
			return err
		}
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if err := s.db.SaveTask(ctx, t); err != nil {
		return err
	}

	s.mu.Lock()
	s.seq++
	heap.Push(&s.q, &item{spec: t, enqueuedAt: t.EnqueuedAt, seq: s.seq})
	metrics.QueueDepth.Set(float64(s.q.Len()))
	s.mu.Unlock()
	return nil
}

// depsSatisfied must be called with s.mu held.
func (s *Scheduler) depsSatisfied(t *task.Spec) bool {
	for _, dep := range t.Dependencies {
		if !s.completed[t.RunID+"/"+dep] {
			return false
		}
	}
	return true
}

// NextReady pops up to n admissible tasks with satisfied dependencies,
// marks them running, and returns them. Tasks refused by an admitter
// stay queued.
func (s *Scheduler) NextReady(ctx context.Context, n int) []*task.Spec {
	return s.nextReady(ctx, "", n)
}

// NextReadyForRun is NextReady restricted to one run's tasks. Other
// runs' entries keep their queue positions.
func (s *Scheduler) NextReadyForRun(ctx context.Context, runID string, n int) []*task.Spec {
	return s.nextReady(ctx, runID, n)
}

func (s *Scheduler) nextReady(ctx context.Context, runID string, n int) []*task.Spec {
	s.mu.Lock()
	slots := s.workers - len(s.running)
	if slots <= 0 {
		s.mu.Unlock()
		return nil
	}
	if n <= 0 || n > slots {
		n = slots
	}

	var ready []*task.Spec
	var skipped []*item
	for s.q.Len() > 0 && len(ready) < n {
		it := heap.Pop(&s.q).(*item)
		if runID != "" && it.spec.RunID != runID {
			skipped = append(skipped, it)
			continue
		}
		if !s.depsSatisfied(it.spec) {
			skipped = append(skipped, it)
			continue
		}
		if !s.admit(ctx, it.spec) {
			skipped = append(skipped, it)
			continue
		}
		ready = append(ready, it.spec)
		s.running[key(it.spec)] = it.spec
	}
	for _, it := range skipped {
		heap.Push(&s.q, it)
	}
	metrics.QueueDepth.Set(float64(s.q.Len()))
	s.mu.Unlock()

	for _, t := range ready {
		if t.State == task.StatePreempted {
			if err := t.Transition(task.StateQueued); err != nil {
				s.logger.Warn("preempted task could not re-enter queue",
					"task", t.ID, "error", err)
				continue
			}
		}
		t.Preempted = false
		if err := t.Transition(task.StateRunning); err != nil {
			s.logger.Warn("ready task in unexpected state",
				"task", t.ID, "state", t.State, "error", err)
		}
		if err := s.db.SaveTask(ctx, t); err != nil {
			s.logger.Warn("failed to persist running task", "task", t.ID, "error", err)
		}
	}
	return ready
}

// admit runs the admission chain; must be called with s.mu held.
func (s *Scheduler) admit(ctx context.Context, t *task.Spec) bool {
	for _, a := range s.admitters {
		if err := a.Admit(ctx, t); err != nil {
			s.logger.Debug("task admission refused",
				"task", t.ID, "run_id", t.RunID, "error", err)
			return false
		}
	}
	return true
}

// MarkCompleted records a terminal success and unblocks dependents.
func (s *Scheduler) MarkCompleted(ctx context.Context, t *task.Spec) error {
	s.mu.Lock()
	delete(s.running, key(t))
	s.completed[key(t)] = true
	s.mu.Unlock()
	return s.db.SaveTask(ctx, t)
}

// MarkFailed removes a task from the running set without completing it.
func (s *Scheduler) MarkFailed(ctx context.Context, t *task.Spec) error {
	s.mu.Lock()
	delete(s.running, key(t))
	s.mu.Unlock()
	return s.db.SaveTask(ctx, t)
}

// Requeue puts a failed or preempted task back on the queue.
func (s *Scheduler) Requeue(ctx context.Context, t *task.Spec) error {
	s.mu.Lock()
	delete(s.running, key(t))
	s.mu.Unlock()
	t.EnqueuedAt = time.Now()
	if t.State != task.StateQueued && t.State != task.StatePreempted {
		if err := t.Transition(task.StateQueued); err != nil {
			return err
		}
	}
	if err := s.db.SaveTask(ctx, t); err != nil {
		return err
	}
	s.mu.Lock()
	s.seq++
	heap.Push(&s.q, &item{spec: t, enqueuedAt: t.EnqueuedAt, seq: s.seq})
	metrics.QueueDepth.Set(float64(s.q.Len()))
	s.mu.Unlock()
	return nil
}

// Preempt selects up to max preemption candidates and reinjects them
// into the queue atomically with their state change. Candidates are
// running or queued P2/P3 tasks not already preempted; P3 before P2,
// newest first. P0 is never preempted; P1 only preempts, it is not a
// candidate.
func (s *Scheduler) Preempt(ctx context.Context, reason, resourceType string, threshold float64, max int) []*task.Spec {
	s.mu.Lock()
	candidates := s.candidatesLocked()
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	var preempted []*task.Spec
	for _, t := range candidates {
		if _, ok := s.running[key(t)]; ok {
			delete(s.running, key(t))
		} else {
			s.removeQueuedLocked(t)
		}
		if err := t.Transition(task.StatePreempted); err != nil {
			s.logger.Warn("preemption transition failed",
				"task", t.ID, "state", t.State, "error", err)
			continue
		}
		t.EnqueuedAt = time.Now()
		s.seq++
		heap.Push(&s.q, &item{spec: t, enqueuedAt: t.EnqueuedAt, seq: s.seq})
		preempted = append(preempted, t)
	}
	metrics.QueueDepth.Set(float64(s.q.Len()))
	s.mu.Unlock()

	for _, t := range preempted {
		if err := s.db.SaveTask(ctx, t); err != nil {
			s.logger.Warn("failed to persist preempted task", "task", t.ID, "error", err)
		}
		if err := s.db.SavePreemption(ctx, &storage.PreemptionRecord{
			RunID:         t.RunID,
			TaskID:        t.ID,
			PriorityClass: string(t.Priority),
			Reason:        reason,
			ResourceType:  resourceType,
			Threshold:     threshold,
		}); err != nil {
			s.logger.Warn("failed to persist preemption record", "task", t.ID, "error", err)
		}
		metrics.RecordPreemption(string(t.Priority), reason)
		s.pub.Publish(events.Event{
			Type:  events.EventTaskPreempted,
			RunID: t.RunID,
			Data: events.TaskPreempted{
				RunID:        t.RunID,
				TaskID:       t.ID,
				Priority:     string(t.Priority),
				Reason:       reason,
				ResourceType: resourceType,
			},
			Time: time.Now().UTC(),
		})
	}
	return preempted
}

// candidatesLocked orders preemptible tasks: P3 before P2, newest
// first. Must be called with s.mu held.
func (s *Scheduler) candidatesLocked() []*task.Spec {
	var out []*task.Spec
	for _, t := range s.running {
		if t.Priority.Preemptible() && !t.Preempted {
			out = append(out, t)
		}
	}
	for _, it := range s.q {
		t := it.spec
		if t.Priority.Preemptible() && !t.Preempted {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i].Priority.Weight(), out[j].Priority.Weight()
		if wi != wj {
			return wi < wj
		}
		return out[i].EnqueuedAt.After(out[j].EnqueuedAt)
	})
	return out
}

// Evict drops an abandoned task from the queue, if still queued.
func (s *Scheduler) Evict(t *task.Spec) {
	s.mu.Lock()
	s.removeQueuedLocked(t)
	metrics.QueueDepth.Set(float64(s.q.Len()))
	s.mu.Unlock()
}

// removeQueuedLocked drops a specific task from the heap. Must be
// called with s.mu held.
func (s *Scheduler) removeQueuedLocked(t *task.Spec) {
	for _, it := range s.q {
		if it.spec == t {
			heap.Remove(&s.q, it.index)
			return
		}
	}
}

// QueueLen returns the number of queued tasks.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len()
}

// RunningCount returns the number of running tasks.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
