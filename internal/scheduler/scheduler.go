// Package scheduler runs every engine callback on one goroutine. Loaders,
// demuxers and timers run elsewhere and only Post closures back, so core state
// is never touched concurrently and completions never recurse into the code
// that started them.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call if it has not run yet.
	Stop() bool
}

type realClock struct{}

// RealClock returns the wall clock.
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Scheduler is a FIFO task queue drained by a single goroutine.
type Scheduler struct {
	clock  Clock
	logger *slog.Logger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// New creates a scheduler. A nil clock uses the wall clock.
func New(clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		clock:  clock,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Clock returns the scheduler clock.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Now returns the clock time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Post queues fn for the next pass. It is safe to call from any goroutine.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunPending runs the callbacks queued before the call. Callbacks posted
// while it runs wait for the next pass. It returns how many ran.
func (s *Scheduler) RunPending() int {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Drain runs passes until the queue is empty or limit passes ran.
func (s *Scheduler) Drain(limit int) int {
	total := 0
	for i := 0; i < limit; i++ {
		n := s.RunPending()
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

// Pending returns the number of queued callbacks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run drains the queue until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("scheduler started")
	for {
		s.RunPending()

		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped")
			return nil
		case <-s.wake:
		}
	}
}

// After runs fn on the scheduler goroutine once d elapsed.
func (s *Scheduler) After(d time.Duration, fn func()) Timer {
	t := &timer{}
	t.underlying = s.clock.AfterFunc(d, func() {
		s.Post(func() {
			if t.cancelled.Load() {
				return
			}
			fn()
		})
	})
	return t
}

type timer struct {
	underlying Timer
	cancelled  atomic.Bool
}

func (t *timer) Stop() bool {
	if t.cancelled.Swap(true) {
		return false
	}
	t.underlying.Stop()
	return true
}

// Every runs fn on the scheduler goroutine every d until stopped.
func (s *Scheduler) Every(d time.Duration, fn func()) Timer {
	r := &repeater{s: s, d: d, fn: fn}
	r.arm()
	return r
}

type repeater struct {
	s  *Scheduler
	d  time.Duration
	fn func()

	mu      sync.Mutex
	current Timer
	stopped bool
}

func (r *repeater) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.current = r.s.After(r.d, func() {
		r.arm()
		r.fn()
	})
}

func (r *repeater) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	if r.current != nil {
		r.current.Stop()
	}
	return true
}

// Task is a coalescing unit of work: scheduling it several times before it
// runs queues it once.
type Task struct {
	s       *Scheduler
	name    string
	fn      func()
	pending atomic.Bool
	runs    atomic.Int64
}

// NewTask wraps fn in a task.
func (s *Scheduler) NewTask(name string, fn func()) *Task {
	return &Task{s: s, name: name, fn: fn}
}

// Schedule queues the task for the next pass unless it is already queued.
func (t *Task) Schedule() {
	if t.pending.CompareAndSwap(false, true) {
		t.s.Post(t.run)
	}
}

func (t *Task) run() {
	t.pending.Store(false)
	t.runs.Add(1)
	t.fn()
}

// Runs returns how many times the task body ran.
func (t *Task) Runs() int64 {
	return t.runs.Load()
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}
