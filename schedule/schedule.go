// Package schedule provides the cancellable delayed-task queue the engine uses
// for retry backoff and periodic sync.
//
// TimerScheduler runs tasks on the wall clock. ManualScheduler runs them only
// when a test advances its virtual clock, which makes backoff sequences
// deterministic.
package schedule

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a handle to a scheduled function.
type Task interface {
	// Cancel prevents the task from running. It reports whether the task was
	// still pending.
	Cancel() bool
}

// Scheduler runs functions after a delay.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Task
	// Pending reports the number of tasks not yet run or cancelled.
	Pending() int
}

// TimerScheduler schedules onto time.AfterFunc.
type TimerScheduler struct {
	mu     sync.Mutex
	nextID uint64
	timers map[uint64]*time.Timer
	closed bool
}

// NewTimerScheduler creates a wall-clock scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[uint64]*time.Timer)}
}

type timerTask struct {
	s  *TimerScheduler
	id uint64
}

func (t timerTask) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	timer, ok := t.s.timers[t.id]
	if !ok {
		return false
	}
	delete(t.s.timers, t.id)
	return timer.Stop()
}

// Schedule runs fn on its own goroutine after delay. After Stop it is a no-op.
func (s *TimerScheduler) Schedule(delay time.Duration, fn func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.closed {
		return timerTask{s: s, id: id}
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, ok := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if ok {
			fn()
		}
	})
	return timerTask{s: s, id: id}
}

// Pending reports the number of timers that have not fired.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer and rejects new ones.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// ManualScheduler is a Scheduler driven by a virtual clock.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	queue  taskQueue
	delays []time.Duration
}

// NewManualScheduler creates a scheduler whose clock starts at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

type manualTask struct {
	s         *ManualScheduler
	due       time.Time
	seq       uint64
	fn        func()
	index     int
	cancelled bool
}

func (t *manualTask) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	t.cancelled = true
	heap.Remove(&t.s.queue, t.index)
	return true
}

// Schedule queues fn to run once the clock reaches now+delay.
func (s *ManualScheduler) Schedule(delay time.Duration, fn func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTask{s: s, due: s.now.Add(delay), seq: s.seq, fn: fn}
	heap.Push(&s.queue, t)
	s.delays = append(s.delays, delay)
	return t
}

// Pending reports the number of queued tasks.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Now returns the virtual time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Delays returns every delay passed to Schedule, in call order.
func (s *ManualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// Advance moves the clock forward by d, running due tasks in due order on
// the calling goroutine. Tasks scheduled by a running task run too if they
// fall due within the window. It returns the number of tasks run.
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	ran := 0
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 || s.queue[0].due.After(target) {
			s.now = target
			s.mu.Unlock()
			return ran
		}
		t := heap.Pop(&s.queue).(*manualTask)
		s.now = t.due
		s.mu.Unlock()

		t.fn()
		ran++
	}
}

// RunNext jumps the clock to the earliest pending task and runs it. It
// reports whether a task ran.
func (s *ManualScheduler) RunNext() bool {
	s.mu.Lock()
	if s.queue.Len() == 0 {
		s.mu.Unlock()
		return false
	}
	t := heap.Pop(&s.queue).(*manualTask)
	s.now = t.due
	s.mu.Unlock()

	t.fn()
	return true
}

type taskQueue []*manualTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*manualTask)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
