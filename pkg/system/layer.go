// Package system provides the single event-processing context shared by the
// security manager, the exchange layer and the session key store.
//
// All timer callbacks and deferred work run on whichever goroutine drives the
// layer: Run in production, ServiceEvents in tests that step a mock clock.
package system

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// ErrLayerStopped is returned by Run when Stop was called.
var ErrLayerStopped = errors.New("system: layer stopped")

// TaskID identifies a scheduled task. IDs are never reused by a Layer, so a
// stale ID can be cancelled safely.
type TaskID uint64

// LayerConfig configures a Layer.
type LayerConfig struct {
	// Clock is the time source. If nil, the wall clock is used.
	Clock clock.Clock

	// LoggerFactory creates the layer logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

type task struct {
	id       TaskID
	deadline time.Time
	seq      uint64
	fn       func()
}

// Layer schedules timers and deferred work.
type Layer struct {
	clock clock.Clock
	log   logging.LeveledLogger

	mu      sync.Mutex
	tasks   map[TaskID]*task
	lastID  TaskID
	seq     uint64
	stopped bool
	wake    chan struct{}
}

// NewLayer creates a new Layer.
func NewLayer(config LayerConfig) *Layer {
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	l := &Layer{
		clock: clk,
		tasks: make(map[TaskID]*task),
		wake:  make(chan struct{}, 1),
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("system")
	}
	return l
}

// Clock returns the layer's time source.
func (l *Layer) Clock() clock.Clock {
	return l.clock
}

// Now returns the current time according to the layer clock.
func (l *Layer) Now() time.Time {
	return l.clock.Now()
}

// NewTaskID reserves an ID that can later be armed with StartTimerWithID.
func (l *Layer) NewTaskID() TaskID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastID++
	return l.lastID
}

// StartTimer arms a one-shot timer and returns its ID.
func (l *Layer) StartTimer(d time.Duration, fn func()) TaskID {
	id := l.NewTaskID()
	l.StartTimerWithID(id, d, fn)
	return id
}

// StartTimerWithID arms (or re-arms) the timer with the given ID.
// Any previous schedule for the same ID is replaced.
func (l *Layer) StartTimerWithID(id TaskID, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.seq++
	l.tasks[id] = &task{
		id:       id,
		deadline: l.clock.Now().Add(d),
		seq:      l.seq,
		fn:       fn,
	}
	l.mu.Unlock()
	l.notify()
}

// CancelTimer cancels a pending timer. Returns false if it was not pending.
func (l *Layer) CancelTimer(id TaskID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tasks[id]; !ok {
		return false
	}
	delete(l.tasks, id)
	return true
}

// IsTimerPending reports whether the timer with the given ID is armed.
func (l *Layer) IsTimerPending(id TaskID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tasks[id]
	return ok
}

// ScheduleWork queues fn to run on the next service pass.
// Work items run in the order they were scheduled.
func (l *Layer) ScheduleWork(fn func()) TaskID {
	return l.StartTimer(0, fn)
}

// PendingTasks returns the number of armed timers and queued work items.
func (l *Layer) PendingTasks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// ServiceEvents runs every task whose deadline has passed, including tasks
// that become due while servicing. Returns the number of tasks run.
func (l *Layer) ServiceEvents() int {
	count := 0
	for {
		t := l.popDue()
		if t == nil {
			return count
		}
		t.fn()
		count++
	}
}

func (l *Layer) popDue() *task {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var next *task
	for _, t := range l.tasks {
		if t.deadline.After(now) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.seq < next.seq) {
			next = t
		}
	}
	if next != nil {
		delete(l.tasks, next.id)
	}
	return next
}

// nextDeadline returns the earliest pending deadline.
func (l *Layer) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var earliest time.Time
	found := false
	for _, t := range l.tasks {
		if !found || t.deadline.Before(earliest) {
			earliest = t.deadline
			found = true
		}
	}
	return earliest, found
}

func (l *Layer) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run services events until ctx is done or Stop is called.
func (l *Layer) Run(ctx context.Context) error {
	if l.log != nil {
		l.log.Debug("event loop started")
	}

	for {
		l.ServiceEvents()

		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return ErrLayerStopped
		}

		wait := time.Hour
		if deadline, ok := l.nextDeadline(); ok {
			wait = deadline.Sub(l.clock.Now())
			if wait <= 0 {
				continue
			}
		}

		t := l.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-l.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Stop makes Run return. Pending tasks are discarded.
func (l *Layer) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.tasks = make(map[TaskID]*task)
	l.mu.Unlock()
	l.notify()
}
