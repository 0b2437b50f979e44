// Package scheduler runs uniquely keyed one-shot actions at absolute instants.
//
// Every key holds at most one pending job. Scheduling under a key that already
// has a job cancels that job before the new one is registered, so only the most
// recent action for a key can ever fire. Fired jobs are removed immediately.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/stream-herald/telemetry"
)

// ErrInstantPassed is returned when asked to schedule an instant already in the past.
var ErrInstantPassed = errors.New("instant already passed")

// Error describes a failed scheduler operation.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("scheduler: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Action is the work a job performs when its instant arrives. It receives the
// context the scheduler was started with.
type Action func(ctx context.Context)

// Entry is a pending job as reported by Pending.
type Entry struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
}

type job struct {
	key    string
	at     time.Time
	seq    uint64
	action Action
	index  int
}

// jobQueue is a min-heap ordered by instant, then by registration order.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}
func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}
func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithGrace sets how far in the past an instant may lie and still be accepted
// (it then fires immediately). Defaults to one second.
func WithGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// WithLocation sets the zone cron expressions are evaluated in. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// Scheduler is a set of keyed one-shot timers driven by a single goroutine.
type Scheduler struct {
	mu    sync.Mutex
	jobs  map[string]*job
	queue jobQueue
	seq   uint64
	wake  chan struct{}

	now   func() time.Time
	grace time.Duration
	loc   *time.Location

	running sync.WaitGroup
}

// New returns a scheduler. Jobs may be registered before Start; none fire until it runs.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:  make(map[string]*job),
		wake:  make(chan struct{}, 1),
		now:   time.Now,
		grace: time.Second,
		loc:   time.Local,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs the timer loop until ctx is cancelled. Actions receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		var timerC <-chan time.Time
		s.mu.Lock()
		if len(s.queue) > 0 {
			d := s.queue[0].at.Sub(s.now())
			if d < 0 {
				d = 0
			}
			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			timerC = timer.C
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if timer != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timerC:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	var due []*job
	s.mu.Lock()
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		j := heap.Pop(&s.queue).(*job)
		if cur, ok := s.jobs[j.key]; ok && cur.seq == j.seq {
			delete(s.jobs, j.key)
		}
		due = append(due, j)
	}
	s.publishLocked()
	s.mu.Unlock()

	for _, j := range due {
		telemetry.CountJob("fired")
		s.running.Add(1)
		go s.run(ctx, j)
	}
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.running.Done()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("scheduled action panicked", slog.String("component", "scheduler"),
				slog.String("key", j.key), slog.Any("panic", p))
		}
	}()
	slog.Debug("firing job", slog.String("component", "scheduler"), slog.String("key", j.key), slog.Time("at", j.at))
	j.action(ctx)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Schedule registers action to run at the instant at under key, replacing any
// job already pending under key.
func (s *Scheduler) Schedule(key string, at time.Time, action Action) error {
	if key == "" {
		return &Error{Op: "schedule", Key: key, Err: errors.New("empty key")}
	}
	if action == nil {
		return &Error{Op: "schedule", Key: key, Err: errors.New("nil action")}
	}
	if at.Before(s.now().Add(-s.grace)) {
		return &Error{Op: "schedule", Key: key, Err: fmt.Errorf("%w: %s", ErrInstantPassed, at.Format(time.RFC3339))}
	}

	s.mu.Lock()
	if old, ok := s.jobs[key]; ok {
		heap.Remove(&s.queue, old.index)
		delete(s.jobs, key)
		telemetry.CountJob("cancelled")
	}
	s.seq++
	j := &job{key: key, at: at, seq: s.seq, action: action}
	s.jobs[key] = j
	heap.Push(&s.queue, j)
	s.publishLocked()
	s.mu.Unlock()

	telemetry.CountJob("scheduled")
	s.signal()
	return nil
}

// ScheduleCron is Schedule with the instant given as a six-field cron
// expression (sec min hour day month weekday). Only the next matching instant
// is used; the job never repeats.
func (s *Scheduler) ScheduleCron(key, expr string, action Action) error {
	at, err := ParseCron(expr, s.now().In(s.loc))
	if err != nil {
		return &Error{Op: "schedule", Key: key, Err: err}
	}
	return s.Schedule(key, at, action)
}

// Cancel removes the job under key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	old, ok := s.jobs[key]
	if ok {
		heap.Remove(&s.queue, old.index)
		delete(s.jobs, key)
		s.publishLocked()
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	telemetry.CountJob("cancelled")
	s.signal()
	return true
}

// Next returns the instant of the job pending under key.
func (s *Scheduler) Next(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return time.Time{}, false
	}
	return j.at, true
}

// Pending lists pending jobs in firing order.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Entry{Key: j.key, At: j.at})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Key < out[j].Key
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Len is the number of pending jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// publishLocked exports the queue length; s.mu must be held.
func (s *Scheduler) publishLocked() {
	telemetry.SetPendingJobs(len(s.queue))
}

// Wait blocks until every fired action has returned.
func (s *Scheduler) Wait() { s.running.Wait() }
