package easytsdb

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// sliceBudget is how long one job may hold the executor per slice.
const sliceBudget = time.Millisecond

// busyBacklog is the queue depth at which Busy reports backpressure even
// with no job in a slice.
const busyBacklog = 4

// Job is a unit of cooperative work. Tick advances the job until the
// deadline or completion and reports done when no work remains. A job may
// enqueue further work from inside Tick; it lands at the tail.
type Job interface {
	Tick(deadline time.Time) (done bool, err error)
}

// JobFunc adapts a plain function into a single-slice Job.
type JobFunc func() error

// Tick runs the function to completion in one slice.
func (f JobFunc) Tick(time.Time) (bool, error) {
	return true, f()
}

type queuedJob struct {
	job  Job
	done func(error)
}

// JobQueue is a cooperative FIFO executor: one job at a time, one bounded
// slice per turn, with a backpressure delay between slices that grows with
// the backlog. There is no preemption inside a slice and no cancellation of
// a job already in one; pending jobs can be dropped wholesale.
type JobQueue struct {
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	pending []queuedJob
	active  bool
	kill    bool
	closed  bool
	started bool
	wake    chan struct{}
}

// NewJobQueue creates an idle queue. The executor goroutine starts lazily
// on the first Enqueue. A nil clock or logger selects the defaults.
func NewJobQueue(clk clock.Clock, logger *slog.Logger) *JobQueue {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobQueue{
		clk:    clk,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// backpressureDelay spaces out slices: min(100 + 25*queued, 300) ms.
func backpressureDelay(queued int) time.Duration {
	ms := 100 + 25*queued
	if ms > 300 {
		ms = 300
	}
	return time.Duration(ms) * time.Millisecond
}

// Enqueue appends a job. done, if non-nil, is invoked exactly once with the
// job's terminal error (nil on success, ErrQueueStopped when dropped).
func (q *JobQueue) Enqueue(job Job, done func(error)) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if done != nil {
			done(ErrQueueStopped)
		}
		return
	}
	q.pending = append(q.pending, queuedJob{job: job, done: done})
	if !q.started {
		q.started = true
		go q.loop()
	}
	q.mu.Unlock()
	q.signal()
}

func (q *JobQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Busy reports backpressure: the executor is running and either a job is in
// flight or the backlog is at least four deep. Callers poll this instead of
// receiving an error.
func (q *JobQueue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started && !q.closed && (q.active || len(q.pending) >= busyBacklog)
}

// Reset drops all queued work. The active job, if any, runs to completion.
func (q *JobQueue) Reset() {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, item := range dropped {
		if item.done != nil {
			item.done(ErrQueueStopped)
		}
	}
}

// EmergencyStop drops all queued work and the active job. A job already in
// a slice is never interrupted; it is dropped at its next yield.
func (q *JobQueue) EmergencyStop() {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	if q.active {
		q.kill = true
	}
	q.mu.Unlock()
	for _, item := range dropped {
		if item.done != nil {
			item.done(ErrQueueStopped)
		}
	}
}

// Close drops pending work and stops the executor once the current slice
// ends.
func (q *JobQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, item := range dropped {
		if item.done != nil {
			item.done(ErrQueueStopped)
		}
	}
	q.signal()
}

func (q *JobQueue) loop() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		q.active = true
		q.kill = false
		q.mu.Unlock()

		q.runJob(item)
	}
}

// runJob advances one job slice by slice until it completes or is dropped.
func (q *JobQueue) runJob(item queuedJob) {
	for {
		done, err := item.job.Tick(q.clk.Now().Add(sliceBudget))

		q.mu.Lock()
		killed := q.kill && !done
		stopping := q.closed && !done
		if done || killed || stopping {
			q.active = false
			q.kill = false
			q.mu.Unlock()
			switch {
			case done:
				if err != nil {
					q.logger.Warn("job failed", "error", err)
				}
				if item.done != nil {
					item.done(err)
				}
			default:
				if item.done != nil {
					item.done(ErrQueueStopped)
				}
			}
			return
		}
		queued := len(q.pending)
		q.mu.Unlock()

		q.clk.Sleep(backpressureDelay(queued))
	}
}
