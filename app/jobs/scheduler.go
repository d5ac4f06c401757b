package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Outcome is the tagged result of a Runner invocation. Failure is signaled with a
// non-nil error instead of an outcome value.
type Outcome int

// runner outcomes
const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
)

// Runner performs the actual conversion for one job, synchronously. It may read
// job.Params, must update progress and logs through the job handle, must call
// job.Checkpoint at safe points and return early on ErrCancelled, and on success
// populates the job result. The scheduler never inspects the result contents.
type Runner interface {
	Run(ctx context.Context, job *Job) (Outcome, error)
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, job *Job) (Outcome, error)

// Run calls the wrapped function
func (f RunnerFunc) Run(ctx context.Context, job *Job) (Outcome, error) { return f(ctx, job) }

// Gate optionally delays job start until host conditions allow it, e.g. CPU or
// memory below thresholds. Returns when the job may proceed or ctx is done.
type Gate interface {
	Wait(ctx context.Context, jobDesc string)
}

// Recorder persists finished job executions to the history store
type Recorder interface {
	Record(job Job) error
}

// Notifier delivers completion/failure notifications
type Notifier interface {
	OnFinished(job Job)
}

const maxTraceBytes = 4096

// Scheduler runs the single-worker execution loop over the store's pending queue
// and exposes all control operations. Exactly one job runs at any instant, the
// downstream synthesis saturates the machine and parallelism would only hurt.
type Scheduler struct {
	Store        *Store
	Runner       Runner
	Gate         Gate          // optional start gate
	History      Recorder      // optional execution history
	Notifier     Notifier      // optional notifications
	PollInterval time.Duration // fallback poll, guards against missed wakeups

	wake    chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Do runs the blocking worker loop until ctx is done or Shutdown is called.
func (s *Scheduler) Do(ctx context.Context) {
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	defer close(s.stopped)

	log.Printf("[INFO] scheduler started, %d jobs queued", len(s.Store.Pending()))
	for {
		job := s.claimNext()
		if job == nil {
			select {
			case <-ctx.Done():
				log.Printf("[DEBUG] scheduler terminated")
				return
			case <-s.wakeCh():
			case <-time.After(s.PollInterval):
			}
			continue
		}

		s.execute(ctx, job)

		select {
		case <-ctx.Done():
			log.Printf("[DEBUG] scheduler terminated")
			return
		default:
		}
	}
}

// Shutdown signals the loop to stop, wakes it and joins with a bounded timeout.
// An in-flight Runner call is allowed to finish naturally, never force-killed.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wakeup()
	select {
	case <-s.stopped:
	case <-time.After(timeout):
		log.Printf("[WARN] scheduler didn't stop in %v, runner still in flight", timeout)
	}
}

func (s *Scheduler) wakeCh() chan struct{} {
	s.Store.mu.Lock()
	defer s.Store.mu.Unlock()
	if s.wake == nil {
		s.wake = make(chan struct{}, 1)
	}
	return s.wake
}

// wakeup nudges the loop without blocking, a single buffered slot is enough
func (s *Scheduler) wakeup() {
	select {
	case s.wakeCh() <- struct{}{}:
	default:
	}
}

// claimNext pops the next eligible pending job and marks it running. Jobs flagged
// for cancellation before start are finalized as cancelled without ever invoking
// the Runner. Returns nil when the queue has nothing runnable.
func (s *Scheduler) claimNext() *Job {
	for {
		s.Store.mu.Lock()

		// defensive cleanup: drop queue heads that are no longer pending
		for len(s.Store.queue) > 0 {
			if j, ok := s.Store.jobs[s.Store.queue[0]]; ok && j.Status == StatusPending {
				break
			}
			s.Store.queue = s.Store.queue[1:]
		}
		if len(s.Store.queue) == 0 {
			s.Store.mu.Unlock()
			return nil
		}

		id := s.Store.queue[0]
		s.Store.queue = s.Store.queue[1:]
		job := s.Store.jobs[id]

		if job.CancelRequested {
			job.Status = StatusCancelled
			job.FinishedAt = time.Now()
			job.appendLog("info", "cancelled before start")
			s.Store.recomputePositionsLocked()
			st := s.Store.stateLocked()
			s.Store.mu.Unlock()
			s.Store.save(st)
			s.finish(job.ID)
			continue
		}

		job.Status = StatusRunning
		job.StartedAt = time.Now()
		job.appendLog("info", "started")
		s.Store.recomputePositionsLocked()
		st := s.Store.stateLocked()
		s.Store.mu.Unlock()
		s.Store.save(st)
		return job
	}
}

// execute invokes the Runner synchronously and reconciles the terminal status.
// A single job's failure never halts processing of subsequently queued jobs.
func (s *Scheduler) execute(ctx context.Context, job *Job) {
	desc := job.Params.DisplayTitle()
	if s.Gate != nil {
		s.Gate.Wait(ctx, desc)
	}

	log.Printf("[INFO] executing job %s (%s)", job.ID, desc)
	outcome, err := s.runCaptured(ctx, job)

	s.Store.mu.Lock()
	switch {
	case errors.Is(err, ErrCancelled):
		job.Status = StatusCancelled
		job.appendLog("info", "cancelled")
	case err != nil:
		job.Status = StatusFailed
		job.Error = err.Error()
		job.appendLog("error", "failed: %v", err)
	case outcome == OutcomeCancelled || job.CancelRequested:
		// cancellation observed during the run wins over success
		job.Status = StatusCancelled
		job.appendLog("info", "cancelled")
	default:
		job.Status = StatusCompleted
		job.Progress = 1.0
		job.appendLog("info", "completed")
	}
	job.FinishedAt = time.Now()
	job.CancelRequested = false
	job.PauseRequested = false
	job.Paused = false
	status := job.Status
	st := s.Store.stateLocked()
	s.Store.mu.Unlock()
	s.Store.save(st)

	log.Printf("[INFO] job %s (%s) finished with status %s", job.ID, desc, status)
	s.finish(job.ID)
}

// runCaptured calls the Runner converting panics to errors with a truncated trace
// appended to the job log
func (s *Scheduler) runCaptured(ctx context.Context, job *Job) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			trace := make([]byte, maxTraceBytes)
			trace = trace[:runtime.Stack(trace, false)]
			job.Log("error", "runner panic: %v\n%s", r, trace)
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return s.Runner.Run(ctx, job)
}

// finish records history and dispatches notifications for a terminal job
func (s *Scheduler) finish(id string) {
	job, ok := s.Store.Get(id)
	if !ok {
		return
	}
	if s.History != nil {
		if err := s.History.Record(job); err != nil {
			log.Printf("[WARN] failed to record job %s in history, %v", job.ID, err)
		}
	}
	if s.Notifier != nil {
		s.Notifier.OnFinished(job)
	}
}
