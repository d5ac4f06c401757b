package jobs

import (
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Enqueue validates params, creates a pending job at the back of the queue and
// wakes the worker. Validation failures are returned to the caller and the job
// never enters the store.
func (s *Scheduler) Enqueue(p Params) (Job, error) {
	if err := p.Validate(); err != nil {
		return Job{}, err
	}

	job := newJob(p)
	s.Store.mu.Lock()
	job.appendLog("info", "queued")
	s.Store.putLocked(job)
	st := s.Store.stateLocked()
	res := job.clone()
	s.Store.mu.Unlock()

	s.Store.save(st)
	s.wakeup()
	log.Printf("[INFO] enqueued job %s (%s), position %d", res.ID, p.DisplayTitle(), res.QueuePosition)
	return res, nil
}

// Get returns a copy of the job by id
func (s *Scheduler) Get(id string) (Job, bool) { return s.Store.Get(id) }

// List returns copies of all jobs, newest first
func (s *Scheduler) List() []Job { return s.Store.List() }

// Cancel requests job cancellation. A pending job is cancelled immediately and
// removed from the queue; a running one is only flagged, the actual transition
// happens once the Runner yields at a checkpoint or completes. Returns false for
// unknown jobs and illegal transitions.
func (s *Scheduler) Cancel(id string) bool {
	s.Store.mu.Lock()
	job, ok := s.Store.jobs[id]
	if !ok {
		s.Store.mu.Unlock()
		return false
	}

	switch job.Status {
	case StatusPending:
		s.Store.removeFromQueueLocked(id)
		job.Status = StatusCancelled
		job.FinishedAt = time.Now()
		job.appendLog("info", "cancelled")
		s.Store.recomputePositionsLocked()
	case StatusRunning:
		job.CancelRequested = true
		job.appendLog("info", "cancellation requested")
	default:
		s.Store.mu.Unlock()
		return false
	}
	st := s.Store.stateLocked()
	s.Store.mu.Unlock()
	s.Store.save(st)
	log.Printf("[INFO] cancel requested for job %s", id)
	return true
}

// Pause suspends a job. A pending job leaves the queue and pauses immediately, a
// running one is only flagged and pauses cooperatively at the Runner's next
// checkpoint; the scheduler never force-stops it.
func (s *Scheduler) Pause(id string) bool {
	s.Store.mu.Lock()
	job, ok := s.Store.jobs[id]
	if !ok {
		s.Store.mu.Unlock()
		return false
	}

	switch job.Status {
	case StatusPending:
		s.Store.removeFromQueueLocked(id)
		job.Status = StatusPaused
		job.Paused = true
		job.appendLog("info", "paused")
		s.Store.recomputePositionsLocked()
	case StatusRunning:
		job.PauseRequested = true
		job.appendLog("info", "pause requested")
	default:
		s.Store.mu.Unlock()
		return false
	}
	st := s.Store.stateLocked()
	s.Store.mu.Unlock()
	s.Store.save(st)
	log.Printf("[INFO] pause requested for job %s", id)
	return true
}

// Resume reactivates a paused job. A job paused before it ever started goes back
// to pending at the front of the queue, ahead of jobs queued after it. A job
// paused mid-run flips back to running in place, the worker is still parked
// inside the Runner call and continues from where it stopped.
func (s *Scheduler) Resume(id string) bool {
	s.Store.mu.Lock()
	job, ok := s.Store.jobs[id]
	if !ok || job.Status != StatusPaused {
		s.Store.mu.Unlock()
		return false
	}

	job.Paused = false
	job.PauseRequested = false
	if job.StartedAt.IsZero() {
		job.Status = StatusPending
		job.appendLog("info", "resumed, requeued at front")
		s.Store.requeueFrontLocked(id)
		s.Store.recomputePositionsLocked()
	} else {
		job.Status = StatusRunning
		job.appendLog("info", "resumed")
		if job.resume != nil {
			close(job.resume)
			job.resume = nil
		}
	}
	st := s.Store.stateLocked()
	s.Store.mu.Unlock()
	s.Store.save(st)
	s.wakeup()
	log.Printf("[INFO] resumed job %s", id)
	return true
}

// Retry makes a brand-new job with identical params for a terminal job and removes
// the original from the store. Nothing happens for unknown or non-terminal jobs.
func (s *Scheduler) Retry(id string) (Job, error) {
	s.Store.mu.Lock()
	orig, ok := s.Store.jobs[id]
	if !ok {
		s.Store.mu.Unlock()
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	if !orig.Status.Terminal() {
		s.Store.mu.Unlock()
		return Job{}, fmt.Errorf("job %s is %s, only finished jobs can be retried", id, orig.Status)
	}

	job := newJob(orig.Params)
	job.appendLog("info", "queued as retry of %s", id)
	delete(s.Store.jobs, id)
	s.Store.putLocked(job)
	st := s.Store.stateLocked()
	res := job.clone()
	s.Store.mu.Unlock()

	s.Store.save(st)
	s.wakeup()
	log.Printf("[INFO] retrying job %s as %s", id, res.ID)
	return res, nil
}

// Delete removes a job from the store. Rejected while the job is running or parked
// paused mid-run, the worker still holds it.
func (s *Scheduler) Delete(id string) bool {
	s.Store.mu.Lock()
	job, ok := s.Store.jobs[id]
	if !ok || job.Status == StatusRunning || (job.Status == StatusPaused && !job.StartedAt.IsZero()) {
		s.Store.mu.Unlock()
		return false
	}

	s.Store.removeFromQueueLocked(id)
	delete(s.Store.jobs, id)
	s.Store.recomputePositionsLocked()
	st := s.Store.stateLocked()
	s.Store.mu.Unlock()
	s.Store.save(st)
	log.Printf("[INFO] deleted job %s", id)
	return true
}

// ClearFinished bulk-removes jobs in the given statuses, default all terminal ones.
// Returns the number of removed jobs.
func (s *Scheduler) ClearFinished(statuses ...Status) int {
	if len(statuses) == 0 {
		statuses = TerminalStatuses()
	}
	match := map[Status]bool{}
	for _, st := range statuses {
		match[st] = true
	}

	s.Store.mu.Lock()
	count := 0
	for id, job := range s.Store.jobs {
		if match[job.Status] && job.Status.Terminal() {
			delete(s.Store.jobs, id)
			count++
		}
	}
	s.Store.recomputePositionsLocked()
	st := s.Store.stateLocked()
	s.Store.mu.Unlock()

	if count > 0 {
		s.Store.save(st)
	}
	log.Printf("[INFO] cleared %d finished jobs", count)
	return count
}
