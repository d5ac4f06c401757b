package jobs

import (
	"sort"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// StateVersion is the schema version of the persisted snapshot
const StateVersion = 2

// State is the full serializable scheduler state, written as one snapshot document
type State struct {
	Version int      `json:"version"`
	Jobs    []Job    `json:"jobs"`
	Queue   []string `json:"queue"`
}

// Persister saves the scheduler state snapshot. Failures are logged and swallowed,
// durability is best-effort and never halts job processing.
type Persister interface {
	Save(st State) error
}

// Store is the registry of all known jobs plus the ordered queue of pending ids.
// One mutex guards everything, shared with the worker loop; job volume is low and
// correctness matters far more than throughput here.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	queue     []string
	persister Persister // optional
}

// NewStore makes an empty store. Persister may be nil for in-memory only operation.
func NewStore(p Persister) *Store {
	return &Store{jobs: map[string]*Job{}, persister: p}
}

// Get returns a detached copy of the job
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// List returns copies of all jobs sorted by creation time, newest first
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		res = append(res, j.clone())
	}
	sort.Slice(res, func(i, k int) bool {
		if !res[i].CreatedAt.Equal(res[k].CreatedAt) {
			return res[i].CreatedAt.After(res[k].CreatedAt)
		}
		return res[i].ID < res[k].ID
	})
	return res
}

// Len returns the number of known jobs
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Pending returns ids of queued jobs in execution order
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queue...)
}

// putLocked registers a new job and appends it to the queue
func (s *Store) putLocked(j *Job) {
	j.store = s
	s.jobs[j.ID] = j
	s.queue = append(s.queue, j.ID)
	s.recomputePositionsLocked()
}

// removeFromQueueLocked drops the id from the pending queue if present
func (s *Store) removeFromQueueLocked(id string) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// requeueFrontLocked puts the id at the head of the queue, ahead of everything pending
func (s *Store) requeueFrontLocked(id string) {
	s.removeFromQueueLocked(id)
	s.queue = append([]string{id}, s.queue...)
}

// recomputePositionsLocked reassigns 1-based contiguous queue positions to pending
// jobs and clears the position for everything else. O(n), run after every queue change.
func (s *Store) recomputePositionsLocked() {
	for _, j := range s.jobs {
		j.QueuePosition = 0
	}
	for i, id := range s.queue {
		if j, ok := s.jobs[id]; ok {
			j.QueuePosition = i + 1
		}
	}
}

// stateLocked builds a snapshot of the full store state
func (s *Store) stateLocked() State {
	st := State{Version: StateVersion, Queue: append([]string(nil), s.queue...)}
	for _, j := range s.jobs {
		st.Jobs = append(st.Jobs, j.clone())
	}
	sort.Slice(st.Jobs, func(i, k int) bool { return st.Jobs[i].CreatedAt.Before(st.Jobs[k].CreatedAt) })
	return st
}

// save passes the snapshot to the persister. Errors are logged only, a failed
// snapshot must never stop the scheduler.
func (s *Store) save(st State) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(st); err != nil {
		log.Printf("[WARN] failed to persist state, %v", err)
	}
}

// persist snapshots the current state and saves it
func (s *Store) persist() {
	s.mu.Lock()
	st := s.stateLocked()
	s.mu.Unlock()
	s.save(st)
}

// Restore loads a previously persisted state. Jobs found running or paused are
// demoted to pending and re-inserted into the queue, the assumption is the Runner
// is safely re-runnable from the beginning. Interrupted running jobs go to the
// front, paused ones to the back.
func (s *Store) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]*Job, len(st.Jobs))
	s.queue = nil
	var front, back []string

	for i := range st.Jobs {
		j := st.Jobs[i] // copy, detached from the snapshot slice
		wasRunning := j.Status == StatusRunning
		if j.Status == StatusRunning || j.Status == StatusPaused {
			j.Status = StatusPending
			j.Paused = false
			j.PauseRequested = false
			j.StartedAt = time.Time{}
			j.appendLog("warn", "demoted to pending after restart")
			if wasRunning {
				front = append(front, j.ID)
			} else {
				back = append(back, j.ID)
			}
		}
		j.store = s
		s.jobs[j.ID] = &j
	}

	// keep the persisted queue order for jobs that are still pending
	for _, id := range st.Queue {
		if j, ok := s.jobs[id]; ok && j.Status == StatusPending && !contains(front, id) && !contains(back, id) {
			s.queue = append(s.queue, id)
		}
	}
	s.queue = append(front, s.queue...)
	s.queue = append(s.queue, back...)
	s.recomputePositionsLocked()
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
