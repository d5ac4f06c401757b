// Package jobs implements the conversion job scheduler: job entity and status model,
// thread-safe store with an ordered pending queue, a single-worker execution loop and
// the control operations (enqueue, cancel, pause, resume, retry, delete).
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrCancelled is returned by Job.Checkpoint when cancellation was requested.
// The Runner should stop its work and return as soon as it observes it.
var ErrCancelled = errors.New("job cancelled")

// LogEntry is a single line in the job's append-only log
type LogEntry struct {
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Job is the unit of conversion work. All mutable fields are guarded by the owning
// store's mutex; readers get copies via Store.Get/List, the Runner mutates its own
// job through the handle methods (Log, SetProgress, Checkpoint, SetResult).
type Job struct {
	ID     string `json:"id"`
	Params Params `json:"params"`
	Status Status `json:"status"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	Progress       float64 `json:"progress"`
	ProcessedUnits int     `json:"processed_units"`
	TotalUnits     int     `json:"total_units"`

	CancelRequested bool `json:"cancel_requested"`
	PauseRequested  bool `json:"pause_requested"`
	Paused          bool `json:"paused"`

	Logs          []LogEntry     `json:"logs"`
	QueuePosition int            `json:"queue_position,omitempty"` // 1-based, set iff pending
	Error         string         `json:"error,omitempty"`
	Result        map[string]any `json:"result,omitempty"` // opaque, filled by the Runner on success

	store  *Store        // back-pointer for lock discipline, nil for detached copies
	resume chan struct{} // pause gate, non-nil only while parked mid-run
}

func newJob(p Params) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Params:    p,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// Log appends a line to the job's log. Safe to call from the Runner while the job runs.
func (j *Job) Log(level, format string, args ...any) {
	if j.store != nil {
		j.store.mu.Lock()
		defer j.store.mu.Unlock()
	}
	j.appendLog(level, format, args...)
}

// appendLog adds a log entry, caller must hold the store lock
func (j *Job) appendLog(level, format string, args ...any) {
	j.Logs = append(j.Logs, LogEntry{TS: time.Now(), Level: level, Message: fmt.Sprintf(format, args...)})
}

// SetTotal sets the total unit count (chapters, chunks) for progress reporting
func (j *Job) SetTotal(n int) {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()
	j.TotalUnits = n
}

// SetProgress updates processed units and the derived progress ratio. The ratio is
// capped just below 1.0, the job reaches exactly 1.0 only on successful completion.
func (j *Job) SetProgress(done int) {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()
	j.ProcessedUnits = done
	if j.TotalUnits > 0 {
		p := float64(done) / float64(j.TotalUnits)
		if p >= 1 {
			p = 0.999
		}
		j.Progress = p
	}
}

// SetResult stores an entry in the opaque result payload, the scheduler never inspects it
func (j *Job) SetResult(key string, val any) {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()
	if j.Result == nil {
		j.Result = map[string]any{}
	}
	j.Result[key] = val
}

// Checkpoint is the cooperative control point the Runner must call at safe places.
// It returns ErrCancelled when cancellation was requested. When a pause was requested
// it transitions the job to paused in place and parks the calling goroutine until
// Resume reopens the gate, then re-checks cancellation and continues.
func (j *Job) Checkpoint() error {
	s := j.store
	s.mu.Lock()
	if j.CancelRequested {
		s.mu.Unlock()
		return ErrCancelled
	}
	if !j.PauseRequested {
		s.mu.Unlock()
		return nil
	}

	// running -> paused, no requeue: the worker stays parked inside the Runner call
	j.Status = StatusPaused
	j.Paused = true
	j.PauseRequested = false
	j.appendLog("info", "paused")
	ch := make(chan struct{})
	j.resume = ch
	st := s.stateLocked()
	s.mu.Unlock()

	s.save(st)
	<-ch // wait for Resume

	s.mu.Lock()
	cancelled := j.CancelRequested
	s.mu.Unlock()
	if cancelled {
		return ErrCancelled
	}
	return nil
}

// Cancelled reports if cancellation was requested, for Runners that prefer polling
// over checkpoint error handling
func (j *Job) Cancelled() bool {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()
	return j.CancelRequested
}

// PausePending reports if a pause was requested but not yet honored
func (j *Job) PausePending() bool {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()
	return j.PauseRequested
}

// EstimatedRemaining derives time left from elapsed/progress. Defined only while
// running with some progress made, non-authoritative.
func (j Job) EstimatedRemaining(now time.Time) (time.Duration, bool) {
	if j.Status != StatusRunning || j.Progress <= 0 || j.StartedAt.IsZero() {
		return 0, false
	}
	elapsed := now.Sub(j.StartedAt)
	return time.Duration(float64(elapsed)/j.Progress) - elapsed, true
}

// clone returns a detached deep copy safe to hand out to readers,
// caller must hold the store lock
func (j *Job) clone() Job {
	cp := *j
	cp.store, cp.resume = nil, nil
	cp.Logs = append([]LogEntry(nil), j.Logs...)
	if j.Result != nil {
		cp.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			cp.Result[k] = v
		}
	}
	return cp
}
