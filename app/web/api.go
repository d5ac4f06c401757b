package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/booktalk/booktalk/app/jobs"
)

// APIJob represents a job in JSON API responses
type APIJob struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Params         jobs.Params    `json:"params"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      time.Time      `json:"started_at,omitzero"`
	FinishedAt     time.Time      `json:"finished_at,omitzero"`
	Progress       float64        `json:"progress"`
	ProcessedUnits int            `json:"processed_units"`
	TotalUnits     int            `json:"total_units"`
	QueuePosition  int            `json:"queue_position,omitempty"`
	EstRemaining   string         `json:"est_remaining,omitempty"`
	Error          string         `json:"error,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
}

// APIStats represents aggregated queue statistics
type APIStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	Jobs      []APIJob  `json:"jobs"`
	Stats     APIStats  `json:"stats"`
	Hostname  string    `json:"hostname,omitempty"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// APILogsResponse is the JSON response for job logs
type APILogsResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Logs   []jobs.LogEntry `json:"logs"`
}

// toAPIJob converts jobs.Job to APIJob
func toAPIJob(j jobs.Job) APIJob {
	res := APIJob{
		ID:             j.ID,
		Title:          j.Params.DisplayTitle(),
		Params:         j.Params,
		Status:         string(j.Status),
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		Progress:       j.Progress,
		ProcessedUnits: j.ProcessedUnits,
		TotalUnits:     j.TotalUnits,
		QueuePosition:  j.QueuePosition,
		Error:          j.Error,
		Result:         j.Result,
	}
	if est, ok := j.EstimatedRemaining(time.Now()); ok {
		res.EstRemaining = est.Round(time.Second).String()
	}
	return res
}

// handleEnqueue creates a new conversion job from the posted params
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var params jobs.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.scheduler.Enqueue(params)
	if err != nil {
		if errors.Is(err, jobs.ErrValidation) {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[ERROR] failed to enqueue job: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	s.writeJSON(w, http.StatusCreated, toAPIJob(job))
}

// handleList returns all jobs, newest first
func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	all := s.scheduler.List()
	res := make([]APIJob, 0, len(all))
	for _, j := range all {
		res = append(res, toAPIJob(j))
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleGet returns a single job
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.scheduler.Get(r.PathValue("id"))
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toAPIJob(job))
}

// handleLogs returns the job's log lines
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.scheduler.Get(r.PathValue("id"))
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	logs := job.Logs
	if logs == nil {
		logs = []jobs.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, APILogsResponse{ID: job.ID, Status: string(job.Status), Logs: logs})
}

// control converts the bool result of a scheduler operation into an HTTP response.
// Operations return false both for unknown jobs and illegal state transitions,
// the job lookup afterwards tells the two apart.
func (s *Server) control(w http.ResponseWriter, id string, op func(string) bool, verb string) {
	if op(id) {
		job, _ := s.scheduler.Get(id)
		s.writeJSON(w, http.StatusOK, toAPIJob(job))
		return
	}
	if job, ok := s.scheduler.Get(id); ok {
		s.writeJSONError(w, http.StatusConflict, "can't "+verb+" job in status "+string(job.Status))
		return
	}
	s.writeJSONError(w, http.StatusNotFound, "job not found")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r.PathValue("id"), s.scheduler.Cancel, "cancel")
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r.PathValue("id"), s.scheduler.Pause, "pause")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r.PathValue("id"), s.scheduler.Resume, "resume")
}

// handleRetry re-enqueues a finished job as a new one
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.scheduler.Retry(id)
	if err != nil {
		if _, ok := s.scheduler.Get(id); !ok {
			s.writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, toAPIJob(job))
}

// handleDelete removes a single job
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.scheduler.Delete(id) {
		s.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
		return
	}
	if _, ok := s.scheduler.Get(id); ok {
		s.writeJSONError(w, http.StatusConflict, "can't delete an active job")
		return
	}
	s.writeJSONError(w, http.StatusNotFound, "job not found")
}

// handleClearFinished bulk-removes finished jobs, optionally filtered by ?status=
func (s *Server) handleClearFinished(w http.ResponseWriter, r *http.Request) {
	var statuses []jobs.Status
	for _, v := range r.URL.Query()["status"] {
		st, ok := jobs.ParseStatus(v)
		if !ok {
			s.writeJSONError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		if !st.Terminal() {
			s.writeJSONError(w, http.StatusBadRequest, "status "+v+" is not a finished status")
			return
		}
		statuses = append(statuses, st)
	}

	count := s.scheduler.ClearFinished(statuses...)
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": count})
}

// handleStatus returns the full queue view with aggregated stats
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	all := s.scheduler.List()
	apiJobs := make([]APIJob, 0, len(all))
	stats := APIStats{Total: len(all)}

	for _, j := range all {
		apiJobs = append(apiJobs, toAPIJob(j))
		switch j.Status {
		case jobs.StatusPending:
			stats.Pending++
		case jobs.StatusRunning:
			stats.Running++
		case jobs.StatusPaused:
			stats.Paused++
		case jobs.StatusCompleted:
			stats.Completed++
		case jobs.StatusFailed:
			stats.Failed++
		case jobs.StatusCancelled:
			stats.Cancelled++
		}
	}

	resp := APIStatusResponse{
		Jobs:      apiJobs,
		Stats:     stats,
		Hostname:  s.hostname,
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleHistory returns finished-job records, newest first
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSONError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := s.history.List(limit)
	if err != nil {
		log.Printf("[ERROR] failed to load history: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}
