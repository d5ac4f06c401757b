// Package history keeps a permanent record of finished conversion jobs in SQLite.
// The scheduler's own snapshot is working state and jobs disappear from it on
// delete/clear_finished; history rows survive for auditing and stats.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/booktalk/booktalk/app/jobs"
)

const logTailLines = 20

// Record is one finished job execution
type Record struct {
	ID             int64     `db:"id" json:"id"`
	JobID          string    `db:"job_id" json:"job_id"`
	Title          string    `db:"title" json:"title"`
	Source         string    `db:"source" json:"source"`
	Status         string    `db:"status" json:"status"`
	Error          string    `db:"error" json:"error,omitempty"`
	ProcessedUnits int       `db:"processed_units" json:"processed_units"`
	TotalUnits     int       `db:"total_units" json:"total_units"`
	StartedAt      time.Time `db:"started_at" json:"started_at,omitzero"`
	FinishedAt     time.Time `db:"finished_at" json:"finished_at"`
	LogTail        string    `db:"log_tail" json:"log_tail,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Store implements execution history on SQLite
type Store struct {
	db *sqlx.DB
}

// NewStore opens (or creates) the history database
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		title TEXT,
		source TEXT,
		status TEXT NOT NULL,
		error TEXT,
		processed_units INTEGER DEFAULT 0,
		total_units INTEGER DEFAULT 0,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		log_tail TEXT,
		created_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_executions_job_id ON executions(job_id);
	CREATE INDEX IF NOT EXISTS idx_executions_finished_at ON executions(finished_at)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record saves a finished job. Implements jobs.Recorder, called by the scheduler
// after every terminal transition.
func (s *Store) Record(job jobs.Job) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is %s, only finished jobs are recorded", job.ID, job.Status)
	}

	rec := Record{
		JobID:          job.ID,
		Title:          job.Params.DisplayTitle(),
		Source:         job.Params.Source,
		Status:         string(job.Status),
		Error:          job.Error,
		ProcessedUnits: job.ProcessedUnits,
		TotalUnits:     job.TotalUnits,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
		LogTail:        logTail(job.Logs),
		CreatedAt:      time.Now(),
	}

	_, err := s.db.NamedExec(`INSERT INTO executions
		(job_id, title, source, status, error, processed_units, total_units, started_at, finished_at, log_tail, created_at)
		VALUES (:job_id, :title, :source, :status, :error, :processed_units, :total_units, :started_at, :finished_at, :log_tail, :created_at)`, rec)
	if err != nil {
		return fmt.Errorf("failed to record execution for job %s: %w", job.ID, err)
	}
	return nil
}

// List returns the most recent executions, newest first
func (s *Store) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	res := []Record{}
	err := s.db.Select(&res, `SELECT * FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	return res, nil
}

// Cleanup removes the oldest executions beyond the keep limit, returns removed count
func (s *Store) Cleanup(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`DELETE FROM executions WHERE id NOT IN
		(SELECT id FROM executions ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get cleanup count: %w", err)
	}
	return int(n), nil
}

// StartSweeper schedules periodic retention cleanup with a cron spec,
// e.g. "0 3 * * *" for nightly. Stops when ctx is done.
func (s *Store) StartSweeper(ctx context.Context, schedule string, keep int) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		removed, err := s.Cleanup(keep)
		if err != nil {
			log.Printf("[WARN] history cleanup failed, %v", err)
			return
		}
		if removed > 0 {
			log.Printf("[INFO] history cleanup removed %d executions", removed)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	log.Printf("[INFO] history sweeper scheduled %q, keeping %d executions", schedule, keep)
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error { return s.db.Close() }

// logTail joins the last few log lines for storage
func logTail(logs []jobs.LogEntry) string {
	start := 0
	if len(logs) > logTailLines {
		start = len(logs) - logTailLines
	}
	lines := make([]string, 0, len(logs)-start)
	for _, l := range logs[start:] {
		lines = append(lines, fmt.Sprintf("%s [%s] %s", l.TS.Format(time.RFC3339), strings.ToUpper(l.Level), l.Message))
	}
	return strings.Join(lines, "\n")
}
