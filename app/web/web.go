// Package web implements the JSON control API for the conversion queue.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/booktalk/booktalk/app/history"
	"github.com/booktalk/booktalk/app/jobs"
)

// Scheduler is the control surface the API exposes, implemented by jobs.Scheduler
type Scheduler interface {
	Enqueue(p jobs.Params) (jobs.Job, error)
	Get(id string) (jobs.Job, bool)
	List() []jobs.Job
	Cancel(id string) bool
	Pause(id string) bool
	Resume(id string) bool
	Retry(id string) (jobs.Job, error)
	Delete(id string) bool
	ClearFinished(statuses ...jobs.Status) int
}

// History provides read access to finished-job records, nil disables the endpoint
type History interface {
	List(limit int) ([]history.Record, error)
}

// Server represents the control API server
type Server struct {
	scheduler    Scheduler
	history      History
	version      string
	hostname     string
	passwordHash string // bcrypt hash for basic auth, empty to disable
	startTime    time.Time
}

// Config holds server configuration
type Config struct {
	Scheduler    Scheduler
	History      History // optional
	Version      string
	Hostname     string
	PasswordHash string // bcrypt hash for basic auth (empty to disable)
}

// New creates the control API server
func New(cfg Config) (*Server, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("web server initialization failed: scheduler is required")
	}
	return &Server{
		scheduler:    cfg.Scheduler,
		history:      cfg.History,
		version:      cfg.Version,
		hostname:     cfg.Hostname,
		passwordHash: cfg.PasswordHash,
		startTime:    time.Now(),
	}, nil
}

// Run starts the server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting control API on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("booktalk", "booktalk", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for control API")
		router.Use(s.authMiddleware)
	}

	// enqueue gets its own rate limit, conversions are expensive
	enqueueLimiter := tollbooth.NewLimiter(5, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Minute})

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.With(tollbooth.HTTPMiddleware(enqueueLimiter)).HandleFunc("POST /jobs", s.handleEnqueue)
		api.HandleFunc("GET /jobs", s.handleList)
		api.HandleFunc("GET /jobs/{id}", s.handleGet)
		api.HandleFunc("GET /jobs/{id}/logs", s.handleLogs)
		api.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
		api.HandleFunc("POST /jobs/{id}/pause", s.handlePause)
		api.HandleFunc("POST /jobs/{id}/resume", s.handleResume)
		api.HandleFunc("POST /jobs/{id}/retry", s.handleRetry)
		api.HandleFunc("DELETE /jobs/{id}", s.handleDelete)
		api.HandleFunc("DELETE /jobs", s.handleClearFinished)
		api.HandleFunc("GET /status", s.handleStatus)
		api.HandleFunc("GET /history", s.handleHistory)
	})

	return router
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
