// Package runner provides the default synthesis Runner executing an external
// command per job. The command gets conversion params as environment variables and
// reports back over stdout: "PROGRESS n/m" lines update progress counters and
// "RESULT key value" lines fill the job result, everything else lands in the job
// log. Cancellation and pause are honored between output polls: cancel terminates
// the child, pause stops it with SIGSTOP until resume.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/booktalk/booktalk/app/jobs"
)

// Exec runs the configured shell command for each job
type Exec struct {
	Command       string        // executed as sh -c
	CheckInterval time.Duration // control flag poll period, default 250ms
	KillTimeout   time.Duration // grace period after SIGTERM, default 10s
}

// Run implements jobs.Runner
func (e *Exec) Run(_ context.Context, job *jobs.Job) (jobs.Outcome, error) {
	interval := e.CheckInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	cmd := exec.Command("sh", "-c", e.Command) // nolint gosec // command comes from the operator
	cmd.Env = append(os.Environ(), paramsEnv(job.Params)...)
	out := newOutputWriter(job)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return jobs.OutcomeCompleted, fmt.Errorf("failed to start synthesis command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				return jobs.OutcomeCompleted, fmt.Errorf("synthesis command failed: %w", err)
			}
			return jobs.OutcomeCompleted, nil

		case <-ticker.C:
			if job.Cancelled() {
				e.terminate(cmd, done)
				return jobs.OutcomeCancelled, jobs.ErrCancelled
			}
			if job.PausePending() {
				// freeze the child while the worker parks on the pause gate
				if err := cmd.Process.Signal(syscall.SIGSTOP); err != nil {
					log.Printf("[WARN] can't stop synthesis process, %v", err)
				}
				err := job.Checkpoint()
				if sigErr := cmd.Process.Signal(syscall.SIGCONT); sigErr != nil {
					log.Printf("[WARN] can't continue synthesis process, %v", sigErr)
				}
				if errors.Is(err, jobs.ErrCancelled) {
					e.terminate(cmd, done)
					return jobs.OutcomeCancelled, err
				}
			}
		}
	}
}

// terminate asks the child to stop and kills it after the grace period
func (e *Exec) terminate(cmd *exec.Cmd, done chan error) {
	killTimeout := e.KillTimeout
	if killTimeout <= 0 {
		killTimeout = 10 * time.Second
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Printf("[WARN] can't terminate synthesis process, %v", err)
	}
	select {
	case <-done:
	case <-time.After(killTimeout):
		log.Printf("[WARN] synthesis process ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
		<-done
	}
}

// paramsEnv exports job params for the synthesis command
func paramsEnv(p jobs.Params) []string {
	env := []string{
		"BOOKTALK_SOURCE=" + p.Source,
		"BOOKTALK_TITLE=" + p.DisplayTitle(),
	}
	if p.Voice != "" {
		env = append(env, "BOOKTALK_VOICE="+p.Voice)
	}
	if p.Format != "" {
		env = append(env, "BOOKTALK_FORMAT="+p.Format)
	}
	if p.Bitrate != 0 {
		env = append(env, fmt.Sprintf("BOOKTALK_BITRATE=%d", p.Bitrate))
	}
	for k, v := range p.Options {
		env = append(env, "BOOKTALK_OPT_"+strings.ToUpper(k)+"="+v)
	}
	return env
}
