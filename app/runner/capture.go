package runner

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"github.com/booktalk/booktalk/app/jobs"
)

// maxLogLines caps how much child output ends up in the job log. Progress and
// result lines are always parsed, only plain output is dropped past the cap.
const maxLogLines = 500

// outputWriter feeds the synthesis command output into the job: parses the
// PROGRESS/RESULT protocol lines and logs the rest. Thread safe, stdout and
// stderr share one instance. Partial lines are buffered until the newline arrives.
type outputWriter struct {
	job     *jobs.Job
	mu      sync.Mutex
	partial bytes.Buffer
	lines   int
	dropped bool
}

func newOutputWriter(job *jobs.Job) *outputWriter {
	return &outputWriter{job: job}
}

// Write satisfies io.Writer
func (o *outputWriter) Write(p []byte) (n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.partial.Write(p)
	for {
		raw := o.partial.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(raw[:idx]))
		o.partial.Next(idx + 1)
		if line == "" {
			continue
		}
		o.handleLine(line)
	}
	return len(p), nil
}

func (o *outputWriter) handleLine(line string) {
	if done, total, ok := parseProgress(line); ok {
		o.job.SetTotal(total)
		o.job.SetProgress(done)
		return
	}
	if key, val, ok := parseResult(line); ok {
		o.job.SetResult(key, val)
		return
	}

	if o.lines >= maxLogLines {
		if !o.dropped {
			o.dropped = true
			o.job.Log("warn", "synthesis output truncated after %d lines", maxLogLines)
		}
		return
	}
	o.lines++
	o.job.Log("info", "%s", line)
}

// parseProgress matches "PROGRESS <done>/<total>"
func parseProgress(line string) (done, total int, ok bool) {
	rest, found := strings.CutPrefix(line, "PROGRESS ")
	if !found {
		return 0, 0, false
	}
	parts := strings.SplitN(strings.TrimSpace(rest), "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	d, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	t, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || t <= 0 || d < 0 {
		return 0, 0, false
	}
	return d, t, true
}

// parseResult matches "RESULT <key> <value>"
func parseResult(line string) (key, val string, ok bool) {
	rest, found := strings.CutPrefix(line, "RESULT ")
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}
