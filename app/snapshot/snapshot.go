// Package snapshot persists the full scheduler state to a single versioned JSON
// file. Writes go through a temp file and an atomic rename so a crash mid-write
// never leaves a corrupt snapshot behind.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/booktalk/booktalk/app/jobs"
)

// Manager saves and loads state snapshots at a fixed location
type Manager struct {
	path string
	rptr *repeater.Repeater
}

// New makes a snapshot manager for the given file path, creating the parent
// directory if needed
func New(path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("can't make snapshot location for %s: %w", path, err)
	}
	rptr := repeater.New(&strategy.Backoff{Repeats: 3, Duration: 50 * time.Millisecond, Factor: 2})
	return &Manager{path: path, rptr: rptr}, nil
}

// Save writes the state atomically, retrying transient filesystem errors with
// backoff. Implements jobs.Persister.
func (m *Manager) Save(st jobs.State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal state: %w", err)
	}

	err = m.rptr.Do(context.Background(), func() error {
		tmp, e := os.CreateTemp(filepath.Dir(m.path), ".booktalk-state-*")
		if e != nil {
			return fmt.Errorf("can't make temp snapshot: %w", e)
		}
		defer os.Remove(tmp.Name()) // no-op after successful rename

		if _, e = tmp.Write(data); e != nil {
			_ = tmp.Close()
			return fmt.Errorf("can't write snapshot: %w", e)
		}
		if e = tmp.Close(); e != nil {
			return fmt.Errorf("can't close snapshot: %w", e)
		}
		if e = os.Rename(tmp.Name(), m.path); e != nil {
			return fmt.Errorf("can't replace snapshot %s: %w", m.path, e)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("snapshot save failed: %w", err)
	}
	return nil
}

// Load reads the snapshot at startup. Missing, unreadable or version-incompatible
// files mean a cold start with empty state, never a fatal error. The current and
// the immediately prior schema versions are accepted.
func (m *Manager) Load() (jobs.State, bool) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[WARN] can't read snapshot %s, starting cold, %v", m.path, err)
		}
		return jobs.State{}, false
	}

	var st jobs.State
	if err := json.Unmarshal(data, &st); err != nil {
		log.Printf("[WARN] corrupt snapshot %s, starting cold, %v", m.path, err)
		return jobs.State{}, false
	}

	if st.Version != jobs.StateVersion && st.Version != jobs.StateVersion-1 {
		log.Printf("[WARN] snapshot %s has incompatible version %d (want %d or %d), starting cold",
			m.path, st.Version, jobs.StateVersion, jobs.StateVersion-1)
		return jobs.State{}, false
	}

	log.Printf("[INFO] loaded snapshot %s, %d jobs, %d queued", m.path, len(st.Jobs), len(st.Queue))
	return st, true
}

func (m *Manager) String() string {
	return fmt.Sprintf("snapshot at %s", m.path)
}
