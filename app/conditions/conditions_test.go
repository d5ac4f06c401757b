package conditions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_EmptyConfigAlwaysPasses(t *testing.T) {
	c := NewChecker(Config{})
	ok, reason := c.Check()
	assert.True(t, ok)
	assert.Empty(t, reason)

	// Wait must return immediately
	start := time.Now()
	c.Wait(context.Background(), "test job")
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestChecker_CPUThreshold(t *testing.T) {
	// impossible threshold, CPU can't be below 0
	zero := 0
	c := NewChecker(Config{CPUBelow: &zero})
	ok, reason := c.Check()
	assert.False(t, ok)
	assert.Contains(t, reason, "CPU")

	// trivially satisfied threshold
	hundred := 101
	c = NewChecker(Config{CPUBelow: &hundred})
	ok, _ = c.Check()
	assert.True(t, ok)
}

func TestChecker_MemoryThreshold(t *testing.T) {
	zero := 0
	c := NewChecker(Config{MemoryBelow: &zero})
	ok, reason := c.Check()
	assert.False(t, ok)
	assert.Contains(t, reason, "memory")
}

func TestChecker_WaitRespectsDeadline(t *testing.T) {
	zero := 0
	postpone := 50 * time.Millisecond
	interval := 10 * time.Millisecond
	c := NewChecker(Config{MemoryBelow: &zero, MaxPostpone: &postpone, CheckInterval: &interval})

	start := time.Now()
	c.Wait(context.Background(), "test job")
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, postpone)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestChecker_WaitCanceled(t *testing.T) {
	zero := 0
	postpone := time.Minute
	c := NewChecker(Config{MemoryBelow: &zero, MaxPostpone: &postpone})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	c.Wait(ctx, "test job")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conditions.yml")
	data := []byte("cpu_below: 80\nmemory_below: 90\nload_avg_below: 4.5\ndisk_free_above: 10\ndisk_free_path: /var\nmax_postpone: 5m\ncheck_interval: 15s\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.CPUBelow)
	assert.Equal(t, 80, *cfg.CPUBelow)
	require.NotNil(t, cfg.MemoryBelow)
	assert.Equal(t, 90, *cfg.MemoryBelow)
	require.NotNil(t, cfg.LoadAvgBelow)
	assert.InDelta(t, 4.5, *cfg.LoadAvgBelow, 0.001)
	assert.Equal(t, "/var", cfg.DiskFreePath)
	require.NotNil(t, cfg.MaxPostpone)
	assert.Equal(t, 5*time.Minute, *cfg.MaxPostpone)
	require.NotNil(t, cfg.CheckInterval)
	assert.Equal(t, 15*time.Second, *cfg.CheckInterval)
	assert.False(t, cfg.Empty())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig("/nonexistent/conditions.yml")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("cpu_below: [not a number"), 0o600))
	_, err = LoadConfig(path)
	require.Error(t, err)
}
