// Package conditions gates job execution on host metrics. The synthesis runner
// saturates CPU/GPU and memory, so the scheduler can be told to hold a claimed job
// until the machine is quiet enough, with a bounded postpone deadline.
package conditions

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"gopkg.in/yaml.v3"
)

// Config defines start conditions, all thresholds optional
type Config struct {
	CPUBelow      *int           `yaml:"cpu_below"`       // CPU usage percent
	MemoryBelow   *int           `yaml:"memory_below"`    // memory usage percent
	LoadAvgBelow  *float64       `yaml:"load_avg_below"`  // 1-minute load average
	DiskFreeAbove *int           `yaml:"disk_free_above"` // free disk percent
	DiskFreePath  string         `yaml:"disk_free_path"`  // path for the disk check, default "/"
	MaxPostpone   *time.Duration `yaml:"max_postpone"`    // run anyway after this, default 10m
	CheckInterval *time.Duration `yaml:"check_interval"`  // re-check period, default 30s
}

// Empty reports if no conditions are configured
func (c Config) Empty() bool {
	return c.CPUBelow == nil && c.MemoryBelow == nil && c.LoadAvgBelow == nil && c.DiskFreeAbove == nil
}

// UnmarshalYAML decodes the config accepting durations as strings like "30m"
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		CPUBelow      *int     `yaml:"cpu_below"`
		MemoryBelow   *int     `yaml:"memory_below"`
		LoadAvgBelow  *float64 `yaml:"load_avg_below"`
		DiskFreeAbove *int     `yaml:"disk_free_above"`
		DiskFreePath  string   `yaml:"disk_free_path"`
		MaxPostpone   string   `yaml:"max_postpone"`
		CheckInterval string   `yaml:"check_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	c.CPUBelow, c.MemoryBelow = raw.CPUBelow, raw.MemoryBelow
	c.LoadAvgBelow, c.DiskFreeAbove = raw.LoadAvgBelow, raw.DiskFreeAbove
	c.DiskFreePath = raw.DiskFreePath

	if raw.MaxPostpone != "" {
		d, err := time.ParseDuration(raw.MaxPostpone)
		if err != nil {
			return fmt.Errorf("invalid max_postpone %q: %w", raw.MaxPostpone, err)
		}
		c.MaxPostpone = &d
	}
	if raw.CheckInterval != "" {
		d, err := time.ParseDuration(raw.CheckInterval)
		if err != nil {
			return fmt.Errorf("invalid check_interval %q: %w", raw.CheckInterval, err)
		}
		c.CheckInterval = &d
	}
	return nil
}

// LoadConfig reads conditions from a YAML file
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) // nolint gosec
	if err != nil {
		return Config{}, fmt.Errorf("can't read conditions file %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("can't parse conditions file %s: %w", path, err)
	}
	return cfg, nil
}

// Checker verifies host conditions and waits for them before a job starts
type Checker struct {
	cfg Config
}

// NewChecker makes a checker for the given config
func NewChecker(cfg Config) *Checker { return &Checker{cfg: cfg} }

// Check verifies if all configured conditions are met.
// Returns true if satisfied, false with a reason otherwise.
func (c *Checker) Check() (bool, string) {
	if c.cfg.CPUBelow != nil {
		if ok, reason := checkCPU(*c.cfg.CPUBelow); !ok {
			return false, reason
		}
	}
	if c.cfg.MemoryBelow != nil {
		if ok, reason := checkMemory(*c.cfg.MemoryBelow); !ok {
			return false, reason
		}
	}
	if c.cfg.LoadAvgBelow != nil {
		if ok, reason := checkLoadAvg(*c.cfg.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	if c.cfg.DiskFreeAbove != nil {
		path := c.cfg.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := checkDiskFree(*c.cfg.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}
	return true, ""
}

// Wait blocks until conditions are met, the postpone deadline passes or ctx is done.
// With an empty config it returns immediately.
func (c *Checker) Wait(ctx context.Context, jobDesc string) {
	if c.cfg.Empty() {
		return
	}

	met, reason := c.Check()
	if met {
		return
	}

	maxPostpone := 10 * time.Minute
	if c.cfg.MaxPostpone != nil {
		maxPostpone = *c.cfg.MaxPostpone
	}
	checkInterval := 30 * time.Second
	if c.cfg.CheckInterval != nil {
		checkInterval = *c.cfg.CheckInterval
	}

	deadline := time.Now().Add(maxPostpone)
	log.Printf("[INFO] job postponed: %s, reason: %s, deadline: %s", jobDesc, reason, deadline.Format(time.RFC3339))

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	deadlineTimer := time.NewTimer(maxPostpone)
	defer deadlineTimer.Stop()

	for {
		select {
		case <-ticker.C:
			if met, reason = c.Check(); met {
				log.Printf("[INFO] conditions met, starting postponed job: %s", jobDesc)
				return
			}
			log.Printf("[DEBUG] conditions not met yet: %s, reason: %s", jobDesc, reason)
		case <-deadlineTimer.C:
			log.Printf("[WARN] max postpone reached, starting anyway: %s", jobDesc)
			return
		case <-ctx.Done():
			log.Printf("[INFO] wait for conditions canceled: %s", jobDesc)
			return
		}
	}
}

// checkCPU checks if CPU usage is below threshold
func checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkMemory checks if memory usage is below threshold
func checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkLoadAvg checks if load average is below threshold
func checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

// checkDiskFree checks if disk free space is above threshold
func checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}
