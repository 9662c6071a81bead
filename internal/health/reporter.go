// Package health reports whether the engine can currently take work.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
)

// PoolSource yields the stats of the live session pool. Snapshot must only
// take the pool's own short lock.
type PoolSource interface {
	Snapshot() schemas.PoolStats
}

// ComponentCheck returns nil when the component is usable. Checks are called
// on every report and must not perform browser I/O.
type ComponentCheck func() error

// ConfigFlags are the runtime switches exposed to operators.
type ConfigFlags struct {
	Headless bool `json:"headless"`
	Stealth  bool `json:"stealth"`
	Debug    bool `json:"debug"`
}

// Status is one health report.
type Status struct {
	Ready        bool                                `json:"ready"`
	Summary      string                              `json:"summary"`
	Pool         schemas.PoolStats                   `json:"pool"`
	LastOutcomes map[schemas.TaskType]schemas.Attempt `json:"last_outcomes"`
	Config       ConfigFlags                         `json:"config"`
	Components   map[string]string                   `json:"components"`
	CheckedAt    time.Time                           `json:"checked_at"`
}

// Reporter aggregates pool state and recent attempts. It implements the
// retry controller's attempt observer.
type Reporter struct {
	pool   PoolSource
	flags  func() ConfigFlags
	logger *zap.Logger
	now    func() time.Time

	mu         sync.RWMutex
	last       map[schemas.TaskType]schemas.Attempt
	components map[string]ComponentCheck
}

// FlagsOf reads the switches from cfg. Callers that mutate cfg must
// serialize the call with their writes.
func FlagsOf(cfg config.Interface) func() ConfigFlags {
	return func() ConfigFlags {
		return ConfigFlags{
			Headless: cfg.Browser().Headless,
			Stealth:  cfg.Stealth().Enabled,
			Debug:    cfg.Browser().Debug,
		}
	}
}

// NewReporter creates a reporter over pool. flags is called on every report.
func NewReporter(pool PoolSource, flags func() ConfigFlags, logger *zap.Logger) *Reporter {
	return &Reporter{
		pool:       pool,
		flags:      flags,
		logger:     logger.Named("health"),
		now:        time.Now,
		last:       make(map[schemas.TaskType]schemas.Attempt),
		components: make(map[string]ComponentCheck),
	}
}

// Register adds (or replaces) a named component check.
func (r *Reporter) Register(name string, check ComponentCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = check
}

// Record stores attempt as the most recent one for taskType.
func (r *Reporter) Record(taskType schemas.TaskType, attempt schemas.Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[taskType] = attempt
}

// Report builds the current status. The engine is ready unless the browser
// environment is down.
func (r *Reporter) Report() Status {
	stats := r.pool.Snapshot()

	r.mu.RLock()
	last := make(map[schemas.TaskType]schemas.Attempt, len(r.last))
	for k, v := range r.last {
		last[k] = v
	}
	checks := make(map[string]ComponentCheck, len(r.components))
	for k, v := range r.components {
		checks[k] = v
	}
	r.mu.RUnlock()

	components := map[string]string{"browser": "ok"}
	if stats.EnvironmentDown {
		components["browser"] = fmt.Sprintf("unavailable: %d consecutive launch failures", stats.ConsecutiveLaunchErr)
	}
	for name, check := range checks {
		if err := check(); err != nil {
			components[name] = "error: " + err.Error()
			continue
		}
		components[name] = "ok"
	}

	st := Status{
		Ready:        !stats.EnvironmentDown,
		Pool:         stats,
		LastOutcomes: last,
		Config:       r.flags(),
		Components:   components,
		CheckedAt:    r.now(),
	}
	st.Summary = summarize(st)
	if !st.Ready {
		r.logger.Warn("Engine not ready.", zap.String("summary", st.Summary))
	}
	return st
}

func summarize(st Status) string {
	if !st.Ready {
		return "browser environment unavailable: " + st.Components["browser"]
	}
	var degraded []string
	for name, state := range st.Components {
		if state != "ok" {
			degraded = append(degraded, name)
		}
	}
	sort.Strings(degraded)
	p := st.Pool
	summary := fmt.Sprintf("ready: %d/%d sessions (%d idle, %d busy)", p.Size, p.Capacity, p.Idle, p.Busy)
	if len(degraded) > 0 {
		summary += fmt.Sprintf(", degraded components: %v", degraded)
	}
	return summary
}
