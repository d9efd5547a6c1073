// Package health runs dependency checks for the control API's /health and
// /ready endpoints.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/zsiec/screenmirror/internal/logger"
)

// checkTimeout bounds one checker run.
const checkTimeout = 5 * time.Second

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Check is the latest result of one checker.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Critical    bool      `json:"critical"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  float64   `json:"duration_ms"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

type entry struct {
	checker  Checker
	critical bool
}

// Manager runs checkers and keeps their latest results. A failing critical
// checker takes the service down; any other failure degrades it.
type Manager struct {
	mu      sync.RWMutex
	entries []entry
	results map[string]Check
	log     logger.Logger
}

func NewManager(log logger.Logger) *Manager {
	return &Manager{
		results: make(map[string]Check),
		log:     logger.WithComponent(log, "health"),
	}
}

// Register adds a checker mirroring cannot work without, such as adb.
func (m *Manager) Register(c Checker) {
	m.add(c, true)
}

// RegisterOptional adds a checker whose failure only degrades the service.
func (m *Manager) RegisterOptional(c Checker) {
	m.add(c, false)
}

func (m *Manager) add(c Checker, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{checker: c, critical: critical})
	m.log.WithFields(logger.Fields{"checker": c.Name(), "critical": critical}).Debug("Registered health checker")
}

// RunChecks runs every checker concurrently and records the results.
func (m *Manager) RunChecks(ctx context.Context) map[string]Check {
	m.mu.RLock()
	entries := append([]entry(nil), m.entries...)
	m.mu.RUnlock()

	p := pool.NewWithResults[Check]()
	for _, e := range entries {
		e := e
		p.Go(func() Check { return m.run(ctx, e) })
	}
	checks := p.Wait()

	results := make(map[string]Check, len(checks))
	m.mu.Lock()
	for _, c := range checks {
		m.results[c.Name] = c
		results[c.Name] = c
	}
	m.mu.Unlock()
	return results
}

func (m *Manager) run(ctx context.Context, e entry) Check {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := e.checker.Check(ctx)
	elapsed := time.Since(start)

	c := Check{
		Name:        e.checker.Name(),
		Status:      StatusOK,
		Critical:    e.critical,
		LastChecked: time.Now(),
		DurationMS:  float64(elapsed.Microseconds()) / 1000,
	}
	if err == nil {
		return c
	}

	c.Status = StatusDegraded
	if e.critical {
		c.Status = StatusDown
	}
	c.Message = err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		c.Message = "check timed out"
	}

	l := m.log.WithError(err).WithFields(logger.Fields{"checker": c.Name, "duration": elapsed})
	if e.critical {
		l.Error("Health check failed")
	} else {
		l.Warn("Health check failed")
	}
	return c
}

// Results returns the latest result of every checker that has run.
func (m *Manager) Results() map[string]Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Check, len(m.results))
	for k, v := range m.results {
		out[k] = v
	}
	return out
}

// Status folds the latest results. Nothing checked yet counts as down.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.results) == 0 {
		return StatusDown
	}
	status := StatusOK
	for _, c := range m.results {
		switch c.Status {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// Ready reports whether every critical checker passed its latest run, and
// names those that did not or have not run yet.
func (m *Manager) Ready() (bool, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failing []string
	for _, e := range m.entries {
		if !e.critical {
			continue
		}
		name := e.checker.Name()
		if c, ok := m.results[name]; !ok || c.Status != StatusOK {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return len(failing) == 0, failing
}

// Run checks immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.RunChecks(ctx)
	for {
		select {
		case <-ticker.C:
			m.RunChecks(ctx)
		case <-ctx.Done():
			m.log.Debug("Stopping periodic health checks")
			return
		}
	}
}
