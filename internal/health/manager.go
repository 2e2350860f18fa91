package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrDuplicateChecker = errors.New("health checker already registered")

// Manager runs registered checks on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

// NewManager creates a new health manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkers: make(map[string]Checker), logger: logger}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(c Checker) error {
	if c == nil {
		return errors.New("nil health checker")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkers[c.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChecker, c.Name())
	}
	m.checkers[c.Name()] = c
	m.logger.Debug("Registered health checker",
		zap.String("name", c.Name()),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// Names returns the registered checker names in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Check runs every checker concurrently, each under its own timeout.
func (m *Manager) Check(ctx context.Context) Report {
	start := time.Now()
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checkers {
		i, c := i, c
		g.Go(func() error {
			results[i] = runCheck(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:     StatusHealthy,
		Ready:      true,
		Components: make(map[string]CheckResult, len(results)),
		Timestamp:  start,
	}
	for _, r := range results {
		report.Components[r.Component] = r
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			report.Status = StatusUnhealthy
			report.Ready = false
		case r.Status != StatusHealthy && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
		if r.Status != StatusHealthy {
			m.logger.Warn("Health check not healthy",
				zap.String("component", r.Component),
				zap.String("status", r.Status.String()),
				zap.String("error", r.Error),
			)
		}
	}
	report.Duration = time.Since(start)
	return report
}

func runCheck(ctx context.Context, c Checker) CheckResult {
	if t := c.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	r := c.Check(ctx)
	if r.Component == "" {
		r.Component = c.Name()
	}
	r.Critical = c.IsCritical()
	return r
}
