package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck reports the health of one dependency.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	LatencyMs   int64           `json:"latency_ms"`
}

// SystemHealth is the aggregate health of the process.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	UptimeS    int64                      `json:"uptime_s"`
}

// PingCheck turns a ping function into a HealthCheck.
func PingCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// FlagCheck reports degraded while ok() returns false.
func FlagCheck(ok func() bool, message string) HealthCheck {
	return func(context.Context) ComponentHealth {
		if ok() {
			return ComponentHealth{Status: StatusHealthy}
		}
		return ComponentHealth{Status: StatusDegraded, Message: message}
	}
}

// HealthMonitor runs registered checks on demand or on an interval and logs
// status transitions.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
	timeout   time.Duration
}

// NewHealthMonitor creates a monitor whose checks each get timeout to answer.
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
		timeout:   timeout,
	}
}

// Register adds a named health check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Run re-checks every interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs every check concurrently and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make([]ComponentHealth, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			res := checks[name](cctx)
			res.Name = name
			res.LastChecked = time.Now()
			res.LatencyMs = time.Since(start).Milliseconds()
			results[i] = res
		}()
	}
	wg.Wait()

	m.mu.Lock()
	for _, res := range results {
		if prev, ok := m.results[res.Name]; !ok || prev.Status != res.Status {
			logTransition(res)
		}
		m.results[res.Name] = res
	}
	m.mu.Unlock()

	return m.snapshot()
}

func logTransition(h ComponentHealth) {
	ev := log.Info()
	switch h.Status {
	case StatusUnhealthy:
		ev = log.Error()
	case StatusDegraded:
		ev = log.Warn()
	}
	ev.Str("component", h.Name).Str("status", string(h.Status)).Str("message", h.Message).
		Msg("health: status changed")
}

// snapshot builds a SystemHealth from the current results.
func (m *HealthMonitor) snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if statusSeverity(h.Status) > statusSeverity(worst) {
			worst = h.Status
		}
	}

	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		UptimeS:    int64(time.Since(m.startTime).Seconds()),
	}
}

// Handler serves the aggregate as JSON; unhealthy answers 503.
func (m *HealthMonitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if h.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
}

// statusSeverity returns a numeric severity for comparison.
func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
