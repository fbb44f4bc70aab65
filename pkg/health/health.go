// Package health tracks consolidation outcomes over a rolling window and
// turns them into status levels, alerts and recommendations.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlertNotFound is returned when resolving an unknown alert id.
var ErrAlertNotFound = errors.New("alert not found")

// Status is a health level, ordered from best to worst.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	case StatusCritical:
		return 3
	}
	return 0
}

// Worse reports whether s is a worse level than o.
func (s Status) Worse(o Status) bool { return s.rank() > o.rank() }

// Thresholds maps a metric value onto a Status. When HigherIsBetter a value
// at or above Healthy is healthy; otherwise a value at or below Healthy is.
type Thresholds struct {
	Healthy        float64 `mapstructure:"healthy"`
	Degraded       float64 `mapstructure:"degraded"`
	Unhealthy      float64 `mapstructure:"unhealthy"`
	HigherIsBetter bool    `mapstructure:"higher_is_better"`
}

// Classify returns the status of v.
func (t Thresholds) Classify(v float64) Status {
	if t.HigherIsBetter {
		switch {
		case v >= t.Healthy:
			return StatusHealthy
		case v >= t.Degraded:
			return StatusDegraded
		case v >= t.Unhealthy:
			return StatusUnhealthy
		}
		return StatusCritical
	}
	switch {
	case v <= t.Healthy:
		return StatusHealthy
	case v <= t.Degraded:
		return StatusDegraded
	case v <= t.Unhealthy:
		return StatusUnhealthy
	}
	return StatusCritical
}

// Config holds monitor settings.
type Config struct {
	// WindowSize is the number of recent runs and errors kept. Default: 100.
	WindowSize int

	// MaxAlerts caps the alert list. Resolved alerts are dropped first. Default: 200.
	MaxAlerts int

	SuccessRate Thresholds
	Duration    Thresholds // seconds
	ErrorRate   Thresholds
	Throughput  Thresholds // memories per second, applied once a run has processed memories
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSize:  100,
		MaxAlerts:   200,
		SuccessRate: Thresholds{Healthy: 0.95, Degraded: 0.8, Unhealthy: 0.5, HigherIsBetter: true},
		Duration:    Thresholds{Healthy: 300, Degraded: 900, Unhealthy: 1800},
		ErrorRate:   Thresholds{Healthy: 0.05, Degraded: 0.15, Unhealthy: 0.30},
		Throughput:  Thresholds{Healthy: 1, Degraded: 0.1, Unhealthy: 0.01, HigherIsBetter: true},
	}
}

// RunRecord is the outcome of one consolidation run.
type RunRecord struct {
	RunID             string        `json:"run_id"`
	Horizon           string        `json:"time_horizon"`
	Started           time.Time     `json:"start_time"`
	Duration          time.Duration `json:"duration"`
	MemoriesProcessed int           `json:"memories_processed"`
	Success           bool          `json:"success"`
	Errors            []string      `json:"errors,omitempty"`
}

// ErrorRecord is one recorded exception.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Horizon   string    `json:"time_horizon,omitempty"`
	Message   string    `json:"message"`
}

// Alert is an open or resolved problem report.
type Alert struct {
	ID         string     `json:"id"`
	Level      Status     `json:"level"`
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Metric is one computed health metric.
type Metric struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Status Status  `json:"status"`
}

// Metric names.
const (
	MetricSuccessRate = "consolidation_success_rate"
	MetricDuration    = "average_duration"
	MetricThroughput  = "memories_per_second"
	MetricErrorRate   = "error_rate"
)

// ComponentCheck is the health of one component.
type ComponentCheck struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc reports the health of an external component.
type CheckFunc func(ctx context.Context) ComponentCheck

// Snapshot is the aggregated health view.
type Snapshot struct {
	Status          Status            `json:"status"`
	Timestamp       time.Time         `json:"timestamp"`
	TotalRuns       int               `json:"total_runs"`
	Components      []ComponentCheck  `json:"components"`
	Metrics         map[string]Metric `json:"metrics"`
	Alerts          []Alert           `json:"recent_alerts"`
	Recommendations []string          `json:"recommendations"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Collectors
	now     func() time.Time

	mu        sync.Mutex
	runs      []RunRecord
	errs      []ErrorRecord
	alerts    []Alert
	checks    map[string]CheckFunc
	totalRuns int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithCollectors exports monitor activity through c.
func WithCollectors(c *Collectors) Option {
	return func(m *Monitor) { m.metrics = c }
}

// NewMonitor creates a monitor, filling zero fields with defaults.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = def.MaxAlerts
	}
	if cfg.SuccessRate == (Thresholds{}) {
		cfg.SuccessRate = def.SuccessRate
	}
	if cfg.Duration == (Thresholds{}) {
		cfg.Duration = def.Duration
	}
	if cfg.ErrorRate == (Thresholds{}) {
		cfg.ErrorRate = def.ErrorRate
	}
	if cfg.Throughput == (Thresholds{}) {
		cfg.Throughput = def.Throughput
	}
	m := &Monitor{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		checks: make(map[string]CheckFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterCheck adds a named component check to snapshots.
func (m *Monitor) RegisterCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = fn
}

// RecordRun adds a run outcome. Failed runs raise a critical alert and runs
// with errors a degraded one. When the overall metrics fall to unhealthy or
// worse an alert is kept open until resolved.
func (m *Monitor) RecordRun(r RunRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs = append(m.runs, r)
	if len(m.runs) > m.cfg.WindowSize {
		m.runs = m.runs[len(m.runs)-m.cfg.WindowSize:]
	}
	m.totalRuns++

	switch {
	case !r.Success:
		m.addAlertLocked(StatusCritical, "consolidation",
			fmt.Sprintf("%s consolidation %s failed: %s", r.Horizon, r.RunID, firstOr(r.Errors, "unknown error")))
	case len(r.Errors) > 0:
		m.addAlertLocked(StatusDegraded, "consolidation",
			fmt.Sprintf("%s consolidation %s finished with %d errors", r.Horizon, r.RunID, len(r.Errors)))
	}

	metrics := m.metricsLocked()
	overall := StatusHealthy
	for _, mt := range metrics {
		if mt.Status.Worse(overall) {
			overall = mt.Status
		}
	}
	if !overall.Worse(StatusDegraded) {
		m.metrics.observeRun(r, overall, m.openAlertsLocked())
		return
	}
	if !m.hasOpenLocked("health", overall) {
		m.addAlertLocked(overall, "health", fmt.Sprintf("consolidation health is %s", overall))
		m.logger.Warn("consolidation health degraded", zap.String("status", string(overall)))
	}
	m.metrics.observeRun(r, overall, m.openAlertsLocked())
}

// RecordError records an exception raised by component and raises an alert.
func (m *Monitor) RecordError(component, horizon string, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errs = append(m.errs, ErrorRecord{
		Timestamp: m.now(),
		Component: component,
		Horizon:   horizon,
		Message:   err.Error(),
	})
	if len(m.errs) > m.cfg.WindowSize {
		m.errs = m.errs[len(m.errs)-m.cfg.WindowSize:]
	}
	m.addAlertLocked(StatusDegraded, component, err.Error())
	m.metrics.observeError(component, m.openAlertsLocked())
}

// Metrics computes the current metrics over the window.
func (m *Monitor) Metrics() map[string]Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsLocked()
}

func (m *Monitor) metricsLocked() map[string]Metric {
	var (
		successes, errored, processed int
		total                         time.Duration
	)
	for _, r := range m.runs {
		if r.Success {
			successes++
		}
		if len(r.Errors) > 0 || !r.Success {
			errored++
		}
		processed += r.MemoriesProcessed
		total += r.Duration
	}

	successRate, errorRate, avgDuration, throughput := 1.0, 0.0, 0.0, 0.0
	if n := len(m.runs); n > 0 {
		successRate = float64(successes) / float64(n)
		errorRate = float64(errored) / float64(n)
		avgDuration = total.Seconds() / float64(n)
	}
	throughputStatus := StatusHealthy
	if total > 0 && processed > 0 {
		throughput = float64(processed) / total.Seconds()
		throughputStatus = m.cfg.Throughput.Classify(throughput)
	}

	return map[string]Metric{
		MetricSuccessRate: {Name: MetricSuccessRate, Value: successRate, Unit: "ratio", Status: m.cfg.SuccessRate.Classify(successRate)},
		MetricDuration:    {Name: MetricDuration, Value: avgDuration, Unit: "seconds", Status: m.cfg.Duration.Classify(avgDuration)},
		MetricThroughput:  {Name: MetricThroughput, Value: throughput, Unit: "memories/s", Status: throughputStatus},
		MetricErrorRate:   {Name: MetricErrorRate, Value: errorRate, Unit: "ratio", Status: m.cfg.ErrorRate.Classify(errorRate)},
	}
}

// Snapshot aggregates component checks, metrics, recent alerts and
// recommendations. The overall status is the worst component status.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	m.mu.Lock()
	metrics := m.metricsLocked()
	checks := make(map[string]CheckFunc, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	recent := m.recentAlertsLocked(10)
	openCritical := 0
	for _, a := range m.alerts {
		if !a.Resolved && a.Level == StatusCritical {
			openCritical++
		}
	}
	totalRuns := m.totalRuns
	m.mu.Unlock()

	components := []ComponentCheck{
		worst("consolidation", metrics[MetricSuccessRate], metrics[MetricDuration], metrics[MetricThroughput]),
		worst("errors", metrics[MetricErrorRate]),
	}
	alertCheck := ComponentCheck{Name: "alerts", Status: StatusHealthy}
	if openCritical > 0 {
		alertCheck.Status = StatusCritical
		alertCheck.Message = fmt.Sprintf("%d critical alerts open", openCritical)
	}
	components = append(components, alertCheck)

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := checks[name](ctx)
		if c.Name == "" {
			c.Name = name
		}
		components = append(components, c)
	}

	overall := StatusHealthy
	for _, c := range components {
		if c.Status.Worse(overall) {
			overall = c.Status
		}
	}
	m.metrics.setStatus(overall)

	return Snapshot{
		Status:          overall,
		Timestamp:       m.now(),
		TotalRuns:       totalRuns,
		Components:      components,
		Metrics:         metrics,
		Alerts:          recent,
		Recommendations: recommendations(metrics, openCritical, totalRuns),
	}
}

// Recommendations returns the textual advice for the current state.
func (m *Monitor) Recommendations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	openCritical := 0
	for _, a := range m.alerts {
		if !a.Resolved && a.Level == StatusCritical {
			openCritical++
		}
	}
	return recommendations(m.metricsLocked(), openCritical, m.totalRuns)
}

func recommendations(metrics map[string]Metric, openCritical, totalRuns int) []string {
	var out []string
	if totalRuns == 0 {
		return []string{"No consolidation runs recorded yet"}
	}
	if mt := metrics[MetricErrorRate]; mt.Status != StatusHealthy {
		out = append(out, fmt.Sprintf("High error rate (%.0f%% of runs): review recent errors for the failing stage", mt.Value*100))
	}
	if mt := metrics[MetricSuccessRate]; mt.Status != StatusHealthy {
		out = append(out, fmt.Sprintf("Low success rate (%.0f%%): check storage availability and archive permissions", mt.Value*100))
	}
	if mt := metrics[MetricDuration]; mt.Status != StatusHealthy {
		out = append(out, fmt.Sprintf("Slow consolidation (average %.0fs): lower max_pairs_per_run or switch to the threshold clustering algorithm", mt.Value))
	}
	if mt := metrics[MetricThroughput]; mt.Status != StatusHealthy {
		out = append(out, fmt.Sprintf("Low throughput (%.2f memories/s): check storage latency and embedding sizes", mt.Value))
	}
	if openCritical > 0 {
		out = append(out, fmt.Sprintf("%d critical alerts pending: resolve them once the cause is fixed", openCritical))
	}
	return out
}

func worst(name string, metrics ...Metric) ComponentCheck {
	c := ComponentCheck{Name: name, Status: StatusHealthy}
	for _, mt := range metrics {
		if mt.Status.Worse(c.Status) {
			c.Status = mt.Status
			c.Message = fmt.Sprintf("%s is %s (%.2f %s)", mt.Name, mt.Status, mt.Value, mt.Unit)
		}
	}
	return c
}

// Alerts returns alerts newest first, optionally including resolved ones.
func (m *Monitor) Alerts(includeResolved bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if includeResolved || !m.alerts[i].Resolved {
			out = append(out, m.alerts[i])
		}
	}
	return out
}

// ResolveAlert marks the alert with id resolved.
func (m *Monitor) ResolveAlert(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID != id {
			continue
		}
		if !m.alerts[i].Resolved {
			at := m.now()
			m.alerts[i].Resolved = true
			m.alerts[i].ResolvedAt = &at
			m.metrics.setOpenAlerts(m.openAlertsLocked())
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
}

// RecentErrors returns up to n errors, newest first.
func (m *Monitor) RecentErrors(n int) []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.errs, n)
}

// PerformanceHistory returns up to n run records, newest first.
func (m *Monitor) PerformanceHistory(n int) []RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.runs, n)
}

func newestFirst[T any](items []T, n int) []T {
	if n <= 0 || n > len(items) {
		n = len(items)
	}
	out := make([]T, 0, n)
	for i := len(items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, items[i])
	}
	return out
}

func (m *Monitor) addAlertLocked(level Status, component, message string) {
	m.alerts = append(m.alerts, Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Component: component,
		Message:   message,
		CreatedAt: m.now(),
	})
	for len(m.alerts) > m.cfg.MaxAlerts {
		drop := 0
		for i, a := range m.alerts {
			if a.Resolved {
				drop = i
				break
			}
		}
		m.alerts = append(m.alerts[:drop], m.alerts[drop+1:]...)
	}
}

func (m *Monitor) hasOpenLocked(component string, level Status) bool {
	for _, a := range m.alerts {
		if !a.Resolved && a.Component == component && a.Level == level {
			return true
		}
	}
	return false
}

func (m *Monitor) openAlertsLocked() int {
	n := 0
	for _, a := range m.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

func (m *Monitor) recentAlertsLocked(n int) []Alert {
	var open []Alert
	for _, a := range m.alerts {
		if !a.Resolved {
			open = append(open, a)
		}
	}
	return newestFirst(open, n)
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}
