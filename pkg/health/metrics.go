package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors exports monitor activity as Prometheus metrics. A nil
// *Collectors is valid and records nothing.
type Collectors struct {
	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	processed *prometheus.CounterVec
	errors    *prometheus.CounterVec
	alerts    prometheus.Gauge
	status    prometheus.Gauge
}

// NewCollectors creates the collectors and registers them with reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memcon",
			Name:      "consolidation_runs_total",
			Help:      "Consolidation runs by horizon and outcome.",
		}, []string{"horizon", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memcon",
			Name:      "consolidation_duration_seconds",
			Help:      "Duration of consolidation runs.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"horizon"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memcon",
			Name:      "memories_processed_total",
			Help:      "Memories processed by consolidation runs.",
		}, []string{"horizon"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memcon",
			Name:      "errors_total",
			Help:      "Errors recorded by component.",
		}, []string{"component"}),
		alerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memcon",
			Name:      "open_alerts",
			Help:      "Unresolved health alerts.",
		}),
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memcon",
			Name:      "health_status",
			Help:      "Overall health: 0 healthy, 1 degraded, 2 unhealthy, 3 critical.",
		}),
	}
	for _, col := range []prometheus.Collector{c.runs, c.duration, c.processed, c.errors, c.alerts, c.status} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) observeRun(r RunRecord, status Status, openAlerts int) {
	if c == nil {
		return
	}
	outcome := "success"
	switch {
	case !r.Success:
		outcome = "failure"
	case len(r.Errors) > 0:
		outcome = "partial"
	}
	c.runs.WithLabelValues(r.Horizon, outcome).Inc()
	c.duration.WithLabelValues(r.Horizon).Observe(r.Duration.Seconds())
	c.processed.WithLabelValues(r.Horizon).Add(float64(r.MemoriesProcessed))
	c.alerts.Set(float64(openAlerts))
	c.status.Set(float64(status.rank()))
}

func (c *Collectors) observeError(component string, openAlerts int) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(component).Inc()
	c.alerts.Set(float64(openAlerts))
}

func (c *Collectors) setOpenAlerts(n int) {
	if c == nil {
		return
	}
	c.alerts.Set(float64(n))
}

func (c *Collectors) setStatus(s Status) {
	if c == nil {
		return
	}
	c.status.Set(float64(s.rank()))
}
