package cmd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/consolidate"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/health"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/schedule"
)

const defaultListLimit = 10

// ControlAPI exposes the scheduler, health monitor and consolidator over HTTP.
type ControlAPI struct {
	consolidator *consolidate.Consolidator
	scheduler    *schedule.Scheduler
	monitor      *health.Monitor
	logger       *zap.Logger
	router       chi.Router
}

// NewControlAPI builds the router for the consolidation control endpoints.
func NewControlAPI(c *consolidate.Consolidator, s *schedule.Scheduler, m *health.Monitor, logger *zap.Logger) *ControlAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &ControlAPI{consolidator: c, scheduler: s, monitor: m, logger: logger}
	a.routes()
	return a
}

// ServeHTTP implements http.Handler.
func (a *ControlAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *ControlAPI) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/consolidation", func(r chi.Router) {
		r.Post("/trigger/{horizon}", a.handleTrigger)
		r.Post("/pause", a.handlePause)
		r.Post("/resume", a.handleResume)
		r.Put("/schedule", a.handleSchedule)
		r.Get("/status", a.handleStatus)

		r.Get("/health", a.handleHealth)
		r.Get("/errors", a.handleErrors)
		r.Get("/performance", a.handlePerformance)
		r.Get("/alerts", a.handleAlerts)
		r.Post("/alerts/{id}/resolve", a.handleResolveAlert)

		r.Get("/recommendation/{horizon}", a.handleRecommendation)
		r.Get("/stats", a.handleStats)
	})

	a.router = r
}

func (a *ControlAPI) handleTrigger(w http.ResponseWriter, r *http.Request) {
	h, err := horizon.Parse(chi.URLParam(r, "horizon"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var delay time.Duration
	if d := r.URL.Query().Get("delay"); d != "" {
		delay, err = time.ParseDuration(d)
		if err != nil || delay < 0 {
			writeJSONError(w, "invalid delay", http.StatusBadRequest)
			return
		}
	}
	if err := a.scheduler.TriggerNow(h, delay); err != nil {
		writeJSONError(w, err.Error(), statusFor(err))
		return
	}
	a.logger.Info("manual consolidation requested",
		zap.String("horizon", h.String()),
		zap.Duration("delay", delay))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "scheduled",
		"time_horizon": h,
		"delay":        delay.String(),
	})
}

func (a *ControlAPI) handlePause(w http.ResponseWriter, r *http.Request) {
	a.setPaused(w, r, true)
}

func (a *ControlAPI) handleResume(w http.ResponseWriter, r *http.Request) {
	a.setPaused(w, r, false)
}

func (a *ControlAPI) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	var h horizon.Horizon
	if name := r.URL.Query().Get("horizon"); name != "" {
		var err error
		if h, err = horizon.Parse(name); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	op := a.scheduler.Resume
	status := "resumed"
	if paused {
		op = a.scheduler.Pause
		status = "paused"
	}
	if err := op(h); err != nil {
		writeJSONError(w, err.Error(), statusFor(err))
		return
	}
	scope := "all"
	if h != "" {
		scope = h.String()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "scope": scope})
}

func (a *ControlAPI) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	schedules := make(map[horizon.Horizon]string, len(body))
	for name, expr := range body {
		h, err := horizon.Parse(name)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		schedules[h] = expr
	}
	if err := a.scheduler.UpdateSchedule(schedules); err != nil {
		writeJSONError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

func (a *ControlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

func (a *ControlAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := a.monitor.Snapshot(r.Context())
	code := http.StatusOK
	if snap.Status == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

func (a *ControlAPI) handleErrors(w http.ResponseWriter, r *http.Request) {
	n, ok := limitParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.monitor.RecentErrors(n))
}

func (a *ControlAPI) handlePerformance(w http.ResponseWriter, r *http.Request) {
	n, ok := limitParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.monitor.PerformanceHistory(n))
}

func (a *ControlAPI) handleAlerts(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	writeJSON(w, http.StatusOK, a.monitor.Alerts(all))
}

func (a *ControlAPI) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.monitor.ResolveAlert(id); err != nil {
		writeJSONError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}

func (a *ControlAPI) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	h, err := horizon.Parse(chi.URLParam(r, "horizon"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := a.consolidator.Recommend(r.Context(), h)
	if err != nil {
		writeJSONError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *ControlAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.consolidator.Stats())
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		writeJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, horizon.ErrUnknownHorizon), errors.Is(err, schedule.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, health.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
