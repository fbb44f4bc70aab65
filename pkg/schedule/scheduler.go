package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
)

// ErrNotRunning is returned by operations that need a started scheduler.
var ErrNotRunning = errors.New("scheduler is not running")

// Job event kinds and outcomes.
const (
	KindScheduled = "scheduled"
	KindManual    = "manual"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeMissed  = "missed"
	OutcomePaused  = "paused"
	OutcomeSkipped = "skipped"
)

// RunFunc performs one consolidation run for a horizon.
type RunFunc func(ctx context.Context, h horizon.Horizon) error

// clock abstracts time so tests can drive the scheduler deterministically.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config holds the per-horizon schedules and firing policy.
type Config struct {
	// Schedules maps a horizon to its textual schedule. Missing entries,
	// empty strings and "disabled" leave the horizon without scheduled runs.
	Schedules map[horizon.Horizon]string
	// GracePeriod is how late a firing may start before it is recorded as
	// missed instead of run.
	GracePeriod time.Duration
	// HistorySize bounds the job event history.
	HistorySize int
}

// DefaultConfig returns the stock schedule.
func DefaultConfig() Config {
	return Config{
		Schedules: map[horizon.Horizon]string{
			horizon.Daily:     "02:00",
			horizon.Weekly:    "SUN 03:00",
			horizon.Monthly:   "01 04:00",
			horizon.Quarterly: "01-01 05:00",
			horizon.Yearly:    "01-01 06:00",
		},
		GracePeriod: time.Hour,
		HistorySize: 100,
	}
}

// JobEvent is one entry of the scheduler history.
type JobEvent struct {
	Horizon   horizon.Horizon `json:"horizon" yaml:"horizon"`
	Kind      string          `json:"trigger" yaml:"trigger"`
	Scheduled time.Time       `json:"scheduled" yaml:"scheduled"`
	Started   time.Time       `json:"started,omitempty" yaml:"started,omitempty"`
	Finished  time.Time       `json:"finished,omitempty" yaml:"finished,omitempty"`
	Outcome   string          `json:"outcome" yaml:"outcome"`
	Error     string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// JobStatus describes one horizon's job.
type JobStatus struct {
	Horizon    horizon.Horizon `json:"horizon" yaml:"horizon"`
	Schedule   string          `json:"schedule" yaml:"schedule"`
	Enabled    bool            `json:"enabled" yaml:"enabled"`
	Paused     bool            `json:"paused" yaml:"paused"`
	Running    bool            `json:"running" yaml:"running"`
	NextRun    *time.Time      `json:"next_run,omitempty" yaml:"next_run,omitempty"`
	LastRun    *time.Time      `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	Executions int             `json:"executions" yaml:"executions"`
	Failures   int             `json:"failures" yaml:"failures"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running         bool        `json:"running" yaml:"running"`
	Paused          bool        `json:"paused" yaml:"paused"`
	TotalExecutions int         `json:"total_executions" yaml:"total_executions"`
	Jobs            []JobStatus `json:"jobs" yaml:"jobs"`
	History         []JobEvent  `json:"history" yaml:"history"`
}

type job struct {
	horizon    horizon.Horizon
	trigger    *Trigger
	paused     bool
	running    bool
	executions int
	failures   int
	lastRun    time.Time
	manual     chan struct{}
	cancel     context.CancelFunc
}

// request queues a manual run. A run already queued absorbs the request.
func (j *job) request() {
	select {
	case j.manual <- struct{}{}:
	default:
	}
}

// Scheduler owns one job per horizon. Each job waits for its next firing
// or a manual request and runs at most one execution at a time.
type Scheduler struct {
	run    RunFunc
	cfg    Config
	logger *zap.Logger
	clk    clock

	mu      sync.Mutex
	jobs    map[horizon.Horizon]*job
	paused  bool
	ctx     context.Context
	cancel  context.CancelFunc
	history []JobEvent
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c clock) Option {
	return func(s *Scheduler) { s.clk = c }
}

// New validates cfg and builds a stopped scheduler.
func New(run RunFunc, cfg Config, opts ...Option) (*Scheduler, error) {
	triggers, err := parseSchedules(cfg.Schedules)
	if err != nil {
		return nil, err
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	s := &Scheduler{
		run:    run,
		cfg:    cfg,
		logger: zap.NewNop(),
		clk:    realClock{},
		jobs:   make(map[horizon.Horizon]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, h := range horizon.All() {
		s.jobs[h] = &job{horizon: h, trigger: triggers[h], manual: make(chan struct{}, 1)}
	}
	return s, nil
}

func parseSchedules(schedules map[horizon.Horizon]string) (map[horizon.Horizon]*Trigger, error) {
	out := make(map[horizon.Horizon]*Trigger)
	for h, expr := range schedules {
		if !h.Valid() {
			return nil, fmt.Errorf("%w: %q", horizon.ErrUnknownHorizon, h)
		}
		expr = strings.TrimSpace(expr)
		if expr == "" || strings.EqualFold(expr, Disabled) {
			continue
		}
		t, err := ParseTrigger(h, expr)
		if err != nil {
			return nil, err
		}
		out[h] = &t
	}
	return out, nil
}

// Start launches the job loops. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, h := range horizon.All() {
		s.startLocked(s.jobs[h])
	}
	s.logger.Info("scheduler started", zap.Int("enabled_jobs", s.enabledLocked()))
}

// Stop cancels the job loops and waits for them to return. Runs already in
// progress are allowed to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// startLocked starts the loop for j. Caller must hold s.mu.
func (s *Scheduler) startLocked(j *job) {
	ctx, cancel := context.WithCancel(s.ctx)
	j.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx, j, j.trigger)
}

func (s *Scheduler) enabledLocked() int {
	n := 0
	for _, j := range s.jobs {
		if j.trigger != nil {
			n++
		}
	}
	return n
}

func (s *Scheduler) loop(ctx context.Context, j *job, t *Trigger) {
	defer s.wg.Done()
	for {
		var (
			fire <-chan time.Time
			due  time.Time
		)
		if t != nil {
			now := s.clk.Now()
			due = Next(*t, now)
			fire = s.clk.After(due.Sub(now))
		}

		select {
		case <-ctx.Done():
			return
		case <-j.manual:
			s.execute(ctx, j, KindManual, s.clk.Now())
		case <-fire:
			if late := s.clk.Now().Sub(due); late > s.cfg.GracePeriod {
				s.logger.Warn("scheduled run missed",
					zap.String("horizon", j.horizon.String()),
					zap.Duration("late", late))
				s.record(JobEvent{Horizon: j.horizon, Kind: KindScheduled, Scheduled: due, Outcome: OutcomeMissed})
				continue
			}
			if s.isPaused(j) {
				s.record(JobEvent{Horizon: j.horizon, Kind: KindScheduled, Scheduled: due, Outcome: OutcomePaused})
				continue
			}
			s.execute(ctx, j, KindScheduled, due)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job, kind string, scheduled time.Time) {
	s.mu.Lock()
	if j.running {
		s.mu.Unlock()
		s.record(JobEvent{
			Horizon:   j.horizon,
			Kind:      kind,
			Scheduled: scheduled,
			Outcome:   OutcomeSkipped,
			Error:     "previous run still in progress",
		})
		return
	}
	j.running = true
	s.mu.Unlock()

	ev := JobEvent{Horizon: j.horizon, Kind: kind, Scheduled: scheduled, Started: s.clk.Now()}
	s.logger.Info("consolidation run starting",
		zap.String("horizon", j.horizon.String()),
		zap.String("trigger", kind))
	err := s.run(context.WithoutCancel(ctx), j.horizon)
	ev.Finished = s.clk.Now()

	s.mu.Lock()
	j.running = false
	j.executions++
	j.lastRun = ev.Started
	ev.Outcome = OutcomeSuccess
	if err != nil {
		j.failures++
		ev.Outcome = OutcomeFailure
		ev.Error = err.Error()
	}
	s.pushLocked(ev)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("consolidation run failed",
			zap.String("horizon", j.horizon.String()),
			zap.Error(err))
		return
	}
	s.logger.Info("consolidation run finished",
		zap.String("horizon", j.horizon.String()),
		zap.Duration("duration", ev.Finished.Sub(ev.Started)))
}

func (s *Scheduler) isPaused(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused || j.paused
}

func (s *Scheduler) record(ev JobEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(ev)
}

func (s *Scheduler) pushLocked(ev JobEvent) {
	if len(s.history) >= s.cfg.HistorySize {
		s.history = append(s.history[:0], s.history[len(s.history)-s.cfg.HistorySize+1:]...)
	}
	s.history = append(s.history, ev)
}

// TriggerNow requests a run of h after delay. A zero or negative delay
// queues the run immediately. Manual runs ignore pausing, and a queued
// manual run absorbs a scheduled firing that falls due before it starts.
func (s *Scheduler) TriggerNow(h horizon.Horizon, delay time.Duration) error {
	if !h.Valid() {
		return fmt.Errorf("%w: %q", horizon.ErrUnknownHorizon, h)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return ErrNotRunning
	}
	j := s.jobs[h]
	if delay <= 0 {
		j.request()
		return nil
	}

	ctx := s.ctx
	wake := s.clk.After(delay)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-wake:
			j.request()
		}
	}()
	s.logger.Info("consolidation run deferred",
		zap.String("horizon", h.String()),
		zap.Duration("delay", delay))
	return nil
}

// Pause suspends scheduled runs of h, or of every horizon when h is empty.
func (s *Scheduler) Pause(h horizon.Horizon) error {
	return s.setPaused(h, true)
}

// Resume re-enables scheduled runs of h. An empty h lifts the global pause
// and every per-horizon pause.
func (s *Scheduler) Resume(h horizon.Horizon) error {
	return s.setPaused(h, false)
}

func (s *Scheduler) setPaused(h horizon.Horizon, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == "" {
		s.paused = paused
		if !paused {
			for _, j := range s.jobs {
				j.paused = false
			}
		}
		return nil
	}
	j, ok := s.jobs[h]
	if !ok {
		return fmt.Errorf("%w: %q", horizon.ErrUnknownHorizon, h)
	}
	j.paused = paused
	return nil
}

// UpdateSchedule replaces every horizon's schedule. All entries are
// validated before anything changes. Horizons absent from schedules become
// disabled.
func (s *Scheduler) UpdateSchedule(schedules map[horizon.Horizon]string) error {
	triggers, err := parseSchedules(schedules)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Schedules = make(map[horizon.Horizon]string, len(schedules))
	for h, expr := range schedules {
		s.cfg.Schedules[h] = expr
	}
	for _, h := range horizon.All() {
		j := s.jobs[h]
		j.trigger = triggers[h]
		if s.ctx != nil {
			j.cancel()
			s.startLocked(j)
		}
	}
	s.logger.Info("schedule updated", zap.Int("enabled_jobs", s.enabledLocked()))
	return nil
}

// Status reports job state and the event history, newest first.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	st := Status{Running: s.ctx != nil, Paused: s.paused}
	for _, h := range horizon.All() {
		j := s.jobs[h]
		js := JobStatus{
			Horizon:    h,
			Schedule:   Disabled,
			Enabled:    j.trigger != nil,
			Paused:     j.paused,
			Running:    j.running,
			Executions: j.executions,
			Failures:   j.failures,
		}
		if j.trigger != nil {
			js.Schedule = j.trigger.String()
			if st.Running && !s.paused && !j.paused {
				next := Next(*j.trigger, now)
				js.NextRun = &next
			}
		}
		if !j.lastRun.IsZero() {
			last := j.lastRun
			js.LastRun = &last
		}
		st.TotalExecutions += j.executions
		st.Jobs = append(st.Jobs, js)
	}

	st.History = make([]JobEvent, len(s.history))
	for i, ev := range s.history {
		st.History[len(s.history)-1-i] = ev
	}
	return st
}
