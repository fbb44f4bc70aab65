package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
)

type fakeClock struct {
	mu           sync.Mutex
	current      time.Time
	waiters      []fakeWaiter
	totalWaiters int
}

type fakeWaiter struct {
	fireAt time.Time
	ch     chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{current: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{fireAt: c.current.Add(d), ch: ch})
	c.totalWaiters++
	return ch
}

// Advance moves the clock forward and fires every waiter that is due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	var remaining []fakeWaiter
	for _, w := range c.waiters {
		if !c.current.Before(w.fireAt) {
			w.ch <- w.fireAt
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// WaitForWaiter blocks until at least n After calls have ever been made.
func (c *fakeClock) WaitForWaiter(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		have := c.totalWaiters
		c.mu.Unlock()
		if have >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// recorder is a RunFunc that reports each run and optionally blocks until
// released.
type recorder struct {
	runs    chan horizon.Horizon
	release chan struct{}
	err     error
}

func newRecorder() *recorder {
	return &recorder{runs: make(chan horizon.Horizon, 16)}
}

func (r *recorder) run(ctx context.Context, h horizon.Horizon) error {
	r.runs <- h
	if r.release != nil {
		<-r.release
	}
	return r.err
}

func (r *recorder) wait(t *testing.T) horizon.Horizon {
	t.Helper()
	select {
	case h := <-r.runs:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a run")
		return ""
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case h := <-r.runs:
		t.Fatalf("unexpected run for %s", h)
	case <-time.After(50 * time.Millisecond):
	}
}

// June 1st 2024 is a Saturday.
var start = time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC)

func dailyOnly() Config {
	cfg := DefaultConfig()
	cfg.Schedules = map[horizon.Horizon]string{horizon.Daily: "02:00"}
	return cfg
}

func startScheduler(t *testing.T, cfg Config, rec *recorder) (*Scheduler, *fakeClock) {
	t.Helper()
	clk := newFakeClock(start)
	s, err := New(rec.run, cfg, WithClock(clk))
	require.NoError(t, err)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	require.True(t, clk.WaitForWaiter(1, 2*time.Second), "job loop did not wait on the clock")
	return s, clk
}

func eventually(t *testing.T, s *Scheduler, cond func(Status) bool) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		st = s.Status()
		return cond(st)
	}, 2*time.Second, time.Millisecond)
	return st
}

func TestParseTriggerValid(t *testing.T) {
	cases := []struct {
		h    horizon.Horizon
		expr string
		want Trigger
	}{
		{horizon.Daily, "02:30", Trigger{Horizon: horizon.Daily, Hour: 2, Minute: 30}},
		{horizon.Weekly, "sun 03:00", Trigger{Horizon: horizon.Weekly, Weekday: time.Sunday, Hour: 3}},
		{horizon.Weekly, "Friday 23:59", Trigger{Horizon: horizon.Weekly, Weekday: time.Friday, Hour: 23, Minute: 59}},
		{horizon.Monthly, "15 04:00", Trigger{Horizon: horizon.Monthly, Day: 15, Hour: 4}},
		{horizon.Quarterly, "07-01 05:00", Trigger{Horizon: horizon.Quarterly, Month: time.July, Day: 1, Hour: 5}},
		{horizon.Yearly, "02-29 06:15", Trigger{Horizon: horizon.Yearly, Month: time.February, Day: 29, Hour: 6, Minute: 15}},
	}
	for _, tc := range cases {
		t.Run(string(tc.h)+" "+tc.expr, func(t *testing.T) {
			got, err := ParseTrigger(tc.h, tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseTriggerInvalid(t *testing.T) {
	cases := []struct {
		h    horizon.Horizon
		expr string
	}{
		{horizon.Daily, "24:00"},
		{horizon.Daily, "2pm"},
		{horizon.Daily, "MON 02:00"},
		{horizon.Weekly, "FUNDAY 03:00"},
		{horizon.Weekly, "03:00"},
		{horizon.Monthly, "32 04:00"},
		{horizon.Monthly, "00 04:00"},
		{horizon.Quarterly, "02-01 05:00"},
		{horizon.Quarterly, "01 05:00"},
		{horizon.Yearly, "02-30 06:00"},
		{horizon.Yearly, "13-01 06:00"},
	}
	for _, tc := range cases {
		t.Run(string(tc.h)+" "+tc.expr, func(t *testing.T) {
			_, err := ParseTrigger(tc.h, tc.expr)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}

	_, err := ParseTrigger("hourly", "02:00")
	assert.ErrorIs(t, err, horizon.ErrUnknownHorizon)
}

func TestTriggerString(t *testing.T) {
	tr, err := ParseTrigger(horizon.Weekly, "sunday 03:05")
	require.NoError(t, err)
	assert.Equal(t, "SUN 03:05", tr.String())

	tr, err = ParseTrigger(horizon.Yearly, "1-2 6:00")
	require.NoError(t, err)
	assert.Equal(t, "01-02 06:00", tr.String())
}

func TestNext(t *testing.T) {
	at := func(y int, m time.Month, d, hh, mm int) time.Time {
		return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
	}
	cases := []struct {
		name string
		h    horizon.Horizon
		expr string
		now  time.Time
		want time.Time
	}{
		{"daily later today", horizon.Daily, "02:00", at(2024, 6, 1, 1, 0), at(2024, 6, 1, 2, 0)},
		{"daily exactly now", horizon.Daily, "02:00", at(2024, 6, 1, 2, 0), at(2024, 6, 2, 2, 0)},
		{"daily across month", horizon.Daily, "02:00", at(2024, 6, 30, 3, 0), at(2024, 7, 1, 2, 0)},
		{"weekly tomorrow", horizon.Weekly, "SUN 03:00", at(2024, 6, 1, 12, 0), at(2024, 6, 2, 3, 0)},
		{"weekly just missed", horizon.Weekly, "SUN 03:00", at(2024, 6, 2, 4, 0), at(2024, 6, 9, 3, 0)},
		{"monthly skips short months", horizon.Monthly, "31 04:00", at(2024, 6, 1, 0, 0), at(2024, 7, 31, 4, 0)},
		{"monthly next year", horizon.Monthly, "01 04:00", at(2024, 12, 5, 0, 0), at(2025, 1, 1, 4, 0)},
		{"quarterly next quarter", horizon.Quarterly, "04-15 05:00", at(2024, 6, 1, 0, 0), at(2024, 7, 15, 5, 0)},
		{"quarterly wraps", horizon.Quarterly, "01-01 05:00", at(2024, 10, 1, 6, 0), at(2025, 1, 1, 5, 0)},
		{"yearly leap day", horizon.Yearly, "02-29 06:00", at(2024, 6, 1, 0, 0), at(2028, 2, 29, 6, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := ParseTrigger(tc.h, tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, Next(tr, tc.now))
		})
	}
}

func TestSchedulerFiresOnSchedule(t *testing.T) {
	rec := newRecorder()
	s, clk := startScheduler(t, dailyOnly(), rec)

	clk.Advance(time.Hour)
	assert.Equal(t, horizon.Daily, rec.wait(t))

	st := eventually(t, s, func(st Status) bool { return st.TotalExecutions == 1 })
	require.Len(t, st.History, 1)
	assert.Equal(t, KindScheduled, st.History[0].Kind)
	assert.Equal(t, OutcomeSuccess, st.History[0].Outcome)
	assert.Equal(t, time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC), st.History[0].Scheduled)

	daily := st.Jobs[0]
	assert.Equal(t, horizon.Daily, daily.Horizon)
	assert.Equal(t, "02:00", daily.Schedule)
	require.NotNil(t, daily.NextRun)
	assert.Equal(t, time.Date(2024, 6, 2, 2, 0, 0, 0, time.UTC), *daily.NextRun)
	require.NotNil(t, daily.LastRun)

	for _, js := range st.Jobs[1:] {
		assert.False(t, js.Enabled, js.Horizon)
		assert.Equal(t, Disabled, js.Schedule)
		assert.Nil(t, js.NextRun)
	}
}

func TestSchedulerMissedFiringBeyondGrace(t *testing.T) {
	rec := newRecorder()
	s, clk := startScheduler(t, dailyOnly(), rec)

	// the 02:00 firing is delivered at 04:00, two hours late
	clk.Advance(3 * time.Hour)
	rec.none(t)

	st := eventually(t, s, func(st Status) bool { return len(st.History) == 1 })
	assert.Equal(t, OutcomeMissed, st.History[0].Outcome)
	assert.Zero(t, st.TotalExecutions)
}

func TestSchedulerPauseAndResume(t *testing.T) {
	rec := newRecorder()
	s, clk := startScheduler(t, dailyOnly(), rec)

	require.NoError(t, s.Pause(horizon.Daily))
	st := s.Status()
	assert.True(t, st.Jobs[0].Paused)
	assert.Nil(t, st.Jobs[0].NextRun)

	clk.Advance(time.Hour)
	rec.none(t)
	st = eventually(t, s, func(st Status) bool { return len(st.History) == 1 })
	assert.Equal(t, OutcomePaused, st.History[0].Outcome)

	// manual runs ignore pausing
	require.NoError(t, s.TriggerNow(horizon.Daily, 0))
	assert.Equal(t, horizon.Daily, rec.wait(t))

	require.NoError(t, s.Resume(""))
	require.True(t, clk.WaitForWaiter(3, 2*time.Second))
	clk.Advance(24 * time.Hour)
	assert.Equal(t, horizon.Daily, rec.wait(t))

	assert.ErrorIs(t, s.Pause("hourly"), horizon.ErrUnknownHorizon)
}

func TestSchedulerGlobalPause(t *testing.T) {
	rec := newRecorder()
	s, clk := startScheduler(t, dailyOnly(), rec)

	require.NoError(t, s.Pause(""))
	assert.True(t, s.Status().Paused)
	clk.Advance(time.Hour)
	rec.none(t)

	require.NoError(t, s.Resume(""))
	assert.False(t, s.Status().Paused)
}

func TestTriggerNowDelayed(t *testing.T) {
	rec := newRecorder()
	s, clk := startScheduler(t, dailyOnly(), rec)

	require.NoError(t, s.TriggerNow(horizon.Weekly, 10*time.Minute))
	require.True(t, clk.WaitForWaiter(2, 2*time.Second))
	clk.Advance(5 * time.Minute)
	rec.none(t)

	clk.Advance(5 * time.Minute)
	assert.Equal(t, horizon.Weekly, rec.wait(t))

	st := eventually(t, s, func(st Status) bool { return st.TotalExecutions == 1 })
	assert.Equal(t, KindManual, st.History[0].Kind)
	assert.Equal(t, 1, st.Jobs[1].Executions)
}

func TestManualRunAbsorbsDueFiring(t *testing.T) {
	rec := newRecorder()
	rec.release = make(chan struct{})
	s, clk := startScheduler(t, dailyOnly(), rec)

	require.NoError(t, s.TriggerNow(horizon.Daily, 0))
	assert.Equal(t, horizon.Daily, rec.wait(t))
	assert.True(t, s.Status().Jobs[0].Running)

	// the 02:00 firing falls due while the manual run is in progress
	clk.Advance(time.Hour)
	close(rec.release)

	st := eventually(t, s, func(st Status) bool { return st.TotalExecutions == 1 })
	assert.False(t, st.Jobs[0].Running)
	require.True(t, clk.WaitForWaiter(2, 2*time.Second))
	rec.none(t)
	assert.Equal(t, 1, s.Status().TotalExecutions)
}

func TestFailedRunIsRecorded(t *testing.T) {
	rec := newRecorder()
	rec.err = errors.New("storage unavailable")
	s, _ := startScheduler(t, dailyOnly(), rec)

	require.NoError(t, s.TriggerNow(horizon.Monthly, 0))
	rec.wait(t)

	st := eventually(t, s, func(st Status) bool { return len(st.History) == 1 })
	assert.Equal(t, OutcomeFailure, st.History[0].Outcome)
	assert.Equal(t, "storage unavailable", st.History[0].Error)
	assert.Equal(t, 1, st.Jobs[2].Failures)
}

func TestUpdateSchedule(t *testing.T) {
	rec := newRecorder()
	s, clk := startScheduler(t, dailyOnly(), rec)

	err := s.UpdateSchedule(map[horizon.Horizon]string{
		horizon.Daily:   "03:00",
		horizon.Monthly: "40 01:00",
	})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	assert.Equal(t, "02:00", s.Status().Jobs[0].Schedule)

	require.NoError(t, s.UpdateSchedule(map[horizon.Horizon]string{
		horizon.Daily:  "01:30",
		horizon.Weekly: "SUN 03:00",
	}))
	st := s.Status()
	assert.Equal(t, "01:30", st.Jobs[0].Schedule)
	assert.True(t, st.Jobs[1].Enabled)
	require.NotNil(t, st.Jobs[1].NextRun)
	assert.Equal(t, time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC), *st.Jobs[1].NextRun)

	// new loops register fresh waiters; the old 02:00 waiter is abandoned
	require.True(t, clk.WaitForWaiter(3, 2*time.Second))
	clk.Advance(30 * time.Minute)
	assert.Equal(t, horizon.Daily, rec.wait(t))
	rec.none(t)
}

func TestTriggerNowRequiresRunningScheduler(t *testing.T) {
	s, err := New(newRecorder().run, dailyOnly())
	require.NoError(t, err)
	assert.ErrorIs(t, s.TriggerNow(horizon.Daily, 0), ErrNotRunning)

	s.Start(context.Background())
	defer s.Stop()
	assert.ErrorIs(t, s.TriggerNow("hourly", 0), horizon.ErrUnknownHorizon)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedules[horizon.Weekly] = "someday"
	_, err := New(newRecorder().run, cfg)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	cfg.Schedules[horizon.Weekly] = Disabled
	s, err := New(newRecorder().run, cfg)
	require.NoError(t, err)
	assert.False(t, s.Status().Jobs[1].Enabled)
}

func TestHistoryIsBounded(t *testing.T) {
	rec := newRecorder()
	cfg := dailyOnly()
	cfg.HistorySize = 2
	s, _ := startScheduler(t, cfg, rec)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.TriggerNow(horizon.Weekly, 0))
		rec.wait(t)
		eventually(t, s, func(st Status) bool { return st.TotalExecutions == i })
	}
	assert.Len(t, s.Status().History, 2)
}
