package consolidate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/association"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/health"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

var errUnavailable = errors.New("storage unavailable")

// flakyStore wraps a store and fails selected calls.
type flakyStore struct {
	memory.Storage
	failFetch  bool
	failUpdate bool
	fetches    atomic.Int32
}

func (f *flakyStore) GetAllMemories(ctx context.Context) ([]memory.Memory, error) {
	f.fetches.Add(1)
	if f.failFetch {
		return nil, errUnavailable
	}
	return f.Storage.GetAllMemories(ctx)
}

func (f *flakyStore) GetMemoriesByTimeRange(ctx context.Context, start, end time.Time) ([]memory.Memory, error) {
	f.fetches.Add(1)
	if f.failFetch {
		return nil, errUnavailable
	}
	return f.Storage.GetMemoriesByTimeRange(ctx, start, end)
}

func (f *flakyStore) UpdateMemory(ctx context.Context, m memory.Memory) error {
	if f.failUpdate {
		return errUnavailable
	}
	return f.Storage.UpdateMemory(ctx, m)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Forget.ArchiveDir = t.TempDir()
	cfg.RetryInterval = time.Millisecond
	cfg.Association.Seed = 7
	return cfg
}

func newConsolidator(t *testing.T, store memory.Storage, opts ...Option) *Consolidator {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	c, err := New(store, testConfig(t), opts...)
	require.NoError(t, err)
	return c
}

func seed(t *testing.T, store memory.Storage, memories ...memory.Memory) {
	t.Helper()
	for _, m := range memories {
		require.NoError(t, store.StoreMemory(context.Background(), m))
	}
}

func aged(content, memoryType string, age time.Duration, tags ...string) memory.Memory {
	return memory.New(content, tags, memoryType, now.Add(-age))
}

// nearAxis returns a unit-ish vector pointing mostly along axis 0 with a
// small member-specific offset.
func nearAxis(i int) []float32 {
	v := make([]float32, 10)
	v[0] = 1
	v[1+i%9] = 0.2
	return v
}

func byType(t *testing.T, store memory.Storage, memoryType string) []memory.Memory {
	t.Helper()
	all, err := store.GetAllMemories(context.Background())
	require.NoError(t, err)
	var out []memory.Memory
	for _, m := range all {
		if m.Type() == memoryType {
			out = append(out, m)
		}
	}
	return out
}

func TestUnknownHorizonTouchesNothing(t *testing.T) {
	store := &flakyStore{Storage: memory.NewMemStore()}
	c := newConsolidator(t, store)

	report, err := c.Consolidate(context.Background(), "hourly")
	assert.ErrorIs(t, err, horizon.ErrUnknownHorizon)
	assert.Nil(t, report)
	assert.Zero(t, store.fetches.Load())
	assert.Zero(t, c.Stats().TotalRuns)
}

func TestMonthlyForgetsExpiredTemporaryButNotCritical(t *testing.T) {
	store := memory.NewMemStore()
	temp := aged("Scratch note about the staging rollout plan", memory.TypeTemporary, 10*day)
	critical := aged("Scratch note about the production rollout plan", memory.TypeTemporary, 10*day, "critical")
	seed(t, store, temp, critical)

	c := newConsolidator(t, store)
	report, err := c.Consolidate(context.Background(), horizon.Monthly)
	require.NoError(t, err)

	assert.True(t, report.Performance.Success)
	assert.False(t, report.Performance.Partial)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 2, report.MemoriesProcessed)
	assert.Equal(t, 2, report.ScoresUpdated)
	assert.Equal(t, 1, report.MemoriesArchived)
	assert.Equal(t, 1, report.ForgettingActions["deleted"])

	all, err := store.GetAllMemories(context.Background())
	require.NoError(t, err)
	hashes := make(map[string]memory.Memory)
	for _, m := range all {
		hashes[m.ContentHash] = m
	}
	assert.NotContains(t, hashes, temp.ContentHash)
	require.Contains(t, hashes, critical.ContentHash)
	assert.Equal(t, critical.Content, hashes[critical.ContentHash].Content)
	assert.Contains(t, hashes[critical.ContentHash].Metadata, memory.MetaRelevance)

	recovered, err := c.Recover(context.Background(), temp.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, temp.Content, recovered.Content)
	assert.Len(t, byType(t, store, memory.TypeTemporary), 2)
}

func TestMonthlyKeepsOneCopyOfDuplicates(t *testing.T) {
	store := memory.NewMemStore()
	base := aged("The nightly backup job writes snapshots to the cold storage bucket", "", 10*day)
	extended := aged(base.Content+" nightly", "", 5*day)
	seed(t, store, base, extended)

	c := newConsolidator(t, store)
	report, err := c.Consolidate(context.Background(), horizon.Monthly)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, map[string]int{"deleted": 1}, report.ForgettingActions)

	remaining := byType(t, store, memory.TypeStandard)
	require.Len(t, remaining, 1)
	assert.Equal(t, extended.ContentHash, remaining[0].ContentHash)

	recovered, err := c.Recover(context.Background(), base.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, base.Content, recovered.Content)
}

func TestMonthlyKeepsSimilarAssociations(t *testing.T) {
	store := memory.NewMemStore()
	a, b, cc := memory.ContentHash("note a"), memory.ContentHash("note b"), memory.ContentHash("note c")
	for _, other := range []string{b, cc} {
		seed(t, store, association.Association{
			SourceHashes:    [2]string{a, other},
			Similarity:      0.62,
			ConnectionType:  "semantic",
			DiscoveryMethod: "creative_association",
			DiscoveryDate:   now.Add(-2 * day),
			Confidence:      0.7,
		}.ToMemory())
	}

	c := newConsolidator(t, store)
	report, err := c.Consolidate(context.Background(), horizon.Monthly)
	require.NoError(t, err)
	assert.Empty(t, report.ForgettingActions)
	assert.Len(t, byType(t, store, memory.TypeAssociation), 2)
}

func TestWeeklyCompressesPythonCluster(t *testing.T) {
	store := memory.NewMemStore()
	topics := []string{
		"Use virtualenv to isolate the Python dependencies of each service.",
		"Pin Python package versions in requirements files for reproducible builds.",
		"Run pytest with coverage before merging any Python change.",
		"Prefer dataclasses over plain dicts for Python configuration objects.",
		"Format Python code with black and sort imports with isort.",
	}
	for i, content := range topics {
		m := aged(content, "", time.Duration(i+1)*day, "python")
		m.Embedding = nearAxis(i)
		seed(t, store, m)
	}

	c := newConsolidator(t, store)
	report, err := c.Consolidate(context.Background(), horizon.Weekly)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.ClustersCreated)
	assert.Equal(t, 1, report.MemoriesCompressed)
	assert.Zero(t, report.MemoriesArchived, "weekly runs do not forget")

	compressed := byType(t, store, memory.TypeCompressedCluster)
	require.Len(t, compressed, 1)
	assert.True(t, compressed[0].HasTag("python"))
	assert.True(t, compressed[0].HasTag("compressed"))
	assert.LessOrEqual(t, len(compressed[0].Content), DefaultConfig().Compress.MaxSummaryLength)
	assert.Len(t, memory.SourceHashes(compressed[0]), 5)
}

func TestDailyRunsTwiceWithoutDuplicates(t *testing.T) {
	store := memory.NewMemStore()
	seed(t, store,
		aged("Deploy the api gateway with terraform modules", "", 2*time.Hour),
		aged("Deploy the billing service with terraform modules", "", 3*time.Hour),
		aged("Old note about the office move", "", 5*day),
	)
	c := newConsolidator(t, store)

	first, err := c.Consolidate(context.Background(), horizon.Daily)
	require.NoError(t, err)
	second, err := c.Consolidate(context.Background(), horizon.Daily)
	require.NoError(t, err)

	assert.Equal(t, 2, first.MemoriesProcessed)
	assert.Equal(t, 2, second.MemoriesProcessed)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Empty(t, byType(t, store, memory.TypeAssociation))
	assert.NotContains(t, second.Performance.StageSeconds, StageCluster)
}

func TestWeeklyAssociationsAreNotRediscovered(t *testing.T) {
	store := memory.NewMemStore()
	seed(t, store,
		aged("Deploy the api gateway with terraform modules", "", 2*day),
		aged("Deploy the billing service with terraform modules", "", 3*day),
	)
	c := newConsolidator(t, store)

	first, err := c.Consolidate(context.Background(), horizon.Weekly)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AssociationsDiscovered)

	second, err := c.Consolidate(context.Background(), horizon.Weekly)
	require.NoError(t, err)
	assert.Zero(t, second.AssociationsDiscovered)
	assert.Equal(t, 3, second.MemoriesProcessed)

	assocs := byType(t, store, memory.TypeAssociation)
	require.Len(t, assocs, 1)
	assert.Len(t, memory.SourceHashes(assocs[0]), 2)
}

func TestQuarterlyOnlySeesMemoriesBeyondCutoff(t *testing.T) {
	store := memory.NewMemStore()
	seed(t, store,
		aged("Quarterly planning notes for the data platform", "", 100*day),
		aged("Sprint retro notes for the search team", "", 10*day),
	)
	c := newConsolidator(t, store)

	report, err := c.Consolidate(context.Background(), horizon.Quarterly)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MemoriesProcessed)
}

func TestFailedFetchStillReports(t *testing.T) {
	store := &flakyStore{Storage: memory.NewMemStore(), failFetch: true}
	monitor := health.NewMonitor(health.DefaultConfig())
	c := newConsolidator(t, store, WithMonitor(monitor))

	report, err := c.Consolidate(context.Background(), horizon.Monthly)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.False(t, report.Performance.Success)
	assert.False(t, report.Performance.Partial)
	require.Len(t, report.Errors, 1)
	assert.True(t, strings.HasPrefix(report.Errors[0], "fetch stage:"))
	assert.ErrorIs(t, report.StageErrors()[0], errUnavailable)
	assert.Equal(t, int32(3), store.fetches.Load(), "fetch is retried")

	stats := c.Stats()
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, 1, stats.FailedRuns)

	snap := monitor.Snapshot(context.Background())
	assert.Equal(t, health.StatusCritical, snap.Status)
	assert.NotEmpty(t, monitor.Alerts(false))
	require.Len(t, monitor.RecentErrors(0), 1)
	assert.Equal(t, StageFetch, monitor.RecentErrors(0)[0].Component)
}

func TestStageErrorDoesNotAbortRun(t *testing.T) {
	store := &flakyStore{Storage: memory.NewMemStore(), failUpdate: true}
	seed(t, store, aged("Scratch note about the staging rollout plan", memory.TypeTemporary, 10*day))
	c := newConsolidator(t, store)

	report, err := c.Consolidate(context.Background(), horizon.Monthly)
	require.NoError(t, err)
	assert.True(t, report.Performance.Success)
	assert.True(t, report.Performance.Partial)
	assert.Equal(t, 1, report.Performance.StageErrors)
	assert.Equal(t, 1, c.Stats().PartialRuns)
	assert.Zero(t, report.ScoresUpdated)
	require.Len(t, report.StageErrors(), 1)
	assert.Equal(t, StageScore, report.StageErrors()[0].Stage)
	assert.ErrorIs(t, report.StageErrors()[0], errUnavailable)

	// forgetting still ran on the unscored snapshot
	assert.Equal(t, 1, report.ForgettingActions["deleted"])
}

func TestStatsAccumulateAndReset(t *testing.T) {
	store := memory.NewMemStore()
	seed(t, store, aged("Deploy the api gateway with terraform modules", "", time.Hour))
	c := newConsolidator(t, store)

	for _, h := range []horizon.Horizon{horizon.Daily, horizon.Daily, horizon.Weekly} {
		_, err := c.Consolidate(context.Background(), h)
		require.NoError(t, err)
	}
	stats := c.Stats()
	assert.Equal(t, 3, stats.TotalRuns)
	assert.Equal(t, 3, stats.SuccessfulRuns)
	assert.Equal(t, 2, stats.RunsByHorizon[horizon.Daily])
	assert.Equal(t, 3, stats.MemoriesProcessed)
	assert.Equal(t, now, stats.LastRun)

	stats.RunsByHorizon[horizon.Daily] = 99
	assert.Equal(t, 2, c.Stats().RunsByHorizon[horizon.Daily])

	c.ResetStats()
	assert.Zero(t, c.Stats().TotalRuns)
	assert.Empty(t, c.Stats().RunsByHorizon)
}

func TestRecommend(t *testing.T) {
	store := memory.NewMemStore()
	for i := 0; i < 120; i++ {
		age := 2 * day
		if i < 70 {
			age = 40 * day
		}
		memoryType := ""
		if i >= 90 {
			memoryType = memory.TypeTemporary
		}
		seed(t, store, aged(fmt.Sprintf("Note %d about the storage migration", i), memoryType, age))
	}
	c := newConsolidator(t, store)

	rec, err := c.Recommend(context.Background(), horizon.Monthly)
	require.NoError(t, err)
	assert.True(t, rec.Recommended)
	assert.Len(t, rec.Reasons, 3)
	assert.Equal(t, 120, rec.MemoryCount)
	assert.Equal(t, 70, rec.OldMemoryCount)
	assert.Equal(t, 70, rec.BeyondWindowCount)
	assert.Equal(t, 30, rec.TypeDistribution[memory.TypeTemporary])
	assert.Equal(t, 120, rec.UntaggedCount)
	assert.GreaterOrEqual(t, rec.EstimatedDuration, time.Second)

	daily, err := c.Recommend(context.Background(), horizon.Daily)
	require.NoError(t, err)
	assert.True(t, daily.Recommended)
	require.Len(t, daily.Reasons, 1)
	assert.Contains(t, daily.Reasons[0], "temporary")

	_, err = c.Recommend(context.Background(), "hourly")
	assert.ErrorIs(t, err, horizon.ErrUnknownHorizon)
}

func TestRecommendSmallFreshCollection(t *testing.T) {
	store := memory.NewMemStore()
	seed(t, store,
		aged("Deploy the api gateway with terraform modules", "", 3*day),
		aged("Rotate the signing keys before the audit", "", 4*day),
	)
	c := newConsolidator(t, store)

	rec, err := c.Recommend(context.Background(), horizon.Daily)
	require.NoError(t, err)
	assert.False(t, rec.Recommended)
	assert.Len(t, rec.Reasons, 1)
}

func TestRecoverRequiresForgetting(t *testing.T) {
	cfg := testConfig(t)
	cfg.Forgetting = false
	c, err := New(memory.NewMemStore(), cfg)
	require.NoError(t, err)
	assert.Nil(t, c.Forgetter())

	_, err = c.Recover(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrForgettingDisabled)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Association.MinSimilarity = 0.9
	_, err := New(memory.NewMemStore(), cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Forget.ArchiveDir = ""
	_, err = New(memory.NewMemStore(), cfg)
	assert.Error(t, err)
}
