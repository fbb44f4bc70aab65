package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/cluster"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/consolidate"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/schedule"
)

func TestConsolidationConfigDefaults(t *testing.T) {
	v := viper.New()
	v.Set("storage.dsn", filepath.Join("data", "memcon.db"))

	cfg := consolidationConfig(v)
	def := consolidate.DefaultConfig()
	assert.Equal(t, def.Associations, cfg.Associations)
	assert.Equal(t, def.Cluster.MinClusterSize, cfg.Cluster.MinClusterSize)
	assert.Equal(t, filepath.Join("data", "memcon-archive"), cfg.Forget.ArchiveDir)
}

func TestConsolidationConfigOverrides(t *testing.T) {
	v := viper.New()
	v.Set("consolidation.forgetting.enabled", false)
	v.Set("decay.retention_periods", map[string]any{"temporary": 3, "meeting": 14})
	v.Set("association.min_similarity", 0.4)
	v.Set("association.max_pairs_per_run", 25)
	v.Set("cluster.algorithm", "hierarchical")
	v.Set("cluster.min_cluster_size", 3)
	v.Set("compress.max_summary_length", 300)
	v.Set("forget.archive_dir", "/var/lib/memcon/archive")
	v.Set("storage.backend", "memory")

	cfg := consolidationConfig(v)
	assert.False(t, cfg.Forgetting)
	assert.Equal(t, 3.0, cfg.Decay.RetentionPeriods["temporary"])
	assert.Equal(t, 14.0, cfg.Decay.RetentionPeriods["meeting"])
	assert.Equal(t, 365.0, cfg.Decay.RetentionPeriods["critical"])
	assert.Equal(t, 0.4, cfg.Association.MinSimilarity)
	assert.Equal(t, 25, cfg.Association.MaxPairsPerRun)
	assert.Equal(t, cluster.Algorithm("hierarchical"), cfg.Cluster.Algorithm)
	assert.Equal(t, 3, cfg.Cluster.MinClusterSize)
	assert.Equal(t, 300, cfg.Compress.MaxSummaryLength)
	assert.Equal(t, "/var/lib/memcon/archive", cfg.Forget.ArchiveDir)
}

func TestScheduleConfig(t *testing.T) {
	v := viper.New()
	v.Set("schedule.daily", "disabled")
	v.Set("schedule.weekly", "MON 01:30")
	v.Set("schedule.grace_period", "15m")

	cfg := scheduleConfig(v)
	assert.Equal(t, schedule.Disabled, cfg.Schedules[horizon.Daily])
	assert.Equal(t, "MON 01:30", cfg.Schedules[horizon.Weekly])
	assert.Equal(t, "01 04:00", cfg.Schedules[horizon.Monthly])
	assert.Equal(t, 15*time.Minute, cfg.GracePeriod)

	_, err := schedule.New(func(context.Context, horizon.Horizon) error { return nil }, cfg)
	require.NoError(t, err)
}

func TestHealthConfig(t *testing.T) {
	v := viper.New()
	v.Set("health.window_size", 20)

	cfg := healthConfig(v)
	assert.Equal(t, 20, cfg.WindowSize)
	assert.Equal(t, 200, cfg.MaxAlerts)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	v := viper.New()
	v.Set("storage.backend", "memory")
	st, err := openStore(ctx, v)
	require.NoError(t, err)
	assert.IsType(t, &memory.MemStore{}, st)
	require.NoError(t, st.Close())

	v = viper.New()
	v.Set("storage.dsn", filepath.Join(t.TempDir(), "test.db"))
	st, err = openStore(ctx, v)
	require.NoError(t, err)
	assert.IsType(t, &memory.SQLiteStore{}, st)
	require.NoError(t, st.Close())

	v = viper.New()
	v.Set("storage.backend", "cassandra")
	_, err = openStore(ctx, v)
	assert.Error(t, err)
}

func TestWriteOutput(t *testing.T) {
	report := map[string]any{
		"time_horizon": "weekly",
		"errors":       []string{},
		"performance_metrics": map[string]any{
			"success": true,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, "yaml", report))
	assert.Contains(t, buf.String(), "time_horizon: weekly\n")
	assert.Contains(t, buf.String(), "performance_metrics:\n  success: true\n")

	buf.Reset()
	require.NoError(t, writeOutput(&buf, "json", report))
	assert.Contains(t, buf.String(), `"time_horizon": "weekly"`)

	assert.Error(t, writeOutput(&buf, "xml", report))
}
