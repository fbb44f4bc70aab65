package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/cluster"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/consolidate"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/health"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory/qdrant"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/schedule"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/telemetry"
)

// store is a Storage the command owns and must close.
type store interface {
	memory.Storage
	Close() error
}

func newLogger() (*zap.Logger, error) {
	return telemetry.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
}

func openStore(ctx context.Context, v *viper.Viper) (store, error) {
	switch backend := v.GetString("storage.backend"); backend {
	case "", "sqlite":
		dsn := v.GetString("storage.dsn")
		if dsn == "" {
			dsn = "memcon.db"
		}
		return memory.NewSQLiteStore(dsn)
	case "memory":
		return memory.NewMemStore(), nil
	case "qdrant":
		cfg := qdrant.DefaultConfig()
		if v.IsSet("storage.qdrant.host") {
			cfg.Host = v.GetString("storage.qdrant.host")
		}
		if v.IsSet("storage.qdrant.port") {
			cfg.Port = v.GetInt("storage.qdrant.port")
		}
		if v.IsSet("storage.qdrant.collection") {
			cfg.Collection = v.GetString("storage.qdrant.collection")
		}
		if v.IsSet("storage.qdrant.dimension") {
			cfg.Dimension = v.GetInt("storage.qdrant.dimension")
		}
		cfg.APIKey = v.GetString("storage.qdrant.api_key")
		cfg.UseTLS = v.GetBool("storage.qdrant.tls")
		return qdrant.New(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func consolidationConfig(v *viper.Viper) consolidate.Config {
	cfg := consolidate.DefaultConfig()

	setBool(v, "consolidation.associations.enabled", &cfg.Associations)
	setBool(v, "consolidation.clustering.enabled", &cfg.Clustering)
	setBool(v, "consolidation.compression.enabled", &cfg.Compression)
	setBool(v, "consolidation.forgetting.enabled", &cfg.Forgetting)

	for typ := range v.GetStringMap("decay.retention_periods") {
		cfg.Decay.RetentionPeriods[typ] = v.GetFloat64("decay.retention_periods." + typ)
	}
	if v.IsSet("decay.protected_tags") {
		cfg.Decay.ProtectedTags = v.GetStringSlice("decay.protected_tags")
		cfg.Forget.ProtectedTags = cfg.Decay.ProtectedTags
	}

	setFloat(v, "association.min_similarity", &cfg.Association.MinSimilarity)
	setFloat(v, "association.max_similarity", &cfg.Association.MaxSimilarity)
	setInt(v, "association.max_pairs_per_run", &cfg.Association.MaxPairsPerRun)
	setFloat(v, "association.min_confidence", &cfg.Association.MinConfidence)

	if v.IsSet("cluster.algorithm") {
		cfg.Cluster.Algorithm = cluster.Algorithm(v.GetString("cluster.algorithm"))
	}
	setInt(v, "cluster.min_cluster_size", &cfg.Cluster.MinClusterSize)
	setFloat(v, "cluster.merge_threshold", &cfg.Cluster.MergeThreshold)
	setBool(v, "cluster.numeric_backend", &cfg.Cluster.NumericBackend)

	setInt(v, "compress.max_summary_length", &cfg.Compress.MaxSummaryLength)
	setInt(v, "compress.max_key_concepts", &cfg.Compress.MaxKeyConcepts)

	setFloat(v, "forget.relevance_threshold", &cfg.Forget.RelevanceThreshold)
	setFloat(v, "forget.access_threshold_days", &cfg.Forget.AccessThresholdDays)
	cfg.Forget.ArchiveDir = v.GetString("forget.archive_dir")
	if cfg.Forget.ArchiveDir == "" {
		cfg.Forget.ArchiveDir = defaultArchiveDir(v)
	}
	return cfg
}

// defaultArchiveDir places the archive beside the SQLite database.
func defaultArchiveDir(v *viper.Viper) string {
	const name = "memcon-archive"
	switch v.GetString("storage.backend") {
	case "", "sqlite":
	default:
		return name
	}
	dsn := v.GetString("storage.dsn")
	if dsn == "" || dsn == ":memory:" {
		return name
	}
	return filepath.Join(filepath.Dir(dsn), name)
}

func scheduleConfig(v *viper.Viper) schedule.Config {
	cfg := schedule.DefaultConfig()
	for _, h := range horizon.All() {
		key := "schedule." + h.String()
		if v.IsSet(key) {
			cfg.Schedules[h] = v.GetString(key)
		}
	}
	if v.IsSet("schedule.grace_period") {
		cfg.GracePeriod = v.GetDuration("schedule.grace_period")
	}
	return cfg
}

func healthConfig(v *viper.Viper) health.Config {
	cfg := health.DefaultConfig()
	setInt(v, "health.window_size", &cfg.WindowSize)
	setInt(v, "health.max_alerts", &cfg.MaxAlerts)
	return cfg
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setFloat(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}
