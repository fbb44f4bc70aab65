// Package consolidate runs the consolidation pipeline for a time horizon:
// it scores every fetched memory, then clusters, associates, compresses and
// forgets according to what the horizon allows, persisting each stage's
// results through the storage interface before the next stage starts.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/association"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/cluster"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/compress"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/decay"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/forget"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/health"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
)

var tracer = otel.Tracer("github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/consolidate")

// ErrForgettingDisabled is returned by archive operations when the
// forgetting stage is turned off.
var ErrForgettingDisabled = errors.New("forgetting is disabled")

// Config holds the stage switches and the settings of every component.
type Config struct {
	Associations bool
	Clustering   bool
	Compression  bool
	Forgetting   bool

	// DailyWindow is how far back a daily run fetches. Default: 24h.
	DailyWindow time.Duration

	Decay       decay.Config
	Association association.Config
	Cluster     cluster.Config
	Compress    compress.Config
	Forget      forget.Config

	// Retries is the number of attempts per storage call. Default: 3.
	Retries uint
	// RetryInterval is the first backoff interval. Default: 200ms.
	RetryInterval time.Duration

	// NodeID seeds run id generation. Default: 1.
	NodeID int64
}

// DefaultConfig enables every stage with component defaults. Forget.ArchiveDir
// still has to be set when forgetting is enabled.
func DefaultConfig() Config {
	return Config{
		Associations:  true,
		Clustering:    true,
		Compression:   true,
		Forgetting:    true,
		DailyWindow:   24 * time.Hour,
		Decay:         decay.DefaultConfig(),
		Association:   association.DefaultConfig(),
		Cluster:       cluster.DefaultConfig(),
		Compress:      compress.DefaultConfig(),
		Forget:        forget.DefaultConfig(),
		Retries:       3,
		RetryInterval: 200 * time.Millisecond,
		NodeID:        1,
	}
}

// Consolidator runs consolidation passes against a store. Runs for different
// horizons may execute concurrently.
type Consolidator struct {
	store   memory.Storage
	cfg     Config
	logger  *zap.Logger
	monitor *health.Monitor
	now     func() time.Time

	scorer     *decay.Scorer
	discoverer *association.Discoverer
	builder    *cluster.Builder
	compressor *compress.Compressor
	forgetter  *forget.Engine
	ids        *snowflake.Node

	mu    sync.Mutex
	stats Stats
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Consolidator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMonitor forwards run outcomes and stage errors to m.
func WithMonitor(m *health.Monitor) Option {
	return func(c *Consolidator) { c.monitor = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) { c.now = now }
}

type counter interface {
	Count(ctx context.Context) (int, error)
}

// New validates cfg and builds the stage components.
func New(store memory.Storage, cfg Config, opts ...Option) (*Consolidator, error) {
	if cfg.DailyWindow <= 0 {
		cfg.DailyWindow = 24 * time.Hour
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	if cfg.NodeID == 0 {
		cfg.NodeID = 1
	}

	c := &Consolidator{
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		stats:  newStats(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := cfg.Association.Validate(); err != nil {
		return nil, fmt.Errorf("association config: %w", err)
	}
	if err := cfg.Cluster.Validate(); err != nil {
		return nil, fmt.Errorf("cluster config: %w", err)
	}

	var err error
	c.scorer = decay.NewScorer(cfg.Decay)
	c.discoverer = association.NewDiscoverer(cfg.Association)
	c.compressor = compress.New(cfg.Compress)
	if c.builder, err = cluster.NewBuilder(cfg.Cluster); err != nil {
		return nil, fmt.Errorf("cluster builder: %w", err)
	}
	if cfg.Forgetting {
		if c.forgetter, err = forget.New(cfg.Forget, c.logger.Named("forget")); err != nil {
			return nil, fmt.Errorf("forgetting engine: %w", err)
		}
	}
	if c.ids, err = snowflake.NewNode(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("run ids: %w", err)
	}

	if c.monitor != nil {
		c.monitor.RegisterCheck("storage", c.storageCheck)
	}
	c.logger.Info("consolidator ready",
		zap.Bool("associations", cfg.Associations),
		zap.Bool("clustering", cfg.Clustering),
		zap.String("cluster_algorithm", string(c.builder.Algorithm())),
		zap.Bool("compression", cfg.Compression),
		zap.Bool("forgetting", cfg.Forgetting))
	return c, nil
}

func (c *Consolidator) storageCheck(ctx context.Context) health.ComponentCheck {
	var err error
	if cnt, ok := c.store.(counter); ok {
		_, err = cnt.Count(ctx)
	} else {
		_, err = c.store.GetMemoryConnections(ctx)
	}
	if err != nil {
		return health.ComponentCheck{Status: health.StatusUnhealthy, Message: err.Error()}
	}
	return health.ComponentCheck{Status: health.StatusHealthy}
}

// Forgetter returns the forgetting engine, or nil when forgetting is off.
func (c *Consolidator) Forgetter() *forget.Engine { return c.forgetter }

// Consolidate runs one pass for h. An unknown horizon is rejected before
// anything is read or written. Otherwise a report is always returned; stage
// failures are listed in it and do not undo what earlier stages persisted.
func (c *Consolidator) Consolidate(ctx context.Context, h horizon.Horizon) (*Report, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("%w: %q", horizon.ErrUnknownHorizon, h)
	}

	now := c.now()
	r := &Report{
		RunID:     c.ids.Generate().String(),
		Horizon:   h,
		StartTime: now,
		Errors:    []string{},
		Performance: PerformanceMetrics{
			StageSeconds: make(map[string]float64),
		},
	}
	ctx, span := tracer.Start(ctx, "consolidate."+string(h), trace.WithAttributes(
		attribute.String("horizon", string(h)),
		attribute.String("run_id", r.RunID),
	))
	defer span.End()

	c.logger.Info("starting consolidation",
		zap.String("horizon", string(h)),
		zap.String("run_id", r.RunID))

	var memories []memory.Memory
	ok := c.stage(ctx, r, StageFetch, func(ctx context.Context) error {
		var err error
		memories, err = c.fetch(ctx, h, now)
		return err
	})
	if !ok {
		return c.finish(span, r, false), nil
	}
	r.MemoriesProcessed = len(memories)

	var (
		scores []decay.RelevanceScore
		access map[string]time.Time
	)
	c.stage(ctx, r, StageScore, func(ctx context.Context) error {
		var err error
		scores, access, err = c.score(ctx, memories, now, r)
		return err
	})

	var clusters []cluster.Cluster
	if c.cfg.Clustering && h.Clusters() {
		c.stage(ctx, r, StageCluster, func(ctx context.Context) error {
			var err error
			clusters, err = c.cluster(ctx, memories, now)
			r.ClustersCreated = len(clusters)
			return err
		})
	}

	if c.cfg.Associations && h.Associates() {
		c.stage(ctx, r, StageAssociate, func(ctx context.Context) error {
			return c.associate(ctx, memories, now, r)
		})
	}

	if c.cfg.Compression && len(clusters) > 0 {
		c.stage(ctx, r, StageCompress, func(ctx context.Context) error {
			return c.compress(ctx, clusters, memories, now, r)
		})
	}

	if c.cfg.Forgetting && c.forgetter != nil && h.Forgets() {
		c.stage(ctx, r, StageForget, func(ctx context.Context) error {
			return c.forget(ctx, memories, scores, access, h, now, r)
		})
	}

	return c.finish(span, r, true), nil
}

// stage runs fn inside a child span and records its duration and error.
// A panic inside fn is reported as the stage's error.
func (c *Consolidator) stage(ctx context.Context, r *Report, name string, fn func(ctx context.Context) error) (ok bool) {
	ctx, span := tracer.Start(ctx, "consolidate."+name)
	defer span.End()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return fn(ctx)
	}()
	r.Performance.StageSeconds[name] = time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(name, err)
		c.logger.Error("consolidation stage failed",
			zap.String("horizon", string(r.Horizon)),
			zap.String("stage", name),
			zap.Error(err))
		return false
	}
	return true
}

func (c *Consolidator) finish(span trace.Span, r *Report, success bool) *Report {
	r.EndTime = c.now()
	elapsed := r.EndTime.Sub(r.StartTime)
	r.Performance.DurationSeconds = elapsed.Seconds()
	if elapsed > 0 {
		r.Performance.MemoriesPerSecond = float64(r.MemoriesProcessed) / elapsed.Seconds()
	}
	r.Performance.Success = success
	r.Performance.StageErrors = len(r.stageErrs)
	r.Performance.Partial = success && len(r.stageErrs) > 0

	span.SetAttributes(
		attribute.Int("memories_processed", r.MemoriesProcessed),
		attribute.Int("errors", len(r.Errors)),
		attribute.Bool("success", success),
		attribute.Bool("partial", r.Performance.Partial),
	)
	if !success {
		span.SetStatus(codes.Error, "consolidation failed")
	}

	c.mu.Lock()
	c.stats.add(r)
	c.mu.Unlock()

	if c.monitor != nil {
		for _, se := range r.stageErrs {
			c.monitor.RecordError(se.Stage, string(r.Horizon), se.Err)
		}
		c.monitor.RecordRun(health.RunRecord{
			RunID:             r.RunID,
			Horizon:           string(r.Horizon),
			Started:           r.StartTime,
			Duration:          elapsed,
			MemoriesProcessed: r.MemoriesProcessed,
			Success:           success,
			Errors:            r.Errors,
		})
	}

	c.logger.Info("consolidation complete",
		zap.String("horizon", string(r.Horizon)),
		zap.String("run_id", r.RunID),
		zap.Bool("success", success),
		zap.Bool("partial", r.Performance.Partial),
		zap.Int("memories_processed", r.MemoriesProcessed),
		zap.Int("associations_discovered", r.AssociationsDiscovered),
		zap.Int("clusters_created", r.ClustersCreated),
		zap.Int("memories_compressed", r.MemoriesCompressed),
		zap.Int("memories_archived", r.MemoriesArchived),
		zap.Int("errors", len(r.Errors)))
	return r
}

// fetch loads the memories a horizon works on. Daily runs read only the
// recent window; quarterly and yearly runs keep memories older than their
// cutoff.
func (c *Consolidator) fetch(ctx context.Context, h horizon.Horizon, now time.Time) ([]memory.Memory, error) {
	if h == horizon.Daily {
		return retry(ctx, c, "get_memories_by_time_range", func() ([]memory.Memory, error) {
			return c.store.GetMemoriesByTimeRange(ctx, now.Add(-c.cfg.DailyWindow), now)
		})
	}

	all, err := retry(ctx, c, "get_all_memories", func() ([]memory.Memory, error) {
		return c.store.GetAllMemories(ctx)
	})
	if err != nil {
		return nil, err
	}
	cutoff := h.Cutoff(now)
	if cutoff.IsZero() {
		return all, nil
	}
	kept := all[:0]
	for _, m := range all {
		if m.CreatedAt.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// score computes relevance for every memory and writes it back into
// metadata. memories is updated in place so later stages see the scores.
func (c *Consolidator) score(ctx context.Context, memories []memory.Memory, now time.Time, r *Report) ([]decay.RelevanceScore, map[string]time.Time, error) {
	var errs []error

	connections, err := retry(ctx, c, "get_memory_connections", func() (map[string]int, error) {
		return c.store.GetMemoryConnections(ctx)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("connections: %w", err))
		connections = memory.ConnectionCounts(memories)
	}
	access, err := retry(ctx, c, "get_access_patterns", func() (map[string]time.Time, error) {
		return c.store.GetAccessPatterns(ctx)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("access patterns: %w", err))
		access = nil
	}

	scores := c.scorer.ScoreAll(memories, now, connections, access)

	failed := 0
	var firstErr error
	for i, s := range scores {
		updated := decay.Apply(memories[i], s, now)
		err := retryDo(ctx, c, "update_memory", func() error {
			return c.store.UpdateMemory(ctx, updated)
		})
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		memories[i] = updated
		r.ScoresUpdated++
	}
	if failed > 0 {
		errs = append(errs, fmt.Errorf("%d of %d score updates failed: %w", failed, len(scores), firstErr))
	}
	return scores, access, errors.Join(errs...)
}

func (c *Consolidator) cluster(ctx context.Context, memories []memory.Memory, now time.Time) ([]cluster.Cluster, error) {
	input := make([]memory.Memory, 0, len(memories))
	for _, m := range memories {
		switch m.Type() {
		case memory.TypeAssociation, memory.TypeCompressedCluster:
			continue
		}
		input = append(input, m)
	}
	clusters, err := c.builder.Build(ctx, input, now)
	if err != nil {
		return nil, err
	}
	return c.builder.Merge(clusters), nil
}

func (c *Consolidator) associate(ctx context.Context, memories []memory.Memory, now time.Time, r *Report) error {
	known := association.KnownPairs(memories)
	sources := make([]memory.Memory, 0, len(memories))
	for _, m := range memories {
		if m.Type() != memory.TypeAssociation {
			sources = append(sources, m)
		}
	}

	found, err := c.discoverer.Discover(ctx, sources, known, now)
	if err != nil {
		return err
	}

	failed := 0
	var firstErr error
	for _, a := range found {
		err := retryDo(ctx, c, "store_memory", func() error {
			return c.store.StoreMemory(ctx, a.ToMemory())
		})
		if err != nil && !errors.Is(err, memory.ErrDuplicate) {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.AssociationsDiscovered++
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d associations not stored: %w", failed, len(found), firstErr)
	}
	return nil
}

func (c *Consolidator) compress(ctx context.Context, clusters []cluster.Cluster, memories []memory.Memory, now time.Time, r *Report) error {
	results := c.compressor.Compress(clusters, memories, now)

	failed := 0
	var firstErr error
	for _, res := range results {
		err := retryDo(ctx, c, "store_memory", func() error {
			return c.store.StoreMemory(ctx, res.Memory)
		})
		if errors.Is(err, memory.ErrDuplicate) {
			continue
		}
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.MemoriesCompressed++
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d compressed memories not stored: %w", failed, len(results), firstErr)
	}
	return nil
}

// forget archives, compresses or deletes the candidates of h and applies
// the outcome to storage. Skipped candidates stay in storage and are
// reconsidered on the next run.
func (c *Consolidator) forget(ctx context.Context, memories []memory.Memory, scores []decay.RelevanceScore, access map[string]time.Time, h horizon.Horizon, now time.Time, r *Report) error {
	candidates := c.forgetter.Identify(memories, scores, access, h, now)
	results := c.forgetter.Process(ctx, candidates, now)

	r.ForgettingActions = make(map[string]int)
	failed := 0
	var firstErr error
	for _, res := range results {
		if res.Action == forget.ActionSkipped {
			r.ForgettingActions[string(res.Action)]++
			continue
		}
		if err := c.applyForgetting(ctx, res); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.ForgettingActions[string(res.Action)]++
		r.MemoriesArchived++
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d forgetting results not applied: %w", failed, len(results), firstErr)
	}
	return nil
}

func (c *Consolidator) applyForgetting(ctx context.Context, res forget.Result) error {
	err := retryDo(ctx, c, "delete_memory", func() error {
		return c.store.DeleteMemory(ctx, res.MemoryHash)
	})
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", res.MemoryHash, err)
	}
	if res.Action != forget.ActionCompressed || res.Compressed == nil {
		return nil
	}
	err = retryDo(ctx, c, "store_memory", func() error {
		return c.store.StoreMemory(ctx, *res.Compressed)
	})
	if err != nil && !errors.Is(err, memory.ErrDuplicate) {
		return fmt.Errorf("store replacement for %s: %w", res.MemoryHash, err)
	}
	return nil
}

// Recover restores an archived or deleted memory from the archive tree and
// stores it again. A memory that is already present is left as it is.
func (c *Consolidator) Recover(ctx context.Context, hash string) (memory.Memory, error) {
	if c.forgetter == nil {
		return memory.Memory{}, ErrForgettingDisabled
	}
	m, err := c.forgetter.Recover(hash)
	if err != nil {
		return memory.Memory{}, err
	}
	err = retryDo(ctx, c, "store_memory", func() error {
		return c.store.StoreMemory(ctx, m)
	})
	if err != nil && !errors.Is(err, memory.ErrDuplicate) {
		return m, fmt.Errorf("restore %s: %w", hash, err)
	}
	c.logger.Info("memory recovered", zap.String("hash", hash))
	return m, nil
}

// Stats returns a copy of the accumulated run statistics.
func (c *Consolidator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.clone()
}

// ResetStats clears the accumulated run statistics.
func (c *Consolidator) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = newStats()
}
