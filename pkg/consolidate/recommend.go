package consolidate

import (
	"context"
	"fmt"
	"time"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
)

const (
	oldMemoryAge         = 30 * 24 * time.Hour
	largeCollection      = 100
	oldShareThreshold    = 0.5
	temporaryShare       = 0.2
	perMemoryEstimate    = 10 * time.Millisecond
	minEstimatedDuration = time.Second
)

// Recommendation tells whether consolidating a horizon now is worthwhile.
type Recommendation struct {
	Horizon           horizon.Horizon `json:"time_horizon" yaml:"time_horizon"`
	Recommended       bool            `json:"recommended" yaml:"recommended"`
	Reasons           []string        `json:"reasons" yaml:"reasons"`
	MemoryCount       int             `json:"memory_count" yaml:"memory_count"`
	TypeDistribution  map[string]int  `json:"type_distribution" yaml:"type_distribution"`
	OldMemoryCount    int             `json:"old_memory_count" yaml:"old_memory_count"`
	BeyondWindowCount int             `json:"beyond_window_count" yaml:"beyond_window_count"`
	UntaggedCount     int             `json:"untagged_count" yaml:"untagged_count"`
	EstimatedDuration time.Duration   `json:"estimated_duration" yaml:"estimated_duration"`
}

// Recommend inspects the stored memories and reports whether a run for h is
// likely to be beneficial.
func (c *Consolidator) Recommend(ctx context.Context, h horizon.Horizon) (*Recommendation, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("%w: %q", horizon.ErrUnknownHorizon, h)
	}
	memories, err := retry(ctx, c, "get_all_memories", func() ([]memory.Memory, error) {
		return c.store.GetAllMemories(ctx)
	})
	if err != nil {
		return nil, err
	}

	now := c.now()
	stats := memory.Summarize(memories)
	rec := &Recommendation{
		Horizon:           h,
		Reasons:           []string{},
		MemoryCount:       stats.TotalMemories,
		TypeDistribution:  stats.ByType,
		UntaggedCount:     stats.Untagged,
		EstimatedDuration: c.estimate(len(memories)),
	}

	recent := 0
	for _, m := range memories {
		age := now.Sub(m.CreatedAt)
		if age > oldMemoryAge {
			rec.OldMemoryCount++
		}
		if age > h.Window() {
			rec.BeyondWindowCount++
		}
		if age <= 24*time.Hour {
			recent++
		}
	}

	total := float64(rec.MemoryCount)
	if h != horizon.Daily && rec.MemoryCount > largeCollection {
		rec.Reasons = append(rec.Reasons,
			fmt.Sprintf("Large memory collection (%d memories) benefits from consolidation", rec.MemoryCount))
	}
	switch h {
	case horizon.Monthly, horizon.Quarterly, horizon.Yearly:
		if total > 0 && float64(rec.OldMemoryCount)/total > oldShareThreshold {
			rec.Reasons = append(rec.Reasons,
				fmt.Sprintf("%d of %d memories are older than 30 days and can be compressed or archived", rec.OldMemoryCount, rec.MemoryCount))
		}
	}
	if tmp := stats.ByType[memory.TypeTemporary]; total > 0 && float64(tmp)/total > temporaryShare {
		rec.Reasons = append(rec.Reasons,
			fmt.Sprintf("%d temporary memories are waiting for cleanup", tmp))
	}
	if h == horizon.Daily && recent > 0 {
		rec.Reasons = append(rec.Reasons,
			fmt.Sprintf("%d memories were added in the last day", recent))
	}

	rec.Recommended = len(rec.Reasons) > 0
	if !rec.Recommended {
		rec.Reasons = append(rec.Reasons, "Memory collection does not need consolidation yet")
	}
	return rec, nil
}

// estimate projects a run's duration from past throughput, falling back to
// a fixed per-memory cost before any run has been recorded.
func (c *Consolidator) estimate(n int) time.Duration {
	c.mu.Lock()
	processed, spent := c.stats.MemoriesProcessed, c.stats.TotalDuration
	c.mu.Unlock()

	per := perMemoryEstimate
	if processed > 0 && spent > 0 {
		per = spent / time.Duration(processed)
	}
	return max(minEstimatedDuration, per*time.Duration(n))
}
