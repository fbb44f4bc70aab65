// Package cluster groups memories into semantic clusters by embedding.
//
// Three strategies are available: density-based (DBSCAN over cosine
// distance), agglomerative hierarchical, and a greedy similarity threshold.
// The strategy is fixed when the Builder is created; when the numeric
// backend is switched off the greedy threshold strategy is always used.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"

	memmath "github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/math"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/text"
)

// ErrUnknownAlgorithm is returned for an unrecognised algorithm name.
var ErrUnknownAlgorithm = errors.New("unknown clustering algorithm")

// Algorithm names a clustering strategy.
type Algorithm string

const (
	AlgorithmDBSCAN       Algorithm = "dbscan"
	AlgorithmHierarchical Algorithm = "hierarchical"
	AlgorithmThreshold    Algorithm = "threshold"
)

// ParseAlgorithm converts a configured name into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(s); a {
	case AlgorithmDBSCAN, AlgorithmHierarchical, AlgorithmThreshold:
		return a, nil
	case "":
		return AlgorithmDBSCAN, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
}

// Config holds cluster builder settings.
type Config struct {
	// Algorithm selects the strategy. Default: dbscan.
	Algorithm Algorithm

	// NumericBackend enables the dbscan and hierarchical strategies. When
	// false the builder uses the threshold strategy regardless of Algorithm.
	NumericBackend bool

	// MinClusterSize is the smallest cluster kept. Default: 5.
	MinClusterSize int

	// SimilarityThreshold is the cosine similarity the threshold strategy
	// requires to join a group. Default: 0.7.
	SimilarityThreshold float64

	// MergeThreshold is the centroid similarity at which Merge combines two
	// clusters. Default: 0.8.
	MergeThreshold float64

	// MaxKeywords caps theme keywords per cluster. Default: 10.
	MaxKeywords int

	// Workers bounds the distance matrix fan-out. Default: 4.
	Workers int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Algorithm:           AlgorithmDBSCAN,
		NumericBackend:      true,
		MinClusterSize:      5,
		SimilarityThreshold: 0.7,
		MergeThreshold:      0.8,
		MaxKeywords:         10,
		Workers:             4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := ParseAlgorithm(string(c.Algorithm)); err != nil {
		return err
	}
	if c.MinClusterSize < 2 {
		return fmt.Errorf("min_cluster_size must be at least 2, got %d", c.MinClusterSize)
	}
	return nil
}

// Cluster is a group of semantically related memories.
type Cluster struct {
	ID            string                 `json:"cluster_id"`
	MemoryHashes  []string               `json:"memory_hashes"`
	Centroid      []float32              `json:"centroid_embedding"`
	Coherence     float64                `json:"coherence_score"`
	ThemeKeywords []string               `json:"theme_keywords"`
	CreatedAt     time.Time              `json:"created_at"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Size is the member count.
func (c Cluster) Size() int { return len(c.MemoryHashes) }

// strategy partitions vectors into groups of indices.
type strategy interface {
	algorithm() Algorithm
	group(sim [][]float64, minSize int) [][]int
}

// Builder builds and merges clusters.
type Builder struct {
	cfg      Config
	strategy strategy
}

// NewBuilder resolves the strategy once from cfg.
func NewBuilder(cfg Config) (*Builder, error) {
	def := DefaultConfig()
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = def.MinClusterSize
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = def.MergeThreshold
	}
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = def.MaxKeywords
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	alg, err := ParseAlgorithm(string(cfg.Algorithm))
	if err != nil {
		return nil, err
	}
	cfg.Algorithm = alg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Builder{cfg: cfg}
	switch {
	case !cfg.NumericBackend || alg == AlgorithmThreshold:
		b.strategy = thresholdStrategy{threshold: cfg.SimilarityThreshold}
	case alg == AlgorithmHierarchical:
		b.strategy = hierarchicalStrategy{}
	default:
		b.strategy = dbscanStrategy{}
	}
	return b, nil
}

// Algorithm reports the strategy in use.
func (b *Builder) Algorithm() Algorithm { return b.strategy.algorithm() }

// Build clusters the memories that carry embeddings. Fewer usable memories
// than MinClusterSize yields no clusters.
func (b *Builder) Build(ctx context.Context, memories []memory.Memory, now time.Time) ([]Cluster, error) {
	usable := withEmbeddings(memories)
	if len(usable) < b.cfg.MinClusterSize {
		return nil, nil
	}

	sim := b.similarityMatrix(usable)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Cluster
	for _, idx := range b.strategy.group(sim, b.cfg.MinClusterSize) {
		if len(idx) < b.cfg.MinClusterSize {
			continue
		}
		members := make([]memory.Memory, len(idx))
		for i, j := range idx {
			members[i] = usable[j]
		}
		out = append(out, b.newCluster(members, now))
	}
	return out, ctx.Err()
}

// Merge combines clusters whose centroids reach MergeThreshold. Merged
// clusters take the size-weighted centroid and coherence and the union of
// members and keywords.
func (b *Builder) Merge(clusters []Cluster) []Cluster {
	out := make([]Cluster, len(clusters))
	copy(out, clusters)

	for merged := true; merged; {
		merged = false
	scan:
		for i := 0; i < len(out); i++ {
			for j := i + 1; j < len(out); j++ {
				if memmath.CosineSimilarity(out[i].Centroid, out[j].Centroid) >= b.cfg.MergeThreshold {
					out[i] = b.combine(out[i], out[j])
					out = append(out[:j], out[j+1:]...)
					merged = true
					break scan
				}
			}
		}
	}
	return out
}

func (b *Builder) combine(x, y Cluster) Cluster {
	wx, wy := x.Size(), y.Size()
	members := unionStrings(x.MemoryHashes, y.MemoryHashes)
	keywords := unionStrings(x.ThemeKeywords, y.ThemeKeywords)
	if len(keywords) > b.cfg.MaxKeywords {
		keywords = keywords[:b.cfg.MaxKeywords]
	}
	meta := map[string]interface{}{}
	for k, v := range x.Metadata {
		meta[k] = v
	}
	meta["merged_from"] = []string{x.ID, y.ID}
	meta["size"] = len(members)

	return Cluster{
		ID:            uuid.NewString(),
		MemoryHashes:  members,
		Centroid:      memmath.WeightedCentroid(x.Centroid, wx, y.Centroid, wy),
		Coherence:     (x.Coherence*float64(wx) + y.Coherence*float64(wy)) / float64(wx+wy),
		ThemeKeywords: keywords,
		CreatedAt:     x.CreatedAt,
		Metadata:      meta,
	}
}

func (b *Builder) newCluster(members []memory.Memory, now time.Time) Cluster {
	vectors := make([][]float32, len(members))
	hashes := make([]string, len(members))
	for i, m := range members {
		vectors[i] = m.Embedding
		hashes[i] = m.ContentHash
	}
	centroid := memmath.Centroid(vectors)

	return Cluster{
		ID:            uuid.NewString(),
		MemoryHashes:  hashes,
		Centroid:      centroid,
		Coherence:     memmath.MeanSimilarity(vectors, centroid),
		ThemeKeywords: ThemeKeywords(members, b.cfg.MaxKeywords),
		CreatedAt:     now,
		Metadata: map[string]interface{}{
			"algorithm": string(b.strategy.algorithm()),
			"size":      len(members),
		},
	}
}

// ThemeKeywords returns the most frequent tags followed by the most frequent
// content terms, deduplicated and capped at limit.
func ThemeKeywords(members []memory.Memory, limit int) []string {
	var tags, contents []string
	for _, m := range members {
		tags = append(tags, m.Tags...)
		contents = append(contents, m.Content)
	}
	keywords := unionStrings(text.TopStrings(tags, 5, 1), text.TopTerms(contents, limit, 1))
	if len(keywords) > limit {
		keywords = keywords[:limit]
	}
	return keywords
}

// similarityMatrix computes pairwise cosine similarity, one row per task.
func (b *Builder) similarityMatrix(ms []memory.Memory) [][]float64 {
	rows := make([]int, len(ms))
	for i := range rows {
		rows[i] = i
	}
	mapper := iter.Mapper[int, []float64]{MaxGoroutines: b.cfg.Workers}
	return mapper.Map(rows, func(i *int) []float64 {
		row := make([]float64, len(ms))
		for j := range ms {
			if j == *i {
				row[j] = 1
				continue
			}
			row[j] = memmath.CosineSimilarity(ms[*i].Embedding, ms[j].Embedding)
		}
		return row
	})
}

// withEmbeddings keeps memories whose embedding matches the most common
// dimension.
func withEmbeddings(memories []memory.Memory) []memory.Memory {
	dims := make(map[int]int)
	for _, m := range memories {
		if len(m.Embedding) > 0 {
			dims[len(m.Embedding)]++
		}
	}
	best, bestCount := 0, 0
	for d, c := range dims {
		if c > bestCount || (c == bestCount && d > best) {
			best, bestCount = d, c
		}
	}
	var out []memory.Memory
	for _, m := range memories {
		if best > 0 && len(m.Embedding) == best {
			out = append(out, m)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
