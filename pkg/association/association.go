// Package association discovers non-obvious connections between memories.
//
// Pairs are sampled at random and kept only when their similarity falls in a
// middle band: close enough to be related, far enough not to be duplicates.
// Each kept pair is explained by the reasons the two memories connect
// (shared tags, time, concepts, structure, complementary framing).
package association

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/iter"

	memmath "github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/math"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/text"
)

// ErrInvalidBand is returned by Validate when the similarity band is empty.
var ErrInvalidBand = errors.New("min_similarity must not exceed max_similarity")

// DiscoveryMethod labels associations found by this package.
const DiscoveryMethod = "creative_association"

// Connection reasons.
const (
	ReasonSharedTags    = "shared_tags"
	ReasonTemporal      = "temporal_proximity"
	ReasonConcepts      = "shared_concepts"
	ReasonStructure     = "similar_structure"
	ReasonComplementary = "complementary_content"
	ReasonSemantic      = "semantic_similarity"
)

// Config holds discoverer settings.
type Config struct {
	// MinSimilarity and MaxSimilarity bound the kept band. Default: 0.3 to 0.7.
	MinSimilarity float64
	MaxSimilarity float64

	// MaxPairsPerRun caps how many pairs are sampled. Default: 100.
	MaxPairsPerRun int

	// MinConfidence discards weaker associations. Default: 0.3.
	MinConfidence float64

	// Workers bounds the similarity fan-out. Default: 4.
	Workers int

	// Seed fixes the sampling order; zero seeds from the clock.
	Seed uint64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinSimilarity:  0.3,
		MaxSimilarity:  0.7,
		MaxPairsPerRun: 100,
		MinConfidence:  0.3,
		Workers:        4,
	}
}

// Validate checks the band and limits.
func (c Config) Validate() error {
	if c.MinSimilarity > c.MaxSimilarity {
		return ErrInvalidBand
	}
	if c.MinSimilarity < 0 || c.MaxSimilarity > 1 {
		return fmt.Errorf("similarity band [%v, %v] outside [0, 1]", c.MinSimilarity, c.MaxSimilarity)
	}
	if c.MaxPairsPerRun <= 0 {
		return fmt.Errorf("max_pairs_per_run must be positive, got %d", c.MaxPairsPerRun)
	}
	return nil
}

// Association is a discovered edge between two memories.
type Association struct {
	SourceHashes    [2]string              `json:"source_memory_hashes"`
	Similarity      float64                `json:"similarity_score"`
	ConnectionType  string                 `json:"connection_type"`
	DiscoveryMethod string                 `json:"discovery_method"`
	DiscoveryDate   time.Time              `json:"discovery_date"`
	Confidence      float64                `json:"confidence"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// PairSet holds unordered pairs of content hashes.
type PairSet map[string]struct{}

// PairKey is the order-independent key for a pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Add records a pair.
func (p PairSet) Add(a, b string) { p[PairKey(a, b)] = struct{}{} }

// Has reports whether a pair is recorded.
func (p PairSet) Has(a, b string) bool {
	_, ok := p[PairKey(a, b)]
	return ok
}

// KnownPairs rebuilds the pair set from stored association memories.
func KnownPairs(memories []memory.Memory) PairSet {
	set := make(PairSet)
	for _, m := range memories {
		if m.Type() != memory.TypeAssociation {
			continue
		}
		hashes := memory.SourceHashes(m)
		if len(hashes) == 2 {
			set.Add(hashes[0], hashes[1])
		}
	}
	return set
}

// Discoverer finds associations. Safe for concurrent use.
type Discoverer struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDiscoverer creates a discoverer, filling zero fields with defaults.
func NewDiscoverer(cfg Config) *Discoverer {
	def := DefaultConfig()
	if cfg.MaxSimilarity == 0 {
		cfg.MinSimilarity, cfg.MaxSimilarity = def.MinSimilarity, def.MaxSimilarity
	}
	if cfg.MaxPairsPerRun <= 0 {
		cfg.MaxPairsPerRun = def.MaxPairsPerRun
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Discoverer{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

type pair struct{ a, b int }

type scoredPair struct {
	pair
	similarity float64
}

// Discover samples pairs from memories, skips those in known, and returns
// the associations whose similarity lies inside the configured band.
func (d *Discoverer) Discover(ctx context.Context, memories []memory.Memory, known PairSet, now time.Time) ([]Association, error) {
	if len(memories) < 2 {
		return nil, nil
	}

	var pairs []pair
	for _, p := range d.samplePairs(len(memories)) {
		if known != nil && known.Has(memories[p.a].ContentHash, memories[p.b].ContentHash) {
			continue
		}
		pairs = append(pairs, p)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mapper := iter.Mapper[pair, scoredPair]{MaxGoroutines: d.cfg.Workers}
	scored := mapper.Map(pairs, func(p *pair) scoredPair {
		return scoredPair{pair: *p, similarity: Similarity(memories[p.a], memories[p.b])}
	})

	var out []Association
	for _, sp := range scored {
		if sp.similarity < d.cfg.MinSimilarity || sp.similarity > d.cfg.MaxSimilarity {
			continue
		}
		a := d.analyze(memories[sp.a], memories[sp.b], sp.similarity, now)
		if a.Confidence < d.cfg.MinConfidence {
			continue
		}
		out = append(out, a)
	}
	return out, ctx.Err()
}

// samplePairs returns every pair when there are few enough, otherwise a
// random sample of distinct pairs of size MaxPairsPerRun.
func (d *Discoverer) samplePairs(n int) []pair {
	total := n * (n - 1) / 2
	if total <= d.cfg.MaxPairsPerRun {
		out := make([]pair, 0, total)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				out = append(out, pair{i, j})
			}
		}
		return out
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[pair]bool, d.cfg.MaxPairsPerRun)
	out := make([]pair, 0, d.cfg.MaxPairsPerRun)
	for len(out) < d.cfg.MaxPairsPerRun {
		i, j := d.rng.IntN(n), d.rng.IntN(n)
		if i == j {
			continue
		}
		if i > j {
			i, j = j, i
		}
		p := pair{i, j}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Similarity is the cosine similarity of the embeddings clamped to [0, 1],
// or the Jaccard overlap of the word sets when either embedding is missing.
func Similarity(a, b memory.Memory) float64 {
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		return math.Max(0, math.Min(1, memmath.CosineSimilarity(a.Embedding, b.Embedding)))
	}
	return memmath.Jaccard(text.WordSet(a.Content), text.WordSet(b.Content))
}

func (d *Discoverer) analyze(a, b memory.Memory, similarity float64, now time.Time) Association {
	var reasons []string

	sharedTags := intersect(a.Tags, b.Tags)
	if len(sharedTags) > 0 {
		reasons = append(reasons, ReasonSharedTags)
	}

	temporal := TemporalRelationship(a.CreatedAt, b.CreatedAt)
	if temporal == "same_day" || temporal == "same_week" || temporal == "same_month" {
		reasons = append(reasons, ReasonTemporal)
	}

	sharedConcepts := text.ExtractConcepts(a.Content).Shared(text.ExtractConcepts(b.Content))
	if len(sharedConcepts) > 0 {
		reasons = append(reasons, ReasonConcepts)
	}

	sa, sb := text.DetectStructure(a.Content), text.DetectStructure(b.Content)
	patterns := sa.SharedPatterns(sb)
	if len(patterns) > 0 {
		reasons = append(reasons, ReasonStructure)
	}
	complement, isComplement := sa.Complementary(sb)
	if isComplement {
		reasons = append(reasons, ReasonComplementary)
	}

	connectionType := ReasonSemantic
	if len(reasons) > 0 {
		connectionType = strings.Join(reasons, ",")
	}

	confidence := similarity +
		math.Min(0.3, 0.1*float64(len(reasons))) +
		math.Min(0.2, 0.05*float64(len(sharedConcepts))) +
		math.Min(0.1, 0.05*float64(len(sharedTags)))
	confidence = math.Min(1, confidence)

	meta := map[string]interface{}{
		"shared_concepts":       sharedConcepts,
		"temporal_relationship": temporal,
		"tag_overlap":           sharedTags,
		"confidence":            confidence,
	}
	if len(patterns) > 0 {
		meta["structural_patterns"] = patterns
	}
	if isComplement {
		meta["complementary"] = complement
	}

	return Association{
		SourceHashes:    [2]string{a.ContentHash, b.ContentHash},
		Similarity:      similarity,
		ConnectionType:  connectionType,
		DiscoveryMethod: DiscoveryMethod,
		DiscoveryDate:   now,
		Confidence:      confidence,
		Metadata:        meta,
	}
}

// TemporalRelationship buckets the gap between two creation times.
func TemporalRelationship(a, b time.Time) string {
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	switch {
	case gap <= 24*time.Hour:
		return "same_day"
	case gap <= 7*24*time.Hour:
		return "same_week"
	case gap <= 30*24*time.Hour:
		return "same_month"
	case gap <= 365*24*time.Hour:
		return "same_year"
	}
	return "distant"
}

// ToMemory renders the association as a storable memory of type association.
func (a Association) ToMemory() memory.Memory {
	hashes := []string{a.SourceHashes[0], a.SourceHashes[1]}
	sort.Strings(hashes)
	content := fmt.Sprintf("Association between memories %s and %s (%s, similarity %.2f)",
		hashes[0], hashes[1], a.ConnectionType, a.Similarity)

	m := memory.New(content, []string{"association", "discovered"}, memory.TypeAssociation, a.DiscoveryDate)
	for k, v := range a.Metadata {
		m.Metadata[k] = v
	}
	m.Metadata[memory.MetaSourceHashes] = hashes
	m.Metadata["similarity_score"] = a.Similarity
	m.Metadata["connection_type"] = a.ConnectionType
	m.Metadata["discovery_method"] = a.DiscoveryMethod
	m.Metadata["discovery_date"] = a.DiscoveryDate.UTC().Format(time.RFC3339)
	return m
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, x := range b {
		if set[x] && !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}
