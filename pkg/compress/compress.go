// Package compress condenses a cluster of related memories into a single
// summary memory of type compressed_cluster.
package compress

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/cluster"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/text"
)

// TruncationMarker ends a summary that was cut to the maximum length.
const TruncationMarker = "... [truncated]"

// maxRepresentatives bounds how many member sentences a summary quotes.
const maxRepresentatives = 3

// Config holds compressor settings.
type Config struct {
	// MaxSummaryLength caps the summary in bytes. Default: 500.
	MaxSummaryLength int

	// MaxKeyConcepts caps the extracted concepts. Default: 15.
	MaxKeyConcepts int

	// MaxTags caps the original tags carried over. Default: 10.
	MaxTags int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSummaryLength: 500,
		MaxKeyConcepts:   15,
		MaxTags:          10,
	}
}

// TemporalSpan is the creation time range covered by a cluster.
type TemporalSpan struct {
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
	SpanDays    float64   `json:"span_days"`
	Description string    `json:"span_description"`
}

// Result is the outcome of compressing one cluster.
type Result struct {
	ClusterID         string        `json:"cluster_id"`
	Memory            memory.Memory `json:"compressed_memory"`
	CompressionRatio  float64       `json:"compression_ratio"`
	KeyConcepts       []string      `json:"key_concepts"`
	TemporalSpan      TemporalSpan  `json:"temporal_span"`
	SourceMemoryCount int           `json:"source_memory_count"`
	OriginalLength    int           `json:"original_length"`
}

// Compressor builds summary memories. It holds no mutable state.
type Compressor struct {
	cfg Config
}

// New creates a compressor, filling zero fields with defaults.
func New(cfg Config) *Compressor {
	def := DefaultConfig()
	if cfg.MaxSummaryLength <= 0 {
		cfg.MaxSummaryLength = def.MaxSummaryLength
	}
	if cfg.MaxSummaryLength < len(TruncationMarker)+1 {
		cfg.MaxSummaryLength = len(TruncationMarker) + 1
	}
	if cfg.MaxKeyConcepts <= 0 {
		cfg.MaxKeyConcepts = def.MaxKeyConcepts
	}
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = def.MaxTags
	}
	return &Compressor{cfg: cfg}
}

// Compress summarises each cluster. Clusters with fewer than two members
// present in memories are skipped.
func (c *Compressor) Compress(clusters []cluster.Cluster, memories []memory.Memory, now time.Time) []Result {
	byHash := make(map[string]memory.Memory, len(memories))
	for _, m := range memories {
		byHash[m.ContentHash] = m
	}

	var out []Result
	for _, cl := range clusters {
		var members []memory.Memory
		for _, h := range cl.MemoryHashes {
			if m, ok := byHash[h]; ok {
				members = append(members, m)
			}
		}
		if len(members) < 2 {
			continue
		}
		out = append(out, c.compress(cl, members, now))
	}
	return out
}

func (c *Compressor) compress(cl cluster.Cluster, members []memory.Memory, now time.Time) Result {
	concepts := c.KeyConcepts(cl.ThemeKeywords, members)
	span := Span(members)
	summary := c.summarize(members, concepts, span)

	original := 0
	hashes := make([]string, len(members))
	for i, m := range members {
		original += len(m.Content)
		hashes[i] = m.ContentHash
	}
	ratio := 0.0
	if original > 0 {
		ratio = float64(len(summary)) / float64(original)
	}

	var tags []string
	for _, m := range members {
		tags = append(tags, m.Tags...)
	}
	tags = append(text.TopStrings(tags, c.cfg.MaxTags, 1), "cluster", "compressed")

	m := memory.New(summary, dedupe(tags), memory.TypeCompressedCluster, now)
	m.Embedding = append([]float32(nil), cl.Centroid...)
	m.Metadata["cluster_id"] = cl.ID
	m.Metadata[memory.MetaSourceHashes] = hashes
	m.Metadata["source_memory_count"] = len(members)
	m.Metadata["compression_ratio"] = ratio
	m.Metadata["key_concepts"] = concepts
	m.Metadata["theme_keywords"] = cl.ThemeKeywords
	m.Metadata["coherence_score"] = cl.Coherence
	m.Metadata["temporal_span"] = map[string]interface{}{
		"start_time":       span.Start.UTC().Format(time.RFC3339),
		"end_time":         span.End.UTC().Format(time.RFC3339),
		"span_days":        span.SpanDays,
		"span_description": span.Description,
	}

	return Result{
		ClusterID:         cl.ID,
		Memory:            m,
		CompressionRatio:  ratio,
		KeyConcepts:       concepts,
		TemporalSpan:      span,
		SourceMemoryCount: len(members),
		OriginalLength:    original,
	}
}

// KeyConcepts combines the theme keywords, pattern-derived identifiers,
// recurring capitalised or quoted terms, and content words seen at least
// twice, capped at MaxKeyConcepts.
func (c *Compressor) KeyConcepts(themes []string, members []memory.Memory) []string {
	var identifiers, named, contents []string
	for _, m := range members {
		identifiers = append(identifiers, text.ExtractConcepts(m.Content).Identifiers()...)
		named = append(named, text.CapitalizedTerms(m.Content)...)
		for _, q := range text.QuotedPhrases(m.Content) {
			named = append(named, strings.ToLower(q))
		}
		contents = append(contents, m.Content)
	}

	n := c.cfg.MaxKeyConcepts
	var out []string
	out = append(out, themes...)
	out = append(out, text.TopStrings(identifiers, n, 1)...)
	out = append(out, text.TopStrings(named, n, 2)...)
	out = append(out, text.TopTerms(contents, n, 2)...)
	out = dedupe(out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// summarize renders the overview, the representative sentences and the
// concept list, then truncates to MaxSummaryLength.
func (c *Compressor) summarize(members []memory.Memory, concepts []string, span TemporalSpan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cluster of %d related memories spanning %s", len(members), span.Description)
	if len(concepts) > 0 {
		fmt.Fprintf(&b, ", centered on %s", strings.Join(concepts[:min(3, len(concepts))], ", "))
	}
	b.WriteString(".")

	for _, s := range representatives(members, concepts) {
		b.WriteString(" ")
		b.WriteString(s)
	}
	if len(concepts) > 0 {
		fmt.Fprintf(&b, " Key concepts: %s.", strings.Join(concepts, ", "))
	}
	return truncate(b.String(), c.cfg.MaxSummaryLength)
}

// representatives picks sentences greedily by how many not yet covered
// concepts each mentions. Earlier sentences win ties.
func representatives(members []memory.Memory, concepts []string) []string {
	var sentences []string
	for _, m := range members {
		sentences = append(sentences, text.Sentences(m.Content)...)
	}
	covered := make(map[string]bool)
	used := make([]bool, len(sentences))

	var out []string
	for len(out) < maxRepresentatives {
		best, bestGain := -1, 0
		for i, s := range sentences {
			if used[i] {
				continue
			}
			lower := strings.ToLower(s)
			gain := 0
			for _, k := range concepts {
				if !covered[k] && strings.Contains(lower, k) {
					gain++
				}
			}
			if gain > bestGain {
				best, bestGain = i, gain
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		lower := strings.ToLower(sentences[best])
		for _, k := range concepts {
			if strings.Contains(lower, k) {
				covered[k] = true
			}
		}
		out = append(out, sentences[best])
	}
	return out
}

// truncate cuts s to at most limit bytes on a rune boundary and appends
// TruncationMarker when anything was removed.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len(TruncationMarker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " ,.") + TruncationMarker
}

// Span computes the creation time range of members.
func Span(members []memory.Memory) TemporalSpan {
	if len(members) == 0 {
		return TemporalSpan{}
	}
	start, end := members[0].CreatedAt, members[0].CreatedAt
	for _, m := range members[1:] {
		if m.CreatedAt.Before(start) {
			start = m.CreatedAt
		}
		if m.CreatedAt.After(end) {
			end = m.CreatedAt
		}
	}
	days := end.Sub(start).Hours() / 24
	return TemporalSpan{Start: start, End: end, SpanDays: days, Description: describeSpan(days)}
}

func describeSpan(days float64) string {
	switch {
	case days < 1:
		return "the same day"
	case days < 7:
		return plural(int(days), "day")
	case days < 30:
		return plural(int(days/7), "week")
	case days < 365:
		return plural(int(days/30), "month")
	}
	return plural(int(days/365), "year")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
