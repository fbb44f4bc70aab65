// Package decay scores how relevant each memory still is. The score is the
// memory's base importance decayed exponentially with age, then boosted by
// its association count and how recently it was accessed.
//
//	total = importance * exp(-age/retention) * (1 + 0.1*connections) * access
package decay

import (
	"math"
	"strconv"
	"time"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
)

// ProtectedFloor is the minimum total score of a protected memory.
const ProtectedFloor = 0.5

// Config holds scorer settings.
type Config struct {
	// RetentionPeriods maps memory type to its retention period in days.
	RetentionPeriods map[string]float64

	// DefaultRetention applies to types missing from RetentionPeriods. Default: 30.
	DefaultRetention float64

	// TagImportance maps tags to base importance. The highest matching tag wins.
	TagImportance map[string]float64

	// ProtectedTags receive the ProtectedFloor.
	ProtectedTags []string

	// ConnectionWeight is the boost per association. Default: 0.1.
	ConnectionWeight float64
}

// DefaultConfig returns the standard retention and importance tables.
func DefaultConfig() Config {
	return Config{
		RetentionPeriods: map[string]float64{
			"critical":                   365,
			"reference":                  180,
			memory.TypeStandard:          30,
			memory.TypeTemporary:         7,
			memory.TypeAssociation:       90,
			memory.TypeCompressed:        180,
			memory.TypeCompressedCluster: 180,
		},
		DefaultRetention: 30,
		TagImportance: map[string]float64{
			"critical":  2.0,
			"permanent": 2.0,
			"important": 1.5,
			"urgent":    1.5,
			"reference": 1.3,
			"standard":  1.0,
			"draft":     0.8,
			"temporary": 0.7,
		},
		ProtectedTags:    memory.ProtectedTags,
		ConnectionWeight: 0.1,
	}
}

// ScoreMetadata carries the diagnostic inputs behind a score.
type ScoreMetadata struct {
	AgeDays         float64 `json:"age_days"`
	MemoryType      string  `json:"memory_type"`
	RetentionPeriod float64 `json:"retention_period"`
	ConnectionCount int     `json:"connection_count"`
	Protected       bool    `json:"is_protected"`
}

// RelevanceScore is the decomposed relevance of one memory at one point in time.
type RelevanceScore struct {
	MemoryHash      string        `json:"memory_hash"`
	TotalScore      float64       `json:"total_score"`
	BaseImportance  float64       `json:"base_importance"`
	DecayFactor     float64       `json:"decay_factor"`
	ConnectionBoost float64       `json:"connection_boost"`
	AccessBoost     float64       `json:"access_boost"`
	Metadata        ScoreMetadata `json:"metadata"`
}

// Scorer computes relevance scores. It holds no mutable state.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer, filling zero config fields with defaults.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.RetentionPeriods == nil {
		cfg.RetentionPeriods = def.RetentionPeriods
	}
	if cfg.DefaultRetention <= 0 {
		cfg.DefaultRetention = def.DefaultRetention
	}
	if cfg.TagImportance == nil {
		cfg.TagImportance = def.TagImportance
	}
	if cfg.ProtectedTags == nil {
		cfg.ProtectedTags = def.ProtectedTags
	}
	if cfg.ConnectionWeight <= 0 {
		cfg.ConnectionWeight = def.ConnectionWeight
	}
	return &Scorer{cfg: cfg}
}

// ScoreAll scores every memory against now. Missing connection or access
// entries count as zero connections and no recorded access.
func (s *Scorer) ScoreAll(memories []memory.Memory, now time.Time, connections map[string]int, access map[string]time.Time) []RelevanceScore {
	out := make([]RelevanceScore, len(memories))
	for i, m := range memories {
		out[i] = s.Score(m, now, connections[m.ContentHash], access[m.ContentHash])
	}
	return out
}

// Score computes the relevance of m at now. A zero lastAccess falls back to
// the memory's UpdatedAt.
func (s *Scorer) Score(m memory.Memory, now time.Time, connections int, lastAccess time.Time) RelevanceScore {
	ageDays := math.Max(0, now.Sub(m.CreatedAt).Hours()/24)
	retention := s.retention(m.Type())
	importance := s.baseImportance(m)
	decayFactor := math.Exp(-ageDays / retention)
	connBoost := 1 + s.cfg.ConnectionWeight*float64(max(connections, 0))

	if lastAccess.IsZero() {
		lastAccess = m.UpdatedAt
	}
	accessBoost := AccessBoost(now, lastAccess)

	protected := s.protected(m)
	total := importance * decayFactor * connBoost * accessBoost
	if protected && total < ProtectedFloor {
		total = ProtectedFloor
	}

	return RelevanceScore{
		MemoryHash:      m.ContentHash,
		TotalScore:      total,
		BaseImportance:  importance,
		DecayFactor:     decayFactor,
		ConnectionBoost: connBoost,
		AccessBoost:     accessBoost,
		Metadata: ScoreMetadata{
			AgeDays:         ageDays,
			MemoryType:      m.Type(),
			RetentionPeriod: retention,
			ConnectionCount: connections,
			Protected:       protected,
		},
	}
}

// AccessBoost rewards recent access: 1.5 within a day, 1.2 within a week,
// 1.1 within 30 days, otherwise 1.0. A zero time gets no boost.
func AccessBoost(now, lastAccess time.Time) float64 {
	if lastAccess.IsZero() {
		return 1.0
	}
	days := now.Sub(lastAccess).Hours() / 24
	switch {
	case days <= 1:
		return 1.5
	case days <= 7:
		return 1.2
	case days <= 30:
		return 1.1
	}
	return 1.0
}

// Apply returns a copy of m with the score written into its metadata.
func Apply(m memory.Memory, score RelevanceScore, now time.Time) memory.Memory {
	c := m.Clone()
	c.Metadata[memory.MetaRelevance] = score.TotalScore
	c.Metadata["relevance_calculated_at"] = now.UTC().Format(time.RFC3339)
	c.Metadata["decay_factor"] = score.DecayFactor
	c.Metadata["connection_boost"] = score.ConnectionBoost
	c.Metadata["access_boost"] = score.AccessBoost
	return c
}

func (s *Scorer) retention(memoryType string) float64 {
	if days, ok := s.cfg.RetentionPeriods[memoryType]; ok && days > 0 {
		return days
	}
	return s.cfg.DefaultRetention
}

func (s *Scorer) baseImportance(m memory.Memory) float64 {
	if v, ok := importanceOverride(m.Metadata[memory.MetaImportance]); ok {
		return math.Max(0, math.Min(2, v))
	}
	best, found := 0.0, false
	for _, t := range m.Tags {
		if v, ok := s.cfg.TagImportance[t]; ok && (!found || v > best) {
			best, found = v, true
		}
	}
	if found {
		return best
	}
	return 1.0
}

func (s *Scorer) protected(m memory.Memory) bool {
	for _, t := range s.cfg.ProtectedTags {
		if m.HasTag(t) {
			return true
		}
	}
	return false
}

func importanceOverride(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
