package decay

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func aged(content string, days float64, tags []string, memoryType string) memory.Memory {
	created := now.Add(-time.Duration(days * 24 * float64(time.Hour)))
	m := memory.New(content, tags, memoryType, created)
	// keep the update time out of the access-boost windows
	m.UpdatedAt = created.Add(-365 * 24 * time.Hour)
	return m
}

func TestScoreAtAgeZero(t *testing.T) {
	s := NewScorer(DefaultConfig())
	score := s.Score(aged("fresh", 0, nil, ""), now, 0, time.Time{})

	assert.Equal(t, 1.0, score.DecayFactor)
	assert.Equal(t, 1.0, score.BaseImportance)
	assert.Equal(t, 1.0, score.ConnectionBoost)
	assert.Equal(t, 1.0, score.AccessBoost)
	assert.Equal(t, 1.0, score.TotalScore)
	assert.Equal(t, memory.TypeStandard, score.Metadata.MemoryType)
	assert.Equal(t, 30.0, score.Metadata.RetentionPeriod)
}

func TestDecayStrictlyDecreases(t *testing.T) {
	s := NewScorer(DefaultConfig())
	prev := 2.0
	for _, days := range []float64{0, 1, 5, 30, 90, 365} {
		score := s.Score(aged("same", days, nil, ""), now, 0, time.Time{})
		assert.Less(t, score.DecayFactor, prev, "age %v", days)
		assert.InDelta(t, math.Exp(-days/30), score.DecayFactor, 1e-9)
		prev = score.DecayFactor
	}
}

func TestBaseImportance(t *testing.T) {
	s := NewScorer(DefaultConfig())

	tagged := s.Score(aged("x", 0, []string{"draft", "important"}, ""), now, 0, time.Time{})
	assert.Equal(t, 1.5, tagged.BaseImportance)

	override := aged("y", 0, []string{"critical"}, "")
	override.Metadata[memory.MetaImportance] = 5.0
	assert.Equal(t, 2.0, s.Score(override, now, 0, time.Time{}).BaseImportance)

	negative := aged("z", 0, nil, "")
	negative.Metadata[memory.MetaImportance] = "-1"
	assert.Equal(t, 0.0, s.Score(negative, now, 0, time.Time{}).BaseImportance)
}

func TestBoosts(t *testing.T) {
	s := NewScorer(DefaultConfig())
	m := aged("boosted", 0, nil, "")

	score := s.Score(m, now, 3, now.Add(-2*time.Hour))
	assert.InDelta(t, 1.3, score.ConnectionBoost, 1e-9)
	assert.Equal(t, 1.5, score.AccessBoost)
	assert.InDelta(t, 1.95, score.TotalScore, 1e-9)

	assert.Equal(t, 1.2, AccessBoost(now, now.Add(-3*24*time.Hour)))
	assert.Equal(t, 1.1, AccessBoost(now, now.Add(-20*24*time.Hour)))
	assert.Equal(t, 1.0, AccessBoost(now, now.Add(-60*24*time.Hour)))
	assert.Equal(t, 1.0, AccessBoost(now, time.Time{}))
}

func TestAccessFallsBackToUpdatedAt(t *testing.T) {
	s := NewScorer(DefaultConfig())
	m := aged("recently edited", 10, nil, "")
	m.UpdatedAt = now.Add(-12 * time.Hour)

	score := s.Score(m, now, 0, time.Time{})
	assert.Equal(t, 1.5, score.AccessBoost)
}

func TestProtectedFloorAndNonNegative(t *testing.T) {
	s := NewScorer(DefaultConfig())
	memories := []memory.Memory{
		aged("ancient but critical", 3000, []string{"critical"}, ""),
		aged("ancient and ordinary", 3000, nil, memory.TypeTemporary),
	}
	scores := s.ScoreAll(memories, now, nil, nil)

	assert.Equal(t, ProtectedFloor, scores[0].TotalScore)
	assert.True(t, scores[0].Metadata.Protected)
	assert.GreaterOrEqual(t, scores[1].TotalScore, 0.0)
	assert.Less(t, scores[1].TotalScore, 0.01)
}

func TestApply(t *testing.T) {
	m := aged("persist me", 1, nil, "")
	score := NewScorer(DefaultConfig()).Score(m, now, 0, time.Time{})

	updated := Apply(m, score, now)
	assert.Equal(t, score.TotalScore, updated.Metadata[memory.MetaRelevance])
	assert.Equal(t, "2024-06-01T12:00:00Z", updated.Metadata["relevance_calculated_at"])
	assert.NotContains(t, m.Metadata, memory.MetaRelevance)
}
