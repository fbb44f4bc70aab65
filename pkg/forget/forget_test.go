package forget

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/decay"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func newEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ArchiveDir = t.TempDir()
	e, err := New(cfg, nil)
	require.NoError(t, err)
	return e
}

func aged(content, memoryType string, age time.Duration, tags ...string) memory.Memory {
	return memory.New(content, tags, memoryType, now.Add(-age))
}

func scoresFor(memories []memory.Memory, low ...string) []decay.RelevanceScore {
	lowSet := make(map[string]bool)
	for _, h := range low {
		lowSet[h] = true
	}
	out := make([]decay.RelevanceScore, len(memories))
	for i, m := range memories {
		out[i] = decay.RelevanceScore{MemoryHash: m.ContentHash, TotalScore: 1.0}
		if lowSet[m.ContentHash] {
			out[i].TotalScore = 0.05
		}
	}
	return out
}

func byHash(cands []Candidate) map[string]Candidate {
	out := make(map[string]Candidate)
	for _, c := range cands {
		out[c.Memory.ContentHash] = c
	}
	return out
}

func TestIdentify(t *testing.T) {
	e := newEngine(t)

	tempOld := aged("Scratch note about the staging rollout plan", memory.TypeTemporary, 10*day)
	critical := aged("Scratch note about the production rollout plan", memory.TypeTemporary, 10*day, "critical")
	lowRel := aged("Meeting notes from the quarterly planning session", "", 20*day)
	short := aged("ok", "", 2*day)
	original := aged("Deploy the API gateway on Fridays only", "", 5*day)
	copied := aged("deploy the  API gateway on fridays only", "", 3*day)
	fresh := aged("Rotate the signing keys before the audit window closes", "", day)

	memories := []memory.Memory{tempOld, critical, lowRel, short, original, copied, fresh}
	cands := e.Identify(memories, scoresFor(memories, lowRel.ContentHash, critical.ContentHash), nil, horizon.Monthly, now)
	got := byHash(cands)

	require.Len(t, cands, 4)
	assert.NotContains(t, got, critical.ContentHash)
	assert.NotContains(t, got, original.ContentHash)
	assert.NotContains(t, got, fresh.ContentHash)

	c := got[tempOld.ContentHash]
	assert.Equal(t, []string{ReasonExpiredTemporary}, c.Reasons)
	assert.Equal(t, 1, c.ArchivePriority)
	assert.True(t, c.CanBeDeleted)

	c = got[lowRel.ContentHash]
	assert.Equal(t, []string{ReasonLowRelevance}, c.Reasons)
	assert.Equal(t, 2, c.ArchivePriority)
	assert.False(t, c.CanBeDeleted)

	c = got[short.ContentHash]
	assert.Contains(t, c.Reasons, ReasonLowQuality)
	assert.Equal(t, 2, c.ArchivePriority)

	c = got[copied.ContentHash]
	assert.Equal(t, []string{ReasonDuplicate}, c.Reasons)
	assert.Equal(t, original.ContentHash, c.DuplicateOf)
	assert.Equal(t, DuplicateExact, c.DuplicateKind)
	assert.True(t, c.CanBeDeleted)
}

func TestIdentifyDeletionOverrideByHorizon(t *testing.T) {
	e := newEngine(t)
	stale := aged("Notes on the legacy billing export format", "", 400*day)
	access := map[string]time.Time{stale.ContentHash: now.Add(-200 * day)}
	memories := []memory.Memory{stale}

	monthly := e.Identify(memories, scoresFor(memories), access, horizon.Monthly, now)
	require.Len(t, monthly, 1)
	assert.Equal(t, []string{ReasonOldAccess}, monthly[0].Reasons)
	assert.Equal(t, 1, monthly[0].ArchivePriority)
	assert.False(t, monthly[0].CanBeDeleted)

	yearly := e.Identify(memories, scoresFor(memories), access, horizon.Yearly, now)
	require.Len(t, yearly, 1)
	assert.True(t, yearly[0].CanBeDeleted)

	// moderately old access is priority 2
	access[stale.ContentHash] = now.Add(-100 * day)
	moderate := e.Identify(memories, scoresFor(memories), access, horizon.Yearly, now)
	require.Len(t, moderate, 1)
	assert.Equal(t, 2, moderate[0].ArchivePriority)
}

func TestIdentifyContainmentAndOverlap(t *testing.T) {
	e := newEngine(t)
	inner := aged("The cache layer must be invalidated after every schema migration", "", 2*day)
	outer := aged("Reminder: the cache layer must be invalidated after every schema migration, no exceptions", "", 4*day)
	a := aged("alpha beta gamma delta epsilon zeta eta theta iota kappa", "", 6*day)
	b := aged("alpha beta gamma delta epsilon lambda zeta eta theta iota kappa", "", 5*day)

	memories := []memory.Memory{inner, outer, a, b}
	got := byHash(e.Identify(memories, scoresFor(memories), nil, horizon.Monthly, now))

	require.Contains(t, got, inner.ContentHash)
	assert.Equal(t, DuplicateContainment, got[inner.ContentHash].DuplicateKind)
	assert.Equal(t, outer.ContentHash, got[inner.ContentHash].DuplicateOf)
	assert.NotContains(t, got, outer.ContentHash)

	// 10 of 11 words shared; the newer one is marked
	require.Contains(t, got, b.ContentHash)
	assert.Equal(t, DuplicateOverlap, got[b.ContentHash].DuplicateKind)
	assert.NotContains(t, got, a.ContentHash)
}

func TestIdentifyMarksOneCopyPerPair(t *testing.T) {
	e := newEngine(t)
	base := aged("The nightly backup job writes snapshots to the cold storage bucket", "", 10*day)
	extended := aged(base.Content+" nightly", "", 5*day)

	memories := []memory.Memory{base, extended}
	cands := e.Identify(memories, scoresFor(memories), nil, horizon.Monthly, now)

	// contained and overlapping at once; only the contained copy goes
	require.Len(t, cands, 1)
	assert.Equal(t, base.ContentHash, cands[0].Memory.ContentHash)
	assert.Equal(t, extended.ContentHash, cands[0].DuplicateOf)
	assert.Equal(t, DuplicateContainment, cands[0].DuplicateKind)
}

func TestIdentifyDuplicatesKeepTheirReferent(t *testing.T) {
	e := newEngine(t)

	t.Run("exact copies resolve to the oldest", func(t *testing.T) {
		middle := aged("Rotate the signing keys before the audit window closes", "", 4*day)
		newest := aged("rotate the signing keys before the audit window closes", "", 2*day)
		oldest := aged("Rotate the  signing keys before the audit window closes", "", 6*day)

		memories := []memory.Memory{middle, newest, oldest}
		got := byHash(e.Identify(memories, scoresFor(memories), nil, horizon.Monthly, now))
		require.Len(t, got, 2)
		assert.NotContains(t, got, oldest.ContentHash)
		assert.Equal(t, oldest.ContentHash, got[middle.ContentHash].DuplicateOf)
		assert.Equal(t, oldest.ContentHash, got[newest.ContentHash].DuplicateOf)
	})

	t.Run("chained overlap keeps the shared referent", func(t *testing.T) {
		x := aged("alpha beta gamma delta epsilon zeta eta theta iota kappa", "", 9*day)
		y := aged("alpha beta gamma delta epsilon zeta eta theta iota kappa lambda", "", 6*day)
		z := aged("beta gamma delta epsilon zeta eta theta iota kappa lambda mu", "", 3*day)

		memories := []memory.Memory{x, y, z}
		cands := e.Identify(memories, scoresFor(memories), nil, horizon.Monthly, now)
		got := byHash(cands)
		require.Len(t, got, 2)
		assert.NotContains(t, got, y.ContentHash)
		assert.Equal(t, DuplicateContainment, got[x.ContentHash].DuplicateKind)
		assert.Equal(t, DuplicateOverlap, got[z.ContentHash].DuplicateKind)
		for _, c := range cands {
			assert.Equal(t, y.ContentHash, c.DuplicateOf)
			assert.NotContains(t, got, c.DuplicateOf)
		}
	})
}

func TestIdentifySkipsGeneratedMemories(t *testing.T) {
	e := newEngine(t)
	ab := aged("Association between memories 1a2b3c and 4d5e6f (semantic, similarity 0.62)", memory.TypeAssociation, 3*day)
	ac := aged("Association between memories 1a2b3c and 7a8b9c (semantic, similarity 0.62)", memory.TypeAssociation, 2*day)
	summary := aged("Cluster summary: python tooling notes covering virtualenv, pytest and black", memory.TypeCompressedCluster, 2*day)
	again := aged("Cluster summary: python tooling notes covering virtualenv, pytest and black.", memory.TypeCompressedCluster, day)

	memories := []memory.Memory{ab, ac, summary, again}
	assert.Empty(t, e.Identify(memories, scoresFor(memories), nil, horizon.Monthly, now))
}

func TestIsFiller(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"filler word", "testing!!!", true},
		{"filler word mixed case", "Thanks.", true},
		{"lorem ipsum", "Lorem ipsum dolor sit amet, consectetur", true},
		{"punctuation only", "--- *** ___", true},
		{"repeated letter", "zzzzzzzzzzzz", true},
		{"repeated multibyte rune", "ééééé", true},
		{"four repeats", "zzzz", false},
		{"empty", "", false},
		{"filler word in a sentence", "testing the rollout", false},
		{"ordinary note", "Deploy the API gateway on Fridays only", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isFiller(tt.input))
		})
	}
}

func TestLowQuality(t *testing.T) {
	e := newEngine(t)
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"too short", "ok", true},
		{"mostly symbols", "!!!!!!!!!!!! ???", true},
		{"repetitive words", "the the the the the the", true},
		{"filler word", "testing!!!", true},
		{"lorem ipsum", "Lorem ipsum dolor sit amet, consectetur", true},
		{"repeated letter", "zzzzzzzzzzzz", true},
		{"ordinary note", "Rotate the signing keys before the audit window closes", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.lowQuality(tt.content))
		})
	}

	m := aged("zzzzzzzzzzzz", "", day)
	cands := e.Identify([]memory.Memory{m}, scoresFor([]memory.Memory{m}), nil, horizon.Monthly, now)
	require.Len(t, cands, 1)
	assert.Equal(t, []string{ReasonLowQuality}, cands[0].Reasons)
}

func TestProcessAndRecover(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	tempOld := aged("Scratch note about the staging rollout plan", memory.TypeTemporary, 10*day)
	lowRel := aged("Meeting notes from the quarterly planning session", "", 20*day, "meetings")
	verbose := aged("The indexer crashed twice overnight. We traced it to the ParseHeader function. Memory use spiked during the nightly batch. Restarting the worker cleared it.", "", 30*day)

	memories := []memory.Memory{tempOld, lowRel}
	cands := e.Identify(memories, scoresFor(memories, lowRel.ContentHash), nil, horizon.Monthly, now)
	require.Len(t, cands, 2)
	cands = append(cands, Candidate{Memory: verbose, Reasons: []string{ReasonLowRelevance}, ArchivePriority: 3})

	results := e.Process(ctx, cands, now)
	require.Len(t, results, 3)
	actions := make(map[string]Result)
	for _, r := range results {
		actions[r.MemoryHash] = r
		assert.NotEmpty(t, r.ArchivePath)
		assert.FileExists(t, r.ArchivePath)
		assert.Contains(t, filepath.Base(r.ArchivePath), r.MemoryHash[:12])
	}

	assert.Equal(t, ActionDeleted, actions[tempOld.ContentHash].Action)
	assert.Equal(t, ActionArchived, actions[lowRel.ContentHash].Action)

	backup, err := os.ReadFile(actions[tempOld.ContentHash].ArchivePath)
	require.NoError(t, err)
	assert.Contains(t, string(backup), tempOld.ContentHash)
	assert.Contains(t, string(backup), "deletion_metadata")

	comp := actions[verbose.ContentHash]
	require.Equal(t, ActionCompressed, comp.Action)
	require.NotNil(t, comp.Compressed)
	assert.Equal(t, memory.TypeCompressed, comp.Compressed.MemoryType)
	assert.Equal(t, verbose.ContentHash, comp.Compressed.Metadata["original_hash"])
	assert.Less(t, len(comp.Compressed.Content), len(verbose.Content)+40)
	assert.True(t, strings.HasPrefix(comp.Compressed.Content, "The indexer crashed twice overnight."))

	for _, m := range []memory.Memory{tempOld, lowRel, verbose} {
		got, err := e.Recover(m.ContentHash)
		require.NoError(t, err)
		assert.Equal(t, m.Content, got.Content)
		assert.Equal(t, m.Tags, got.Tags)
	}

	_, err = e.Recover("0000000000000000")
	assert.ErrorIs(t, err, ErrNotArchived)

	stats, err := e.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalActions)
	assert.Equal(t, 1, stats.ByAction["deleted"])
	assert.Equal(t, 1, stats.ByAction["archived"])
	assert.Equal(t, 1, stats.ByAction["compressed"])
	assert.Equal(t, 3, stats.ByMonth["2024-06"])
	assert.Equal(t, 3, stats.ArchiveFiles)
	assert.Positive(t, stats.ArchiveBytes)
	assert.True(t, now.Equal(stats.FirstAction))
}

func TestRecoverWithoutLog(t *testing.T) {
	e := newEngine(t)
	m := aged("Meeting notes from the quarterly planning session", "", 20*day)
	results := e.Process(context.Background(), []Candidate{{Memory: m, Reasons: []string{ReasonLowRelevance}, ArchivePriority: 2}}, now)
	require.Equal(t, ActionArchived, results[0].Action)

	require.NoError(t, os.Remove(e.dirs.logPath()))
	got, err := e.Recover(m.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
}

func TestProcessSkipsWhenBackupFails(t *testing.T) {
	e := newEngine(t)
	daily := filepath.Join(e.cfg.ArchiveDir, dirDaily)
	require.NoError(t, os.RemoveAll(daily))
	require.NoError(t, os.WriteFile(daily, []byte("not a directory"), 0o644))

	m := aged("Scratch note about the staging rollout plan", memory.TypeTemporary, 10*day)
	results := e.Process(context.Background(), []Candidate{{
		Memory:          m,
		Reasons:         []string{ReasonExpiredTemporary},
		ArchivePriority: 1,
		CanBeDeleted:    true,
	}}, now)

	require.Len(t, results, 1)
	assert.Equal(t, ActionSkipped, results[0].Action)
	assert.NotEmpty(t, results[0].Error)
}

func TestArchiveFilenamesDoNotCollide(t *testing.T) {
	e := newEngine(t)
	m := aged("Meeting notes from the quarterly planning session", "", 20*day)
	c := Candidate{Memory: m, Reasons: []string{ReasonLowRelevance}, ArchivePriority: 2}

	results := e.Process(context.Background(), []Candidate{c, c}, now)
	require.Len(t, results, 2)
	assert.NotEqual(t, results[0].ArchivePath, results[1].ArchivePath)
}

func TestCompressContent(t *testing.T) {
	got := CompressContent("First point here. Middle detail about snake_case_name. Last point here.")
	assert.True(t, strings.HasPrefix(got, "First point here. ... Last point here."))
	assert.Contains(t, got, "snake_case_name")

	assert.Equal(t, "Single sentence only. [Key terms: sentence, single]", CompressContent("Single sentence only."))
}

func TestNewRequiresArchiveDir(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrNoArchiveDir)
}
