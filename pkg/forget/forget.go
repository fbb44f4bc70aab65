// Package forget decides which low-value memories to archive, compress or
// delete, and keeps a recoverable JSON archive of every action it takes.
package forget

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/decay"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
	memmath "github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/math"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/text"
)

var (
	// ErrNotArchived is returned by Recover when no archive holds the hash.
	ErrNotArchived = errors.New("memory not found in archive")
	// ErrNoArchiveDir is returned by New without an archive directory.
	ErrNoArchiveDir = errors.New("archive directory is required")
)

// Forgetting reasons.
const (
	ReasonLowRelevance     = "low_relevance"
	ReasonOldAccess        = "old_access"
	ReasonExpiredTemporary = "expired_temporary"
	ReasonLowQuality       = "low_quality_content"
	ReasonDuplicate        = "potential_duplicate"
)

// Action is what the engine did with a candidate.
type Action string

const (
	ActionArchived   Action = "archived"
	ActionCompressed Action = "compressed"
	ActionDeleted    Action = "deleted"
	ActionSkipped    Action = "skipped"
)

// Duplicate kinds recorded in candidate details.
const (
	DuplicateExact       = "exact"
	DuplicateContainment = "containment"
	DuplicateOverlap     = "word_overlap"
)

var fillerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(test|testing|hello|hi|hey|ok|okay|yes|no|thanks|todo|tbd|n/a|asdf|foo|bar|baz)[.!?]*$`),
	regexp.MustCompile(`(?i)^lorem ipsum\b`),
	regexp.MustCompile(`^[\W_]+$`),
}

// Config holds forgetting engine settings.
type Config struct {
	// RelevanceThreshold marks scores below it as low relevance. Default: 0.1.
	RelevanceThreshold float64

	// AccessThresholdDays marks memories not accessed for longer. Default: 90.
	AccessThresholdDays float64

	// TemporaryExpiryDays is the age after which temporary memories expire. Default: 7.
	TemporaryExpiryDays float64

	// MinContentLength is the shortest content not judged low quality. Default: 10.
	MinContentLength int

	// ProtectedTags are never forgotten. Default: memory.ProtectedTags.
	ProtectedTags []string

	// ArchiveDir is the root of the archive tree. Required.
	ArchiveDir string

	// Workers bounds the duplicate scan fan-out. Default: 4.
	Workers int
}

// DefaultConfig returns sensible defaults. ArchiveDir still has to be set.
func DefaultConfig() Config {
	return Config{
		RelevanceThreshold:  0.1,
		AccessThresholdDays: 90,
		TemporaryExpiryDays: 7,
		MinContentLength:    10,
		ProtectedTags:       memory.ProtectedTags,
		Workers:             4,
	}
}

// Candidate is a memory proposed for forgetting.
type Candidate struct {
	Memory          memory.Memory        `json:"memory"`
	Score           decay.RelevanceScore `json:"relevance_score"`
	Reasons         []string             `json:"forgetting_reasons"`
	ArchivePriority int                  `json:"archive_priority"`
	CanBeDeleted    bool                 `json:"can_be_deleted"`
	DaysSinceAccess float64              `json:"days_since_access"`
	DuplicateOf     string               `json:"duplicate_of,omitempty"`
	DuplicateKind   string               `json:"duplicate_kind,omitempty"`
}

// HasReason reports whether reason applies to the candidate.
func (c Candidate) HasReason(reason string) bool {
	return slices.Contains(c.Reasons, reason)
}

// Result records what happened to one candidate.
type Result struct {
	MemoryHash  string         `json:"memory_hash"`
	Action      Action         `json:"action_taken"`
	ArchivePath string         `json:"archive_path,omitempty"`
	Compressed  *memory.Memory `json:"compressed_version,omitempty"`
	Reasons     []string       `json:"reasons"`
	Error       string         `json:"error,omitempty"`
}

// Engine identifies and processes forgetting candidates.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	dirs   archiveDirs
}

// New creates an engine and its archive tree. A nil logger discards output.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	def := DefaultConfig()
	if cfg.RelevanceThreshold <= 0 {
		cfg.RelevanceThreshold = def.RelevanceThreshold
	}
	if cfg.AccessThresholdDays <= 0 {
		cfg.AccessThresholdDays = def.AccessThresholdDays
	}
	if cfg.TemporaryExpiryDays <= 0 {
		cfg.TemporaryExpiryDays = def.TemporaryExpiryDays
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = def.MinContentLength
	}
	if cfg.ProtectedTags == nil {
		cfg.ProtectedTags = def.ProtectedTags
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ArchiveDir == "" {
		return nil, ErrNoArchiveDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dirs := newArchiveDirs(cfg.ArchiveDir)
	if err := dirs.create(); err != nil {
		return nil, fmt.Errorf("creating archive tree: %w", err)
	}
	return &Engine{cfg: cfg, logger: logger, dirs: dirs}, nil
}

// Identify returns the forgetting candidates among memories for horizon h.
// Scores are matched by hash; a missing access entry falls back to the
// memory's UpdatedAt. Protected memories are never candidates.
func (e *Engine) Identify(memories []memory.Memory, scores []decay.RelevanceScore, access map[string]time.Time, h horizon.Horizon, now time.Time) []Candidate {
	byHash := make(map[string]decay.RelevanceScore, len(scores))
	for _, s := range scores {
		byHash[s.MemoryHash] = s
	}
	dups := e.findDuplicates(memories)

	var out []Candidate
	for i, m := range memories {
		if e.protected(m) {
			continue
		}
		score, scored := byHash[m.ContentHash]

		lastAccess, ok := access[m.ContentHash]
		if !ok || lastAccess.IsZero() {
			lastAccess = m.UpdatedAt
		}
		daysSinceAccess := now.Sub(lastAccess).Hours() / 24
		ageDays := now.Sub(m.CreatedAt).Hours() / 24

		c := Candidate{Memory: m, Score: score, DaysSinceAccess: daysSinceAccess}
		if scored && score.TotalScore < e.cfg.RelevanceThreshold {
			c.Reasons = append(c.Reasons, ReasonLowRelevance)
		}
		if daysSinceAccess > e.cfg.AccessThresholdDays {
			c.Reasons = append(c.Reasons, ReasonOldAccess)
		}
		if m.Type() == memory.TypeTemporary && ageDays > e.cfg.TemporaryExpiryDays {
			c.Reasons = append(c.Reasons, ReasonExpiredTemporary)
		}
		if e.lowQuality(m.Content) {
			c.Reasons = append(c.Reasons, ReasonLowQuality)
		}
		if d := dups[i]; d.of != "" {
			c.Reasons = append(c.Reasons, ReasonDuplicate)
			c.DuplicateOf, c.DuplicateKind = d.of, d.kind
		}
		if len(c.Reasons) == 0 {
			continue
		}

		c.ArchivePriority, c.CanBeDeleted = e.priority(c)
		if !h.BroadDeletion() {
			c.CanBeDeleted = c.HasReason(ReasonExpiredTemporary) || c.HasReason(ReasonDuplicate)
		}
		out = append(out, c)
	}
	return out
}

// priority ranks a candidate from 1 (act first) to 3 and decides whether
// it may be deleted outright.
func (e *Engine) priority(c Candidate) (int, bool) {
	switch {
	case c.HasReason(ReasonOldAccess) && c.DaysSinceAccess > 2*e.cfg.AccessThresholdDays,
		c.HasReason(ReasonExpiredTemporary),
		c.HasReason(ReasonDuplicate):
		return 1, true
	case c.HasReason(ReasonLowRelevance),
		c.HasReason(ReasonOldAccess),
		c.HasReason(ReasonLowQuality):
		return 2, false
	}
	return 3, false
}

func (e *Engine) protected(m memory.Memory) bool {
	for _, t := range e.cfg.ProtectedTags {
		if m.HasTag(t) {
			return true
		}
	}
	return false
}

// lowQuality flags content that is too short, mostly non-alphabetic, highly
// repetitive or a known filler phrase.
func (e *Engine) lowQuality(content string) bool {
	s := strings.TrimSpace(content)
	if len(s) < e.cfg.MinContentLength {
		return true
	}
	if text.AlphaRatio(s) < 0.3 {
		return true
	}
	if len(text.Words(s)) >= 5 && text.UniqueRatio(s) < 0.5 {
		return true
	}
	return isFiller(s)
}

func isFiller(s string) bool {
	if repeatedRune(s) {
		return true
	}
	for _, re := range fillerPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// repeatedRune reports whether s is at least five copies of a single rune.
func repeatedRune(s string) bool {
	var (
		first rune
		n     int
	)
	for i, r := range s {
		if i == 0 {
			first = r
		} else if r != first {
			return false
		}
		n++
	}
	return n >= 5
}

type duplicate struct {
	of   string
	kind string
}

// match is one duplicate relation: loser duplicates keeper.
type match struct {
	loser, keeper int
	kind          string
}

// findDuplicates marks, for each memory, the memory it duplicates. Each
// pair yields at most one loser: the contained copy for containment,
// otherwise the newer copy. A memory that another one was marked against
// is kept, so every marked duplicate points at a surviving memory.
// Associations and cluster summaries are skipped; their content is
// generated and near-identical by construction.
func (e *Engine) findDuplicates(memories []memory.Memory) []duplicate {
	norm := make([]string, len(memories))
	words := make([]map[string]struct{}, len(memories))
	var idx []int
	for i, m := range memories {
		if systemGenerated(m) {
			continue
		}
		norm[i] = strings.Join(strings.Fields(strings.ToLower(m.Content)), " ")
		words[i] = text.WordSet(m.Content)
		idx = append(idx, i)
	}
	newer := func(i, j int) bool {
		a, b := memories[i], memories[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ContentHash > b.ContentHash
		}
		return a.CreatedAt.After(b.CreatedAt)
	}
	// byAge orders i and j as (newer, older).
	byAge := func(i, j int) (int, int) {
		if newer(i, j) {
			return i, j
		}
		return j, i
	}

	// Oldest first, so exact and overlapping copies resolve to the oldest.
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case newer(b, a):
			return -1
		case newer(a, b):
			return 1
		}
		return 0
	})

	pos := make([]int, len(idx))
	for p := range pos {
		pos[p] = p
	}
	mapper := iter.Mapper[int, []match]{MaxGoroutines: e.cfg.Workers}
	perMemory := mapper.Map(pos, func(pp *int) []match {
		i := idx[*pp]
		var out []match
		for _, j := range idx[*pp+1:] {
			if memories[i].ContentHash == memories[j].ContentHash {
				continue
			}
			switch {
			case norm[i] == norm[j]:
				loser, keeper := byAge(i, j)
				out = append(out, match{loser, keeper, DuplicateExact})
			case contains(norm[j], norm[i]):
				out = append(out, match{i, j, DuplicateContainment})
			case contains(norm[i], norm[j]):
				out = append(out, match{j, i, DuplicateContainment})
			case memmath.Jaccard(words[i], words[j]) > 0.8:
				loser, keeper := byAge(i, j)
				out = append(out, match{loser, keeper, DuplicateOverlap})
			}
		}
		return out
	})

	dups := make([]duplicate, len(memories))
	keepers := make(map[int]bool)
	for _, matches := range perMemory {
		for _, mt := range matches {
			if dups[mt.loser].of != "" || dups[mt.keeper].of != "" || keepers[mt.loser] {
				continue
			}
			dups[mt.loser] = duplicate{of: memories[mt.keeper].ContentHash, kind: mt.kind}
			keepers[mt.keeper] = true
		}
	}
	return dups
}

// contains reports whether inner is a strictly shorter substring of outer
// long enough to count as a containment duplicate.
func contains(outer, inner string) bool {
	return len(inner) > 50 && len(inner) < len(outer) && strings.Contains(outer, inner)
}

func systemGenerated(m memory.Memory) bool {
	switch m.Type() {
	case memory.TypeAssociation, memory.TypeCompressedCluster:
		return true
	}
	return false
}
