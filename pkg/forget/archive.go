package forget

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/decay"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/text"
)

const (
	dirDaily      = "daily"
	dirCompressed = "compressed"
	dirMetadata   = "metadata"
	logFile       = "forgetting_log.jsonl"
	hashPrefixLen = 12
	fileTimestamp = "20060102T150405.000000000Z"
)

// ForgettingMetadata accompanies archived and compressed originals.
type ForgettingMetadata struct {
	Reasons         []string  `json:"reasons"`
	ArchivePriority int       `json:"archive_priority"`
	Action          Action    `json:"action"`
	ArchivedAt      time.Time `json:"archived_at"`
	DuplicateOf     string    `json:"duplicate_of,omitempty"`
	ReplacementHash string    `json:"replacement_hash,omitempty"`
}

// DeletionMetadata accompanies deletion backups.
type DeletionMetadata struct {
	Reasons         []string  `json:"reasons"`
	ArchivePriority int       `json:"archive_priority"`
	DeletedAt       time.Time `json:"deleted_at"`
	DuplicateOf     string    `json:"duplicate_of,omitempty"`
}

// Record is one archive document.
type Record struct {
	Memory             memory.Memory         `json:"memory"`
	RelevanceScore     *decay.RelevanceScore `json:"relevance_score,omitempty"`
	ForgettingMetadata *ForgettingMetadata   `json:"forgetting_metadata,omitempty"`
	DeletionMetadata   *DeletionMetadata     `json:"deletion_metadata,omitempty"`
}

// LogEntry is one line of the forgetting log.
type LogEntry struct {
	MemoryHash    string    `json:"memory_hash"`
	Action        Action    `json:"action"`
	ArchivePath   string    `json:"archive_path"`
	Timestamp     time.Time `json:"timestamp"`
	MemoryType    string    `json:"memory_type"`
	Tags          []string  `json:"tags"`
	ContentLength int       `json:"content_length"`
}

type archiveDirs struct {
	root string
	mu   *sync.Mutex
}

func newArchiveDirs(root string) archiveDirs {
	return archiveDirs{root: root, mu: &sync.Mutex{}}
}

func (d archiveDirs) create() error {
	for _, sub := range []string{dirDaily, dirCompressed, dirMetadata} {
		if err := os.MkdirAll(filepath.Join(d.root, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (d archiveDirs) logPath() string {
	return filepath.Join(d.root, dirMetadata, logFile)
}

// write stores rec under dir with a timestamp and hash-prefix filename,
// never overwriting an existing file.
func (d archiveDirs) write(dir, prefix string, rec Record, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	base := fmt.Sprintf("%s_%s_%s", prefix, now.UTC().Format(fileTimestamp), hashPrefix(rec.Memory.ContentHash))
	for n := 0; ; n++ {
		name := base + ".json"
		if n > 0 {
			name = fmt.Sprintf("%s-%d.json", base, n)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
}

func (d archiveDirs) dailyDir(now time.Time) string {
	return filepath.Join(d.root, dirDaily, now.UTC().Format("2006-01-02"))
}

func (d archiveDirs) appendLog(entry LogEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.OpenFile(d.logPath(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readLog returns every parseable log entry in file order. A missing log is
// an empty log.
func (d archiveDirs) readLog() ([]LogEntry, error) {
	f, err := os.Open(d.logPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e LogEntry
		if json.Unmarshal(sc.Bytes(), &e) == nil {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

func hashPrefix(hash string) string {
	if len(hash) > hashPrefixLen {
		return hash[:hashPrefixLen]
	}
	return hash
}

// Process carries out each candidate's action on the archive. Storage is
// left to the caller: deleted and archived memories should be removed, and
// compressed ones replaced by Result.Compressed. A candidate whose backup
// cannot be written is skipped.
func (e *Engine) Process(ctx context.Context, candidates []Candidate, now time.Time) []Result {
	out := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if ctx.Err() != nil {
			out = append(out, Result{MemoryHash: c.Memory.ContentHash, Action: ActionSkipped, Reasons: c.Reasons, Error: ctx.Err().Error()})
			continue
		}
		r := e.process(c, now)
		if r.Action == ActionSkipped {
			e.logger.Warn("forgetting action skipped",
				zap.String("memory_hash", r.MemoryHash),
				zap.String("error", r.Error))
		} else {
			e.logger.Debug("forgetting action taken",
				zap.String("memory_hash", r.MemoryHash),
				zap.String("action", string(r.Action)),
				zap.Strings("reasons", r.Reasons))
		}
		out = append(out, r)
	}
	return out
}

func (e *Engine) process(c Candidate, now time.Time) Result {
	res := Result{MemoryHash: c.Memory.ContentHash, Reasons: c.Reasons}
	score := c.Score

	var (
		path string
		err  error
	)
	switch {
	case c.ArchivePriority == 1 && c.CanBeDeleted &&
		(c.HasReason(ReasonExpiredTemporary) || c.HasReason(ReasonDuplicate)):
		res.Action = ActionDeleted
		path, err = e.dirs.write(e.dirs.dailyDir(now), "deleted", Record{
			Memory:         c.Memory,
			RelevanceScore: &score,
			DeletionMetadata: &DeletionMetadata{
				Reasons:         c.Reasons,
				ArchivePriority: c.ArchivePriority,
				DeletedAt:       now,
				DuplicateOf:     c.DuplicateOf,
			},
		}, now)

	case c.ArchivePriority <= 2:
		res.Action = ActionArchived
		path, err = e.dirs.write(e.dirs.dailyDir(now), "archived", Record{
			Memory:         c.Memory,
			RelevanceScore: &score,
			ForgettingMetadata: &ForgettingMetadata{
				Reasons:         c.Reasons,
				ArchivePriority: c.ArchivePriority,
				Action:          ActionArchived,
				ArchivedAt:      now,
				DuplicateOf:     c.DuplicateOf,
			},
		}, now)

	default:
		res.Action = ActionCompressed
		replacement := e.replacement(c.Memory, now)
		path, err = e.dirs.write(filepath.Join(e.dirs.root, dirCompressed), "compressed", Record{
			Memory:         c.Memory,
			RelevanceScore: &score,
			ForgettingMetadata: &ForgettingMetadata{
				Reasons:         c.Reasons,
				ArchivePriority: c.ArchivePriority,
				Action:          ActionCompressed,
				ArchivedAt:      now,
				ReplacementHash: replacement.ContentHash,
			},
		}, now)
		if err == nil {
			replacement.Metadata["archive_path"] = path
			res.Compressed = &replacement
		}
	}

	if err != nil {
		return Result{MemoryHash: res.MemoryHash, Action: ActionSkipped, Reasons: c.Reasons, Error: err.Error()}
	}
	res.ArchivePath = path

	if err := e.dirs.appendLog(LogEntry{
		MemoryHash:    c.Memory.ContentHash,
		Action:        res.Action,
		ArchivePath:   path,
		Timestamp:     now,
		MemoryType:    c.Memory.Type(),
		Tags:          c.Memory.Tags,
		ContentLength: len(c.Memory.Content),
	}); err != nil {
		e.logger.Warn("failed to append forgetting log", zap.Error(err))
	}
	return res
}

// replacement builds the shortened memory that stands in for a compressed
// original.
func (e *Engine) replacement(m memory.Memory, now time.Time) memory.Memory {
	tags := append([]string(nil), m.Tags...)
	if !m.HasTag("compressed") {
		tags = append(tags, "compressed")
	}
	r := memory.New(CompressContent(m.Content), tags, memory.TypeCompressed, now)
	r.Embedding = append([]float32(nil), m.Embedding...)
	r.Metadata["original_hash"] = m.ContentHash
	r.Metadata["original_length"] = len(m.Content)
	r.Metadata["original_type"] = m.Type()
	r.Metadata["compressed_at"] = now.UTC().Format(time.RFC3339)
	return r
}

// CompressContent keeps the first and last sentence of content and appends
// its important terms.
func CompressContent(content string) string {
	sentences := text.Sentences(content)
	var parts []string
	switch len(sentences) {
	case 0:
		return strings.TrimSpace(content)
	case 1:
		parts = append(parts, sentences[0])
	default:
		parts = append(parts, sentences[0])
		if len(sentences) > 2 {
			parts = append(parts, "...")
		}
		parts = append(parts, sentences[len(sentences)-1])
	}

	terms := text.ExtractConcepts(content).Identifiers()
	if len(terms) > 5 {
		terms = terms[:5]
	}
	terms = append(terms, text.TopTerms([]string{content}, 5, 1)...)
	seen := make(map[string]bool)
	var keep []string
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			keep = append(keep, t)
		}
	}
	if len(keep) > 0 {
		parts = append(parts, "[Key terms: "+strings.Join(keep, ", ")+"]")
	}
	return strings.Join(parts, " ")
}

// Recover returns the most recently archived copy of the memory with hash.
// It consults the forgetting log first and falls back to scanning the tree.
func (e *Engine) Recover(hash string) (memory.Memory, error) {
	entries, err := e.dirs.readLog()
	if err != nil {
		e.logger.Warn("failed to read forgetting log", zap.Error(err))
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].MemoryHash != hash {
			continue
		}
		if rec, err := readRecord(entries[i].ArchivePath); err == nil && rec.Memory.ContentHash == hash {
			return rec.Memory, nil
		}
	}

	var (
		found  memory.Memory
		latest string
	)
	for _, sub := range []string{dirDaily, dirCompressed} {
		err := filepath.WalkDir(filepath.Join(e.dirs.root, sub), func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
				return nil
			}
			if !strings.Contains(d.Name(), hashPrefix(hash)) {
				return nil
			}
			rec, err := readRecord(path)
			if err != nil || rec.Memory.ContentHash != hash {
				return nil
			}
			if d.Name() > latest {
				latest, found = d.Name(), rec.Memory
			}
			return nil
		})
		if err != nil {
			return memory.Memory{}, err
		}
	}
	if latest == "" {
		return memory.Memory{}, fmt.Errorf("%w: %s", ErrNotArchived, hash)
	}
	return found, nil
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Statistics aggregates every forgetting action taken so far.
type Statistics struct {
	TotalActions int            `json:"total_actions"`
	ByAction     map[string]int `json:"by_action"`
	ByMemoryType map[string]int `json:"by_memory_type"`
	ByMonth      map[string]int `json:"by_month"`
	ContentBytes int64          `json:"content_bytes"`
	ArchiveFiles int            `json:"archive_files"`
	ArchiveBytes int64          `json:"archive_bytes"`
	FirstAction  time.Time      `json:"first_action,omitempty"`
	LastAction   time.Time      `json:"last_action,omitempty"`
}

// Statistics reads the forgetting log and measures the archive tree.
func (e *Engine) Statistics() (Statistics, error) {
	s := Statistics{
		ByAction:     make(map[string]int),
		ByMemoryType: make(map[string]int),
		ByMonth:      make(map[string]int),
	}
	entries, err := e.dirs.readLog()
	if err != nil {
		return s, fmt.Errorf("reading forgetting log: %w", err)
	}
	for _, en := range entries {
		s.TotalActions++
		s.ByAction[string(en.Action)]++
		s.ByMemoryType[en.MemoryType]++
		s.ByMonth[en.Timestamp.UTC().Format("2006-01")]++
		s.ContentBytes += int64(en.ContentLength)
		if s.FirstAction.IsZero() || en.Timestamp.Before(s.FirstAction) {
			s.FirstAction = en.Timestamp
		}
		if en.Timestamp.After(s.LastAction) {
			s.LastAction = en.Timestamp
		}
	}

	for _, sub := range []string{dirDaily, dirCompressed} {
		err := filepath.WalkDir(filepath.Join(e.dirs.root, sub), func(_ string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			s.ArchiveFiles++
			s.ArchiveBytes += info.Size()
			return nil
		})
		if err != nil {
			return s, fmt.Errorf("walking archive: %w", err)
		}
	}
	return s, nil
}
