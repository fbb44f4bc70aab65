// Package memory defines the memory record the consolidation engine works on
// and the storage contract it consumes, with SQLite and in-process backends.
package memory

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Common errors returned by memory stores.
var (
	ErrNotFound     = errors.New("memory not found")
	ErrDuplicate    = errors.New("memory already exists")
	ErrEmptyContent = errors.New("memory content is empty")
	ErrStoreClosed  = errors.New("memory store is closed")
)

// Well-known memory types.
const (
	TypeStandard          = "standard"
	TypeCritical          = "critical"
	TypeTemporary         = "temporary"
	TypeAssociation       = "association"
	TypeCompressed        = "compressed"
	TypeCompressedCluster = "compressed_cluster"
)

// Metadata keys written and read across the engine.
const (
	MetaSourceHashes = "source_memory_hashes"
	MetaImportance   = "importance_score"
	MetaRelevance    = "relevance_score"
)

// ProtectedTags marks memories that are never deleted and keep a score floor.
var ProtectedTags = []string{"critical", "important", "reference", "permanent"}

// Memory is a single stored memory record. ContentHash is the stable
// identity derived from the content at creation time.
type Memory struct {
	ContentHash string                 `json:"content_hash"`
	Content     string                 `json:"content"`
	Tags        []string               `json:"tags,omitempty"`
	MemoryType  string                 `json:"memory_type,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Embedding   []float32              `json:"embedding,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// New builds a memory with its content hash and timestamps filled in.
func New(content string, tags []string, memoryType string, now time.Time) Memory {
	return Memory{
		ContentHash: ContentHash(content),
		Content:     content,
		Tags:        tags,
		MemoryType:  memoryType,
		Metadata:    map[string]interface{}{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Type returns the memory type, defaulting to standard.
func (m Memory) Type() string {
	if m.MemoryType == "" {
		return TypeStandard
	}
	return m.MemoryType
}

// HasTag reports whether the memory carries tag.
func (m Memory) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// Protected reports whether any protected tag is present.
func (m Memory) Protected() bool {
	for _, t := range ProtectedTags {
		if m.HasTag(t) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can modify tags, metadata and
// embedding without touching the original.
func (m Memory) Clone() Memory {
	c := m
	c.Tags = slices.Clone(m.Tags)
	c.Embedding = slices.Clone(m.Embedding)
	c.Metadata = make(map[string]interface{}, len(m.Metadata))
	for k, v := range m.Metadata {
		c.Metadata[k] = v
	}
	return c
}

// Storage is the contract the consolidation engine consumes. All calls may
// fail; implementations return ErrNotFound for unknown hashes and
// ErrDuplicate when storing a hash that already exists.
type Storage interface {
	// GetAllMemories returns every stored memory.
	GetAllMemories(ctx context.Context) ([]Memory, error)

	// GetMemoriesByTimeRange returns memories created within [start, end].
	GetMemoriesByTimeRange(ctx context.Context, start, end time.Time) ([]Memory, error)

	// StoreMemory persists a new memory.
	StoreMemory(ctx context.Context, m Memory) error

	// UpdateMemory replaces the mutable fields of an existing memory.
	UpdateMemory(ctx context.Context, m Memory) error

	// DeleteMemory removes a memory by content hash.
	DeleteMemory(ctx context.Context, hash string) error

	// GetMemoryConnections returns the number of associations per hash.
	GetMemoryConnections(ctx context.Context) (map[string]int, error)

	// GetAccessPatterns returns the last access time per hash.
	GetAccessPatterns(ctx context.Context) (map[string]time.Time, error)
}

// Toucher is implemented by stores that record memory access.
type Toucher interface {
	Touch(ctx context.Context, hashes ...string) error
}

// Stats summarises a set of memories.
type Stats struct {
	TotalMemories int            `json:"total_memories"`
	ByType        map[string]int `json:"by_type"`
	ByTag         map[string]int `json:"by_tag"`
	WithEmbedding int            `json:"with_embedding"`
	Untagged      int            `json:"untagged"`
	OldestMemory  time.Time      `json:"oldest_memory,omitempty"`
	NewestMemory  time.Time      `json:"newest_memory,omitempty"`
}

// Summarize computes Stats over memories.
func Summarize(memories []Memory) Stats {
	s := Stats{
		TotalMemories: len(memories),
		ByType:        make(map[string]int),
		ByTag:         make(map[string]int),
	}
	for _, m := range memories {
		s.ByType[m.Type()]++
		for _, t := range m.Tags {
			s.ByTag[t]++
		}
		if len(m.Tags) == 0 {
			s.Untagged++
		}
		if len(m.Embedding) > 0 {
			s.WithEmbedding++
		}
		if s.OldestMemory.IsZero() || m.CreatedAt.Before(s.OldestMemory) {
			s.OldestMemory = m.CreatedAt
		}
		if m.CreatedAt.After(s.NewestMemory) {
			s.NewestMemory = m.CreatedAt
		}
	}
	return s
}

// ConnectionCounts counts, for every hash, how many association memories
// reference it through MetaSourceHashes.
func ConnectionCounts(memories []Memory) map[string]int {
	counts := make(map[string]int)
	for _, m := range memories {
		if m.Type() != TypeAssociation {
			continue
		}
		for _, h := range SourceHashes(m) {
			counts[h]++
		}
	}
	return counts
}

// SourceHashes reads MetaSourceHashes from metadata, accepting both the
// in-process []string form and the []interface{} form produced by JSON.
func SourceHashes(m Memory) []string {
	switch v := m.Metadata[MetaSourceHashes].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
