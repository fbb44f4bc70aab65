// Package qdrant implements memory.Storage on a Qdrant collection.
//
// Each memory is one point. The point id is a name-based UUID of the content
// hash, the embedding lives in the named vector "content" (optional per
// point), and the remaining fields are flat payload values. Tags and metadata
// are stored as JSON strings.
package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
)

const (
	vectorName = "content"
	pageSize   = 256

	fieldHash         = "content_hash"
	fieldContent      = "content"
	fieldType         = "memory_type"
	fieldTags         = "tags_json"
	fieldMetadata     = "metadata_json"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
	fieldLastAccessed = "last_accessed"
)

// Config holds the connection settings for a Qdrant-backed store.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string

	// Dimension is the embedding size used when the collection is created.
	Dimension int
}

// DefaultConfig returns settings for a local Qdrant on its gRPC port.
func DefaultConfig() Config {
	return Config{
		Host:       "localhost",
		Port:       6334,
		Collection: "memories",
		Dimension:  384,
	}
}

// Store implements memory.Storage using Qdrant.
type Store struct {
	client     *qdrant.Client
	collection string
}

// New connects to Qdrant and creates the collection if it is missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}

	s := &Store{client: client, collection: cfg.Collection}
	if err := s.ensureCollection(ctx, cfg.Dimension); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context, dim int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			vectorName: {Size: uint64(dim), Distance: qdrant.Distance_Cosine},
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *Store) GetAllMemories(ctx context.Context) ([]memory.Memory, error) {
	return s.scroll(ctx, nil)
}

func (s *Store) GetMemoriesByTimeRange(ctx context.Context, start, end time.Time) ([]memory.Memory, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewRange(fieldCreatedAt, &qdrant.Range{
				Gte: qdrant.PtrOf(unixSeconds(start)),
				Lte: qdrant.PtrOf(unixSeconds(end)),
			}),
		},
	}
	return s.scroll(ctx, filter)
}

func (s *Store) StoreMemory(ctx context.Context, m memory.Memory) error {
	if m.Content == "" {
		return memory.ErrEmptyContent
	}
	if m.ContentHash == "" {
		m.ContentHash = memory.ContentHash(m.Content)
	}
	if _, err := s.get(ctx, m.ContentHash); err == nil {
		return memory.ErrDuplicate
	} else if !errors.Is(err, memory.ErrNotFound) {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	return s.upsert(ctx, m, 0)
}

func (s *Store) UpdateMemory(ctx context.Context, m memory.Memory) error {
	old, err := s.get(ctx, m.ContentHash)
	if err != nil {
		return err
	}
	m.CreatedAt = old.CreatedAt
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	accessed := old.Metadata[fieldLastAccessed]
	last, _ := accessed.(float64)
	return s.upsert(ctx, m, last)
}

func (s *Store) DeleteMemory(ctx context.Context, hash string) error {
	if _, err := s.get(ctx, hash); err != nil {
		return err
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointID(hash)),
	})
	if err != nil {
		return fmt.Errorf("delete point: %w", err)
	}
	return nil
}

func (s *Store) GetMemoryConnections(ctx context.Context) (map[string]int, error) {
	assocs, err := s.scroll(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(fieldType, memory.TypeAssociation)},
	})
	if err != nil {
		return nil, err
	}
	return memory.ConnectionCounts(assocs), nil
}

func (s *Store) GetAccessPatterns(ctx context.Context) (map[string]time.Time, error) {
	all, err := s.scroll(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time)
	for _, m := range all {
		if ts, ok := m.Metadata[fieldLastAccessed].(float64); ok && ts > 0 {
			out[m.ContentHash] = fromUnixSeconds(ts)
		}
	}
	return out, nil
}

// Touch stamps last_accessed on the given points.
func (s *Store) Touch(ctx context.Context, hashes ...string) error {
	now := unixSeconds(time.Now())
	for _, h := range hashes {
		_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: s.collection,
			Wait:           qdrant.PtrOf(true),
			Payload: map[string]*qdrant.Value{
				fieldLastAccessed: qdrant.NewValueDouble(now),
			},
			PointsSelector: qdrant.NewPointsSelector(pointID(h)),
		})
		if err != nil {
			return fmt.Errorf("touch %s: %w", h, err)
		}
	}
	return nil
}

// Close releases the gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) get(ctx context.Context, hash string) (memory.Memory, error) {
	pts, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{pointID(hash)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return memory.Memory{}, fmt.Errorf("get point: %w", err)
	}
	if len(pts) == 0 {
		return memory.Memory{}, memory.ErrNotFound
	}
	return fromPayload(pts[0].GetPayload(), namedVector(pts[0].GetVectors())), nil
}

func (s *Store) upsert(ctx context.Context, m memory.Memory, lastAccessed float64) error {
	point, err := toPoint(m, lastAccessed)
	if err != nil {
		return err
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	return nil
}

// scroll pages through the collection. Qdrant offsets are inclusive, so the
// first point of every page after the first is the last point of the
// previous page and is dropped.
func (s *Store) scroll(ctx context.Context, filter *qdrant.Filter) ([]memory.Memory, error) {
	var (
		out    []memory.Memory
		offset *qdrant.PointId
	)
	for {
		req := &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(pageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		}
		pts, err := s.client.Scroll(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", s.collection, err)
		}
		page := pts
		if offset != nil && len(page) > 0 && page[0].GetId().GetUuid() == offset.GetUuid() {
			page = page[1:]
		}
		for _, p := range page {
			out = append(out, fromPayload(p.GetPayload(), namedVector(p.GetVectors())))
		}
		if len(pts) < pageSize || len(page) == 0 {
			return out, nil
		}
		offset = pts[len(pts)-1].GetId()
	}
}

func toPoint(m memory.Memory, lastAccessed float64) (*qdrant.PointStruct, error) {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	stored := make(map[string]interface{}, len(m.Metadata))
	for k, v := range m.Metadata {
		if k != fieldLastAccessed {
			stored[k] = v
		}
	}
	meta, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	vectors := map[string]*qdrant.Vector{}
	if len(m.Embedding) > 0 {
		vectors[vectorName] = qdrant.NewVector(m.Embedding...)
	}
	return &qdrant.PointStruct{
		Id:      pointID(m.ContentHash),
		Vectors: qdrant.NewVectorsMap(vectors),
		Payload: map[string]*qdrant.Value{
			fieldHash:         qdrant.NewValueString(m.ContentHash),
			fieldContent:      qdrant.NewValueString(m.Content),
			fieldType:         qdrant.NewValueString(m.MemoryType),
			fieldTags:         qdrant.NewValueString(string(tags)),
			fieldMetadata:     qdrant.NewValueString(string(meta)),
			fieldCreatedAt:    qdrant.NewValueDouble(unixSeconds(m.CreatedAt)),
			fieldUpdatedAt:    qdrant.NewValueDouble(unixSeconds(m.UpdatedAt)),
			fieldLastAccessed: qdrant.NewValueDouble(lastAccessed),
		},
	}, nil
}

// fromPayload rebuilds a memory. last_accessed is surfaced through metadata
// so GetAccessPatterns and UpdateMemory can read it without a second call;
// it is never written back into metadata_json.
func fromPayload(payload map[string]*qdrant.Value, embedding []float32) memory.Memory {
	m := memory.Memory{
		ContentHash: payload[fieldHash].GetStringValue(),
		Content:     payload[fieldContent].GetStringValue(),
		MemoryType:  payload[fieldType].GetStringValue(),
		Embedding:   embedding,
		CreatedAt:   fromUnixSeconds(payload[fieldCreatedAt].GetDoubleValue()),
		UpdatedAt:   fromUnixSeconds(payload[fieldUpdatedAt].GetDoubleValue()),
		Metadata:    map[string]interface{}{},
	}
	_ = json.Unmarshal([]byte(payload[fieldTags].GetStringValue()), &m.Tags)
	_ = json.Unmarshal([]byte(payload[fieldMetadata].GetStringValue()), &m.Metadata)
	if m.Metadata == nil {
		m.Metadata = map[string]interface{}{}
	}
	if ts := payload[fieldLastAccessed].GetDoubleValue(); ts > 0 {
		m.Metadata[fieldLastAccessed] = ts
	}
	return m
}

func namedVector(v *qdrant.VectorsOutput) []float32 {
	named := v.GetVectors().GetVectors()
	if named == nil {
		return nil
	}
	return named[vectorName].GetData()
}

func pointID(hash string) *qdrant.PointId {
	return qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(hash)).String())
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(s*1e9))
}
