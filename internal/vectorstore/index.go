package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nidhogg/crystalline/internal/embedding"
	"github.com/nidhogg/crystalline/internal/memory"
	"go.uber.org/zap"
)

// Points is the subset of the Qdrant client the index needs.
type Points interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]interface{}) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64) ([]*SearchResult, error)
}

// Hit is one crystal found by semantic search.
type Hit struct {
	CrystalID string  `json:"crystal_id"`
	Score     float32 `json:"score"`
}

// Index keeps one collection of crystal embeddings per owner.
type Index struct {
	points   Points
	embedder embedding.Provider
	logger   *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

func NewIndex(points Points, embedder embedding.Provider, logger *zap.Logger) *Index {
	return &Index{
		points:   points,
		embedder: embedder,
		logger:   logger,
		ensured:  make(map[string]bool),
	}
}

func (x *Index) Name() string { return "qdrant" }

// collectionName maps an owner to its collection. Owner ids are already
// restricted to characters Qdrant accepts.
func collectionName(owner string) string {
	return "crystals_" + owner
}

// pointID derives a stable point id so re-indexing a crystal overwrites it.
func pointID(owner, crystalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(owner+"/"+crystalID)).String()
}

func (x *Index) ensure(ctx context.Context, owner string) (string, error) {
	name := collectionName(owner)
	x.mu.Lock()
	done := x.ensured[name]
	x.mu.Unlock()
	if done {
		return name, nil
	}
	if err := x.points.EnsureCollection(ctx, name, uint64(x.embedder.Dimension())); err != nil {
		return "", err
	}
	x.mu.Lock()
	x.ensured[name] = true
	x.mu.Unlock()
	return name, nil
}

func (x *Index) embedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := x.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embedding: empty vector")
	}
	return vectors[0], nil
}

// Project embeds c's essence and upserts it into the owner's collection.
func (x *Index) Project(ctx context.Context, c memory.KnowledgeCrystal) error {
	text := strings.TrimSpace(c.Essence.Text())
	if text == "" {
		return nil
	}
	name, err := x.ensure(ctx, c.OwnerID)
	if err != nil {
		return err
	}
	vec, err := x.embedOne(ctx, text)
	if err != nil {
		return fmt.Errorf("index crystal %s: %w", c.ID, err)
	}
	payload := map[string]interface{}{
		"crystal_id": c.ID,
		"category":   c.Category.String(),
		"origin":     string(c.Origin),
		"depth":      c.IntegrationDepth,
	}
	if err := x.points.Upsert(ctx, name, pointID(c.OwnerID, c.ID), vec, payload); err != nil {
		return err
	}
	x.logger.Debug("crystal indexed", zap.String("owner", c.OwnerID), zap.String("crystal", c.ID))
	return nil
}

// Search returns up to limit of owner's crystals nearest to query.
func (x *Index) Search(ctx context.Context, owner, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	name, err := x.ensure(ctx, owner)
	if err != nil {
		return nil, err
	}
	vec, err := x.embedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("similar search: %w", err)
	}
	results, err := x.points.Search(ctx, name, vec, uint64(limit))
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id := r.Payload["crystal_id"]
		if id == "" {
			continue
		}
		hits = append(hits, Hit{CrystalID: id, Score: r.Score})
	}
	return hits, nil
}
