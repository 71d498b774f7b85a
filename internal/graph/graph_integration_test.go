//go:build integration

package graph

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/crystalline/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap/zaptest"
)

func TestProjectAndWalk(t *testing.T) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)

	p, err := NewProjector(uri, "", "", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close(ctx)
	require.NoError(t, p.Ping(ctx))

	now := time.Now()
	crystalOf := func(owner, id string, act float64, related ...string) memory.KnowledgeCrystal {
		return memory.KnowledgeCrystal{
			ID:         id,
			OwnerID:    owner,
			Category:   memory.CategoryMemoryArchitecture,
			Essence:    memory.CrystalEssence{CoreInsights: []string{"insight " + id}},
			Activation: act,
			Origin:     memory.OriginLocal,
			CreatedAt:  now,
			RelatedIDs: related,
		}
	}
	crystal := func(id string, act float64, related ...string) memory.KnowledgeCrystal {
		return crystalOf("A", id, act, related...)
	}
	require.NoError(t, p.Project(ctx, crystal("c1", 0.4)))
	require.NoError(t, p.Project(ctx, crystal("c2", 0.9, "c1")))
	require.NoError(t, p.Project(ctx, crystal("c3", 0.7, "c2", "missing")))
	// Re-projection is an upsert.
	require.NoError(t, p.Project(ctx, crystal("c3", 0.8, "c2")))

	assoc, err := p.Associations(ctx, "A", "c3", 2, 10)
	require.NoError(t, err)
	require.Len(t, assoc, 2)
	assert.Equal(t, "c2", assoc[0].ID)
	assert.Equal(t, 1, assoc[0].Hops)
	assert.Equal(t, "c1", assoc[1].ID)
	assert.Equal(t, 2, assoc[1].Hops)

	near, err := p.Associations(ctx, "A", "c3", 1, 10)
	require.NoError(t, err)
	require.Len(t, near, 1)

	other, err := p.Associations(ctx, "B", "c3", 3, 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	// Refreshed activation reorders siblings.
	require.NoError(t, p.Project(ctx, crystal("c4", 0.3, "c3")))
	require.NoError(t, p.RefreshActivation(ctx, "A", map[string]float64{"c4": 1.0, "c2": 0.1}))
	near, err = p.Associations(ctx, "A", "c3", 1, 10)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "c4", near[0].ID)
	assert.Equal(t, 1.0, near[0].Activation)

	// Two owners adopting the same collective entry keep separate nodes.
	require.NoError(t, p.Project(ctx, crystalOf("bob", "collective-x", 0.5)))
	require.NoError(t, p.Project(ctx, crystalOf("carol", "collective-x", 0.5)))
	require.NoError(t, p.Project(ctx, crystalOf("bob", "b1", 0.9, "collective-x")))
	require.NoError(t, p.Project(ctx, crystalOf("carol", "k1", 0.6, "collective-x")))

	bob, err := p.Associations(ctx, "bob", "collective-x", 1, 10)
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, "b1", bob[0].ID)

	carol, err := p.Associations(ctx, "carol", "collective-x", 3, 10)
	require.NoError(t, err)
	require.Len(t, carol, 1)
	assert.Equal(t, "k1", carol[0].ID)
}
