package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/crystalline/internal/memory"
	"go.uber.org/zap"
)

// Projector mirrors crystals into Neo4j as
// (:Owner)-[:HOLDS]->(:Crystal)-[:IN_CATEGORY]->(:Category) with
// RELATED_TO edges between crystals.
type Projector struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewProjector creates a Neo4j-backed projector.
func NewProjector(uri, user, password string, logger *zap.Logger) (*Projector, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Projector{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (p *Projector) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (p *Projector) Ping(ctx context.Context) error {
	return p.driver.VerifyConnectivity(ctx)
}

func (p *Projector) Name() string { return "neo4j" }

// Project upserts c and its edges. Crystal ids are unique per owner only,
// so nodes are keyed by (id, owner_id). Related crystals that were never
// projected are skipped.
func (p *Projector) Project(ctx context.Context, c memory.KnowledgeCrystal) error {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	related := make([]interface{}, len(c.RelatedIDs))
	for i, id := range c.RelatedIDs {
		related[i] = id
	}

	_, err := session.Run(ctx,
		`MERGE (o:Owner {id: $owner})
		 MERGE (c:Crystal {id: $id, owner_id: $owner})
		 SET c.category = $category,
		     c.summary = $summary,
		     c.integration_depth = $depth,
		     c.identity_influence = $identity,
		     c.activation = $activation,
		     c.origin = $origin,
		     c.created_at = datetime($createdAt)
		 MERGE (o)-[:HOLDS]->(c)
		 MERGE (k:Category {name: $category})
		 MERGE (c)-[:IN_CATEGORY]->(k)
		 WITH c
		 UNWIND $related AS rid
		 MATCH (r:Crystal {id: rid, owner_id: $owner})
		 MERGE (c)-[:RELATED_TO]->(r)`,
		map[string]interface{}{
			"owner":      c.OwnerID,
			"id":         c.ID,
			"category":   c.Category.String(),
			"summary":    c.Essence.Summary(),
			"depth":      c.IntegrationDepth,
			"identity":   c.IdentityInfluence,
			"activation": c.Activation,
			"origin":     string(c.Origin),
			"createdAt":  c.CreatedAt.UTC().Format(time.RFC3339Nano),
			"related":    related,
		})
	if err != nil {
		return fmt.Errorf("project crystal %s: %w", c.ID, err)
	}

	p.logger.Debug("crystal projected",
		zap.String("owner", c.OwnerID),
		zap.String("crystal", c.ID),
		zap.Int("related", len(related)))
	return nil
}

// RefreshActivation overwrites the stored activation of already projected
// crystals so association walks rank by current values.
func (p *Projector) RefreshActivation(ctx context.Context, owner string, activations map[string]float64) error {
	if len(activations) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(activations))
	for id, a := range activations {
		rows = append(rows, map[string]interface{}{"id": id, "activation": a})
	}

	session := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`UNWIND $rows AS row
		 MATCH (c:Crystal {id: row.id, owner_id: $owner})
		 SET c.activation = row.activation`,
		map[string]interface{}{"owner": owner, "rows": rows})
	if err != nil {
		return fmt.Errorf("refresh activation for %s: %w", owner, err)
	}
	p.logger.Debug("activation refreshed", zap.String("owner", owner), zap.Int("crystals", len(rows)))
	return nil
}

// Association is a crystal reached from another through RELATED_TO edges.
type Association struct {
	ID         string  `json:"id"`
	Category   string  `json:"category"`
	Summary    string  `json:"summary"`
	Activation float64 `json:"activation"`
	Hops       int     `json:"hops"`
}

// Associations walks up to depth RELATED_TO hops (1..3) in either
// direction from crystalID, nearest and most active first.
func (p *Projector) Associations(ctx context.Context, owner, crystalID string, depth, limit int) ([]Association, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}
	if limit <= 0 {
		limit = 10
	}
	start := time.Now()

	session := p.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		fmt.Sprintf(`MATCH path = (s:Crystal {id: $id, owner_id: $owner})-[:RELATED_TO*1..%d]-(c:Crystal)
		 WHERE c.id <> s.id AND c.owner_id = $owner
		 WITH c, min(length(path)) AS hops
		 RETURN c.id AS id, c.category AS category, c.summary AS summary,
		        c.activation AS activation, hops
		 ORDER BY hops ASC, activation DESC
		 LIMIT $limit`, depth),
		map[string]interface{}{
			"id":    crystalID,
			"owner": owner,
			"limit": limit,
		})
	if err != nil {
		return nil, fmt.Errorf("associations of %s: %w", crystalID, err)
	}

	var out []Association
	for result.Next(ctx) {
		rec := result.Record()
		a := Association{}
		if v, ok := rec.Get("id"); ok {
			a.ID, _ = v.(string)
		}
		if v, ok := rec.Get("category"); ok {
			a.Category, _ = v.(string)
		}
		if v, ok := rec.Get("summary"); ok {
			a.Summary, _ = v.(string)
		}
		if v, ok := rec.Get("activation"); ok {
			a.Activation, _ = v.(float64)
		}
		if v, ok := rec.Get("hops"); ok {
			if h, ok := v.(int64); ok {
				a.Hops = int(h)
			}
		}
		out = append(out, a)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("associations of %s: %w", crystalID, err)
	}

	p.logger.Info("association walk complete",
		zap.String("owner", owner),
		zap.String("crystal", crystalID),
		zap.Int("found", len(out)),
		zap.Duration("took", time.Since(start)))
	return out, nil
}
