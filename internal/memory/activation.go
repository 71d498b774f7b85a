package memory

import (
	"sort"
	"time"
)

// RecallOpts controls recall ranking.
type RecallOpts struct {
	TopN      int     // results to return (default 10)
	Threshold float64 // minimum relevance, exclusive (default 0.3)
	Boost     float64 // activation gain per unit relevance (default 0.5)
}

// DefaultRecallOpts returns sensible defaults.
func DefaultRecallOpts() RecallOpts {
	return RecallOpts{
		TopN:      10,
		Threshold: 0.3,
		Boost:     0.5,
	}
}

// Hit is one recalled crystal with its relevance.
type Hit struct {
	Crystal   *KnowledgeCrystal
	Relevance float64
}

// Relevance scores crystal c against a tokenized query.
func Relevance(queryTokens []string, c *KnowledgeCrystal) float64 {
	score := 0.2 * float64(keywordOverlap(queryTokens, c.Essence.Text()))
	if categoryHit(queryTokens, c.Category) {
		score += 0.3
	}
	return clamp(score)
}

// Recall ranks the essence's crystals against query and reinforces the
// returned ones. Ranking uses activation as it stood before the call;
// crystals that are not returned are left untouched. Callers serialise
// access to essence.
func Recall(essence *IdentityEssence, query string, opts RecallOpts, now time.Time) []Hit {
	def := DefaultRecallOpts()
	if opts.TopN <= 0 {
		opts.TopN = def.TopN
	}
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.Boost <= 0 {
		opts.Boost = def.Boost
	}

	tokens := uniqueTokens(query)
	if len(tokens) == 0 || len(essence.Crystals) == 0 {
		return nil
	}

	var hits []Hit
	for _, c := range essence.Crystals {
		rel := Relevance(tokens, c)
		if rel > opts.Threshold {
			hits = append(hits, Hit{Crystal: c, Relevance: rel})
		}
	}
	sortHits(hits)
	if len(hits) > opts.TopN {
		hits = hits[:opts.TopN]
	}

	for _, h := range hits {
		c := h.Crystal
		c.Activation = clamp(c.Activation + opts.Boost*h.Relevance)
		c.LastActivatedAt = now
		c.ActivationCount++
	}
	return hits
}

// sortHits orders by relevance·activation descending, newest first on ties.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		si := hits[i].Relevance * hits[i].Crystal.Activation
		sj := hits[j].Relevance * hits[j].Crystal.Activation
		if si != sj {
			return si > sj
		}
		ci, cj := hits[i].Crystal.CreatedAt, hits[j].Crystal.CreatedAt
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return hits[i].Crystal.ID < hits[j].Crystal.ID
	})
}
