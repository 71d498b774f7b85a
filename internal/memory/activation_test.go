package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recallEssence() *IdentityEssence {
	e := NewIdentityEssence("A", DefaultProfile(), testEpoch)
	add := func(id string, cat Category, insight string, act float64, age time.Duration) {
		e.Crystals[id] = &KnowledgeCrystal{
			ID:         id,
			Category:   cat,
			Essence:    CrystalEssence{CoreInsights: []string{insight}},
			Activation: act,
			CreatedAt:  testEpoch.Add(-age),
		}
	}
	add("mem-old", CategoryMemoryArchitecture, "memory layout", 0.4, 3*time.Hour)
	add("mem-new", CategoryMemoryArchitecture, "memory layout", 0.4, time.Hour)
	add("mem-hot", CategoryMemoryArchitecture, "memory graph", 0.9, 2*time.Hour)
	add("rel", CategoryRelationalWisdom, "trust builds slowly", 0.9, time.Hour)
	add("tech", CategoryTechnicalLearning, "profiling beats guessing", 0.7, time.Hour)
	return e
}

func TestRelevance(t *testing.T) {
	c := &KnowledgeCrystal{
		Category: CategoryMemoryArchitecture,
		Essence:  CrystalEssence{CoreInsights: []string{"Memory should be intrinsic"}},
	}
	assert.InDelta(t, 0.5, Relevance(uniqueTokens("memory architecture insights"), c), 1e-12)
	assert.InDelta(t, 0.2, Relevance(uniqueTokens("intrinsic"), c), 1e-12)
	assert.Equal(t, 0.0, Relevance(uniqueTokens("cooking"), c))
}

func TestRecallOrderingAndThreshold(t *testing.T) {
	e := recallEssence()
	hits := Recall(e, "memory layout", RecallOpts{}, testEpoch)

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Crystal.ID
	}
	// mem-hot: 0.5*0.9, the layout pair: 0.7*0.4 each, newer first.
	assert.Equal(t, []string{"mem-hot", "mem-new", "mem-old"}, ids)
	for _, h := range hits {
		assert.Greater(t, h.Relevance, 0.3)
	}
}

func TestRecallOnlyBoostsReturned(t *testing.T) {
	e := recallEssence()
	before := make(map[string]float64)
	for id, c := range e.Crystals {
		before[id] = c.Activation
	}

	hits := Recall(e, "memory layout", RecallOpts{TopN: 2}, testEpoch)
	require.Len(t, hits, 2)

	returned := map[string]bool{}
	for _, h := range hits {
		returned[h.Crystal.ID] = true
		assert.Greater(t, h.Crystal.Activation, before[h.Crystal.ID])
		assert.InDelta(t, clamp(before[h.Crystal.ID]+0.5*h.Relevance), h.Crystal.Activation, 1e-12)
		assert.Equal(t, 1, h.Crystal.ActivationCount)
		assert.Equal(t, testEpoch, h.Crystal.LastActivatedAt)
	}
	for id, c := range e.Crystals {
		if !returned[id] {
			assert.Equal(t, before[id], c.Activation, id)
			assert.Zero(t, c.ActivationCount, id)
		}
	}
}

func TestRecallSaturatesAtOne(t *testing.T) {
	e := recallEssence()
	e.Crystals["mem-hot"].Activation = 1
	hits := Recall(e, "memory graph", RecallOpts{TopN: 1}, testEpoch)
	require.Len(t, hits, 1)
	assert.Equal(t, 1.0, hits[0].Crystal.Activation)
}

func TestRecallEmpty(t *testing.T) {
	empty := NewIdentityEssence("A", DefaultProfile(), testEpoch)
	assert.Empty(t, Recall(empty, "memory", RecallOpts{}, testEpoch))
	assert.Empty(t, Recall(recallEssence(), "   ", RecallOpts{}, testEpoch))
	assert.Empty(t, Recall(recallEssence(), "gardening", RecallOpts{}, testEpoch))
}

func TestDecaySweep(t *testing.T) {
	e := NewIdentityEssence("A", DefaultProfile(), testEpoch)
	e.Crystals["a"] = &KnowledgeCrystal{ID: "a", Activation: 0.8, LastActivatedAt: testEpoch}
	e.Crystals["b"] = &KnowledgeCrystal{ID: "b", Activation: 0.06, LastActivatedAt: testEpoch}
	e.Crystals["c"] = &KnowledgeCrystal{ID: "c", Activation: 0.05, LastActivatedAt: testEpoch}

	cfg := DecayConfig{HalfLife: time.Hour, MinActivation: 0.05}
	n := DecaySweep(e, cfg, testEpoch.Add(time.Hour))
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.4, e.Crystals["a"].Activation, 1e-12)
	assert.Equal(t, 0.05, e.Crystals["b"].Activation)
	assert.Equal(t, 0.05, e.Crystals["c"].Activation)

	// A second sweep at the same instant changes nothing.
	assert.Equal(t, 0, DecaySweep(e, cfg, testEpoch.Add(time.Hour)))
}

func TestWorkingMemoryEvictsInBatches(t *testing.T) {
	wm := NewWorkingMemory(20, 5)
	maxSeen := 0
	for i := 0; i < 25; i++ {
		wm.Push(ProcessedExperience{DominantEmotion: string(rune('a' + i))})
		if l := wm.Len(); l > maxSeen {
			maxSeen = l
		}
	}
	assert.LessOrEqual(t, maxSeen, 20+5-1)
	assert.LessOrEqual(t, wm.Len(), 20)
	assert.Equal(t, 5, wm.Evicted())

	snap := wm.Snapshot()
	// The five oldest went together on the 21st push.
	assert.Equal(t, string(rune('a'+5)), snap[0].DominantEmotion)
	assert.Equal(t, string(rune('a'+24)), snap[len(snap)-1].DominantEmotion)
}

func TestWorkingMemoryDefaults(t *testing.T) {
	wm := NewWorkingMemory(0, 0)
	for i := 0; i < DefaultWorkingMemoryCap; i++ {
		assert.Zero(t, wm.Push(ProcessedExperience{}))
	}
	assert.Equal(t, DefaultEvictionBatch, wm.Push(ProcessedExperience{}))
	assert.Equal(t, DefaultWorkingMemoryCap+1-DefaultEvictionBatch, wm.Len())
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, CategoryMemoryArchitecture, Categorize([]string{"X is Y", "Memory should be intrinsic"}))
	// Rule order wins over insight order.
	assert.Equal(t, CategoryMemoryArchitecture, Categorize([]string{"a relationship", "memory too"}))
	assert.Equal(t, CategoryRelationalWisdom, Categorize([]string{"Relationship repair"}))
	assert.Equal(t, CategoryTechnicalLearning, Categorize([]string{"technical note"}))
	assert.Equal(t, CategoryCreativeInsight, Categorize([]string{"creative leap"}))
	assert.Equal(t, CategoryGeneral, Categorize(nil))
}

func TestCategoryText(t *testing.T) {
	for _, c := range Categories() {
		b, err := c.MarshalText()
		require.NoError(t, err)
		var back Category
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, c, back)
	}
	_, err := ParseCategory("poetry")
	assert.Error(t, err)
}
