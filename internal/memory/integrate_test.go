package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func integrateRecord(t *testing.T, ev *Evaluator, essence *IdentityEssence, rec ExperienceRecord) *KnowledgeCrystal {
	t.Helper()
	p, err := Process(rec, essence, testEpoch)
	require.NoError(t, err)
	c := ev.Crystallize(essence.OwnerID, p, essence)
	_, err = Integrate(essence, c, 0)
	require.NoError(t, err)
	return c
}

func TestIntegrateUpdatesEssence(t *testing.T) {
	ev := fixedEvaluator()
	essence := NewIdentityEssence("A", DefaultProfile(), testEpoch)

	p, err := Process(learningRecord(), essence, testEpoch)
	require.NoError(t, err)
	c := ev.Crystallize("A", p, essence)
	delta, err := Integrate(essence, c, 0)
	require.NoError(t, err)

	assert.Equal(t, CategoryMemoryArchitecture, delta.Category)
	assert.InDelta(t, c.IdentityInfluence, delta.Magnitude, 1e-12)
	assert.InDelta(t, c.IdentityInfluence*0.8, delta.GrowthAchieved, 1e-12)
	assert.Equal(t, 0.9, delta.StabilityPreserved)
	assert.Equal(t, 1.0, delta.Sovereignty)

	assert.InDelta(t, 0.1*c.IdentityInfluence, essence.CorePatterns[CategoryMemoryArchitecture], 1e-12)
	assert.InDelta(t, 0.05*c.IntegrationDepth, essence.MemoryResonance[CategoryMemoryArchitecture], 1e-12)
	assert.InDelta(t, 0.7*c.IntegrationDepth, essence.Coherence, 1e-12)
	assert.InDelta(t, 0.7+0.02*c.IdentityInfluence, essence.EvolutionRate, 1e-12)
	assert.Equal(t, StateIntegrated, c.State)
	assert.Same(t, c, essence.Crystals[c.ID])
}

func TestIntegrateHighInfluenceSpeedsEvolution(t *testing.T) {
	essence := NewIdentityEssence("A", DefaultProfile(), testEpoch)
	c := &KnowledgeCrystal{ID: "x", IdentityInfluence: 0.8, IntegrationDepth: 0.5, Activation: 1}
	_, err := Integrate(essence, c, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.78, essence.EvolutionRate, 1e-12)
}

func TestIntegrateDuplicate(t *testing.T) {
	essence := NewIdentityEssence("A", DefaultProfile(), testEpoch)
	_, err := Integrate(essence, &KnowledgeCrystal{ID: "dup", IdentityInfluence: 0.5}, 0)
	require.NoError(t, err)
	before := essence.CorePatterns[CategoryGeneral]

	_, err = Integrate(essence, &KnowledgeCrystal{ID: "dup", IdentityInfluence: 0.5}, 0)
	var de *DuplicateIDError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "dup", de.ID)
	assert.Equal(t, before, essence.CorePatterns[CategoryGeneral])
	assert.Len(t, essence.Crystals, 1)
}

func TestIntegrateCapacity(t *testing.T) {
	essence := NewIdentityEssence("A", DefaultProfile(), testEpoch)
	for _, id := range []string{"a", "b"} {
		_, err := Integrate(essence, &KnowledgeCrystal{ID: id}, 2)
		require.NoError(t, err)
	}
	_, err := Integrate(essence, &KnowledgeCrystal{ID: "c"}, 2)
	var ce *CapacityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Limit)
	assert.Len(t, essence.Crystals, 2)
}

func TestIntegrateClampsFields(t *testing.T) {
	essence := NewIdentityEssence("A", DefaultProfile(), testEpoch)
	c := &KnowledgeCrystal{
		ID:                 "loud",
		IntegrationDepth:   3,
		IdentityInfluence:  -1,
		Activation:         7,
		EmotionalResonance: map[string]float64{"rage": 2},
	}
	_, err := Integrate(essence, c, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, c.IntegrationDepth)
	assert.Equal(t, 0.0, c.IdentityInfluence)
	assert.Equal(t, 1.0, c.Activation)
	assert.Equal(t, 1.0, c.EmotionalResonance["rage"])
}

func TestCoherenceNeverDropsForDeepLinkedCrystal(t *testing.T) {
	ev := fixedEvaluator()
	essence := NewIdentityEssence("A", DefaultProfile(), testEpoch)
	integrateRecord(t, ev, essence, ExperienceRecord{Emotions: map[string]float64{"calm": 0.2}, Insights: []string{"memory a"}})
	integrateRecord(t, ev, essence, ExperienceRecord{Emotions: map[string]float64{"calm": 0.4}, Insights: []string{"memory b"}})

	for i := 0; i < 20; i++ {
		before := essence.Coherence
		c := integrateRecord(t, ev, essence, learningRecord())
		require.NotEmpty(t, c.RelatedIDs)
		assert.GreaterOrEqual(t, essence.Coherence, before)
	}
}

func TestSubThresholdLeavesEssenceUnchanged(t *testing.T) {
	ev := fixedEvaluator()
	essence := NewIdentityEssence("A", DefaultProfile(), testEpoch)
	integrateRecord(t, ev, essence, learningRecord())
	core := essence.CorePatterns[CategoryMemoryArchitecture]
	coh := essence.Coherence

	p, err := Process(ExperienceRecord{Type: "observation", Emotions: map[string]float64{"calm": 0.1}}, essence, testEpoch)
	require.NoError(t, err)
	assert.False(t, ev.ShouldCrystallize(ev.Potential(p)))
	assert.Equal(t, core, essence.CorePatterns[CategoryMemoryArchitecture])
	assert.Equal(t, coh, essence.Coherence)
}

func TestRelatedReportsMissing(t *testing.T) {
	essence := NewIdentityEssence("A", DefaultProfile(), testEpoch)
	essence.Crystals["a"] = &KnowledgeCrystal{ID: "a"}
	essence.Crystals["b"] = &KnowledgeCrystal{ID: "b", RelatedIDs: []string{"a", "gone"}}

	found, missing, ok := essence.Related("b")
	require.True(t, ok)
	require.Len(t, found, 1)
	assert.Equal(t, "a", found[0].ID)
	assert.Equal(t, []string{"gone"}, missing)

	_, _, ok = essence.Related("nope")
	assert.False(t, ok)
}
