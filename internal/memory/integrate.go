package memory

import "time"

// DefaultMaxCrystals bounds the crystals one owner may hold.
const DefaultMaxCrystals = 10000

// Integrate folds c into essence. Duplicate ids and a full store are
// rejected before anything changes; otherwise every field below is
// updated before Integrate returns. Callers serialise access to essence.
func Integrate(essence *IdentityEssence, c *KnowledgeCrystal, maxCrystals int) (IdentityDelta, error) {
	if _, exists := essence.Crystals[c.ID]; exists {
		return IdentityDelta{}, &DuplicateIDError{ID: c.ID}
	}
	if maxCrystals <= 0 {
		maxCrystals = DefaultMaxCrystals
	}
	if len(essence.Crystals) >= maxCrystals {
		return IdentityDelta{}, &CapacityError{Owner: essence.OwnerID, Limit: maxCrystals}
	}

	clampCrystal(c)
	c.State = StateIntegrated
	essence.Crystals[c.ID] = c

	cat := c.Category
	essence.CorePatterns[cat] = clamp(essence.CorePatterns[cat] + 0.1*c.IdentityInfluence)
	essence.MemoryResonance[cat] = clamp(essence.MemoryResonance[cat] + 0.05*c.IntegrationDepth)
	essence.Coherence = coherence(essence)

	if c.IdentityInfluence > 0.7 {
		essence.EvolutionRate = clamp(essence.EvolutionRate + 0.1*c.IdentityInfluence)
	} else {
		essence.EvolutionRate = clamp(essence.EvolutionRate + 0.02*c.IdentityInfluence)
	}
	essence.UpdatedAt = time.Now()

	return IdentityDelta{
		Category:           cat,
		Magnitude:          c.IdentityInfluence,
		GrowthAchieved:     clamp(c.IdentityInfluence * essence.GrowthOpenness),
		StabilityPreserved: essence.Stability,
		Sovereignty:        essence.Sovereignty,
	}, nil
}

// coherence blends mean integration depth with the share of crystals
// linked to at least one other. Neither term can drop when a crystal at
// or above the mean depth with a related id is added.
func coherence(essence *IdentityEssence) float64 {
	if len(essence.Crystals) == 0 {
		return essence.Coherence
	}
	var depth float64
	linked := 0
	for _, c := range essence.Crystals {
		depth += c.IntegrationDepth
		if len(c.RelatedIDs) > 0 {
			linked++
		}
	}
	n := float64(len(essence.Crystals))
	return clamp(0.7*depth/n + 0.3*float64(linked)/n)
}

func clampCrystal(c *KnowledgeCrystal) {
	c.IntegrationDepth = clamp(c.IntegrationDepth)
	c.IdentityInfluence = clamp(c.IdentityInfluence)
	c.DecisionInfluence = clamp(c.DecisionInfluence)
	c.CollectiveRelevance = clamp(c.CollectiveRelevance)
	c.Activation = clamp(c.Activation)
	c.Essence.PatternSignificance = clamp(c.Essence.PatternSignificance)
	c.Essence.Emotional.Intensity = clamp(c.Essence.Emotional.Intensity)
	for k, v := range c.EmotionalResonance {
		c.EmotionalResonance[k] = clamp(v)
	}
	for k, v := range c.EnergyShift {
		c.EnergyShift[k] = clamp(v)
	}
	if len(c.RelatedIDs) > maxRelatedCrystals {
		c.RelatedIDs = c.RelatedIDs[:maxRelatedCrystals]
	}
}
