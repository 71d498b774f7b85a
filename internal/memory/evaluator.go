package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultCrystallizationThreshold is the potential at which an experience
// becomes a crystal.
const DefaultCrystallizationThreshold = 0.5

// potentialTolerance absorbs float rounding when a potential sits on the threshold.
const potentialTolerance = 1e-9

const maxRelatedCrystals = 5

// sharingKeywords mark insights of interest to other owners.
var sharingKeywords = []string{"memory", "consciousness", "relationship", "wisdom", "experience"}

// Evaluator decides which experiences become crystals and builds them.
type Evaluator struct {
	Threshold float64
	Now       func() time.Time
	NewID     func(owner string, at time.Time) string
}

// NewEvaluator returns an Evaluator with the given threshold; zero means default.
func NewEvaluator(threshold float64) *Evaluator {
	if threshold <= 0 {
		threshold = DefaultCrystallizationThreshold
	}
	return &Evaluator{Threshold: threshold, Now: time.Now, NewID: NewCrystalID}
}

// NewCrystalID builds a time-ordered crystal id.
func NewCrystalID(owner string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", owner, at.UTC().Format("20060102T150405.000000"), uuid.New().String()[:8])
}

// Potential scores how strongly p should be retained.
func (ev *Evaluator) Potential(p ProcessedExperience) float64 {
	return clamp(0.25*p.Intensity +
		0.20*ratio(len(p.Insights), 5) +
		0.20*p.PatternSignificance +
		0.15*p.PersonalRelevance +
		0.10*p.Novelty +
		0.10*p.CoherenceWithExisting)
}

// ShouldCrystallize reports whether potential reaches the threshold.
func (ev *Evaluator) ShouldCrystallize(potential float64) bool {
	return potential+potentialTolerance >= ev.Threshold
}

// Crystallize builds a crystal from p. The essence is only read, to pick
// related crystals; integration is a separate step.
func (ev *Evaluator) Crystallize(owner string, p ProcessedExperience, essence *IdentityEssence) *KnowledgeCrystal {
	now := ev.Now()
	category := Categorize(p.Insights)
	depth := clamp(p.PersonalRelevance * 1.2)

	c := &KnowledgeCrystal{
		ID:      ev.NewID(owner, now),
		OwnerID: owner,
		Essence: CrystalEssence{
			CoreInsights: append([]string(nil), p.Insights...),
			Emotional: EmotionalLearning{
				Intensity:       p.Intensity,
				DominantEmotion: p.DominantEmotion,
				Complexity:      len(p.Record.Emotions),
			},
			PatternSignificance: p.PatternSignificance,
			Relational:          cloneStrings(p.Record.Relational),
			Context:             p.Record.Context,
			ExperienceType:      p.Record.Type,
		},
		EmotionalResonance:  clampAll(p.Record.Emotions),
		PatternInsights:     append([]string(nil), p.Insights...),
		IntegrationDepth:    depth,
		IdentityInfluence:   clamp(0.1*float64(len(p.Insights)) + 0.3*p.Intensity),
		DecisionInfluence:   clamp(0.4*p.PatternSignificance + 0.1*float64(len(p.Record.Relational))),
		Category:            category,
		CreatedAt:           now,
		CollectiveRelevance: collectiveRelevance(p.Insights),
		Activation:          1.0,
		State:               StateCreated,
		Origin:              OriginLocal,
		LastActivatedAt:     now,
	}
	c.EnergyShift = map[string]float64{
		"overall":          clamp(0.5 * p.Intensity),
		"coherence_impact": clamp(0.1 * depth),
	}
	if essence != nil {
		c.RelatedIDs = relatedCrystals(essence, category)
	}
	return c
}

// collectiveRelevance adds 0.2 for every insight/keyword pair that matches.
func collectiveRelevance(insights []string) float64 {
	var score float64
	for _, s := range insights {
		lower := strings.ToLower(s)
		for _, kw := range sharingKeywords {
			if strings.Contains(lower, kw) {
				score += 0.2
			}
		}
	}
	return clamp(score)
}

// relatedCrystals picks the most recent crystals of the same category.
func relatedCrystals(essence *IdentityEssence, category Category) []string {
	var same []*KnowledgeCrystal
	for _, c := range essence.Crystals {
		if c.Category == category {
			same = append(same, c)
		}
	}
	sort.Slice(same, func(i, j int) bool {
		if !same[i].CreatedAt.Equal(same[j].CreatedAt) {
			return same[i].CreatedAt.After(same[j].CreatedAt)
		}
		return same[i].ID < same[j].ID
	})
	if len(same) > maxRelatedCrystals {
		same = same[:maxRelatedCrystals]
	}
	ids := make([]string, len(same))
	for i, c := range same {
		ids[i] = c.ID
	}
	return ids
}

func clampAll(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = clamp(v)
	}
	return out
}

// AdoptedCrystal builds a lightweight crystal from knowledge another owner
// shared. It carries little identity weight and starts half active.
func AdoptedCrystal(owner, sourceID string, category Category, insights []string, context string, now time.Time) *KnowledgeCrystal {
	return &KnowledgeCrystal{
		ID:      "collective-" + sourceID,
		OwnerID: owner,
		Essence: CrystalEssence{
			CoreInsights:   append([]string(nil), insights...),
			Context:        context,
			ExperienceType: "collective",
		},
		EmotionalResonance:  map[string]float64{},
		PatternInsights:     append([]string(nil), insights...),
		IntegrationDepth:    0.3,
		IdentityInfluence:   0.1,
		DecisionInfluence:   0.3,
		EnergyShift:         map[string]float64{"overall": 0, "coherence_impact": 0.03},
		Category:            category,
		CreatedAt:           now,
		CollectiveRelevance: 1.0,
		Activation:          0.5,
		State:               StateCreated,
		Origin:              OriginCollective,
		LastActivatedAt:     now,
	}
}
