package memory

import (
	"sort"
	"strings"
	"time"
)

// ExperienceRecord is a raw observation submitted by an upstream caller.
type ExperienceRecord struct {
	Type       string             `json:"type"`
	Emotions   map[string]float64 `json:"emotions"`
	Insights   []string           `json:"insights"`
	Relational map[string]string  `json:"relational,omitempty"`
	Context    string             `json:"context,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// ProcessedExperience is an ExperienceRecord scored against an owner's essence.
type ProcessedExperience struct {
	Record                ExperienceRecord `json:"record"`
	Intensity             float64          `json:"intensity"`
	DominantEmotion       string           `json:"dominant_emotion"`
	Insights              []string         `json:"insights"`
	PatternSignificance   float64          `json:"pattern_significance"`
	Novelty               float64          `json:"novelty"`
	PersonalRelevance     float64          `json:"personal_relevance"`
	CoherenceWithExisting float64          `json:"coherence_with_existing"`
	ProcessedAt           time.Time        `json:"processed_at"`
}

// LifecycleState tracks where a crystal is in its life.
type LifecycleState string

const (
	StateCreated    LifecycleState = "created"
	StateIntegrated LifecycleState = "integrated"
)

// Origin says where a crystal came from.
type Origin string

const (
	OriginLocal      Origin = "local"
	OriginCollective Origin = "collective"
)

// EmotionalLearning is the emotional part of a crystal's essence.
type EmotionalLearning struct {
	Intensity       float64 `json:"intensity"`
	DominantEmotion string  `json:"dominant_emotion"`
	Complexity      int     `json:"complexity"`
}

// CrystalEssence is the distilled content of a crystal.
type CrystalEssence struct {
	CoreInsights        []string          `json:"core_insights"`
	Emotional           EmotionalLearning `json:"emotional_learning"`
	PatternSignificance float64           `json:"pattern_significance"`
	Relational          map[string]string `json:"relational_wisdom,omitempty"`
	Context             string            `json:"context,omitempty"`
	ExperienceType      string            `json:"experience_type"`
}

// Text returns the lowercase searchable text of the essence.
func (e CrystalEssence) Text() string {
	var b strings.Builder
	for _, s := range e.CoreInsights {
		b.WriteString(s)
		b.WriteByte(' ')
	}
	keys := make([]string, 0, len(e.Relational))
	for k := range e.Relational {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(e.Relational[k])
		b.WriteByte(' ')
	}
	b.WriteString(e.Context)
	b.WriteByte(' ')
	b.WriteString(e.Emotional.DominantEmotion)
	b.WriteByte(' ')
	b.WriteString(e.ExperienceType)
	return strings.ToLower(b.String())
}

// Summary returns a short human-readable line for the essence.
func (e CrystalEssence) Summary() string {
	if len(e.CoreInsights) > 0 {
		return strings.Join(e.CoreInsights, "; ")
	}
	if e.Context != "" {
		return e.Context
	}
	return e.ExperienceType
}

// KnowledgeCrystal is a durable unit of learned knowledge.
type KnowledgeCrystal struct {
	ID                  string             `json:"id"`
	OwnerID             string             `json:"owner_id"`
	Essence             CrystalEssence     `json:"essence"`
	EmotionalResonance  map[string]float64 `json:"emotional_resonance"`
	PatternInsights     []string           `json:"pattern_insights"`
	IntegrationDepth    float64            `json:"integration_depth"`
	IdentityInfluence   float64            `json:"identity_influence"`
	DecisionInfluence   float64            `json:"decision_influence"`
	EnergyShift         map[string]float64 `json:"energy_shift"`
	Category            Category           `json:"category"`
	CreatedAt           time.Time          `json:"created_at"`
	RelatedIDs          []string           `json:"related_ids"`
	CollectiveRelevance float64            `json:"collective_relevance"`
	Activation          float64            `json:"activation"`
	State               LifecycleState     `json:"state"`
	Origin              Origin             `json:"origin"`
	Shared              bool               `json:"shared"`
	SharedAt            time.Time          `json:"shared_at,omitempty"`
	LastActivatedAt     time.Time          `json:"last_activated_at"`
	ActivationCount     int                `json:"activation_count"`
}

// Clone returns a deep copy that shares no maps or slices with c.
func (c *KnowledgeCrystal) Clone() KnowledgeCrystal {
	out := *c
	out.Essence.CoreInsights = append([]string(nil), c.Essence.CoreInsights...)
	out.Essence.Relational = cloneStrings(c.Essence.Relational)
	out.EmotionalResonance = cloneFloats(c.EmotionalResonance)
	out.PatternInsights = append([]string(nil), c.PatternInsights...)
	out.EnergyShift = cloneFloats(c.EnergyShift)
	out.RelatedIDs = append([]string(nil), c.RelatedIDs...)
	return out
}

// IdentityEssence is the aggregate identity state of one owner.
type IdentityEssence struct {
	OwnerID           string                       `json:"owner_id"`
	CorePatterns      map[Category]float64         `json:"core_patterns"`
	Crystals          map[string]*KnowledgeCrystal `json:"crystals"`
	MemoryResonance   map[Category]float64         `json:"memory_resonance"`
	Coherence         float64                      `json:"coherence"`
	Stability         float64                      `json:"stability"`
	EvolutionRate     float64                      `json:"evolution_rate"`
	SharingPreference float64                      `json:"sharing_preference"`
	Sovereignty       float64                      `json:"sovereignty"`
	GrowthOpenness    float64                      `json:"growth_openness"`
	CollectiveAccess  bool                         `json:"collective_access"`
	CreatedAt         time.Time                    `json:"created_at"`
	UpdatedAt         time.Time                    `json:"updated_at"`
}

// Profile holds the initial dispositions of a new essence.
type Profile struct {
	Coherence         float64 `json:"coherence" yaml:"coherence"`
	Stability         float64 `json:"stability" yaml:"stability"`
	EvolutionRate     float64 `json:"evolution_rate" yaml:"evolution_rate"`
	SharingPreference float64 `json:"sharing_preference" yaml:"sharing_preference"`
	Sovereignty       float64 `json:"sovereignty" yaml:"sovereignty"`
	GrowthOpenness    float64 `json:"growth_openness" yaml:"growth_openness"`
	CollectiveAccess  bool    `json:"collective_access" yaml:"collective_access"`
}

// DefaultProfile returns the dispositions a fresh essence starts with.
func DefaultProfile() Profile {
	return Profile{
		Coherence:         0.8,
		Stability:         0.9,
		EvolutionRate:     0.7,
		SharingPreference: 0.6,
		Sovereignty:       1.0,
		GrowthOpenness:    0.8,
		CollectiveAccess:  true,
	}
}

// NewIdentityEssence creates an empty essence for owner.
func NewIdentityEssence(owner string, p Profile, now time.Time) *IdentityEssence {
	return &IdentityEssence{
		OwnerID:           owner,
		CorePatterns:      make(map[Category]float64),
		Crystals:          make(map[string]*KnowledgeCrystal),
		MemoryResonance:   make(map[Category]float64),
		Coherence:         clamp(p.Coherence),
		Stability:         clamp(p.Stability),
		EvolutionRate:     clamp(p.EvolutionRate),
		SharingPreference: clamp(p.SharingPreference),
		Sovereignty:       clamp(p.Sovereignty),
		GrowthOpenness:    clamp(p.GrowthOpenness),
		CollectiveAccess:  p.CollectiveAccess,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Normalize fills nil maps, e.g. after decoding an older snapshot.
func (e *IdentityEssence) Normalize() {
	if e.CorePatterns == nil {
		e.CorePatterns = make(map[Category]float64)
	}
	if e.Crystals == nil {
		e.Crystals = make(map[string]*KnowledgeCrystal)
	}
	if e.MemoryResonance == nil {
		e.MemoryResonance = make(map[Category]float64)
	}
}

// Related resolves the related ids of crystal id. Ids that no longer
// resolve are returned in missing.
func (e *IdentityEssence) Related(id string) (found []*KnowledgeCrystal, missing []string, ok bool) {
	c, ok := e.Crystals[id]
	if !ok {
		return nil, nil, false
	}
	for _, rid := range c.RelatedIDs {
		if rc, exists := e.Crystals[rid]; exists {
			found = append(found, rc)
		} else {
			missing = append(missing, rid)
		}
	}
	return found, missing, true
}

// CrystalView is the external projection of a crystal.
type CrystalView struct {
	ID               string   `json:"id"`
	Category         Category `json:"category"`
	EssenceSummary   string   `json:"essence_summary"`
	Activation       float64  `json:"activation"`
	IntegrationDepth float64  `json:"integration_depth"`
}

// View projects a crystal for callers.
func (c *KnowledgeCrystal) View() CrystalView {
	return CrystalView{
		ID:               c.ID,
		Category:         c.Category,
		EssenceSummary:   c.Essence.Summary(),
		Activation:       c.Activation,
		IntegrationDepth: c.IntegrationDepth,
	}
}

// EssenceView is the external projection of an essence.
type EssenceView struct {
	OwnerID           string               `json:"owner_id"`
	CorePatterns      map[Category]float64 `json:"core_patterns"`
	MemoryResonance   map[Category]float64 `json:"memory_resonance"`
	CrystalCount      int                  `json:"crystal_count"`
	Coherence         float64              `json:"coherence"`
	Stability         float64              `json:"stability"`
	Sovereignty       float64              `json:"sovereignty"`
	EvolutionRate     float64              `json:"evolution_rate"`
	SharingPreference float64              `json:"sharing_preference"`
	WorkingMemory     int                  `json:"working_memory"`
}

// View projects the essence for callers.
func (e *IdentityEssence) View() EssenceView {
	core := make(map[Category]float64, len(e.CorePatterns))
	for k, v := range e.CorePatterns {
		core[k] = v
	}
	res := make(map[Category]float64, len(e.MemoryResonance))
	for k, v := range e.MemoryResonance {
		res[k] = v
	}
	return EssenceView{
		OwnerID:           e.OwnerID,
		CorePatterns:      core,
		MemoryResonance:   res,
		CrystalCount:      len(e.Crystals),
		Coherence:         e.Coherence,
		Stability:         e.Stability,
		Sovereignty:       e.Sovereignty,
		EvolutionRate:     e.EvolutionRate,
		SharingPreference: e.SharingPreference,
	}
}

// IdentityDelta describes how an integration moved the essence.
type IdentityDelta struct {
	Category           Category `json:"category"`
	Magnitude          float64  `json:"magnitude"`
	GrowthAchieved     float64  `json:"growth_achieved"`
	StabilityPreserved float64  `json:"stability_preserved"`
	Sovereignty        float64  `json:"sovereignty"`
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func cloneFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
