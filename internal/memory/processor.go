package memory

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	maxInsights     = 64
	maxInsightBytes = 4096
)

var ownerIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateOwnerID checks that id is usable as an owner key and file name.
func ValidateOwnerID(id string) error {
	if !ownerIDRe.MatchString(id) {
		return &ValidationError{Field: "owner", Reason: fmt.Sprintf("%q must match %s", id, ownerIDRe.String())}
	}
	return nil
}

// Validate checks the record without modifying it.
func (r *ExperienceRecord) Validate() error {
	for name, v := range r.Emotions {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: "emotions", Reason: "empty emotion name"}
		}
		if math.IsNaN(v) || v < 0 || v > 1 {
			return &ValidationError{Field: "emotions", Reason: fmt.Sprintf("%s=%v outside [0,1]", name, v)}
		}
	}
	if len(r.Insights) > maxInsights {
		return &ValidationError{Field: "insights", Reason: fmt.Sprintf("%d insights exceeds %d", len(r.Insights), maxInsights)}
	}
	for _, s := range r.Insights {
		if len(s) > maxInsightBytes {
			return &ValidationError{Field: "insights", Reason: fmt.Sprintf("insight longer than %d bytes", maxInsightBytes)}
		}
	}
	return nil
}

// Process scores raw against essence. It is deterministic for equal
// inputs and does not modify either argument; buffering the result is
// the caller's job.
func Process(raw ExperienceRecord, essence *IdentityEssence, now time.Time) (ProcessedExperience, error) {
	if err := raw.Validate(); err != nil {
		return ProcessedExperience{}, err
	}
	if raw.Type == "" {
		raw.Type = "general"
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = now
	}

	insights := make([]string, 0, len(raw.Insights))
	for _, s := range raw.Insights {
		if s = strings.TrimSpace(s); s != "" {
			insights = append(insights, s)
		}
	}

	intensity, dominant := emotionalProfile(raw.Emotions)
	insightSignal := ratio(len(insights), 5)
	relationalSignal := ratio(len(raw.Relational), 3)
	emotionalSignal := ratio(len(raw.Emotions), 4)

	p := ProcessedExperience{
		Record:                raw,
		Intensity:             intensity,
		DominantEmotion:       dominant,
		Insights:              insights,
		PatternSignificance:   clamp(0.4*insightSignal + 0.3*relationalSignal + 0.3*emotionalSignal),
		PersonalRelevance:     clamp(0.3 + 0.4*intensity + 0.3*relationalSignal),
		CoherenceWithExisting: 0.5,
		ProcessedAt:           now,
	}

	tokens := experienceTokens(raw, insights)
	p.Novelty = clamp(0.5*distinctiveness(tokens, essence) + 0.5*intensity)
	if essence != nil {
		p.CoherenceWithExisting = clamp(0.5 + 0.5*essence.CorePatterns[Categorize(insights)])
	}
	return p, nil
}

// emotionalProfile returns the mean emotion value and the strongest
// emotion, ties broken by name.
func emotionalProfile(emotions map[string]float64) (float64, string) {
	if len(emotions) == 0 {
		return 0, "neutral"
	}
	names := make([]string, 0, len(emotions))
	for name := range emotions {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum float64
	dominant := names[0]
	for _, name := range names {
		v := emotions[name]
		sum += v
		if v > emotions[dominant] {
			dominant = name
		}
	}
	return clamp(sum / float64(len(emotions))), dominant
}

func experienceTokens(raw ExperienceRecord, insights []string) []string {
	var b strings.Builder
	for _, s := range insights {
		b.WriteString(s)
		b.WriteByte(' ')
	}
	for _, v := range raw.Relational {
		b.WriteString(v)
		b.WriteByte(' ')
	}
	b.WriteString(raw.Context)
	return tokenize(b.String())
}

// distinctiveness is the share of tokens the essence has never seen.
func distinctiveness(tokens []string, essence *IdentityEssence) float64 {
	if len(tokens) == 0 {
		return 0
	}
	if essence == nil || len(essence.Crystals) == 0 {
		return 1
	}
	vocab := make(map[string]struct{})
	for _, c := range essence.Crystals {
		for _, w := range tokenize(c.Essence.Text()) {
			vocab[w] = struct{}{}
		}
	}
	unseen := 0
	for _, w := range tokens {
		if _, ok := vocab[w]; !ok {
			unseen++
		}
	}
	return float64(unseen) / float64(len(tokens))
}

func ratio(n, full int) float64 {
	return math.Min(float64(n)/float64(full), 1)
}
