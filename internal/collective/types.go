package collective

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/nidhogg/crystalline/internal/memory"
)

// Summary is the anonymized content of a shared crystal.
type Summary struct {
	Insights        []string `json:"insights"`
	Context         string   `json:"context,omitempty"`
	ExperienceType  string   `json:"experience_type,omitempty"`
	DominantEmotion string   `json:"dominant_emotion,omitempty"`
}

// Entry is one contribution in the collective bank. It never carries the
// contributor's owner id, only a keyed hash of it.
type Entry struct {
	ID                  string          `json:"id"`
	Category            memory.Category `json:"category"`
	Summary             Summary         `json:"essence_summary"`
	CollectiveRelevance float64         `json:"collective_relevance"`
	ContributorHash     string          `json:"contributor_hash"`
	Timestamp           time.Time       `json:"timestamp"`
}

// Bank is an append-only store partitioned by (category, UTC day).
type Bank interface {
	Append(ctx context.Context, e Entry) error
	Partition(ctx context.Context, category memory.Category, day time.Time) ([]Entry, error)
	Close() error
}

// Announcer publishes contributions somewhere people can see them.
type Announcer interface {
	Announce(ctx context.Context, e Entry) error
}

// LinkError wraps a collective bank failure. It is logged by the caller and
// never reaches submitters.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("collective %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

func dayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// summarize copies the shareable part of c and blanks every literal
// mention of the owner id, matched case-insensitively.
func summarize(c memory.KnowledgeCrystal) Summary {
	redact := func(s string) string { return s }
	if c.OwnerID != "" {
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(c.OwnerID))
		redact = func(s string) string { return re.ReplaceAllLiteralString(s, "[redacted]") }
	}
	insights := make([]string, len(c.Essence.CoreInsights))
	for i, s := range c.Essence.CoreInsights {
		insights[i] = redact(s)
	}
	return Summary{
		Insights:        insights,
		Context:         redact(c.Essence.Context),
		ExperienceType:  redact(c.Essence.ExperienceType),
		DominantEmotion: redact(c.Essence.Emotional.DominantEmotion),
	}
}
