package collective

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/crystalline/internal/memory"
	"go.uber.org/zap"
)

// Config controls what is shared and what is pulled back.
type Config struct {
	ShareThreshold float64 // share when relevance·preference exceeds this (default 0.5)
	PullThreshold  float64 // pull entries whose relevance exceeds this (default 0.6)
	PullLimit      int     // entries returned per pull (default 5)
	LookbackDays   int     // partitions read per pull, today included (default 7)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShareThreshold: 0.5,
		PullThreshold:  0.6,
		PullLimit:      5,
		LookbackDays:   7,
	}
}

// Link moves crystals between one process's owners and the collective bank.
type Link struct {
	bank       Bank
	hasher     *Hasher
	cfg        Config
	announcers []Announcer
	now        func() time.Time
	logger     *zap.Logger
}

// NewLink creates a Link. Zero config fields use the defaults.
func NewLink(bank Bank, hasher *Hasher, cfg Config, logger *zap.Logger) *Link {
	def := DefaultConfig()
	if cfg.ShareThreshold <= 0 {
		cfg.ShareThreshold = def.ShareThreshold
	}
	if cfg.PullThreshold <= 0 {
		cfg.PullThreshold = def.PullThreshold
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = def.PullLimit
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	return &Link{bank: bank, hasher: hasher, cfg: cfg, now: time.Now, logger: logger}
}

// AddAnnouncer registers a destination for contribution announcements.
func (l *Link) AddAnnouncer(a Announcer) {
	l.announcers = append(l.announcers, a)
}

// ShareScore is how strongly c should be offered to other owners.
func ShareScore(c memory.KnowledgeCrystal, sharingPreference float64) float64 {
	return c.CollectiveRelevance * sharingPreference
}

// MaybeContribute appends an anonymized copy of c to the bank when its
// share score passes the threshold. It returns the entry written, or nil
// when c was not shared.
func (l *Link) MaybeContribute(ctx context.Context, c memory.KnowledgeCrystal, sharingPreference float64) (*Entry, error) {
	score := ShareScore(c, sharingPreference)
	if score <= l.cfg.ShareThreshold {
		return nil, nil
	}

	e := Entry{
		ID:                  uuid.New().String(),
		Category:            c.Category,
		Summary:             summarize(c),
		CollectiveRelevance: c.CollectiveRelevance,
		ContributorHash:     l.hasher.Hash(c.OwnerID),
		Timestamp:           l.now().UTC(),
	}
	if err := l.bank.Append(ctx, e); err != nil {
		return nil, &LinkError{Op: "contribute", Err: err}
	}

	l.logger.Info("crystal shared with collective",
		zap.String("category", e.Category.String()),
		zap.String("entry", e.ID),
		zap.Float64("share_score", score))

	for _, a := range l.announcers {
		if err := a.Announce(ctx, e); err != nil {
			l.logger.Warn("announce contribution failed", zap.String("entry", e.ID), zap.Error(err))
		}
	}
	return &e, nil
}

// PullRelevant returns the most relevant recent entries of category that
// were contributed by someone other than owner.
func (l *Link) PullRelevant(ctx context.Context, owner string, category memory.Category) ([]Entry, error) {
	self := l.hasher.Hash(owner)
	today := l.now().UTC()

	var matches []Entry
	for d := 0; d < l.cfg.LookbackDays; d++ {
		entries, err := l.bank.Partition(ctx, category, today.AddDate(0, 0, -d))
		if err != nil {
			return nil, &LinkError{Op: "pull", Err: err}
		}
		for _, e := range entries {
			if e.CollectiveRelevance > l.cfg.PullThreshold && e.ContributorHash != self {
				matches = append(matches, e)
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CollectiveRelevance != matches[j].CollectiveRelevance {
			return matches[i].CollectiveRelevance > matches[j].CollectiveRelevance
		}
		if !matches[i].Timestamp.Equal(matches[j].Timestamp) {
			return matches[i].Timestamp.After(matches[j].Timestamp)
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > l.cfg.PullLimit {
		matches = matches[:l.cfg.PullLimit]
	}
	return matches, nil
}

// Close closes the underlying bank.
func (l *Link) Close() error {
	return l.bank.Close()
}
