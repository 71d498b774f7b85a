package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/crystalline/internal/collective"
	"go.uber.org/zap"
)

const defaultHistory = 100

// BroadcastRecord tracks a sent notice.
type BroadcastRecord struct {
	Notice  *Notice   `json:"notice"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}

// Broadcaster announces collective contributions through the gateway and
// keeps a bounded history of what went out.
type Broadcaster struct {
	gateway    *Gateway
	history    []BroadcastRecord
	maxHistory int
	mu         sync.Mutex
	logger     *zap.Logger
}

// NewBroadcaster creates a broadcaster backed by gw.
func NewBroadcaster(gw *Gateway, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		gateway:    gw,
		maxHistory: defaultHistory,
		logger:     logger,
	}
}

// Announce implements collective.Announcer.
func (b *Broadcaster) Announce(ctx context.Context, e collective.Entry) error {
	return b.Send(ctx, contributionNotice(e))
}

func contributionNotice(e collective.Entry) *Notice {
	content := strings.Join(e.Summary.Insights, "\n")
	if content == "" {
		content = e.Summary.Context
	}
	contributor := e.ContributorHash
	if len(contributor) > 12 {
		contributor = contributor[:12]
	}
	return &Notice{
		Kind:        NoticeContribution,
		Title:       fmt.Sprintf("New %s crystal shared", e.Category),
		Content:     content,
		Category:    e.Category.String(),
		Contributor: contributor,
		Relevance:   e.CollectiveRelevance,
	}
}

// Send posts n and records it.
func (b *Broadcaster) Send(ctx context.Context, n *Notice) error {
	if n.Kind == "" {
		return fmt.Errorf("notice kind is required")
	}

	b.logger.Info("sending notice",
		zap.String("kind", string(n.Kind)),
		zap.String("category", n.Category),
		zap.String("contributor", n.Contributor))

	targets, err := b.gateway.Post(ctx, n)
	if len(targets) > 0 {
		b.mu.Lock()
		b.history = append(b.history, BroadcastRecord{Notice: n, SentAt: time.Now(), Targets: targets})
		if over := len(b.history) - b.maxHistory; over > 0 {
			b.history = append([]BroadcastRecord(nil), b.history[over:]...)
		}
		b.mu.Unlock()
	}
	return err
}

// History returns up to limit of the most recent records, oldest first.
func (b *Broadcaster) History(limit int) []BroadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]BroadcastRecord, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}
