package collective

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/crystalline/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var today = time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)

func newTestLink(t *testing.T) (*Link, *FileBank) {
	t.Helper()
	bank, err := NewFileBank(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	h, _, err := NewHasher("test-secret")
	require.NoError(t, err)
	l := NewLink(bank, h, Config{}, zap.NewNop())
	l.now = func() time.Time { return today }
	return l, bank
}

func sharedCrystal(owner string, relevance float64) memory.KnowledgeCrystal {
	return memory.KnowledgeCrystal{
		ID:       owner + "-1",
		OwnerID:  owner,
		Category: memory.CategoryMemoryArchitecture,
		Essence: memory.CrystalEssence{
			CoreInsights:   []string{"memory wants structure", owner + " learned about wisdom"},
			Context:        "pairing with " + owner,
			ExperienceType: "learning",
		},
		CollectiveRelevance: relevance,
	}
}

type recordingAnnouncer struct {
	entries []Entry
	err     error
}

func (r *recordingAnnouncer) Announce(_ context.Context, e Entry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func TestMaybeContributeThreshold(t *testing.T) {
	ctx := context.Background()
	l, bank := newTestLink(t)

	// 0.8·0.6 = 0.48, not shared.
	e, err := l.MaybeContribute(ctx, sharedCrystal("alice", 0.8), 0.6)
	require.NoError(t, err)
	assert.Nil(t, e)

	// 1.0·0.6 = 0.6, shared.
	e, err = l.MaybeContribute(ctx, sharedCrystal("alice", 1.0), 0.6)
	require.NoError(t, err)
	require.NotNil(t, e)

	stored, err := bank.Partition(ctx, memory.CategoryMemoryArchitecture, today)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, e.ID, stored[0].ID)
	assert.Equal(t, 1.0, stored[0].CollectiveRelevance)
}

func TestContributionIsAnonymous(t *testing.T) {
	ctx := context.Background()
	l, bank := newTestLink(t)
	ann := &recordingAnnouncer{err: errors.New("slack down")}
	l.AddAnnouncer(ann)

	_, err := l.MaybeContribute(ctx, sharedCrystal("alice", 1.0), 1.0)
	require.NoError(t, err)
	require.Len(t, ann.entries, 1)

	pulled, err := l.PullRelevant(ctx, "bob", memory.CategoryMemoryArchitecture)
	require.NoError(t, err)
	require.Len(t, pulled, 1)

	raw, err := json.Marshal(pulled)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "alice")
	assert.NotEqual(t, "alice", pulled[0].ContributorHash)
	assert.Contains(t, pulled[0].Summary.Insights, "[redacted] learned about wisdom")

	stored, err := bank.Partition(ctx, memory.CategoryMemoryArchitecture, today)
	require.NoError(t, err)
	raw, err = json.Marshal(stored)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "alice")
}

func TestRedactionIgnoresWordBoundaries(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLink(t)

	owners := []string{"alice", "bob-", "carol."}
	for _, owner := range owners {
		c := memory.KnowledgeCrystal{
			ID:       owner + "1",
			OwnerID:  owner,
			Category: memory.CategoryMemoryArchitecture,
			Essence: memory.CrystalEssence{
				CoreInsights:   []string{owner + "_notes on memory wisdom", "Shared by " + strings.ToUpper(owner)},
				Context:        "with " + owner + "x",
				ExperienceType: owner + "-session",
				Emotional:      memory.EmotionalLearning{DominantEmotion: owner},
			},
			CollectiveRelevance: 1.0,
		}
		_, err := l.MaybeContribute(ctx, c, 1.0)
		require.NoError(t, err)
	}

	pulled, err := l.PullRelevant(ctx, "zed", memory.CategoryMemoryArchitecture)
	require.NoError(t, err)
	require.Len(t, pulled, len(owners))

	raw, err := json.Marshal(pulled)
	require.NoError(t, err)
	for _, owner := range owners {
		assert.NotContains(t, strings.ToLower(string(raw)), owner)
	}
	assert.Contains(t, string(raw), "[redacted]_notes on memory wisdom")
}

func TestPullRelevantFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	l, bank := newTestLink(t)
	self := l.hasher.Hash("me")
	other := l.hasher.Hash("other")

	add := func(id string, rel float64, who string, at time.Time) {
		require.NoError(t, bank.Append(ctx, Entry{
			ID:                  id,
			Category:            memory.CategoryMemoryArchitecture,
			CollectiveRelevance: rel,
			ContributorHash:     who,
			Timestamp:           at,
		}))
	}
	add("low", 0.6, other, today)
	add("mine", 0.95, self, today)
	add("a", 0.9, other, today.Add(-time.Hour))
	add("b", 0.9, other, today.Add(-time.Minute))
	add("c", 0.7, other, today.AddDate(0, 0, -1))
	add("d", 0.8, other, today.AddDate(0, 0, -2))
	add("e", 0.65, other, today)
	add("f", 0.61, other, today)
	add("ancient", 1.0, other, today.AddDate(0, 0, -30))

	pulled, err := l.PullRelevant(ctx, "me", memory.CategoryMemoryArchitecture)
	require.NoError(t, err)

	ids := make([]string, len(pulled))
	for i, e := range pulled {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"b", "a", "d", "c", "e"}, ids)
}

func TestPullRelevantOtherCategoryEmpty(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLink(t)
	_, err := l.MaybeContribute(ctx, sharedCrystal("alice", 1.0), 1.0)
	require.NoError(t, err)

	pulled, err := l.PullRelevant(ctx, "bob", memory.CategoryCreativeInsight)
	require.NoError(t, err)
	assert.Empty(t, pulled)
}

type failingBank struct{}

func (failingBank) Append(context.Context, Entry) error { return errors.New("disk full") }
func (failingBank) Partition(context.Context, memory.Category, time.Time) ([]Entry, error) {
	return nil, errors.New("disk gone")
}
func (failingBank) Close() error { return nil }

func TestLinkErrors(t *testing.T) {
	h, _, err := NewHasher("s")
	require.NoError(t, err)
	l := NewLink(failingBank{}, h, Config{}, zap.NewNop())

	_, err = l.MaybeContribute(context.Background(), sharedCrystal("alice", 1), 1)
	var le *LinkError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "contribute", le.Op)

	_, err = l.PullRelevant(context.Background(), "alice", memory.CategoryGeneral)
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "pull", le.Op)
}

func TestHasher(t *testing.T) {
	h1, random, err := NewHasher("secret-one")
	require.NoError(t, err)
	assert.False(t, random)
	h2, _, err := NewHasher("secret-two")
	require.NoError(t, err)

	assert.Equal(t, h1.Hash("alice"), h1.Hash("alice"))
	assert.NotEqual(t, h1.Hash("alice"), h1.Hash("bob"))
	assert.NotEqual(t, h1.Hash("alice"), h2.Hash("alice"))
	assert.Len(t, h1.Hash("alice"), 64)
	assert.NotContains(t, h1.Hash("alice"), "alice")

	r, random, err := NewHasher("")
	require.NoError(t, err)
	assert.True(t, random)
	assert.NotEqual(t, h1.Hash("alice"), r.Hash("alice"))
}

func TestSelfExclusionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "contributor.key")
	bank, err := NewFileBank(dir, zap.NewNop())
	require.NoError(t, err)

	link := func(wantCreated bool) *Link {
		h, created, err := NewHasherFromFile(keyPath)
		require.NoError(t, err)
		assert.Equal(t, wantCreated, created)
		l := NewLink(bank, h, Config{}, zap.NewNop())
		l.now = func() time.Time { return today }
		return l
	}

	before := link(true)
	_, err = before.MaybeContribute(ctx, sharedCrystal("alice", 1.0), 1.0)
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	after := link(false)
	own, err := after.PullRelevant(ctx, "alice", memory.CategoryMemoryArchitecture)
	require.NoError(t, err)
	assert.Empty(t, own)

	others, err := after.PullRelevant(ctx, "bob", memory.CategoryMemoryArchitecture)
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestHasherFromFileRejectsBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contributor.key")
	require.NoError(t, os.WriteFile(path, []byte("not-hex"), 0o600))
	_, _, err := NewHasherFromFile(path)
	assert.Error(t, err)
}

func TestFileBankSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	_, bank := newTestLink(t)
	e := Entry{ID: "ok", Category: memory.CategoryGeneral, CollectiveRelevance: 0.9, Timestamp: today}
	require.NoError(t, bank.Append(ctx, e))

	path := bank.partitionPath(memory.CategoryGeneral, today)
	assert.True(t, strings.HasSuffix(path, fmt.Sprintf("general/%s.jsonl", today.Format("20060102"))))
	appendRaw(t, path, "{broken\n")
	require.NoError(t, bank.Append(ctx, Entry{ID: "ok2", Category: memory.CategoryGeneral, Timestamp: today}))

	got, err := bank.Partition(ctx, memory.CategoryGeneral, today)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ok", got[0].ID)
	assert.Equal(t, "ok2", got[1].ID)

	none, err := bank.Partition(ctx, memory.CategoryGeneral, today.AddDate(0, 0, -3))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func appendRaw(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
