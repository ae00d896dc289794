package aggregation

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

func newTestAggregator() *Aggregator {
	a := NewAggregator(zap.NewNop(), DefaultConfig())
	a.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }
	return a
}

func mention(post string, raw int64, n int) models.Mention {
	return models.Mention{
		Key:             MentionKey(post, "name"),
		PostID:          post,
		RawEngagement:   raw,
		PostEntityCount: n,
		ObservedAt:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAggregator_AdjustedEngagement(t *testing.T) {
	a := newTestAggregator()

	tests := []struct {
		name     string
		raw      int64
		n        int
		expected float64
	}{
		{name: "shared by three entities", raw: 99, n: 3, expected: math.Log(100) / math.Sqrt(3)},
		{name: "single entity", raw: 150, n: 1, expected: math.Log(151)},
		{name: "zero engagement", raw: 0, n: 1, expected: 0},
		{name: "n floored at one", raw: 150, n: 0, expected: math.Log(151)},
		{name: "negative raw treated as zero", raw: -5, n: 2, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, a.AdjustedEngagement(tt.raw, tt.n), 1e-9)
		})
	}
}

func TestAggregator_RecomputeAggregateIsPure(t *testing.T) {
	a := newTestAggregator()
	e := &models.Entity{ID: "r1"}
	e.Mentions = []models.Mention{mention("p1", 99, 3), mention("p2", 150, 1), mention("p3", 10, 2)}
	e.Mentions[2].Tombstoned = true

	first := a.RecomputeAggregate(e)
	second := a.RecomputeAggregate(e)

	expected := math.Log(100)/math.Sqrt(3) + math.Log(151)
	assert.Equal(t, first, second)
	assert.InDelta(t, expected, first, 1e-9)
	assert.InDelta(t, expected, e.Engagement, 1e-9)
	assert.Equal(t, 2, e.MentionCount)
	assert.Len(t, e.Mentions, 3, "tombstoned mentions are retained")
}

func TestAggregator_MentionCapFoldsIntoArchive(t *testing.T) {
	a := newTestAggregator()
	e := &models.Entity{ID: "r1", Status: models.EntityStatusActive}

	var expected float64
	for i := range 15 {
		m := mention(fmt.Sprintf("p%02d", i), int64(i*10), 1)
		expected += a.AdjustedEngagement(m.RawEngagement, 1)
		require.True(t, a.AttachMention(e, m))
	}

	total := a.RecomputeAggregate(e)
	assert.Len(t, e.Mentions, 15, "recompute never evicts")
	assert.InDelta(t, expected, total, 1e-9)

	assert.Equal(t, []string{"r1"}, a.RefreshPostCounts([]*models.Entity{e}))

	assert.Len(t, e.Mentions, 10)
	assert.Len(t, e.ArchivedKeys, 5)
	assert.Equal(t, 15, e.MentionCount)
	assert.InDelta(t, expected, e.Engagement, 1e-9)
	assert.Equal(t, "p14", e.Mentions[0].PostID, "highest adjusted engagement first")

	// Archived mentions are still recognized.
	assert.False(t, a.AttachMention(e, mention("p00", 0, 1)))
	assert.InDelta(t, expected, a.RecomputeAggregate(e), 1e-9)
}

func TestAggregator_ArchiveKeepsSharedPostDiscount(t *testing.T) {
	a := newTestAggregator()

	alpha := &models.Entity{ID: "alpha", Status: models.EntityStatusActive}
	for i := range 10 {
		a.AttachMention(alpha, mention(fmt.Sprintf("own%02d", i), 1000, 1))
	}
	a.RefreshPostCounts([]*models.Entity{alpha})
	require.Empty(t, alpha.ArchivedKeys)

	entities := []*models.Entity{alpha}
	for _, id := range []string{"beta", "gamma", "delta"} {
		entities = append(entities, &models.Entity{ID: id, Status: models.EntityStatusActive})
	}
	for _, e := range entities {
		require.True(t, a.AttachMention(e, mention("shared", 100, 1)))
		a.RecomputeAggregate(e)
	}

	a.RefreshPostCounts(entities)

	discounted := math.Log(101) / 2
	require.Equal(t, []string{MentionKey("shared", "name")}, alpha.ArchivedKeys)
	assert.InDelta(t, discounted, alpha.ArchivedEngagement, 1e-9)
	assert.InDelta(t, 10*math.Log(1001)+discounted, alpha.Engagement, 1e-9)
	assert.Equal(t, 11, alpha.MentionCount)
	assert.Len(t, alpha.Mentions, 10)

	beta := entities[1]
	assert.InDelta(t, discounted, beta.Engagement, 1e-9)
}

func TestAggregator_AttachMentionIsIdempotent(t *testing.T) {
	a := newTestAggregator()
	e := &models.Entity{ID: "r1", SentimentScore: DefaultSentiment}

	m := mention("p1", 20, 1)
	m.Sentiment = models.SentimentPositive

	assert.True(t, a.AttachMention(e, m))
	assert.False(t, a.AttachMention(e, m))

	assert.Len(t, e.Mentions, 1)
	assert.Equal(t, []string{"p1"}, e.Sources)
	assert.Equal(t, 0.55, e.SentimentScore)
	require.Len(t, e.Timeseries, 1)
	assert.Equal(t, models.MonthBucket{Month: "2026-03", Mentions: 1, Engagement: 20}, e.Timeseries[0])
}

func TestAggregator_BlendSentiment(t *testing.T) {
	a := newTestAggregator()

	tests := []struct {
		name     string
		score    float64
		signal   float64
		expected float64
	}{
		{name: "positive from neutral", score: 0.5, signal: 1.0, expected: 0.55},
		{name: "negative from neutral", score: 0.5, signal: 0.0, expected: 0.45},
		{name: "single negative only nudges", score: 0.9, signal: 0.0, expected: 0.81},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, a.BlendSentiment(tt.score, tt.signal))
		})
	}

	t.Run("neutral does not move the score", func(t *testing.T) {
		e := &models.Entity{SentimentScore: 0.7}
		m := mention("p1", 1, 1)
		m.Sentiment = models.SentimentNeutral
		a.AttachMention(e, m)
		assert.Equal(t, 0.7, e.SentimentScore)
	})
}

func TestAggregator_MergeDishes(t *testing.T) {
	a := newTestAggregator()
	e := &models.Entity{Dishes: []string{"Kung Pao Chicken"}}

	changed := a.MergeDishes(e, []string{"kung pao chicken ", "剁椒鱼头", "x", "Mapo Tofu"})
	assert.True(t, changed)
	assert.Equal(t, []string{"Kung Pao Chicken", "剁椒鱼头", "Mapo Tofu"}, e.Dishes)

	assert.False(t, a.MergeDishes(e, []string{"剁椒鱼头"}))

	e.Correction = &models.CorrectionStamp{Fields: []string{FieldDishes}}
	assert.False(t, a.MergeDishes(e, []string{"New Dish"}))
}

func TestAggregator_TimeseriesCap(t *testing.T) {
	a := newTestAggregator()
	e := &models.Entity{}

	start := time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)
	for i := range 30 {
		m := mention(fmt.Sprintf("p%d", i), 5, 1)
		m.ObservedAt = start.AddDate(0, i, 0)
		a.AttachMention(e, m)
	}

	require.Len(t, e.Timeseries, 24)
	assert.Equal(t, "2023-07", e.Timeseries[0].Month)
	assert.Equal(t, "2025-06", e.Timeseries[23].Month)
}

func TestAggregator_RefreshPostCounts(t *testing.T) {
	a := newTestAggregator()

	e1 := &models.Entity{ID: "r1", Status: models.EntityStatusActive}
	e2 := &models.Entity{ID: "r2", Status: models.EntityStatusActive}
	e3 := &models.Entity{ID: "r3", Status: models.EntityStatusActive}
	merged := &models.Entity{ID: "r4", Status: models.EntityStatusDuplicateMerged, Sources: []string{"shared"}}

	a.AttachMention(e1, mention("shared", 99, 1))
	a.AttachMention(e2, mention("shared", 99, 1))
	a.AttachMention(e3, mention("shared", 99, 1))
	a.AttachMention(e3, mention("solo", 150, 1))

	changed := a.RefreshPostCounts([]*models.Entity{e1, e2, e3, merged})

	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, changed)
	assert.InDelta(t, math.Log(100)/math.Sqrt(3), e1.Engagement, 1e-9)
	assert.InDelta(t, math.Log(100)/math.Sqrt(3)+math.Log(151), e3.Engagement, 1e-9)
	for _, m := range e1.Mentions {
		assert.Equal(t, 3, m.PostEntityCount)
	}

	// Converged: a second refresh changes nothing.
	assert.Empty(t, a.RefreshPostCounts([]*models.Entity{e1, e2, e3, merged}))
}

func TestAggregator_RecomputeSkipsCorrectedFields(t *testing.T) {
	a := newTestAggregator()
	e := &models.Entity{
		Engagement:   42,
		MentionCount: 7,
		Correction:   &models.CorrectionStamp{Fields: []string{FieldEngagement, FieldMentionCount}},
	}
	a.AttachMention(e, mention("p1", 150, 1))

	total := a.RecomputeAggregate(e)
	assert.InDelta(t, math.Log(151), total, 1e-9)
	assert.Equal(t, 42.0, e.Engagement)
	assert.Equal(t, 7, e.MentionCount)
}

func TestAggregator_Absorb(t *testing.T) {
	a := newTestAggregator()
	survivor := &models.Entity{ID: "r1", Sources: []string{"p1"}}
	loser := &models.Entity{ID: "r2", Sources: []string{"p1", "p2"}, ArchivedEngagement: 1.5, ArchivedKeys: []string{"old|x"}}

	a.AttachMention(survivor, mention("p1", 99, 1))
	loser.Mentions = []models.Mention{mention("p1", 99, 1), mention("p2", 150, 1)}

	a.Absorb(survivor, loser)

	assert.Len(t, survivor.Mentions, 2)
	assert.Equal(t, []string{"p1", "p2"}, survivor.Sources)
	assert.Equal(t, []string{"old|x"}, survivor.ArchivedKeys)
	assert.InDelta(t, 1.5+math.Log(100)+math.Log(151), survivor.Engagement, 1e-9)
	assert.Equal(t, 3, survivor.MentionCount)
}

func TestAggregator_TombstoneMention(t *testing.T) {
	a := newTestAggregator()
	e := &models.Entity{}
	a.AttachMention(e, mention("p1", 150, 1))
	a.AttachMention(e, mention("p2", 99, 1))
	a.RecomputeAggregate(e)

	assert.True(t, a.TombstoneMention(e, MentionKey("p2", "name"), "disputed"))
	assert.False(t, a.TombstoneMention(e, MentionKey("p2", "name"), "disputed"))
	assert.InDelta(t, math.Log(151), e.Engagement, 1e-9)
	assert.Equal(t, 1, e.MentionCount)
}
