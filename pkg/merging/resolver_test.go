package merging

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/aggregation"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func entity(id, key string, engagement float64) *models.Entity {
	e := &models.Entity{
		ID:         id,
		Name:       "Name " + id,
		Status:     models.EntityStatusActive,
		Engagement: engagement,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	e.SetKey(key)
	return e
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "", want: "engagement"},
		{input: "engagement", want: "engagement"},
		{input: "recent", want: "recent"},
		{input: "verified", want: "verified"},
		{input: "manual", want: "manual"},
		{input: "forced:r42", want: "forced:r42"},
		{input: "forced:", wantErr: true},
		{input: "coinflip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			s, err := ParseStrategy(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownStrategy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Name())
		})
	}
}

func TestStrategies_Choose(t *testing.T) {
	high := entity("a", "K", 5)
	low := entity("b", "K", 2)

	recent := entity("c", "K", 1)
	recent.UpdatedAt = t0.Add(time.Hour)

	verified := entity("d", "K", 0.5)
	verified.Verified = true

	earlier := entity("z", "K", 2)
	earlier.CreatedAt = t0.Add(-time.Hour)

	tests := []struct {
		name     string
		strategy Strategy
		a, b     *models.Entity
		survivor string
	}{
		{"engagement keeps larger aggregate", HighestEngagement{}, low, high, "a"},
		{"engagement tie goes to earlier creation", HighestEngagement{}, low, earlier, "z"},
		{"engagement full tie goes to smaller id", HighestEngagement{}, entity("y", "K", 1), entity("x", "K", 1), "x"},
		{"recent keeps latest update", MostRecent{}, high, recent, "c"},
		{"recent tie falls back to engagement", MostRecent{}, low, high, "a"},
		{"verified wins", VerifiedFirst{}, high, verified, "d"},
		{"verified tie falls back to engagement", VerifiedFirst{}, low, high, "a"},
		{"forced", Forced{SurvivorID: "b"}, high, low, "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			survivor, loser, err := tt.strategy.Choose(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.survivor, survivor.ID)
			assert.NotEqual(t, survivor.ID, loser.ID)
		})
	}

	t.Run("forced survivor outside the pair", func(t *testing.T) {
		_, _, err := Forced{SurvivorID: "nope"}.Choose(high, low)
		assert.ErrorIs(t, err, ErrForcedNotInPair)
	})
}

func newStore(t *testing.T, entities ...*models.Entity) *store.Store {
	t.Helper()
	s, err := store.FromDocument(&models.Document{SchemaVersion: models.SchemaVersion, Entities: entities})
	require.NoError(t, err)
	return s
}

func TestResolver_Resolve(t *testing.T) {
	agg := aggregation.NewAggregator(nil, aggregation.DefaultConfig())
	r := NewResolver(nil, agg)
	ctx := context.Background()

	survivor := entity("r1", "PLACE", 0)
	survivor.Name = "留湘小聚"
	survivor.Dishes = []string{"剁椒鱼头"}
	survivor.Mentions = []models.Mention{{Key: "p1|留湘小聚", PostID: "p1", RawEngagement: 150, PostEntityCount: 1}}
	survivor.Sources = []string{"p1"}

	loser := entity("r2", "PLACE", 0)
	loser.Name = "留湘"
	loser.Aliases = []string{"Liu Xiang"}
	loser.City = "Fremont"
	loser.Dishes = []string{"小炒肉", "剁椒鱼头"}
	loser.Mentions = []models.Mention{{Key: "p2|留湘", PostID: "p2", RawEngagement: 10, PostEntityCount: 1}}
	loser.Sources = []string{"p2"}
	loser.Verified = true

	agg.RecomputeAggregate(survivor)
	agg.RecomputeAggregate(loser)

	st := newStore(t, survivor, loser)
	require.Equal(t, []string{"PLACE"}, st.KeyConflicts())

	out, err := r.Resolve(ctx, st, loser, survivor, HighestEngagement{}, "")
	require.NoError(t, err)

	assert.Equal(t, "r1", out.Survivor.ID)
	assert.Equal(t, "r2", out.Loser.ID)
	assert.Empty(t, st.KeyConflicts())

	assert.Equal(t, models.EntityStatusDuplicateMerged, loser.Status)
	assert.Equal(t, "r1", loser.MergeTarget())
	assert.Contains(t, loser.Merge.Reason, "PLACE")

	assert.Len(t, survivor.Mentions, 2)
	assert.Equal(t, 2, survivor.MentionCount)
	assert.InDelta(t, math.Log(151)+math.Log(11), survivor.Engagement, 1e-9)
	assert.Equal(t, []string{"剁椒鱼头", "小炒肉"}, survivor.Dishes)
	assert.Equal(t, []string{"留湘", "Liu Xiang"}, survivor.Aliases)
	assert.Equal(t, "Fremont", survivor.City)
	assert.True(t, survivor.Verified)
	assert.Equal(t, []string{"p1", "p2"}, survivor.Sources)
}

func TestResolver_RejectsInvalidPairs(t *testing.T) {
	r := NewResolver(nil, aggregation.NewAggregator(nil, aggregation.DefaultConfig()))
	ctx := context.Background()

	a := entity("a", "K", 1)
	b := entity("b", "OTHER", 1)
	c := entity("c", "", 1)
	tomb := entity("t", "K", 1)
	tomb.Status = models.EntityStatusDuplicateMerged
	st := newStore(t, a, b, c, tomb)

	tests := []struct {
		name string
		x, y *models.Entity
		want error
	}{
		{"different keys", a, b, ErrKeyMismatch},
		{"unkeyed", a, c, ErrKeyMismatch},
		{"same entity", a, a, ErrSameEntity},
		{"tombstone", a, tomb, ErrNotLive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, st, tt.x, tt.y, nil, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolver_ManualFlagsForReview(t *testing.T) {
	r := NewResolver(nil, aggregation.NewAggregator(nil, aggregation.DefaultConfig()))
	a := entity("a", "K", 1)
	b := entity("b", "K", 2)
	st := newStore(t, a, b)

	_, err := r.Resolve(context.Background(), st, a, b, Manual{}, "")
	assert.ErrorIs(t, err, ErrManualReview)
	assert.True(t, a.NeedsReview)
	assert.True(t, b.NeedsReview)
	assert.True(t, a.IsLive())
	assert.True(t, b.IsLive())
}

type lengthScorer struct{}

func (lengthScorer) AverageScore(dishes []string) float64 {
	total := 0
	for _, d := range dishes {
		total += len([]rune(d))
	}
	return float64(total) / float64(len(dishes))
}

func TestResolver_QualityDishPolicy(t *testing.T) {
	r := NewResolver(nil, aggregation.NewAggregator(nil, aggregation.DefaultConfig()), WithDishQuality(lengthScorer{}))

	survivor := entity("s", "K", 10)
	survivor.Dishes = []string{"鸡", "面"}
	loser := entity("l", "K", 1)
	loser.Dishes = []string{"剁椒鱼头", "水煮牛肉"}
	st := newStore(t, survivor, loser)

	_, err := r.Resolve(context.Background(), st, survivor, loser, nil, "quality sweep")
	require.NoError(t, err)
	assert.Equal(t, []string{"剁椒鱼头", "水煮牛肉"}, survivor.Dishes, "higher-quality list replaces wholesale")
}

func TestResolver_CorrectedDishesUntouched(t *testing.T) {
	r := NewResolver(nil, aggregation.NewAggregator(nil, aggregation.DefaultConfig()))

	survivor := entity("s", "K", 10)
	survivor.Dishes = []string{"招牌菜"}
	survivor.Correction = &models.CorrectionStamp{Fields: []string{aggregation.FieldDishes}}
	loser := entity("l", "K", 1)
	loser.Dishes = []string{"小炒肉"}
	st := newStore(t, survivor, loser)

	_, err := r.Resolve(context.Background(), st, survivor, loser, nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"招牌菜"}, survivor.Dishes)
}

// Random merge sequences must never leave two live holders of a key or a
// tombstone pointing at another tombstone.
func TestResolver_RandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	agg := aggregation.NewAggregator(nil, aggregation.DefaultConfig())
	r := NewResolver(nil, agg)
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		var entities []*models.Entity
		for i := 0; i < 12; i++ {
			e := entity(fmt.Sprintf("r%02d", i), fmt.Sprintf("K%d", rng.Intn(4)), float64(rng.Intn(20)))
			entities = append(entities, e)
		}
		st := newStore(t, entities...)

		for _, key := range st.KeyConflicts() {
			for len(st.Holders(key)) > 1 {
				holders := st.Holders(key)
				i, j := rng.Intn(len(holders)), rng.Intn(len(holders))
				if i == j {
					continue
				}
				_, err := r.Resolve(ctx, st, holders[i], holders[j], HighestEngagement{}, "")
				require.NoError(t, err)
			}
		}

		assert.Empty(t, st.KeyConflicts())
		for _, e := range st.All() {
			if e.IsLive() {
				continue
			}
			target, ok := st.Get(e.MergeTarget())
			require.True(t, ok, "merge target of %s exists", e.ID)
			assert.True(t, target.IsLive(), "no chain from %s", e.ID)
		}
		assert.Equal(t, 12, st.Len())
	}
}
