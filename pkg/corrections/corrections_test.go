package corrections

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/aggregation"
	pipelineerrors "github.com/iris-familiar/bay-area-food-map-sub000/pkg/errors"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
)

func fixtureStore(t *testing.T) *store.Store {
	t.Helper()
	a := &models.Entity{ID: "r1", Name: "留湘", City: "unknown", Status: models.EntityStatusActive}
	a.SetKey("PLACE1")
	a.Mentions = []models.Mention{{Key: "p1|留湘", PostID: "p1", RawEngagement: 150, PostEntityCount: 1}}
	a.Sources = []string{"p1"}

	b := &models.Entity{ID: "r2", Name: "留湘小聚", Status: models.EntityStatusActive}
	b.Mentions = []models.Mention{{Key: "p2|留湘小聚", PostID: "p2", RawEngagement: 10, PostEntityCount: 1}}
	b.Sources = []string{"p2"}

	c := &models.Entity{ID: "r3", Name: "Other", Status: models.EntityStatusActive}
	c.SetKey("PLACE3")

	agg := aggregation.NewAggregator(nil, aggregation.DefaultConfig())
	for _, e := range []*models.Entity{a, b, c} {
		agg.RecomputeAggregate(e)
	}

	st, err := store.FromDocument(&models.Document{
		SchemaVersion: models.SchemaVersion,
		Entities:      []*models.Entity{a, b, c},
	})
	require.NoError(t, err)
	return st
}

func newApplier() *Applier {
	return NewApplier(nil, aggregation.NewAggregator(nil, aggregation.DefaultConfig()))
}

func TestApplier_PatchesAndProtectsFields(t *testing.T) {
	ctx := context.Background()
	st := fixtureStore(t)
	a := newApplier()

	set := &models.CorrectionSet{Corrections: []models.Correction{{
		EntityID: "r1",
		FieldPatches: map[string]any{
			"city":       "Fremont",
			"rating":     4.5,
			"engagement": 100.0,
			"dishes":     []any{"剁椒鱼头"},
			"location":   map[string]any{"lat": 37.55, "lng": -121.98},
		},
		Reason: "verified on site",
	}}}

	summary, err := a.Apply(ctx, st, set)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)

	e, _ := st.Get("r1")
	assert.Equal(t, "Fremont", e.City)
	require.NotNil(t, e.Rating)
	assert.Equal(t, 4.5, *e.Rating)
	assert.Equal(t, []string{"剁椒鱼头"}, e.Dishes)
	assert.Equal(t, &models.GeoPoint{Lat: 37.55, Lng: -121.98}, e.Location)
	require.NotNil(t, e.Correction)
	assert.Equal(t, []string{"city", "dishes", "engagement", "location", "rating"}, e.Correction.Fields)

	agg := aggregation.NewAggregator(nil, aggregation.DefaultConfig())
	agg.RecomputeAggregate(e)
	assert.Equal(t, 100.0, e.Engagement, "recompute skips corrected fields")
	assert.False(t, agg.MergeDishes(e, []string{"小炒肉"}))

	t.Run("reapplying is a no-op", func(t *testing.T) {
		before, err := store.Encode(st)
		require.NoError(t, err)

		summary, err := a.Apply(ctx, st, set)
		require.NoError(t, err)
		assert.Zero(t, summary.Updated)
		assert.Equal(t, 1, summary.Skipped)

		after, err := store.Encode(st)
		require.NoError(t, err)
		assert.Equal(t, string(before), string(after))
	})
}

func TestApplier_MergeIntoAbsorbsMentions(t *testing.T) {
	st := fixtureStore(t)
	a := newApplier()

	summary, err := a.Apply(context.Background(), st, &models.CorrectionSet{Corrections: []models.Correction{{
		EntityID:     "r2",
		FieldPatches: map[string]any{"status": "duplicate_merged", "merge_into": "r1"},
		Reason:       "same restaurant",
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Merged)

	loser, _ := st.Get("r2")
	survivor, _ := st.Get("r1")
	assert.Equal(t, models.EntityStatusDuplicateMerged, loser.Status)
	assert.Equal(t, "r1", loser.MergeTarget())
	assert.Equal(t, 2, survivor.MentionCount)
	assert.Contains(t, survivor.Aliases, "留湘小聚")
}

func TestApplier_MergeIntoRefreshesSharedPosts(t *testing.T) {
	agg := aggregation.NewAggregator(nil, aggregation.DefaultConfig())

	a := &models.Entity{ID: "a", Name: "Alpha Cafe", Status: models.EntityStatusActive, Dishes: []string{"Latte"}}
	a.Mentions = []models.Mention{{Key: "p1|alphacafe", PostID: "p1", RawEngagement: 99, PostEntityCount: 1}}
	a.Sources = []string{"p1"}
	b := &models.Entity{ID: "b", Name: "Alpha Coffee", Status: models.EntityStatusActive, Dishes: []string{"Mocha", "latte"}}
	b.Mentions = []models.Mention{{Key: "p1|alphacoffee", PostID: "p1", RawEngagement: 99, PostEntityCount: 1}}
	b.Sources = []string{"p1"}

	agg.RefreshPostCounts([]*models.Entity{a, b})
	require.InDelta(t, math.Log(100)/math.Sqrt(2), a.Engagement, 1e-9)

	st, err := store.FromDocument(&models.Document{SchemaVersion: models.SchemaVersion, Entities: []*models.Entity{a, b}})
	require.NoError(t, err)

	summary, err := NewApplier(nil, agg).Apply(context.Background(), st, &models.CorrectionSet{Corrections: []models.Correction{{
		EntityID:     "b",
		FieldPatches: map[string]any{"status": "duplicate_merged", "merge_into": "a"},
		Reason:       "same cafe",
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Merged)
	assert.Contains(t, summary.UpdatedIDs, "a")

	for _, m := range a.Mentions {
		assert.Equal(t, 1, m.PostEntityCount, m.Key)
	}
	assert.InDelta(t, 2*math.Log(100), a.Engagement, 1e-9)
	assert.Equal(t, []string{"Latte", "Mocha"}, a.Dishes)
}

func TestApplier_RecordsBadCorrections(t *testing.T) {
	st := fixtureStore(t)
	a := newApplier()

	tests := []struct {
		name       string
		correction models.Correction
	}{
		{"missing reason", models.Correction{EntityID: "r1", FieldPatches: map[string]any{"city": "X"}}},
		{"unknown entity", models.Correction{EntityID: "nope", FieldPatches: map[string]any{"city": "X"}, Reason: "r"}},
		{"unknown field", models.Correction{EntityID: "r1", FieldPatches: map[string]any{"mentions": []any{}}, Reason: "r"}},
		{"wrong type", models.Correction{EntityID: "r1", FieldPatches: map[string]any{"rating": "five"}, Reason: "r"}},
		{"merge without target", models.Correction{EntityID: "r1", FieldPatches: map[string]any{"status": "duplicate_merged"}, Reason: "r"}},
		{"bad status", models.Correction{EntityID: "r1", FieldPatches: map[string]any{"status": "closed"}, Reason: "r"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := a.Apply(context.Background(), st, &models.CorrectionSet{Corrections: []models.Correction{tt.correction}})
			require.NoError(t, err, "input errors never abort")
			assert.Equal(t, 1, summary.Failed)
			require.Len(t, summary.Failures, 1)
			assert.Equal(t, string(pipelineerrors.ClassInput), summary.Failures[0].Class)
		})
	}
}

func TestApplier_KeyConflictIsFatal(t *testing.T) {
	st := fixtureStore(t)
	a := newApplier()

	_, err := a.Apply(context.Background(), st, &models.CorrectionSet{Corrections: []models.Correction{{
		EntityID:     "r2",
		FieldPatches: map[string]any{"external_key": "PLACE1"},
		Reason:       "wrong key",
	}}})
	require.Error(t, err)
	assert.True(t, pipelineerrors.IsFatal(err))
	assert.ErrorIs(t, err, store.ErrKeyClaimed)
}

func TestApplier_ClearsExternalKey(t *testing.T) {
	st := fixtureStore(t)
	a := newApplier()

	_, err := a.Apply(context.Background(), st, &models.CorrectionSet{Corrections: []models.Correction{{
		EntityID:     "r3",
		FieldPatches: map[string]any{"external_key": nil},
		Reason:       "mismatched place",
	}}})
	require.NoError(t, err)

	e, _ := st.Get("r3")
	assert.False(t, e.HasKey())
	_, ok := st.ByKey("PLACE3")
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "corrections.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"corrections":[{"entity_id":"r1","field_patches":{"city":"Fremont"},"reason":"x"}]}`), 0o644))

	yamlPath := filepath.Join(dir, "corrections.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
corrections:
  - entity_id: r1
    field_patches:
      city: Fremont
      location: {lat: 1.5, lng: 2.5}
    reason: x
`), 0o644))

	for _, path := range []string{jsonPath, yamlPath} {
		set, err := Load(path)
		require.NoError(t, err)
		require.Len(t, set.Corrections, 1)
		assert.Equal(t, "Fremont", set.Corrections[0].FieldPatches["city"])
	}

	set, err := Load(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, set.Corrections)

	st := fixtureStore(t)
	yamlSet, err := Load(yamlPath)
	require.NoError(t, err)
	_, err = newApplier().Apply(context.Background(), st, yamlSet)
	require.NoError(t, err)
	e, _ := st.Get("r1")
	assert.Equal(t, &models.GeoPoint{Lat: 1.5, Lng: 2.5}, e.Location)
}
