package view

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

func TestBuild(t *testing.T) {
	mentions := []models.Mention{}
	for i := 0; i < 7; i++ {
		mentions = append(mentions, models.Mention{Key: fmt.Sprintf("p%d|x", i), AdjustedEngagement: float64(i)})
	}
	mentions = append(mentions, models.Mention{Key: "dead|x", AdjustedEngagement: 100, Tombstoned: true})

	series := []models.MonthBucket{}
	for m := 1; m <= 30; m++ {
		series = append(series, models.MonthBucket{Month: fmt.Sprintf("%04d-%02d", 2024+(m-1)/12, (m-1)%12+1), Mentions: 1})
	}

	top := &models.Entity{
		ID: "r2", Name: "留湘", Status: models.EntityStatusActive, Engagement: 9,
		Dishes: []string{"a", "b", "c", "d"}, Mentions: mentions, Timeseries: series,
	}
	tieLow := &models.Entity{ID: "r3", Name: "B", Status: models.EntityStatusActive, Engagement: 1}
	tieHigh := &models.Entity{ID: "r1", Name: "A", Status: models.EntityStatusActive, Engagement: 1}
	tomb := &models.Entity{ID: "r4", Name: "T", Status: models.EntityStatusDuplicateMerged, Engagement: 50}
	rejected := &models.Entity{ID: "r5", Name: "R", Status: models.EntityStatusRejected, Engagement: 50}
	review := &models.Entity{ID: "r6", Name: "N", Status: models.EntityStatusActive, NeedsReview: true, Engagement: 50}

	doc := &models.Document{
		SchemaVersion: models.SchemaVersion,
		Entities:      []*models.Entity{tieLow, top, tomb, rejected, review, tieHigh},
		UpdatedAt:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	at := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	v := Build(doc, at)
	require.Equal(t, 3, v.Count)
	assert.Equal(t, doc.UpdatedAt, v.SourceAt)

	ids := []string{}
	for _, e := range v.Entries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"r2", "r1", "r3"}, ids)

	first := v.Entries[0]
	assert.Equal(t, []string{"a", "b", "c"}, first.TopDishes)
	require.Len(t, first.TopMentions, 5)
	assert.Equal(t, "p6|x", first.TopMentions[0].Key, "tombstoned mentions are hidden")
	require.Len(t, first.Timeseries, 24)
	assert.Equal(t, "2024-07", first.Timeseries[0].Month)

	assert.Equal(t, v, Build(doc, at), "pure")
	assert.Len(t, top.Mentions, 8, "source entity untouched")
	assert.Equal(t, "p0|x", top.Mentions[0].Key)
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	v := Build(&models.Document{Entities: []*models.Entity{{ID: "r1", Name: "A", Status: models.EntityStatusActive}}}, time.Now())

	require.NoError(t, NewFileWriter(nil, path).Write(context.Background(), v))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 1, decoded["count"])
	assert.Len(t, decoded["restaurants"], 1)
}
