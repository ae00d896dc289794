// Package view derives the display index from the committed store
package view

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
)

// Limits of the per-entry projections
const (
	TopDishes        = 3
	TopMentions      = 5
	TimeseriesMonths = 24
)

// Build projects the store onto the index view. It is a pure function of doc
// and generatedAt.
func Build(doc *models.Document, generatedAt time.Time) *models.IndexView {
	entries := make([]models.IndexEntry, 0, len(doc.Entities))
	for _, e := range doc.Entities {
		if !Visible(e) {
			continue
		}
		entries = append(entries, entry(e))
	}

	slices.SortStableFunc(entries, func(a, b models.IndexEntry) int {
		if c := cmp.Compare(b.Engagement, a.Engagement); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	return &models.IndexView{
		GeneratedAt: generatedAt.UTC(),
		SourceAt:    doc.UpdatedAt,
		Count:       len(entries),
		Entries:     entries,
	}
}

// Visible reports whether an entity belongs in the index
func Visible(e *models.Entity) bool {
	return e != nil && e.Status == models.EntityStatusActive && !e.NeedsReview
}

func entry(e *models.Entity) models.IndexEntry {
	mentions := e.LiveMentions()
	slices.SortStableFunc(mentions, func(a, b models.Mention) int {
		if c := cmp.Compare(b.AdjustedEngagement, a.AdjustedEngagement); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})

	series := e.Timeseries
	if len(series) > TimeseriesMonths {
		series = series[len(series)-TimeseriesMonths:]
	}

	return models.IndexEntry{
		ID:           e.ID,
		Name:         e.Name,
		NameNative:   e.NameNative,
		NameLatin:    e.NameLatin,
		ExternalKey:  e.Key(),
		Address:      e.Address,
		City:         e.City,
		Cuisine:      e.Cuisine,
		Rating:       e.Rating,
		Location:     e.Location,
		Verified:     e.Verified,
		Engagement:   e.Engagement,
		MentionCount: e.MentionCount,
		Sentiment:    e.SentimentScore,
		TopDishes:    head(e.Dishes, TopDishes),
		TopMentions:  head(mentions, TopMentions),
		Timeseries:   append([]models.MonthBucket(nil), series...),
	}
}

func head[T any](items []T, n int) []T {
	out := make([]T, 0, min(len(items), n))
	return append(out, items[:min(len(items), n)]...)
}

// Writer persists a derived view
type Writer interface {
	Write(ctx context.Context, view *models.IndexView) error
}

// FileWriter writes the view as compact JSON
type FileWriter struct {
	logger *zap.Logger
	path   string
}

// NewFileWriter creates a writer targeting path
func NewFileWriter(logger *zap.Logger, path string) *FileWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileWriter{logger: logger.Named("view"), path: path}
}

func (w *FileWriter) Write(_ context.Context, view *models.IndexView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to encode index view: %w", err)
	}
	if err := store.WriteFileAtomic(w.path, data); err != nil {
		return err
	}
	w.logger.Info("Index view written", zap.String("path", w.path), zap.Int("count", view.Count))
	return nil
}
