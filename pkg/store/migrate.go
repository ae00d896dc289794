package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/aggregation"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/normalizers"
)

// legacyVersion is the unversioned "restaurants" document the batch scripts grew ad hoc
const legacyVersion = 1

type versionProbe struct {
	SchemaVersion int             `json:"schema_version"`
	Restaurants   json.RawMessage `json:"restaurants"`
}

type legacyDocument struct {
	Restaurants []legacyRestaurant `json:"restaurants"`
	UpdatedAt   string             `json:"updated_at"`
}

type legacyRestaurant struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	NameEn          string               `json:"name_en"`
	Cuisine         string               `json:"cuisine"`
	City            string               `json:"city"`
	Address         string               `json:"address"`
	GoogleRating    *float64             `json:"google_rating"`
	GooglePlaceID   *string              `json:"google_place_id"`
	GoogleName      string               `json:"google_name"`
	Lat             *float64             `json:"lat"`
	Lng             *float64             `json:"lng"`
	Verified        bool                 `json:"verified"`
	Status          string               `json:"_status"`
	MergedInto      string               `json:"_merged_into"`
	MergeReason     string               `json:"_merge_reason"`
	TotalEngagement float64              `json:"total_engagement"`
	MentionCount    int                  `json:"mention_count"`
	SentimentScore  *float64             `json:"sentiment_score"`
	Recommendations []json.RawMessage    `json:"recommendations"`
	Sources         []string             `json:"sources"`
	PostDetails     []legacyPostDetail   `json:"post_details"`
	Timeseries      []models.MonthBucket `json:"timeseries"`
	UpdatedAt       string               `json:"updated_at"`
	MergeInfo       *struct {
		NeedsReview bool   `json:"needs_review"`
		AddedDate   string `json:"added_date"`
	} `json:"merge_info"`
}

type legacyPostDetail struct {
	PostID     string          `json:"post_id"`
	Title      string          `json:"title"`
	Date       string          `json:"date"`
	Engagement json.RawMessage `json:"engagement"`
}

// decodeDocument reads any supported schema version into the current document shape
func decodeDocument(data []byte) (*models.Document, error) {
	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse store document: %w", err)
	}

	switch {
	case probe.SchemaVersion == models.SchemaVersion:
		var doc models.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode store document: %w", err)
		}
		return &doc, nil
	case probe.SchemaVersion <= legacyVersion && len(probe.Restaurants) > 0:
		var legacy legacyDocument
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("failed to decode legacy store document: %w", err)
		}
		return migrateLegacy(&legacy), nil
	case probe.SchemaVersion == 0:
		// an empty, unversioned document
		return &models.Document{SchemaVersion: models.SchemaVersion}, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, probe.SchemaVersion)
}

func migrateLegacy(legacy *legacyDocument) *models.Document {
	doc := &models.Document{
		SchemaVersion: models.SchemaVersion,
		UpdatedAt:     parseLegacyTime(legacy.UpdatedAt),
	}

	for _, r := range legacy.Restaurants {
		doc.Entities = append(doc.Entities, migrateRestaurant(r))
	}
	doc.TotalCount = len(doc.Entities)
	return doc
}

func migrateRestaurant(r legacyRestaurant) *models.Entity {
	native, latin := normalizers.SplitName(r.Name)
	if r.NameEn != "" {
		latin = r.NameEn
	}

	e := &models.Entity{
		ID:             r.ID,
		Name:           r.Name,
		NameNative:     native,
		NameLatin:      latin,
		LookupName:     r.GoogleName,
		Address:        r.Address,
		City:           r.City,
		Cuisine:        r.Cuisine,
		Rating:         r.GoogleRating,
		Status:         models.EntityStatusActive,
		Verified:       r.Verified,
		Engagement:     r.TotalEngagement,
		MentionCount:   r.MentionCount,
		SentimentScore: 0.5,
		Sources:        normalizers.MergeSet(nil, r.Sources...),
		Timeseries:     r.Timeseries,
		UpdatedAt:      parseLegacyTime(r.UpdatedAt),
	}
	if r.GooglePlaceID != nil {
		e.SetKey(*r.GooglePlaceID)
	}
	if r.SentimentScore != nil {
		e.SentimentScore = *r.SentimentScore
	}
	if r.Lat != nil && r.Lng != nil {
		e.Location = &models.GeoPoint{Lat: *r.Lat, Lng: *r.Lng}
	}
	if r.City == "unknown" {
		e.City = ""
	}
	if r.Cuisine == "unknown" {
		e.Cuisine = ""
	}
	if r.MergeInfo != nil {
		e.NeedsReview = r.MergeInfo.NeedsReview
		e.CreatedAt = parseLegacyTime(r.MergeInfo.AddedDate)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.UpdatedAt
	}

	switch r.Status {
	case string(models.EntityStatusDuplicateMerged):
		e.Status = models.EntityStatusDuplicateMerged
		e.Merge = &models.MergeProvenance{Into: r.MergedInto, Reason: r.MergeReason, At: e.UpdatedAt}
	case string(models.EntityStatusRejected):
		e.Status = models.EntityStatusRejected
	}

	for _, raw := range r.Recommendations {
		if dish := legacyDish(raw); dish != "" {
			e.Dishes = normalizers.MergeSet(e.Dishes, dish)
		}
	}

	// The retained post details become mentions. Whatever the legacy totals
	// hold beyond them is archived so totals and counts survive a recompute.
	var retained float64
	for _, p := range r.PostDetails {
		raw := legacyEngagement(p.Engagement)
		m := models.Mention{
			Key:                aggregation.MentionKey(p.PostID, r.Name),
			PostID:             p.PostID,
			ObservedAt:         parseLegacyTime(p.Date),
			RawEngagement:      raw,
			PostEntityCount:    1,
			AdjustedEngagement: math.Log(float64(raw) + 1),
			Context:            p.Title,
		}
		if e.FindMention(m.Key) >= 0 {
			continue
		}
		e.Mentions = append(e.Mentions, m)
		e.Sources = normalizers.MergeSet(e.Sources, p.PostID)
		retained += m.AdjustedEngagement
	}
	if e.Engagement > retained {
		e.ArchivedEngagement = e.Engagement - retained
	}
	for i := len(e.Mentions); i < r.MentionCount; i++ {
		e.ArchivedKeys = append(e.ArchivedKeys, fmt.Sprintf("%s|legacy-%d", r.ID, i))
	}

	return e
}

// legacyDish accepts both plain strings and {"name"|"dish": ...} objects
func legacyDish(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
		Dish string `json:"dish"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Name != "" {
			return obj.Name
		}
		return obj.Dish
	}
	return ""
}

// legacyEngagement tolerates numbers and numeric strings
func legacyEngagement(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int64(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

func parseLegacyTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
