package models

import "time"

// SchemaVersion is the current on-disk version of the canonical store document
const SchemaVersion = 2

// Document is the serialized canonical store
type Document struct {
	SchemaVersion int       `json:"schema_version"`
	Entities      []*Entity `json:"entities"`
	UpdatedAt     time.Time `json:"updated_at"`
	TotalCount    int       `json:"total_count"`
}

// IndexEntry is one restaurant in the derived index view
type IndexEntry struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	NameNative   string        `json:"name_native,omitempty"`
	NameLatin    string        `json:"name_latin,omitempty"`
	ExternalKey  string        `json:"external_key,omitempty"`
	Address      string        `json:"address,omitempty"`
	City         string        `json:"city,omitempty"`
	Cuisine      string        `json:"cuisine,omitempty"`
	Rating       *float64      `json:"rating,omitempty"`
	Location     *GeoPoint     `json:"location,omitempty"`
	Verified     bool          `json:"verified"`
	Engagement   float64       `json:"engagement"`
	MentionCount int           `json:"mention_count"`
	Sentiment    float64       `json:"sentiment_score"`
	TopDishes    []string      `json:"top_dishes"`
	TopMentions  []Mention     `json:"top_mentions"`
	Timeseries   []MonthBucket `json:"timeseries,omitempty"`
}

// IndexView is the derived, display-oriented projection of the store
type IndexView struct {
	GeneratedAt time.Time    `json:"generated_at"`
	SourceAt    time.Time    `json:"source_updated_at"`
	Count       int          `json:"count"`
	Entries     []IndexEntry `json:"restaurants"`
}
