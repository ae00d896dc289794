package models

import "time"

// Candidate is a transient, unresolved mention produced by upstream extraction
type Candidate struct {
	Name         string    `json:"name" validate:"required"`
	Address      string    `json:"address,omitempty"`
	City         string    `json:"city,omitempty"`
	Dishes       []string  `json:"dishes,omitempty"`
	Sentiment    Sentiment `json:"sentiment,omitempty" validate:"omitempty,oneof=positive neutral negative"`
	ExternalKey  string    `json:"external_key,omitempty"`
	Engagement   int64     `json:"engagement" validate:"gte=0"`
	SourcePostID string    `json:"source_post_id" validate:"required"`
	SourceTitle  string    `json:"source_title,omitempty"`
	PostedAt     time.Time `json:"posted_at,omitempty"`
	Context      string    `json:"context,omitempty"`

	// Filled by lookup enrichment
	Rating   *float64  `json:"rating,omitempty"`
	Location *GeoPoint `json:"location,omitempty"`
	// LookupName is the verified display name returned by the lookup collaborator
	LookupName string `json:"lookup_name,omitempty"`
}

// HasKey reports whether the candidate arrived with, or was enriched with, an external key
func (c *Candidate) HasKey() bool {
	return c.ExternalKey != ""
}

// MatchKind describes how a candidate was resolved against the store
type MatchKind string

const (
	MatchKindNew   MatchKind = "new"
	MatchKindKey   MatchKind = "key"
	MatchKindFuzzy MatchKind = "fuzzy"
)

// MatchResult is either an existing entity or New
type MatchResult struct {
	Kind   MatchKind `json:"kind"`
	Entity *Entity   `json:"-"`
	Score  float64   `json:"score"`
	// Corroborated is set when a native-script match was accepted on location evidence
	Corroborated bool `json:"corroborated,omitempty"`
}

// IsNew reports whether no existing entity matched
func (r MatchResult) IsNew() bool {
	return r.Kind == MatchKindNew || r.Entity == nil
}
