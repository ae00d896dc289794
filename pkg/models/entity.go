package models

import (
	"slices"
	"time"
)

// EntityStatus is the lifecycle tag of a canonical restaurant record
type EntityStatus string

const (
	// EntityStatusActive is a live canonical record
	EntityStatusActive EntityStatus = "active"
	// EntityStatusDuplicateMerged is a tombstone pointing at its merge survivor
	EntityStatusDuplicateMerged EntityStatus = "duplicate_merged"
	// EntityStatusRejected is a record an operator ruled out (not a restaurant, out of region, ...)
	EntityStatusRejected EntityStatus = "rejected"
)

// Valid reports whether s is a known status
func (s EntityStatus) Valid() bool {
	switch s {
	case EntityStatusActive, EntityStatusDuplicateMerged, EntityStatusRejected:
		return true
	}
	return false
}

// GeoPoint is a latitude/longitude pair
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// MonthBucket aggregates mentions observed within one calendar month (YYYY-MM)
type MonthBucket struct {
	Month      string `json:"month"`
	Mentions   int    `json:"mentions"`
	Engagement int64  `json:"engagement"`
}

// MergeProvenance records why and where a tombstoned entity went
type MergeProvenance struct {
	Into   string    `json:"into"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// CorrectionStamp records that an operator correction touched this entity.
// Fields listed here are protected from automated recompute.
type CorrectionStamp struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Fields []string  `json:"fields"`
}

// Entity is the canonical restaurant record
type Entity struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	NameNative  string       `json:"name_native,omitempty"`
	NameLatin   string       `json:"name_latin,omitempty"`
	Aliases     []string     `json:"aliases,omitempty"`
	ExternalKey *string      `json:"external_key"`
	LookupName  string       `json:"lookup_name,omitempty"`
	Address     string       `json:"address,omitempty"`
	City        string       `json:"city,omitempty"`
	Location    *GeoPoint    `json:"location,omitempty"`
	Cuisine     string       `json:"cuisine,omitempty"`
	Rating      *float64     `json:"rating,omitempty"`
	Status      EntityStatus `json:"status"`
	Verified    bool         `json:"verified"`
	NeedsReview bool         `json:"needs_review,omitempty"`

	Engagement         float64 `json:"engagement"`
	MentionCount       int     `json:"mention_count"`
	SentimentScore     float64 `json:"sentiment_score"`
	ArchivedEngagement float64 `json:"archived_engagement,omitempty"`
	// ArchivedKeys identifies mentions evicted by the retention cap; their
	// contribution lives on in ArchivedEngagement
	ArchivedKeys []string `json:"archived_keys,omitempty"`

	Mentions   []Mention     `json:"mentions"`
	Dishes     []string      `json:"dishes"`
	Sources    []string      `json:"sources"`
	Timeseries []MonthBucket `json:"timeseries,omitempty"`

	LookupFailure *LookupFailure   `json:"lookup_failure,omitempty"`
	Merge         *MergeProvenance `json:"merge,omitempty"`
	Correction    *CorrectionStamp `json:"correction,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLive reports whether the entity still participates in matching and key ownership
func (e *Entity) IsLive() bool {
	return e.Status != EntityStatusDuplicateMerged
}

// Key returns the external identity key or "" when unverified
func (e *Entity) Key() string {
	if e.ExternalKey == nil {
		return ""
	}
	return *e.ExternalKey
}

// HasKey reports whether the entity holds a non-empty external key
func (e *Entity) HasKey() bool {
	return e.ExternalKey != nil && *e.ExternalKey != ""
}

// SetKey assigns the external key; an empty key clears it
func (e *Entity) SetKey(key string) {
	if key == "" {
		e.ExternalKey = nil
		return
	}
	e.ExternalKey = &key
}

// IsCorrected reports whether an operator correction protects the given field
func (e *Entity) IsCorrected(field string) bool {
	return e.Correction != nil && slices.Contains(e.Correction.Fields, field)
}

// MergeTarget returns the survivor id of a tombstone, or ""
func (e *Entity) MergeTarget() string {
	if e.Merge == nil {
		return ""
	}
	return e.Merge.Into
}

// LiveMentions returns the retained mentions that are not tombstoned
func (e *Entity) LiveMentions() []Mention {
	out := make([]Mention, 0, len(e.Mentions))
	for _, m := range e.Mentions {
		if !m.Tombstoned {
			out = append(out, m)
		}
	}
	return out
}

// HasMention reports whether a mention key is retained or archived
func (e *Entity) HasMention(key string) bool {
	return e.FindMention(key) >= 0 || slices.Contains(e.ArchivedKeys, key)
}

// FindMention returns the index of the mention with the given identity key, or -1
func (e *Entity) FindMention(key string) int {
	for i, m := range e.Mentions {
		if m.Key == key {
			return i
		}
	}
	return -1
}
