package models

import "time"

// Sentiment is the per-mention sentiment tag produced by extraction
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Signal maps a sentiment tag to the value blended into an entity's score.
// ok is false for neutral or unknown tags, which never move the score.
func (s Sentiment) Signal() (value float64, ok bool) {
	switch s {
	case SentimentPositive:
		return 1.0, true
	case SentimentNegative:
		return 0.0, true
	}
	return 0, false
}

// Mention is one source post's reference to an entity
type Mention struct {
	// Key is the mention identity: post id plus the normalized name it was extracted under
	Key                string    `json:"key"`
	PostID             string    `json:"post_id"`
	ObservedAt         time.Time `json:"observed_at"`
	RawEngagement      int64     `json:"raw_engagement"`
	PostEntityCount    int       `json:"post_entity_count"`
	AdjustedEngagement float64   `json:"adjusted_engagement"`
	Context            string    `json:"context,omitempty"`
	Sentiment          Sentiment `json:"sentiment,omitempty"`
	Tombstoned         bool      `json:"tombstoned,omitempty"`
	TombstoneReason    string    `json:"tombstone_reason,omitempty"`
}
