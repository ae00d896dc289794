// Package aggregation maintains the engagement, mention and list-valued metrics of entities
package aggregation

import (
	"cmp"
	"math"
	"slices"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/normalizers"
)

// Correctable field names protected by operator corrections
const (
	FieldEngagement   = "engagement"
	FieldMentionCount = "mention_count"
	FieldSentiment    = "sentiment_score"
	FieldDishes       = "dishes"
	FieldTimeseries   = "timeseries"
)

// Config tunes the aggregator
type Config struct {
	MentionCap       int     // Mentions retained verbatim per entity (default: 10)
	SentimentWeight  float64 // EMA weight of a new sentiment signal (default: 0.1)
	DiscountExponent float64 // Exponent applied to N in the shared-post discount (default: 0.5)
	TimeseriesMonths int     // Monthly buckets retained (default: 24)
	MinDishLength    int     // Dishes shorter than this many runes are never attached (default: 2)
}

// DefaultConfig returns the default aggregator configuration
func DefaultConfig() Config {
	return Config{
		MentionCap:       10,
		SentimentWeight:  0.1,
		DiscountExponent: 0.5,
		TimeseriesMonths: 24,
		MinDishLength:    2,
	}
}

// DefaultSentiment is the score of an entity with no sentiment signal yet
const DefaultSentiment = 0.5

// Aggregator recomputes entity metrics from mention state
type Aggregator struct {
	logger *zap.Logger
	config Config
	now    func() time.Time
}

// NewAggregator creates a new Aggregator
func NewAggregator(logger *zap.Logger, config Config) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		logger: logger.Named("aggregation"),
		config: config,
		now:    time.Now,
	}
}

// AdjustedEngagement is ln(raw+1) / N^exponent with N floored at 1
func (a *Aggregator) AdjustedEngagement(raw int64, n int) float64 {
	if raw < 0 {
		raw = 0
	}
	if n < 1 {
		n = 1
	}
	return math.Log(float64(raw)+1) / math.Pow(float64(n), a.config.DiscountExponent)
}

// MentionKey is the identity of a mention: the post plus the name it was extracted under
func MentionKey(postID, name string) string {
	return postID + "|" + normalizers.SetKey(name)
}

// NewMention builds the mention a candidate contributes, before N is known
func (a *Aggregator) NewMention(c *models.Candidate) models.Mention {
	observed := c.PostedAt
	if observed.IsZero() {
		observed = a.now().UTC()
	}
	m := models.Mention{
		Key:             MentionKey(c.SourcePostID, c.Name),
		PostID:          c.SourcePostID,
		ObservedAt:      observed,
		RawEngagement:   max(c.Engagement, 0),
		PostEntityCount: 1,
		Context:         c.Context,
		Sentiment:       c.Sentiment,
	}
	m.AdjustedEngagement = a.AdjustedEngagement(m.RawEngagement, m.PostEntityCount)
	return m
}

// AttachMention adds m to the entity unless a mention with the same key is
// already retained or archived. Sources, sentiment and timeseries are updated
// only for a newly attached mention. The aggregate is not recomputed here.
func (a *Aggregator) AttachMention(e *models.Entity, m models.Mention) bool {
	if e.HasMention(m.Key) {
		return false
	}

	e.Mentions = append(e.Mentions, m)
	if m.PostID != "" {
		e.Sources = normalizers.MergeSet(e.Sources, m.PostID)
	}

	if signal, ok := m.Sentiment.Signal(); ok && !e.IsCorrected(FieldSentiment) {
		e.SentimentScore = a.BlendSentiment(e.SentimentScore, signal)
	}

	if !e.IsCorrected(FieldTimeseries) {
		e.Timeseries = a.addToTimeseries(e.Timeseries, m)
	}

	return true
}

// MergeDishes unions dishes into the entity's list under set-key normalization
func (a *Aggregator) MergeDishes(e *models.Entity, dishes []string) bool {
	if e.IsCorrected(FieldDishes) || len(dishes) == 0 {
		return false
	}

	accepted := make([]string, 0, len(dishes))
	for _, d := range dishes {
		if utf8.RuneCountInString(normalizers.SetKey(d)) >= a.config.MinDishLength {
			accepted = append(accepted, d)
		}
	}

	merged := normalizers.MergeSet(e.Dishes, accepted...)
	if len(merged) == len(e.Dishes) {
		return false
	}
	e.Dishes = merged
	return true
}

// BlendSentiment moves score toward signal by the configured weight, rounded to two decimals
func (a *Aggregator) BlendSentiment(score, signal float64) float64 {
	w := a.config.SentimentWeight
	return math.Round((score*(1-w)+signal*w)*100) / 100
}

// RecomputeAggregate recomputes every retained mention's adjusted engagement and
// the entity aggregate from scratch: archive plus the sum over retained
// non-tombstoned mentions. Nothing is evicted here, since N may still change
// later in the batch; see EnforceCap.
func (a *Aggregator) RecomputeAggregate(e *models.Entity) float64 {
	live, tombstoned := a.partition(e)
	return a.settle(e, live, tombstoned)
}

// EnforceCap folds live mentions beyond the retention cap into the archive at
// their current adjusted engagement, then recomputes the aggregate. Callers
// run it once N is final for the batch.
func (a *Aggregator) EnforceCap(e *models.Entity) float64 {
	live, tombstoned := a.partition(e)

	if a.config.MentionCap > 0 && len(live) > a.config.MentionCap {
		for _, evicted := range live[a.config.MentionCap:] {
			e.ArchivedEngagement += evicted.AdjustedEngagement
			e.ArchivedKeys = append(e.ArchivedKeys, evicted.Key)
		}
		live = live[:a.config.MentionCap]
	}

	return a.settle(e, live, tombstoned)
}

// partition refreshes every mention's adjusted engagement and splits live from
// tombstoned, live ordered by adjusted engagement
func (a *Aggregator) partition(e *models.Entity) (live, tombstoned []models.Mention) {
	live = make([]models.Mention, 0, len(e.Mentions))
	for _, m := range e.Mentions {
		m.PostEntityCount = max(m.PostEntityCount, 1)
		m.AdjustedEngagement = a.AdjustedEngagement(m.RawEngagement, m.PostEntityCount)
		if m.Tombstoned {
			tombstoned = append(tombstoned, m)
			continue
		}
		live = append(live, m)
	}
	slices.SortStableFunc(live, compareMentions)
	slices.SortStableFunc(tombstoned, compareMentions)
	return live, tombstoned
}

func (a *Aggregator) settle(e *models.Entity, live, tombstoned []models.Mention) float64 {
	total := e.ArchivedEngagement
	for _, m := range live {
		total += m.AdjustedEngagement
	}

	e.Mentions = append(live, tombstoned...)

	if !e.IsCorrected(FieldEngagement) {
		e.Engagement = total
	}
	if !e.IsCorrected(FieldMentionCount) {
		e.MentionCount = len(live) + len(e.ArchivedKeys)
	}

	return total
}

// compareMentions orders by adjusted engagement descending, then key
func compareMentions(x, y models.Mention) int {
	if c := cmp.Compare(y.AdjustedEngagement, x.AdjustedEngagement); c != 0 {
		return c
	}
	return cmp.Compare(x.Key, y.Key)
}

// TombstoneMention soft-deletes a disputed mention and recomputes the aggregate
func (a *Aggregator) TombstoneMention(e *models.Entity, key, reason string) bool {
	idx := e.FindMention(key)
	if idx < 0 || e.Mentions[idx].Tombstoned {
		return false
	}
	e.Mentions[idx].Tombstoned = true
	e.Mentions[idx].TombstoneReason = reason
	a.RecomputeAggregate(e)
	return true
}

// RefreshPostCounts recomputes N for every retained mention of every live entity
// as the number of distinct live entities whose sources cite the post, then
// enforces the retention cap and recomputes each aggregate. Mentions are only
// archived here, so the archive holds discounted values. It returns the ids of
// entities whose aggregate changed.
func (a *Aggregator) RefreshPostCounts(entities []*models.Entity) []string {
	counts := make(map[string]int)
	for _, e := range entities {
		if !e.IsLive() {
			continue
		}
		for _, post := range e.Sources {
			counts[post]++
		}
	}

	changed := []string{}
	for _, e := range entities {
		if !e.IsLive() {
			continue
		}
		before, archived := e.Engagement, len(e.ArchivedKeys)
		for i := range e.Mentions {
			e.Mentions[i].PostEntityCount = max(counts[e.Mentions[i].PostID], 1)
		}
		total := a.EnforceCap(e)
		if len(e.ArchivedKeys) != archived || (total != before && !e.IsCorrected(FieldEngagement)) {
			changed = append(changed, e.ID)
		}
	}

	a.logger.Debug("Refreshed shared-post counts",
		zap.Int("posts", len(counts)),
		zap.Int("changed", len(changed)),
	)

	return changed
}

// Absorb folds the loser's mention state into the survivor: mentions by key,
// archived contributions, sources and timeseries. Dishes are left to the caller.
// The survivor's aggregate is recomputed.
func (a *Aggregator) Absorb(survivor, loser *models.Entity) {
	for _, m := range loser.Mentions {
		if survivor.HasMention(m.Key) {
			continue
		}
		survivor.Mentions = append(survivor.Mentions, m)
	}

	for _, k := range loser.ArchivedKeys {
		if slices.Contains(survivor.ArchivedKeys, k) {
			continue
		}
		survivor.ArchivedKeys = append(survivor.ArchivedKeys, k)
	}
	survivor.ArchivedEngagement += loser.ArchivedEngagement

	survivor.Sources = normalizers.MergeSet(survivor.Sources, loser.Sources...)

	if !survivor.IsCorrected(FieldTimeseries) {
		survivor.Timeseries = a.mergeTimeseries(survivor.Timeseries, loser.Timeseries)
	}

	a.RecomputeAggregate(survivor)
}
