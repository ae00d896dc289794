// Package merging resolves canonical entities discovered to be the same physical place
package merging

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/aggregation"
	pipelineerrors "github.com/iris-familiar/bay-area-food-map-sub000/pkg/errors"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/normalizers"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
)

var (
	ErrKeyMismatch = errors.New("entities do not share an external key")
	ErrNotLive     = errors.New("entity is already merged")
	ErrSameEntity  = errors.New("cannot resolve an entity against itself")
)

// DishPolicy decides how the loser's dishes reach the survivor
type DishPolicy string

const (
	// DishPolicyUnion merges dish lists as normalized sets
	DishPolicyUnion DishPolicy = "union"
	// DishPolicyQuality keeps whichever list has the higher average dish score, wholesale
	DishPolicyQuality DishPolicy = "quality"
)

// DishScorer rates a dish list
type DishScorer interface {
	AverageScore(dishes []string) float64
}

// Outcome describes a completed merge
type Outcome struct {
	Survivor *models.Entity
	Loser    *models.Entity
	Strategy string
}

// Resolver merges the weaker of two key-sharing entities into the stronger
type Resolver struct {
	logger     *zap.Logger
	aggregator *aggregation.Aggregator
	dishPolicy DishPolicy
	dishScorer DishScorer
}

// Option configures a Resolver
type Option func(*Resolver)

// WithDishQuality makes merges keep the higher-quality dish list wholesale
func WithDishQuality(scorer DishScorer) Option {
	return func(r *Resolver) {
		r.dishPolicy = DishPolicyQuality
		r.dishScorer = scorer
	}
}

// NewResolver creates a new Resolver
func NewResolver(logger *zap.Logger, aggregator *aggregation.Aggregator, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		logger:     logger.Named("merging"),
		aggregator: aggregator,
		dishPolicy: DishPolicyUnion,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve merges a and b, which must be distinct live entities sharing one
// non-null external key. The loser is tombstoned, never deleted.
func (r *Resolver) Resolve(ctx context.Context, st *store.Store, a, b *models.Entity, strategy Strategy, reason string) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Resolver.Resolve")
	defer span.End()

	if err := checkPair(a, b); err != nil {
		tracing.RecordError(span, err)
		return nil, pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err)
	}

	if strategy == nil {
		strategy = HighestEngagement{}
	}

	survivor, loser, err := r.Choose(a, b, strategy)
	if err != nil {
		return nil, err
	}

	return r.Merge(ctx, st, survivor, loser, strategy.Name(), reason)
}

// Choose applies strategy to the pair as it stands. The manual strategy flags
// both entities for review and returns ErrManualReview.
func (r *Resolver) Choose(a, b *models.Entity, strategy Strategy) (survivor, loser *models.Entity, err error) {
	if strategy == nil {
		strategy = HighestEngagement{}
	}

	survivor, loser, err = strategy.Choose(a, b)
	if errors.Is(err, ErrManualReview) {
		a.NeedsReview = true
		b.NeedsReview = true
		r.logger.Warn("Conflict flagged for manual review",
			zap.String("a", a.ID),
			zap.String("b", b.ID),
			zap.String("strategy", strategy.Name()),
		)
	}
	return survivor, loser, err
}

// Merge folds loser into survivor once the survivor has been chosen. Both must
// be live and share one external key.
func (r *Resolver) Merge(ctx context.Context, st *store.Store, survivor, loser *models.Entity, strategyName, reason string) (*Outcome, error) {
	_, span := tracing.StartSpan(ctx, "merging.Resolver.Merge")
	defer span.End()

	if err := checkPair(survivor, loser); err != nil {
		tracing.RecordError(span, err)
		return nil, pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err)
	}

	if reason == "" {
		reason = fmt.Sprintf("shared external key %s (%s)", survivor.Key(), strategyName)
	}

	r.absorb(survivor, loser)

	if err := st.MarkMerged(loser, survivor, reason); err != nil {
		tracing.RecordError(span, err)
		return nil, pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err)
	}

	r.logger.Info("Merged duplicate entity",
		zap.String("key", survivor.Key()),
		zap.String("strategy", strategyName),
		zap.String("survivor", survivor.ID),
		zap.String("loser", loser.ID),
		zap.Float64("engagement", survivor.Engagement),
	)

	return &Outcome{Survivor: survivor, Loser: loser, Strategy: strategyName}, nil
}

func checkPair(a, b *models.Entity) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: missing entity", ErrKeyMismatch)
	}
	if a == b || a.ID == b.ID {
		return fmt.Errorf("%w: %s", ErrSameEntity, a.ID)
	}
	if !a.IsLive() {
		return fmt.Errorf("%w: %s", ErrNotLive, a.ID)
	}
	if !b.IsLive() {
		return fmt.Errorf("%w: %s", ErrNotLive, b.ID)
	}
	if !a.HasKey() || !b.HasKey() || a.Key() != b.Key() {
		return fmt.Errorf("%w: %s=%q %s=%q", ErrKeyMismatch, a.ID, a.Key(), b.ID, b.Key())
	}
	return nil
}

// absorb moves the loser's mention state, dishes, names and blank descriptive
// fields onto the survivor
func (r *Resolver) absorb(survivor, loser *models.Entity) {
	r.aggregator.Absorb(survivor, loser)

	if !survivor.IsCorrected(aggregation.FieldDishes) {
		survivor.Dishes = r.mergeDishes(survivor.Dishes, loser.Dishes)
	}

	aliases := normalizers.MergeSet(survivor.Aliases, append([]string{loser.Name}, loser.Aliases...)...)
	survivor.Aliases = aliases[:0]
	for _, alias := range aliases {
		if normalizers.SetKey(alias) != normalizers.SetKey(survivor.Name) {
			survivor.Aliases = append(survivor.Aliases, alias)
		}
	}

	survivor.Verified = survivor.Verified || loser.Verified
	if survivor.Verified {
		survivor.LookupFailure = nil
	}
	if survivor.Address == "" {
		survivor.Address = loser.Address
	}
	if survivor.City == "" {
		survivor.City = loser.City
	}
	if survivor.Cuisine == "" {
		survivor.Cuisine = loser.Cuisine
	}
	if survivor.Location == nil {
		survivor.Location = loser.Location
	}
	if survivor.Rating == nil {
		survivor.Rating = loser.Rating
	}
	if survivor.LookupName == "" {
		survivor.LookupName = loser.LookupName
	}
	if loser.CreatedAt.Before(survivor.CreatedAt) && !loser.CreatedAt.IsZero() {
		survivor.CreatedAt = loser.CreatedAt
	}
}

func (r *Resolver) mergeDishes(survivor, loser []string) []string {
	if r.dishPolicy == DishPolicyQuality && r.dishScorer != nil {
		if len(survivor) == 0 {
			return append([]string(nil), loser...)
		}
		if len(loser) > 0 && r.dishScorer.AverageScore(loser) > r.dishScorer.AverageScore(survivor) {
			return append([]string(nil), loser...)
		}
		return survivor
	}
	return normalizers.MergeSet(survivor, loser...)
}
