// Package quality runs the recurring data-quality sweep over the canonical store
package quality

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/aggregation"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/merging"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/normalizers"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
)

// Rule names reported in a QualityReport
const (
	RuleDuplicateKeys    = "duplicate_keys"
	RuleDishes           = "dishes"
	RuleDescriptiveNames = "descriptive_names"
)

const fieldName = "name"

// Engine applies the quality rules in order. Every rule is idempotent: a
// second sweep over an unchanged store reports no changes.
type Engine struct {
	logger     *zap.Logger
	rules      Rules
	aggregator *aggregation.Aggregator
	resolver   *merging.Resolver
	dishes     *DishScorer
}

// NewEngine creates a quality engine. Duplicate merges keep the higher-quality dish list wholesale.
func NewEngine(logger *zap.Logger, aggregator *aggregation.Aggregator, rules Rules) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	scorer := NewDishScorer(rules.Dishes)
	return &Engine{
		logger:     logger.Named("quality"),
		rules:      rules,
		aggregator: aggregator,
		resolver:   merging.NewResolver(logger, aggregator, merging.WithDishQuality(scorer)),
		dishes:     scorer,
	}
}

// Scorer exposes the engine's dish scorer
func (e *Engine) Scorer() *DishScorer {
	return e.dishes
}

// Run applies every enabled rule and returns what changed
func (e *Engine) Run(ctx context.Context, st *store.Store) (*models.QualityReport, error) {
	ctx, span := tracing.StartSpan(ctx, "quality.Engine.Run")
	defer span.End()

	report := &models.QualityReport{}

	if e.rules.DuplicateKeys.Enabled {
		result, err := e.MergeDuplicateKeys(ctx, st)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
		report.Rules = append(report.Rules, result)
	}
	if e.rules.Dishes.Enabled {
		report.Rules = append(report.Rules, e.FilterDishes(st))
	}
	if e.rules.Names.Enabled {
		report.Rules = append(report.Rules, e.FixDescriptiveNames(st))
	}

	e.logger.Info("Quality sweep finished", zap.Int("changed", report.TotalChanged()))
	return report, nil
}

// MergeDuplicateKeys folds every group of live entities sharing an external
// key down to a single survivor. Under the manual strategy nothing is merged:
// the first holder keeps the key and every entity in the group is flagged.
func (e *Engine) MergeDuplicateKeys(ctx context.Context, st *store.Store) (models.RuleResult, error) {
	result := models.RuleResult{Rule: RuleDuplicateKeys}

	strategy, err := merging.ParseStrategy(e.rules.DuplicateKeys.Strategy)
	if err != nil {
		return result, err
	}

	flagged := 0
	for _, key := range st.KeyConflicts() {
		holders := st.Holders(key)
		survivor := holders[0]
		for _, other := range holders[1:] {
			outcome, err := e.resolver.Resolve(ctx, st, survivor, other, strategy, fmt.Sprintf("same external key %s", key))
			if errors.Is(err, merging.ErrManualReview) {
				// the first holder keeps the key; the rest wait unkeyed for review
				st.ReleaseKey(other)
				st.Touch(survivor)
				if !slices.Contains(result.Entities, survivor.ID) {
					result.Entities = append(result.Entities, survivor.ID)
					flagged++
				}
				result.Entities = append(result.Entities, other.ID)
				flagged++
				continue
			}
			if err != nil {
				return result, fmt.Errorf("failed to merge duplicates of %s: %w", key, err)
			}
			survivor = outcome.Survivor
			result.Merged++
			result.Entities = append(result.Entities, outcome.Loser.ID)
		}
		e.logger.Info("Resolved duplicate key group",
			zap.String("key", key),
			zap.Int("size", len(holders)),
			zap.String("survivor", survivor.ID),
		)
	}

	if result.Merged > 0 {
		// losers no longer count toward shared-post N
		for _, id := range e.aggregator.RefreshPostCounts(st.All()) {
			if ent, ok := st.Get(id); ok {
				st.Touch(ent)
			}
		}
	}

	result.Changed = result.Merged + flagged
	return result, nil
}

// FilterDishes drops dishes that are too short or generic
func (e *Engine) FilterDishes(st *store.Store) models.RuleResult {
	result := models.RuleResult{Rule: RuleDishes}

	for _, ent := range st.Live() {
		if len(ent.Dishes) == 0 || ent.IsCorrected(aggregation.FieldDishes) {
			continue
		}
		kept := e.dishes.Filter(ent.Dishes)
		if len(kept) == len(ent.Dishes) {
			continue
		}

		e.logger.Debug("Filtered low-quality dishes",
			zap.String("entity", ent.ID),
			zap.Strings("before", ent.Dishes),
			zap.Strings("after", kept),
		)
		ent.Dishes = kept
		st.Touch(ent)
		result.Changed++
		result.Entities = append(result.Entities, ent.ID)
	}

	return result
}

// FixDescriptiveNames replaces names that read like sentence fragments with
// the native-script part of the verified lookup name. The old name becomes an alias.
func (e *Engine) FixDescriptiveNames(st *store.Store) models.RuleResult {
	result := models.RuleResult{Rule: RuleDescriptiveNames}

	for _, ent := range st.Live() {
		if !ent.Verified || ent.LookupName == "" || ent.IsCorrected(fieldName) {
			continue
		}
		if !e.isDescriptive(ent.Name) {
			continue
		}

		name := normalizers.FirstHanRun(ent.LookupName)
		if name == "" || name == ent.Name {
			continue
		}

		e.logger.Info("Replaced descriptive name",
			zap.String("entity", ent.ID),
			zap.String("from", ent.Name),
			zap.String("to", name),
		)

		ent.Aliases = normalizers.MergeSet(ent.Aliases, ent.Name)
		ent.Name = name
		ent.NameNative = name
		st.Touch(ent)
		result.Changed++
		result.Entities = append(result.Entities, ent.ID)
	}

	return result
}

func (e *Engine) isDescriptive(name string) bool {
	for _, marker := range e.rules.Names.Markers {
		if marker != "" && strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
