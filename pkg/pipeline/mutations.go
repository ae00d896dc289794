package pipeline

import (
	"context"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/corrections"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/merging"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/processor"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/quality"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
)

// Ingest processes a candidate batch and then re-applies the correction
// overlay so operator fixes survive new evidence. set may be nil.
func Ingest(proc *processor.Processor, candidates []models.Candidate, applier *corrections.Applier, set *models.CorrectionSet) Mutation {
	return func(ctx context.Context, st *store.Store) (*models.BatchSummary, error) {
		summary, err := proc.Ingest(ctx, st, candidates)
		if err != nil {
			return summary, err
		}
		if applier == nil || set == nil || len(set.Corrections) == 0 {
			return summary, nil
		}

		applied, err := applier.Apply(ctx, st, set)
		if err != nil {
			return summary, err
		}
		// corrections count as changes, not as processed candidates
		summary.Updated += applied.Updated
		summary.Merged += applied.Merged
		summary.UpdatedIDs = append(summary.UpdatedIDs, applied.UpdatedIDs...)
		summary.MergedIDs = append(summary.MergedIDs, applied.MergedIDs...)
		return summary, nil
	}
}

// Correct applies the correction overlay on its own
func Correct(applier *corrections.Applier, set *models.CorrectionSet) Mutation {
	return func(ctx context.Context, st *store.Store) (*models.BatchSummary, error) {
		return applier.Apply(ctx, st, set)
	}
}

// Quality runs the quality sweep. report receives the per-rule results.
func Quality(engine *quality.Engine, report **models.QualityReport) Mutation {
	return func(ctx context.Context, st *store.Store) (*models.BatchSummary, error) {
		r, err := engine.Run(ctx, st)
		if err != nil {
			return nil, err
		}
		if report != nil {
			*report = r
		}
		return QualitySummary(r), nil
	}
}

// QualitySummary folds a quality report into batch counts
func QualitySummary(report *models.QualityReport) *models.BatchSummary {
	summary := &models.BatchSummary{Label: "quality"}
	for _, rule := range report.Rules {
		summary.Processed += rule.Changed
		if rule.Merged > 0 {
			summary.Merged += rule.Merged
			summary.MergedIDs = append(summary.MergedIDs, rule.Entities...)
			continue
		}
		summary.Updated += rule.Changed
		summary.UpdatedIDs = append(summary.UpdatedIDs, rule.Entities...)
	}
	return summary
}

// Resolve merges two entities sharing an external key
func Resolve(proc *processor.Processor, aID, bID string, strategy merging.Strategy) Mutation {
	return func(ctx context.Context, st *store.Store) (*models.BatchSummary, error) {
		return proc.Resolve(ctx, st, aID, bID, strategy)
	}
}

// Relink assigns an operator-supplied external key
func Relink(proc *processor.Processor, entityID, key string, strategy merging.Strategy) Mutation {
	return func(ctx context.Context, st *store.Store) (*models.BatchSummary, error) {
		return proc.Relink(ctx, st, entityID, key, strategy)
	}
}

// Reconcile looks up unverified entities and links any keys found
func Reconcile(proc *processor.Processor, opts processor.ReconcileOptions) Mutation {
	return func(ctx context.Context, st *store.Store) (*models.BatchSummary, error) {
		return proc.Reconcile(ctx, st, opts)
	}
}

// Recompute rebuilds every aggregate from entity state
func Recompute(proc *processor.Processor) Mutation {
	return func(ctx context.Context, st *store.Store) (*models.BatchSummary, error) {
		return proc.Recompute(ctx, st)
	}
}
