package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	pipelineerrors "github.com/iris-familiar/bay-area-food-map-sub000/pkg/errors"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/lookup"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/merging"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
)

// ReconcileOptions controls a reconciliation pass
type ReconcileOptions struct {
	// RetryFailed also looks up entities whose last lookup failed permanently
	RetryFailed bool
	// Limit caps the number of lookups; zero means no cap
	Limit int
}

// Relink assigns an operator-supplied external key to an entity. When another
// live entity already holds the key the pair is merged with strategy; the
// manual strategy leaves the key unassigned and flags both for review.
func (p *Processor) Relink(ctx context.Context, st *store.Store, entityID, key string, strategy merging.Strategy) (*models.BatchSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.Relink")
	defer span.End()

	e, err := p.liveEntity(st, entityID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, pipelineerrors.Input("external key is required").AddEntity(entityID)
	}

	summary := &models.BatchSummary{Processed: 1}
	seen := map[string]bool{}
	if err := p.relink(ctx, st, e, key, strategy, fmt.Sprintf("relinked to %s", key), summary, seen); err != nil {
		tracing.RecordError(span, err)
		return summary, err
	}
	p.refresh(st, summary, seen)
	return summary, nil
}

// Resolve merges two entities that already share an external key. The manual
// strategy merges nothing; a keeps the key and b is left unkeyed for review.
func (p *Processor) Resolve(ctx context.Context, st *store.Store, aID, bID string, strategy merging.Strategy) (*models.BatchSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.Resolve")
	defer span.End()

	a, err := p.liveEntity(st, aID)
	if err != nil {
		return nil, err
	}
	b, err := p.liveEntity(st, bID)
	if err != nil {
		return nil, err
	}

	summary := &models.BatchSummary{Processed: 1}
	seen := map[string]bool{}

	outcome, err := p.resolver.Resolve(ctx, st, a, b, strategy, "")
	if errors.Is(err, merging.ErrManualReview) {
		// b gives the key back so a single live holder remains
		st.ReleaseKey(b)
		st.Touch(a)
		p.countUpdated(summary, seen, a.ID, b.ID)
		p.logger.Warn("Conflict left for manual review",
			zap.String("entity_id", a.ID),
			zap.String("released", b.ID),
			zap.String("key", a.Key()),
		)
		return summary, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return summary, pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err)
	}

	p.countMerged(summary, seen, outcome)
	p.refresh(st, summary, seen)
	return summary, nil
}

// Reconcile looks up unverified, unkeyed live entities and relinks every
// verified result with the default strategy, merging duplicates the lookup reveals
func (p *Processor) Reconcile(ctx context.Context, st *store.Store, opts ReconcileOptions) (*models.BatchSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.Reconcile")
	defer span.End()

	if p.enricher == nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ClassInput, lookup.ErrNoClient)
	}

	summary := &models.BatchSummary{}
	seen := map[string]bool{}

	for _, e := range st.Live() {
		if opts.Limit > 0 && summary.Processed >= opts.Limit {
			break
		}
		if !e.IsLive() || e.Verified || e.HasKey() || e.Status == models.EntityStatusRejected {
			continue
		}
		if e.LookupFailure != nil && e.LookupFailure.Reason != models.LookupFailureTransient && !opts.RetryFailed {
			continue
		}
		summary.Processed++

		log := p.logger.With(zap.String("entity_id", e.ID), zap.String("name", e.Name))

		result, failure := p.enricher.Lookup(ctx, e.Name, e.City)
		if failure != nil {
			if !sameFailure(e.LookupFailure, failure) {
				e.LookupFailure = failure
				st.Touch(e)
				p.countUpdated(summary, seen, e.ID)
			} else {
				summary.Skipped++
			}
			if failure.Reason == models.LookupFailureTransient {
				summary.RecordFailure(models.CandidateFailure{
					Index:  summary.Processed - 1,
					Name:   e.Name,
					Class:  string(pipelineerrors.ClassLookup),
					Reason: failure.Detail,
				})
			}
			log.Debug("Reconciliation lookup failed", zap.String("reason", string(failure.Reason)))
			continue
		}

		applyLookup(e, result)
		if err := p.relink(ctx, st, e, result.ExternalKey, merging.HighestEngagement{}, "reconciled by lookup", summary, seen); err != nil {
			tracing.RecordError(span, err)
			return summary, err
		}
	}

	p.refresh(st, summary, seen)

	p.logger.Info("Reconciled unverified entities",
		zap.Int("looked_up", summary.Processed),
		zap.Int("updated", summary.Updated),
		zap.Int("merged", summary.Merged),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// Recompute re-derives every live aggregate from current mention state
func (p *Processor) Recompute(ctx context.Context, st *store.Store) (*models.BatchSummary, error) {
	_, span := tracing.StartSpan(ctx, "processor.Processor.Recompute")
	defer span.End()

	summary := &models.BatchSummary{Processed: len(st.Live())}
	p.refresh(st, summary, map[string]bool{})
	summary.Skipped = summary.Processed - summary.Updated
	return summary, nil
}

func (p *Processor) relink(
	ctx context.Context,
	st *store.Store,
	e *models.Entity,
	key string,
	strategy merging.Strategy,
	reason string,
	summary *models.BatchSummary,
	seen map[string]bool,
) error {
	log := p.logger.With(zap.String("entity_id", e.ID), zap.String("key", key))

	holder, held := st.ByKey(key)
	if !held || holder == e {
		if e.Key() == key && e.Verified {
			summary.Skipped++
			return nil
		}
		if err := st.ClaimKey(e, key); err != nil {
			return pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err).AddEntity(e.ID)
		}
		markVerified(e)
		st.Touch(e)
		p.countUpdated(summary, seen, e.ID)
		log.Info("Assigned external key")
		return nil
	}

	if strategy == nil {
		strategy = merging.HighestEngagement{}
	}

	// the survivor is chosen before the key moves so the strategy sees the pair as stored
	survivor, loser, err := p.resolver.Choose(e, holder, strategy)
	if errors.Is(err, merging.ErrManualReview) {
		st.Touch(e)
		st.Touch(holder)
		p.countUpdated(summary, seen, e.ID, holder.ID)
		log.Warn("Key already held; flagged for manual review", zap.String("holder", holder.ID))
		return nil
	}
	if err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err).AddEntity(e.ID)
	}

	if e.HasKey() {
		log.Info("Replacing external key", zap.String("previous", e.Key()))
	}
	st.ShareKey(e, key)
	markVerified(e)

	outcome, err := p.resolver.Merge(ctx, st, survivor, loser, strategy.Name(), reason)
	if err != nil {
		return pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err).AddEntity(e.ID)
	}
	p.countMerged(summary, seen, outcome)
	return nil
}

func (p *Processor) liveEntity(st *store.Store, id string) (*models.Entity, error) {
	e, ok := st.Get(id)
	if !ok {
		return nil, pipelineerrors.Wrap(pipelineerrors.ClassInput, fmt.Errorf("%w: %s", store.ErrNotFound, id))
	}
	if !e.IsLive() {
		return nil, pipelineerrors.Wrap(pipelineerrors.ClassInput,
			fmt.Errorf("%w: %s was merged into %s", merging.ErrNotLive, id, e.MergeTarget()))
	}
	return e, nil
}

func (p *Processor) countUpdated(summary *models.BatchSummary, seen map[string]bool, ids ...string) {
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		summary.Updated++
		summary.UpdatedIDs = append(summary.UpdatedIDs, id)
	}
}

func (p *Processor) countMerged(summary *models.BatchSummary, seen map[string]bool, outcome *merging.Outcome) {
	summary.Merged++
	summary.MergedIDs = append(summary.MergedIDs, outcome.Loser.ID)
	seen[outcome.Loser.ID] = true
	p.countUpdated(summary, seen, outcome.Survivor.ID)
}

// applyLookup copies a verified lookup result onto blank entity fields
func applyLookup(e *models.Entity, result *models.LookupResult) {
	fillString(e, fieldLookupName, &e.LookupName, result.Name)
	fillString(e, fieldAddress, &e.Address, result.Address)
	if e.Rating == nil && result.Rating != nil && !e.IsCorrected(fieldRating) {
		e.Rating = result.Rating
	}
	if e.Location == nil && (result.Lat != 0 || result.Lng != 0) && !e.IsCorrected(fieldLocation) {
		e.Location = &models.GeoPoint{Lat: result.Lat, Lng: result.Lng}
	}
}
