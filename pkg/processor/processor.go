// Package processor runs candidate batches through enrichment, identity
// matching and aggregation against the canonical store.
// Structural relinks and operator merges route through the conflict resolver.
package processor

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/aggregation"
	pipelineerrors "github.com/iris-familiar/bay-area-food-map-sub000/pkg/errors"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/lookup"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/matching"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/merging"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/normalizers"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
)

// Correctable entity fields the processor fills in
const (
	fieldAliases     = "aliases"
	fieldAddress     = "address"
	fieldCity        = "city"
	fieldRating      = "rating"
	fieldLocation    = "location"
	fieldLookupName  = "lookup_name"
	fieldNeedsReview = "needs_review"
)

type change int

const (
	unchanged change = iota
	created
	updated
)

// Processor mutates a store in memory. Persistence and rollback belong to the caller.
type Processor struct {
	logger     *zap.Logger
	validate   *validator.Validate
	matcher    *matching.Engine
	aggregator *aggregation.Aggregator
	resolver   *merging.Resolver
	enricher   *lookup.Enricher
	newID      func() string
}

// NewProcessor creates a new Processor. enricher may be nil, in which case
// candidates are matched as they arrive and Reconcile is unavailable.
func NewProcessor(
	logger *zap.Logger,
	matcher *matching.Engine,
	aggregator *aggregation.Aggregator,
	resolver *merging.Resolver,
	enricher *lookup.Enricher,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		logger:     logger.Named("processor"),
		validate:   validator.New(),
		matcher:    matcher,
		aggregator: aggregator,
		resolver:   resolver,
		enricher:   enricher,
		newID:      uuid.NewString,
	}
}

// Ingest processes candidates in order. Input and lookup failures are recorded
// in the summary and the batch continues; invariant violations abort it.
func (p *Processor) Ingest(ctx context.Context, st *store.Store, candidates []models.Candidate) (*models.BatchSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.Ingest", attribute.Int("candidates", len(candidates)))
	defer span.End()

	summary := &models.BatchSummary{}
	seen := map[string]bool{}

	for i := range candidates {
		c := candidates[i]
		summary.Processed++

		id, result, err := p.ingestOne(ctx, st, &c)
		if err != nil {
			pe := pipelineerrors.Wrap(pipelineerrors.ClassInput, err)
			if pipelineerrors.IsFatal(pe) {
				tracing.RecordError(span, pe)
				return summary, pe.AddCandidate(i)
			}
			p.logger.Warn("Skipped candidate",
				zap.Int("index", i),
				zap.String("name", c.Name),
				zap.String("class", string(pe.Class)),
				zap.Error(pe),
			)
			summary.RecordFailure(models.CandidateFailure{
				Index:  i,
				Name:   c.Name,
				PostID: c.SourcePostID,
				Class:  string(pe.Class),
				Reason: pe.Error(),
			})
			continue
		}

		switch {
		case result == created:
			summary.Created++
			summary.CreatedIDs = append(summary.CreatedIDs, id)
			seen[id] = true
		case result == updated && !seen[id]:
			summary.Updated++
			summary.UpdatedIDs = append(summary.UpdatedIDs, id)
			seen[id] = true
		case result == unchanged:
			summary.Skipped++
		}
	}

	p.refresh(st, summary, seen)

	p.logger.Info("Ingested candidate batch",
		zap.Int("processed", summary.Processed),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)

	return summary, nil
}

// ingestOne resolves one candidate and returns the id of the entity it landed on
func (p *Processor) ingestOne(ctx context.Context, st *store.Store, c *models.Candidate) (string, change, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.ExternalKey = strings.TrimSpace(c.ExternalKey)
	c.SourcePostID = strings.TrimSpace(c.SourcePostID)

	if err := p.validate.Struct(c); err != nil {
		return "", unchanged, pipelineerrors.Wrap(pipelineerrors.ClassInput, err)
	}

	var failure *models.LookupFailure
	if p.enricher != nil {
		failure = p.enricher.EnrichCandidate(ctx, c)
		if failure != nil && failure.Reason == models.LookupFailureTransient {
			return "", unchanged, pipelineerrors.Newf(pipelineerrors.ClassLookup,
				"lookup %q failed after %d attempts: %s", failure.Query, failure.Attempts, failure.Detail)
		}
	}

	match := p.matcher.Match(ctx, c, st)
	if match.IsNew() {
		e, err := p.create(st, c, failure)
		if err != nil {
			return "", unchanged, err
		}
		return e.ID, created, nil
	}

	result, err := p.update(st, match, c, failure)
	return match.Entity.ID, result, err
}

func (p *Processor) create(st *store.Store, c *models.Candidate, failure *models.LookupFailure) (*models.Entity, error) {
	e := &models.Entity{
		ID:             p.newID(),
		Name:           c.Name,
		Address:        c.Address,
		City:           c.City,
		Location:       c.Location,
		Rating:         c.Rating,
		LookupName:     c.LookupName,
		Status:         models.EntityStatusActive,
		SentimentScore: aggregation.DefaultSentiment,
		Mentions:       []models.Mention{},
		Dishes:         []string{},
		Sources:        []string{},
	}
	e.NameNative, e.NameLatin = normalizers.SplitName(c.Name)

	if c.HasKey() {
		e.SetKey(c.ExternalKey)
		e.Verified = true
	} else {
		e.NeedsReview = true
		e.LookupFailure = failure
	}

	p.aggregator.AttachMention(e, p.aggregator.NewMention(c))
	p.aggregator.MergeDishes(e, c.Dishes)
	p.aggregator.RecomputeAggregate(e)

	if err := st.Insert(e); err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err).AddEntity(e.ID)
	}
	e.CreatedAt = e.UpdatedAt

	p.logger.Debug("Created entity",
		zap.String("entity_id", e.ID),
		zap.String("name", e.Name),
		zap.String("key", e.Key()),
	)
	return e, nil
}

func (p *Processor) update(st *store.Store, match models.MatchResult, c *models.Candidate, failure *models.LookupFailure) (change, error) {
	e := match.Entity
	log := p.logger.With(
		zap.String("entity_id", e.ID),
		zap.String("candidate", c.Name),
		zap.String("match", string(match.Kind)),
		zap.Float64("score", match.Score),
	)

	dirty := false

	if c.HasKey() && !e.HasKey() {
		if err := st.ClaimKey(e, c.ExternalKey); err != nil {
			return unchanged, pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err).AddEntity(e.ID)
		}
		log.Debug("Adopted candidate external key", zap.String("key", c.ExternalKey))
		dirty = true
	}
	if c.HasKey() && e.Key() == c.ExternalKey && !e.Verified {
		markVerified(e)
		dirty = true
	}
	if !e.Verified && failure != nil && !sameFailure(e.LookupFailure, failure) {
		e.LookupFailure = failure
		dirty = true
	}

	dirty = fillString(e, fieldAddress, &e.Address, c.Address) || dirty
	dirty = fillString(e, fieldCity, &e.City, c.City) || dirty
	dirty = fillString(e, fieldLookupName, &e.LookupName, c.LookupName) || dirty
	if e.Rating == nil && c.Rating != nil && !e.IsCorrected(fieldRating) {
		e.Rating = c.Rating
		dirty = true
	}
	if e.Location == nil && c.Location != nil && !e.IsCorrected(fieldLocation) {
		e.Location = c.Location
		dirty = true
	}

	if !e.IsCorrected(fieldAliases) &&
		normalizers.SetKey(c.Name) != normalizers.SetKey(e.Name) &&
		!normalizers.ContainsKey(e.Aliases, c.Name) {
		e.Aliases = normalizers.MergeSet(e.Aliases, c.Name)
		dirty = true
	}

	attached := p.aggregator.AttachMention(e, p.aggregator.NewMention(c))
	if attached {
		p.aggregator.RecomputeAggregate(e)
	}
	dishes := p.aggregator.MergeDishes(e, c.Dishes)

	if !dirty && !attached && !dishes {
		log.Debug("Candidate already reflected in entity")
		return unchanged, nil
	}

	st.Touch(e)
	log.Debug("Updated entity", zap.Bool("mention_attached", attached))
	return updated, nil
}

// refresh recomputes shared-post discounts after a batch and counts the
// entities it changed as updated
func (p *Processor) refresh(st *store.Store, summary *models.BatchSummary, seen map[string]bool) {
	for _, id := range p.aggregator.RefreshPostCounts(st.All()) {
		e, ok := st.Get(id)
		if !ok {
			continue
		}
		st.Touch(e)
		if !seen[id] {
			seen[id] = true
			summary.Updated++
			summary.UpdatedIDs = append(summary.UpdatedIDs, id)
		}
	}
}

func markVerified(e *models.Entity) {
	e.Verified = true
	e.LookupFailure = nil
	if !e.IsCorrected(fieldNeedsReview) {
		e.NeedsReview = false
	}
}

func fillString(e *models.Entity, field string, dst *string, value string) bool {
	value = strings.TrimSpace(value)
	if *dst != "" || value == "" || e.IsCorrected(field) {
		return false
	}
	*dst = value
	return true
}

// sameFailure compares failures ignoring when they happened
func sameFailure(a, b *models.LookupFailure) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Reason == b.Reason && a.Query == b.Query && a.Detail == b.Detail
}
