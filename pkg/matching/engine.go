// Package matching resolves candidate mentions to canonical restaurant entities
package matching

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
)

// Index is the read view of the canonical store the matcher needs
type Index interface {
	// ByKey returns the live entity holding an external key
	ByKey(key string) (*models.Entity, bool)
	// Live returns every entity that is not a merge tombstone, in store order
	Live() []*models.Entity
}

// Engine implements candidate-to-entity matching
type Engine struct {
	logger *zap.Logger
	scorer *Scorer
	config EngineConfig
}

// EngineConfig contains configuration for the match engine
type EngineConfig struct {
	Policy       Policy
	FuzzyEnabled bool // Whether unkeyed candidates may fall back to name similarity
}

// DefaultConfig returns default engine configuration
func DefaultConfig() EngineConfig {
	return EngineConfig{
		Policy:       DefaultPolicy(),
		FuzzyEnabled: true,
	}
}

// NewEngine creates a new match engine
func NewEngine(logger *zap.Logger, config EngineConfig) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger: logger.Named("matching"),
		scorer: NewScorer(),
		config: config,
	}
}

// Policy returns the acceptance policy in use
func (e *Engine) Policy() Policy {
	return e.config.Policy
}

// Match resolves a candidate: exact key lookup first, then fuzzy name similarity
// when enabled. It has no side effects.
func (e *Engine) Match(ctx context.Context, candidate *models.Candidate, idx Index) models.MatchResult {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.Match", attribute.String("candidate", candidate.Name))
	defer span.End()

	if candidate.HasKey() {
		if entity, ok := idx.ByKey(candidate.ExternalKey); ok {
			e.logger.Debug("Matched candidate by external key",
				zap.String("candidate", candidate.Name),
				zap.String("entity_id", entity.ID),
			)
			return models.MatchResult{Kind: models.MatchKindKey, Entity: entity, Score: 1.0}
		}
	}

	if !e.config.FuzzyEnabled {
		return models.MatchResult{Kind: models.MatchKindNew}
	}

	return e.MatchFuzzy(ctx, candidate, idx)
}

// MatchFuzzy runs only the similarity fallback. Entities already holding a
// different external key than the candidate are never fuzzy-matched.
func (e *Engine) MatchFuzzy(ctx context.Context, candidate *models.Candidate, idx Index) models.MatchResult {
	_, span := tracing.StartSpan(ctx, "matching.Engine.MatchFuzzy")
	defer span.End()

	var (
		best      *models.Entity
		bestScore = -1.0
	)
	for _, entity := range idx.Live() {
		if candidate.HasKey() && entity.HasKey() && entity.Key() != candidate.ExternalKey {
			continue
		}
		score := e.scoreEntity(candidate.Name, entity)
		if score > bestScore {
			best, bestScore = entity, score
		}
	}

	if best == nil {
		return models.MatchResult{Kind: models.MatchKindNew}
	}

	native := e.scorer.IsNativeScript(candidate.Name)
	accepted, corroborated := e.config.Policy.Accept(native, candidate.City, bestScore, Location(best), bestScore)

	log := e.logger.With(
		zap.String("candidate", candidate.Name),
		zap.String("best", best.Name),
		zap.Float64("score", bestScore),
		zap.Bool("native", native),
	)
	if !accepted {
		log.Debug("No fuzzy match above threshold")
		return models.MatchResult{Kind: models.MatchKindNew, Score: bestScore}
	}

	log.Debug("Matched candidate by name similarity", zap.Bool("corroborated", corroborated))
	return models.MatchResult{
		Kind:         models.MatchKindFuzzy,
		Entity:       best,
		Score:        bestScore,
		Corroborated: corroborated,
	}
}

// scoreEntity takes the best similarity across the display name and aliases
func (e *Engine) scoreEntity(name string, entity *models.Entity) float64 {
	score := e.scorer.Similarity(name, entity.Name)
	for _, alias := range entity.Aliases {
		if s := e.scorer.Similarity(name, alias); s > score {
			score = s
		}
	}
	return score
}

// Location is the text searched for city evidence: address then city
func Location(entity *models.Entity) string {
	return strings.TrimSpace(entity.Address + " " + entity.City)
}
