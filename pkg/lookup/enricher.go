package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/matching"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/normalizers"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
)

// Name length bounds outside which a lookup is not attempted
const (
	MinNameRunes = 2
	MaxNameRunes = 30
)

// Config tunes the enricher
type Config struct {
	Timeout time.Duration   // Per-call timeout (default: 10s)
	Retries uint64          // Retries after the first attempt for transient failures (default: 3)
	Delay   time.Duration   // Minimum spacing between calls and the retry interval (default: 300ms)
	Policy  matching.Policy // Acceptance policy shared with the matcher
}

// DefaultConfig returns default enricher configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Retries: 3,
		Delay:   300 * time.Millisecond,
		Policy:  matching.DefaultPolicy(),
	}
}

// Enricher performs throttled, retried and memoized lookups and decides
// whether a result verifies a name
type Enricher struct {
	logger  *zap.Logger
	client  Client
	cache   Cache
	limiter *rate.Limiter
	scorer  *matching.Scorer
	config  Config
	now     func() time.Time
}

// NewEnricher creates a new Enricher. cache may be nil.
func NewEnricher(logger *zap.Logger, client Client, cache Cache, config Config) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if config.Delay > 0 {
		limit = rate.Every(config.Delay)
	}
	return &Enricher{
		logger:  logger.Named("lookup"),
		client:  client,
		cache:   cache,
		limiter: rate.NewLimiter(limit, 1),
		scorer:  matching.NewScorer(),
		config:  config,
		now:     time.Now,
	}
}

// Query builds the search text for a name and city
func Query(name, city string) string {
	region := "Bay Area"
	if matching.UsableCity(city) {
		region = strings.TrimSpace(city)
	}
	return fmt.Sprintf("%s restaurant %s California", strings.TrimSpace(name), region)
}

// Lookup searches for name near city. Exactly one of the returns is non-nil.
func (e *Enricher) Lookup(ctx context.Context, name, city string) (*models.LookupResult, *models.LookupFailure) {
	ctx, span := tracing.StartSpan(ctx, "lookup.Enricher.Lookup")
	defer span.End()

	query := Query(name, city)
	log := e.logger.With(zap.String("query", query))

	if n := utf8.RuneCountInString(strings.TrimSpace(name)); n < MinNameRunes || n > MaxNameRunes {
		return nil, e.failure(models.LookupFailureInvalidName, query, fmt.Sprintf("name has %d characters", n), 0)
	}

	results, attempts, err := e.search(ctx, query)
	if err != nil {
		tracing.RecordError(span, err)
		log.Warn("Lookup failed", zap.Int("attempts", attempts), zap.Error(err))
		return nil, e.failure(models.LookupFailureTransient, query, err.Error(), attempts)
	}
	if len(results) == 0 {
		log.Debug("Lookup found nothing")
		return nil, e.failure(models.LookupFailureNoMatch, query, "", attempts)
	}

	result, ok := e.accept(name, city, results)
	if !ok {
		log.Debug("Lookup results not similar enough", zap.String("top", results[0].Name))
		return nil, e.failure(models.LookupFailureLowConfidence, query, results[0].Name, attempts)
	}

	log.Debug("Lookup verified name",
		zap.String("result", result.Name),
		zap.String("key", result.ExternalKey),
	)
	return result, nil
}

// EnrichCandidate fills an unkeyed candidate from a verified lookup. Candidates
// arriving with a key are left alone.
func (e *Enricher) EnrichCandidate(ctx context.Context, c *models.Candidate) *models.LookupFailure {
	if c.HasKey() {
		return nil
	}
	result, failure := e.Lookup(ctx, c.Name, c.City)
	if failure != nil {
		return failure
	}

	c.ExternalKey = result.ExternalKey
	c.LookupName = result.Name
	if c.Address == "" {
		c.Address = result.Address
	}
	if c.Rating == nil {
		c.Rating = result.Rating
	}
	if c.Location == nil && (result.Lat != 0 || result.Lng != 0) {
		c.Location = &models.GeoPoint{Lat: result.Lat, Lng: result.Lng}
	}
	return nil
}

// search runs the throttled, retried, memoized client call
func (e *Enricher) search(ctx context.Context, query string) ([]models.LookupResult, int, error) {
	if e.client == nil {
		return nil, 0, ErrNoClient
	}
	if e.cache != nil {
		if results, ok := e.cache.Get(ctx, query); ok {
			return results, 0, nil
		}
	}

	var (
		results  []models.LookupResult
		attempts int
	)
	op := func() error {
		if err := e.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.config.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		}
		defer cancel()

		res, err := e.client.Search(callCtx, query)
		switch {
		case err == nil:
			results = res
			return nil
		case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.config.Delay), e.config.Retries),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, attempts, err
	}

	if e.cache != nil {
		e.cache.Set(ctx, query, results)
	}
	return results, attempts, nil
}

// accept picks the verified result: the top result when a native-script name is
// corroborated by its address, otherwise the most similar result above threshold
func (e *Enricher) accept(name, city string, results []models.LookupResult) (*models.LookupResult, bool) {
	native := e.scorer.IsNativeScript(name)

	best, bestScore := 0, -1.0
	for i, r := range results {
		if s := e.score(name, r.Name); s > bestScore {
			best, bestScore = i, s
		}
	}
	topScore := e.score(name, results[0].Name)

	accepted, corroborated := e.config.Policy.Accept(native, city, topScore, results[0].Address, bestScore)
	if !accepted {
		return nil, false
	}
	if corroborated {
		return &results[0], true
	}
	return &results[best], true
}

// score compares against the full result name and its native-script part
func (e *Enricher) score(name, resultName string) float64 {
	s := e.scorer.Similarity(name, resultName)
	if native, _ := normalizers.SplitName(resultName); native != "" {
		s = max(s, e.scorer.Similarity(name, native))
	}
	return s
}

func (e *Enricher) failure(reason models.LookupFailureReason, query, detail string, attempts int) *models.LookupFailure {
	return &models.LookupFailure{
		Reason:   reason,
		Query:    query,
		Detail:   detail,
		Attempts: attempts,
		At:       e.now().UTC(),
	}
}
