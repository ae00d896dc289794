package merging

import (
	"errors"
	"fmt"
	"strings"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

// StrategyType names a survivor-selection strategy
type StrategyType string

const (
	// StrategyHighestEngagement keeps the larger aggregate, earlier creation on ties
	StrategyHighestEngagement StrategyType = "engagement"
	// StrategyMostRecent keeps the most recently updated entity
	StrategyMostRecent StrategyType = "recent"
	// StrategyVerified keeps the verified entity
	StrategyVerified StrategyType = "verified"
	// StrategyManual never auto-resolves
	StrategyManual StrategyType = "manual"
	// StrategyForced keeps an operator-chosen entity ("forced:<id>")
	StrategyForced StrategyType = "forced"
)

var (
	ErrManualReview    = errors.New("conflict requires manual review")
	ErrUnknownStrategy = errors.New("unknown merge strategy")
	ErrForcedNotInPair = errors.New("forced survivor is not part of the pair")
)

// Strategy picks the survivor of two entities that share an external key
type Strategy interface {
	Name() string
	Choose(a, b *models.Entity) (survivor, loser *models.Entity, err error)
}

// ParseStrategy returns the strategy for a name such as "engagement" or "forced:r42"
func ParseStrategy(name string) (Strategy, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(name), ":")
	switch StrategyType(kind) {
	case "", StrategyHighestEngagement:
		return HighestEngagement{}, nil
	case StrategyMostRecent:
		return MostRecent{}, nil
	case StrategyVerified:
		return VerifiedFirst{}, nil
	case StrategyManual:
		return Manual{}, nil
	case StrategyForced:
		if arg == "" {
			return nil, fmt.Errorf("%w: forced strategy needs a survivor id", ErrUnknownStrategy)
		}
		return Forced{SurvivorID: arg}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// HighestEngagement is the default strategy
type HighestEngagement struct{}

func (HighestEngagement) Name() string { return string(StrategyHighestEngagement) }

func (HighestEngagement) Choose(a, b *models.Entity) (*models.Entity, *models.Entity, error) {
	if byEngagement(a, b) {
		return a, b, nil
	}
	return b, a, nil
}

// byEngagement reports whether a beats b: higher aggregate, then earlier creation, then smaller id
func byEngagement(a, b *models.Entity) bool {
	if a.Engagement != b.Engagement {
		return a.Engagement > b.Engagement
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// MostRecent keeps the entity updated last
type MostRecent struct{}

func (MostRecent) Name() string { return string(StrategyMostRecent) }

func (MostRecent) Choose(a, b *models.Entity) (*models.Entity, *models.Entity, error) {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		if a.UpdatedAt.After(b.UpdatedAt) {
			return a, b, nil
		}
		return b, a, nil
	}
	return HighestEngagement{}.Choose(a, b)
}

// VerifiedFirst keeps the verified entity
type VerifiedFirst struct{}

func (VerifiedFirst) Name() string { return string(StrategyVerified) }

func (VerifiedFirst) Choose(a, b *models.Entity) (*models.Entity, *models.Entity, error) {
	if a.Verified != b.Verified {
		if a.Verified {
			return a, b, nil
		}
		return b, a, nil
	}
	return HighestEngagement{}.Choose(a, b)
}

// Manual refuses to choose
type Manual struct{}

func (Manual) Name() string { return string(StrategyManual) }

func (Manual) Choose(a, b *models.Entity) (*models.Entity, *models.Entity, error) {
	return nil, nil, ErrManualReview
}

// Forced keeps the given entity
type Forced struct {
	SurvivorID string
}

func (f Forced) Name() string { return string(StrategyForced) + ":" + f.SurvivorID }

func (f Forced) Choose(a, b *models.Entity) (*models.Entity, *models.Entity, error) {
	switch f.SurvivorID {
	case a.ID:
		return a, b, nil
	case b.ID:
		return b, a, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrForcedNotInPair, f.SurvivorID)
}
