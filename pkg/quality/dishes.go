package quality

import (
	"strings"
	"unicode/utf8"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/normalizers"
)

// DishScorer rates dish names: longer names are presumed more specific and
// generic single-ingredient terms score lower
type DishScorer struct {
	rule    DishRule
	generic map[string]struct{}
}

// NewDishScorer creates a scorer for the given rule parameters
func NewDishScorer(rule DishRule) *DishScorer {
	generic := make(map[string]struct{}, len(rule.GenericTerms))
	for _, term := range rule.GenericTerms {
		if k := normalizers.SetKey(term); k != "" {
			generic[k] = struct{}{}
		}
	}
	return &DishScorer{rule: rule, generic: generic}
}

// Score returns the quality score of one dish
func (s *DishScorer) Score(dish string) int {
	n := utf8.RuneCountInString(strings.TrimSpace(dish))

	score := 0
	switch {
	case n >= s.rule.LongLength:
		score += 2
	case n >= s.rule.ShortLength:
		score++
	}
	if !s.IsGeneric(dish) {
		score += 2
	}
	return score
}

// AverageScore is the mean dish score, 0 for an empty list
func (s *DishScorer) AverageScore(dishes []string) float64 {
	if len(dishes) == 0 {
		return 0
	}
	total := 0
	for _, d := range dishes {
		total += s.Score(d)
	}
	return float64(total) / float64(len(dishes))
}

// IsGeneric reports whether dish is a generic term, or a short name built around one
func (s *DishScorer) IsGeneric(dish string) bool {
	key := normalizers.SetKey(dish)
	if _, ok := s.generic[key]; ok {
		return true
	}
	if utf8.RuneCountInString(key) > s.rule.LongLength {
		return false
	}
	for term := range s.generic {
		if strings.Contains(key, term) {
			return true
		}
	}
	return false
}

// Keep reports whether a dish survives filtering
func (s *DishScorer) Keep(dish string) bool {
	key := normalizers.SetKey(dish)
	if utf8.RuneCountInString(key) < s.rule.MinLength {
		return false
	}
	_, generic := s.generic[key]
	return !generic
}

// Filter returns the dishes that survive, preserving order
func (s *DishScorer) Filter(dishes []string) []string {
	out := make([]string, 0, len(dishes))
	for _, d := range dishes {
		if s.Keep(d) {
			out = append(out, d)
		}
	}
	return out
}
