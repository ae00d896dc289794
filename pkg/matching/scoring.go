package matching

import (
	"unicode"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/normalizers"
)

// Scorer provides the string comparison used for identity matching
type Scorer struct{}

// NewScorer creates a new Scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// Similarity returns the normalized Levenshtein similarity of a and b in [0,1].
// Both sides are lowercased and stripped of whitespace first. Equal strings
// score 1; otherwise an empty side scores 0.
func (s *Scorer) Similarity(a, b string) float64 {
	ra := []rune(normalizers.Compact(a))
	rb := []rune(normalizers.Compact(b))

	if string(ra) == string(rb) {
		return 1.0
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}

	distance := s.LevenshteinDistance(ra, rb)
	return 1.0 - float64(distance)/float64(max(len(ra), len(rb)))
}

// LevenshteinDistance calculates the edit distance between two rune slices
func (s *Scorer) LevenshteinDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	// Create two rows for dynamic programming
	row := make([]int, len(b)+1)
	prevRow := make([]int, len(b)+1)

	for j := 0; j <= len(b); j++ {
		prevRow[j] = j
	}

	for i := 1; i <= len(a); i++ {
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			row[j] = min(row[j-1]+1, prevRow[j]+1, prevRow[j-1]+cost)
		}
		row, prevRow = prevRow, row
	}

	return prevRow[len(b)]
}

// IsNativeScript reports whether s contains Han, Hiragana, Katakana or Hangul characters.
// It selects a matching policy and never changes scoring arithmetic.
func (s *Scorer) IsNativeScript(str string) bool {
	for _, r := range str {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			return true
		}
	}
	return false
}

var defaultScorer = NewScorer()

// Similarity scores a and b with the default scorer
func Similarity(a, b string) float64 {
	return defaultScorer.Similarity(a, b)
}

// IsNativeScript reports whether s contains CJK characters
func IsNativeScript(s string) bool {
	return defaultScorer.IsNativeScript(s)
}
