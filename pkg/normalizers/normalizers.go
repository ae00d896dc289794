// Package normalizers provides string normalization for matching keys and set merges
package normalizers

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("fold", Fold)
	Register("remove_whitespace", RemoveWhitespace)
	Register("remove_punctuation", RemovePunctuation)
	Register("collapse_whitespace", CollapseWhitespace)
	Register("set_key", SetKey)
	Register("compact", Compact)
	Register("naddress", NormalizeAddress)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// Fold applies NFKC compatibility folding and lowercases.
// Full-width Latin letters and digits collapse onto their ASCII forms.
func Fold(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// RemoveWhitespace removes all whitespace characters
func RemoveWhitespace(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// RemovePunctuation removes punctuation and symbol characters
func RemovePunctuation(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// CollapseWhitespace trims and folds whitespace runs into a single space
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SetKey is the identity used for list-valued set merges:
// folded, punctuation-stripped and whitespace-collapsed.
func SetKey(s string) string {
	return CollapseWhitespace(RemovePunctuation(Fold(s)))
}

// Compact is the form compared by the similarity scorer: lowercased with whitespace removed
func Compact(s string) string {
	return RemoveWhitespace(strings.ToLower(s))
}

// MergeSet appends incoming values to existing, skipping any whose SetKey is
// already present or empty. First-seen spelling and order are preserved.
func MergeSet(existing []string, incoming ...string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, v := range existing {
		k := SetKey(v)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	for _, v := range incoming {
		k := SetKey(v)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	return out
}

// ContainsKey reports whether values holds an entry equal to v under SetKey
func ContainsKey(values []string, v string) bool {
	k := SetKey(v)
	for _, existing := range values {
		if SetKey(existing) == k {
			return true
		}
	}
	return false
}

var spaceRe = regexp.MustCompile(`\s+`)

// NormalizeAddress normalizes a street address for containment checks
func NormalizeAddress(s string) string {
	s = Fold(s)

	replacements := map[string]string{
		" street":     " st",
		" avenue":     " ave",
		" boulevard":  " blvd",
		" drive":      " dr",
		" road":       " rd",
		" expressway": " expy",
		" suite":      " ste",
	}

	for full, abbr := range replacements {
		s = strings.ReplaceAll(s, full, abbr)
	}

	s = spaceRe.ReplaceAllString(s, " ")

	return strings.TrimSpace(s)
}

// IsHan reports whether r is a Han ideograph
func IsHan(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

// FirstHanRun returns the first contiguous run of Han characters in s
func FirstHanRun(s string) string {
	var b strings.Builder
	for _, r := range s {
		if IsHan(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}

// SplitName separates a bilingual display name into its native-script and Latin parts
func SplitName(name string) (native, latin string) {
	var nb, lb strings.Builder
	for _, r := range name {
		switch {
		case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
			nb.WriteRune(r)
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '&' || r == '-' || r == ' '):
			lb.WriteRune(r)
		}
	}
	return nb.String(), CollapseWhitespace(lb.String())
}

// ComposeName builds the "<native> <Latin>" display form; either part may be empty
func ComposeName(native, latin string) string {
	native = strings.TrimSpace(native)
	latin = CollapseWhitespace(latin)
	if latin != "" {
		latin = cases.Title(language.English, cases.NoLower).String(latin)
	}
	switch {
	case native == "":
		return latin
	case latin == "":
		return native
	}
	return native + " " + latin
}
