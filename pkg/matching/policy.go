package matching

import (
	"strings"
)

// Policy decides whether a similarity score is enough to call two names the same place.
// The identity matcher and the lookup enricher share it.
type Policy struct {
	// NativeThreshold is the floor for native-script (CJK) names
	NativeThreshold float64
	// LatinThreshold is the floor for all other names
	LatinThreshold float64
	// CorroboratedFloor is the score a native-script match must exceed when
	// location evidence corroborates it
	CorroboratedFloor float64
	// RegionCities corroborate a match when the candidate has no usable city
	RegionCities []string
}

// DefaultPolicy returns the tuned thresholds
func DefaultPolicy() Policy {
	return Policy{
		NativeThreshold:   0.30,
		LatinThreshold:    0.40,
		CorroboratedFloor: 0,
		RegionCities: []string{
			"cupertino", "milpitas", "fremont", "mountain view", "sunnyvale", "san jose",
			"palo alto", "santa clara", "san mateo", "foster city", "redwood city",
			"menlo park", "union city", "newark", "hayward", "san francisco", "daly city",
			"san leandro", "pleasanton", "livermore", "dublin", "walnut creek", "berkeley",
			"oakland", "san ramon", "millbrae", "san bruno", "campbell", "burlingame",
			"south san francisco", "albany", "pleasant hill", "san carlos", "belmont",
		},
	}
}

// Threshold returns the score floor for a name in the given script
func (p Policy) Threshold(native bool) float64 {
	if native {
		return p.NativeThreshold
	}
	return p.LatinThreshold
}

// UsableCity reports whether city is specific enough to corroborate a location
func UsableCity(city string) bool {
	c := strings.ToLower(strings.TrimSpace(city))
	return c != "" && c != "unknown" && c != "bay area"
}

// Corroborates reports whether location text places the match in the candidate's city.
// Without a usable city, any known regional city in the location corroborates.
func (p Policy) Corroborates(city, location string) bool {
	loc := strings.ToLower(location)
	if strings.TrimSpace(loc) == "" {
		return false
	}
	if UsableCity(city) {
		return strings.Contains(loc, strings.ToLower(strings.TrimSpace(city)))
	}
	for _, c := range p.RegionCities {
		if c != "" && strings.Contains(loc, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

// Accept applies the policy to the top and best candidates of a ranked search.
// top is the first-ranked option's score and location; best is the highest score.
// It returns whether to accept and whether the acceptance rested on location evidence.
func (p Policy) Accept(native bool, city string, topScore float64, topLocation string, bestScore float64) (accepted, corroborated bool) {
	if native && topScore > p.CorroboratedFloor && p.Corroborates(city, topLocation) {
		return true, true
	}
	return bestScore >= p.Threshold(native), false
}
