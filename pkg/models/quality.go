package models

// RuleResult is what one quality rule changed in a sweep
type RuleResult struct {
	Rule     string   `json:"rule"`
	Changed  int      `json:"changed"`
	Merged   int      `json:"merged,omitempty"`
	Entities []string `json:"entities,omitempty"`
}

// QualityReport is the outcome of a full quality sweep
type QualityReport struct {
	Rules []RuleResult `json:"rules"`
}

// TotalChanged sums changes across rules
func (r *QualityReport) TotalChanged() int {
	total := 0
	for _, rr := range r.Rules {
		total += rr.Changed
	}
	return total
}
