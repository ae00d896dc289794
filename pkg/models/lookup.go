package models

import "time"

// LookupFailureReason classifies why the external lookup did not verify a candidate or entity
type LookupFailureReason string

const (
	LookupFailureNoMatch       LookupFailureReason = "no_match"
	LookupFailureLowConfidence LookupFailureReason = "low_confidence"
	LookupFailureTransient     LookupFailureReason = "transient_error"
	LookupFailureInvalidName   LookupFailureReason = "invalid_name"
)

// LookupFailure is the typed failure recorded on a candidate or entity
type LookupFailure struct {
	Reason   LookupFailureReason `json:"reason"`
	Query    string              `json:"query,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Attempts int                 `json:"attempts"`
	At       time.Time           `json:"at"`
}

// LookupResult is one place returned by the lookup collaborator
type LookupResult struct {
	ExternalKey string   `json:"external_key"`
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	Rating      *float64 `json:"rating,omitempty"`
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
}
