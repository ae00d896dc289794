package models

import "time"

// TransactionRecord describes a retained snapshot
type TransactionRecord struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
}

// AuditAction is the terminal action recorded for a transaction
type AuditAction string

const (
	AuditActionCommit   AuditAction = "commit"
	AuditActionRollback AuditAction = "rollback"
)

// AuditRecord is one line of the durable transaction audit trail
type AuditRecord struct {
	TxID        string      `json:"tx_id"`
	Label       string      `json:"label"`
	Action      AuditAction `json:"action"`
	At          time.Time   `json:"at"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	Restored    bool        `json:"restored,omitempty"`
}

// Checkpoint is the explicit state carried between ingestion batch runs
type Checkpoint struct {
	LastTxID             string    `json:"last_tx_id,omitempty"`
	LastBatchFingerprint string    `json:"last_batch_fingerprint,omitempty"`
	LastRunAt            time.Time `json:"last_run_at,omitempty"`
	ProcessedTotal       int       `json:"processed_total"`
	Batches              int       `json:"batches"`
}

// CandidateFailure records a candidate that was skipped without aborting the batch
type CandidateFailure struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	PostID string `json:"post_id,omitempty"`
	Class  string `json:"class"`
	Reason string `json:"reason"`
}

// BatchSummary is the user-visible outcome of a mutating run
type BatchSummary struct {
	Label     string             `json:"label"`
	TxID      string             `json:"tx_id,omitempty"`
	Processed int                `json:"processed"`
	Created   int                `json:"created"`
	Updated   int                `json:"updated"`
	Merged    int                `json:"merged"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"`
	Failures  []CandidateFailure `json:"failures,omitempty"`

	CreatedIDs []string `json:"-"`
	UpdatedIDs []string `json:"-"`
	MergedIDs  []string `json:"-"`
}

// RecordFailure appends a recovered failure and bumps the failed count
func (s *BatchSummary) RecordFailure(f CandidateFailure) {
	s.Failed++
	s.Failures = append(s.Failures, f)
}

// Changed reports whether the run touched any entity
func (s *BatchSummary) Changed() bool {
	return s.Created+s.Updated+s.Merged > 0
}

// Add folds other into s
func (s *BatchSummary) Add(other *BatchSummary) {
	if other == nil {
		return
	}
	s.Processed += other.Processed
	s.Created += other.Created
	s.Updated += other.Updated
	s.Merged += other.Merged
	s.Failed += other.Failed
	s.Skipped += other.Skipped
	s.Failures = append(s.Failures, other.Failures...)
	s.CreatedIDs = append(s.CreatedIDs, other.CreatedIDs...)
	s.UpdatedIDs = append(s.UpdatedIDs, other.UpdatedIDs...)
	s.MergedIDs = append(s.MergedIDs, other.MergedIDs...)
}
