package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
)

// LoadCheckpoint reads the checkpoint at path. A missing file is a zero checkpoint.
func LoadCheckpoint(path string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	if path == "" {
		return cp, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return cp, nil
}

// SaveCheckpoint atomically replaces the checkpoint at path
func SaveCheckpoint(path string, cp *models.Checkpoint) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return store.WriteFileAtomic(path, data)
}

// AlreadyIngested reports whether fingerprint is the last committed batch
func AlreadyIngested(cp *models.Checkpoint, fingerprint string) bool {
	return cp != nil && fingerprint != "" && cp.LastBatchFingerprint == fingerprint
}

// Advance returns the checkpoint after a committed batch
func Advance(cp *models.Checkpoint, txID, fingerprint string, summary *models.BatchSummary, at time.Time) *models.Checkpoint {
	next := &models.Checkpoint{}
	if cp != nil {
		*next = *cp
	}
	next.LastTxID = txID
	next.LastBatchFingerprint = fingerprint
	next.LastRunAt = at.UTC()
	next.Batches++
	if summary != nil {
		next.ProcessedTotal += summary.Processed
	}
	return next
}
