package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

type candidateEnvelope struct {
	Candidates []models.Candidate `json:"candidates"`
}

// LoadCandidates reads a candidate batch: either a bare JSON array or an
// object with a "candidates" array
func LoadCandidates(path string) ([]models.Candidate, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read candidates: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var candidates []models.Candidate
		if err := json.Unmarshal(trimmed, &candidates); err != nil {
			return nil, nil, fmt.Errorf("failed to decode candidates %s: %w", path, err)
		}
		return candidates, data, nil
	}

	var env candidateEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, nil, fmt.Errorf("failed to decode candidates %s: %w", path, err)
	}
	return env.Candidates, data, nil
}
