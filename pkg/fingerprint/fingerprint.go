// Package fingerprint computes deterministic content digests of stores and candidate batches
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

// DocumentVolatileFields are excluded from document digests: timestamps that
// change on every write without changing content
var DocumentVolatileFields = map[string]bool{
	"updated_at":          true,
	"entities.updated_at": true,
}

// Bytes hashes raw content
func Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Generate fingerprints any JSON-encodable value. Map keys are sorted so the
// digest does not depend on field order.
func Generate(v any) (string, error) {
	return GenerateWithExclusions(v, nil)
}

// GenerateWithExclusions fingerprints v, skipping the dot-notation paths in
// excludeFields. Array elements share their parent's path.
func GenerateWithExclusions(v any, excludeFields map[string]bool) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode for fingerprint: %w", err)
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", fmt.Errorf("failed to decode for fingerprint: %w", err)
	}

	var b strings.Builder
	canonicalize(&b, generic, excludeFields, "")
	return Bytes([]byte(b.String())), nil
}

// Document fingerprints store content, ignoring write timestamps
func Document(doc *models.Document) (string, error) {
	return GenerateWithExclusions(doc, DocumentVolatileFields)
}

// Batch fingerprints a candidate batch in presentation order
func Batch(candidates []models.Candidate) (string, error) {
	return Generate(candidates)
}

func canonicalize(b *strings.Builder, data any, excludeFields map[string]bool, path string) {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		first := true
		for _, k := range keys {
			fieldPath := k
			if path != "" {
				fieldPath = path + "." + k
			}
			if excluded(fieldPath, excludeFields) {
				continue
			}
			if !first {
				b.WriteByte(',')
			}
			first = false
			keyJSON, _ := json.Marshal(k)
			b.Write(keyJSON)
			b.WriteByte(':')
			canonicalize(b, v[k], excludeFields, fieldPath)
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			canonicalize(b, item, excludeFields, path)
		}
		b.WriteByte(']')
	default:
		out, _ := json.Marshal(v)
		b.Write(out)
	}
}

// excluded matches exact paths and anything nested under an excluded path
func excluded(fieldPath string, excludeFields map[string]bool) bool {
	if excludeFields == nil {
		return false
	}
	if excludeFields[fieldPath] {
		return true
	}
	for prefix := range excludeFields {
		if strings.HasPrefix(fieldPath, prefix+".") {
			return true
		}
	}
	return false
}

// HasChanged compares two fingerprints
func HasChanged(previous, current string) bool {
	return previous != current
}
