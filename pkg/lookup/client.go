// Package lookup verifies restaurant names against the external place-lookup collaborator
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

var (
	// ErrTransient marks a failure worth retrying (timeouts, rate limiting, 5xx)
	ErrTransient = errors.New("transient lookup failure")
	// ErrNoClient is returned when enrichment is requested without a collaborator
	ErrNoClient = errors.New("no lookup client configured")
)

// Client searches the place-lookup collaborator. Results are ranked, best first.
type Client interface {
	Search(ctx context.Context, query string) ([]models.LookupResult, error)
}

// Fixture is the on-disk form of a FileClient: canned results per query.
// Queries listed in Transient fail with ErrTransient.
type Fixture struct {
	Results   map[string][]models.LookupResult `json:"results"`
	Transient []string                         `json:"transient,omitempty"`
}

// FileClient answers lookups from a fixture file. It lets batch runs and
// tests work offline and without billing.
type FileClient struct {
	mu      sync.Mutex
	fixture Fixture
	calls   map[string]int
}

// NewFileClient loads a fixture file
func NewFileClient(path string) (*FileClient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lookup fixture %s: %w", path, err)
	}
	var fixture Fixture
	if err := json.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("failed to parse lookup fixture %s: %w", path, err)
	}
	return NewFixtureClient(fixture), nil
}

// NewFixtureClient serves an in-memory fixture
func NewFixtureClient(fixture Fixture) *FileClient {
	results := make(map[string][]models.LookupResult, len(fixture.Results))
	for q, r := range fixture.Results {
		results[normalizeQuery(q)] = r
	}
	transient := make([]string, 0, len(fixture.Transient))
	for _, q := range fixture.Transient {
		transient = append(transient, normalizeQuery(q))
	}
	return &FileClient{
		fixture: Fixture{Results: results, Transient: transient},
		calls:   make(map[string]int),
	}
}

// Search returns the canned results for query, or none
func (c *FileClient) Search(ctx context.Context, query string) ([]models.LookupResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := normalizeQuery(query)

	c.mu.Lock()
	c.calls[q]++
	c.mu.Unlock()

	for _, t := range c.fixture.Transient {
		if t == q {
			return nil, fmt.Errorf("%w: fixture marks %q as unavailable", ErrTransient, query)
		}
	}
	return c.fixture.Results[q], nil
}

// Calls returns how many times query reached the client
func (c *FileClient) Calls(query string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[normalizeQuery(query)]
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
