// Package verify checks the structural integrity of a canonical store document
package verify

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

var (
	ErrDuplicateID     = errors.New("duplicate entity id")
	ErrMissingName     = errors.New("entity has no name")
	ErrUnknownStatus   = errors.New("unknown entity status")
	ErrSharedKey       = errors.New("external key held by more than one live entity")
	ErrMissingTarget   = errors.New("merged entity has no existing target")
	ErrMergeChain      = errors.New("merged entity points at another merged entity")
	ErrNegativeMetric  = errors.New("negative metric")
	ErrEntityCountDrop = errors.New("entity count decreased")
)

// Document checks every invariant and returns all violations combined
func Document(doc *models.Document) error {
	var errs error

	byID := make(map[string]*models.Entity, len(doc.Entities))
	for i, e := range doc.Entities {
		if e == nil {
			errs = multierr.Append(errs, fmt.Errorf("entity #%d is null", i))
			continue
		}
		if _, dup := byID[e.ID]; dup || e.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("%w: %q", ErrDuplicateID, e.ID))
		}
		byID[e.ID] = e
	}

	keys := make(map[string]string)
	for _, e := range doc.Entities {
		if e == nil {
			continue
		}
		if strings.TrimSpace(e.Name) == "" {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrMissingName, e.ID))
		}
		if !e.Status.Valid() {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s has %q", ErrUnknownStatus, e.ID, e.Status))
		}
		if e.MentionCount < 0 || e.Engagement < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s mention_count=%d engagement=%v", ErrNegativeMetric, e.ID, e.MentionCount, e.Engagement))
		}

		if e.IsLive() {
			if e.HasKey() {
				if holder, ok := keys[e.Key()]; ok {
					errs = multierr.Append(errs, fmt.Errorf("%w: %s held by %s and %s", ErrSharedKey, e.Key(), holder, e.ID))
				} else {
					keys[e.Key()] = e.ID
				}
			}
			continue
		}

		target, ok := byID[e.MergeTarget()]
		switch {
		case !ok || target == e:
			errs = multierr.Append(errs, fmt.Errorf("%w: %s -> %q", ErrMissingTarget, e.ID, e.MergeTarget()))
		case !target.IsLive():
			errs = multierr.Append(errs, fmt.Errorf("%w: %s -> %s", ErrMergeChain, e.ID, target.ID))
		}
	}

	return errs
}

// Transition checks the mutated document and that no entity was lost
// relative to the document it was derived from
func Transition(before, after *models.Document) error {
	errs := Document(after)
	if before != nil && len(after.Entities) < len(before.Entities) {
		errs = multierr.Append(errs, fmt.Errorf("%w: %d -> %d", ErrEntityCountDrop, len(before.Entities), len(after.Entities)))
	}
	return errs
}

// Violations splits a verification error into its individual violations
func Violations(err error) []error {
	return multierr.Errors(err)
}
