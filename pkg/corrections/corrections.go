// Package corrections applies the operator correction overlay to the canonical store
package corrections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/aggregation"
	pipelineerrors "github.com/iris-familiar/bay-area-food-map-sub000/pkg/errors"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/normalizers"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
)

// Load reads a correction overlay. Files ending in .yaml or .yml are YAML,
// anything else JSON. A missing file is an empty overlay.
func Load(path string) (*models.CorrectionSet, error) {
	set := &models.CorrectionSet{}
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read corrections %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, set)
	default:
		err = json.Unmarshal(data, set)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse corrections %s: %w", path, err)
	}
	return set, nil
}

// Applier writes correction patches onto entities and stamps the patched
// fields so automated recomputes leave them alone
type Applier struct {
	logger     *zap.Logger
	validate   *validator.Validate
	aggregator *aggregation.Aggregator
	now        func() time.Time
}

// NewApplier creates a new Applier
func NewApplier(logger *zap.Logger, aggregator *aggregation.Aggregator) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		logger:     logger.Named("corrections"),
		validate:   validator.New(),
		aggregator: aggregator,
		now:        time.Now,
	}
}

// Apply applies every enabled correction in order. Malformed corrections and
// unknown entities are recorded and skipped; key conflicts abort.
func (a *Applier) Apply(ctx context.Context, st *store.Store, set *models.CorrectionSet) (*models.BatchSummary, error) {
	_, span := tracing.StartSpan(ctx, "corrections.Applier.Apply")
	defer span.End()

	summary := &models.BatchSummary{Label: "correct"}
	if set == nil {
		return summary, nil
	}

	for i := range set.Corrections {
		c := &set.Corrections[i]
		if c.Disabled {
			continue
		}
		summary.Processed++

		changed, merged, err := a.applyOne(st, c)
		if err != nil {
			if pipelineerrors.IsFatal(err) {
				perr := pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err).AddCandidate(i).AddEntity(c.EntityID)
				tracing.RecordError(span, perr)
				return summary, perr
			}
			a.logger.Warn("Skipped correction",
				zap.Int("index", i),
				zap.String("entity", c.EntityID),
				zap.Error(err),
			)
			summary.RecordFailure(models.CandidateFailure{
				Index:  i,
				Name:   c.EntityID,
				Class:  string(pipelineerrors.ClassOf(err)),
				Reason: err.Error(),
			})
			continue
		}

		switch {
		case merged:
			summary.Merged++
			summary.MergedIDs = append(summary.MergedIDs, c.EntityID)
		case changed:
			summary.Updated++
			summary.UpdatedIDs = append(summary.UpdatedIDs, c.EntityID)
		default:
			summary.Skipped++
		}
	}

	if summary.Merged > 0 || summary.Updated > 0 {
		a.refresh(st, summary)
	}

	a.logger.Info("Applied corrections",
		zap.Int("updated", summary.Updated),
		zap.Int("merged", summary.Merged),
		zap.Int("failed", summary.Failed),
		zap.Int("unchanged", summary.Skipped),
	)
	return summary, nil
}

// refresh recomputes shared-post counts once merges or status changes have
// altered the set of live entities
func (a *Applier) refresh(st *store.Store, summary *models.BatchSummary) {
	for _, id := range a.aggregator.RefreshPostCounts(st.All()) {
		e, ok := st.Get(id)
		if !ok {
			continue
		}
		st.Touch(e)
		if !slices.Contains(summary.UpdatedIDs, id) {
			summary.Updated++
			summary.UpdatedIDs = append(summary.UpdatedIDs, id)
		}
	}
}

func (a *Applier) applyOne(st *store.Store, c *models.Correction) (changed, merged bool, err error) {
	if err := a.validate.Struct(c); err != nil {
		return false, false, pipelineerrors.Input("invalid correction: %v", err)
	}

	e, ok := st.Get(c.EntityID)
	if !ok {
		return false, false, pipelineerrors.Input("entity %s not found", c.EntityID)
	}

	fields := make([]string, 0, len(c.FieldPatches))
	for f := range c.FieldPatches {
		if !IsPatchable(f) {
			return false, false, pipelineerrors.Input("field %s cannot be corrected", f).AddField(f)
		}
		fields = append(fields, f)
	}
	sort.Strings(fields)

	if raw, ok := c.FieldPatches[FieldStatus]; ok {
		var status models.EntityStatus
		if err := convert(raw, &status); err != nil || !status.Valid() {
			return false, false, pipelineerrors.Input("invalid status %v", raw).AddField(FieldStatus)
		}
		if status == models.EntityStatusDuplicateMerged {
			merged, err := a.mergeInto(st, e, c)
			return merged, merged, err
		}
		statusChanged, err := a.setStatus(st, e, status)
		if err != nil {
			return false, false, err
		}
		changed = changed || statusChanged
	}

	for _, f := range fields {
		set, ok := setters[f]
		if !ok {
			continue
		}
		fieldChanged, err := set(st, e, c.FieldPatches[f])
		if errors.Is(err, store.ErrKeyClaimed) {
			return false, false, pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err).AddField(f)
		}
		if err != nil {
			return false, false, pipelineerrors.Input("%v", err).AddField(f)
		}
		changed = changed || fieldChanged
	}

	stamped := a.stamp(e, c.Reason, fields)
	if changed || stamped {
		st.Touch(e)
	}
	return changed || stamped, false, nil
}

// mergeInto tombstones e into the entity named by merge_into, folding its mentions over
func (a *Applier) mergeInto(st *store.Store, e *models.Entity, c *models.Correction) (bool, error) {
	var targetID string
	if err := convert(c.FieldPatches[FieldMergeInto], &targetID); err != nil || targetID == "" {
		return false, pipelineerrors.Input("status duplicate_merged requires merge_into").AddField(FieldMergeInto)
	}

	if !e.IsLive() {
		if e.MergeTarget() == targetID {
			return false, nil
		}
		return false, pipelineerrors.Input("entity %s is already merged into %s", e.ID, e.MergeTarget())
	}

	target, ok := st.Resolve(targetID)
	if !ok || !target.IsLive() {
		return false, pipelineerrors.Input("merge target %s not found", targetID).AddField(FieldMergeInto)
	}
	if target == e {
		return false, pipelineerrors.Input("entity %s cannot merge into itself", e.ID)
	}

	a.aggregator.Absorb(target, e)
	if !target.IsCorrected(aggregation.FieldDishes) {
		target.Dishes = normalizers.MergeSet(target.Dishes, e.Dishes...)
	}
	target.Aliases = normalizers.MergeSet(target.Aliases, e.Name)
	st.Touch(target)
	if err := st.MarkMerged(e, target, c.Reason); err != nil {
		return false, pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err)
	}

	a.logger.Info("Correction merged entity",
		zap.String("entity", e.ID),
		zap.String("into", target.ID),
		zap.String("reason", c.Reason),
	)
	return true, nil
}

func (a *Applier) setStatus(st *store.Store, e *models.Entity, status models.EntityStatus) (bool, error) {
	if e.Status == status {
		return false, nil
	}
	if !e.IsLive() && e.HasKey() {
		if holder, ok := st.ByKey(e.Key()); ok {
			return false, pipelineerrors.Invariant("cannot revive %s: key %s held by %s", e.ID, e.Key(), holder.ID)
		}
	}
	e.Status = status
	e.Merge = nil
	st.Reindex(e)
	return true, nil
}

// stamp records the correction on the entity; it reports whether the stamp changed
func (a *Applier) stamp(e *models.Entity, reason string, fields []string) bool {
	protected := []string{}
	if e.Correction != nil {
		protected = append(protected, e.Correction.Fields...)
	}
	for _, f := range fields {
		if f == FieldStatus || f == FieldMergeInto || slices.Contains(protected, f) {
			continue
		}
		protected = append(protected, f)
	}
	sort.Strings(protected)

	if e.Correction != nil && e.Correction.Reason == reason && slices.Equal(e.Correction.Fields, protected) {
		return false
	}
	e.Correction = &models.CorrectionStamp{
		At:     a.now().UTC(),
		Reason: reason,
		Fields: protected,
	}
	return true
}
