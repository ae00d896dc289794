package corrections

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
)

// Special patch keys handled by the applier rather than a plain field setter
const (
	FieldStatus      = "status"
	FieldMergeInto   = "merge_into"
	FieldExternalKey = "external_key"
)

type setter func(st *store.Store, e *models.Entity, raw any) (bool, error)

// setters maps the patchable JSON field names of an entity to typed assignment
var setters = map[string]setter{
	"name":            field(func(e *models.Entity) *string { return &e.Name }),
	"name_native":     field(func(e *models.Entity) *string { return &e.NameNative }),
	"name_latin":      field(func(e *models.Entity) *string { return &e.NameLatin }),
	"aliases":         field(func(e *models.Entity) *[]string { return &e.Aliases }),
	"lookup_name":     field(func(e *models.Entity) *string { return &e.LookupName }),
	"address":         field(func(e *models.Entity) *string { return &e.Address }),
	"city":            field(func(e *models.Entity) *string { return &e.City }),
	"cuisine":         field(func(e *models.Entity) *string { return &e.Cuisine }),
	"rating":          field(func(e *models.Entity) **float64 { return &e.Rating }),
	"location":        field(func(e *models.Entity) **models.GeoPoint { return &e.Location }),
	"verified":        field(func(e *models.Entity) *bool { return &e.Verified }),
	"needs_review":    field(func(e *models.Entity) *bool { return &e.NeedsReview }),
	"engagement":      field(func(e *models.Entity) *float64 { return &e.Engagement }),
	"mention_count":   field(func(e *models.Entity) *int { return &e.MentionCount }),
	"sentiment_score": field(func(e *models.Entity) *float64 { return &e.SentimentScore }),
	"dishes":          field(func(e *models.Entity) *[]string { return &e.Dishes }),
	"sources":         field(func(e *models.Entity) *[]string { return &e.Sources }),
	"timeseries":      field(func(e *models.Entity) *[]models.MonthBucket { return &e.Timeseries }),
	FieldExternalKey:  setExternalKey,
}

// IsPatchable reports whether field may appear in a correction
func IsPatchable(field string) bool {
	_, ok := setters[field]
	return ok || field == FieldStatus || field == FieldMergeInto
}

func field[T any](get func(*models.Entity) *T) setter {
	return func(_ *store.Store, e *models.Entity, raw any) (bool, error) {
		var v T
		if err := convert(raw, &v); err != nil {
			return false, err
		}
		p := get(e)
		if reflect.DeepEqual(*p, v) {
			return false, nil
		}
		*p = v
		return true, nil
	}
}

func setExternalKey(st *store.Store, e *models.Entity, raw any) (bool, error) {
	var key *string
	if err := convert(raw, &key); err != nil {
		return false, err
	}
	next := ""
	if key != nil {
		next = *key
	}
	if next == e.Key() {
		return false, nil
	}
	if next == "" {
		e.SetKey("")
		st.Reindex(e)
		return true, nil
	}
	if err := st.ClaimKey(e, next); err != nil {
		return false, err
	}
	return true, nil
}

// convert decodes a loosely-typed patch value (from JSON or YAML) into a typed target
func convert(raw any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("unencodable value: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("value %s has the wrong type: %w", data, err)
	}
	return nil
}
