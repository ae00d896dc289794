package models

// Correction is an operator override of specific entity fields
type Correction struct {
	EntityID     string         `json:"entity_id" yaml:"entity_id" validate:"required"`
	FieldPatches map[string]any `json:"field_patches" yaml:"field_patches" validate:"required,min=1"`
	Reason       string         `json:"reason" yaml:"reason" validate:"required"`
	// Disabled corrections are kept for history but not applied
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// CorrectionSet is the correction overlay side document
type CorrectionSet struct {
	Corrections []Correction `json:"corrections" yaml:"corrections"`
}
