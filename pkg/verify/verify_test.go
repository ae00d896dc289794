package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

func ent(id, name, key string) *models.Entity {
	e := &models.Entity{ID: id, Name: name, Status: models.EntityStatusActive}
	e.SetKey(key)
	return e
}

func merged(id, into string) *models.Entity {
	e := ent(id, "tomb "+id, "")
	e.Status = models.EntityStatusDuplicateMerged
	e.Merge = &models.MergeProvenance{Into: into}
	return e
}

func doc(entities ...*models.Entity) *models.Document {
	return &models.Document{SchemaVersion: models.SchemaVersion, Entities: entities, TotalCount: len(entities)}
}

func TestDocument(t *testing.T) {
	tests := []struct {
		name string
		doc  *models.Document
		want []error
	}{
		{
			name: "valid",
			doc:  doc(ent("a", "A", "K1"), ent("b", "B", ""), merged("c", "a")),
		},
		{
			name: "duplicate id",
			doc:  doc(ent("a", "A", ""), ent("a", "A2", "")),
			want: []error{ErrDuplicateID},
		},
		{
			name: "missing name",
			doc:  doc(ent("a", " ", "")),
			want: []error{ErrMissingName},
		},
		{
			name: "shared key",
			doc:  doc(ent("a", "A", "K"), ent("b", "B", "K")),
			want: []error{ErrSharedKey},
		},
		{
			name: "tombstone may keep a key",
			doc: func() *models.Document {
				tomb := merged("b", "a")
				tomb.SetKey("K")
				return doc(ent("a", "A", "K"), tomb)
			}(),
		},
		{
			name: "missing target",
			doc:  doc(ent("a", "A", ""), merged("b", "zzz")),
			want: []error{ErrMissingTarget},
		},
		{
			name: "chain",
			doc:  doc(ent("a", "A", ""), merged("b", "a"), merged("c", "b")),
			want: []error{ErrMergeChain},
		},
		{
			name: "all violations reported together",
			doc:  doc(ent("a", "", "K"), ent("b", "B", "K"), merged("c", "nope")),
			want: []error{ErrMissingName, ErrSharedKey, ErrMissingTarget},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Document(tt.doc)
			if len(tt.want) == 0 {
				assert.NoError(t, err)
				return
			}
			assert.Len(t, Violations(err), len(tt.want))
			for _, want := range tt.want {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestTransition(t *testing.T) {
	before := doc(ent("a", "A", ""), ent("b", "B", ""))

	assert.NoError(t, Transition(before, doc(ent("a", "A", ""), merged("b", "a"))))
	assert.ErrorIs(t, Transition(before, doc(ent("a", "A", ""))), ErrEntityCountDrop)
	assert.NoError(t, Transition(nil, doc()))
}
