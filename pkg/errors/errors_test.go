package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *PipelineError
		expected string
	}{
		{
			name:     "message only",
			err:      Input("name is required"),
			expected: "input error: name is required",
		},
		{
			name:     "with candidate and field",
			err:      Input("name is required").AddCandidate(3).AddField("name"),
			expected: "input error: candidate #3 -> field 'name': name is required",
		},
		{
			name:     "with entity",
			err:      Invariant("key already claimed").AddEntity("r1"),
			expected: "invariant error: entity 'r1': key already claimed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Wrap(ClassLookup, nil))
	})

	t.Run("keeps existing class", func(t *testing.T) {
		inner := Invariant("boom")
		wrapped := fmt.Errorf("context: %w", inner)
		pe := Wrap(ClassPersistence, wrapped)
		assert.Equal(t, ClassInvariant, pe.Class)
	})

	t.Run("unwraps to cause", func(t *testing.T) {
		cause := stderrors.New("disk full")
		pe := Persistence(cause)
		require.NotNil(t, pe)
		assert.ErrorIs(t, pe, cause)
	})
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{name: "nil", err: nil, fatal: false},
		{name: "input", err: Input("bad"), fatal: false},
		{name: "lookup", err: New(ClassLookup, "timeout"), fatal: false},
		{name: "invariant", err: Invariant("dup key"), fatal: true},
		{name: "persistence", err: Persistence(stderrors.New("eio")), fatal: true},
		{name: "unclassified", err: stderrors.New("unknown"), fatal: true},
		{name: "wrapped input", err: fmt.Errorf("ctx: %w", Input("bad")), fatal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}
