package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Class buckets pipeline failures by how the enclosing run must react
type Class string

const (
	// ClassInput is a malformed candidate; skipped and recorded
	ClassInput Class = "input"
	// ClassLookup is an external lookup failure; retried, then recorded
	ClassLookup Class = "lookup"
	// ClassInvariant is a contract violation; aborts the transaction
	ClassInvariant Class = "invariant"
	// ClassPersistence is a write failure; aborts the transaction
	ClassPersistence Class = "persistence"
)

type PipelineError struct {
	Class          Class
	Message        string
	Entity         string
	Field          string
	candidateIndex *int
	err            error
}

func New(class Class, msg string) *PipelineError {
	return &PipelineError{Class: class, Message: msg}
}

func Newf(class Class, format string, args ...any) *PipelineError {
	return &PipelineError{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. An error that is already a PipelineError keeps its class.
func Wrap(class Class, err error) *PipelineError {
	if err == nil {
		return nil
	}

	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe
	}

	return &PipelineError{Class: class, Message: err.Error(), err: err}
}

func Input(format string, args ...any) *PipelineError {
	return Newf(ClassInput, format, args...)
}

func Invariant(format string, args ...any) *PipelineError {
	return Newf(ClassInvariant, format, args...)
}

func Persistence(err error) *PipelineError {
	return Wrap(ClassPersistence, err)
}

func (e *PipelineError) Error() string {
	path := []string{}
	if e.candidateIndex != nil {
		path = append(path, fmt.Sprintf("candidate #%d", *e.candidateIndex))
	}
	if e.Entity != "" {
		path = append(path, fmt.Sprintf("entity '%s'", e.Entity))
	}
	if e.Field != "" {
		path = append(path, fmt.Sprintf("field '%s'", e.Field))
	}

	if len(path) == 0 {
		return fmt.Sprintf("%s error: %s", e.Class, e.Message)
	}

	return fmt.Sprintf("%s error: %s: %s", e.Class, strings.Join(path, " -> "), e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.err
}

func (e *PipelineError) AddCandidate(index int) *PipelineError {
	e.candidateIndex = &index
	return e
}

func (e *PipelineError) AddEntity(id string) *PipelineError {
	e.Entity = id
	return e
}

func (e *PipelineError) AddField(field string) *PipelineError {
	e.Field = field
	return e
}

// CandidateIndex returns the candidate position, if one was attached
func (e *PipelineError) CandidateIndex() (int, bool) {
	if e.candidateIndex == nil {
		return 0, false
	}
	return *e.candidateIndex, true
}

// ClassOf returns the class of err, treating unclassified errors as persistence failures
func ClassOf(err error) Class {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Class
	}
	return ClassPersistence
}

// IsFatal reports whether err must abort the enclosing transaction
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch ClassOf(err) {
	case ClassInput, ClassLookup:
		return false
	}
	return true
}
