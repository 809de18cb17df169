// Package errors classifies orchestrator failures so the stage engine can tell
// a failure that stays inside its stage from one that aborts the pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is the failure class of an orchestrator error.
type Kind string

const (
	// Pipeline-fatal: nothing downstream is meaningful after these.
	KindSpawn               Kind = "spawn"
	KindEnvironmentCreation Kind = "environment_creation"
	KindBootstrap           Kind = "bootstrap"
	KindCanceled            Kind = "canceled"

	// Contained at the stage boundary.
	KindStepFailure      Kind = "step_failure"
	KindToleratedFailure Kind = "tolerated_failure"
	KindArtifactMissing  Kind = "artifact_missing"

	// Pipeline definition or settings are unusable.
	KindConfig Kind = "config"
)

// Error is a classified orchestrator error.
type Error struct {
	Kind    Kind
	Op      string
	Stage   string
	Step    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	where := e.Op
	if e.Stage != "" {
		where = fmt.Sprintf("%s [stage=%s", where, e.Stage)
		if e.Step != "" {
			where += " step=" + e.Step
		}
		where += "]"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", where, e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", where, e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", where, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: KindSpawn}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// InStage returns a copy of the error annotated with stage and step names.
func (e *Error) InStage(stage, step string) *Error {
	c := *e
	c.Stage = stage
	c.Step = step
	return &c
}

// New creates an error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain carries a classified error of kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsPipelineFatal reports whether err must abort the whole pipeline.
func IsPipelineFatal(err error) bool {
	switch KindOf(err) {
	case KindSpawn, KindEnvironmentCreation, KindBootstrap, KindCanceled:
		return true
	}
	return false
}
