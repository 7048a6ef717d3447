package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCompositionCycle     = errors.New("composition cycle")
	ErrDependencyCycle      = errors.New("dependency cycle")
	ErrUnknownStep          = errors.New("unknown step")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrStaleVersion         = errors.New("stale version")
	ErrNotFound             = errors.New("not found")
	ErrArchived             = errors.New("procedure archived")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrDuplicateOccurrence  = errors.New("duplicate occurrence")
	ErrConflict             = errors.New("concurrent update")
	ErrNotEmbeddable        = errors.New("procedure cannot be embedded")
	ErrInvalid              = errors.New("invalid input")
)

// CompositionCycleError names the embedding path that closed on itself.
// Path starts and ends with the repeated procedure id.
type CompositionCycleError struct {
	Path []string
}

func (e *CompositionCycleError) Error() string {
	return fmt.Sprintf("composition cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CompositionCycleError) Is(target error) bool { return target == ErrCompositionCycle }

// DependencyCycleError lists the steps of one procedure level that could not
// be ordered.
type DependencyCycleError struct {
	ProcedureID string
	StepIDs     []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle in procedure %s among steps %s", e.ProcedureID, strings.Join(e.StepIDs, ", "))
}

func (e *DependencyCycleError) Is(target error) bool { return target == ErrDependencyCycle }

type UnknownStepError struct {
	ProcedureID  string
	CompletionID string
	StepID       string
}

func (e *UnknownStepError) Error() string {
	switch {
	case e.CompletionID != "":
		return fmt.Sprintf("unknown step %s for completion %s", e.StepID, e.CompletionID)
	case e.ProcedureID != "":
		return fmt.Sprintf("unknown step %s in procedure %s", e.StepID, e.ProcedureID)
	}
	return fmt.Sprintf("unknown step %s", e.StepID)
}

func (e *UnknownStepError) Is(target error) bool { return target == ErrUnknownStep }

type InvalidTransitionError struct {
	CompletionID string
	From         CompletionStatus
	Event        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s not allowed from %s (completion %s)", e.Event, e.From, e.CompletionID)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type StaleVersionError struct {
	CompletionID string
	Pinned       int
	Requested    int
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version: completion %s pinned to v%d, request targets v%d", e.CompletionID, e.Pinned, e.Requested)
}

func (e *StaleVersionError) Is(target error) bool { return target == ErrStaleVersion }

// Invalidf wraps ErrInvalid with a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
