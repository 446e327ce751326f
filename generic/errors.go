/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The computation layer reports data conditions (incomplete readings,
  open disputes, months before the first tariff) as values inside its
  results; the errors below are what reaches a caller when an operator
  action cannot be carried out or a collaborator fails.

ERROR CATEGORIES:
  1. Data conditions - ResolutionMiss, Incomplete, ReviewBlocked
  2. Input errors - ParseFailure, InvalidMonth
  3. Workflow errors - IllegalTransition, NoActiveChat
  4. Lookup errors - ApartmentNotFound, FlagNotFound
  5. Store errors - StoreWrite

USAGE:
  if errors.Is(err, generic.ErrIllegalTransition) {
      var ite *generic.IllegalTransitionError
      errors.As(err, &ite) // ite.Action, ite.From, ite.Reason
  }

SEE ALSO:
  - billing/workflow.go: returns IllegalTransitionError
  - factory/forms.go: collects ParseError values instead of failing
  - api/handlers.go: maps these errors to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrResolutionMiss is reported when no tariff entry applies to a month
	// and the resolver is not allowed to backfill from the earliest entry.
	ErrResolutionMiss = errors.New("no applicable tariff entry")

	// ErrParseFailure marks malformed operator input. Form parsers treat
	// the field as not set and keep going.
	ErrParseFailure = errors.New("parse failure")

	// ErrInvalidMonth is returned for a month that is not YYYY-MM.
	ErrInvalidMonth = errors.New("invalid month")

	// ErrIncomplete is returned when an action needs a billable total but
	// the month still lacks readings.
	ErrIncomplete = errors.New("readings incomplete")

	// ErrReviewBlocked is returned when an open dispute prevents an action.
	ErrReviewBlocked = errors.New("blocked by review")

	// ErrIllegalTransition is returned when a bill action is not allowed
	// from the bill's current state. The state is left unchanged.
	ErrIllegalTransition = errors.New("illegal bill transition")

	// ErrNoActiveChat is returned when a bill must be delivered but the
	// apartment has no active tenant chat.
	ErrNoActiveChat = errors.New("no active chat")

	// ErrApartmentNotFound is returned when a referenced apartment doesn't exist.
	ErrApartmentNotFound = errors.New("apartment not found")

	// ErrFlagNotFound is returned when a referenced review flag doesn't exist.
	ErrFlagNotFound = errors.New("review flag not found")

	// ErrStoreWrite is returned when a persistence write fails.
	ErrStoreWrite = errors.New("store write failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IllegalTransitionError explains why a bill action was rejected.
type IllegalTransitionError struct {
	Action string // "approve", "send_without_t3_photo"
	From   string // status the bill was in
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot %s bill in status %s: %s", e.Action, e.From, e.Reason)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// ParseError records one rejected form field.
type ParseError struct {
	Field string `json:"field"`
	Input string `json:"input"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Input)
}

func (e *ParseError) Unwrap() error { return ErrParseFailure }

// ResolutionMissError names the month nothing applied to.
type ResolutionMissError struct {
	Month Month
}

func (e *ResolutionMissError) Error() string {
	return fmt.Sprintf("no applicable tariff entry for %s", e.Month)
}

func (e *ResolutionMissError) Unwrap() error { return ErrResolutionMiss }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrParseFailure) ||
		errors.Is(err, ErrInvalidMonth) ||
		errors.Is(err, ErrNoActiveChat) ||
		errors.Is(err, ErrIncomplete)
}

// IsConflict returns true if the action conflicts with the current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrReviewBlocked)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrApartmentNotFound) ||
		errors.Is(err, ErrFlagNotFound)
}
