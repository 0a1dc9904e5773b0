package task

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTask is returned when a task cannot be created from the given fields.
	ErrInvalidTask = errors.New("invalid task")

	// ErrIllegalTransition is returned when a status change is not an edge of
	// the lifecycle graph. Callers treat it as a programming error.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrRetryBudgetExhausted is returned when a retry is requested for a task
	// whose retryCount has reached maxRetries.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrMissingResultRef is returned when SUCCESS is requested without a result reference.
	ErrMissingResultRef = errors.New("success requires a result reference")

	// ErrMissingExternalID is returned when SUBMITTED is requested without an external id.
	ErrMissingExternalID = errors.New("submission requires an external id")

	// ErrExternalIDAlreadySet is returned when a second external id would be
	// recorded for the same attempt.
	ErrExternalIDAlreadySet = errors.New("external id already recorded for this attempt")
)

// legalEdges is the lifecycle graph. QUEUED and RUNNING self-edges record a
// poll that observed no change.
var legalEdges = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusQueued, StatusRunning, StatusSuccess, StatusFailed, StatusTimeout},
	StatusQueued:    {StatusQueued, StatusRunning, StatusSuccess, StatusFailed, StatusTimeout},
	StatusRunning:   {StatusQueued, StatusRunning, StatusSuccess, StatusFailed, StatusTimeout},
	StatusFailed:    {StatusPending},
	StatusTimeout:   {StatusPending},
}

// IsInvariantViolation reports whether err was caused by a transition that
// breaks the lifecycle rules rather than by the store.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrRetryBudgetExhausted) ||
		errors.Is(err, ErrMissingResultRef) ||
		errors.Is(err, ErrMissingExternalID) ||
		errors.Is(err, ErrExternalIDAlreadySet)
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Fields carries the values that accompany a status change.
type Fields struct {
	ExternalID   string
	ResultRef    string
	ResultURL    string
	ErrorMessage string
}

// ValidateTransition checks the edge and the field rules for moving t to the
// given status. It does not check claim ownership.
func ValidateTransition(t *Task, to Status, f Fields) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, to)
	}

	switch to {
	case StatusSubmitted:
		if f.ExternalID == "" {
			return ErrMissingExternalID
		}
		if t.ExternalID != "" {
			return ErrExternalIDAlreadySet
		}
	case StatusSuccess:
		if f.ResultRef == "" {
			return ErrMissingResultRef
		}
	case StatusPending:
		if t.RetryCount >= t.MaxRetries {
			return fmt.Errorf("%w: %d of %d used", ErrRetryBudgetExhausted, t.RetryCount, t.MaxRetries)
		}
	}
	return nil
}

// Apply validates and applies a status change to t in memory, using now for
// every timestamp it sets. It also releases any claim on the task.
// Persistent managers perform the same mutation in their storage.
func (t *Task) Apply(to Status, f Fields, now time.Time) error {
	if err := ValidateTransition(t, to, f); err != nil {
		return err
	}

	switch to {
	case StatusSubmitted:
		t.ExternalID = f.ExternalID
		t.SubmittedAt = &now
	case StatusQueued, StatusRunning:
		t.LastPolledAt = &now
	case StatusSuccess:
		t.ResultRef = f.ResultRef
		t.ResultURL = f.ResultURL
		t.CompletedAt = &now
		t.LastPolledAt = &now
	case StatusFailed, StatusTimeout:
		t.ErrorMessage = f.ErrorMessage
		t.CompletedAt = &now
	case StatusPending:
		t.RetryCount++
		t.ExternalID = ""
		t.SubmittedAt = nil
		t.CompletedAt = nil
		t.LastPolledAt = nil
	}

	t.Status = to
	t.UpdatedAt = now
	t.ClaimedBy = ""
	t.ClaimExpiresAt = nil
	return nil
}
