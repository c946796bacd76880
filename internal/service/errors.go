package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// Sentinels for the five outcomes callers are expected to branch on.  Every
// error returned by BookingService matches exactly one of them via errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrSeatConflict      = errors.New("seats unavailable")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("booking not found")
	ErrTransientStorage  = errors.New("storage unavailable")
)

// FieldError names one offending input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every field that failed validation.  No storage call
// is made once one is produced.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SeatConflictError names the requested seats that are already occupied in
// the scope.
type SeatConflictError struct {
	Scope model.Scope
	Seats []model.Seat
}

func (e *SeatConflictError) Error() string {
	labels := make([]string, 0, len(e.Seats))
	for _, s := range e.Seats {
		labels = append(labels, s.Label())
	}
	return fmt.Sprintf("%s in %s: %s", ErrSeatConflict, e.Scope, strings.Join(labels, ", "))
}

func (e *SeatConflictError) Is(target error) bool { return target == ErrSeatConflict }

// Labels returns the display labels of the conflicting seats.
func (e *SeatConflictError) Labels() []string {
	out := make([]string, 0, len(e.Seats))
	for _, s := range e.Seats {
		out = append(out, s.Label())
	}
	return out
}

// TransitionError reports an event that is not legal from the booking's
// current status.  The booking is left unchanged.
type TransitionError struct {
	BookingID string
	From      model.Status
	Event     Event
	Reason    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: cannot %s booking %s in status %s", ErrInvalidTransition, e.Event, e.BookingID, e.From)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// StorageError wraps a collaborator failure.  Nothing was committed by the
// failing operation, so the caller may retry it as a whole.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s during %s: %v", ErrTransientStorage, e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrTransientStorage }

func (e *StorageError) Unwrap() error { return e.Err }

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
