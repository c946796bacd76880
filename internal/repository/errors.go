// Package repository defines the booking stores and the error values they
// share.  These sentinels let the service layer tell storage outcomes apart
// without knowing which store produced them.  ErrNotFound means the booking
// id is unknown, ErrConflict that an insert collided with an existing id, and
// ErrStale that a conditional status update lost to a concurrent writer.
package repository

import "errors"

// ErrNotFound is returned when no booking exists with the requested id.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a booking with the same id already exists.
// The service treats it as a failed creation that the caller may retry with
// a fresh id.
var ErrConflict = errors.New("conflict")

// ErrStale is returned by UpdateStatus when the stored status no longer
// matches the expected one, i.e. another writer moved the booking first.
var ErrStale = errors.New("stale status")
