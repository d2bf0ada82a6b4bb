package jobs

import "errors"

// ErrNotFound is returned when a Job id has no matching row.
var ErrNotFound = errors.New("job: not found")

// ErrInvalidTransition is returned by UpdatePartial when the requested
// status change would violate the Job lifecycle invariants. This is a
// programming error, not a user-visible one; callers in this package never
// construct it from user input.
var ErrInvalidTransition = errors.New("job: invalid lifecycle transition")

// ErrPermissionDenied is returned when a non-admin tenant addresses a Job
// belonging to another tenant.
var ErrPermissionDenied = errors.New("job: permission denied")
