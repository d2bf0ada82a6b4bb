package findings

import "errors"

// ErrNotFound is returned when a Finding id has no matching row.
var ErrNotFound = errors.New("findings: not found")

// ErrPermissionDenied is returned when a non-admin tenant addresses another
// tenant's Finding.
var ErrPermissionDenied = errors.New("findings: permission denied")

// ErrInvalidResolution is returned when resolve is called with a status
// outside {resolved, false_positive, accepted_risk}.
var ErrInvalidResolution = errors.New("findings: invalid resolution status")
