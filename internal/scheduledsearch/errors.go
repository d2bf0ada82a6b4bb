package scheduledsearch

import "errors"

// ErrNotFound is returned when an id has no matching row.
var ErrNotFound = errors.New("scheduledsearch: not found")

// ErrPermissionDenied is returned when a non-admin tenant addresses another
// tenant's ScheduledSearch.
var ErrPermissionDenied = errors.New("scheduledsearch: permission denied")

// ErrInvalidCron is returned when a cron expression fails to parse.
var ErrInvalidCron = errors.New("scheduledsearch: invalid cron expression")

// ErrNoCapabilities is returned when capabilities is empty; a definition
// must name at least one capability.
var ErrNoCapabilities = errors.New("scheduledsearch: capabilities must be non-empty")
