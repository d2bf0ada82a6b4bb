package orchestrator

import "errors"

// errCancelled is the sentinel an executor's context returns through when
// it observes cancellation and abandons work cooperatively.
var errCancelled = errors.New("orchestrator: job cancelled")

// ErrConfigurationError is returned by CreateJob when a capability has no
// registered executor. Fails fast; alert-worthy.
var ErrConfigurationError = errors.New("orchestrator: no executor registered for capability")

// ErrOverloaded is returned by CreateJob when a capability's queue is at
// its hard limit.
var ErrOverloaded = errors.New("orchestrator: capability queue overloaded")

// ErrNotFound mirrors jobs.ErrNotFound at the orchestrator boundary.
var ErrNotFound = errors.New("orchestrator: job not found")
