// Package capability holds the in-process executor registry: a thread-safe
// map from a capability tag to the Executor that handles it. Executors are
// plain functions; no plugin framework.
package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/blackflagsec/sentinel/internal/findings"
	"github.com/blackflagsec/sentinel/internal/jobs"
)

// ProgressSink lets an Executor report monotonic progress and append
// execution log lines while it runs.
type ProgressSink interface {
	Progress(pct int)
	Log(level jobs.LogLevel, msg string)
}

// Result is what an Executor hands back to the Orchestrator on completion.
type Result struct {
	Findings          []findings.Finding
	PositiveIndicators []findings.PositiveIndicator
	Metadata          map[string]any
}

// Executor runs one capability against a target. Implementations must
// observe ctx cancellation cooperatively; the Orchestrator cancels ctx on
// job cancellation or deadline and expects Execute to return promptly.
type Executor func(ctx context.Context, tenantID, target string, config map[string]any, sink ProgressSink) (Result, error)

// Registry maps capability tags to their Executor. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[jobs.Capability]Executor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[jobs.Capability]Executor)}
}

// Register binds cap to an Executor, overwriting any prior binding.
func (r *Registry) Register(cap jobs.Capability, exec Executor) error {
	if !cap.Valid() {
		return fmt.Errorf("capability: unknown tag %q", cap)
	}
	if exec == nil {
		return fmt.Errorf("capability: nil executor for %q", cap)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[cap] = exec
	return nil
}

// Lookup returns the Executor for cap, or false if none is registered. The
// Orchestrator's admission gate calls this before enqueueing a job so an
// unregistered capability fails fast instead of queuing forever.
func (r *Registry) Lookup(cap jobs.Capability) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[cap]
	return exec, ok
}

// Registered lists every capability with a bound executor.
func (r *Registry) Registered() []jobs.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]jobs.Capability, 0, len(r.executors))
	for c := range r.executors {
		out = append(out, c)
	}
	return out
}
