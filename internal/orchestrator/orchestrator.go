// Package orchestrator owns the Job lifecycle: admission, per-capability
// priority dispatch, per-tenant concurrency caps, cooperative cancellation,
// retry with backoff, and post-processing of executor output into the
// finding store and positive scorer.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blackflagsec/sentinel/internal/capability"
	"github.com/blackflagsec/sentinel/internal/events"
	"github.com/blackflagsec/sentinel/internal/findings"
	"github.com/blackflagsec/sentinel/internal/jobs"
	"github.com/blackflagsec/sentinel/internal/telemetry"
	"github.com/blackflagsec/sentinel/internal/tenancy"
)

// Config tunes the Orchestrator's concurrency and back-pressure knobs.
type Config struct {
	WorkersPerCapability int           // default 4, minimum 1
	TenantInFlightCap    int           // default 8
	MaxRetries           int           // default 3
	QueueSoftLimit       int           // default 1000
	QueueHardLimit       int           // default 10000
	ExecutionTimeout     time.Duration // default 30m
	CancelGrace          time.Duration // default 5s
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		WorkersPerCapability: 4,
		TenantInFlightCap:    tenancy.DefaultInFlightCap,
		MaxRetries:           defaultMaxRetries,
		QueueSoftLimit:       1000,
		QueueHardLimit:       10000,
		ExecutionTimeout:     30 * time.Minute,
		CancelGrace:          5 * time.Second,
	}
}

// ProgressSnapshot is returned by GetProgress.
type ProgressSnapshot struct {
	Status       jobs.Status
	Progress     int
	LastLogEntry *jobs.LogEntry
}

// Orchestrator dispatches Jobs to capability executors.
type Orchestrator struct {
	cfg      Config
	store    *jobs.Store
	findings *findings.Store
	registry *capability.Registry
	tenants  *tenancy.Tracker
	bus      *events.Bus
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	breakers *breakerPool

	mu      sync.Mutex
	queues  map[jobs.Capability]*capabilityQueue
	started map[jobs.Capability]bool
	cancels map[string]context.CancelFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	closed chan struct{}
	group  *errgroup.Group
}

// New constructs an Orchestrator. metrics may be nil (telemetry becomes a
// no-op).
func New(store *jobs.Store, findingsStore *findings.Store, registry *capability.Registry,
	tenants *tenancy.Tracker, bus *events.Bus, metrics *telemetry.Metrics, logger *zap.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkersPerCapability < 1 {
		cfg.WorkersPerCapability = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Minute
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		findings: findingsStore,
		registry: registry,
		tenants:  tenants,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		breakers: newBreakerPool(),
		queues:   make(map[jobs.Capability]*capabilityQueue),
		started:  make(map[jobs.Capability]bool),
		cancels:  make(map[string]context.CancelFunc),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		closed:   make(chan struct{}),
	}
}

// RegisterExecutor delegates to the Capability Registry.
func (o *Orchestrator) RegisterExecutor(cap jobs.Capability, exec capability.Executor) error {
	return o.registry.Register(cap, exec)
}

// Start launches worker pools for every currently registered capability.
// Workers for capabilities registered afterward are started lazily on their
// first createJob.
func (o *Orchestrator) Start(ctx context.Context) {
	for _, cap := range o.registry.Registered() {
		o.ensureWorkers(ctx, cap)
	}
}

// Stop signals every worker loop to exit and waits for them to drain.
func (o *Orchestrator) Stop() {
	close(o.closed)
	if o.group != nil {
		_ = o.group.Wait()
	}
}

func (o *Orchestrator) ensureQueue(cap jobs.Capability) *capabilityQueue {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[cap]
	if !ok {
		q = newCapabilityQueue()
		o.queues[cap] = q
	}
	return q
}

func (o *Orchestrator) ensureWorkers(ctx context.Context, cap jobs.Capability) {
	o.mu.Lock()
	if o.started[cap] {
		o.mu.Unlock()
		return
	}
	o.started[cap] = true
	if o.group == nil {
		group, gctx := errgroup.WithContext(ctx)
		o.group = group
		ctx = gctx
	}
	o.mu.Unlock()

	queue := o.ensureQueue(cap)
	for i := 0; i < o.cfg.WorkersPerCapability; i++ {
		o.group.Go(func() error {
			o.workerLoop(ctx, cap, queue)
			return nil
		})
	}
}

// CreateJob persists a new Job as pending, validates its capability has a
// registered executor, then admits it to the capability's queue.
func (o *Orchestrator) CreateJob(tenantID string, cap jobs.Capability, target string, config map[string]any, priority jobs.Priority) (*jobs.Job, error) {
	if !cap.Valid() {
		return nil, fmt.Errorf("%w: invalid capability %q", ErrConfigurationError, cap)
	}
	if _, ok := o.registry.Lookup(cap); !ok {
		return nil, fmt.Errorf("%w: %q", ErrConfigurationError, cap)
	}
	if !o.breakers.Allow(cap) {
		return nil, fmt.Errorf("%w: capability %q circuit open", ErrConfigurationError, cap)
	}

	queue := o.ensureQueue(cap)
	if o.cfg.QueueHardLimit > 0 && queue.Len() >= o.cfg.QueueHardLimit {
		return nil, ErrOverloaded
	}
	overSoftLimit := o.cfg.QueueSoftLimit > 0 && queue.Len() >= o.cfg.QueueSoftLimit

	now := time.Now().UTC()
	job := jobs.Job{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Capability: cap,
		Target:     target,
		Status:     jobs.StatusPending,
		Priority:   priority,
		Config:     config,
		Metadata:   map[string]any{"attempts": 0},
		CreatedAt:  now,
	}
	if overSoftLimit {
		job.Metadata["queue_warning"] = "capability queue over soft limit"
	}
	if err := o.store.UpsertJob(job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	queued := jobs.StatusQueued
	if err := o.store.UpdatePartial(job.ID, jobs.PartialUpdate{Status: &queued}); err != nil {
		return nil, fmt.Errorf("admit job: %w", err)
	}
	job.Status = jobs.StatusQueued

	queue.Push(job.ID, tenantID, priority, job.CreatedAt)
	o.tenants.SetQueueDepth(tenantID, queue.Len())
	o.setQueueDepth(cap, queue.Len())
	o.ensureWorkers(context.Background(), cap)

	o.publish(events.JobQueued, tenantID, job.ID, nil)
	return &job, nil
}

// CancelJob cancels a pending/queued Job immediately, trips the cancel
// signal of a running one, and is a false-returning no-op on a terminal one.
func (o *Orchestrator) CancelJob(id, actor string) (bool, error) {
	job, err := o.store.GetJob(id, "", true)
	if err != nil {
		return false, err
	}

	switch job.Status {
	case jobs.StatusPending, jobs.StatusQueued:
		cancelled := jobs.StatusCancelled
		if err := o.store.UpdatePartial(id, jobs.PartialUpdate{Status: &cancelled}); err != nil {
			if err == jobs.ErrInvalidTransition {
				return false, nil
			}
			return false, err
		}
		if queue := o.ensureQueue(job.Capability); queue != nil {
			queue.Remove(id)
		}
		o.publish(events.JobCancelled, job.TenantID, id, nil)
		return true, nil

	case jobs.StatusRunning:
		o.mu.Lock()
		cancel, ok := o.cancels[id]
		o.mu.Unlock()
		if !ok {
			return false, nil
		}
		cancel()
		_ = o.store.UpdatePartial(id, jobs.PartialUpdate{Metadata: mergeMetadata(job.Metadata, map[string]any{"cancelling": true, "cancel_actor": actor})})
		return true, nil

	default:
		return false, nil
	}
}

// GetProgress returns a snapshot of a Job's status, progress, and last log
// entry.
func (o *Orchestrator) GetProgress(id string) (*ProgressSnapshot, error) {
	job, err := o.store.GetJob(id, "", true)
	if err != nil {
		return nil, err
	}
	snap := &ProgressSnapshot{Status: job.Status, Progress: job.Progress}
	if n := len(job.ExecutionLogs); n > 0 {
		snap.LastLogEntry = &job.ExecutionLogs[n-1]
	}
	return snap, nil
}

// Subscribe returns a channel of this Job's events, closed once the Job
// reaches a terminal state. Events arrive in lifecycle order.
func (o *Orchestrator) Subscribe(id string) <-chan events.Event {
	subID := "job-sub-" + id + "-" + time.Now().UTC().Format(time.RFC3339Nano)
	raw := o.bus.Subscribe(subID)
	out := make(chan events.Event, 16)

	go func() {
		defer close(out)
		defer o.bus.Unsubscribe(subID)
		for evt := range raw {
			if evt.JobID != id {
				continue
			}
			out <- evt
			switch evt.Type {
			case events.JobSucceeded, events.JobFailed, events.JobCancelled:
				return
			}
		}
	}()
	return out
}

// ExecuteJobNow bypasses the queue for testing/manual use.
func (o *Orchestrator) ExecuteJobNow(id string) error {
	job, err := o.store.GetJob(id, "", true)
	if err != nil {
		return err
	}
	o.runJob(context.Background(), job.Capability, id)
	return nil
}

func (o *Orchestrator) workerLoop(ctx context.Context, cap jobs.Capability, queue *capabilityQueue) {
	for {
		// The tenant slot is reserved inside admit, under the queue lock, so
		// two workers of this queue cannot both pass the same cap check.
		jobID, tenantID, ok := queue.PopAdmissible(func(t string) bool {
			if !o.tenants.CanAdmit(t) {
				return false
			}
			o.tenants.Acquire(t)
			return true
		}, o.closed)
		if !ok {
			return
		}
		o.setQueueDepth(cap, queue.Len())
		o.runJob(ctx, cap, jobID)
		o.tenants.Release(tenantID)
		o.wakeAllQueues()

		select {
		case <-ctx.Done():
			return
		case <-o.closed:
			return
		default:
		}
	}
}

func (o *Orchestrator) observeJob(cap jobs.Capability, result string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.JobsDispatched.WithLabelValues(string(cap), result).Inc()
	o.metrics.JobDuration.WithLabelValues(string(cap)).Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) markRetry(cap jobs.Capability) {
	if o.metrics == nil {
		return
	}
	o.metrics.JobsRetried.WithLabelValues(string(cap)).Inc()
}

func (o *Orchestrator) setQueueDepth(cap jobs.Capability, depth int) {
	if o.metrics == nil {
		return
	}
	o.metrics.QueueDepth.WithLabelValues(string(cap)).Set(float64(depth))
}

// wakeAllQueues re-runs every capability queue's admission scan after a
// tenant slot frees (the cap is shared across capabilities).
func (o *Orchestrator) wakeAllQueues() {
	o.mu.Lock()
	queues := make([]*capabilityQueue, 0, len(o.queues))
	for _, q := range o.queues {
		queues = append(queues, q)
	}
	o.mu.Unlock()
	for _, q := range queues {
		q.Wake()
	}
}

func (o *Orchestrator) publish(typ events.Type, tenantID, jobID string, detail any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Type: typ, TenantID: tenantID, JobID: jobID, Detail: detail})
}

func mergeMetadata(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
