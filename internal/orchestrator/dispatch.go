package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blackflagsec/sentinel/internal/capability"
	"github.com/blackflagsec/sentinel/internal/events"
	"github.com/blackflagsec/sentinel/internal/findings"
	"github.com/blackflagsec/sentinel/internal/jobs"
)

// progressSink is the capability.ProgressSink handed to an Executor. Each
// call persists through to the Job Store and republishes on the event bus so
// subscribers see progress live.
type progressSink struct {
	orch  *Orchestrator
	jobID string
}

func (s *progressSink) Progress(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	_ = s.orch.store.UpdatePartial(s.jobID, jobs.PartialUpdate{Progress: &pct})
	job, err := s.orch.store.GetJob(s.jobID, "", true)
	tenantID := ""
	if err == nil {
		tenantID = job.TenantID
	}
	s.orch.publish(events.JobProgress, tenantID, s.jobID, map[string]any{"progress": pct})
}

func (s *progressSink) Log(level jobs.LogLevel, msg string) {
	entry := jobs.LogEntry{Timestamp: time.Now().UTC(), Level: level, Message: msg}
	_ = s.orch.store.UpdatePartial(s.jobID, jobs.PartialUpdate{ExecutionLogsAppend: []jobs.LogEntry{entry}})
}

func (o *Orchestrator) nextBackoff(attempt int) time.Duration {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return nextBackoff(attempt, o.rng)
}

// runJob executes one Job end to end: transition to running, invoke the
// Executor with retries handled inline (a single worker goroutine owns the
// whole attempt sequence, so only one job.started/job.succeeded pair is
// emitted regardless of retry count; retries are internal), cooperative
// cancellation with a hard escalation deadline, and post-processing into the
// finding store and positive scorer.
func (o *Orchestrator) runJob(ctx context.Context, cap jobs.Capability, jobID string) {
	job, err := o.store.GetJob(jobID, "", true)
	if err != nil {
		o.logger.Warn("runJob: job vanished before dispatch", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	exec, ok := o.registry.Lookup(cap)
	if !ok {
		o.failJob(job, "no executor registered for capability")
		return
	}

	running := jobs.StatusRunning
	now := time.Now().UTC()
	if err := o.store.UpdatePartial(jobID, jobs.PartialUpdate{Status: &running, StartedAt: &now}); err != nil {
		o.logger.Warn("runJob: cannot transition to running", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	o.publish(events.JobStarted, job.TenantID, jobID, nil)

	sink := &progressSink{orch: o, jobID: jobID}
	attempts := 0
	maxAttempts := o.cfg.MaxRetries + 1
	dispatchedAt := time.Now()

	for {
		attempts++
		result, execErr := o.attempt(ctx, job, cap, exec, sink)
		out := classify(execErr)
		o.breakers.RecordOutcome(cap, out)

		switch out {
		case outcomeSuccess:
			if err := o.succeedJob(job, jobID, attempts, result); err != nil {
				o.failJobAfterRetries(job, jobID, attempts, err)
				o.observeJob(cap, "failed", dispatchedAt)
				return
			}
			o.observeJob(cap, "succeeded", dispatchedAt)
			return
		case outcomeCancelled:
			o.cancelledJob(job, jobID, attempts)
			o.observeJob(cap, "cancelled", dispatchedAt)
			return
		case outcomeRetryable:
			if attempts >= maxAttempts {
				o.failJobAfterRetries(job, jobID, attempts, execErr)
				o.observeJob(cap, "failed", dispatchedAt)
				return
			}
			o.markRetry(cap)
			delay := o.nextBackoff(attempts)
			o.logger.Info("runJob: retrying", zap.String("job_id", jobID), zap.Int("attempt", attempts), zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				o.cancelledJob(job, jobID, attempts)
				return
			case <-o.closed:
				return
			}
			continue
		default: // outcomeFatal
			o.failJobAfterRetries(job, jobID, attempts, execErr)
			o.observeJob(cap, "failed", dispatchedAt)
			return
		}
	}
}

// attempt runs one Executor invocation with its own cancellable context,
// honoring both the overall execution timeout and an external cancel
// request. If the Executor fails to return within cfg.CancelGrace of
// cancellation, the attempt is abandoned (its goroutine is left to exit on
// its own) and treated as cancelled.
func (o *Orchestrator) attempt(parent context.Context, job *jobs.Job, cap jobs.Capability, exec capability.Executor, sink *progressSink) (capability.Result, error) {
	execCtx, cancel := context.WithTimeout(parent, o.cfg.ExecutionTimeout)
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, job.ID)
		o.mu.Unlock()
		cancel()
	}()

	type execOutcome struct {
		result capability.Result
		err    error
	}
	done := make(chan execOutcome, 1)
	go func() {
		res, err := exec(execCtx, job.TenantID, job.Target, job.Config, sink)
		done <- execOutcome{res, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-execCtx.Done():
		select {
		case out := <-done:
			return out.result, out.err
		case <-time.After(o.cfg.CancelGrace):
			o.logger.Warn("runJob: executor did not honor cancellation within grace period; abandoning",
				zap.String("job_id", job.ID), zap.Duration("grace", o.cfg.CancelGrace))
			return capability.Result{}, errCancelled
		}
	}
}

// succeedJob runs post-processing and, only once every write has landed,
// flips the Job to succeeded (status-last commit order). Any write failure
// aborts before the terminal transition, so an observer never sees a
// succeeded Job with its Findings or Indicators missing.
func (o *Orchestrator) succeedJob(job *jobs.Job, jobID string, attempts int, result capability.Result) error {
	for i := range result.Findings {
		f := result.Findings[i]
		f.TenantID = job.TenantID
		f.Capability = string(job.Capability)
		f.Target = job.Target
		if f.Evidence == nil {
			f.Evidence = map[string]any{}
		}
		f.Evidence["job_id"] = jobID
		if _, err := o.findings.UpsertFinding(f); err != nil {
			o.logger.Error("runJob: upsert finding failed", zap.String("job_id", jobID), zap.Error(err))
			return fmt.Errorf("upsert finding: %w", err)
		}
	}
	for i := range result.PositiveIndicators {
		ind := result.PositiveIndicators[i]
		ind.TenantID = job.TenantID
		ind.Target = job.Target
		if _, err := o.findings.InsertPositiveIndicator(ind); err != nil {
			o.logger.Error("runJob: insert positive indicator failed", zap.String("job_id", jobID), zap.Error(err))
			return fmt.Errorf("insert positive indicator: %w", err)
		}
	}

	// Posture delta: compare the tenant's score after this run's findings
	// landed against the last recorded value, so the scorer can emit an
	// improvement-trend indicator when posture rose.
	prevScore, err := o.findings.PostureScore(job.TenantID)
	if err != nil {
		return fmt.Errorf("read posture score: %w", err)
	}
	currentScore, err := o.findings.ComputePostureScore(job.TenantID)
	if err != nil {
		return fmt.Errorf("compute posture score: %w", err)
	}

	rawFindings := make([]findings.RawFinding, 0, len(result.Findings))
	for _, f := range result.Findings {
		rawFindings = append(rawFindings, findings.RawFinding{Severity: f.Severity})
	}
	scanIndicators := findings.Score(findings.ScoreInputs{
		Capability:    string(job.Capability),
		RawFindings:   rawFindings,
		ScanResults:   result.Metadata,
		PreviousScore: prevScore,
		CurrentScore:  &currentScore,
	})
	for _, ind := range scanIndicators {
		ind.TenantID = job.TenantID
		ind.Target = job.Target
		if _, err := o.findings.InsertPositiveIndicator(ind); err != nil {
			o.logger.Error("runJob: insert scan indicator failed", zap.String("job_id", jobID), zap.Error(err))
			return fmt.Errorf("insert scan indicator: %w", err)
		}
	}
	if err := o.findings.SetPostureScore(job.TenantID, currentScore); err != nil {
		return fmt.Errorf("record posture score: %w", err)
	}

	meta := mergeMetadata(job.Metadata, map[string]any{"attempts": attempts})
	for k, v := range result.Metadata {
		meta[k] = v
	}

	succeeded := jobs.StatusSucceeded
	hundred := 100
	completedAt := time.Now().UTC()
	if err := o.store.UpdatePartial(jobID, jobs.PartialUpdate{
		Status:      &succeeded,
		Progress:    &hundred,
		CompletedAt: &completedAt,
		Metadata:    meta,
		ClearError:  true,
	}); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	o.publish(events.JobFindings, job.TenantID, jobID, map[string]any{"count": len(result.Findings)})
	o.publish(events.JobSucceeded, job.TenantID, jobID, map[string]any{"attempts": attempts})
	return nil
}

func (o *Orchestrator) cancelledJob(job *jobs.Job, jobID string, attempts int) {
	cancelled := jobs.StatusCancelled
	completedAt := time.Now().UTC()
	meta := mergeMetadata(job.Metadata, map[string]any{"attempts": attempts})
	if err := o.store.UpdatePartial(jobID, jobs.PartialUpdate{Status: &cancelled, CompletedAt: &completedAt, Metadata: meta}); err != nil {
		o.logger.Warn("runJob: cancel transition failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	o.publish(events.JobCancelled, job.TenantID, jobID, nil)
}

func (o *Orchestrator) failJobAfterRetries(job *jobs.Job, jobID string, attempts int, cause error) {
	msg := "execution failed"
	if cause != nil {
		msg = cause.Error()
	}
	failed := jobs.StatusFailed
	completedAt := time.Now().UTC()
	meta := mergeMetadata(job.Metadata, map[string]any{"attempts": attempts})
	_ = o.store.UpdatePartial(jobID, jobs.PartialUpdate{Status: &failed, Error: &msg, CompletedAt: &completedAt, Metadata: meta})
	o.publish(events.JobFailed, job.TenantID, jobID, map[string]any{"error": msg, "attempts": attempts})
}

func (o *Orchestrator) failJob(job *jobs.Job, msg string) {
	failed := jobs.StatusFailed
	completedAt := time.Now().UTC()
	_ = o.store.UpdatePartial(job.ID, jobs.PartialUpdate{Status: &failed, Error: &msg, CompletedAt: &completedAt})
	o.publish(events.JobFailed, job.TenantID, job.ID, map[string]any{"error": msg})
}
