// Package scheduler runs the cron-driven loop that materialises due
// ScheduledSearches into Jobs through the Orchestrator, coalescing missed
// fires and holding a singleflight guard so at most one materialisation per
// definition is ever in flight.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/blackflagsec/sentinel/internal/jobs"
	"github.com/blackflagsec/sentinel/internal/orchestrator"
	"github.com/blackflagsec/sentinel/internal/scheduledsearch"
)

// pollInterval is the fixed scheduler tick.
const pollInterval = 30 * time.Second

// missedFireGrace bounds late firing: a ScheduledSearch whose nextRunAt
// lags now by more than this is skipped (logged) rather than fired late.
const missedFireGrace = 300 * time.Second

// Dispatcher is the subset of Orchestrator the Scheduler depends on.
type Dispatcher interface {
	CreateJob(tenantID string, cap jobs.Capability, target string, config map[string]any, priority jobs.Priority) (*jobs.Job, error)
}

var _ Dispatcher = (*orchestrator.Orchestrator)(nil)

// Scheduler polls the Scheduled-Search Store for due definitions and
// materialises them into Jobs.
type Scheduler struct {
	store  *scheduledsearch.Store
	orch   Dispatcher
	logger *zap.Logger

	sf singleflight.Group

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// New constructs a Scheduler.
func New(store *scheduledsearch.Store, orch Dispatcher, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: store, orch: orch, logger: logger}
}

// Start arms the Scheduler: it runs one immediate pass (covering anything
// due since the process was last up) then ticks every pollInterval. Safe to
// call multiple times.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(pollInterval)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(time.Now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.runOnce(now.UTC())
			}
		}
	}()
}

// Stop halts the polling loop and waits for any in-flight runOnce to
// return. In-flight materialisations started via singleflight are not
// interrupted; they are expected to finish quickly since createJob is
// non-blocking admission, not execution.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runOnce(now time.Time) {
	due, err := s.store.ListDue(now)
	if err != nil {
		s.logger.Warn("scheduler: list due scheduled searches failed", zap.Error(err))
		return
	}

	for _, ss := range due {
		s.evaluate(ss, now)
	}
}

func (s *Scheduler) evaluate(ss scheduledsearch.ScheduledSearch, now time.Time) {
	if ss.NextRunAt == nil {
		return
	}
	gap := now.Sub(*ss.NextRunAt)
	if gap > missedFireGrace {
		s.logger.Warn("scheduler: missed fire beyond grace window, skipping",
			zap.String("scheduled_search_id", ss.ID), zap.Duration("gap", gap))
		if err := s.store.AdvanceNextRun(ss.ID, now); err != nil {
			s.logger.Warn("scheduler: advance next run after skip failed",
				zap.String("scheduled_search_id", ss.ID), zap.Error(err))
		}
		return
	}

	if missed := missedFireCount(ss.CronExpression, ss.Timezone, *ss.NextRunAt, now); missed > 1 {
		s.logger.Info("scheduler: coalescing missed fires",
			zap.String("scheduled_search_id", ss.ID), zap.Int("missed_count", missed))
	}

	s.fire(ss, now)
}

// fire materialises ss into one Job per capability, guarded by a
// singleflight key so at most one materialisation for this ScheduledSearch
// is in flight at a time.
func (s *Scheduler) fire(ss scheduledsearch.ScheduledSearch, now time.Time) {
	_, _, _ = s.sf.Do(ss.ID, func() (any, error) {
		for _, cap := range ss.Capabilities {
			config := mergedConfig(ss, cap)
			if _, err := s.orch.CreateJob(ss.TenantID, cap, ss.Target, config, jobs.PriorityBackground); err != nil {
				s.logger.Warn("scheduler: materialise job failed",
					zap.String("scheduled_search_id", ss.ID), zap.String("capability", string(cap)), zap.Error(err))
			}
		}
		if err := s.store.RecordFire(ss.ID, now); err != nil {
			s.logger.Warn("scheduler: record fire failed", zap.String("scheduled_search_id", ss.ID), zap.Error(err))
		}
		return nil, nil
	})
}

// TriggerNow materialises a ScheduledSearch immediately, bypassing the cron
// schedule, but still under the same singleflight guard so manual triggers
// stay idempotent against the trigger table.
func (s *Scheduler) TriggerNow(id, tenantID string) error {
	ss, err := s.store.Get(id, tenantID, true)
	if err != nil {
		return err
	}
	s.fire(*ss, time.Now().UTC())
	return nil
}

// mergedConfig builds the per-capability config passed to CreateJob: the
// capability-specific slice of ss.Config (if present as a nested map keyed
// by capability) or the whole config otherwise, overlaid with the
// originating schedule's metadata.
func mergedConfig(ss scheduledsearch.ScheduledSearch, cap jobs.Capability) map[string]any {
	merged := make(map[string]any)
	if slice, ok := ss.Config[string(cap)].(map[string]any); ok {
		for k, v := range slice {
			merged[k] = v
		}
	} else {
		for k, v := range ss.Config {
			merged[k] = v
		}
	}
	merged["scheduled_search_id"] = ss.ID
	merged["scheduled_search_name"] = ss.Name
	merged["capability"] = string(cap)
	return merged
}

// missedFireCount walks the cron schedule's fire boundaries between from
// and to, returning how many were crossed (used purely for the "log the
// missed count" requirement; capped to avoid pathological cron expressions
// spinning for a very long time span).
func missedFireCount(cronExpr, tz string, from, to time.Time) int {
	count := 0
	cursor := from
	for i := 0; i < 10000; i++ {
		next, err := scheduledsearch.ComputeNextRun(cronExpr, tz, cursor)
		if err != nil || next.After(to) {
			break
		}
		count++
		cursor = next
	}
	return count
}
