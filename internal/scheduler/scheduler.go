// Package scheduler runs actions on cron schedules. It polls the store for
// due scheduled runs and dispatches each through the engine, so every run
// leaves a normal execution row behind.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/toolrun/toolrun/internal/store"
	"github.com/toolrun/toolrun/pkg/schema"
)

// ActionRunner is the interface the scheduler dispatches through.
// Satisfied by the engine.
type ActionRunner interface {
	ExecuteAction(ctx context.Context, tenant schema.TenantContext, actionKey string, inputs map[string]any) (*schema.ExecutionResult, error)
}

// Scheduler polls the store for due scheduled runs and executes them.
type Scheduler struct {
	store  store.Store
	runner ActionRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently executing (dedup)
}

// New creates a Scheduler over the standard five-field cron format.
func New(s store.Store, runner ActionRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Register validates the cron expression, stamps the first due time, and
// persists the scheduled run.
func (s *Scheduler) Register(ctx context.Context, run *store.ScheduledRun) error {
	next, err := s.CalculateNextRun(run.CronExpr, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", run.CronExpr).WithCause(err)
	}
	run.NextRunAt = &next
	return s.store.CreateScheduledRun(ctx, run)
}

// Runs lists every scheduled run registered for an org, enabled or not.
func (s *Scheduler) Runs(ctx context.Context, orgID string) ([]*store.ScheduledRun, error) {
	return s.store.ListScheduledRuns(ctx, orgID)
}

// SetEnabled toggles a run. Re-enabling recomputes the next due time so a
// long-disabled run does not fire immediately for every missed slot.
func (s *Scheduler) SetEnabled(ctx context.Context, orgID, id string, enabled bool) error {
	run, err := s.store.GetScheduledRun(ctx, orgID, id)
	if err != nil {
		return err
	}
	update := store.ScheduledRunUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.CalculateNextRun(run.CronExpr, time.Now().UTC())
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", run.CronExpr).WithCause(err)
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateScheduledRun(ctx, run.ID, update)
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every enabled run whose due time has passed. Exported so
// deployments without the background loop can drive the schedule themselves.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.ListDueRuns(ctx, 0)
	if err != nil {
		s.logger.Error("failed to list due scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, run := range due {
		if !s.tryAcquire(run.ID) {
			continue // still executing from a previous tick
		}
		if err := s.dispatch(ctx, run, now); err != nil {
			s.logger.Error("scheduled run failed",
				slog.String("run_id", run.ID),
				slog.String("action_key", run.ActionKey),
				slog.String("error", err.Error()),
			)
		}
		s.release(run.ID)
	}
}

// dispatch executes one scheduled run and advances its due time. The due
// time advances even when the execution fails: a broken action must not
// pin the scheduler to the same run every tick.
func (s *Scheduler) dispatch(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.Info("running scheduled action",
		slog.String("run_id", run.ID),
		slog.String("action_key", run.ActionKey),
	)

	tenant := schema.TenantContext{OrgID: run.OrgID, UserID: run.UserID}
	_, execErr := s.runner.ExecuteAction(ctx, tenant, run.ActionKey, run.Inputs)

	next, err := s.CalculateNextRun(run.CronExpr, now)
	if err != nil {
		// Unparseable expression on an existing row: disable it rather
		// than retrying it forever.
		disabled := false
		_ = s.store.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{Enabled: &disabled})
		return fmt.Errorf("calculate next run for %q: %w", run.ID, err)
	}
	if err := s.store.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
	}); err != nil {
		return fmt.Errorf("advance scheduled run %q: %w", run.ID, err)
	}
	return execErr
}

// tryAcquire marks the run in-flight, returning false if it already is.
func (s *Scheduler) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

func (s *Scheduler) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// CalculateNextRun computes the next due time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
