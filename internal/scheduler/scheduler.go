package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/internal/triggers"
	"github.com/tallybook/automaton/pkg/schema"
)

const defaultInterval = 60 * time.Second

// Resumer wakes suspended executions whose delay has elapsed. Implemented by
// the engine.
type Resumer interface {
	ResumeDelayed(ctx context.Context, executionID string) error
}

// Config tunes the scheduler.
type Config struct {
	Interval time.Duration
}

// Scheduler runs the periodic scans: firing due cron schedules, polling
// threshold metrics, and resuming elapsed delays. Each scan item is isolated
// so one broken workflow cannot starve the rest of the tick.
type Scheduler struct {
	store     store.Store
	starter   triggers.Starter
	detector  *triggers.ThresholdDetector
	resumer   Resumer
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(st store.Store, starter triggers.Starter, detector *triggers.ThresholdDetector, resumer Resumer, logger *slog.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		store:    st,
		starter:  starter,
		detector: detector,
		resumer:  resumer,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
		inFlight: make(map[string]bool),
	}
}

// Start launches the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.loop(ctx)
	})
}

// Stop ends the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

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

// Tick runs all three scans once. Exported so tests and operators can force
// a pass without waiting for the interval.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	s.scanSchedules(ctx, now)
	s.scanThresholds(ctx)
	s.scanDelayed(ctx, now)
}

// tryAcquire marks a key in flight. Returns false if a previous tick is
// still working on it.
func (s *Scheduler) tryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[key] {
		return false
	}
	s.inFlight[key] = true
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

// scanSchedules fires every active cron workflow whose next run has passed.
// A workflow seen for the first time gets a mark pointing at its next run,
// so activation never replays historical fire times.
func (s *Scheduler) scanSchedules(ctx context.Context, now time.Time) {
	active := schema.WorkflowStatusActive
	defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{
		Status:      &active,
		TriggerType: schema.TriggerTypeSchedule,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "schedule scan failed",
			"error", schema.NewError(schema.ErrCodeSchedulerTick, "list schedule workflows failed").WithCause(err))
		return
	}

	for _, def := range defs {
		if !s.tryAcquire("schedule/" + def.ID) {
			continue
		}
		s.fireSchedule(ctx, def, now)
		s.release("schedule/" + def.ID)
	}
}

func (s *Scheduler) fireSchedule(ctx context.Context, def *schema.WorkflowDefinition, now time.Time) {
	trig := def.Trigger.Schedule
	if trig == nil {
		return
	}

	mark, err := s.store.GetScheduleMark(ctx, def.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "schedule scan: read mark failed", "workflow_id", def.ID, "error", err)
		return
	}
	if mark == nil {
		next, err := triggers.NextRun(trig, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "schedule scan: bad cron expression", "workflow_id", def.ID, "error", err)
			return
		}
		if err := s.store.SetScheduleMark(ctx, &store.ScheduleMark{WorkflowID: def.ID, NextRunAt: &next}); err != nil {
			s.logger.ErrorContext(ctx, "schedule scan: write mark failed", "workflow_id", def.ID, "error", err)
		}
		return
	}

	if !triggers.Due(trig, mark.NextRunAt, now) {
		return
	}

	vars := map[string]any{
		"trigger": map[string]any{
			"type":         string(schema.TriggerTypeSchedule),
			"cron":         trig.Cron,
			"scheduled_at": mark.NextRunAt,
			"fired_at":     now,
		},
	}
	id, err := s.starter.Start(ctx, def, vars)
	if err != nil {
		s.logger.ErrorContext(ctx, "schedule scan: start execution failed", "workflow_id", def.ID, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "schedule trigger fired", "workflow_id", def.ID, "execution_id", id, "cron", trig.Cron)

	next, err := triggers.NextRun(trig, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "schedule scan: compute next run failed", "workflow_id", def.ID, "error", err)
		return
	}
	if err := s.store.SetScheduleMark(ctx, &store.ScheduleMark{
		WorkflowID:  def.ID,
		LastFiredAt: &now,
		NextRunAt:   &next,
	}); err != nil {
		s.logger.ErrorContext(ctx, "schedule scan: write mark failed", "workflow_id", def.ID, "error", err)
	}
}

// scanThresholds polls every active threshold workflow's metric.
func (s *Scheduler) scanThresholds(ctx context.Context) {
	if s.detector == nil {
		return
	}
	active := schema.WorkflowStatusActive
	defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{
		Status:      &active,
		TriggerType: schema.TriggerTypeThreshold,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "threshold scan failed",
			"error", schema.NewError(schema.ErrCodeSchedulerTick, "list threshold workflows failed").WithCause(err))
		return
	}

	for _, def := range defs {
		if !s.tryAcquire("threshold/" + def.ID) {
			continue
		}
		if err := s.detector.Check(ctx, def); err != nil {
			s.logger.ErrorContext(ctx, "threshold scan: check failed", "workflow_id", def.ID, "error", err)
		}
		s.release("threshold/" + def.ID)
	}
}

// scanDelayed resumes waiting executions whose resume time has passed.
func (s *Scheduler) scanDelayed(ctx context.Context, now time.Time) {
	waiting := schema.ExecutionStatusWaiting
	due, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		Status:    &waiting,
		DueBefore: &now,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "resume scan failed",
			"error", schema.NewError(schema.ErrCodeSchedulerTick, "list due executions failed").WithCause(err))
		return
	}

	for _, ex := range due {
		if ex.WaitReason != schema.WaitReasonDelay {
			continue
		}
		if !s.tryAcquire("resume/" + ex.ID) {
			continue
		}
		if err := s.resumer.ResumeDelayed(ctx, ex.ID); err != nil {
			s.logger.ErrorContext(ctx, "resume scan: resume failed", "execution_id", ex.ID, "error", err)
		}
		s.release("resume/" + ex.ID)
	}
}
