// Package scheduler fires Schedule rules on their cron cadence,
// synthesizing a task submission or workflow execution through the
// normal admission path — it never talks to an agent directly.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/common/errors"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// WorkflowExecutor is the subset of the Workflow Engine the Scheduler
// needs, kept as an interface so this package doesn't import workflow.
type WorkflowExecutor interface {
	Execute(ctx context.Context, workflowID string) (*v1.Workflow, error)
}

// Config configures the cron runner's concurrency policy.
type Config struct {
	// ConcurrencyPolicy is "skip" (default: drop a firing if the
	// previous one for the same schedule hasn't finished) or "delay"
	// (queue the firing until the previous one completes).
	ConcurrencyPolicy string
}

// Scheduler manages cron-driven Schedule firings.
type Scheduler struct {
	cron   *cron.Cron
	coord  *coordinator.Coordinator
	wfExec WorkflowExecutor
	bus    events.Bus
	logger *logger.Logger

	mu        sync.Mutex
	schedules map[string]*v1.Schedule
	entryIDs  map[string]cron.EntryID

	stopped  chan struct{}
	stopOnce sync.Once
}

// New constructs a Scheduler. SetWorkflowExecutor must be called before
// any Schedule targeting a workflow can fire.
func New(cfg Config, coord *coordinator.Coordinator, bus events.Bus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron:      newCron(cfg),
		coord:     coord,
		bus:       bus,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		schedules: make(map[string]*v1.Schedule),
		entryIDs:  make(map[string]cron.EntryID),
		stopped:   make(chan struct{}),
	}
}

func newCron(cfg Config) *cron.Cron {
	var wrapper cron.JobWrapper
	switch cfg.ConcurrencyPolicy {
	case "delay":
		wrapper = cron.DelayIfStillRunning(cron.DefaultLogger)
	default:
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	}
	return cron.New(cron.WithChain(wrapper))
}

// SetWorkflowExecutor wires the Workflow Engine used for
// ScheduleTargetWorkflow schedules.
func (s *Scheduler) SetWorkflowExecutor(exec WorkflowExecutor) {
	s.wfExec = exec
}

// Start begins firing registered schedules.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("scheduler started")
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the cron runner, allowing in-flight firings to finish, and
// is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Drain behaves like Stop but returns a context deadline error if
// in-flight firings don't complete before ctx expires.
func (s *Scheduler) Drain(ctx context.Context) error {
	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
		s.stopOnce.Do(func() { close(s.stopped) })
		return nil
	case <-ctx.Done():
		s.stopOnce.Do(func() { close(s.stopped) })
		return fmt.Errorf("scheduler drain: %w", ctx.Err())
	}
}

// Done returns a channel closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} { return s.stopped }

// Register adds sched to the cron runner, generating an ID if unset,
// stamping CreatedAt/UpdatedAt with the current time and marking it
// Enabled.
func (s *Scheduler) Register(sched *v1.Schedule) (*v1.Schedule, error) {
	if sched.Cron == "" {
		return nil, errors.Invalid("schedule has no cron expression")
	}
	if sched.TargetType != v1.ScheduleTargetTask && sched.TargetType != v1.ScheduleTargetWorkflow {
		return nil, errors.Invalid(fmt.Sprintf("schedule has unknown target_type %q", sched.TargetType))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sched.ID == "" {
		sched.ID = fmt.Sprintf("sched-%d", len(s.schedules)+1)
	}
	if _, exists := s.schedules[sched.ID]; exists {
		return nil, errors.Conflict(fmt.Sprintf("schedule '%s' already registered", sched.ID))
	}

	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	sched.Enabled = true

	entryID, err := s.cron.AddFunc(sched.Cron, s.fireFunc(sched.ID))
	if err != nil {
		return nil, errors.Invalid(fmt.Sprintf("invalid cron expression '%s': %v", sched.Cron, err))
	}
	s.entryIDs[sched.ID] = entryID
	s.schedules[sched.ID] = sched
	s.setNextRunLocked(sched.ID)

	s.logger.Info("schedule registered", zap.String("schedule_id", sched.ID), zap.String("cron", sched.Cron))
	return sched, nil
}

// Unregister removes a schedule from the cron runner.
func (s *Scheduler) Unregister(scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[scheduleID]
	if !ok {
		return errors.NotFound("schedule", scheduleID)
	}
	s.cron.Remove(entryID)
	delete(s.entryIDs, scheduleID)
	delete(s.schedules, scheduleID)
	return nil
}

// Get returns a snapshot of the schedule, or NotFound.
func (s *Scheduler) Get(scheduleID string) (*v1.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[scheduleID]
	if !ok {
		return nil, errors.NotFound("schedule", scheduleID)
	}
	clone := *sched
	return &clone, nil
}

// List returns a snapshot of every registered schedule.
func (s *Scheduler) List() []*v1.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*v1.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		clone := *sched
		out = append(out, &clone)
	}
	return out
}

func (s *Scheduler) setNextRunLocked(scheduleID string) {
	entryID, ok := s.entryIDs[scheduleID]
	if !ok {
		return
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return
	}
	next := entry.Next
	s.schedules[scheduleID].NextRun = &next
}

func (s *Scheduler) fireFunc(scheduleID string) func() {
	return func() {
		ctx := context.Background()
		s.fire(ctx, scheduleID)
	}
}

func (s *Scheduler) fire(ctx context.Context, scheduleID string) {
	s.mu.Lock()
	sched, ok := s.schedules[scheduleID]
	if !ok || !sched.Enabled {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	sched.LastRun = &now
	s.setNextRunLocked(scheduleID)
	targetType := sched.TargetType
	payload := sched.TargetPayload
	s.mu.Unlock()

	s.logger.Info("schedule fired", zap.String("schedule_id", scheduleID), zap.String("target_type", string(targetType)))
	s.emit(ctx, scheduleID, string(targetType))

	var err error
	switch targetType {
	case v1.ScheduleTargetTask:
		_, err = s.coord.SubmitTask(ctx, &v1.WorkItem{
			Type:    stringField(payload, "type"),
			Payload: payload,
		})
	case v1.ScheduleTargetWorkflow:
		err = s.fireWorkflow(ctx, payload)
	}
	if err != nil {
		s.logger.Error("schedule firing failed", zap.String("schedule_id", scheduleID), zap.Error(err))
	}
}

func (s *Scheduler) fireWorkflow(ctx context.Context, payload map[string]interface{}) error {
	workflowID := stringField(payload, "workflow_id")
	if workflowID == "" {
		return errors.Invalid("workflow schedule firing has no workflow_id in target_payload")
	}
	if s.wfExec == nil {
		return errors.ServiceUnavailable("workflow-engine")
	}
	_, err := s.wfExec.Execute(ctx, workflowID)
	return err
}

func (s *Scheduler) emit(ctx context.Context, scheduleID, targetType string) {
	if s.bus == nil {
		return
	}
	ev := events.NewEvent(scheduleID+":"+fmt.Sprint(time.Now().UnixNano()), events.EventScheduleFired, "scheduler", map[string]interface{}{
		"schedule_id": scheduleID,
		"target_type": targetType,
	})
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish schedule.fired event", zap.Error(err))
	}
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
