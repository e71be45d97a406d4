package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

type noopDispatcher struct{}

func (noopDispatcher) TryDispatch(string, *v1.WorkItem) bool { return true }
func (noopDispatcher) Cancel(string, string)                 {}

func newTestScheduler(t *testing.T) (*Scheduler, *coordinator.Coordinator) {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	bus := events.NewMemoryBus(16, log)
	t.Cleanup(func() { _ = bus.Close() })

	coord := coordinator.New(coordinator.DefaultConfig(), bus, log)
	coord.SetDispatcher(noopDispatcher{})

	s := New(Config{ConcurrencyPolicy: "skip"}, coord, bus, log)
	return s, coord
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestRegisterRejectsMissingCron(t *testing.T) {
	s, _ := newTestScheduler(t)
	_, err := s.Register(&v1.Schedule{Name: "no-cron", TargetType: v1.ScheduleTargetTask})
	if err == nil {
		t.Error("expected error for a schedule with no cron expression")
	}
}

func TestRegisterRejectsInvalidCronExpression(t *testing.T) {
	s, _ := newTestScheduler(t)
	_, err := s.Register(&v1.Schedule{Name: "bad", Cron: "not a cron", TargetType: v1.ScheduleTargetTask})
	if err == nil {
		t.Error("expected error for an invalid cron expression")
	}
}

func TestRegisterSetsNextRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.Start(context.Background())
	defer s.Stop()

	sched, err := s.Register(&v1.Schedule{Name: "every-minute", Cron: "* * * * *", TargetType: v1.ScheduleTargetTask})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if sched.NextRun == nil {
		t.Error("expected NextRun to be populated after registration")
	}
}

func TestFiringSubmitsTaskThroughCoordinator(t *testing.T) {
	s, coord := newTestScheduler(t)
	s.Start(context.Background())
	defer s.Stop()

	sched, err := s.Register(&v1.Schedule{
		Name:          "frequent",
		Cron:          "@every 10ms",
		TargetType:    v1.ScheduleTargetTask,
		TargetPayload: map[string]interface{}{"type": "heartbeat"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, task := range coord.ListTasks(coordinator.TaskFilter{}) {
			if task.Type == "heartbeat" {
				return true
			}
		}
		return false
	})

	got, err := s.Get(sched.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastRun == nil {
		t.Error("expected LastRun to be set after a firing")
	}
}

func TestUnregisterStopsFutureFirings(t *testing.T) {
	s, coord := newTestScheduler(t)
	s.Start(context.Background())
	defer s.Stop()

	sched, err := s.Register(&v1.Schedule{
		Name:          "stoppable",
		Cron:          "@every 10ms",
		TargetType:    v1.ScheduleTargetTask,
		TargetPayload: map[string]interface{}{"type": "tick"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(coord.ListTasks(coordinator.TaskFilter{})) > 0
	})

	if err := s.Unregister(sched.ID); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	countAfterUnregister := len(coord.ListTasks(coordinator.TaskFilter{}))
	time.Sleep(50 * time.Millisecond)
	if got := len(coord.ListTasks(coordinator.TaskFilter{})); got != countAfterUnregister {
		t.Errorf("expected no further firings after Unregister, count grew from %d to %d", countAfterUnregister, got)
	}

	if _, err := s.Get(sched.ID); err == nil {
		t.Error("expected Get to fail for an unregistered schedule")
	}
}

func TestWorkflowTargetWithoutExecutorFailsGracefully(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.Start(context.Background())
	defer s.Stop()

	_, err := s.Register(&v1.Schedule{
		Name:          "wf",
		Cron:          "@every 10ms",
		TargetType:    v1.ScheduleTargetWorkflow,
		TargetPayload: map[string]interface{}{"workflow_id": "wf-1"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	// fire() logs the ServiceUnavailable error internally; this just
	// confirms firing a workflow schedule with no executor never panics.
	time.Sleep(50 * time.Millisecond)
}
