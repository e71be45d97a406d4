package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// dummyDispatcher admits every dispatch and immediately no-ops; tests
// drive task completion directly via coord.CompleteTask.
type dummyDispatcher struct{}

func (dummyDispatcher) TryDispatch(string, *v1.WorkItem) bool { return true }
func (dummyDispatcher) Cancel(string, string)                 {}

func newTestEngine(t *testing.T) (*Engine, *coordinator.Coordinator) {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	bus := events.NewMemoryBus(32, log)
	t.Cleanup(func() { _ = bus.Close() })

	coord := coordinator.New(coordinator.DefaultConfig(), bus, log)
	coord.SetDispatcher(dummyDispatcher{})

	ctx := context.Background()
	coord.Start(ctx)
	t.Cleanup(coord.Stop)
	// Enough idle agents that every root step of a test DAG can be
	// matched and transitioned to Running independently.
	for i := 0; i < 5; i++ {
		if _, err := coord.RegisterAgent(ctx, &v1.Worker{}); err != nil {
			t.Fatalf("RegisterAgent: %v", err)
		}
	}

	e := New(coord, bus, log)
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, coord
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

// stepTask waits for workflowID's stepID to have produced a task that
// has reached Running, so the caller can immediately complete it.
func stepTask(t *testing.T, coord *coordinator.Coordinator, workflowID, stepID string) *v1.WorkItem {
	t.Helper()
	var found *v1.WorkItem
	waitFor(t, time.Second, func() bool {
		for _, task := range coord.ListTasks(coordinator.TaskFilter{WorkflowID: workflowID}) {
			if task.StepID == stepID && task.Status == v1.WorkRunning {
				found = task
				return true
			}
		}
		return false
	})
	return found
}

func TestExecuteSubmitsRootSteps(t *testing.T) {
	e, coord := newTestEngine(t)
	ctx := context.Background()

	w, err := coord.SubmitWorkflow(ctx, &v1.Workflow{
		Name: "two-roots",
		Steps: []*v1.WorkflowStep{
			{ID: "a"},
			{ID: "b"},
			{ID: "c", DependsOn: []string{"a", "b"}},
		},
	})
	if err != nil {
		t.Fatalf("SubmitWorkflow: %v", err)
	}
	if _, err := e.Execute(ctx, w.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	stepTask(t, coord, w.ID, "a")
	stepTask(t, coord, w.ID, "b")

	tasks := coord.ListTasks(coordinator.TaskFilter{WorkflowID: w.ID})
	for _, task := range tasks {
		if task.StepID == "c" {
			t.Fatal("step 'c' should not be submitted before its dependencies complete")
		}
	}
}

func TestCompletingDependenciesUnlocksDownstreamStep(t *testing.T) {
	e, coord := newTestEngine(t)
	ctx := context.Background()

	w, err := coord.SubmitWorkflow(ctx, &v1.Workflow{
		Name: "linear",
		Steps: []*v1.WorkflowStep{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
		},
	})
	if err != nil {
		t.Fatalf("SubmitWorkflow: %v", err)
	}
	if _, err := e.Execute(ctx, w.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	taskA := stepTask(t, coord, w.ID, "a")
	if err := coord.CompleteTask(ctx, taskA.ID, v1.WorkCompleted, nil, ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	stepTask(t, coord, w.ID, "b")
}

func TestWorkflowCompletesWhenAllStepsFinish(t *testing.T) {
	e, coord := newTestEngine(t)
	ctx := context.Background()

	w, err := coord.SubmitWorkflow(ctx, &v1.Workflow{
		Name: "single",
		Steps: []*v1.WorkflowStep{{ID: "a"}},
	})
	if err != nil {
		t.Fatalf("SubmitWorkflow: %v", err)
	}
	if _, err := e.Execute(ctx, w.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	taskA := stepTask(t, coord, w.ID, "a")
	if err := coord.CompleteTask(ctx, taskA.ID, v1.WorkCompleted, nil, ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, err := coord.GetWorkflow(w.ID)
		return err == nil && got.Status == v1.WorkflowCompleted
	})
}

func TestFailFastCascadesSkipToDownstreamSteps(t *testing.T) {
	e, coord := newTestEngine(t)
	ctx := context.Background()

	w, err := coord.SubmitWorkflow(ctx, &v1.Workflow{
		Name: "fail-fast",
		Steps: []*v1.WorkflowStep{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		},
	})
	if err != nil {
		t.Fatalf("SubmitWorkflow: %v", err)
	}
	if _, err := e.Execute(ctx, w.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	taskA := stepTask(t, coord, w.ID, "a")
	if err := coord.CompleteTask(ctx, taskA.ID, v1.WorkFailed, nil, "boom"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, err := coord.GetWorkflow(w.ID)
		return err == nil && got.Status == v1.WorkflowFailed
	})

	for _, task := range coord.ListTasks(coordinator.TaskFilter{WorkflowID: w.ID}) {
		if task.StepID == "b" || task.StepID == "c" {
			t.Errorf("step %q should never have been submitted after fail_fast cascade", task.StepID)
		}
	}
}

func TestContinueOnErrorLetsIndependentBranchFinish(t *testing.T) {
	e, coord := newTestEngine(t)
	ctx := context.Background()

	w, err := coord.SubmitWorkflow(ctx, &v1.Workflow{
		Name:   "continue",
		Config: map[string]interface{}{"error_policy": "continue_on_error"},
		Steps: []*v1.WorkflowStep{
			{ID: "a"},
			{ID: "b"},
		},
	})
	if err != nil {
		t.Fatalf("SubmitWorkflow: %v", err)
	}
	if _, err := e.Execute(ctx, w.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	taskA := stepTask(t, coord, w.ID, "a")
	taskB := stepTask(t, coord, w.ID, "b")

	if err := coord.CompleteTask(ctx, taskA.ID, v1.WorkFailed, nil, "boom"); err != nil {
		t.Fatalf("CompleteTask(a): %v", err)
	}
	if err := coord.CompleteTask(ctx, taskB.ID, v1.WorkCompleted, nil, ""); err != nil {
		t.Fatalf("CompleteTask(b): %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, err := coord.GetWorkflow(w.ID)
		return err == nil && got.Status == v1.WorkflowFailed
	})
}
