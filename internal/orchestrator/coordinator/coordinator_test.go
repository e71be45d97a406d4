package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// fakeDispatcher implements Dispatcher for testing, recording every
// dispatch and optionally refusing admission to simulate a full inbox.
type fakeDispatcher struct {
	mu        sync.Mutex
	refuse    bool
	dispatched []string // agentID:taskID
	cancelled  []string
}

func (f *fakeDispatcher) TryDispatch(agentID string, item *v1.WorkItem) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.dispatched = append(f.dispatched, agentID+":"+item.ID)
	return true
}

func (f *fakeDispatcher) Cancel(agentID, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, agentID+":"+taskID)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeDispatcher) {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	bus := events.NewMemoryBus(16, log)
	t.Cleanup(func() { _ = bus.Close() })

	cfg := DefaultConfig()
	c := New(cfg, bus, log)
	d := &fakeDispatcher{}
	c.SetDispatcher(d)
	return c, d
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

func TestRegisterAgentDefaultsToIdle(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	a, err := c.RegisterAgent(ctx, &v1.Worker{Name: "w1", Capabilities: []string{"build"}})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if a.Status != v1.AgentIdle {
		t.Errorf("expected AgentIdle, got %s", a.Status)
	}
	if a.ID == "" {
		t.Error("expected generated ID")
	}
}

func TestSubmitTaskDispatchesToMatchingIdleAgent(t *testing.T) {
	c, d := newTestCoordinator(t)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	agent, err := c.RegisterAgent(ctx, &v1.Worker{Name: "w1", Capabilities: []string{"build"}})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	task, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build", Priority: 5})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, err := c.GetTask(task.ID)
		return err == nil && got.Status == v1.WorkRunning && got.AgentID == agent.ID
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dispatched) != 1 {
		t.Fatalf("expected exactly one dispatch, got %v", d.dispatched)
	}
}

func TestSubmitTaskWithoutCapableAgentStaysPending(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	_, err := c.RegisterAgent(ctx, &v1.Worker{Name: "w1", Capabilities: []string{"deploy"}})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	task, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	got, err := c.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != v1.WorkPending {
		t.Errorf("expected task to remain Pending, got %s", got.Status)
	}
}

func TestHigherPriorityTaskDispatchedFirst(t *testing.T) {
	c, d := newTestCoordinator(t)
	ctx := context.Background()

	low, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build", Priority: 1})
	if err != nil {
		t.Fatalf("SubmitTask(low): %v", err)
	}
	high, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build", Priority: 9})
	if err != nil {
		t.Fatalf("SubmitTask(high): %v", err)
	}

	c.Start(ctx)
	defer c.Stop()
	if _, err := c.RegisterAgent(ctx, &v1.Worker{Name: "w1", Capabilities: []string{"build"}}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.dispatched) >= 1
	})

	got, err := c.GetTask(high.ID)
	if err != nil {
		t.Fatalf("GetTask(high): %v", err)
	}
	if got.Status != v1.WorkRunning {
		t.Errorf("expected the higher priority task to be dispatched first, got status %s for high-priority task", got.Status)
	}
	lowTask, _ := c.GetTask(low.ID)
	if lowTask.Status != v1.WorkPending {
		t.Errorf("expected the lower priority task to remain Pending, got %s", lowTask.Status)
	}
}

func TestCompleteTaskFreesAgentForNextMatch(t *testing.T) {
	c, d := newTestCoordinator(t)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	agent, err := c.RegisterAgent(ctx, &v1.Worker{Name: "w1", Capabilities: []string{"build"}})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	first, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build"})
	if err != nil {
		t.Fatalf("SubmitTask(first): %v", err)
	}
	waitFor(t, time.Second, func() bool {
		got, _ := c.GetTask(first.ID)
		return got != nil && got.Status == v1.WorkRunning
	})

	second, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build"})
	if err != nil {
		t.Fatalf("SubmitTask(second): %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	got, _ := c.GetTask(second.ID)
	if got.Status != v1.WorkPending {
		t.Fatalf("expected second task to be Pending while agent is busy, got %s", got.Status)
	}

	if err := c.CompleteTask(ctx, first.ID, v1.WorkCompleted, map[string]interface{}{"ok": true}, ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, _ := c.GetTask(second.ID)
		return got != nil && got.Status == v1.WorkRunning && got.AgentID == agent.ID
	})
}

func TestDuplicateCompletionIsIgnored(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	if _, err := c.RegisterAgent(ctx, &v1.Worker{Name: "w1", Capabilities: []string{"build"}}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	task, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		got, _ := c.GetTask(task.ID)
		return got != nil && got.Status == v1.WorkRunning
	})

	if err := c.CompleteTask(ctx, task.ID, v1.WorkCompleted, nil, ""); err != nil {
		t.Fatalf("first CompleteTask: %v", err)
	}
	if err := c.CompleteTask(ctx, task.ID, v1.WorkFailed, nil, "late failure"); err != nil {
		t.Fatalf("duplicate CompleteTask should be ignored, not error: %v", err)
	}

	got, _ := c.GetTask(task.ID)
	if got.Status != v1.WorkCompleted {
		t.Errorf("expected first completion to win, got status %s", got.Status)
	}
}

func TestUnregisterAgentFailsRunningTaskAsAgentLost(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	agent, err := c.RegisterAgent(ctx, &v1.Worker{Name: "w1", Capabilities: []string{"build"}})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	task, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		got, _ := c.GetTask(task.ID)
		return got != nil && got.Status == v1.WorkRunning
	})

	c.UnregisterAgent(ctx, agent.ID)

	got, err := c.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != v1.WorkFailed || got.Error != "agent_lost" {
		t.Errorf("expected failed/agent_lost, got status=%s error=%s", got.Status, got.Error)
	}
}

func TestCancelPendingTaskRemovesFromQueue(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	task, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if err := c.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	got, err := c.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != v1.WorkCancelled {
		t.Errorf("expected Cancelled, got %s", got.Status)
	}
	if c.admission.Contains(task.ID) {
		t.Error("expected cancelled task to be removed from the admission queue")
	}
}

func TestCancelRunningTaskSignalsDispatcher(t *testing.T) {
	c, d := newTestCoordinator(t)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	agent, err := c.RegisterAgent(ctx, &v1.Worker{Name: "w1", Capabilities: []string{"build"}})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	task, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		got, _ := c.GetTask(task.ID)
		return got != nil && got.Status == v1.WorkRunning
	})

	if err := c.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cancelled) != 1 || d.cancelled[0] != agent.ID+":"+task.ID {
		t.Errorf("expected cancellation signal to agent, got %v", d.cancelled)
	}
}

func TestCancelTerminalTaskIsInvalidState(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	task, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if err := c.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("first CancelTask: %v", err)
	}
	if err := c.CancelTask(ctx, task.ID); err == nil {
		t.Error("expected error cancelling an already-terminal task")
	}
}

func TestSubmitWorkflowRejectsCycles(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	w := &v1.Workflow{
		Name: "cyclic",
		Steps: []*v1.WorkflowStep{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	if _, err := c.SubmitWorkflow(ctx, w); err == nil {
		t.Error("expected cycle detection to reject the workflow")
	}
}

func TestSubmitWorkflowAcceptsValidDAG(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	w := &v1.Workflow{
		Name: "linear",
		Steps: []*v1.WorkflowStep{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a", "b"}},
		},
	}
	got, err := c.SubmitWorkflow(ctx, w)
	if err != nil {
		t.Fatalf("SubmitWorkflow: %v", err)
	}
	if got.Status != v1.WorkflowDraft {
		t.Errorf("expected Draft status, got %s", got.Status)
	}
}

func TestSweepTimeoutsFailsOverdueTask(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.cfg.SweepInterval = 10 * time.Millisecond
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	if _, err := c.RegisterAgent(ctx, &v1.Worker{Name: "w1", Capabilities: []string{"build"}}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	task, err := c.SubmitTask(ctx, &v1.WorkItem{Type: "build", Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, _ := c.GetTask(task.ID)
		return got != nil && got.Status == v1.WorkTimedOut
	})
}
