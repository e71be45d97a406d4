// Package coordinator implements the orchestrator's single authoritative
// arbiter of Agent/Task/Workflow state. It is the only
// component allowed to mutate those three registries.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kdlbs/orchestra/internal/common/errors"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/queue"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// Dispatcher is the Agent Manager's admission surface as seen by the
// Coordinator. Implemented by *agentmanager.Manager; defined here so
// neither package imports the other's concrete type.
type Dispatcher interface {
	// TryDispatch attempts a non-blocking push of item into agentID's
	// inbox. Returns false if the agent is unknown or its inbox is full.
	TryDispatch(agentID string, item *v1.WorkItem) bool
	// Cancel best-effort delivers a cancellation signal to agentID for
	// the given task id.
	Cancel(agentID, taskID string)
}

// Config configures the Coordinator's queues, timeouts, and sweep cadence.
type Config struct {
	AdmissionQueueSize int
	TaskTimeoutDefault time.Duration
	SweepInterval      time.Duration
}

// DefaultConfig returns sane production defaults.
func DefaultConfig() Config {
	return Config{
		AdmissionQueueSize: 1000,
		TaskTimeoutDefault: 30 * time.Second,
		SweepInterval:      30 * time.Second,
	}
}

// Coordinator owns the authoritative Agent, Task, and Workflow
// registries and runs the matching and timeout-sweeping loops.
type Coordinator struct {
	cfg Config

	mu        sync.RWMutex
	agents    map[string]*v1.Worker
	agentSeq  []string // registration order, for deterministic matching
	tasks     map[string]*v1.WorkItem
	workflows map[string]*v1.Workflow

	admission *queue.Queue
	bus       events.Bus
	logger    *logger.Logger

	dispatcher Dispatcher

	matchSignal chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	started     bool
}

// New constructs a Coordinator. SetDispatcher must be called before Start.
func New(cfg Config, bus events.Bus, log *logger.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		agents:      make(map[string]*v1.Worker),
		tasks:       make(map[string]*v1.WorkItem),
		workflows:   make(map[string]*v1.Workflow),
		admission:   queue.New(cfg.AdmissionQueueSize),
		bus:         bus,
		logger:      log.WithFields(zap.String("component", "coordinator")),
		matchSignal: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// SetDispatcher wires the Agent Manager's admission surface. Must be
// called exactly once, before Start.
func (c *Coordinator) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Start launches the matching loop and the timeout sweeper.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.matchLoop(ctx)
	go c.sweepLoop(ctx)
}

// Stop halts the matching and sweeping loops and waits for them to exit.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Coordinator) emit(ctx context.Context, eventType string, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	e := events.NewEvent(uuid.New().String(), eventType, "coordinator", data)
	if err := c.bus.Publish(ctx, e); err != nil {
		c.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (c *Coordinator) signalMatch() {
	select {
	case c.matchSignal <- struct{}{}:
	default:
	}
}

// ---- Agent operations ----

// RegisterAgent stores a new agent as Idle, or upserts an existing one.
func (c *Coordinator) RegisterAgent(ctx context.Context, a *v1.Worker) (*v1.Worker, error) {
	c.mu.Lock()
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if _, exists := c.agents[a.ID]; !exists {
		c.agentSeq = append(c.agentSeq, a.ID)
	}
	a.Status = v1.AgentIdle
	a.LastSeen = now
	a.CreatedAt = now
	a.UpdatedAt = now
	c.agents[a.ID] = a
	stored := a.Clone()
	c.mu.Unlock()

	c.logger.Info("agent registered", zap.String("agent_id", a.ID), zap.Strings("capabilities", a.Capabilities))
	c.emit(ctx, events.EventAgentRegistered, map[string]interface{}{"agent_id": a.ID, "type": a.Type})
	c.signalMatch()
	return stored, nil
}

// UnregisterAgent removes an agent from the active set. Its Running
// tasks are failed with agent_lost; there is no automatic reassignment
// to another agent.
func (c *Coordinator) UnregisterAgent(ctx context.Context, agentID string) {
	c.mu.Lock()
	if _, ok := c.agents[agentID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.agents, agentID)
	for i, id := range c.agentSeq {
		if id == agentID {
			c.agentSeq = append(c.agentSeq[:i], c.agentSeq[i+1:]...)
			break
		}
	}
	var orphaned []*v1.WorkItem
	for _, t := range c.tasks {
		if t.AgentID == agentID && t.Status == v1.WorkRunning {
			t.Status = v1.WorkFailed
			t.Error = "agent_lost"
			completedAt := time.Now().UTC()
			t.CompletedAt = &completedAt
			orphaned = append(orphaned, t.Clone())
		}
	}
	c.mu.Unlock()

	c.logger.Info("agent unregistered", zap.String("agent_id", agentID), zap.Int("orphaned_tasks", len(orphaned)))
	c.emit(ctx, events.EventAgentUnregistered, map[string]interface{}{"agent_id": agentID})
	for _, t := range orphaned {
		c.emit(ctx, events.EventTaskFailed, map[string]interface{}{"task_id": t.ID, "error": t.Error, "workflow_id": t.WorkflowID})
	}
}

// UpdateAgentStatus applies a new status and refreshes last_seen.
// Unknown agent ids are silently ignored.
func (c *Coordinator) UpdateAgentStatus(ctx context.Context, agentID string, status v1.AgentState) {
	c.mu.Lock()
	a, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return
	}
	a.Status = status
	a.LastSeen = time.Now().UTC()
	a.UpdatedAt = a.LastSeen
	becameIdle := status == v1.AgentIdle
	c.mu.Unlock()

	c.emit(ctx, events.EventAgentStatusUpdate, map[string]interface{}{"agent_id": agentID, "status": string(status)})
	if becameIdle {
		c.signalMatch()
	}
}

// Touch refreshes an agent's last_seen without changing its status
// (used by heartbeats).
func (c *Coordinator) Touch(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.agents[agentID]; ok {
		a.LastSeen = time.Now().UTC()
	}
}

// GetAgent returns a snapshot of the agent, or NotFound.
func (c *Coordinator) GetAgent(agentID string) (*v1.Worker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return a.Clone(), nil
}

// ListAgents returns a snapshot of all registered agents.
func (c *Coordinator) ListAgents() []*v1.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*v1.Worker, 0, len(c.agentSeq))
	for _, id := range c.agentSeq {
		if a, ok := c.agents[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// ---- Task operations ----

// SubmitTask admits a new WorkItem as Pending and queues it for matching.
func (c *Coordinator) SubmitTask(ctx context.Context, t *v1.WorkItem) (*v1.WorkItem, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = v1.WorkPending
	t.CreatedAt = time.Now().UTC()
	if t.Timeout <= 0 {
		t.Timeout = c.cfg.TaskTimeoutDefault
	}

	c.mu.Lock()
	if _, exists := c.tasks[t.ID]; exists {
		c.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("task '%s' already exists", t.ID))
	}
	c.tasks[t.ID] = t
	c.mu.Unlock()

	if err := c.admission.Enqueue(t); err != nil {
		c.mu.Lock()
		delete(c.tasks, t.ID)
		c.mu.Unlock()
		return nil, apperrors.QueueFull("admission_queue")
	}

	c.emit(ctx, events.EventTaskSubmitted, map[string]interface{}{"task_id": t.ID, "type": t.Type, "workflow_id": t.WorkflowID})
	c.signalMatch()
	return t.Clone(), nil
}

// GetTask returns a snapshot of the task, or NotFound.
func (c *Coordinator) GetTask(taskID string) (*v1.WorkItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	return t.Clone(), nil
}

// TaskFilter narrows ListTasks results; zero-value fields are ignored.
type TaskFilter struct {
	Status     v1.WorkItemStatus
	AgentID    string
	WorkflowID string
}

// ListTasks returns a snapshot of tasks matching filter.
func (c *Coordinator) ListTasks(filter TaskFilter) []*v1.WorkItem {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*v1.WorkItem
	for _, t := range c.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && t.AgentID != filter.AgentID {
			continue
		}
		if filter.WorkflowID != "" && t.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CompleteTask transitions a Running task to Completed or Failed based
// on the reported status. A duplicate completion for an already-terminal
// task is logged and ignored: the first completion wins.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID string, status v1.WorkItemStatus, result map[string]interface{}, errMsg string) error {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return apperrors.NotFound("task", taskID)
	}
	if t.Status.IsTerminal() {
		c.mu.Unlock()
		c.logger.Debug("duplicate completion ignored", zap.String("task_id", taskID), zap.String("status", string(t.Status)))
		return nil
	}
	if t.Status != v1.WorkRunning {
		c.mu.Unlock()
		return apperrors.InvalidState("task", taskID, string(t.Status))
	}

	now := time.Now().UTC()
	t.CompletedAt = &now
	if status == v1.WorkCompleted {
		t.Status = v1.WorkCompleted
		t.Result = result
	} else {
		t.Status = v1.WorkFailed
		t.Error = errMsg
	}
	agentID := t.AgentID
	snapshot := t.Clone()
	var agent *v1.Worker
	if a, ok := c.agents[agentID]; ok && a.Status == v1.AgentBusy {
		a.Status = v1.AgentIdle
		a.UpdatedAt = now
		agent = a
	}
	c.mu.Unlock()

	eventType := events.EventTaskCompleted
	if status != v1.WorkCompleted {
		eventType = events.EventTaskFailed
	}
	c.emit(ctx, eventType, map[string]interface{}{"task_id": taskID, "workflow_id": snapshot.WorkflowID, "error": snapshot.Error})
	if agent != nil {
		c.signalMatch()
	}
	return nil
}

// CancelTask transitions Pending->Cancelled immediately, or Running->
// Cancelled with a best-effort cancellation frame to the owning agent.
func (c *Coordinator) CancelTask(ctx context.Context, taskID string) error {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return apperrors.NotFound("task", taskID)
	}
	if t.Status.IsTerminal() {
		c.mu.Unlock()
		return apperrors.InvalidState("task", taskID, string(t.Status))
	}

	now := time.Now().UTC()
	wasRunning := t.Status == v1.WorkRunning
	agentID := t.AgentID
	t.Status = v1.WorkCancelled
	t.CompletedAt = &now
	c.admission.Remove(taskID)
	c.mu.Unlock()

	c.emit(ctx, events.EventTaskCancelled, map[string]interface{}{"task_id": taskID})
	if wasRunning && agentID != "" && c.dispatcher != nil {
		c.dispatcher.Cancel(agentID, taskID)
	}
	return nil
}

// ---- Workflow operations ----

// SubmitWorkflow validates and stores a Workflow in Draft status.
func (c *Coordinator) SubmitWorkflow(ctx context.Context, w *v1.Workflow) (*v1.Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if err := detectCycle(w.Steps); err != nil {
		return nil, apperrors.Invalid(err.Error())
	}

	now := time.Now().UTC()
	w.Status = v1.WorkflowDraft
	w.CreatedAt = now
	w.UpdatedAt = now

	c.mu.Lock()
	c.workflows[w.ID] = w
	c.mu.Unlock()

	return w, nil
}

// detectCycle rejects a dependency graph containing a cycle, via DFS
// coloring (white/gray/black).
func detectCycle(steps []*v1.WorkflowStep) error {
	byID := make(map[string]*v1.WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("cyclic dependency detected at step '%s'", id)
		case black:
			return nil
		}
		color[id] = gray
		step, ok := byID[id]
		if !ok {
			return fmt.Errorf("step '%s' depends on unknown step", id)
		}
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step '%s' depends on unknown step '%s'", id, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetWorkflow returns a snapshot of the workflow, or NotFound.
func (c *Coordinator) GetWorkflow(workflowID string) (*v1.Workflow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workflows[workflowID]
	if !ok {
		return nil, apperrors.NotFound("workflow", workflowID)
	}
	return w.Clone(), nil
}

// ListWorkflows returns a snapshot of all workflows.
func (c *Coordinator) ListWorkflows() []*v1.Workflow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*v1.Workflow, 0, len(c.workflows))
	for _, w := range c.workflows {
		out = append(out, w.Clone())
	}
	return out
}

// TransitionWorkflowActive moves a Draft workflow to Active. Called by
// the Workflow Engine at the start of ExecuteWorkflow.
func (c *Coordinator) TransitionWorkflowActive(workflowID string) (*v1.Workflow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workflows[workflowID]
	if !ok {
		return nil, apperrors.NotFound("workflow", workflowID)
	}
	if w.Status != v1.WorkflowDraft {
		return nil, apperrors.InvalidState("workflow", workflowID, string(w.Status))
	}
	w.Status = v1.WorkflowActive
	w.UpdatedAt = time.Now().UTC()
	return w, nil
}

// MarkWorkflowTerminal sets a workflow's terminal status (Completed or
// Failed), used by the Workflow Engine as it observes step completion.
func (c *Coordinator) MarkWorkflowTerminal(workflowID string, status v1.WorkflowStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workflows[workflowID]; ok {
		w.Status = status
		w.UpdatedAt = time.Now().UTC()
	}
}

// Bus exposes the Coordinator's event bus so the Workflow Engine and
// Scheduler can subscribe to / publish on it.
func (c *Coordinator) Bus() events.Bus { return c.bus }
