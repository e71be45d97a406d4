// Package workflow expands a Workflow's step DAG into WorkItems as their
// dependencies become satisfied, tracking completion via the
// Coordinator's event bus rather than polling.
package workflow

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// run tracks one in-flight workflow execution: its step dependency
// graph, how many unmet dependencies remain per step, and the task ids
// it has produced so task completion events can be routed back to a step.
type run struct {
	mu           sync.Mutex
	workflow     *v1.Workflow
	inDegree     map[string]int
	dependents   map[string][]string // stepID -> steps that depend on it
	stepByTaskID map[string]string   // taskID -> stepID
	stepStatus   map[string]v1.WorkItemStatus
	remaining    int
	failed       bool
}

// Engine is the Workflow Engine component.
type Engine struct {
	coord  *coordinator.Coordinator
	bus    events.Bus
	logger *logger.Logger

	mu   sync.Mutex
	runs map[string]*run

	sub events.Subscription
}

// New constructs an Engine. Call Start to begin observing task
// completion events.
func New(coord *coordinator.Coordinator, bus events.Bus, log *logger.Logger) *Engine {
	return &Engine{
		coord:  coord,
		bus:    bus,
		logger: log.WithFields(zap.String("component", "workflow-engine")),
		runs:   make(map[string]*run),
	}
}

// Start subscribes to task completion events so the engine can advance
// in-flight workflows as their steps finish.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.bus.Subscribe("task.>", func(ctx context.Context, ev *events.Event) {
		e.onTaskEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	e.sub = sub
	return nil
}

// Stop unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
}

// Execute transitions a Draft workflow to Active and submits every step
// with no unmet dependency as a WorkItem.
func (e *Engine) Execute(ctx context.Context, workflowID string) (*v1.Workflow, error) {
	w, err := e.coord.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	r := newRun(w)
	e.mu.Lock()
	e.runs[workflowID] = r
	e.mu.Unlock()

	if _, err := e.transitionActive(workflowID); err != nil {
		return nil, err
	}

	e.logger.Info("workflow execution started", zap.String("workflow_id", workflowID), zap.Int("steps", len(w.Steps)))
	e.emit(ctx, events.EventWorkflowStarted, workflowID, nil)

	ready := r.readySteps()
	for _, step := range ready {
		e.submitStep(ctx, r, step)
	}
	return w, nil
}

func newRun(w *v1.Workflow) *run {
	r := &run{
		workflow:     w,
		inDegree:     make(map[string]int, len(w.Steps)),
		dependents:   make(map[string][]string, len(w.Steps)),
		stepByTaskID: make(map[string]string),
		stepStatus:   make(map[string]v1.WorkItemStatus, len(w.Steps)),
		remaining:    len(w.Steps),
	}
	for _, s := range w.Steps {
		r.inDegree[s.ID] = len(s.DependsOn)
		r.stepStatus[s.ID] = v1.WorkPending
	}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			r.dependents[dep] = append(r.dependents[dep], s.ID)
		}
	}
	return r
}

// readySteps returns every step with a zero inDegree that hasn't already
// been submitted, marking each one Running so it is returned only once.
func (r *run) readySteps() []*v1.WorkflowStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.WorkflowStep
	for _, s := range r.workflow.Steps {
		if r.inDegree[s.ID] == 0 && r.stepStatus[s.ID] == v1.WorkPending {
			r.stepStatus[s.ID] = v1.WorkRunning
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) submitStep(ctx context.Context, r *run, step *v1.WorkflowStep) {
	item := &v1.WorkItem{
		Type:       step.Type,
		Payload:    step.Payload,
		Timeout:    step.Timeout,
		WorkflowID: r.workflow.ID,
		StepID:     step.ID,
	}
	if step.Agent != "" {
		if item.Payload == nil {
			item.Payload = make(map[string]interface{})
		}
		item.Payload["agent_id"] = step.Agent
	}

	task, err := e.coord.SubmitTask(ctx, item)
	if err != nil {
		e.logger.Error("failed to submit step as task", zap.String("workflow_id", r.workflow.ID), zap.String("step_id", step.ID), zap.Error(err))
		e.failStep(ctx, r, step.ID)
		return
	}

	r.mu.Lock()
	r.stepByTaskID[task.ID] = step.ID
	r.mu.Unlock()
}

func (e *Engine) onTaskEvent(ctx context.Context, ev *events.Event) {
	workflowID, _ := ev.Data["workflow_id"].(string)
	if workflowID == "" {
		return
	}
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return
	}

	taskID, _ := ev.Data["task_id"].(string)
	r.mu.Lock()
	stepID, ok := r.stepByTaskID[taskID]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch ev.Type {
	case events.EventTaskCompleted:
		e.completeStep(ctx, r, stepID)
	case events.EventTaskFailed, events.EventTaskTimeout, events.EventTaskCancelled:
		e.failStep(ctx, r, stepID)
	}
}

func (e *Engine) completeStep(ctx context.Context, r *run, stepID string) {
	r.mu.Lock()
	r.stepStatus[stepID] = v1.WorkCompleted
	r.remaining--
	done := r.remaining == 0
	var newlyReady []string
	for _, dep := range r.dependents[stepID] {
		r.inDegree[dep]--
		if r.inDegree[dep] == 0 && r.stepStatus[dep] == v1.WorkPending {
			r.stepStatus[dep] = v1.WorkRunning
			newlyReady = append(newlyReady, dep)
		}
	}
	workflowFailed := r.failed
	succeeded := true
	for _, st := range r.stepStatus {
		if st != v1.WorkCompleted {
			succeeded = false
		}
	}
	r.mu.Unlock()

	if workflowFailed {
		return
	}
	for _, id := range newlyReady {
		if step := r.workflow.StepByID(id); step != nil {
			e.submitStep(ctx, r, step)
		}
	}
	if done {
		e.finishRun(ctx, r, succeeded)
	}
}

// failStep marks a step Failed and, per the workflow's error policy,
// either cascades Skipped to every downstream step (fail_fast) or lets
// the rest of the DAG continue (continue_on_error).
func (e *Engine) failStep(ctx context.Context, r *run, stepID string) {
	r.mu.Lock()
	r.stepStatus[stepID] = v1.WorkFailed
	r.remaining--
	policy := r.workflow.ErrorPolicy()

	var skipped []string
	if policy == v1.ErrorPolicyFailFast {
		r.failed = true
		skipped = r.cascadeSkip(stepID)
		r.remaining -= len(skipped)
	} else {
		var newlyReady []string
		for _, dep := range r.dependents[stepID] {
			r.inDegree[dep]--
			if r.inDegree[dep] == 0 && r.stepStatus[dep] == v1.WorkPending {
				r.stepStatus[dep] = v1.WorkRunning
				newlyReady = append(newlyReady, dep)
			}
		}
		r.mu.Unlock()
		for _, id := range newlyReady {
			if step := r.workflow.StepByID(id); step != nil {
				e.submitStep(ctx, r, step)
			}
		}
		r.mu.Lock()
	}
	done := r.remaining <= 0
	r.mu.Unlock()

	if len(skipped) > 0 {
		e.logger.Info("cascading skip after failed step", zap.String("workflow_id", r.workflow.ID), zap.String("failed_step", stepID), zap.Strings("skipped", skipped))
	}
	if done {
		e.finishRun(ctx, r, false)
	}
}

// cascadeSkip walks the dependent graph breadth-first from stepID,
// marking every step not yet terminal as Skipped (modeled here as
// Cancelled, the WorkItemStatus closest in meaning). Caller holds r.mu.
func (r *run) cascadeSkip(stepID string) []string {
	var skipped []string
	queue := append([]string(nil), r.dependents[stepID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if r.stepStatus[id] == v1.WorkCancelled || r.stepStatus[id].IsTerminal() {
			continue
		}
		r.stepStatus[id] = v1.WorkCancelled
		skipped = append(skipped, id)
		queue = append(queue, r.dependents[id]...)
	}
	return skipped
}

func (e *Engine) finishRun(ctx context.Context, r *run, success bool) {
	status := v1.WorkflowCompleted
	eventType := events.EventWorkflowCompleted
	if !success {
		status = v1.WorkflowFailed
		eventType = events.EventWorkflowFailed
	}
	e.coord.MarkWorkflowTerminal(r.workflow.ID, status)
	e.logger.Info("workflow execution finished", zap.String("workflow_id", r.workflow.ID), zap.String("status", string(status)))
	e.emit(ctx, eventType, r.workflow.ID, nil)

	e.mu.Lock()
	delete(e.runs, r.workflow.ID)
	e.mu.Unlock()
}

func (e *Engine) transitionActive(workflowID string) (*v1.Workflow, error) {
	return e.coord.TransitionWorkflowActive(workflowID)
}

func (e *Engine) emit(ctx context.Context, eventType, workflowID string, extra map[string]interface{}) {
	data := map[string]interface{}{"workflow_id": workflowID}
	for k, v := range extra {
		data[k] = v
	}
	ev := events.NewEvent(workflowID+":"+eventType, eventType, "workflow-engine", data)
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish workflow event", zap.String("event_type", eventType), zap.Error(err))
	}
}
