package v1

import "time"

// AgentState is the lifecycle status of a registered orchestrator agent.
// Distinct from AgentStatus, which tracks a locally-launched agent
// instance's container lifecycle (see agentruntime).
type AgentState string

const (
	AgentIdle       AgentState = "idle"
	AgentActive     AgentState = "active"
	AgentBusy       AgentState = "busy"
	AgentOffline    AgentState = "offline"
	AgentErrorState AgentState = "error"
	AgentTerminated AgentState = "terminated"
)

// Worker is a long-lived worker connected to the orchestrator via the
// real-time channel, advertising a set of capabilities and accepting
// dispatched tasks. It is the "Agent" entity of the data model.
type Worker struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Status       AgentState             `json:"status"`
	Capabilities []string               `json:"capabilities"`
	Config       map[string]interface{} `json:"config,omitempty"`
	LastSeen     time.Time              `json:"last_seen"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// HasCapability reports whether the worker advertises the given capability.
func (w *Worker) HasCapability(capability string) bool {
	for _, c := range w.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Clone returns a copy of the worker safe to hand to callers outside the
// Coordinator's lock.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	clone := *w
	clone.Capabilities = append([]string(nil), w.Capabilities...)
	clone.Config = cloneAnyMap(w.Config)
	clone.Metadata = cloneAnyMap(w.Metadata)
	return &clone
}

// WorkItemStatus is the lifecycle status of a dispatchable unit of work.
type WorkItemStatus string

const (
	WorkPending   WorkItemStatus = "pending"
	WorkRunning   WorkItemStatus = "running"
	WorkCompleted WorkItemStatus = "completed"
	WorkFailed    WorkItemStatus = "failed"
	WorkCancelled WorkItemStatus = "cancelled"
	WorkTimedOut  WorkItemStatus = "timed_out"
)

// IsTerminal reports whether the status is one a task never leaves.
func (s WorkItemStatus) IsTerminal() bool {
	switch s {
	case WorkCompleted, WorkFailed, WorkCancelled, WorkTimedOut:
		return true
	default:
		return false
	}
}

// WorkItem is a single unit of dispatchable work with a type, payload,
// priority, and timeout. It is the "Task" entity of the data model.
type WorkItem struct {
	ID          string                 `json:"id"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Type        string                 `json:"type"`
	Priority    int                    `json:"priority"`
	Status      WorkItemStatus         `json:"status"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Timeout     time.Duration          `json:"timeout"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	StepID      string                 `json:"step_id,omitempty"`
}

// Clone returns a copy of the work item safe to hand to callers outside
// the Coordinator's lock.
func (t *WorkItem) Clone() *WorkItem {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Payload = cloneAnyMap(t.Payload)
	clone.Result = cloneAnyMap(t.Result)
	return &clone
}

// WorkflowStatus is the lifecycle status of a Workflow.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowActive    WorkflowStatus = "active"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// ErrorPolicy governs how a Workflow reacts to a failed step.
type ErrorPolicy string

const (
	ErrorPolicyFailFast         ErrorPolicy = "fail_fast"
	ErrorPolicyContinueOnError  ErrorPolicy = "continue_on_error"
)

// WorkflowStep is a single node of a workflow's dependency DAG. Immutable
// once part of an Active workflow.
type WorkflowStep struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Agent      string                 `json:"agent,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Parallel   bool                   `json:"parallel"`
	Timeout    time.Duration          `json:"timeout"`
	DependsOn  []string               `json:"depends_on,omitempty"`
}

// Workflow is a declarative, DAG-shaped collection of steps; each step,
// when eligible, produces a WorkItem.
type Workflow struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Steps       []*WorkflowStep        `json:"steps"`
	Status      WorkflowStatus         `json:"status"`
	Config      map[string]interface{} `json:"config,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ErrorPolicy returns the workflow's configured error policy, defaulting
// to fail_fast.
func (w *Workflow) ErrorPolicy() ErrorPolicy {
	if w.Config == nil {
		return ErrorPolicyFailFast
	}
	if v, ok := w.Config["error_policy"].(string); ok && v == string(ErrorPolicyContinueOnError) {
		return ErrorPolicyContinueOnError
	}
	return ErrorPolicyFailFast
}

// StepByID returns the step with the given id, or nil.
func (w *Workflow) StepByID(id string) *WorkflowStep {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy of the step safe to hand to callers outside
// the Coordinator's lock.
func (s *WorkflowStep) Clone() *WorkflowStep {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Payload = cloneAnyMap(s.Payload)
	clone.DependsOn = append([]string(nil), s.DependsOn...)
	return &clone
}

// Clone returns a deep copy of the workflow, including its steps, safe
// to hand to callers outside the Coordinator's lock.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	clone := *w
	clone.Config = cloneAnyMap(w.Config)
	if w.Steps != nil {
		clone.Steps = make([]*WorkflowStep, len(w.Steps))
		for i, s := range w.Steps {
			clone.Steps[i] = s.Clone()
		}
	}
	return &clone
}

// ScheduleTargetType selects whether a Schedule synthesizes a task or a
// workflow execution.
type ScheduleTargetType string

const (
	ScheduleTargetTask     ScheduleTargetType = "task"
	ScheduleTargetWorkflow ScheduleTargetType = "workflow"
)

// Schedule is a cron-driven rule that periodically synthesizes a task or
// workflow submission.
type Schedule struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	TargetType    ScheduleTargetType     `json:"target_type"`
	TargetPayload map[string]interface{} `json:"target_payload"`
	Cron          string                 `json:"cron"`
	Enabled       bool                   `json:"enabled"`
	LastRun       *time.Time             `json:"last_run,omitempty"`
	NextRun       *time.Time             `json:"next_run,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

func cloneAnyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
