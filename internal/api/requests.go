package api

// CreateTaskRequest is the request body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Type       string                 `json:"type" binding:"required"`
	Priority   int                    `json:"priority"`
	Payload    map[string]interface{} `json:"payload"`
	TimeoutMS  int64                  `json:"timeout_ms"`
	AgentID    string                 `json:"agent_id"`
	WorkflowID string                 `json:"workflow_id"`
	StepID     string                 `json:"step_id"`
}

// CompleteTaskRequest is the request body for PUT /api/v1/tasks/:taskId/complete.
type CompleteTaskRequest struct {
	Status string                 `json:"status" binding:"required"`
	Result map[string]interface{} `json:"result"`
	Error  string                 `json:"error"`
}

// RegisterAgentRequest is the request body for POST /api/v1/agents.
type RegisterAgentRequest struct {
	Name         string                 `json:"name" binding:"required"`
	Type         string                 `json:"type"`
	Capabilities []string               `json:"capabilities"`
	Config       map[string]interface{} `json:"config"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// CreateWorkflowStepRequest is one step of a CreateWorkflowRequest.
type CreateWorkflowStepRequest struct {
	ID        string                 `json:"id" binding:"required"`
	Type      string                 `json:"type" binding:"required"`
	Agent     string                 `json:"agent"`
	Payload   map[string]interface{} `json:"payload"`
	Parallel  bool                   `json:"parallel"`
	TimeoutMS int64                  `json:"timeout_ms"`
	DependsOn []string               `json:"depends_on"`
}

// CreateWorkflowRequest is the request body for POST /api/v1/workflows.
type CreateWorkflowRequest struct {
	Name        string                      `json:"name" binding:"required"`
	Description string                      `json:"description"`
	Steps       []CreateWorkflowStepRequest `json:"steps" binding:"required,min=1"`
	Config      map[string]interface{}      `json:"config"`
}

// CreateScheduleRequest is the request body for POST /api/v1/schedules.
type CreateScheduleRequest struct {
	Name          string                 `json:"name" binding:"required"`
	Cron          string                 `json:"cron" binding:"required"`
	TargetType    string                 `json:"target_type" binding:"required"`
	TargetPayload map[string]interface{} `json:"target_payload" binding:"required"`
	Enabled       *bool                  `json:"enabled"`
}
