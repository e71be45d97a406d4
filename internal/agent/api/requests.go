// Package api provides the HTTP surface for the local agent runtime:
// launching, inspecting, and stopping containerized agents.
package api

import "time"

// LaunchAgentRequest launches a new agent container for a task.
type LaunchAgentRequest struct {
	TaskID        string                 `json:"task_id" binding:"required"`
	AgentType     string                 `json:"agent_type" binding:"required"`
	WorkspacePath string                 `json:"workspace_path" binding:"required"`
	Env           map[string]string      `json:"env,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// StopAgentRequest stops a running agent container.
type StopAgentRequest struct {
	Force  bool   `json:"force"`
	Reason string `json:"reason,omitempty"`
}

// AgentInstanceResponse reports one agent container's status.
type AgentInstanceResponse struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	AgentType    string     `json:"agent_type"`
	ContainerID  string     `json:"container_id,omitempty"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// AgentTypeResponse describes one registered agent type.
type AgentTypeResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Image        string   `json:"image"`
	Capabilities []string `json:"capabilities"`
	Enabled      bool     `json:"enabled"`
}

// AgentsListResponse lists agent instances.
type AgentsListResponse struct {
	Agents []AgentInstanceResponse `json:"agents"`
	Total  int                     `json:"total"`
}

// AgentTypesListResponse lists agent types.
type AgentTypesListResponse struct {
	Types []AgentTypeResponse `json:"types"`
	Total int                 `json:"total"`
}

// LogEntry is a single container log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Stream    string    `json:"stream"`
}

// LogsResponse lists log entries.
type LogsResponse struct {
	Logs  []LogEntry `json:"logs"`
	Total int        `json:"total"`
}

// HealthResponse reports the agent runtime's liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
