// Package ws is the Gateway component: a single message-oriented
// full-duplex transport multiplexed between external peers (agents,
// user dashboards) and the orchestrator core.
package ws

import (
	"encoding/json"
	"time"
)

// Frame is the wire envelope for every inbound and outbound message.
type Frame struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Recognized inbound frame types.
const (
	InboundAgentRegister   = "agent.register"
	InboundAgentUnregister = "agent.unregister"
	InboundAgentHeartbeat  = "agent.heartbeat"
	InboundAgentTaskResult = "agent.task_result"
	InboundUserCommand     = "user.command"
)

// Recognized outbound frame types.
const (
	OutboundWelcome         = "welcome"
	OutboundTaskDispatch    = "task.dispatch"
	OutboundTaskCancel      = "task.cancel"
	OutboundTaskTimeout     = "task.timeout"
	OutboundTaskCompleted   = "task.completed"
	OutboundAgentRegistered = "agent.registered"
	OutboundHeartbeatAck    = "heartbeat_ack"
	OutboundError           = "error"
)

// user.command subcommands.
const (
	UserCommandListAgents      = "list_agents"
	UserCommandCreateTask      = "create_task"
	UserCommandCreateWorkflow  = "create_workflow"
	UserCommandExecuteWorkflow = "execute_workflow"
)

// NewFrame builds a Frame stamped with the current time.
func NewFrame(frameType string, data map[string]interface{}) *Frame {
	return &Frame{Type: frameType, Timestamp: time.Now().UTC(), Data: data}
}

func (f *Frame) encode() ([]byte, error) {
	return json.Marshal(f)
}

// stringField reads a string out of a frame's data map, defaulting to "".
func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	v, _ := data[key].(string)
	return v
}
